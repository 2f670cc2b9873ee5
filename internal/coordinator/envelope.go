package coordinator

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized transaction payload a client submits to
// execute_tx: a sender-signed body with an empty fee-payer slot the
// coordinator fills in, the same fee-delegated shape as a sponsor-paid
// transaction (SPEC_FULL.md §4.5A).
type Envelope struct {
	Sender              string                 `json:"sender"`
	GasOwner            string                 `json:"gas_owner"`
	GasBudget           uint64                 `json:"gas_budget"`
	GasPaymentObjectIDs []string               `json:"gas_payment_object_ids"`
	MoveCallPackages    []string               `json:"move_call_packages,omitempty"`
	Programmable        bool                   `json:"programmable"`
	CommandCount        int                    `json:"command_count,omitempty"`
	Raw                 map[string]interface{} `json:"raw,omitempty"`

	UserSignature     []byte `json:"user_signature,omitempty"`
	FeePayerSignature []byte `json:"fee_payer_signature,omitempty"`
}

// ParseEnvelope decodes a raw JSON transaction payload (spec.md §4.5
// "Received -> Validated").
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding transaction envelope: %w", err)
	}
	if env.Raw == nil {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			env.Raw = m
		}
	}
	return &env, nil
}

// Bytes re-serializes the envelope for dry-run/submit calls and for the
// bytes the signer signs over.
func (e *Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}
