package access

import "encoding/json"

// Transaction is the decoded view of a transaction payload the access
// controller evaluates rules against (spec.md §4.6). The execution
// coordinator builds one of these while parsing the incoming envelope
// (spec.md §4.5 "Received -> Validated").
type Transaction struct {
	Sender              string
	GasBudget           uint64
	GasOwner            string
	MoveCallPackages    []string // empty if the payload has no move-calls
	IsProgrammable      bool
	PTBCommandCount     int

	// Raw is the full decoded transaction as a JSON-compatible map,
	// evaluated by the rego-expression term (SPEC_FULL.md §4.6A).
	Raw map[string]interface{}
}

// AsJSON renders Raw for the rego evaluator; if Raw was never populated
// (e.g. in unit tests constructing a Transaction literal directly), it
// falls back to the JSON encoding of the Transaction's own fields.
func (t *Transaction) AsJSON() map[string]interface{} {
	if t.Raw != nil {
		return t.Raw
	}
	b, _ := json.Marshal(t)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}
