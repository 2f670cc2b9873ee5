package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sidecar calls a remote signer process over HTTP (signer-config.sidecar.sidecar-url,
// spec.md §6). The remote signer itself is out of scope (spec.md §1); this
// is the thin client side of that boundary.
type Sidecar struct {
	url     string
	address string
	client  *http.Client
}

type sidecarAddressResponse struct {
	Address string `json:"address"`
}

type sidecarSignRequest struct {
	Envelope string `json:"envelope"` // base64
}

type sidecarSignResponse struct {
	Signature string `json:"signature"` // base64
	Error     string `json:"error"`
}

// NewSidecar resolves the sponsor address from the sidecar at startup so
// callers don't pay a round trip on every Sign.
func NewSidecar(ctx context.Context, url string) (*Sidecar, error) {
	s := &Sidecar{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/address", nil)
	if err != nil {
		return nil, fmt.Errorf("building sidecar address request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying sidecar address: %w", err)
	}
	defer resp.Body.Close()

	var out sidecarAddressResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sidecar address response: %w", err)
	}
	s.address = out.Address
	return s, nil
}

func (s *Sidecar) Address() string { return s.address }

func (s *Sidecar) Sign(ctx context.Context, envelope []byte) ([]byte, error) {
	body, err := json.Marshal(sidecarSignRequest{Envelope: base64.StdEncoding.EncodeToString(envelope)})
	if err != nil {
		return nil, fmt.Errorf("encoding sidecar sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building sidecar sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling sidecar: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading sidecar response: %w", err)
	}

	var out sidecarSignResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding sidecar response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("sidecar signer error: %s", out.Error)
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("decoding sidecar signature: %w", err)
	}
	return sig, nil
}
