// pkg/types/tel.go
package types

import (
	"encoding/json"
	"fmt"

	"github.com/relves/kerilog/internal/said"
)

// TelEventType identifies the kind of transaction event.
type TelEventType string

const (
	RegistryInception TelEventType = "vcp"
	Issuance          TelEventType = "iss"
	Revocation        TelEventType = "rev"
)

// TelEvent is an entry in a credential registry's transaction event log.
// For registry inception Prefix is the registry identifier; for issuance and
// revocation it is the credential digest and Registry names the registry.
type TelEvent struct {
	Type     TelEventType `json:"t"`
	Digest   string       `json:"d"`
	Prefix   string       `json:"i"`
	Sn       uint64       `json:"s"`
	Issuer   string       `json:"ii,omitempty"`
	Registry string       `json:"ri,omitempty"`
	Prior    string       `json:"p,omitempty"`
	Nonce    string       `json:"n,omitempty"`
	Date     string       `json:"dt,omitempty"`
}

// Serialize converts a TelEvent to JSON bytes.
func (e *TelEvent) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize populates a TelEvent from JSON bytes.
func (e *TelEvent) Deserialize(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("%w: tel event: %v", ErrMalformed, err)
	}
	return nil
}

// Saidify computes the digest. A registry inception's digest is also the
// registry identifier.
func (e *TelEvent) Saidify() error {
	id, err := e.computeDigest()
	if err != nil {
		return err
	}
	e.Digest = id
	if e.Type == RegistryInception {
		e.Prefix = id
	}
	return nil
}

// VerifyDigest checks that Digest matches the event content.
func (e *TelEvent) VerifyDigest() error {
	data, err := e.digestInput()
	if err != nil {
		return err
	}
	if err := said.Verify(e.Digest, data); err != nil {
		return fmt.Errorf("%w: tel event: %w", ErrMalformed, err)
	}
	if e.Type == RegistryInception && e.Prefix != e.Digest {
		return fmt.Errorf("%w: registry prefix %s is not its digest", ErrMalformed, e.Prefix)
	}
	return nil
}

func (e *TelEvent) computeDigest() (string, error) {
	data, err := e.digestInput()
	if err != nil {
		return "", err
	}
	return said.Compute(data)
}

func (e *TelEvent) digestInput() ([]byte, error) {
	blank := *e
	blank.Digest = ""
	if blank.Type == RegistryInception {
		blank.Prefix = ""
	}
	return json.Marshal(&blank)
}

// Seal returns the seal that anchors this event in the issuer's key log.
func (e *TelEvent) Seal() Seal {
	return Seal{Prefix: e.Prefix, Sn: e.Sn, Digest: e.Digest}
}

// AnchoredTelEvent pairs a TEL event with the key event that anchors it.
type AnchoredTelEvent struct {
	Event  TelEvent `json:"evt"`
	Anchor Seal     `json:"anchor"`
}

// Serialize converts an AnchoredTelEvent to JSON bytes.
func (e *AnchoredTelEvent) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize populates an AnchoredTelEvent from JSON bytes.
func (e *AnchoredTelEvent) Deserialize(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("%w: anchored tel event: %v", ErrMalformed, err)
	}
	return nil
}

// CredentialState is the replayed status of a credential.
type CredentialState string

const (
	CredentialUnknown CredentialState = "unknown"
	CredentialIssued  CredentialState = "issued"
	CredentialRevoked CredentialState = "revoked"
)
