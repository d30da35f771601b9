// pkg/types/credential.go
package types

import (
	"encoding/json"
	"fmt"

	"github.com/relves/kerilog/internal/said"
)

// CredentialVersion is the version string stamped on new credentials.
const CredentialVersion = "ACDC10JSON"

// Credential is an attributed, digest-addressed credential document.
type Credential struct {
	Version    string         `json:"v"`
	Digest     string         `json:"d"`
	Issuer     string         `json:"i"`
	Registry   string         `json:"ri"`
	Schema     string         `json:"s"`
	Attributes map[string]any `json:"a"`
}

// NewCredential builds a credential and computes its digest.
func NewCredential(issuer, registry, schema string, attrs map[string]any) (*Credential, error) {
	c := &Credential{
		Version:    CredentialVersion,
		Issuer:     issuer,
		Registry:   registry,
		Schema:     schema,
		Attributes: attrs,
	}
	if err := c.Saidify(); err != nil {
		return nil, err
	}
	return c, nil
}

// Saidify computes the digest over the canonical dag-json encoding of the
// credential with its digest field blanked.
func (c *Credential) Saidify() error {
	id, err := c.computeDigest()
	if err != nil {
		return err
	}
	c.Digest = id
	return nil
}

// VerifyDigest checks the credential digest against its content.
func (c *Credential) VerifyDigest() error {
	id, err := c.computeDigest()
	if err != nil {
		return err
	}
	if !said.Equal(id, c.Digest) {
		return fmt.Errorf("%w: credential digest %s does not match content", ErrMalformed, c.Digest)
	}
	return nil
}

func (c *Credential) computeDigest() (string, error) {
	blank := *c
	blank.Digest = ""
	if blank.Attributes == nil {
		blank.Attributes = map[string]any{}
	}
	data, err := json.Marshal(&blank)
	if err != nil {
		return "", err
	}
	id, _, err := said.ComputeCanonical(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return id, nil
}

// Serialize converts a Credential to JSON bytes.
func (c *Credential) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize populates a Credential from JSON bytes.
func (c *Credential) Deserialize(data []byte) error {
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: credential: %v", ErrMalformed, err)
	}
	return nil
}
