// pkg/types/event.go
package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relves/kerilog/internal/said"
)

// ErrMalformed is returned for input that cannot be parsed or whose
// self-addressing digest does not match its content.
var ErrMalformed = errors.New("malformed input")

// EventType identifies the kind of key event.
type EventType string

const (
	Inception   EventType = "icp"
	Rotation    EventType = "rot"
	Interaction EventType = "ixn"
)

// IsEstablishment reports whether events of this type change key state.
func (t EventType) IsEstablishment() bool {
	return t == Inception || t == Rotation
}

// Event is a single entry in a key event log.
type Event struct {
	Type   EventType `json:"t"`
	Digest string    `json:"d"`
	Prefix string    `json:"i"`
	Sn     uint64    `json:"s"`
	Prior  string    `json:"p,omitempty"`

	// Establishment fields (icp, rot).
	Threshold      int      `json:"kt,omitempty"`
	Keys           []string `json:"k,omitempty"`
	NextThreshold  int      `json:"nt,omitempty"`
	NextCommitment string   `json:"n,omitempty"`

	// Witness configuration. Inception lists the full set in Witnesses,
	// rotation carries deltas in WitnessCut and WitnessAdd.
	WitnessThreshold int      `json:"bt,omitempty"`
	Witnesses        []string `json:"b,omitempty"`
	WitnessCut       []string `json:"br,omitempty"`
	WitnessAdd       []string `json:"ba,omitempty"`

	Seals []Seal `json:"a,omitempty"`
}

// Seal references an event in another log by identifier, sequence number
// and digest.
type Seal struct {
	Prefix string `json:"i"`
	Sn     uint64 `json:"s"`
	Digest string `json:"d"`
}

// Serialize converts an Event to JSON bytes. These are the bytes signers sign.
func (e *Event) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize populates an Event from JSON bytes.
func (e *Event) Deserialize(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("%w: event: %v", ErrMalformed, err)
	}
	return nil
}

// Saidify computes the event digest and stores it in Digest. For inception
// events the digest is also the identifier prefix.
func (e *Event) Saidify() error {
	id, err := e.computeDigest()
	if err != nil {
		return err
	}
	e.Digest = id
	if e.Type == Inception {
		e.Prefix = id
	}
	return nil
}

// VerifyDigest checks that Digest (and, for inception, Prefix) match the
// event content.
func (e *Event) VerifyDigest() error {
	data, err := e.digestInput()
	if err != nil {
		return err
	}
	if err := said.Verify(e.Digest, data); err != nil {
		return fmt.Errorf("%w: event: %w", ErrMalformed, err)
	}
	if e.Type == Inception && e.Prefix != e.Digest {
		return fmt.Errorf("%w: inception prefix %s is not its digest", ErrMalformed, e.Prefix)
	}
	return nil
}

func (e *Event) computeDigest() (string, error) {
	data, err := e.digestInput()
	if err != nil {
		return "", err
	}
	return said.Compute(data)
}

// digestInput is the serialization the digest covers: the event with its
// digest, and for inception its prefix, blanked.
func (e *Event) digestInput() ([]byte, error) {
	blank := *e
	blank.Digest = ""
	if blank.Type == Inception {
		blank.Prefix = ""
	}
	return json.Marshal(&blank)
}

// Seal returns a seal pointing at this event.
func (e *Event) Seal() Seal {
	return Seal{Prefix: e.Prefix, Sn: e.Sn, Digest: e.Digest}
}

// IndexedSignature is a signature by the key at Index of the signing key list.
type IndexedSignature struct {
	Index     int    `json:"i"`
	Signature string `json:"s"`
}

// NewIndexedSignature encodes a raw signature for the key at idx.
func NewIndexedSignature(idx int, raw []byte) IndexedSignature {
	return IndexedSignature{Index: idx, Signature: EncodeSignature(raw)}
}

// Raw decodes the signature bytes.
func (s IndexedSignature) Raw() ([]byte, error) {
	return DecodeSignature(s.Signature)
}

// SignedEvent is an event together with its attached controller signatures.
type SignedEvent struct {
	Event      Event              `json:"evt"`
	Signatures []IndexedSignature `json:"sigs"`
}

// Serialize converts a SignedEvent to JSON bytes for storage and transport.
func (e *SignedEvent) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize populates a SignedEvent from JSON bytes.
func (e *SignedEvent) Deserialize(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("%w: signed event: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeSignature renders raw signature bytes as unpadded base64url.
func EncodeSignature(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeSignature parses a signature produced by EncodeSignature.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	return raw, nil
}
