// Package said computes self-addressing identifiers: content digests that
// are embedded in the very documents they identify.
package said

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

var (
	// ErrMalformed is returned for strings that are not a valid SAID.
	ErrMalformed = errors.New("malformed digest")
	// ErrMismatch is returned when content does not hash to the claimed SAID.
	ErrMismatch = errors.New("digest mismatch")
)

// Compute returns the SAID of a JSON serialization: a CIDv1 with the json
// codec over the SHA2-256 multihash of data.
func Compute(data []byte) (string, error) {
	return sum(data, mc.Json)
}

// ComputeCanonical re-encodes a JSON document as canonical dag-json (sorted
// map keys) and returns its SAID together with the canonical bytes.
func ComputeCanonical(data []byte) (string, []byte, error) {
	node, err := ipld.Decode(data, dagjson.Decode)
	if err != nil {
		return "", nil, fmt.Errorf("%w: decode: %v", ErrMalformed, err)
	}
	canonical, err := ipld.Encode(node, dagjson.Encode)
	if err != nil {
		return "", nil, fmt.Errorf("encode dag-json: %w", err)
	}
	id, err := sum(canonical, mc.DagJson)
	if err != nil {
		return "", nil, err
	}
	return id, canonical, nil
}

func sum(data []byte, codec mc.Code) (string, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(uint64(codec), hash).String(), nil
}

// Parse validates s as a SAID and returns the decoded CID.
func Parse(s string) (cid.Cid, error) {
	if s == "" {
		return cid.Undef, fmt.Errorf("%w: empty", ErrMalformed)
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch mc.Code(c.Type()) {
	case mc.Json, mc.DagJson:
	default:
		return cid.Undef, fmt.Errorf("%w: unexpected codec %s", ErrMalformed, mc.Code(c.Type()))
	}
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.Code != mh.SHA2_256 {
		return cid.Undef, fmt.Errorf("%w: unexpected hash function %d", ErrMalformed, dec.Code)
	}
	return c, nil
}

// Verify checks that data hashes to id under the codec id declares.
func Verify(id string, data []byte) error {
	c, err := Parse(id)
	if err != nil {
		return err
	}
	got, err := sum(data, mc.Code(c.Type()))
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("%w: have %s, computed %s", ErrMismatch, id, got)
	}
	return nil
}

type commitment struct {
	Threshold int      `json:"kt"`
	Keys      []string `json:"k"`
}

// Commitment digests a key set and its signing threshold. The keys
// themselves are never part of the result, so a commitment can be published
// long before the keys are revealed.
func Commitment(keys []string, threshold int) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: no keys to commit to", ErrMalformed)
	}
	data, err := json.Marshal(commitment{Threshold: threshold, Keys: keys})
	if err != nil {
		return "", err
	}
	return Compute(data)
}

// Equal compares two SAIDs by their decoded form, so differing multibase
// encodings of the same digest compare equal.
func Equal(a, b string) bool {
	if a == b {
		return true
	}
	ca, err := cid.Decode(a)
	if err != nil {
		return false
	}
	cb, err := cid.Decode(b)
	if err != nil {
		return false
	}
	return ca.Equals(cb)
}
