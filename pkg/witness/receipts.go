// Package witness propagates finalized key events to witnesses and gathers
// their receipts, and implements the witness side of that exchange.
package witness

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/types"
)

var (
	// ErrReceiptThresholdNotReached is returned when collection gives up
	// before enough distinct witnesses receipted the event.
	ErrReceiptThresholdNotReached = errors.New("receipt threshold not reached")
	// ErrInvalidReceipt is returned for receipts whose signature does not
	// verify against the witness identity.
	ErrInvalidReceipt = errors.New("invalid receipt")
	// ErrNotWitness is returned for receipts from identities outside the
	// witness set.
	ErrNotWitness = errors.New("not a witness")
)

// Signer signs as a single identity.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() string
}

// SignReceipt produces the receipt of witness w for (prefix, sn, digest).
func SignReceipt(w Signer, prefix string, sn uint64, digest string) (types.Receipt, error) {
	r := types.Receipt{Prefix: prefix, Sn: sn, Digest: digest, Witness: w.PublicKey()}
	data, err := r.SigningBytes()
	if err != nil {
		return types.Receipt{}, err
	}
	sig, err := w.Sign(data)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("sign receipt: %w", err)
	}
	r.Signature = types.EncodeSignature(sig)
	return r, nil
}

// VerifyReceipt checks the witness signature on r.
func VerifyReceipt(r types.Receipt) error {
	data, err := r.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := types.DecodeSignature(r.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}
	if err := signing.Verify(r.Witness, data, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}
	return nil
}

// ReceiptSet accumulates receipts for one exact event. Receipts are only
// ever added; one per witness counts.
type ReceiptSet struct {
	prefix    string
	sn        uint64
	digest    string
	witnesses []string
	threshold int

	mu       sync.Mutex
	receipts map[string]types.Receipt
}

// NewReceiptSet creates a set for the event (prefix, sn, digest) witnessed
// by witnesses with the given threshold.
func NewReceiptSet(prefix string, sn uint64, digest string, witnesses []string, threshold int) *ReceiptSet {
	return &ReceiptSet{
		prefix:    prefix,
		sn:        sn,
		digest:    digest,
		witnesses: slices.Clone(witnesses),
		threshold: threshold,
		receipts:  make(map[string]types.Receipt),
	}
}

// Add records r. It returns false without error for receipts of any other
// event, including superseded ones, and for repeats from the same witness.
func (s *ReceiptSet) Add(r types.Receipt) (bool, error) {
	if r.Prefix != s.prefix || r.Sn != s.sn || r.Digest != s.digest {
		return false, nil
	}
	if !slices.Contains(s.witnesses, r.Witness) {
		return false, fmt.Errorf("%w: %s for %s", ErrNotWitness, r.Witness, s.prefix)
	}
	if err := VerifyReceipt(r); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[r.Witness]; ok {
		return false, nil
	}
	s.receipts[r.Witness] = r
	return true, nil
}

// Count returns the number of distinct witnesses that receipted.
func (s *ReceiptSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// Satisfied reports whether the threshold is met.
func (s *ReceiptSet) Satisfied() bool {
	return s.Count() >= s.threshold
}

// Threshold returns the required receipt count.
func (s *ReceiptSet) Threshold() int {
	return s.threshold
}

// Receipts returns the counted receipts ordered by witness.
func (s *ReceiptSet) Receipts() []types.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Receipt, 0, len(s.receipts))
	for _, w := range s.witnesses {
		if r, ok := s.receipts[w]; ok {
			out = append(out, r)
		}
	}
	return out
}
