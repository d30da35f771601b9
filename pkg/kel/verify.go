package kel

import (
	"fmt"

	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/types"
)

// VerifySignatures checks that sigs contain at least threshold distinct,
// valid signatures over ev by keys. Any invalid signature fails the whole
// set.
func VerifySignatures(ev *types.Event, sigs []types.IndexedSignature, keys []string, threshold int) error {
	data, err := ev.Serialize()
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	seen := make(map[int]struct{}, len(sigs))
	for _, sig := range sigs {
		if sig.Index < 0 || sig.Index >= len(keys) {
			return fmt.Errorf("%w: index %d outside %d keys", ErrInvalidSignature, sig.Index, len(keys))
		}
		if _, dup := seen[sig.Index]; dup {
			continue
		}
		raw, err := sig.Raw()
		if err != nil {
			return err
		}
		if err := signing.Verify(keys[sig.Index], data, raw); err != nil {
			return fmt.Errorf("%w: key %d: %w", ErrInvalidSignature, sig.Index, err)
		}
		seen[sig.Index] = struct{}{}
	}
	if len(seen) < threshold {
		return fmt.Errorf("%w: %d of %d", ErrThresholdNotMet, len(seen), threshold)
	}
	return nil
}

// SigningKeys returns the keys and threshold that must sign ev given the
// state before it. Establishment events are signed by the keys they
// introduce.
func SigningKeys(ev *types.Event, prior State) ([]string, int) {
	if ev.Type.IsEstablishment() {
		return ev.Keys, ev.Threshold
	}
	return prior.Keys, prior.Threshold
}
