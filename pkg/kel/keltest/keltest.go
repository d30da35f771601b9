// Package keltest builds signed key events for tests.
package keltest

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/internal/said"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/types"
)

// Signer returns a deterministic signer derived from b.
func Signer(t testing.TB, b byte) *signing.Ed25519Signer {
	t.Helper()
	s, err := signing.FromSeed(bytes.Repeat([]byte{b}, ed25519.SeedSize))
	require.NoError(t, err)
	return s
}

// Keys returns the identities of signers.
func Keys(signers ...*signing.Ed25519Signer) []string {
	keys := make([]string, len(signers))
	for i, s := range signers {
		keys[i] = s.PublicKey()
	}
	return keys
}

// Commit returns the next key commitment for signers.
func Commit(t testing.TB, threshold int, signers ...*signing.Ed25519Signer) string {
	t.Helper()
	c, err := said.Commitment(Keys(signers...), threshold)
	require.NoError(t, err)
	return c
}

// Sign computes the event digest and signs it with signers, in key order.
func Sign(t testing.TB, ev types.Event, signers ...*signing.Ed25519Signer) types.SignedEvent {
	t.Helper()
	require.NoError(t, ev.Saidify())
	data, err := ev.Serialize()
	require.NoError(t, err)
	sigs := make([]types.IndexedSignature, len(signers))
	for i, s := range signers {
		raw, err := s.Sign(data)
		require.NoError(t, err)
		sigs[i] = types.NewIndexedSignature(i, raw)
	}
	return types.SignedEvent{Event: ev, Signatures: sigs}
}

// Inception builds a signed 1-of-1 style inception with current and next
// signer sets.
func Inception(t testing.TB, current, next []*signing.Ed25519Signer, witnesses []string, witnessThreshold int) types.SignedEvent {
	t.Helper()
	ev := types.Event{
		Type:             types.Inception,
		Threshold:        len(current),
		Keys:             Keys(current...),
		NextThreshold:    len(next),
		NextCommitment:   Commit(t, len(next), next...),
		Witnesses:        witnesses,
		WitnessThreshold: witnessThreshold,
	}
	return Sign(t, ev, current...)
}

// Rotation builds a signed rotation from state using current as the new
// signing keys and committing to next.
func Rotation(t testing.TB, state kel.State, current, next []*signing.Ed25519Signer) types.SignedEvent {
	t.Helper()
	ev := types.Event{
		Type:             types.Rotation,
		Prefix:           state.Prefix,
		Sn:               state.Sn + 1,
		Prior:            state.Digest,
		Threshold:        len(current),
		Keys:             Keys(current...),
		NextThreshold:    len(next),
		NextCommitment:   Commit(t, len(next), next...),
		WitnessThreshold: state.WitnessThreshold,
	}
	return Sign(t, ev, current...)
}

// Interaction builds a signed interaction from state carrying seals.
func Interaction(t testing.TB, state kel.State, signers []*signing.Ed25519Signer, seals ...types.Seal) types.SignedEvent {
	t.Helper()
	ev := types.Event{
		Type:   types.Interaction,
		Prefix: state.Prefix,
		Sn:     state.Sn + 1,
		Prior:  state.Digest,
		Seals:  seals,
	}
	return Sign(t, ev, signers...)
}
