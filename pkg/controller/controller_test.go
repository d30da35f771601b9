package controller_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/pkg/controller"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/kel/keltest"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/types"
)

func newController(t *testing.T) *controller.Controller {
	t.Helper()
	c, err := controller.New(controller.Config{Database: kel.NewDatabase(kel.Config{})})
	require.NoError(t, err)
	return c
}

func keyPair(t *testing.T, cur, next byte) *signing.KeyPair {
	t.Helper()
	kp, err := signing.NewKeyPair(keltest.Signer(t, cur), keltest.Signer(t, next))
	require.NoError(t, err)
	return kp
}

func incept(t *testing.T, c *controller.Controller, kp *signing.KeyPair) string {
	t.Helper()
	ctx := context.Background()
	ev, err := c.Incept(ctx, controller.InceptParams{
		Keys: []string{kp.PublicKey()}, Threshold: 1,
		NextKeys: []string{kp.NextPublicKey()}, NextThreshold: 1,
	})
	require.NoError(t, err)
	sigs, err := c.Sign(ctx, ev, kp)
	require.NoError(t, err)
	_, err = c.Finalize(ctx, ev, sigs)
	require.NoError(t, err)
	return ev.Prefix
}

func TestNew_RequiresDatabase(t *testing.T) {
	_, err := controller.New(controller.Config{})
	assert.Error(t, err)
}

func TestIncept_Validation(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	_, err := c.Incept(ctx, controller.InceptParams{Threshold: 1, NextKeys: []string{"n"}, NextThreshold: 1})
	assert.ErrorIs(t, err, controller.ErrEmptyKeySet)

	_, err = c.Incept(ctx, controller.InceptParams{Keys: []string{"a"}, Threshold: 2, NextKeys: []string{"n"}, NextThreshold: 1})
	assert.ErrorIs(t, err, controller.ErrThresholdOutOfRange)

	_, err = c.Incept(ctx, controller.InceptParams{Keys: []string{"a"}, Threshold: 1, NextKeys: []string{"n"}, NextThreshold: 3})
	assert.ErrorIs(t, err, controller.ErrThresholdOutOfRange)

	_, err = c.Incept(ctx, controller.InceptParams{
		Keys: []string{"a"}, Threshold: 1, NextKeys: []string{"n"}, NextThreshold: 1,
		Witnesses: []string{"w1", "w2"}, WitnessThreshold: 3,
	})
	assert.ErrorIs(t, err, controller.ErrThresholdOutOfRange)
}

func TestIncept_CommitsToNextKeysOnly(t *testing.T) {
	c := newController(t)
	kp := keyPair(t, 1, 2)

	ev, err := c.Incept(context.Background(), controller.InceptParams{
		Keys: []string{kp.PublicKey()}, Threshold: 1,
		NextKeys: []string{kp.NextPublicKey()}, NextThreshold: 1,
		Witnesses: []string{"w1", "w2", "w3"}, WitnessThreshold: 2,
	})
	require.NoError(t, err)

	data, err := ev.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, string(data), kp.NextPublicKey())
	assert.Equal(t, keltest.Commit(t, 1, keltest.Signer(t, 2)), ev.NextCommitment)
	assert.Equal(t, ev.Digest, ev.Prefix)
	assert.Equal(t, uint64(0), ev.Sn)
}

func TestFinalize_Signatures(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	kp := keyPair(t, 1, 2)

	ev, err := c.Incept(ctx, controller.InceptParams{
		Keys: []string{kp.PublicKey()}, Threshold: 1,
		NextKeys: []string{kp.NextPublicKey()}, NextThreshold: 1,
	})
	require.NoError(t, err)

	_, err = c.Finalize(ctx, ev, nil)
	assert.ErrorIs(t, err, controller.ErrThresholdNotMet)

	wrong := keyPair(t, 9, 8)
	sigs, err := controller.SignWith(ev, []string{wrong.PublicKey()}, wrong)
	require.NoError(t, err)
	_, err = c.Finalize(ctx, ev, sigs)
	assert.ErrorIs(t, err, controller.ErrInvalidSignature)

	_, err = c.Sign(ctx, ev, wrong)
	assert.ErrorIs(t, err, controller.ErrInvalidSignature, "signer is not a signing key")

	sigs, err = c.Sign(ctx, ev, kp)
	require.NoError(t, err)
	tip, err := c.Finalize(ctx, ev, sigs)
	require.NoError(t, err)
	assert.Equal(t, ev.Digest, tip)
}

// Incept with one key, rotate to the pre-committed key, then try to rotate
// again with the same key instead of the newly committed one.
func TestRotate_PreRotationScenario(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	kp := keyPair(t, 1, 2)
	prefix := incept(t, c, kp)

	kp2, err := kp.Rotate(keltest.Signer(t, 3))
	require.NoError(t, err)
	rot, err := c.Rotate(ctx, prefix, controller.RotateParams{
		Keys: []string{kp2.PublicKey()}, Threshold: 1,
		NextKeys: []string{kp2.NextPublicKey()}, NextThreshold: 1,
	})
	require.NoError(t, err)
	sigs, err := c.Sign(ctx, rot, kp2)
	require.NoError(t, err)
	_, err = c.Finalize(ctx, rot, sigs)
	require.NoError(t, err)

	st, err := c.State(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Sn)

	// Rotating with the same key again is caught before signing.
	_, err = c.Rotate(ctx, prefix, controller.RotateParams{
		Keys: []string{kp2.PublicKey()}, Threshold: 1,
		NextKeys: []string{keltest.Signer(t, 4).PublicKey()}, NextThreshold: 1,
	})
	assert.ErrorIs(t, err, controller.ErrCommitmentMismatch)

	after, err := c.State(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, st, after)
}

func TestRotate_MismatchAlsoRejectedAtAppend(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	kp := keyPair(t, 1, 2)
	prefix := incept(t, c, kp)
	st, err := c.State(ctx, prefix)
	require.NoError(t, err)

	// Hand-built rotation that skips the controller's precheck.
	rogue := keltest.Signer(t, 7)
	ev := types.Event{
		Type: types.Rotation, Prefix: prefix, Sn: 1, Prior: st.Digest,
		Threshold: 1, Keys: keltest.Keys(rogue),
		NextThreshold: 1, NextCommitment: keltest.Commit(t, 1, keltest.Signer(t, 8)),
	}
	se := keltest.Sign(t, ev, rogue)
	_, err = c.Finalize(ctx, &se.Event, se.Signatures)
	assert.ErrorIs(t, err, controller.ErrCommitmentMismatch)
}

func TestRotate_WitnessChanges(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	kp := keyPair(t, 1, 2)
	prefix := incept(t, c, kp)

	_, err := c.Rotate(ctx, prefix, controller.RotateParams{
		Keys: []string{kp.NextPublicKey()}, Threshold: 1,
		NextKeys: []string{"n"}, NextThreshold: 1,
		WitnessCut: []string{"w9"},
	})
	assert.ErrorIs(t, err, kel.ErrInvalidWitnessConfig)

	kp2, err := kp.Rotate(keltest.Signer(t, 3))
	require.NoError(t, err)
	rot, err := c.Rotate(ctx, prefix, controller.RotateParams{
		Keys: []string{kp2.PublicKey()}, Threshold: 1,
		NextKeys: []string{kp2.NextPublicKey()}, NextThreshold: 1,
		WitnessAdd: []string{"w1", "w2"}, WitnessThreshold: 1,
	})
	require.NoError(t, err)
	sigs, err := c.Sign(ctx, rot, kp2)
	require.NoError(t, err)
	_, err = c.Finalize(ctx, rot, sigs)
	require.NoError(t, err)

	st, err := c.State(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, st.Witnesses)
	assert.Equal(t, 1, st.WitnessThreshold)
}

func TestInteract_CarriesSeals(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	kp := keyPair(t, 1, 2)
	prefix := incept(t, c, kp)

	seal := types.Seal{Prefix: "registry", Sn: 0, Digest: "digest"}
	ixn, err := c.Interact(ctx, prefix, []types.Seal{seal})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ixn.Sn)

	sigs, err := c.Sign(ctx, ixn, kp)
	require.NoError(t, err)
	_, err = c.Finalize(ctx, ixn, sigs)
	require.NoError(t, err)

	st, err := c.State(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, ixn.Digest, st.Digest)
	assert.Equal(t, []string{kp.PublicKey()}, st.Keys, "interaction leaves keys unchanged")

	_, err = c.Interact(ctx, "bagaaieraunknown", nil)
	assert.ErrorIs(t, err, kel.ErrUnknown)
}

func TestFinalize_DistinctIdentifiersInParallel(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	pairs := make([]*signing.KeyPair, 8)
	for i := range pairs {
		pairs[i] = keyPair(t, byte(10+i), byte(30+i))
	}
	for i, kp := range pairs {
		wg.Add(1)
		go func(i int, kp *signing.KeyPair) {
			defer wg.Done()
			ev, err := c.Incept(ctx, controller.InceptParams{
				Keys: []string{kp.PublicKey()}, Threshold: 1,
				NextKeys: []string{kp.NextPublicKey()}, NextThreshold: 1,
			})
			if err != nil {
				errs[i] = err
				return
			}
			sigs, err := c.Sign(ctx, ev, kp)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = c.Finalize(ctx, ev, sigs)
		}(i, kp)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
