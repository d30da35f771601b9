// Package controller builds the key events of an identifier: inception,
// pre-committed rotation and interaction. Events are returned unsigned; the
// caller signs them with its Signer and hands them back to Finalize.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/relves/kerilog/internal/said"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/types"
)

// Re-exported for callers that only deal with the controller.
var (
	ErrEmptyKeySet         = kel.ErrEmptyKeySet
	ErrThresholdOutOfRange = kel.ErrThresholdOutOfRange
	ErrCommitmentMismatch  = kel.ErrCommitmentMismatch
	ErrThresholdNotMet     = kel.ErrThresholdNotMet
	ErrInvalidSignature    = kel.ErrInvalidSignature
)

// Signer produces signatures with a controller's current key.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() string
	NextPublicKey() string
}

// InceptParams configures a new identifier.
type InceptParams struct {
	Keys             []string
	Threshold        int
	NextKeys         []string
	NextThreshold    int
	Witnesses        []string
	WitnessThreshold int
}

// RotateParams configures a rotation. Keys must be the keys committed to by
// the previous establishment event.
type RotateParams struct {
	Keys             []string
	Threshold        int
	NextKeys         []string
	NextThreshold    int
	WitnessCut       []string
	WitnessAdd       []string
	WitnessThreshold int
}

// Config configures a Controller.
type Config struct {
	Database *kel.Database
	Logger   *slog.Logger
}

// Controller produces events against the chains in a kel.Database.
type Controller struct {
	db     *kel.Database
	logger *slog.Logger
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("Database is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{db: cfg.Database, logger: cfg.Logger}, nil
}

// Incept builds an inception event. Only the commitment to the next keys
// is placed in the event.
func (c *Controller) Incept(ctx context.Context, p InceptParams) (*types.Event, error) {
	if err := kel.CheckKeys(p.Keys, p.Threshold); err != nil {
		return nil, err
	}
	commitment, err := commit(p.NextKeys, p.NextThreshold)
	if err != nil {
		return nil, err
	}
	witnesses, err := kel.ApplyWitnessDelta(nil, nil, p.Witnesses, p.WitnessThreshold)
	if err != nil {
		return nil, err
	}

	ev := &types.Event{
		Type:             types.Inception,
		Threshold:        p.Threshold,
		Keys:             slices.Clone(p.Keys),
		NextThreshold:    p.NextThreshold,
		NextCommitment:   commitment,
		Witnesses:        witnesses,
		WitnessThreshold: p.WitnessThreshold,
	}
	if err := ev.Saidify(); err != nil {
		return nil, err
	}
	c.logger.Debug("built inception", "prefix", ev.Prefix, "witnesses", len(witnesses))
	return ev, nil
}

// Finalize checks that sigs meet the signing threshold for ev and appends it
// to the identifier's chain, returning the new tip digest.
func (c *Controller) Finalize(ctx context.Context, ev *types.Event, sigs []types.IndexedSignature) (string, error) {
	tip, err := c.db.Append(ctx, types.SignedEvent{Event: *ev, Signatures: sigs})
	if err != nil {
		return "", fmt.Errorf("finalize %s at sn %d: %w", ev.Type, ev.Sn, err)
	}
	c.logger.Info("event finalized", "prefix", ev.Prefix, "sn", ev.Sn, "type", ev.Type)
	return tip, nil
}

// Rotate builds a rotation event transferring control to the pre-committed
// keys. The commitment is checked here, before anything is signed, and
// again when the event is appended.
func (c *Controller) Rotate(ctx context.Context, prefix string, p RotateParams) (*types.Event, error) {
	st, err := c.db.State(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if err := kel.CheckKeys(p.Keys, p.Threshold); err != nil {
		return nil, err
	}
	if err := c.db.CheckCommitment(ctx, prefix, p.Keys, p.Threshold); err != nil {
		return nil, err
	}
	commitment, err := commit(p.NextKeys, p.NextThreshold)
	if err != nil {
		return nil, err
	}
	if _, err := kel.ApplyWitnessDelta(st.Witnesses, p.WitnessCut, p.WitnessAdd, p.WitnessThreshold); err != nil {
		return nil, err
	}

	ev := &types.Event{
		Type:             types.Rotation,
		Prefix:           prefix,
		Sn:               st.Sn + 1,
		Prior:            st.Digest,
		Threshold:        p.Threshold,
		Keys:             slices.Clone(p.Keys),
		NextThreshold:    p.NextThreshold,
		NextCommitment:   commitment,
		WitnessThreshold: p.WitnessThreshold,
		WitnessCut:       slices.Clone(p.WitnessCut),
		WitnessAdd:       slices.Clone(p.WitnessAdd),
	}
	if err := ev.Saidify(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Interact builds an interaction event carrying seals.
func (c *Controller) Interact(ctx context.Context, prefix string, seals []types.Seal) (*types.Event, error) {
	st, err := c.db.State(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ev := &types.Event{
		Type:   types.Interaction,
		Prefix: prefix,
		Sn:     st.Sn + 1,
		Prior:  st.Digest,
		Seals:  slices.Clone(seals),
	}
	if err := ev.Saidify(); err != nil {
		return nil, err
	}
	return ev, nil
}

// State returns the current key state of prefix.
func (c *Controller) State(ctx context.Context, prefix string) (kel.State, error) {
	return c.db.State(ctx, prefix)
}

// Sign signs ev with each signer, indexing each signature by the position
// of the signer's key among the event's signing keys.
func (c *Controller) Sign(ctx context.Context, ev *types.Event, signers ...Signer) ([]types.IndexedSignature, error) {
	keys := ev.Keys
	if !ev.Type.IsEstablishment() {
		st, err := c.db.State(ctx, ev.Prefix)
		if err != nil {
			return nil, err
		}
		keys = st.Keys
	}
	return SignWith(ev, keys, signers...)
}

// SignWith signs ev with signers against an explicit signing key list.
func SignWith(ev *types.Event, keys []string, signers ...Signer) ([]types.IndexedSignature, error) {
	data, err := ev.Serialize()
	if err != nil {
		return nil, err
	}
	sigs := make([]types.IndexedSignature, 0, len(signers))
	for _, s := range signers {
		idx := slices.Index(keys, s.PublicKey())
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s is not a signing key of %s", ErrInvalidSignature, s.PublicKey(), ev.Prefix)
		}
		raw, err := s.Sign(data)
		if err != nil {
			return nil, fmt.Errorf("sign: %w", err)
		}
		sigs = append(sigs, types.NewIndexedSignature(idx, raw))
	}
	return sigs, nil
}

func commit(keys []string, threshold int) (string, error) {
	if err := kel.CheckKeys(keys, threshold); err != nil {
		return "", fmt.Errorf("next keys: %w", err)
	}
	return said.Commitment(keys, threshold)
}
