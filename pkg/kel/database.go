package kel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/types"
)

// Config configures a Database.
type Config struct {
	// Store persists accepted events. Optional; without it the database
	// is memory only.
	Store  storage.KeyEventStore
	Logger *slog.Logger
}

// Database holds the chains of every identifier a node knows about. Each
// chain has a single writer; distinct identifiers proceed in parallel.
type Database struct {
	store  storage.KeyEventStore
	chains map[string]*Chain
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewDatabase creates a Database.
func NewDatabase(cfg Config) *Database {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Database{
		store:  cfg.Store,
		chains: make(map[string]*Chain),
		logger: cfg.Logger,
	}
}

// Append verifies the signatures on se and appends it to its identifier's
// chain, creating the chain for an inception event. It returns the new tip
// digest.
func (db *Database) Append(ctx context.Context, se types.SignedEvent) (string, error) {
	prefix := se.Event.Prefix
	if prefix == "" {
		return "", fmt.Errorf("%w: event without prefix", ErrMalformed)
	}
	c, err := db.chain(ctx, prefix)
	if errors.Is(err, ErrUnknown) && se.Event.Type == types.Inception {
		return db.incept(ctx, se)
	}
	if err != nil {
		return "", err
	}
	return db.appendTo(ctx, c, se)
}

func (db *Database) incept(ctx context.Context, se types.SignedEvent) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if c, ok := db.chains[se.Event.Prefix]; ok {
		return db.appendTo(ctx, c, se)
	}
	c := NewChain()
	digest, err := db.appendTo(ctx, c, se)
	if err != nil {
		return "", err
	}
	db.chains[se.Event.Prefix] = c
	db.logger.Info("identifier incepted", "prefix", se.Event.Prefix)
	return digest, nil
}

func (db *Database) appendTo(ctx context.Context, c *Chain, se types.SignedEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Interactions are signed by the keys current at the time, which a
	// later rotation replaces.
	if c.holdsLocked(&se.Event) {
		return "", fmt.Errorf("%w: %s sn %d", ErrDuplicate, se.Event.Prefix, se.Event.Sn)
	}
	keys, threshold := SigningKeys(&se.Event, c.state)
	if err := VerifySignatures(&se.Event, se.Signatures, keys, threshold); err != nil {
		return "", err
	}

	var persist func(State) error
	if db.store != nil {
		persist = func(State) error {
			if err := db.store.AppendEvent(ctx, &se); err != nil {
				return fmt.Errorf("persist event: %w", err)
			}
			return nil
		}
	}
	digest, err := c.appendLocked(se, persist)
	if err != nil {
		return "", err
	}

	if db.store != nil {
		head, err := c.headLocked()
		if err == nil {
			err = db.store.SetTreeState(ctx, se.Event.Prefix, head.Size, head.Root)
		}
		if err != nil {
			db.logger.Warn("failed to record tree state", "prefix", se.Event.Prefix, "error", err)
		}
	}
	db.logger.Debug("event accepted", "prefix", se.Event.Prefix, "sn", se.Event.Sn, "type", se.Event.Type, "digest", digest)
	return digest, nil
}

// chain returns the chain for prefix, restoring it from the store on first
// access.
func (db *Database) chain(ctx context.Context, prefix string) (*Chain, error) {
	db.mu.RLock()
	c, ok := db.chains[prefix]
	db.mu.RUnlock()
	if ok {
		return c, nil
	}
	if db.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, prefix)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.chains[prefix]; ok {
		return c, nil
	}

	events, err := db.store.GetEvents(ctx, prefix)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, prefix)
	}

	c = NewChain()
	for _, se := range events {
		if _, err := c.Append(se); err != nil {
			return nil, fmt.Errorf("restore %s at sn %d: %w", prefix, se.Event.Sn, err)
		}
	}
	db.chains[prefix] = c
	db.logger.Debug("restored chain", "prefix", prefix, "events", len(events))
	return c, nil
}

// Get returns the serialized chain for prefix, or ErrUnknown.
func (db *Database) Get(ctx context.Context, prefix string) ([]byte, error) {
	c, err := db.chain(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return c.Serialize()
}

// Events returns the accepted events of prefix from sn onward.
func (db *Database) Events(ctx context.Context, prefix string, from uint64) ([]types.SignedEvent, error) {
	c, err := db.chain(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return c.Events(from), nil
}

// Event returns one accepted event.
func (db *Database) Event(ctx context.Context, prefix string, sn uint64) (types.SignedEvent, error) {
	c, err := db.chain(ctx, prefix)
	if err != nil {
		return types.SignedEvent{}, err
	}
	se, ok := c.Event(sn)
	if !ok {
		return types.SignedEvent{}, fmt.Errorf("%w: %s has no event at sn %d", ErrUnknown, prefix, sn)
	}
	return se, nil
}

// State returns the current key state of prefix.
func (db *Database) State(ctx context.Context, prefix string) (State, error) {
	c, err := db.chain(ctx, prefix)
	if err != nil {
		return State{}, err
	}
	return c.State(), nil
}

// CheckCommitment reports whether keys and threshold satisfy the next key
// commitment of prefix.
func (db *Database) CheckCommitment(ctx context.Context, prefix string, keys []string, threshold int) error {
	c, err := db.chain(ctx, prefix)
	if err != nil {
		return err
	}
	return c.CheckCommitment(keys, threshold)
}

// FindSeal reports whether the chain of prefix carries seal in an event at
// or before upTo.
func (db *Database) FindSeal(ctx context.Context, prefix string, seal types.Seal, upTo uint64) (bool, error) {
	c, err := db.chain(ctx, prefix)
	if err != nil {
		return false, err
	}
	_, ok := c.FindSeal(seal, upTo)
	return ok, nil
}

// Head returns the tree head of prefix.
func (db *Database) Head(ctx context.Context, prefix string) (TreeHead, error) {
	c, err := db.chain(ctx, prefix)
	if err != nil {
		return TreeHead{}, err
	}
	return c.Head()
}

// Prefixes lists identifiers known to the database, including persisted
// ones not yet loaded.
func (db *Database) Prefixes(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	out := make([]string, 0, len(db.chains))
	for p := range db.chains {
		out = append(out, p)
	}
	db.mu.RUnlock()

	if db.store != nil {
		stored, err := db.store.ListPrefixes(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range stored {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}
