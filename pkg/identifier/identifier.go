// Package identifier drives one local identifier through its lifecycle:
// inception, witnessing, rotation, registry and credential management,
// discovery and credential exchange.
package identifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/controller"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/oobi"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/tel"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
	"github.com/relves/kerilog/pkg/witness"
)

var (
	// ErrAliasExists is returned when incepting under an alias already in use.
	ErrAliasExists = errors.New("alias already exists")
	// ErrNoRegistry is returned for credential operations before a registry
	// has been incepted.
	ErrNoRegistry = errors.New("no registry")
	// ErrKeyMismatch is returned when opening an identifier with keys that
	// are not its current signing keys.
	ErrKeyMismatch = errors.New("keys do not match identifier")
)

// Config configures an Identifier.
type Config struct {
	Alias   string
	Keys    *signing.KeyPair
	Store   storage.StateStore
	Network transport.Network

	// Receipts bounds receipt polling. Network, Cursors and Receipts are
	// filled in.
	Receipts witness.CollectorConfig
	// Concurrency bounds witness fan-out. Defaults to 8.
	Concurrency int
	Logger      *slog.Logger
	// Now stamps replies and TEL events. Defaults to time.Now.
	Now func() time.Time
}

// InceptOptions configures a new identifier's witnesses.
type InceptOptions struct {
	Witnesses        []types.LocationScheme
	WitnessThreshold int
}

// RotateOptions changes the witness configuration during a rotation.
type RotateOptions struct {
	WitnessAdd []types.LocationScheme
	WitnessCut []string
	// WitnessThreshold replaces the current threshold when set.
	WitnessThreshold *int
	// NextKey is the key to pre-commit to. Generated when nil.
	NextKey *signing.Ed25519Signer
}

// Identifier is a local identifier with its key material and collaborators.
type Identifier struct {
	alias     string
	store     storage.StateStore
	net       transport.Network
	db        *kel.Database
	ctrl      *controller.Controller
	tel       *tel.Manager
	resolver  *oobi.Resolver
	notifier  *witness.Notifier
	collector *witness.Collector
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	keys     *signing.KeyPair
	prefix   string
	registry string
}

func build(cfg Config) (*Identifier, error) {
	if cfg.Alias == "" {
		return nil, fmt.Errorf("Alias is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("Keys is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("Network is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With("alias", cfg.Alias)

	db := kel.NewDatabase(kel.Config{Store: cfg.Store, Logger: logger})
	ctrl, err := controller.New(controller.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	tm, err := tel.New(tel.Config{KEL: db, Store: cfg.Store, Logger: logger, Now: cfg.Now})
	if err != nil {
		return nil, err
	}
	resolver, err := oobi.NewResolver(oobi.ResolverConfig{Network: cfg.Network, Store: cfg.Store, Logger: logger})
	if err != nil {
		return nil, err
	}
	rc := cfg.Receipts
	rc.Network, rc.Cursors, rc.Receipts, rc.Logger = cfg.Network, cfg.Store, cfg.Store, logger

	return &Identifier{
		alias:     cfg.Alias,
		store:     cfg.Store,
		net:       cfg.Network,
		db:        db,
		ctrl:      ctrl,
		tel:       tm,
		resolver:  resolver,
		notifier:  witness.NewNotifier(witness.NotifierConfig{Network: cfg.Network, Concurrency: cfg.Concurrency, Logger: logger}),
		collector: witness.NewCollector(rc),
		logger:    logger,
		now:       cfg.Now,
		keys:      cfg.Keys,
	}, nil
}

// Incept creates a new identifier controlled by cfg.Keys and records it
// under cfg.Alias. Witnesses are resolved before the event is built.
func Incept(ctx context.Context, cfg Config, opts InceptOptions) (*Identifier, error) {
	id, err := build(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := id.store.GetIdentity(ctx, id.alias); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAliasExists, id.alias)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	eids, err := id.resolveAll(ctx, opts.Witnesses, types.RoleWitness)
	if err != nil {
		return nil, err
	}
	ev, err := id.ctrl.Incept(ctx, controller.InceptParams{
		Keys:             []string{id.keys.PublicKey()},
		Threshold:        1,
		NextKeys:         []string{id.keys.NextPublicKey()},
		NextThreshold:    1,
		Witnesses:        eids,
		WitnessThreshold: opts.WitnessThreshold,
	})
	if err != nil {
		return nil, err
	}
	if err := id.finalize(ctx, ev, ev.Keys, id.keys); err != nil {
		return nil, err
	}
	if err := id.store.CreateIdentity(ctx, id.alias, ev.Prefix); err != nil {
		return nil, fmt.Errorf("record identity: %w", err)
	}
	id.prefix = ev.Prefix
	id.logger.Info("identifier incepted", "prefix", id.prefix, "witnesses", len(eids))
	return id, nil
}

// Open loads the identifier recorded under cfg.Alias.
func Open(ctx context.Context, cfg Config) (*Identifier, error) {
	id, err := build(cfg)
	if err != nil {
		return nil, err
	}
	rec, err := id.store.GetIdentity(ctx, id.alias)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id.alias, err)
	}
	st, err := id.db.State(ctx, rec.Prefix)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id.alias, err)
	}
	if !slices.Contains(st.Keys, id.keys.PublicKey()) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, id.alias)
	}
	if err := id.tel.Load(ctx); err != nil {
		return nil, err
	}
	id.prefix, id.registry = rec.Prefix, rec.Registry
	return id, nil
}

// Alias returns the local name of the identifier.
func (id *Identifier) Alias() string { return id.alias }

// Prefix returns the identifier.
func (id *Identifier) Prefix() string { return id.prefix }

// Keys returns the current key pair. It changes on rotation.
func (id *Identifier) Keys() *signing.KeyPair {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.keys
}

// Registry returns the identifier's registry, or "" if none was incepted.
func (id *Identifier) Registry() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.registry
}

// State returns the current key state.
func (id *Identifier) State(ctx context.Context) (kel.State, error) {
	return id.db.State(ctx, id.prefix)
}

// KEL returns the identifier's key event log, one signed event per line.
func (id *Identifier) KEL(ctx context.Context) ([]byte, error) {
	return id.db.Get(ctx, id.prefix)
}

// TEL returns the identifier's registry log, one anchored event per line.
func (id *Identifier) TEL(ctx context.Context) ([]byte, error) {
	reg := id.Registry()
	if reg == "" {
		return nil, ErrNoRegistry
	}
	return id.tel.Serialize(ctx, reg)
}

// Resolver returns the identifier's OOBI resolver.
func (id *Identifier) Resolver() *oobi.Resolver { return id.resolver }

func (id *Identifier) resolveAll(ctx context.Context, locs []types.LocationScheme, role types.Role) ([]string, error) {
	eids := make([]string, 0, len(locs))
	for _, loc := range locs {
		rec, err := id.resolver.Resolve(ctx, loc, role)
		if err != nil {
			return nil, err
		}
		eids = append(eids, rec.Location.EID)
	}
	return eids, nil
}

func (id *Identifier) finalize(ctx context.Context, ev *types.Event, keys []string, signer controller.Signer) error {
	sigs, err := controller.SignWith(ev, keys, signer)
	if err != nil {
		return err
	}
	_, err = id.ctrl.Finalize(ctx, ev, sigs)
	return err
}

// Rotate transfers control to the pre-committed next key and commits to a
// new one, optionally changing witnesses.
func (id *Identifier) Rotate(ctx context.Context, opts RotateOptions) (kel.State, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	st, err := id.db.State(ctx, id.prefix)
	if err != nil {
		return kel.State{}, err
	}
	add, err := id.resolveAll(ctx, opts.WitnessAdd, types.RoleWitness)
	if err != nil {
		return kel.State{}, err
	}
	next := opts.NextKey
	if next == nil {
		seed, err := signing.GenerateSeed()
		if err != nil {
			return kel.State{}, err
		}
		if next, err = signing.FromSeed(seed); err != nil {
			return kel.State{}, err
		}
	}
	rotated, err := id.keys.Rotate(next)
	if err != nil {
		return kel.State{}, err
	}
	bt := st.WitnessThreshold
	if opts.WitnessThreshold != nil {
		bt = *opts.WitnessThreshold
	}

	ev, err := id.ctrl.Rotate(ctx, id.prefix, controller.RotateParams{
		Keys:             []string{rotated.PublicKey()},
		Threshold:        1,
		NextKeys:         []string{rotated.NextPublicKey()},
		NextThreshold:    1,
		WitnessCut:       opts.WitnessCut,
		WitnessAdd:       add,
		WitnessThreshold: bt,
	})
	if err != nil {
		return kel.State{}, err
	}
	if err := id.finalize(ctx, ev, ev.Keys, rotated); err != nil {
		return kel.State{}, err
	}
	id.keys = rotated
	id.logger.Info("keys rotated", "prefix", id.prefix, "sn", ev.Sn)
	return id.db.State(ctx, id.prefix)
}

// anchor finalizes an interaction event carrying seal and returns its
// sequence number. Callers hold id.mu.
func (id *Identifier) anchor(ctx context.Context, seal types.Seal) (uint64, error) {
	ev, err := id.ctrl.Interact(ctx, id.prefix, []types.Seal{seal})
	if err != nil {
		return 0, err
	}
	st, err := id.db.State(ctx, id.prefix)
	if err != nil {
		return 0, err
	}
	if err := id.finalize(ctx, ev, st.Keys, id.keys); err != nil {
		return 0, err
	}
	return ev.Sn, nil
}

func (id *Identifier) timestamp() string {
	return id.now().UTC().Format(time.RFC3339)
}
