// Package tel manages credential registries: transaction event logs owned by
// an identifier, whose every event is anchored by a seal in that
// identifier's key event log.
package tel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/types"
)

// KELReader is the read-only view of key event logs the manager needs to
// check anchors.
type KELReader interface {
	FindSeal(ctx context.Context, prefix string, seal types.Seal, upTo uint64) (bool, error)
	Event(ctx context.Context, prefix string, sn uint64) (types.SignedEvent, error)
}

// Config configures a Manager.
type Config struct {
	KEL KELReader
	// Store persists accepted events. Optional.
	Store  storage.TelStore
	Logger *slog.Logger
	// Now stamps issuance and revocation events. Defaults to time.Now.
	Now func() time.Time
}

type registry struct {
	id     string
	issuer string
	events []types.AnchoredTelEvent
}

type credential struct {
	registry string
	digest   string
	state    types.CredentialState
}

// Manager builds, anchors and replays registry events.
type Manager struct {
	kel    KELReader
	store  storage.TelStore
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	registries  map[string]*registry
	byIssuer    map[string]string
	pending     map[string]string
	credentials map[string]*credential
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.KEL == nil {
		return nil, fmt.Errorf("KEL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		kel:         cfg.KEL,
		store:       cfg.Store,
		logger:      cfg.Logger,
		now:         cfg.Now,
		registries:  make(map[string]*registry),
		byIssuer:    make(map[string]string),
		pending:     make(map[string]string),
		credentials: make(map[string]*credential),
	}, nil
}

// Load replays every registry held by the store. Events in the store were
// anchor-checked when first accepted.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	ids, err := m.store.ListRegistries(ctx)
	if err != nil {
		return fmt.Errorf("list registries: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		events, err := m.store.GetTelEvents(ctx, id)
		if err != nil {
			return fmt.Errorf("load registry %s: %w", id, err)
		}
		for _, ae := range events {
			if _, err := m.applyLocked(ae); err != nil {
				return fmt.Errorf("replay registry %s at %s: %w", id, ae.Event.Digest, err)
			}
		}
	}
	m.logger.Debug("loaded registries", "count", len(ids))
	return nil
}

// InceptRegistry builds the inception event of a new registry owned by
// issuer. The returned event's seal must be placed in an interaction event
// of the issuer before Anchor accepts it.
func (m *Manager) InceptRegistry(ctx context.Context, issuer string) (*types.TelEvent, error) {
	if issuer == "" {
		return nil, fmt.Errorf("%w: empty issuer", types.ErrMalformed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byIssuer[issuer]; ok {
		return nil, fmt.Errorf("%w: %s owns %s", ErrRegistryAlreadyExists, issuer, id)
	}
	if id, ok := m.pending[issuer]; ok {
		return nil, fmt.Errorf("%w: %s has %s awaiting anchor", ErrRegistryAlreadyExists, issuer, id)
	}

	ev := &types.TelEvent{
		Type:   types.RegistryInception,
		Issuer: issuer,
		Nonce:  uuid.NewString(),
	}
	if err := ev.Saidify(); err != nil {
		return nil, err
	}
	m.pending[issuer] = ev.Prefix
	m.logger.Info("registry incepted", "issuer", issuer, "registry", ev.Prefix)
	return ev, nil
}

// Abandon forgets the pending inception registryID of issuer, so a new one
// can be built after anchoring failed. Anchored registries are kept.
func (m *Manager) Abandon(issuer, registryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[issuer] != registryID {
		return false
	}
	delete(m.pending, issuer)
	m.logger.Info("registry inception abandoned", "issuer", issuer, "registry", registryID)
	return true
}

// Issue builds the issuance event for a credential digest in registryID.
func (m *Manager) Issue(ctx context.Context, registryID, credentialDigest string) (*types.TelEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.registries[registryID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegistry, registryID)
	}
	if _, ok := m.credentials[credentialDigest]; ok {
		return nil, fmt.Errorf("%w: %s already issued", ErrInvalidTransition, credentialDigest)
	}

	ev := &types.TelEvent{
		Type:     types.Issuance,
		Prefix:   credentialDigest,
		Registry: registryID,
		Date:     m.now().UTC().Format(time.RFC3339),
	}
	if err := ev.Saidify(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Revoke builds the revocation event for an issued credential.
func (m *Manager) Revoke(ctx context.Context, registryID, credentialDigest string) (*types.TelEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.registries[registryID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegistry, registryID)
	}
	cred, ok := m.credentials[credentialDigest]
	if !ok || cred.registry != registryID || cred.state != types.CredentialIssued {
		return nil, fmt.Errorf("%w: %s is not issued in %s", ErrInvalidTransition, credentialDigest, registryID)
	}

	ev := &types.TelEvent{
		Type:     types.Revocation,
		Prefix:   credentialDigest,
		Sn:       1,
		Registry: registryID,
		Prior:    cred.digest,
		Date:     m.now().UTC().Format(time.RFC3339),
	}
	if err := ev.Saidify(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Anchor accepts ev once a seal for it is found in the owner's key event
// log at or before anchorSn.
func (m *Manager) Anchor(ctx context.Context, ev *types.TelEvent, anchorSn uint64) (*types.AnchoredTelEvent, error) {
	if err := ev.VerifyDigest(); err != nil {
		return nil, err
	}
	owner, err := m.owner(ev)
	if err != nil {
		return nil, err
	}

	found, err := m.kel.FindSeal(ctx, owner, ev.Seal(), anchorSn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingAnchor, ev.Digest, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: no seal for %s %s in %s up to sn %d", ErrMissingAnchor, ev.Type, ev.Digest, owner, anchorSn)
	}
	kev, err := m.kel.Event(ctx, owner, anchorSn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingAnchor, err)
	}

	ae := types.AnchoredTelEvent{
		Event:  *ev,
		Anchor: types.Seal{Prefix: owner, Sn: anchorSn, Digest: kev.Event.Digest},
	}
	if err := m.accept(ctx, ae); err != nil {
		return nil, err
	}
	return &ae, nil
}

// Ingest replays events received from another node, such as the answer to
// a TEL query. Each event is anchor-checked against the local copy of the
// owner's key event log; events already held are skipped.
func (m *Manager) Ingest(ctx context.Context, events []types.AnchoredTelEvent) error {
	for _, ae := range events {
		if m.holds(ae.Event) {
			continue
		}
		if ae.Anchor.Digest != "" {
			kev, err := m.kel.Event(ctx, ae.Anchor.Prefix, ae.Anchor.Sn)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrMissingAnchor, err)
			}
			if kev.Event.Digest != ae.Anchor.Digest {
				return fmt.Errorf("%w: anchor %s sn %d does not match", ErrMissingAnchor, ae.Anchor.Prefix, ae.Anchor.Sn)
			}
		}
		ev := ae.Event
		if _, err := m.Anchor(ctx, &ev, ae.Anchor.Sn); err != nil {
			return err
		}
	}
	return nil
}

// CredentialState returns the state of a credential by replaying the
// anchored events of its registry.
func (m *Manager) CredentialState(ctx context.Context, credentialDigest string) (types.CredentialState, error) {
	m.mu.RLock()
	cred, ok := m.credentials[credentialDigest]
	var state types.CredentialState
	if ok {
		state = cred.state
	}
	m.mu.RUnlock()
	if ok {
		return state, nil
	}
	if m.store == nil {
		return types.CredentialUnknown, nil
	}
	return m.store.GetTelState(ctx, credentialDigest)
}

// Registry returns the anchored registry owned by issuer.
func (m *Manager) Registry(issuer string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIssuer[issuer]
	return id, ok
}

// Events returns the accepted events of a registry in acceptance order.
func (m *Manager) Events(ctx context.Context, registryID string) ([]types.AnchoredTelEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registries[registryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegistry, registryID)
	}
	return slices.Clone(reg.events), nil
}

// Serialize returns a registry's log as newline-delimited JSON.
func (m *Manager) Serialize(ctx context.Context, registryID string) ([]byte, error) {
	events, err := m.Events(ctx, registryID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// owner returns the identifier whose log must anchor ev.
func (m *Manager) owner(ev *types.TelEvent) (string, error) {
	if ev.Type == types.RegistryInception {
		if ev.Issuer == "" {
			return "", fmt.Errorf("%w: registry inception without issuer", types.ErrMalformed)
		}
		return ev.Issuer, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registries[ev.Registry]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRegistry, ev.Registry)
	}
	return reg.issuer, nil
}

func (m *Manager) holds(ev types.TelEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ev.Type == types.RegistryInception {
		_, ok := m.registries[ev.Prefix]
		return ok
	}
	reg, ok := m.registries[ev.Registry]
	if !ok {
		return false
	}
	return slices.ContainsFunc(reg.events, func(ae types.AnchoredTelEvent) bool {
		return ae.Event.Digest == ev.Digest
	})
}

// accept validates ae against the registry state, persists it and applies it.
func (m *Manager) accept(ctx context.Context, ae types.AnchoredTelEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(ae.Event); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.AppendTelEvent(ctx, &ae); err != nil {
			return fmt.Errorf("persist tel event: %w", err)
		}
	}
	applied, err := m.applyLocked(ae)
	if err != nil {
		return err
	}
	if applied {
		m.logger.Info("tel event anchored", "type", ae.Event.Type, "digest", ae.Event.Digest,
			"owner", ae.Anchor.Prefix, "anchor_sn", ae.Anchor.Sn)
	}
	return nil
}

func (m *Manager) checkLocked(ev types.TelEvent) error {
	switch ev.Type {
	case types.RegistryInception:
		if ev.Sn != 0 || ev.Prior != "" {
			return fmt.Errorf("%w: registry inception must start the log", ErrInvalidTransition)
		}
		if _, ok := m.registries[ev.Prefix]; ok {
			return nil
		}
		if id, ok := m.byIssuer[ev.Issuer]; ok {
			return fmt.Errorf("%w: %s owns %s", ErrRegistryAlreadyExists, ev.Issuer, id)
		}
	case types.Issuance:
		if _, ok := m.registries[ev.Registry]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRegistry, ev.Registry)
		}
		if ev.Sn != 0 || ev.Prior != "" {
			return fmt.Errorf("%w: issuance must start the credential log", ErrInvalidTransition)
		}
		if cred, ok := m.credentials[ev.Prefix]; ok && cred.digest != ev.Digest {
			return fmt.Errorf("%w: %s already issued", ErrInvalidTransition, ev.Prefix)
		}
	case types.Revocation:
		if _, ok := m.registries[ev.Registry]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRegistry, ev.Registry)
		}
		cred, ok := m.credentials[ev.Prefix]
		if !ok || cred.registry != ev.Registry {
			return fmt.Errorf("%w: %s is not issued in %s", ErrInvalidTransition, ev.Prefix, ev.Registry)
		}
		if cred.state == types.CredentialRevoked && cred.digest == ev.Digest {
			return nil
		}
		if cred.state != types.CredentialIssued || ev.Sn != 1 || ev.Prior != cred.digest {
			return fmt.Errorf("%w: revocation of %s does not follow its issuance", ErrInvalidTransition, ev.Prefix)
		}
	default:
		return fmt.Errorf("%w: tel event type %q", types.ErrMalformed, ev.Type)
	}
	return nil
}

// applyLocked updates the in-memory view. It reports false for events that
// were already applied.
func (m *Manager) applyLocked(ae types.AnchoredTelEvent) (bool, error) {
	ev := ae.Event
	switch ev.Type {
	case types.RegistryInception:
		if _, ok := m.registries[ev.Prefix]; ok {
			return false, nil
		}
		m.registries[ev.Prefix] = &registry{id: ev.Prefix, issuer: ev.Issuer, events: []types.AnchoredTelEvent{ae}}
		m.byIssuer[ev.Issuer] = ev.Prefix
		if m.pending[ev.Issuer] == ev.Prefix {
			delete(m.pending, ev.Issuer)
		}
		return true, nil
	case types.Issuance, types.Revocation:
		reg, ok := m.registries[ev.Registry]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownRegistry, ev.Registry)
		}
		if cred, ok := m.credentials[ev.Prefix]; ok && cred.digest == ev.Digest {
			return false, nil
		}
		state := types.CredentialIssued
		if ev.Type == types.Revocation {
			state = types.CredentialRevoked
		}
		m.credentials[ev.Prefix] = &credential{registry: ev.Registry, digest: ev.Digest, state: state}
		reg.events = append(reg.events, ae)
		return true, nil
	}
	return false, fmt.Errorf("%w: tel event type %q", types.ErrMalformed, ev.Type)
}
