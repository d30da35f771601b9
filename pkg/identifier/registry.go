package identifier

import (
	"context"
	"fmt"

	"github.com/relves/kerilog/pkg/tel"
	"github.com/relves/kerilog/pkg/types"
)

// InceptRegistry creates the identifier's credential registry and anchors
// its inception in an interaction event.
func (id *Identifier) InceptRegistry(ctx context.Context) (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.registry != "" {
		return "", fmt.Errorf("%w: %s", tel.ErrRegistryAlreadyExists, id.registry)
	}

	// A registry anchored by an earlier call that failed to record it.
	reg, ok := id.tel.Registry(id.prefix)
	if !ok {
		ev, err := id.tel.InceptRegistry(ctx, id.prefix)
		if err != nil {
			return "", err
		}
		if _, err := id.anchorTel(ctx, ev); err != nil {
			id.tel.Abandon(id.prefix, ev.Prefix)
			return "", err
		}
		reg = ev.Prefix
	}
	if err := id.store.SetRegistry(ctx, id.alias, reg); err != nil {
		return "", fmt.Errorf("record registry: %w", err)
	}
	id.registry = reg
	id.logger.Info("registry incepted", "prefix", id.prefix, "registry", id.registry)
	return id.registry, nil
}

// NewCredential builds a credential issued by this identifier under its
// registry. It is not yet issued.
func (id *Identifier) NewCredential(schema string, attrs map[string]any) (*types.Credential, error) {
	reg := id.Registry()
	if reg == "" {
		return nil, ErrNoRegistry
	}
	return types.NewCredential(id.prefix, reg, schema, attrs)
}

// Issue records the issuance of cred in the registry, anchored in a new
// interaction event.
func (id *Identifier) Issue(ctx context.Context, cred *types.Credential) (*types.AnchoredTelEvent, error) {
	if err := cred.VerifyDigest(); err != nil {
		return nil, err
	}

	id.mu.Lock()
	defer id.mu.Unlock()
	if id.registry == "" {
		return nil, ErrNoRegistry
	}
	if cred.Issuer != id.prefix || cred.Registry != id.registry {
		return nil, fmt.Errorf("%w: credential %s belongs to %s in %s", types.ErrMalformed, cred.Digest, cred.Issuer, cred.Registry)
	}
	ev, err := id.tel.Issue(ctx, id.registry, cred.Digest)
	if err != nil {
		return nil, err
	}
	return id.anchorTel(ctx, ev)
}

// Revoke records the revocation of an issued credential.
func (id *Identifier) Revoke(ctx context.Context, credential string) (*types.AnchoredTelEvent, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.registry == "" {
		return nil, ErrNoRegistry
	}
	ev, err := id.tel.Revoke(ctx, id.registry, credential)
	if err != nil {
		return nil, err
	}
	return id.anchorTel(ctx, ev)
}

// CredentialState returns the state of a credential in any registry this
// identifier holds.
func (id *Identifier) CredentialState(ctx context.Context, credential string) (types.CredentialState, error) {
	return id.tel.CredentialState(ctx, credential)
}

// anchorTel seals ev into the key event log and hands it to the registry.
// Callers hold id.mu.
func (id *Identifier) anchorTel(ctx context.Context, ev *types.TelEvent) (*types.AnchoredTelEvent, error) {
	sn, err := id.anchor(ctx, ev.Seal())
	if err != nil {
		return nil, err
	}
	ae, err := id.tel.Anchor(ctx, ev, sn)
	if err != nil {
		return nil, err
	}
	id.logger.Info("tel event anchored", "type", ev.Type, "event", ev.Prefix, "anchor_sn", sn)
	return ae, nil
}
