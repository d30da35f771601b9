// Package oobi resolves out-of-band introductions to endpoint locations and
// carries signed exchanges between identifiers through their messageboxes.
package oobi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
)

var (
	// ErrNotResolved is returned by Locate for identities never resolved
	// in a role.
	ErrNotResolved = errors.New("not resolved")
	// ErrInvalidIntroduction is returned when an endpoint's answer does not
	// match what was asked or fails signature checks.
	ErrInvalidIntroduction = errors.New("invalid introduction")
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Network transport.Network
	// Store persists resolved records and is the record of what was
	// resolved: records evicted from the cache are read back from it, not
	// fetched again. Optional; without it an evicted record is refetched.
	Store storage.DiscoveryStore
	// CacheSize bounds the number of cached records. Defaults to 256.
	CacheSize int
	Logger    *slog.Logger
}

type cacheKey struct {
	eid  string
	role types.Role
}

// Resolver caches introductions per (identity, role). Once resolved, a
// record is not fetched again for the life of the Resolver, provided it has
// a Store or the cache never evicts it.
type Resolver struct {
	net    transport.Network
	store  storage.DiscoveryStore
	cache  *lru.Cache[cacheKey, types.OOBIRecord]
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("Network is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cache, err := lru.New[cacheKey, types.OOBIRecord](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Resolver{net: cfg.Network, store: cfg.Store, cache: cache, logger: cfg.Logger}, nil
}

// Resolve fetches the introduction of loc.EID in role from loc.URL. Repeat
// and concurrent calls for the same identity and role share one fetch.
func (r *Resolver) Resolve(ctx context.Context, loc types.LocationScheme, role types.Role) (types.OOBIRecord, error) {
	if err := loc.Validate(); err != nil {
		return types.OOBIRecord{}, err
	}
	key := cacheKey{eid: loc.EID, role: role}
	if rec, ok := r.cache.Get(key); ok {
		return rec, nil
	}

	v, err, shared := r.group.Do(loc.EID+"|"+string(role), func() (any, error) {
		if rec, ok := r.cache.Get(key); ok {
			return rec, nil
		}
		if rec, ok, err := r.stored(ctx, loc.EID, role); err != nil {
			return nil, err
		} else if ok {
			r.cache.Add(key, rec)
			return rec, nil
		}
		rec, err := r.net.Introduce(ctx, loc, role)
		if err != nil {
			return nil, err
		}
		if err := checkRecord(loc.EID, role, rec); err != nil {
			return nil, err
		}
		if err := r.persist(ctx, role, rec); err != nil {
			return nil, err
		}
		r.cache.Add(key, rec)
		r.logger.Info("resolved oobi", "eid", loc.EID, "role", role, "url", rec.Location.URL)
		return rec, nil
	})
	if err != nil {
		return types.OOBIRecord{}, fmt.Errorf("resolve %s as %s: %w", loc.EID, role, err)
	}
	if shared {
		r.logger.Debug("oobi resolution shared", "eid", loc.EID, "role", role)
	}
	return v.(types.OOBIRecord), nil
}

// checkRecord accepts a self-introduction of eid, or an endpoint's
// location accompanied by eid's signed authorization naming it in role.
func checkRecord(eid string, role types.Role, rec types.OOBIRecord) error {
	if err := rec.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIntroduction, err)
	}
	if rec.EndRole == nil {
		if rec.Location.EID != eid {
			return fmt.Errorf("%w: asked for %s, got %s", ErrInvalidIntroduction, eid, rec.Location.EID)
		}
		return nil
	}
	er := rec.EndRole.Reply.EndRole
	switch {
	case rec.EndRole.Reply.Route != types.RouteEndRoleAdd:
		return fmt.Errorf("%w: end role route %q", ErrInvalidIntroduction, rec.EndRole.Reply.Route)
	case er.CID != eid || er.Role != role:
		return fmt.Errorf("%w: end role is for %s as %s", ErrInvalidIntroduction, er.CID, er.Role)
	case er.EID != rec.Location.EID:
		return fmt.Errorf("%w: end role names %s, location is %s", ErrInvalidIntroduction, er.EID, rec.Location.EID)
	}
	if err := signing.VerifyReply(*rec.EndRole); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIntroduction, err)
	}
	return nil
}

// stored rebuilds a previously resolved record of eid in role from the store.
func (r *Resolver) stored(ctx context.Context, eid string, role types.Role) (types.OOBIRecord, bool, error) {
	if r.store == nil {
		return types.OOBIRecord{}, false, nil
	}
	loc, err := r.store.GetLocation(ctx, eid, role)
	if err == nil {
		return types.OOBIRecord{Location: loc}, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return types.OOBIRecord{}, false, err
	}
	roles, err := r.store.GetEndRoles(ctx, eid, role)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return types.OOBIRecord{}, false, err
	}
	for _, sr := range roles {
		loc, err := r.store.GetLocation(ctx, sr.Reply.EndRole.EID, role)
		if err != nil {
			continue
		}
		rec := types.OOBIRecord{Location: loc, EndRole: &sr}
		if checkRecord(eid, role, rec) == nil {
			return rec, true, nil
		}
	}
	return types.OOBIRecord{}, false, nil
}

func (r *Resolver) persist(ctx context.Context, role types.Role, rec types.OOBIRecord) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.PutLocation(ctx, role, rec.Location); err != nil {
		return fmt.Errorf("store location: %w", err)
	}
	if rec.EndRole != nil {
		if err := r.store.PutEndRole(ctx, *rec.EndRole); err != nil {
			return fmt.Errorf("store end role: %w", err)
		}
	}
	return nil
}

// Locate returns the location serving eid in role, from the cache or, failing
// that, the store.
func (r *Resolver) Locate(ctx context.Context, eid string, role types.Role) (types.LocationScheme, error) {
	if rec, ok := r.cache.Get(cacheKey{eid: eid, role: role}); ok {
		return rec.Location, nil
	}
	rec, ok, err := r.stored(ctx, eid, role)
	if err != nil {
		return types.LocationScheme{}, err
	}
	if !ok {
		return types.LocationScheme{}, fmt.Errorf("%w: %s as %s", ErrNotResolved, eid, role)
	}
	return rec.Location, nil
}

// Len returns the number of cached records.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// PublishEndRole builds the signed statement by controller cid that eid
// serves it in role. It is not anchored in any log.
func PublishEndRole(id signing.Identity, cid, eid string, role types.Role, date string) (types.SignedReply, error) {
	return endRoleReply(id, types.RouteEndRoleAdd, cid, eid, role, date)
}

// CutEndRole builds the signed withdrawal of an end role.
func CutEndRole(id signing.Identity, cid, eid string, role types.Role, date string) (types.SignedReply, error) {
	return endRoleReply(id, types.RouteEndRoleCut, cid, eid, role, date)
}

func endRoleReply(id signing.Identity, route, cid, eid string, role types.Role, date string) (types.SignedReply, error) {
	if _, err := types.ParseRole(string(role)); err != nil {
		return types.SignedReply{}, err
	}
	if cid == "" || eid == "" {
		return types.SignedReply{}, fmt.Errorf("%w: end role needs cid and eid", types.ErrMalformed)
	}
	return signing.SignReply(id, types.Reply{
		Route:   route,
		EndRole: types.EndRole{EID: eid, CID: cid, Role: role},
		Date:    date,
	})
}
