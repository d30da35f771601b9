package identifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/relves/kerilog/internal/archive"
	"github.com/relves/kerilog/pkg/oobi"
	"github.com/relves/kerilog/pkg/types"
)

// ResolveOOBI resolves loc in role.
func (id *Identifier) ResolveOOBI(ctx context.Context, loc types.LocationScheme, role types.Role) (types.OOBIRecord, error) {
	return id.resolver.Resolve(ctx, loc, role)
}

// AddEndRole names the endpoint at loc as serving this identifier in role.
// The endpoint receives the key event log and the signed reply.
func (id *Identifier) AddEndRole(ctx context.Context, loc types.LocationScheme, role types.Role) (types.SignedReply, error) {
	rec, err := id.resolver.Resolve(ctx, loc, role)
	if err != nil {
		return types.SignedReply{}, err
	}
	rpy, err := oobi.PublishEndRole(id.Keys(), id.prefix, rec.Location.EID, role, id.timestamp())
	if err != nil {
		return types.SignedReply{}, err
	}
	msgs, err := id.kelMessages(ctx)
	if err != nil {
		return types.SignedReply{}, err
	}
	m, err := types.NewMessage(types.KindReply, rpy)
	if err != nil {
		return types.SignedReply{}, err
	}
	if err := id.net.Send(ctx, rec.Location, append(msgs, m)...); err != nil {
		return types.SignedReply{}, err
	}
	if err := id.store.PutEndRole(ctx, rpy); err != nil {
		return types.SignedReply{}, fmt.Errorf("store end role: %w", err)
	}
	id.logger.Info("end role added", "role", role, "eid", rec.Location.EID)
	return rpy, nil
}

// AddMessagebox names the endpoint at loc as this identifier's messagebox.
func (id *Identifier) AddMessagebox(ctx context.Context, loc types.LocationScheme) (types.SignedReply, error) {
	return id.AddEndRole(ctx, loc, types.RoleMessagebox)
}

// AddWatcher names the endpoint at loc as this identifier's watcher.
func (id *Identifier) AddWatcher(ctx context.Context, loc types.LocationScheme) (types.SignedReply, error) {
	return id.AddEndRole(ctx, loc, types.RoleWatcher)
}

func (id *Identifier) exchange() (*oobi.Exchange, error) {
	return oobi.NewExchange(oobi.ExchangeConfig{
		Network:  id.net,
		Resolver: id.resolver,
		Prefix:   id.prefix,
		Signer:   id.Keys(),
		Logger:   id.logger,
	})
}

// Forward sends cred to recipient's messagebox, which must have been
// resolved.
func (id *Identifier) Forward(ctx context.Context, cred *types.Credential, recipient string) (types.SignedExchange, error) {
	x, err := id.exchange()
	if err != nil {
		return types.SignedExchange{}, err
	}
	return x.Forward(ctx, cred, recipient)
}

// Pull reads credentials forwarded to this identifier since the last pull.
func (id *Identifier) Pull(ctx context.Context) ([]types.Credential, error) {
	loc, err := id.resolver.Locate(ctx, id.prefix, types.RoleMessagebox)
	if err != nil {
		return nil, err
	}
	cursor, err := id.store.GetCursor(ctx, id.prefix, loc.EID, types.TopicCredential)
	if err != nil {
		return nil, err
	}
	x, err := id.exchange()
	if err != nil {
		return nil, err
	}
	envs, err := x.QueryBySequence(ctx, id.prefix, cursor)
	if err != nil {
		return nil, err
	}
	next := cursor
	for _, env := range envs {
		if env.Index >= next {
			next = env.Index + 1
		}
	}
	creds := x.Credentials(envs)
	if next != cursor {
		if err := id.store.SetCursor(ctx, id.prefix, loc.EID, types.TopicCredential, next); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

// Artifact is a named file produced for export.
type Artifact struct {
	Name string
	Data []byte
}

// Artifacts returns the identifier's exportable records: its key event log,
// its registry log if any, and for each witness the location scheme and
// the end role naming it.
func (id *Identifier) Artifacts(ctx context.Context) ([]Artifact, error) {
	kelData, err := id.KEL(ctx)
	if err != nil {
		return nil, err
	}
	out := []Artifact{{Name: "kel", Data: kelData}}
	if id.Registry() != "" {
		telData, err := id.TEL(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, Artifact{Name: "tel", Data: telData})
	}

	locs, err := id.Witnesses(ctx)
	if err != nil {
		return nil, err
	}
	for i, loc := range locs {
		locData, err := json.Marshal(loc)
		if err != nil {
			return nil, err
		}
		roleData, err := json.Marshal(types.EndRole{EID: loc.EID, CID: id.prefix, Role: types.RoleWitness})
		if err != nil {
			return nil, err
		}
		out = append(out,
			Artifact{Name: fmt.Sprintf("oobi/witness-%d.json", i), Data: locData},
			Artifact{Name: fmt.Sprintf("oobi/witness-%d-role.json", i), Data: roleData},
		)
	}

	for _, role := range []types.Role{types.RoleMessagebox, types.RoleWatcher} {
		replies, err := id.store.GetEndRoles(ctx, id.prefix, role)
		if err != nil {
			return nil, err
		}
		for i, rpy := range replies {
			data, err := json.Marshal(rpy)
			if err != nil {
				return nil, err
			}
			out = append(out, Artifact{Name: fmt.Sprintf("oobi/%s-%d-reply.json", role, i), Data: data})
		}
	}
	return out, nil
}

// Export packs Artifacts into a CAR and returns it with its root.
func (id *Identifier) Export(ctx context.Context) ([]byte, cid.Cid, error) {
	arts, err := id.Artifacts(ctx)
	if err != nil {
		return nil, cid.Undef, err
	}
	files := make([]archive.File, len(arts))
	for i, a := range arts {
		files[i] = archive.File{Name: a.Name, Data: a.Data}
	}
	data, root, err := archive.Build(ctx, files)
	if err != nil {
		return nil, cid.Undef, err
	}
	id.logger.Info("identifier exported", "prefix", id.prefix, "root", root, "files", len(files))
	return data, root, nil
}
