package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/types"
)

// Ensure Store implements StateStore at compile time.
var _ storage.StateStore = (*Store)(nil)

// AddReceipt records a witness receipt. Idempotent.
func (s *Store) AddReceipt(ctx context.Context, r types.Receipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (prefix, sn, digest, witness, raw) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(prefix, sn, digest, witness) DO NOTHING`,
		r.Prefix, r.Sn, r.Digest, r.Witness, raw)
	return err
}

// GetReceipts returns every receipt recorded for (prefix, sn), whatever digest
// it names.
func (s *Store) GetReceipts(ctx context.Context, prefix string, sn uint64) ([]types.Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw FROM receipts WHERE prefix = ? AND sn = ? ORDER BY witness`,
		prefix, sn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Receipt
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r types.Receipt
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: receipt: %v", types.ErrMalformed, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func telRegistry(ev *types.TelEvent) string {
	if ev.Type == types.RegistryInception {
		return ev.Prefix
	}
	return ev.Registry
}

// AppendTelEvent stores an accepted TEL event. Idempotent for the identical
// event.
func (s *Store) AppendTelEvent(ctx context.Context, ev *types.AnchoredTelEvent) error {
	raw, err := ev.Serialize()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tel_events (registry, prefix, sn, digest, type, raw) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(prefix, sn) DO NOTHING`,
		telRegistry(&ev.Event), ev.Event.Prefix, ev.Event.Sn, ev.Event.Digest, string(ev.Event.Type), raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var digest string
		if err := s.db.QueryRowContext(ctx,
			`SELECT digest FROM tel_events WHERE prefix = ? AND sn = ?`,
			ev.Event.Prefix, ev.Event.Sn).Scan(&digest); err != nil {
			return err
		}
		if digest != ev.Event.Digest {
			return fmt.Errorf("%w: tel %s already has %s at sn %d", ErrConflict, ev.Event.Prefix, digest, ev.Event.Sn)
		}
	}
	return nil
}

// GetTelEvents returns the accepted events of a registry in acceptance order.
func (s *Store) GetTelEvents(ctx context.Context, registry string) ([]types.AnchoredTelEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw FROM tel_events WHERE registry = ? ORDER BY seq`,
		registry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AnchoredTelEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev types.AnchoredTelEvent
		if err := ev.Deserialize(raw); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *Store) ListRegistries(ctx context.Context) ([]string, error) {
	return s.strings(ctx,
		`SELECT prefix FROM tel_events WHERE type = ? ORDER BY seq`,
		string(types.RegistryInception))
}

func (s *Store) GetTelState(ctx context.Context, credential string) (types.CredentialState, error) {
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT type FROM tel_events WHERE prefix = ? AND type != ? ORDER BY sn DESC LIMIT 1`,
		credential, string(types.RegistryInception)).Scan(&typ)
	if err == sql.ErrNoRows {
		return types.CredentialUnknown, nil
	}
	if err != nil {
		return "", err
	}
	switch types.TelEventType(typ) {
	case types.Issuance:
		return types.CredentialIssued, nil
	case types.Revocation:
		return types.CredentialRevoked, nil
	}
	return types.CredentialUnknown, nil
}

func (s *Store) PutLocation(ctx context.Context, role types.Role, loc types.LocationScheme) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (eid, role, scheme, url) VALUES (?, ?, ?, ?)
		 ON CONFLICT(eid, role) DO UPDATE SET scheme = excluded.scheme, url = excluded.url`,
		loc.EID, string(role), string(loc.Scheme), loc.URL)
	return err
}

func (s *Store) GetLocation(ctx context.Context, eid string, role types.Role) (types.LocationScheme, error) {
	loc := types.LocationScheme{EID: eid}
	var scheme string
	err := s.db.QueryRowContext(ctx,
		`SELECT scheme, url FROM locations WHERE eid = ? AND role = ?`,
		eid, string(role)).Scan(&scheme, &loc.URL)
	if err == sql.ErrNoRows {
		return types.LocationScheme{}, ErrNotFound
	}
	if err != nil {
		return types.LocationScheme{}, err
	}
	loc.Scheme = types.Scheme(scheme)
	return loc, nil
}

// PutEndRole records an end role authorization. A cut removes the matching
// add.
func (s *Store) PutEndRole(ctx context.Context, reply types.SignedReply) error {
	r := reply.Reply.EndRole
	if reply.Reply.Route == types.RouteEndRoleCut {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM end_roles WHERE cid = ? AND role = ? AND eid = ?`,
			r.CID, string(r.Role), r.EID)
		return err
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO end_roles (cid, role, eid, raw) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cid, role, eid) DO UPDATE SET raw = excluded.raw`,
		r.CID, string(r.Role), r.EID, raw)
	return err
}

func (s *Store) GetEndRoles(ctx context.Context, cid string, role types.Role) ([]types.SignedReply, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw FROM end_roles WHERE cid = ? AND role = ? ORDER BY eid`,
		cid, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SignedReply
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r types.SignedReply
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: end role: %v", types.ErrMalformed, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
