package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is storage.ErrNotFound, re-exported for callers that only
// import this package.
var ErrNotFound = storage.ErrNotFound

// ErrConflict is returned when a different record already occupies a key.
var ErrConflict = errors.New("conflicting record")

// Store is the SQLite state of one local alias: its own logs plus
// everything it has learned from peers.
type Store struct {
	db     *sql.DB
	alias  string
	dbPath string
}

// sanitizeAlias converts an alias into a filesystem-safe directory name.
// Aliases may be DIDs, which contain colons.
func sanitizeAlias(alias string) string {
	return strings.ReplaceAll(alias, ":", "_")
}

// OpenStore opens (creating if needed) the database for alias under basePath.
func OpenStore(basePath, alias string) (*Store, error) {
	dir := filepath.Join(basePath, "identities", sanitizeAlias(alias))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dbPath := filepath.Join(dir, "kerilog.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, alias: alias, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Alias() string {
	return s.alias
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// CreateIdentity binds alias to prefix. Re-binding the same prefix is a no-op.
func (s *Store) CreateIdentity(ctx context.Context, alias, prefix string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (alias, prefix, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(alias) DO NOTHING`,
		alias, prefix, now, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rec, err := s.GetIdentity(ctx, alias)
		if err != nil {
			return err
		}
		if rec.Prefix != prefix {
			return fmt.Errorf("%w: alias %s is bound to %s", ErrConflict, alias, rec.Prefix)
		}
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, alias string) (*storage.IdentityRecord, error) {
	var rec storage.IdentityRecord
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT alias, prefix, registry, updated_at FROM identities WHERE alias = ?`,
		alias).Scan(&rec.Alias, &rec.Prefix, &rec.Registry, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := time.Parse(time.RFC3339, updatedAt); err != nil {
		slog.Warn("failed to parse updated_at timestamp", "alias", alias, "value", updatedAt, "error", err)
	}
	return &rec, nil
}

func (s *Store) SetRegistry(ctx context.Context, alias, registry string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET registry = ?, updated_at = ? WHERE alias = ?`,
		registry, now, alias)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent stores an accepted key event. Storing the identical event
// twice is a no-op; a different event at the same position is a conflict.
func (s *Store) AppendEvent(ctx context.Context, se *types.SignedEvent) error {
	raw, err := se.Serialize()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO key_events (prefix, sn, digest, type, raw) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(prefix, sn) DO NOTHING`,
		se.Event.Prefix, se.Event.Sn, se.Event.Digest, string(se.Event.Type), raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var digest string
		if err := s.db.QueryRowContext(ctx,
			`SELECT digest FROM key_events WHERE prefix = ? AND sn = ?`,
			se.Event.Prefix, se.Event.Sn).Scan(&digest); err != nil {
			return err
		}
		if digest != se.Event.Digest {
			return fmt.Errorf("%w: %s already has %s at sn %d", ErrConflict, se.Event.Prefix, digest, se.Event.Sn)
		}
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, prefix string) ([]types.SignedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw FROM key_events WHERE prefix = ? ORDER BY sn`,
		prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.SignedEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var se types.SignedEvent
		if err := se.Deserialize(raw); err != nil {
			return nil, err
		}
		events = append(events, se)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

func (s *Store) ListPrefixes(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT prefix FROM key_events ORDER BY prefix`)
}

// GetTreeState retrieves the Merkle tree state for a log.
// Returns (0, nil, nil) if no tree state exists yet.
func (s *Store) GetTreeState(ctx context.Context, prefix string) (size uint64, root []byte, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT size, root FROM tree_state WHERE prefix = ?`,
		prefix).Scan(&size, &root)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return size, root, nil
}

// SetTreeState sets the Merkle tree state for a log (upsert).
func (s *Store) SetTreeState(ctx context.Context, prefix string, size uint64, root []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tree_state (prefix, size, root) VALUES (?, ?, ?)
		 ON CONFLICT(prefix) DO UPDATE SET size = excluded.size, root = excluded.root`,
		prefix, size, root)
	return err
}

// GetCursor returns the next mailbox index to read, 0 if never read.
func (s *Store) GetCursor(ctx context.Context, prefix, peer, topic string) (uint64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM cursors WHERE prefix = ? AND peer = ? AND topic = ?`,
		prefix, peer, topic).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(cursor), nil
}

// SetCursor records mailbox progress (upsert).
func (s *Store) SetCursor(ctx context.Context, prefix, peer, topic string, cursor uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (prefix, peer, topic, cursor) VALUES (?, ?, ?, ?)
		 ON CONFLICT(prefix, peer, topic) DO UPDATE SET cursor = excluded.cursor`,
		prefix, peer, topic, cursor)
	return err
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
