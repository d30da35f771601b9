package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
)

// Datastore is a go-datastore over the store's key-value table. Mailbox
// queues kept here survive a restart along with the rest of the alias state.
type Datastore struct {
	db *sql.DB
}

var _ datastore.Batching = (*Datastore)(nil)

// Datastore returns the store's key-value table as a datastore. Closing it
// leaves the store open.
func (s *Store) Datastore() *Datastore {
	return &Datastore{db: s.db}
}

func (d *Datastore) Get(ctx context.Context, key datastore.Key) ([]byte, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx, `SELECT value FROM datastore WHERE key = ?`, key.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datastore.ErrNotFound
	}
	return value, err
}

func (d *Datastore) Has(ctx context.Context, key datastore.Key) (bool, error) {
	_, err := d.GetSize(ctx, key)
	if errors.Is(err, datastore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *Datastore) GetSize(ctx context.Context, key datastore.Key) (int, error) {
	var size int
	err := d.db.QueryRowContext(ctx, `SELECT length(value) FROM datastore WHERE key = ?`, key.String()).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, datastore.ErrNotFound
	}
	return size, err
}

func (d *Datastore) Put(ctx context.Context, key datastore.Key, value []byte) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO datastore (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key.String(), value)
	return err
}

func (d *Datastore) Delete(ctx context.Context, key datastore.Key) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM datastore WHERE key = ?`, key.String())
	return err
}

// Query narrows by prefix in SQL and applies the rest of q in memory.
func (d *Datastore) Query(ctx context.Context, q query.Query) (query.Results, error) {
	stmt := `SELECT key, value FROM datastore ORDER BY key`
	var args []any
	if prefix := path.Clean("/" + q.Prefix); prefix != "/" {
		// Keys under prefix sort between "prefix/" and "prefix0".
		stmt = `SELECT key, value FROM datastore WHERE key >= ? AND key < ? ORDER BY key`
		args = []any{prefix + "/", prefix + "0"}
	}
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []query.Entry
	for rows.Next() {
		var e query.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		e.Size = len(e.Value)
		if q.KeysOnly {
			e.Value = nil
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return query.NaiveQueryApply(q, query.ResultsWithEntries(q, entries)), nil
}

// Sync is a no-op; every write is committed when it returns.
func (d *Datastore) Sync(ctx context.Context, prefix datastore.Key) error {
	return nil
}

func (d *Datastore) Batch(ctx context.Context) (datastore.Batch, error) {
	return datastore.NewBasicBatch(d), nil
}

func (d *Datastore) Close() error {
	return nil
}
