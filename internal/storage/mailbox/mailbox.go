// Package mailbox queues messages for an identifier per topic. Indexes are
// dense and start at 0, so a reader resumes by asking for everything from
// its last index plus one.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/relves/kerilog/pkg/types"
)

// Mailbox is a set of append-only queues backed by a datastore.
type Mailbox struct {
	ds   datastore.Batching
	mu   sync.Mutex
	next map[string]uint64
}

// New creates a Mailbox over ds, or over an in-memory datastore if ds is nil.
func New(ds datastore.Batching) *Mailbox {
	if ds == nil {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	}
	return &Mailbox{ds: ds, next: make(map[string]uint64)}
}

func queueKey(prefix, topic string) string {
	return "/mbx/" + prefix + "/" + topic
}

// Append queues msg for prefix under topic and returns its index.
func (m *Mailbox) Append(ctx context.Context, prefix, topic string, msg types.Message) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := queueKey(prefix, topic)
	idx, ok := m.next[q]
	if !ok {
		idx, err = m.count(ctx, q)
		if err != nil {
			return 0, err
		}
	}
	key := datastore.NewKey(fmt.Sprintf("%s/%020d", q, idx))
	if err := m.ds.Put(ctx, key, data); err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	m.next[q] = idx + 1
	return idx, nil
}

func (m *Mailbox) count(ctx context.Context, q string) (uint64, error) {
	res, err := m.ds.Query(ctx, query.Query{Prefix: q, KeysOnly: true})
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", q, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", q, err)
	}
	return uint64(len(entries)), nil
}

// Since returns the queued messages of prefix under topic with index >= from,
// in index order.
func (m *Mailbox) Since(ctx context.Context, prefix, topic string, from uint64) ([]types.Envelope, error) {
	q := queueKey(prefix, topic)
	res, err := m.ds.Query(ctx, query.Query{
		Prefix: q,
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q, err)
	}

	out := make([]types.Envelope, 0, len(entries))
	for _, e := range entries {
		idx, err := strconv.ParseUint(path.Base(e.Key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad mailbox key %s: %w", e.Key, err)
		}
		if idx < from {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(e.Value, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, types.Envelope{Topic: topic, Index: idx, Message: msg})
	}
	return out, nil
}

// Close closes the underlying datastore.
func (m *Mailbox) Close() error {
	return m.ds.Close()
}
