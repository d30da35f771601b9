package mailbox_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/internal/storage/mailbox"
	"github.com/relves/kerilog/pkg/types"
)

func msg(t *testing.T, n int) types.Message {
	t.Helper()
	m, err := types.NewMessage(types.KindReceipt, map[string]int{"n": n})
	require.NoError(t, err)
	return m
}

func TestMailbox_AppendAndSince(t *testing.T) {
	ctx := context.Background()
	mb := mailbox.New(nil)

	for i := 0; i < 12; i++ {
		idx, err := mb.Append(ctx, "alice", types.TopicReceipt, msg(t, i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), idx)
	}
	_, err := mb.Append(ctx, "alice", types.TopicCredential, msg(t, 99))
	require.NoError(t, err)

	all, err := mb.Since(ctx, "alice", types.TopicReceipt, 0)
	require.NoError(t, err)
	require.Len(t, all, 12)
	for i, env := range all {
		assert.Equal(t, uint64(i), env.Index, "index order, not lexical")
		assert.Equal(t, types.TopicReceipt, env.Topic)
	}

	tail, err := mb.Since(ctx, "alice", types.TopicReceipt, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(10), tail[0].Index)

	none, err := mb.Since(ctx, "bob", types.TopicReceipt, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	creds, err := mb.Since(ctx, "alice", types.TopicCredential, 0)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint64(0), creds[0].Index)
}

func TestMailbox_ResumesIndexOverExistingData(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())

	first := mailbox.New(ds)
	for i := 0; i < 3; i++ {
		_, err := first.Append(ctx, "alice", types.TopicReply, msg(t, i))
		require.NoError(t, err)
	}

	second := mailbox.New(ds)
	idx, err := second.Append(ctx, "alice", types.TopicReply, msg(t, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), idx)
}

func TestMailbox_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	mb := mailbox.New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mb.Append(ctx, "alice", types.TopicReceipt, msg(t, i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := mb.Since(ctx, "alice", types.TopicReceipt, 0)
	require.NoError(t, err)
	require.Len(t, all, 20)
	seen := make(map[uint64]bool)
	for _, env := range all {
		seen[env.Index] = true
	}
	for i := 0; i < 20; i++ {
		assert.True(t, seen[uint64(i)], fmt.Sprintf("index %d present", i))
	}
}
