package witness_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/internal/storage/sqlite"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/kel/keltest"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
	"github.com/relves/kerilog/pkg/witness"
)

type cluster struct {
	net   *transport.Loopback
	nodes []*witness.Node
	locs  []types.LocationScheme
}

// newCluster starts n witness nodes on a loopback network, each with its own
// key event database and store.
func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{net: transport.NewLoopback()}
	for i := 0; i < n; i++ {
		store, err := sqlite.OpenStore(t.TempDir(), fmt.Sprintf("w%d", i))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		url := fmt.Sprintf("http://witness-%d.local", i)
		node, err := witness.NewNode(witness.NodeConfig{
			Signer: keltest.Signer(t, byte(100+i)),
			URL:    url,
			KEL:    kel.NewDatabase(kel.Config{Store: store}),
			Store:  store,
		})
		require.NoError(t, err)
		c.net.Register(url, node)
		c.nodes = append(c.nodes, node)
		c.locs = append(c.locs, node.Location())
	}
	return c
}

func (c *cluster) eids() []string {
	out := make([]string, len(c.locs))
	for i, loc := range c.locs {
		out[i] = loc.EID
	}
	return out
}

type controller struct {
	db     *kel.Database
	signer *signing.Ed25519Signer
	next   *signing.Ed25519Signer
	prefix string
}

// newController incepts an identifier witnessed by witnesses with
// threshold bt.
func newController(t *testing.T, witnesses []string, bt int) *controller {
	t.Helper()
	k1, k2 := keltest.Signer(t, 1), keltest.Signer(t, 2)
	db := kel.NewDatabase(kel.Config{})
	icp := keltest.Inception(t, []*signing.Ed25519Signer{k1}, []*signing.Ed25519Signer{k2}, witnesses, bt)
	_, err := db.Append(context.Background(), icp)
	require.NoError(t, err)
	return &controller{db: db, signer: k1, next: k2, prefix: icp.Event.Prefix}
}

// kelMessages returns the whole log as messages.
func (c *controller) kelMessages(t *testing.T) []types.Message {
	t.Helper()
	events, err := c.db.Events(context.Background(), c.prefix, 0)
	require.NoError(t, err)
	msgs := make([]types.Message, len(events))
	for i, se := range events {
		msgs[i], err = types.NewMessage(types.KindKel, se)
		require.NoError(t, err)
	}
	return msgs
}

func (c *controller) interact(t *testing.T, seals ...types.Seal) types.SignedEvent {
	t.Helper()
	ctx := context.Background()
	st, err := c.db.State(ctx, c.prefix)
	require.NoError(t, err)
	ixn := keltest.Interaction(t, st, []*signing.Ed25519Signer{c.signer}, seals...)
	_, err = c.db.Append(ctx, ixn)
	require.NoError(t, err)
	return ixn
}

func (c *controller) tip(t *testing.T) kel.State {
	t.Helper()
	st, err := c.db.State(context.Background(), c.prefix)
	require.NoError(t, err)
	return st
}
