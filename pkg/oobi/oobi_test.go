package oobi_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/internal/storage/sqlite"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/kel/keltest"
	"github.com/relves/kerilog/pkg/oobi"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
	"github.com/relves/kerilog/pkg/witness"
)

const boxURL = "http://box.local"

// countingNet counts introductions passed through to a Loopback.
type countingNet struct {
	*transport.Loopback
	introductions atomic.Int32
}

func (c *countingNet) Introduce(ctx context.Context, loc types.LocationScheme, role types.Role) (types.OOBIRecord, error) {
	c.introductions.Add(1)
	return c.Loopback.Introduce(ctx, loc, role)
}

type fakePeer struct {
	transport.Peer
	rec types.OOBIRecord
}

func (f fakePeer) Introduce(context.Context, string, types.Role) (types.OOBIRecord, error) {
	return f.rec, nil
}

type party struct {
	signer *signing.Ed25519Signer
	prefix string
	icp    types.SignedEvent
}

func newParty(t *testing.T, seed byte) *party {
	t.Helper()
	k := keltest.Signer(t, seed)
	icp := keltest.Inception(t, []*signing.Ed25519Signer{k}, []*signing.Ed25519Signer{keltest.Signer(t, seed+1)}, nil, 0)
	return &party{signer: k, prefix: icp.Event.Prefix, icp: icp}
}

// register sends the party's log to the box and names the box as its
// messagebox.
func (p *party) register(t *testing.T, net transport.Network, box types.LocationScheme) {
	t.Helper()
	ctx := context.Background()
	m, err := types.NewMessage(types.KindKel, p.icp)
	require.NoError(t, err)
	rpy, err := oobi.PublishEndRole(p.signer, p.prefix, box.EID, types.RoleMessagebox, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	r, err := types.NewMessage(types.KindReply, rpy)
	require.NoError(t, err)
	require.NoError(t, net.Send(ctx, box, m, r))
}

func newBox(t *testing.T) (*countingNet, *witness.Node) {
	t.Helper()
	store, err := sqlite.OpenStore(t.TempDir(), "box")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	node, err := witness.NewNode(witness.NodeConfig{
		Signer: keltest.Signer(t, 200),
		URL:    boxURL,
		KEL:    kel.NewDatabase(kel.Config{Store: store}),
		Store:  store,
	})
	require.NoError(t, err)
	net := &countingNet{Loopback: transport.NewLoopback()}
	net.Register(boxURL, node)
	return net, node
}

func TestResolver_SelfIntroductionFetchedOnce(t *testing.T) {
	ctx := context.Background()
	net, node := newBox(t)
	r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := r.Resolve(ctx, node.Location(), types.RoleWitness)
			assert.NoError(t, err)
			assert.Equal(t, node.Location(), rec.Location)
		}()
	}
	wg.Wait()
	_, err = r.Resolve(ctx, node.Location(), types.RoleWitness)
	require.NoError(t, err)

	assert.Equal(t, int32(1), net.introductions.Load())
	assert.Equal(t, 1, r.Len())
}

func TestResolver_ControllerMessagebox(t *testing.T) {
	ctx := context.Background()
	net, node := newBox(t)
	alice := newParty(t, 30)
	alice.register(t, net, node.Location())

	r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net})
	require.NoError(t, err)

	_, err = r.Locate(ctx, alice.prefix, types.RoleMessagebox)
	assert.ErrorIs(t, err, oobi.ErrNotResolved)

	rec, err := r.Resolve(ctx, types.LocationScheme{EID: alice.prefix, URL: boxURL}, types.RoleMessagebox)
	require.NoError(t, err)
	require.NotNil(t, rec.EndRole)
	assert.Equal(t, node.EID(), rec.EndRole.Reply.EndRole.EID)

	loc, err := r.Locate(ctx, alice.prefix, types.RoleMessagebox)
	require.NoError(t, err)
	assert.Equal(t, node.Location(), loc)

	_, err = r.Resolve(ctx, types.LocationScheme{EID: alice.prefix, URL: boxURL}, types.RoleWatcher)
	assert.ErrorIs(t, err, witness.ErrNotFound)
}

func TestResolver_RejectsMismatchedIntroductions(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, 30)
	endpoint := types.LocationScheme{EID: keltest.Signer(t, 201).PublicKey(), Scheme: types.SchemeHTTP, URL: "http://fake.local"}
	rpy, err := oobi.PublishEndRole(alice.signer, alice.prefix, endpoint.EID, types.RoleMessagebox, "")
	require.NoError(t, err)

	tampered := rpy
	tampered.Reply.EndRole.EID = "did:key:zOther"
	forged, err := oobi.PublishEndRole(keltest.Signer(t, 77), alice.prefix, endpoint.EID, types.RoleMessagebox, "")
	require.NoError(t, err)

	cases := map[string]struct {
		eid  string
		role types.Role
		rec  types.OOBIRecord
	}{
		"wrong self":   {eid: "did:key:zSomeoneElse", role: types.RoleWitness, rec: types.OOBIRecord{Location: endpoint}},
		"wrong role":   {eid: alice.prefix, role: types.RoleWatcher, rec: types.OOBIRecord{Location: endpoint, EndRole: &rpy}},
		"wrong cid":    {eid: "did:key:zSomeoneElse", role: types.RoleMessagebox, rec: types.OOBIRecord{Location: endpoint, EndRole: &rpy}},
		"tampered eid": {eid: alice.prefix, role: types.RoleMessagebox, rec: types.OOBIRecord{Location: types.LocationScheme{EID: "did:key:zOther", URL: endpoint.URL}, EndRole: &tampered}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			net := transport.NewLoopback()
			net.Register(endpoint.URL, fakePeer{rec: tc.rec})
			r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net})
			require.NoError(t, err)
			_, err = r.Resolve(ctx, types.LocationScheme{EID: tc.eid, URL: endpoint.URL}, tc.role)
			assert.ErrorIs(t, err, oobi.ErrInvalidIntroduction)
			assert.Equal(t, 0, r.Len())
		})
	}

	// A signature by a key other than the named one still verifies here:
	// only a node holding the controller's log can tell.
	net := transport.NewLoopback()
	net.Register(endpoint.URL, fakePeer{rec: types.OOBIRecord{Location: endpoint, EndRole: &forged}})
	r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, types.LocationScheme{EID: alice.prefix, URL: endpoint.URL}, types.RoleMessagebox)
	assert.NoError(t, err)
}

func TestResolver_PersistsToStore(t *testing.T) {
	ctx := context.Background()
	net, node := newBox(t)
	alice := newParty(t, 30)
	alice.register(t, net, node.Location())

	store, err := sqlite.OpenStore(t.TempDir(), "client")
	require.NoError(t, err)
	defer store.Close()

	r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net, Store: store})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, types.LocationScheme{EID: alice.prefix, URL: boxURL}, types.RoleMessagebox)
	require.NoError(t, err)

	// A fresh resolver finds the messagebox through the stored end role.
	net.SetDown(boxURL, true)
	fresh, err := oobi.NewResolver(oobi.ResolverConfig{Network: net, Store: store})
	require.NoError(t, err)
	loc, err := fresh.Locate(ctx, alice.prefix, types.RoleMessagebox)
	require.NoError(t, err)
	assert.Equal(t, node.Location(), loc)
	assert.Equal(t, int32(1), net.introductions.Load())
}

func TestResolver_EvictedRecordsReadFromStore(t *testing.T) {
	ctx := context.Background()
	net, node := newBox(t)
	alice := newParty(t, 30)
	alice.register(t, net, node.Location())

	store, err := sqlite.OpenStore(t.TempDir(), "client")
	require.NoError(t, err)
	defer store.Close()
	r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net, Store: store, CacheSize: 1})
	require.NoError(t, err)

	aliceLoc := types.LocationScheme{EID: alice.prefix, URL: boxURL}
	_, err = r.Resolve(ctx, node.Location(), types.RoleWitness)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, aliceLoc, types.RoleMessagebox)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	require.Equal(t, int32(2), net.introductions.Load())

	// Both records were evicted in turn; neither is fetched again.
	net.SetDown(boxURL, true)
	rec, err := r.Resolve(ctx, node.Location(), types.RoleWitness)
	require.NoError(t, err)
	assert.Equal(t, node.Location(), rec.Location)
	rec, err = r.Resolve(ctx, aliceLoc, types.RoleMessagebox)
	require.NoError(t, err)
	require.NotNil(t, rec.EndRole)
	assert.Equal(t, alice.prefix, rec.EndRole.Reply.EndRole.CID)
	assert.Equal(t, int32(2), net.introductions.Load())
}

func TestPublishEndRole_Validation(t *testing.T) {
	k := keltest.Signer(t, 1)
	_, err := oobi.PublishEndRole(k, "cid", "eid", types.Role("janitor"), "")
	assert.ErrorIs(t, err, types.ErrMalformed)
	_, err = oobi.CutEndRole(k, "", "eid", types.RoleWitness, "")
	assert.ErrorIs(t, err, types.ErrMalformed)

	cut, err := oobi.CutEndRole(k, "cid", "eid", types.RoleWitness, "")
	require.NoError(t, err)
	assert.Equal(t, types.RouteEndRoleCut, cut.Reply.Route)
	assert.NoError(t, signing.VerifyReply(cut))
}

func newExchange(t *testing.T, net transport.Network, r *oobi.Resolver, p *party) *oobi.Exchange {
	t.Helper()
	x, err := oobi.NewExchange(oobi.ExchangeConfig{Network: net, Resolver: r, Prefix: p.prefix, Signer: p.signer})
	require.NoError(t, err)
	return x
}

func TestExchange_ForwardAndQueryBySequence(t *testing.T) {
	ctx := context.Background()
	net, node := newBox(t)
	issuer, holder := newParty(t, 30), newParty(t, 40)
	issuer.register(t, net, node.Location())
	holder.register(t, net, node.Location())

	r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, types.LocationScheme{EID: holder.prefix, URL: boxURL}, types.RoleMessagebox)
	require.NoError(t, err)

	cred, err := types.NewCredential(issuer.prefix, "bagaaieraregistry", "schema", map[string]any{"name": "holder"})
	require.NoError(t, err)

	sender := newExchange(t, net, r, issuer)
	se, err := sender.Forward(ctx, cred, holder.prefix)
	require.NoError(t, err)
	assert.Equal(t, types.RouteForward, se.Exchange.Route)
	assert.NotEmpty(t, se.Exchange.ID)

	receiver := newExchange(t, net, r, holder)
	envs, err := receiver.QueryBySequence(ctx, holder.prefix, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(0), envs[0].Index)

	creds := receiver.Credentials(envs)
	require.Len(t, creds, 1)
	assert.Equal(t, cred.Digest, creds[0].Digest)
	assert.Equal(t, "holder", creds[0].Attributes["name"])

	envs, err = receiver.QueryBySequence(ctx, holder.prefix, 1)
	require.NoError(t, err)
	assert.Empty(t, envs)

	// Only the holder may read its messagebox.
	_, err = sender.QueryBySequence(ctx, holder.prefix, 0)
	assert.ErrorIs(t, err, witness.ErrUnauthorized)
}

func TestExchange_ForwardRequiresResolvedRecipient(t *testing.T) {
	ctx := context.Background()
	net, _ := newBox(t)
	issuer := newParty(t, 30)
	r, err := oobi.NewResolver(oobi.ResolverConfig{Network: net})
	require.NoError(t, err)

	cred, err := types.NewCredential(issuer.prefix, "reg", "schema", nil)
	require.NoError(t, err)
	_, err = newExchange(t, net, r, issuer).Forward(ctx, cred, "did:key:zNobody")
	assert.ErrorIs(t, err, oobi.ErrNotResolved)

	cred.Attributes = map[string]any{"changed": true}
	_, err = newExchange(t, net, r, issuer).Forward(ctx, cred, "did:key:zNobody")
	assert.ErrorIs(t, err, types.ErrMalformed)
}

func TestOpenForward_RejectsNonForward(t *testing.T) {
	k := keltest.Signer(t, 1)
	se, err := signing.SignExchange(k, types.Exchange{ID: "1", Route: "/other", Sender: "a", Recipient: "b", Payload: []byte(`{}`)})
	require.NoError(t, err)
	m, err := types.NewMessage(types.KindExchange, se)
	require.NoError(t, err)
	_, err = oobi.OpenForward(m)
	assert.ErrorIs(t, err, types.ErrMalformed)

	m.Kind = types.KindReply
	_, err = oobi.OpenForward(m)
	assert.ErrorIs(t, err, types.ErrMalformed)
}
