package identifier_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/internal/archive"
	"github.com/relves/kerilog/internal/storage/sqlite"
	"github.com/relves/kerilog/pkg/identifier"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/kel/keltest"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/tel"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
	"github.com/relves/kerilog/pkg/witness"
)

type network struct {
	net  *transport.Loopback
	locs []types.LocationScheme
}

// newNetwork starts n nodes that witness, relay exchanges and hold
// registries.
func newNetwork(t *testing.T, n int) *network {
	t.Helper()
	nw := &network{net: transport.NewLoopback()}
	for i := 0; i < n; i++ {
		store, err := sqlite.OpenStore(t.TempDir(), fmt.Sprintf("node%d", i))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		db := kel.NewDatabase(kel.Config{Store: store})
		tm, err := tel.New(tel.Config{KEL: db, Store: store})
		require.NoError(t, err)
		url := fmt.Sprintf("http://node-%d.local", i)
		node, err := witness.NewNode(witness.NodeConfig{
			Signer: keltest.Signer(t, byte(150+i)),
			URL:    url,
			KEL:    db,
			Store:  store,
			TEL:    tm,
		})
		require.NoError(t, err)
		nw.net.Register(url, node)
		nw.locs = append(nw.locs, node.Location())
	}
	return nw
}

type party struct {
	cfg identifier.Config
	id  *identifier.Identifier
}

func config(t *testing.T, nw *network, alias string, seed byte) identifier.Config {
	t.Helper()
	store, err := sqlite.OpenStore(t.TempDir(), alias)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	keys, err := signing.NewKeyPair(keltest.Signer(t, seed), keltest.Signer(t, seed+1))
	require.NoError(t, err)
	return identifier.Config{
		Alias:   alias,
		Keys:    keys,
		Store:   store,
		Network: nw.net,
		Receipts: witness.CollectorConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxTries:        5,
		},
	}
}

func incept(t *testing.T, nw *network, alias string, seed byte, witnesses []types.LocationScheme, bt int) *party {
	t.Helper()
	cfg := config(t, nw, alias, seed)
	id, err := identifier.Incept(context.Background(), cfg, identifier.InceptOptions{Witnesses: witnesses, WitnessThreshold: bt})
	require.NoError(t, err)
	return &party{cfg: cfg, id: id}
}

func witnessed(t *testing.T, id *identifier.Identifier) {
	t.Helper()
	ctx := context.Background()
	set, err := id.Witness(ctx)
	require.NoError(t, err)
	st, err := id.State(ctx)
	require.NoError(t, err)
	assert.True(t, set.Satisfied())
	assert.Equal(t, st.WitnessThreshold, set.Count())
}

func TestIncept_Validation(t *testing.T) {
	ctx := context.Background()
	nw := newNetwork(t, 1)
	cfg := config(t, nw, "alice", 1)

	bad := cfg
	bad.Keys = nil
	_, err := identifier.Incept(ctx, bad, identifier.InceptOptions{})
	assert.Error(t, err)

	_, err = identifier.Incept(ctx, cfg, identifier.InceptOptions{Witnesses: nw.locs, WitnessThreshold: 2})
	assert.ErrorIs(t, err, kel.ErrThresholdOutOfRange)

	_, err = identifier.Incept(ctx, cfg, identifier.InceptOptions{Witnesses: nw.locs, WitnessThreshold: 1})
	require.NoError(t, err)
	_, err = identifier.Incept(ctx, cfg, identifier.InceptOptions{})
	assert.ErrorIs(t, err, identifier.ErrAliasExists)

	nw.net.SetDown(nw.locs[0].URL, true)
	_, err = identifier.Incept(ctx, config(t, nw, "bob", 3), identifier.InceptOptions{Witnesses: nw.locs, WitnessThreshold: 1})
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

// The full issuer/holder flow: incept and witness both, incept a
// registry, name a messagebox, issue and forward a credential, pull it and
// check its state through a witness, then revoke.
func TestIdentifier_CredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	nw := newNetwork(t, 2)

	issuer := incept(t, nw, "issuer", 1, nw.locs, 2)
	witnessed(t, issuer.id)

	reg, err := issuer.id.InceptRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, reg, issuer.id.Registry())
	_, err = issuer.id.InceptRegistry(ctx)
	assert.ErrorIs(t, err, tel.ErrRegistryAlreadyExists)
	witnessed(t, issuer.id)

	holder := incept(t, nw, "holder", 3, nw.locs[:1], 1)
	witnessed(t, holder.id)
	_, err = holder.id.AddMessagebox(ctx, nw.locs[1])
	require.NoError(t, err)

	cred, err := issuer.id.NewCredential("schema", map[string]any{"number": "123456789"})
	require.NoError(t, err)
	_, err = issuer.id.Issue(ctx, cred)
	require.NoError(t, err)
	state, err := issuer.id.CredentialState(ctx, cred.Digest)
	require.NoError(t, err)
	assert.Equal(t, types.CredentialIssued, state)
	witnessed(t, issuer.id)
	report, err := issuer.id.PublishTEL(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	_, err = issuer.id.ResolveOOBI(ctx, types.LocationScheme{EID: holder.id.Prefix(), URL: nw.locs[1].URL}, types.RoleMessagebox)
	require.NoError(t, err)
	_, err = issuer.id.Forward(ctx, cred, holder.id.Prefix())
	require.NoError(t, err)

	creds, err := holder.id.Pull(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, cred.Digest, creds[0].Digest)
	creds, err = holder.id.Pull(ctx)
	require.NoError(t, err)
	assert.Empty(t, creds)

	state, err = holder.id.QueryTEL(ctx, issuer.id.Prefix(), reg, cred.Digest)
	require.NoError(t, err)
	assert.Equal(t, types.CredentialIssued, state)

	_, err = issuer.id.Revoke(ctx, cred.Digest)
	require.NoError(t, err)
	witnessed(t, issuer.id)
	report, err = issuer.id.PublishTEL(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	state, err = holder.id.QueryTEL(ctx, issuer.id.Prefix(), reg, cred.Digest)
	require.NoError(t, err)
	assert.Equal(t, types.CredentialRevoked, state)

	st, err := holder.id.QueryKEL(ctx, issuer.id.Prefix())
	require.NoError(t, err)
	issuerState, err := issuer.id.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, issuerState.Digest, st.Digest)
}

func TestIdentifier_InceptRegistryRetriesAfterFailedAnchor(t *testing.T) {
	nw := newNetwork(t, 1)
	p := incept(t, nw, "issuer", 1, nil, 0)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.id.InceptRegistry(cancelled)
	require.Error(t, err)
	assert.Empty(t, p.id.Registry())

	reg, err := p.id.InceptRegistry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reg, p.id.Registry())
}

func TestIdentifier_IssueRequiresRegistry(t *testing.T) {
	ctx := context.Background()
	nw := newNetwork(t, 1)
	p := incept(t, nw, "issuer", 1, nil, 0)

	_, err := p.id.NewCredential("schema", nil)
	assert.ErrorIs(t, err, identifier.ErrNoRegistry)
	_, err = p.id.TEL(ctx)
	assert.ErrorIs(t, err, identifier.ErrNoRegistry)

	_, err = p.id.InceptRegistry(ctx)
	require.NoError(t, err)
	foreign, err := types.NewCredential("did:key:zSomeoneElse", p.id.Registry(), "schema", nil)
	require.NoError(t, err)
	_, err = p.id.Issue(ctx, foreign)
	assert.ErrorIs(t, err, types.ErrMalformed)

	_, err = p.id.Revoke(ctx, "bagaaieranever")
	assert.Error(t, err)

	st, err := p.id.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Sn, "failed issuance anchors nothing")
}

func TestIdentifier_RotateAndReopen(t *testing.T) {
	ctx := context.Background()
	nw := newNetwork(t, 2)
	p := incept(t, nw, "alice", 1, nw.locs, 2)
	witnessed(t, p.id)
	_, err := p.id.InceptRegistry(ctx)
	require.NoError(t, err)

	oldKeys := p.id.Keys()
	one := 1
	st, err := p.id.Rotate(ctx, identifier.RotateOptions{
		WitnessCut:       []string{nw.locs[1].EID},
		WitnessThreshold: &one,
		NextKey:          keltest.Signer(t, 9),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Sn)
	assert.Equal(t, []string{oldKeys.NextPublicKey()}, st.Keys)
	assert.Equal(t, []string{nw.locs[0].EID}, st.Witnesses)
	assert.Equal(t, keltest.Signer(t, 9).PublicKey(), p.id.Keys().NextPublicKey())
	witnessed(t, p.id)

	// A second notification replays events signed by the rotated-out key.
	report, err := p.id.NotifyWitnesses(ctx)
	require.NoError(t, err)
	assert.NoError(t, report.Err())

	reopened := p.cfg
	reopened.Keys = p.id.Keys()
	again, err := identifier.Open(ctx, reopened)
	require.NoError(t, err)
	assert.Equal(t, p.id.Prefix(), again.Prefix())
	assert.Equal(t, p.id.Registry(), again.Registry())

	stale := p.cfg
	stale.Keys = oldKeys
	_, err = identifier.Open(ctx, stale)
	assert.ErrorIs(t, err, identifier.ErrKeyMismatch)
}

func TestIdentifier_RotateRejectsBadWitnessConfig(t *testing.T) {
	ctx := context.Background()
	nw := newNetwork(t, 1)
	p := incept(t, nw, "alice", 1, nw.locs, 1)
	before, err := p.id.State(ctx)
	require.NoError(t, err)
	keys := p.id.Keys()

	_, err = p.id.Rotate(ctx, identifier.RotateOptions{WitnessCut: []string{nw.locs[0].EID}})
	assert.ErrorIs(t, err, kel.ErrThresholdOutOfRange)

	after, err := p.id.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Same(t, keys, p.id.Keys())
}

func TestIdentifier_Artifacts(t *testing.T) {
	ctx := context.Background()
	nw := newNetwork(t, 2)
	p := incept(t, nw, "alice", 1, nw.locs[:1], 1)
	_, err := p.id.InceptRegistry(ctx)
	require.NoError(t, err)
	_, err = p.id.AddMessagebox(ctx, nw.locs[1])
	require.NoError(t, err)

	arts, err := p.id.Artifacts(ctx)
	require.NoError(t, err)
	names := make([]string, len(arts))
	for i, a := range arts {
		names[i] = a.Name
		assert.NotEmpty(t, a.Data, a.Name)
	}
	assert.Equal(t, []string{
		"kel", "tel",
		"oobi/witness-0.json", "oobi/witness-0-role.json",
		"oobi/messagebox-0-reply.json",
	}, names)
}

func TestIdentifier_ExportImport(t *testing.T) {
	ctx := context.Background()
	nw := newNetwork(t, 1)
	alice := incept(t, nw, "alice", 1, nw.locs, 1)
	_, err := alice.id.InceptRegistry(ctx)
	require.NoError(t, err)

	data, root, err := alice.id.Export(ctx)
	require.NoError(t, err)
	assert.True(t, root.Defined())
	again, root2, err := alice.id.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, root2)
	assert.Equal(t, data, again)

	files, err := archive.Extract(ctx, data)
	require.NoError(t, err)
	var kelData []byte
	for _, f := range files {
		if f.Name == "kel" {
			kelData = f.Data
		}
	}
	require.NotEmpty(t, kelData)

	bob := incept(t, nw, "bob", 3, nil, 0)
	st, err := bob.id.ImportKEL(ctx, kelData)
	require.NoError(t, err)
	want, err := alice.id.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, st)

	st, err = bob.id.ImportKEL(ctx, kelData)
	require.NoError(t, err, "importing twice is a no-op")
	assert.Equal(t, want.Sn, st.Sn)

	_, err = bob.id.ImportKEL(ctx, nil)
	assert.ErrorIs(t, err, types.ErrMalformed)
}
