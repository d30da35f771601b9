package tel_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/internal/storage/sqlite"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/kel/keltest"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/tel"
	"github.com/relves/kerilog/pkg/types"
)

type issuer struct {
	db     *kel.Database
	prefix string
	signer *signing.Ed25519Signer
}

func one(s *signing.Ed25519Signer) []*signing.Ed25519Signer {
	return []*signing.Ed25519Signer{s}
}

// newIssuer incepts an identifier and rotates it once, leaving the tip at sn 1.
func newIssuer(t *testing.T, db *kel.Database) *issuer {
	t.Helper()
	ctx := context.Background()
	k1, k2, k3 := keltest.Signer(t, 1), keltest.Signer(t, 2), keltest.Signer(t, 3)

	icp := keltest.Inception(t, one(k1), one(k2), nil, 0)
	_, err := db.Append(ctx, icp)
	require.NoError(t, err)
	st, err := db.State(ctx, icp.Event.Prefix)
	require.NoError(t, err)
	_, err = db.Append(ctx, keltest.Rotation(t, st, one(k2), one(k3)))
	require.NoError(t, err)
	return &issuer{db: db, prefix: icp.Event.Prefix, signer: k2}
}

// interact anchors seals in a new interaction event and returns its sn.
func (i *issuer) interact(t *testing.T, seals ...types.Seal) uint64 {
	t.Helper()
	ctx := context.Background()
	st, err := i.db.State(ctx, i.prefix)
	require.NoError(t, err)
	ixn := keltest.Interaction(t, st, one(i.signer), seals...)
	_, err = i.db.Append(ctx, ixn)
	require.NoError(t, err)
	return ixn.Event.Sn
}

func newManager(t *testing.T, db *kel.Database) *tel.Manager {
	t.Helper()
	m, err := tel.New(tel.Config{
		KEL: db,
		Now: func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return m
}

func TestNew_RequiresKEL(t *testing.T) {
	_, err := tel.New(tel.Config{})
	assert.Error(t, err)
}

// Registry anchored at sn 2, credential X issued and anchored at sn 3.
func TestManager_IssuanceScenario(t *testing.T) {
	ctx := context.Background()
	db := kel.NewDatabase(kel.Config{})
	iss := newIssuer(t, db)
	m := newManager(t, db)

	vcp, err := m.InceptRegistry(ctx, iss.prefix)
	require.NoError(t, err)
	assert.Equal(t, vcp.Digest, vcp.Prefix)

	sn := iss.interact(t, vcp.Seal())
	require.Equal(t, uint64(2), sn)
	_, err = m.Anchor(ctx, vcp, sn)
	require.NoError(t, err)

	regID, ok := m.Registry(iss.prefix)
	require.True(t, ok)
	assert.Equal(t, vcp.Prefix, regID)

	cred, err := types.NewCredential(iss.prefix, regID, "schema", map[string]any{"name": "alice"})
	require.NoError(t, err)
	x := cred.Digest

	issEv, err := m.Issue(ctx, regID, x)
	require.NoError(t, err)

	// Not valid until anchored.
	_, err = m.Anchor(ctx, issEv, 2)
	assert.ErrorIs(t, err, tel.ErrMissingAnchor)
	state, err := m.CredentialState(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, types.CredentialUnknown, state)

	sn = iss.interact(t, issEv.Seal())
	require.Equal(t, uint64(3), sn)
	anchored, err := m.Anchor(ctx, issEv, sn)
	require.NoError(t, err)
	assert.Equal(t, iss.prefix, anchored.Anchor.Prefix)
	assert.Equal(t, uint64(3), anchored.Anchor.Sn)

	for i := 0; i < 3; i++ {
		state, err = m.CredentialState(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, types.CredentialIssued, state)
	}

	state, err = m.CredentialState(ctx, "bagaaierasomethingelse")
	require.NoError(t, err)
	assert.Equal(t, types.CredentialUnknown, state)
}

func TestManager_RegistryErrors(t *testing.T) {
	ctx := context.Background()
	db := kel.NewDatabase(kel.Config{})
	iss := newIssuer(t, db)
	m := newManager(t, db)

	_, err := m.Issue(ctx, "bagaaieranoregistry", "x")
	assert.ErrorIs(t, err, tel.ErrUnknownRegistry)

	vcp, err := m.InceptRegistry(ctx, iss.prefix)
	require.NoError(t, err)

	_, err = m.InceptRegistry(ctx, iss.prefix)
	assert.ErrorIs(t, err, tel.ErrRegistryAlreadyExists, "pending registry counts")

	// Issuing against a registry that is not anchored yet.
	_, err = m.Issue(ctx, vcp.Prefix, "x")
	assert.ErrorIs(t, err, tel.ErrUnknownRegistry)

	_, err = m.Anchor(ctx, vcp, 1)
	assert.ErrorIs(t, err, tel.ErrMissingAnchor)

	_, err = m.Anchor(ctx, vcp, iss.interact(t, vcp.Seal()))
	require.NoError(t, err)

	_, err = m.InceptRegistry(ctx, iss.prefix)
	assert.ErrorIs(t, err, tel.ErrRegistryAlreadyExists)
	assert.True(t, tel.IsAnchoringError(err))

	tampered := *vcp
	tampered.Nonce = "other"
	_, err = m.Anchor(ctx, &tampered, 2)
	assert.ErrorIs(t, err, types.ErrMalformed)
}

func TestManager_AbandonPendingInception(t *testing.T) {
	ctx := context.Background()
	db := kel.NewDatabase(kel.Config{})
	iss := newIssuer(t, db)
	m := newManager(t, db)

	first, err := m.InceptRegistry(ctx, iss.prefix)
	require.NoError(t, err)
	assert.False(t, m.Abandon(iss.prefix, "bagaaieraother"))
	assert.True(t, m.Abandon(iss.prefix, first.Prefix))

	second, err := m.InceptRegistry(ctx, iss.prefix)
	require.NoError(t, err)
	assert.NotEqual(t, first.Prefix, second.Prefix)
	_, err = m.Anchor(ctx, second, iss.interact(t, second.Seal()))
	require.NoError(t, err)

	// Anchored registries stay bound.
	assert.False(t, m.Abandon(iss.prefix, second.Prefix))
	reg, ok := m.Registry(iss.prefix)
	require.True(t, ok)
	assert.Equal(t, second.Prefix, reg)
}

func TestManager_AnchorRequiresOwnersLog(t *testing.T) {
	ctx := context.Background()
	db := kel.NewDatabase(kel.Config{})
	owner := newIssuer(t, db)
	m := newManager(t, db)

	vcp, err := m.InceptRegistry(ctx, owner.prefix)
	require.NoError(t, err)
	_, err = m.Anchor(ctx, vcp, owner.interact(t, vcp.Seal()))
	require.NoError(t, err)

	// A seal in some other identifier's log does not anchor the issuance.
	k9, k8 := keltest.Signer(t, 9), keltest.Signer(t, 8)
	icp := keltest.Inception(t, one(k9), one(k8), nil, 0)
	_, err = db.Append(ctx, icp)
	require.NoError(t, err)
	other := &issuer{db: db, prefix: icp.Event.Prefix, signer: k9}

	issEv, err := m.Issue(ctx, vcp.Prefix, "bagaaieracred")
	require.NoError(t, err)
	sn := other.interact(t, issEv.Seal())
	_, err = m.Anchor(ctx, issEv, sn)
	assert.ErrorIs(t, err, tel.ErrMissingAnchor)
}

func TestManager_Revoke(t *testing.T) {
	ctx := context.Background()
	db := kel.NewDatabase(kel.Config{})
	iss := newIssuer(t, db)
	m := newManager(t, db)

	vcp, err := m.InceptRegistry(ctx, iss.prefix)
	require.NoError(t, err)
	_, err = m.Anchor(ctx, vcp, iss.interact(t, vcp.Seal()))
	require.NoError(t, err)

	_, err = m.Revoke(ctx, vcp.Prefix, "bagaaieracred")
	assert.ErrorIs(t, err, tel.ErrInvalidTransition)

	issEv, err := m.Issue(ctx, vcp.Prefix, "bagaaieracred")
	require.NoError(t, err)
	_, err = m.Anchor(ctx, issEv, iss.interact(t, issEv.Seal()))
	require.NoError(t, err)

	_, err = m.Issue(ctx, vcp.Prefix, "bagaaieracred")
	assert.ErrorIs(t, err, tel.ErrInvalidTransition)

	rev, err := m.Revoke(ctx, vcp.Prefix, "bagaaieracred")
	require.NoError(t, err)
	assert.Equal(t, issEv.Digest, rev.Prior)
	_, err = m.Anchor(ctx, rev, iss.interact(t, rev.Seal()))
	require.NoError(t, err)

	state, err := m.CredentialState(ctx, "bagaaieracred")
	require.NoError(t, err)
	assert.Equal(t, types.CredentialRevoked, state)

	events, err := m.Events(ctx, vcp.Prefix)
	require.NoError(t, err)
	require.Len(t, events, 3)

	data, err := m.Serialize(ctx, vcp.Prefix)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"t":"rev"`)
}

func TestManager_IngestAndLoad(t *testing.T) {
	ctx := context.Background()
	db := kel.NewDatabase(kel.Config{})
	iss := newIssuer(t, db)
	m := newManager(t, db)

	vcp, err := m.InceptRegistry(ctx, iss.prefix)
	require.NoError(t, err)
	_, err = m.Anchor(ctx, vcp, iss.interact(t, vcp.Seal()))
	require.NoError(t, err)
	issEv, err := m.Issue(ctx, vcp.Prefix, "bagaaieracred")
	require.NoError(t, err)
	_, err = m.Anchor(ctx, issEv, iss.interact(t, issEv.Seal()))
	require.NoError(t, err)
	events, err := m.Events(ctx, vcp.Prefix)
	require.NoError(t, err)

	// A verifier holding the same key event log replays the registry.
	tmpDir, err := os.MkdirTemp("", "tel-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)
	store, err := sqlite.OpenStore(tmpDir, "verifier")
	require.NoError(t, err)
	defer store.Close()

	verifier, err := tel.New(tel.Config{KEL: db, Store: store})
	require.NoError(t, err)
	require.NoError(t, verifier.Ingest(ctx, events))
	require.NoError(t, verifier.Ingest(ctx, events), "replaying held events is a no-op")

	state, err := verifier.CredentialState(ctx, "bagaaieracred")
	require.NoError(t, err)
	assert.Equal(t, types.CredentialIssued, state)

	forged := events[1]
	forged.Anchor.Digest = events[0].Anchor.Digest
	fresh, err := tel.New(tel.Config{KEL: db})
	require.NoError(t, err)
	require.NoError(t, fresh.Ingest(ctx, events[:1]))
	assert.ErrorIs(t, fresh.Ingest(ctx, []types.AnchoredTelEvent{forged}), tel.ErrMissingAnchor)

	reloaded, err := tel.New(tel.Config{KEL: db, Store: store})
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))
	id, ok := reloaded.Registry(iss.prefix)
	require.True(t, ok)
	assert.Equal(t, vcp.Prefix, id)
	state, err = reloaded.CredentialState(ctx, "bagaaieracred")
	require.NoError(t, err)
	assert.Equal(t, types.CredentialIssued, state)
}
