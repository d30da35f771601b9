package said_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/internal/said"
)

func TestCompute_Deterministic(t *testing.T) {
	a, err := said.Compute([]byte(`{"t":"icp"}`))
	require.NoError(t, err)
	b, err := said.Compute([]byte(`{"t":"icp"}`))
	require.NoError(t, err)
	c, err := said.Compute([]byte(`{"t":"rot"}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, len(a) > 0 && a[0] == 'b', "expected base32 CIDv1, got %s", a)
}

func TestVerify(t *testing.T) {
	data := []byte(`{"hello":"world"}`)
	id, err := said.Compute(data)
	require.NoError(t, err)

	assert.NoError(t, said.Verify(id, data))
	assert.ErrorIs(t, said.Verify(id, []byte(`{"hello":"there"}`)), said.ErrMismatch)
	assert.ErrorIs(t, said.Verify("not-a-cid", data), said.ErrMalformed)
}

func TestParse_RejectsEmptyAndGarbage(t *testing.T) {
	_, err := said.Parse("")
	assert.ErrorIs(t, err, said.ErrMalformed)

	_, err = said.Parse("zzzz")
	assert.ErrorIs(t, err, said.ErrMalformed)
}

func TestComputeCanonical_IgnoresKeyOrder(t *testing.T) {
	a, canonA, err := said.ComputeCanonical([]byte(`{"b":1,"a":{"y":"2","x":"1"}}`))
	require.NoError(t, err)
	b, canonB, err := said.ComputeCanonical([]byte(`{"a":{"x":"1","y":"2"},"b":1}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, canonA, canonB)
	assert.NoError(t, said.Verify(a, canonA))
}

func TestComputeCanonical_Malformed(t *testing.T) {
	_, _, err := said.ComputeCanonical([]byte(`{"a":`))
	assert.ErrorIs(t, err, said.ErrMalformed)
}

func TestCommitment(t *testing.T) {
	k1 := []string{"did:key:z6MkA"}
	k2 := []string{"did:key:z6MkB"}

	c1, err := said.Commitment(k1, 1)
	require.NoError(t, err)
	again, err := said.Commitment(k1, 1)
	require.NoError(t, err)
	c2, err := said.Commitment(k2, 1)
	require.NoError(t, err)
	c3, err := said.Commitment(k1, 2)
	require.NoError(t, err)

	assert.Equal(t, c1, again)
	assert.NotEqual(t, c1, c2)
	assert.NotEqual(t, c1, c3, "threshold is part of the commitment")

	_, err = said.Commitment(nil, 1)
	assert.ErrorIs(t, err, said.ErrMalformed)
}

func TestEqual(t *testing.T) {
	id, err := said.Compute([]byte("x"))
	require.NoError(t, err)
	assert.True(t, said.Equal(id, id))
	assert.False(t, said.Equal(id, "garbage"))
}
