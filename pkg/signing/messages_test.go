package signing_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/types"
)

func TestSignedMessages(t *testing.T) {
	alice, err := signing.FromSeed(seed(1))
	require.NoError(t, err)
	bob, err := signing.FromSeed(seed(2))
	require.NoError(t, err)

	t.Run("query", func(t *testing.T) {
		sq, err := signing.SignQuery(alice, types.Query{ID: "q1", Route: types.QueryMailbox, Prefix: "p", Cursor: 3})
		require.NoError(t, err)
		assert.Equal(t, alice.PublicKey(), sq.Signer)
		require.NoError(t, signing.VerifyQuery(sq))

		moved := sq
		moved.Query.Cursor = 0
		assert.ErrorIs(t, signing.VerifyQuery(moved), signing.ErrInvalidSignature)

		claimed := sq
		claimed.Signer = bob.PublicKey()
		assert.ErrorIs(t, signing.VerifyQuery(claimed), signing.ErrInvalidSignature)
	})

	t.Run("reply", func(t *testing.T) {
		sr, err := signing.SignReply(alice, types.Reply{
			Route:   types.RouteEndRoleAdd,
			EndRole: types.EndRole{EID: "w", CID: "p", Role: types.RoleWitness},
		})
		require.NoError(t, err)
		require.NoError(t, signing.VerifyReply(sr))

		sr.Reply.EndRole.Role = types.RoleMessagebox
		assert.ErrorIs(t, signing.VerifyReply(sr), signing.ErrInvalidSignature)
	})

	t.Run("exchange survives transport", func(t *testing.T) {
		se, err := signing.SignExchange(bob, types.Exchange{
			ID: "x1", Route: types.RouteForward, Sender: "b", Recipient: "a",
			Payload: json.RawMessage(`{"d":"cred"}`),
		})
		require.NoError(t, err)

		data, err := json.Marshal(se)
		require.NoError(t, err)
		var got types.SignedExchange
		require.NoError(t, json.Unmarshal(data, &got))
		require.NoError(t, signing.VerifyExchange(got))

		got.Exchange.Payload = json.RawMessage(`{"d":"other"}`)
		assert.ErrorIs(t, signing.VerifyExchange(got), signing.ErrInvalidSignature)
	})

	t.Run("undecodable signature", func(t *testing.T) {
		sq, err := signing.SignQuery(alice, types.Query{ID: "q2"})
		require.NoError(t, err)
		sq.Signature = "***"
		assert.ErrorIs(t, signing.VerifyQuery(sq), signing.ErrInvalidSignature)
	})
}
