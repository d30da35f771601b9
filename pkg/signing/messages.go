package signing

import (
	"fmt"

	"github.com/relves/kerilog/pkg/types"
)

// Identity signs as one did:key.
type Identity interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() string
}

func sign(id Identity, data []byte) (string, string, error) {
	sig, err := id.Sign(data)
	if err != nil {
		return "", "", fmt.Errorf("sign: %w", err)
	}
	return id.PublicKey(), types.EncodeSignature(sig), nil
}

func verify(signer, signature string, data []byte, err error) error {
	if err != nil {
		return err
	}
	sig, err := types.DecodeSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return Verify(signer, data, sig)
}

// SignQuery signs q as id.
func SignQuery(id Identity, q types.Query) (types.SignedQuery, error) {
	data, err := q.Bytes()
	if err != nil {
		return types.SignedQuery{}, err
	}
	signer, sig, err := sign(id, data)
	if err != nil {
		return types.SignedQuery{}, err
	}
	return types.SignedQuery{Query: q, Signer: signer, Signature: sig}, nil
}

// VerifyQuery checks the signature on sq. It does not check that the
// signer controls the requesting identifier.
func VerifyQuery(sq types.SignedQuery) error {
	data, err := sq.Query.Bytes()
	return verify(sq.Signer, sq.Signature, data, err)
}

// SignReply signs r as id.
func SignReply(id Identity, r types.Reply) (types.SignedReply, error) {
	data, err := r.Bytes()
	if err != nil {
		return types.SignedReply{}, err
	}
	signer, sig, err := sign(id, data)
	if err != nil {
		return types.SignedReply{}, err
	}
	return types.SignedReply{Reply: r, Signer: signer, Signature: sig}, nil
}

// VerifyReply checks the signature on sr.
func VerifyReply(sr types.SignedReply) error {
	data, err := sr.Reply.Bytes()
	return verify(sr.Signer, sr.Signature, data, err)
}

// SignExchange signs e as id.
func SignExchange(id Identity, e types.Exchange) (types.SignedExchange, error) {
	data, err := e.Bytes()
	if err != nil {
		return types.SignedExchange{}, err
	}
	signer, sig, err := sign(id, data)
	if err != nil {
		return types.SignedExchange{}, err
	}
	return types.SignedExchange{Exchange: e, Signer: signer, Signature: sig}, nil
}

// VerifyExchange checks the signature on se.
func VerifyExchange(se types.SignedExchange) error {
	data, err := se.Exchange.Bytes()
	return verify(se.Signer, se.Signature, data, err)
}
