// Package signing holds Ed25519 key material for controllers and witnesses
// and converts between public keys and did:key identities.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"
)

var (
	// ErrInvalidKey is returned for keys that are not Ed25519 did:key identities.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

const didKeyPrefix = "did:key:"

// ed25519-pub multicodec, varint encoded.
var ed25519PubCodec = []byte{0xed, 0x01}

// Ed25519Signer signs with a single Ed25519 private key.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	did        string
}

// NewEd25519Signer creates a signer from a 64-byte private key.
func NewEd25519Signer(privateKey ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	s, err := signer.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("create principal: %w", err)
	}
	return &Ed25519Signer{privateKey: privateKey, did: s.DID().String()}, nil
}

// FromSeed derives a signer from a 32-byte seed.
func FromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

// GenerateSeed returns a fresh random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Sign creates an Ed25519 signature over data.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, data), nil
}

// PublicKey returns the did:key identity of the signing key.
func (s *Ed25519Signer) PublicKey() string {
	return s.did
}

// Seed returns the seed the key was derived from.
func (s *Ed25519Signer) Seed() []byte {
	return s.privateKey.Seed()
}

// KeyPair is a controller's current signing key together with the
// pre-committed next key.
type KeyPair struct {
	current *Ed25519Signer
	next    *Ed25519Signer
}

// NewKeyPair pairs a current signer with the next one.
func NewKeyPair(current, next *Ed25519Signer) (*KeyPair, error) {
	if current == nil || next == nil {
		return nil, errors.New("current and next signers are required")
	}
	return &KeyPair{current: current, next: next}, nil
}

// KeyPairFromSeeds derives both keys from seeds.
func KeyPairFromSeeds(currentSeed, nextSeed []byte) (*KeyPair, error) {
	cur, err := FromSeed(currentSeed)
	if err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}
	next, err := FromSeed(nextSeed)
	if err != nil {
		return nil, fmt.Errorf("next key: %w", err)
	}
	return NewKeyPair(cur, next)
}

// Sign signs with the current key.
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	return k.current.Sign(data)
}

// PublicKey returns the current key identity.
func (k *KeyPair) PublicKey() string {
	return k.current.PublicKey()
}

// NextPublicKey returns the pre-committed next key identity.
func (k *KeyPair) NextPublicKey() string {
	return k.next.PublicKey()
}

// Rotate promotes the next key to current and installs newNext as the next
// key. The receiver is left unchanged.
func (k *KeyPair) Rotate(newNext *Ed25519Signer) (*KeyPair, error) {
	return NewKeyPair(k.next, newNext)
}

// Current returns the current signer.
func (k *KeyPair) Current() *Ed25519Signer { return k.current }

// Next returns the next signer.
func (k *KeyPair) Next() *Ed25519Signer { return k.next }

// DIDFromPublicKey renders an Ed25519 public key as a did:key.
func DIDFromPublicKey(pub ed25519.PublicKey) (string, error) {
	v, err := verifier.FromRaw(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return v.DID().String(), nil
}

// PublicKeyFromDID parses a did:key into an Ed25519 public key.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("%w: %q is not a did:key", ErrInvalidKey, did)
	}
	_, data, err := multibase.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(data) != len(ed25519PubCodec)+ed25519.PublicKeySize ||
		data[0] != ed25519PubCodec[0] || data[1] != ed25519PubCodec[1] {
		return nil, fmt.Errorf("%w: %q is not an ed25519 key", ErrInvalidKey, did)
	}
	return ed25519.PublicKey(data[len(ed25519PubCodec):]), nil
}

// Verify checks sig over msg against the did:key identity.
func Verify(did string, msg, sig []byte) error {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("%w: by %s", ErrInvalidSignature, did)
	}
	return nil
}
