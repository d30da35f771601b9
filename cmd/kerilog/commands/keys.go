package commands

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relves/kerilog/pkg/signing"
)

// keyFile holds the current and next signing seeds of one identifier.
type keyFile struct {
	Current string `json:"current"`
	Next    string `json:"next"`
}

func generateKeys() (*signing.KeyPair, error) {
	current, err := signing.GenerateSeed()
	if err != nil {
		return nil, err
	}
	next, err := signing.GenerateSeed()
	if err != nil {
		return nil, err
	}
	return signing.KeyPairFromSeeds(current, next)
}

// saveKeys replaces the key file at path.
func saveKeys(path string, kp *signing.KeyPair) error {
	tmp := path + ".tmp"
	if err := writeKeys(tmp, kp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// pendingKeyPath holds the keys a rotation moves to until the rotation is
// in the log.
func pendingKeyPath(path string) string {
	return path + ".next"
}

func writeKeys(path string, kp *signing.KeyPair) error {
	data, err := json.Marshal(keyFile{
		Current: base64.StdEncoding.EncodeToString(kp.Current().Seed()),
		Next:    base64.StdEncoding.EncodeToString(kp.Next().Seed()),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write keys: %w", err)
	}
	return nil
}

func loadKeys(path string) (*signing.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode keys %s: %w", path, err)
	}
	current, err := decodeSeed(kf.Current)
	if err != nil {
		return nil, fmt.Errorf("decode current seed: %w", err)
	}
	next, err := decodeSeed(kf.Next)
	if err != nil {
		return nil, fmt.Errorf("decode next seed: %w", err)
	}
	return signing.KeyPairFromSeeds(current, next)
}

func decodeSeed(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// loadOrCreateSeed returns the signer stored at path, creating it on first
// use.
func loadOrCreateSeed(path string) (*signing.Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := decodeSeed(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode seed %s: %w", path, err)
		}
		return signing.FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read seed: %w", err)
	}

	seed, err := signing.GenerateSeed()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("write seed: %w", err)
	}
	return signing.FromSeed(seed)
}
