package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned when a key file does not decode to an ed25519 key.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is the signing identity of a pollci instance.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Save writes both keys as hex files, creating parent directories.
func (k KeyPair) Save(pubPath, privPath string) error {
	for _, path := range []string{pubPath, privPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(k.Public)), 0600); err != nil {
		return err
	}
	return os.WriteFile(privPath, []byte(hex.EncodeToString(k.Private)), 0600)
}

// LoadKeyPair reads a key pair written by Save.
func LoadKeyPair(pubPath, privPath string) (KeyPair, error) {
	pub, err := readHexKey(pubPath, ed25519.PublicKeySize)
	if err != nil {
		return KeyPair{}, fmt.Errorf("public key: %w", err)
	}
	priv, err := readHexKey(privPath, ed25519.PrivateKeySize)
	if err != nil {
		return KeyPair{}, fmt.Errorf("private key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// LoadPublicKey reads only the public half, for verifying without signing
// rights. The returned KeyPair cannot Sign.
func LoadPublicKey(pubPath string) (KeyPair, error) {
	pub, err := readHexKey(pubPath, ed25519.PublicKeySize)
	if err != nil {
		return KeyPair{}, fmt.Errorf("public key: %w", err)
	}
	return KeyPair{Public: pub}, nil
}

// EnsureKeyPair loads the key pair at the given paths or generates and saves
// a new one when the public key file is missing. created reports which
// happened.
func EnsureKeyPair(pubPath, privPath string) (k KeyPair, created bool, err error) {
	if _, statErr := os.Stat(pubPath); errors.Is(statErr, os.ErrNotExist) {
		k, err = GenerateKeyPair()
		if err != nil {
			return KeyPair{}, false, err
		}
		if err := k.Save(pubPath, privPath); err != nil {
			return KeyPair{}, false, err
		}
		return k, true, nil
	}
	k, err = LoadKeyPair(pubPath, privPath)
	return k, false, err
}

func readHexKey(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrInvalidKey, len(key), size)
	}
	return key, nil
}

// Sign signs data and returns the hex signature.
func (k KeyPair) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.Private, data))
}

// PublicHex returns the hex form of the public key.
func (k KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// VerifyHex verifies a hex signature of data against a hex public key.
func VerifyHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
