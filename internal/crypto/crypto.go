// Package crypto encrypts chunk text before it is written to the vector
// store. Each team gets its own data key, derived from a versioned master
// key, so rotating the master key never requires re-deriving per-team
// state and ciphertexts from one team are useless to another.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// LegacyKeyVersion is assumed for ciphertexts stored before key
	// versions were recorded alongside them.
	LegacyKeyVersion = "v1"

	gcmNonceSize = 12
	masterKeyLen = 32
)

// ErrCrypto indicates an encryption or decryption failure.
var ErrCrypto = errors.New("crypto error")

// Gateway encrypts and decrypts per-team text payloads.
type Gateway interface {
	// Encrypt encrypts plaintext for the given team using the current
	// master key, returning the ciphertext and the key version used.
	Encrypt(teamID, plaintext string) (ciphertext, keyVersion string, err error)

	// Decrypt decrypts ciphertext produced for the given team under the
	// named key version. An empty keyVersion means LegacyKeyVersion.
	Decrypt(teamID, keyVersion, ciphertext string) (string, error)

	// CurrentKeyVersion returns the version used for new ciphertexts.
	CurrentKeyVersion() string
}

// AESGateway implements Gateway with AES-256-GCM. Team keys are derived
// as HMAC-SHA256(masterKey, teamID). The wire format is
// base64(nonce || ciphertext || tag).
type AESGateway struct {
	keys    map[string][]byte
	current string
}

// Config holds the key material for NewAESGateway.
type Config struct {
	// Keys maps key version to a base64-encoded 32-byte master key.
	Keys map[string]string

	// CurrentVersion selects the key used for new ciphertexts. It must
	// be present in Keys.
	CurrentVersion string
}

// NewAESGateway validates and decodes the configured master keys.
func NewAESGateway(cfg Config) (*AESGateway, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("%w: no master keys configured", ErrCrypto)
	}

	keys := make(map[string][]byte, len(cfg.Keys))
	for version, encoded := range cfg.Keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: master key %s is not valid base64: %v", ErrCrypto, version, err)
		}
		if len(raw) != masterKeyLen {
			return nil, fmt.Errorf("%w: master key %s must be %d bytes, got %d", ErrCrypto, version, masterKeyLen, len(raw))
		}
		keys[version] = raw
	}

	if _, ok := keys[cfg.CurrentVersion]; !ok {
		return nil, fmt.Errorf("%w: current key version %q not in key set", ErrCrypto, cfg.CurrentVersion)
	}

	return &AESGateway{keys: keys, current: cfg.CurrentVersion}, nil
}

// CurrentKeyVersion returns the version used for new ciphertexts.
func (g *AESGateway) CurrentKeyVersion() string {
	return g.current
}

// Encrypt encrypts plaintext for teamID under the current master key.
func (g *AESGateway) Encrypt(teamID, plaintext string) (string, string, error) {
	if teamID == "" {
		return "", "", fmt.Errorf("%w: team id required", ErrCrypto)
	}

	aead, err := g.aead(teamID, g.current)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("%w: nonce generation failed: %v", ErrCrypto, err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), g.current, nil
}

// Decrypt decrypts ciphertext for teamID under the named key version.
func (g *AESGateway) Decrypt(teamID, keyVersion, ciphertext string) (string, error) {
	if keyVersion == "" {
		keyVersion = LegacyKeyVersion
	}

	aead, err := g.aead(teamID, keyVersion)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not valid base64: %v", ErrCrypto, err)
	}
	if len(raw) < gcmNonceSize {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", ErrCrypto)
	}

	nonce, sealed := raw[:gcmNonceSize], raw[gcmNonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrCrypto, err)
	}
	return string(plaintext), nil
}

// aead builds the AES-GCM cipher for a team under a key version.
func (g *AESGateway) aead(teamID, keyVersion string) (cipher.AEAD, error) {
	master, ok := g.keys[keyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key version %q", ErrCrypto, keyVersion)
	}

	mac := hmac.New(sha256.New, master)
	mac.Write([]byte(teamID))
	teamKey := mac.Sum(nil)

	block, err := aes.NewCipher(teamKey)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init failed: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm init failed: %v", ErrCrypto, err)
	}
	return aead, nil
}
