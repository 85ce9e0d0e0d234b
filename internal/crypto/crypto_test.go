package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) Config {
	t.Helper()
	k1 := make([]byte, 32)
	k2 := make([]byte, 32)
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(255 - i)
	}
	return Config{
		Keys: map[string]string{
			"v1": base64.StdEncoding.EncodeToString(k1),
			"v2": base64.StdEncoding.EncodeToString(k2),
		},
		CurrentVersion: "v2",
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	g, err := NewAESGateway(testKeys(t))
	require.NoError(t, err)

	ciphertext, version, err := g.Encrypt("team-a", "sensitive chunk text")
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
	assert.NotEqual(t, "sensitive chunk text", ciphertext)

	plaintext, err := g.Decrypt("team-a", version, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sensitive chunk text", plaintext)
}

func TestDecryptWrongTeamFails(t *testing.T) {
	g, err := NewAESGateway(testKeys(t))
	require.NoError(t, err)

	ciphertext, version, err := g.Encrypt("team-a", "sensitive chunk text")
	require.NoError(t, err)

	_, err = g.Decrypt("team-b", version, ciphertext)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestDecryptEmptyVersionUsesLegacy(t *testing.T) {
	cfg := testKeys(t)
	cfg.CurrentVersion = "v1"
	g, err := NewAESGateway(cfg)
	require.NoError(t, err)

	ciphertext, _, err := g.Encrypt("team-a", "old record")
	require.NoError(t, err)

	plaintext, err := g.Decrypt("team-a", "", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "old record", plaintext)
}

func TestDecryptUnknownVersion(t *testing.T) {
	g, err := NewAESGateway(testKeys(t))
	require.NoError(t, err)

	_, err = g.Decrypt("team-a", "v9", "AAAA")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestDecryptGarbage(t *testing.T) {
	g, err := NewAESGateway(testKeys(t))
	require.NoError(t, err)

	_, err = g.Decrypt("team-a", "v2", "not base64!!")
	require.Error(t, err)

	_, err = g.Decrypt("team-a", "v2", base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestNewAESGatewayValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no keys", Config{CurrentVersion: "v1"}},
		{"bad base64", Config{Keys: map[string]string{"v1": "!!"}, CurrentVersion: "v1"}},
		{"wrong length", Config{Keys: map[string]string{"v1": base64.StdEncoding.EncodeToString([]byte("short"))}, CurrentVersion: "v1"}},
		{"missing current", Config{Keys: testKeys(t).Keys, CurrentVersion: "v7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESGateway(tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCrypto)
		})
	}
}
