package crypto

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignParamsAtDeterministic(t *testing.T) {
	s := NewRequestSigner("api-key", "topsecret")

	p1 := url.Values{"symbol": {"BTCUSDT"}, "side": {"BUY"}, "quantity": {"0.010"}}
	p2 := url.Values{"quantity": {"0.010"}, "side": {"BUY"}, "symbol": {"BTCUSDT"}}

	q1 := s.SignParamsAt(p1, 5000, 1700000000000)
	q2 := s.SignParamsAt(p2, 5000, 1700000000000)

	assert.Equal(t, q1, q2)
	assert.True(t, strings.HasPrefix(q1, "quantity=0.010&recvWindow=5000&side=BUY&symbol=BTCUSDT&timestamp=1700000000000&signature="))
	assert.True(t, s.Verify(q1))
}

func TestVerifyDetectsTamper(t *testing.T) {
	s := NewRequestSigner("k", "secret")
	q := s.SignParamsAt(url.Values{"symbol": {"ETHUSDT"}, "quantity": {"1"}}, 0, 42)

	assert.True(t, s.Verify(q))
	assert.False(t, s.Verify(strings.Replace(q, "quantity=1", "quantity=9", 1)))
	assert.False(t, s.Verify(strings.Replace(q, "timestamp=42", "timestamp=43", 1)))
	assert.False(t, NewRequestSigner("k", "other").Verify(q))
	assert.False(t, s.Verify("symbol=ETHUSDT"))
}

func TestSignerStringRedacts(t *testing.T) {
	s := NewRequestSigner("abcdefgh", "supersecretvalue")
	out := s.String()
	assert.NotContains(t, out, "supersecretvalue")
	assert.NotContains(t, out, "abcdefgh")
	assert.Contains(t, out, "abcd****")
}

func TestWipe(t *testing.T) {
	s := NewRequestSigner("k", "secret")
	require.True(t, s.HasCredentials())
	s.Wipe()
	assert.False(t, s.HasCredentials())
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("my-api-secret", "pw")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "my-api-secret")

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "my-api-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{RawSecret: "raw"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedSecretPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	got, err = LoadSecret(SecretConfig{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
