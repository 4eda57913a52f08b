package workerauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey_PrefixMatchesRawSecret(t *testing.T) {
	workerID := uuid.New()
	raw, key, err := GenerateKey(workerID)
	require.NoError(t, err)

	assert.Equal(t, raw[:prefixLen], key.Prefix)
	assert.Equal(t, HashKey(raw), key.Hash)
	assert.NotEqual(t, raw, key.Hash)
}

func TestHashKey_Deterministic(t *testing.T) {
	assert.Equal(t, HashKey("same-secret"), HashKey("same-secret"))
	assert.NotEqual(t, HashKey("secret-a"), HashKey("secret-b"))
}

func TestEffectiveIP_UntrustedPeerIgnoresForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")

	ip := EffectiveIP(req, []string{"127.0.0.1"})
	assert.Equal(t, "203.0.113.5", ip)
}

func TestEffectiveIP_TrustedPeerUsesForwardedForFirstEntry(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	ip := EffectiveIP(req, []string{"127.0.0.1"})
	assert.Equal(t, "198.51.100.7", ip)
}

func TestEffectiveIP_TrustedCIDR(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.5.9:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	ip := EffectiveIP(req, []string{"10.0.0.0/8"})
	assert.Equal(t, "198.51.100.7", ip)
}
