// Package workerauth is the worker registry's auth surface: issuing and verifying
// the worker API keys every coordinator handler (except /register) requires.
package workerauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/pkg/logger"
)

// secretBytes is the raw entropy of a generated key before base64 encoding;
// 32 bytes comfortably clears any brute-force budget for an 8-char prefix.
const secretBytes = 32

// prefixLen is the indexed lookup key: the first 8 characters of the raw
// secret, making per-request credential lookup a single indexed read.
const prefixLen = 8

var (
	ErrInvalidKey       = errors.New("workerauth: invalid or unknown api key")
	ErrRevoked          = errors.New("workerauth: api key revoked")
	ErrExpired          = errors.New("workerauth: api key expired")
	ErrWorkerDisabled   = errors.New("workerauth: worker disabled")
	ErrKeyTooShort      = errors.New("workerauth: presented key shorter than prefix length")
)

// GenerateKey mints a new raw secret and its verification row. The raw
// secret is returned once; only its hash is ever persisted.
func GenerateKey(workerID uuid.UUID) (rawSecret string, key *models.WorkerAPIKey, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	rawSecret = base64.RawURLEncoding.EncodeToString(buf)
	if len(rawSecret) < prefixLen {
		return "", nil, ErrKeyTooShort
	}

	key = &models.WorkerAPIKey{
		WorkerID: workerID,
		Prefix:   rawSecret[:prefixLen],
		Hash:     HashKey(rawSecret),
	}
	return rawSecret, key, nil
}

// HashKey is the at-rest form of a worker credential. Plain SHA-256, no
// password KDF — the secret already carries full entropy from crypto/rand,
// so a slow hash would only add latency per request.
func HashKey(rawSecret string) string {
	sum := sha256.Sum256([]byte(rawSecret))
	return hex.EncodeToString(sum[:])
}

// Verifier resolves a presented raw key to its owning, still-valid worker.
type Verifier struct {
	store store.Store
	log   logger.Logger
}

func NewVerifier(s store.Store, log logger.Logger) *Verifier {
	return &Verifier{store: s, log: log}
}

// Verify resolves a presented secret: prefix lookup, constant-time hash
// comparison, revocation/expiry, worker-disabled, fire-and-forget
// last-used touch.
func (v *Verifier) Verify(ctx context.Context, rawSecret string) (*models.Worker, error) {
	if len(rawSecret) < prefixLen {
		return nil, ErrKeyTooShort
	}
	prefix := rawSecret[:prefixLen]

	key, err := v.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}

	want := HashKey(rawSecret)
	if subtle.ConstantTimeCompare([]byte(want), []byte(key.Hash)) != 1 {
		return nil, ErrInvalidKey
	}
	if key.RevokedAt != nil {
		return nil, ErrRevoked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpired
	}

	worker, err := v.store.GetWorker(ctx, key.WorkerID)
	if err != nil {
		return nil, err
	}
	if worker.Status == models.WorkerStatusDisabled {
		return nil, ErrWorkerDisabled
	}

	v.store.TouchAPIKeyLastUsed(ctx, key.ID)

	return worker, nil
}

// EffectiveIP applies the trusted-proxy rule: X-Forwarded-For's first
// entry is used for attribution only when the direct peer is in
// trustedProxies; authentication decisions never depend on it.
func EffectiveIP(r *http.Request, trustedProxies []string) string {
	peerHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerHost = r.RemoteAddr
	}
	if !isTrustedProxy(peerHost, trustedProxies) {
		return peerHost
	}

	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peerHost
	}
	first := strings.TrimSpace(strings.Split(fwd, ",")[0])
	if first == "" {
		return peerHost
	}
	return first
}

func isTrustedProxy(host string, trusted []string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, t := range trusted {
		if t == host {
			return true
		}
		if _, cidr, err := net.ParseCIDR(t); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}
