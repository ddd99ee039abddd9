package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth header names.
const (
	HeaderTimestamp = "X-OSA-Timestamp"
	HeaderNonce     = "X-OSA-Nonce"
	HeaderSignature = "X-OSA-Signature"
)

// timestampSkew is the accepted clock drift for signed requests.
const timestampSkew = 5 * time.Minute

// nonceTTL is how long nonces are remembered for replay protection.
const nonceTTL = 5 * time.Minute

// streamTokenTTL bounds SSE stream tokens. EventSource cannot set
// signing headers, so stream clients mint a short-lived token first.
const streamTokenTTL = 10 * time.Minute

// maxSignedBody bounds request bodies read for signature checking.
const maxSignedBody = 10 << 20

// Authenticator verifies request integrity via HMAC-SHA256 over
// (timestamp || nonce || body) and issues JWT stream tokens.
type Authenticator struct {
	secret []byte

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator creates an authenticator with the shared secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		nonces: make(map[string]time.Time),
	}
}

// Sign computes the request signature. Exposed for clients and tests.
func Sign(secret []byte, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware wraps a handler with signature verification.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := a.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		next.ServeHTTP(w, r)
	})
}

// verify checks the signature headers and returns the consumed body.
func (a *Authenticator) verify(r *http.Request) ([]byte, error) {
	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	signature := r.Header.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		return nil, fmt.Errorf("missing auth headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp")
	}
	drift := time.Since(time.Unix(ts, 0))
	if drift > timestampSkew || drift < -timestampSkew {
		return nil, fmt.Errorf("timestamp outside accepted window")
	}

	if !a.rememberNonce(nonce) {
		return nil, fmt.Errorf("nonce replayed")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	expected := Sign(a.secret, timestamp, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fmt.Errorf("signature mismatch")
	}
	return body, nil
}

// rememberNonce records a nonce, returning false on replay. Expired
// nonces are swept opportunistically.
func (a *Authenticator) rememberNonce(nonce string) bool {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	for n, seen := range a.nonces {
		if now.Sub(seen) > nonceTTL {
			delete(a.nonces, n)
		}
	}

	if _, replayed := a.nonces[nonce]; replayed {
		return false
	}
	a.nonces[nonce] = now
	return true
}

// MintStreamToken issues a short-lived token authorizing one session's
// SSE stream.
func (a *Authenticator) MintStreamToken(sessionID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": sessionID,
		"exp": time.Now().Add(streamTokenTTL).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyStreamToken checks a stream token and returns its session ID.
func (a *Authenticator) VerifyStreamToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid stream token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("stream token missing session")
	}
	return sub, nil
}
