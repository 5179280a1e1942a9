package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size hashed when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
)

// Principal is an authenticated API client mapped to its ledger address.
type Principal struct {
	APIKey  string
	Address common.Address
}

// Client pairs an API key with its shared secret and ledger address.
type Client struct {
	Key     string
	Secret  string
	Address common.Address
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// Nonces are tracked in an in-memory window keyed by API key.
type Authenticator struct {
	clients map[string]Client
	skew    time.Duration
	window  time.Duration
	nowFn   func() time.Time

	mu     sync.Mutex
	nonces map[string]map[string]time.Time
}

// NewAuthenticator builds an Authenticator for the provided clients.
func NewAuthenticator(clients []Client, skew, nonceWindow time.Duration, nowFn func() time.Time) *Authenticator {
	byKey := make(map[string]Client, len(clients))
	for _, client := range clients {
		key := strings.TrimSpace(client.Key)
		if key == "" {
			continue
		}
		client.Key = key
		client.Secret = strings.TrimSpace(client.Secret)
		byKey[key] = client
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nonceWindow <= 0 {
		nonceWindow = defaultNonceWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		clients: byKey,
		skew:    skew,
		window:  nonceWindow,
		nowFn:   nowFn,
		nonces:  make(map[string]map[string]time.Time),
	}
}

// Authenticate validates headers and signature, returning the caller
// principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	client, ok := a.clients[apiKey]
	if !ok || client.Secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(client.Secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.registerNonce(apiKey, timestampHeader+"|"+nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey, Address: client.Address}, nil
}

// registerNonce records the nonce and reports whether it was already used
// inside the window. Expired entries are pruned opportunistically.
func (a *Authenticator) registerNonce(apiKey, composite string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen, ok := a.nonces[apiKey]
	if !ok {
		seen = make(map[string]time.Time)
		a.nonces[apiKey] = seen
	}
	cutoff := now.Add(-a.window)
	for nonce, observed := range seen {
		if observed.Before(cutoff) {
			delete(seen, nonce)
		}
	}
	if _, used := seen[composite]; used {
		return true
	}
	seen[composite] = now
	return false
}

// CanonicalRequestPath renders the signed request path, query included.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature derives the expected HMAC for a request.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
