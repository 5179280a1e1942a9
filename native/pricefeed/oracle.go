package pricefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Quote captures a price observation for a currency pair together with the
// fixed-point scale and the timestamp reported by the upstream feed.
type Quote struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Decimals: q.Decimals, UpdatedAt: q.UpdatedAt, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// Source resolves a price quote for the provided pair (e.g. "MNT/USD").
type Source interface {
	LatestPrice(pair string) (Quote, error)
}

// ErrNoFreshQuote indicates that no registered feed produced a quote within
// the configured freshness window.
var ErrNoFreshQuote = errors.New("pricefeed: no fresh quote available")

func normalisePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// ManualSource is an in-memory feed used for tests and operator overrides
// during incident response.
type ManualSource struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewManualSource constructs an empty manual feed.
func NewManualSource() *ManualSource {
	return &ManualSource{quotes: make(map[string]Quote)}
}

// Set stores the provided price for the pair.
func (m *ManualSource) Set(pair string, price *big.Int, decimals uint8, updatedAt time.Time) {
	if m == nil || price == nil {
		return
	}
	key := normalisePair(pair)
	if key == "" {
		return
	}
	m.mu.Lock()
	m.quotes[key] = Quote{Price: new(big.Int).Set(price), Decimals: decimals, UpdatedAt: updatedAt, Source: "manual"}
	m.mu.Unlock()
}

// LatestPrice retrieves the stored quote for the pair.
func (m *ManualSource) LatestPrice(pair string) (Quote, error) {
	if m == nil {
		return Quote{}, fmt.Errorf("pricefeed: manual source not configured")
	}
	key := normalisePair(pair)
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("pricefeed: quote for %s not found", pair)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource adapts a JSON quote endpoint that answers
// `{"price": "...", "decimals": n, "timestamp": unixSeconds}` for a
// `?pair=BASE/QUOTE` query.
type HTTPSource struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	name     string
}

// NewHTTPSource constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used; the API key header is only set when supplied.
func NewHTTPSource(client HTTPDoer, endpoint, apiKey, name string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = "http"
	}
	return &HTTPSource{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		name:     trimmed,
	}
}

func (s *HTTPSource) LatestPrice(pair string) (Quote, error) {
	if s == nil || s.endpoint == "" {
		return Quote{}, fmt.Errorf("pricefeed: http source not configured")
	}
	req, err := http.NewRequest(http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("pair", normalisePair(pair))
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("pricefeed %s: status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Decimals  uint8  `json:"decimals"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("pricefeed %s: decode: %w", s.name, err)
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(payload.Price), 10)
	if !ok || price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("pricefeed %s: invalid price %q", s.name, payload.Price)
	}
	return Quote{
		Price:     price,
		Decimals:  payload.Decimals,
		UpdatedAt: time.Unix(payload.Timestamp, 0),
		Source:    s.name,
	}, nil
}

// Aggregator consults registered feeds in priority order until a fresh quote
// is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	sources  map[string]Source
	maxAge   time.Duration
	nowFn    func() time.Time
}

// NewAggregator constructs an aggregator with the provided priority and
// freshness window.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		sources:  make(map[string]Source),
		maxAge:   maxAge,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock used for freshness checks, primarily for
// deterministic tests.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if a == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier. Identifiers
// are stored in lowercase so lookups remain consistent.
func (a *Aggregator) Register(name string, source Source) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[trimmed] = source
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// LatestPrice resolves the pair against the registered feeds in priority
// order, enforcing the freshness window.
func (a *Aggregator) LatestPrice(pair string) (Quote, error) {
	if a == nil {
		return Quote{}, fmt.Errorf("pricefeed: aggregator not configured")
	}
	key := normalisePair(pair)
	if key == "" {
		return Quote{}, fmt.Errorf("pricefeed: pair required")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	now := a.nowFn
	a.mu.RUnlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now().Add(-maxAge)
	}

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		source := a.sources[strings.ToLower(name)]
		a.mu.RUnlock()
		if source == nil {
			continue
		}
		quote, err := source.LatestPrice(key)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Price == nil || quote.Price.Sign() <= 0 {
			lastErr = fmt.Errorf("pricefeed: %s returned invalid price", name)
			continue
		}
		if maxAge > 0 && quote.UpdatedAt.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = strings.ToLower(name)
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return Quote{}, lastErr
}
