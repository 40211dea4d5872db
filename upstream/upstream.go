// Package upstream is the client for the external account-history API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/telemetry"
)

const (
	// DefaultEndpoint is the account-history endpoint. {handle} is replaced
	// with the path-escaped handle.
	DefaultEndpoint = "https://www.reddit.com/user/{handle}/about.json"

	// DefaultUserAgent identifies the client to the API.
	DefaultUserAgent = "account-age/1.0"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 15 * time.Second

	maxErrorBody = 4 << 10
	maxBody      = 1 << 20
)

var (
	// ErrNotFound is returned when the account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrNoCreationTime is returned when the account exists but carries no
	// creation timestamp, which happens for suspended accounts.
	ErrNoCreationTime = errors.New("account has no creation time")

	// ErrMalformed wraps response bodies that cannot be decoded.
	ErrMalformed = errors.New("malformed response")
)

// StatusError is returned for non-200 responses other than 404.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RateLimited reports whether the API rejected the request for exceeding its
// rate limit.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Account is the subset of account data used to compute ages.
type Account struct {
	Name      string
	CreatedAt time.Time
	Suspended bool
}

type aboutResponse struct {
	Data struct {
		Name        string   `json:"name"`
		CreatedUTC  *float64 `json:"created_utc"`
		IsSuspended bool     `json:"is_suspended"`
	} `json:"data"`
}

// Upstream fetches account data from the account-history API.
type Upstream struct {
	endpoint  string
	userAgent string
	token     string
	client    *http.Client
	now       func() time.Time
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithEndpoint sets the endpoint template. It must contain {handle}.
func WithEndpoint(endpoint string) Option {
	return func(u *Upstream) {
		u.endpoint = endpoint
	}
}

// WithBaseURL points the client at baseURL using the default path layout.
// Mostly useful for tests against httptest servers.
func WithBaseURL(baseURL string) Option {
	return func(u *Upstream) {
		u.endpoint = strings.TrimSuffix(baseURL, "/") + "/user/{handle}/about.json"
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(u *Upstream) {
		u.userAgent = ua
	}
}

// WithBearerToken sets the bearer token for upstream authentication.
func WithBearerToken(token string) Option {
	return func(u *Upstream) {
		u.token = token
	}
}

// WithNow sets the time function used to interpret HTTP-date Retry-After values.
func WithNow(now func() time.Time) Option {
	return func(u *Upstream) {
		u.now = now
	}
}

// New creates an account-history client. The default HTTP client records
// upstream metrics through telemetry.InstrumentedTransport.
func New(opts ...Option) *Upstream {
	u := &Upstream{
		endpoint:  DefaultEndpoint,
		userAgent: DefaultUserAgent,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport, "account_history"),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// URL returns the request URL for h.
func (u *Upstream) URL(h accountage.Handle) string {
	return strings.ReplaceAll(u.endpoint, "{handle}", url.PathEscape(h.String()))
}

// FetchAccount issues a single request for h. It never retries.
func (u *Upstream) FetchAccount(ctx context.Context, h accountage.Handle) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL(h), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", u.userAgent)
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), u.now()),
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var about aboutResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&about); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	acct := &Account{
		Name:      about.Data.Name,
		Suspended: about.Data.IsSuspended,
	}
	if about.Data.CreatedUTC == nil {
		return acct, ErrNoCreationTime
	}
	created := *about.Data.CreatedUTC
	if math.IsNaN(created) || math.IsInf(created, 0) || created <= 0 {
		return acct, fmt.Errorf("%w: created_utc %v", ErrMalformed, created)
	}
	sec, frac := math.Modf(created)
	acct.CreatedAt = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return acct, nil
}

// ParseRetryAfter interprets a Retry-After header given as delay seconds or
// an HTTP date. It returns zero when the header is absent or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
