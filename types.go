package reqflow

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// RequestKey canonically identifies a fetchable unit of data (path + params).
// Pending requests and cache entries share this key space.
type RequestKey string

// HasPrefix reports whether the key belongs to the resource family prefix.
func (k RequestKey) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(k), strings.TrimLeft(prefix, "/"))
}

// Request describes a single backend call.
type Request struct {
	Method string
	Path   string
	Params map[string]string
	Body   any
	Header http.Header
}

// Key derives the canonical RequestKey. Logically-equal requests always
// produce the same key regardless of parameter ordering.
func (r Request) Key() RequestKey {
	return KeyFor(r.Path, r.Params)
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// KeyFor builds a RequestKey from a resource path and parameter set.
func KeyFor(path string, params map[string]string) RequestKey {
	p := strings.Trim(path, "/")
	if len(params) == 0 {
		return RequestKey(p)
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(p)
	b.WriteByte('?')
	for i, k := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return RequestKey(b.String())
}

// Response is a settled transport result.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Result is what callers of Fetch observe.
type Result struct {
	Key  RequestKey
	Data json.RawMessage
	// StoredAt is when the value was written to the cache (or received).
	StoredAt time.Time
	// Fresh is false when the value is older than its TTL.
	Fresh bool
	// FromCache is true when no network call was made for this caller.
	FromCache bool
	// Revalidating is set when a stale value was served while a background
	// refresh runs.
	Revalidating bool
}

// Decode unmarshals a result's data into T.
func Decode[T any](res *Result) (T, error) {
	var out T
	if res == nil || len(res.Data) == 0 {
		return out, &ClientError{Type: ErrorTypeServer, Message: "empty result"}
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, &ClientError{Type: ErrorTypeServer, Message: "decode result", Cause: err, Key: res.Key}
	}
	return out, nil
}

// Middleware wraps a transport round trip.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitBreaker guards the transport against a failing backend.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
}

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// Option configures a Client.
type Option func(*Client)

// Clock abstracts time so TTL and throttle windows can be simulated.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
