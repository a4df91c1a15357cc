package reqflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every transport call.
const DefaultTimeout = 30 * time.Second

// Transport performs one backend call. A 401 is reported as an
// Unauthorized ClientError; it is the interceptor's job to turn it into a
// refresh or AuthExpired.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPTransport sends requests to a REST/JSON backend over net/http.
type HTTPTransport struct {
	baseURL        string
	httpClient     *http.Client
	timeout        time.Duration
	middleware     []Middleware
	circuitBreaker *CircuitBreaker
	metrics        *MetricsCollector
	logger         Logger
	debug          *DebugConfig
}

// HTTPTransportConfig configures an HTTPTransport. Zero values take defaults.
type HTTPTransportConfig struct {
	BaseURL        string
	HTTPClient     *http.Client
	Timeout        time.Duration
	Middleware     []Middleware
	CircuitBreaker *CircuitBreaker
	Metrics        *MetricsCollector
	Logger         Logger
	Debug          *DebugConfig
}

// NewHTTPTransport builds a transport from cfg.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     cfg.HTTPClient,
		timeout:        cfg.Timeout,
		middleware:     cfg.Middleware,
		circuitBreaker: cfg.CircuitBreaker,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		debug:          cfg.Debug,
	}
	if t.httpClient == nil {
		t.httpClient = &http.Client{}
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	return t
}

// Do executes req. The call is bounded by the transport timeout; expiry is
// reported as Timeout, caller cancellation as Cancelled.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	method := req.method()
	endpoint := strings.Trim(req.Path, "/")

	var requestID string
	if t.debug != nil && t.debug.Enabled && t.debug.RequestIDGen != nil {
		requestID = t.debug.RequestIDGen()
	}

	fail := func(errorType, message string, cause error, status int) *ClientError {
		t.metrics.RecordError(errorType, method, endpoint)
		return &ClientError{
			Type:       errorType,
			Message:    message,
			Cause:      cause,
			RequestID:  requestID,
			Method:     method,
			Path:       endpoint,
			Key:        req.Key(),
			StatusCode: status,
			Timestamp:  time.Now(),
			Duration:   time.Since(start),
		}
	}

	if t.circuitBreaker != nil && !t.circuitBreaker.Allow() {
		if t.logEnabled() {
			t.logger.Warn("Circuit breaker open", "requestID", requestID, "endpoint", endpoint)
		}
		return nil, fail(ErrorTypeNetwork, "circuit breaker is open", ErrCircuitOpen, 0)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := t.newRequest(ctx, method, req)
	if err != nil {
		return nil, fail(ErrorTypeConfiguration, "build request", err, 0)
	}

	if t.logEnabled() {
		t.logger.Debug("Starting request", "requestID", requestID, "method", method, "url", httpReq.URL.String())
	}

	t.metrics.RecordRequestStart(method, endpoint)
	defer t.metrics.RecordRequestEnd(method, endpoint)

	resp, err := t.executeMiddleware(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind := classifyContextError(ctxErr)
			return nil, fail(kind, "request "+strings.ToLower(kind), ctxErr, 0)
		}
		t.recordBreaker(false)
		return nil, fail(ErrorTypeNetwork, "network request failed", err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind := classifyContextError(ctxErr)
			return nil, fail(kind, "request "+strings.ToLower(kind), ctxErr, resp.StatusCode)
		}
		t.recordBreaker(false)
		return nil, fail(ErrorTypeNetwork, "read response body", err, resp.StatusCode)
	}

	t.metrics.RecordRequest(method, endpoint, resp.StatusCode, time.Since(start))
	if t.logEnabled() {
		t.logger.Debug("Request completed", "requestID", requestID, "status", resp.StatusCode, "duration", time.Since(start))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		t.recordBreaker(true)
		return nil, fail(ErrorTypeUnauthorized, serverMessage(body, "unauthorized"), nil, resp.StatusCode)
	case resp.StatusCode >= 500:
		t.recordBreaker(false)
		return nil, fail(ErrorTypeServer, serverMessage(body, http.StatusText(resp.StatusCode)), nil, resp.StatusCode)
	case resp.StatusCode >= 400:
		t.recordBreaker(true)
		return nil, fail(ErrorTypeServer, serverMessage(body, http.StatusText(resp.StatusCode)), nil, resp.StatusCode)
	}

	t.recordBreaker(true)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, req Request) (*http.Request, error) {
	target := t.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Params) > 0 {
		q := url.Values{}
		for k, v := range req.Params {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		var raw []byte
		switch b := req.Body.(type) {
		case []byte:
			raw = b
		case json.RawMessage:
			raw = b
		default:
			var err error
			if raw, err = json.Marshal(b); err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", UserAgent())
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func (t *HTTPTransport) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.httpClient.Do(req)
	}

	current := RoundTripperFunc(t.httpClient.Do)

	for i := len(t.middleware) - 1; i >= 0; i-- {
		middleware := t.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

func (t *HTTPTransport) recordBreaker(ok bool) {
	if t.circuitBreaker == nil {
		return
	}
	if ok {
		t.circuitBreaker.RecordSuccess()
	} else {
		t.circuitBreaker.RecordFailure()
	}
	t.metrics.RecordCircuitBreakerState("default", t.circuitBreaker.State())
}

func (t *HTTPTransport) logEnabled() bool {
	return t.debug != nil && t.debug.Enabled && t.debug.LogRequests && t.logger != nil
}

// isUnauthorized reports a transport-level 401.
func isUnauthorized(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == ErrorTypeUnauthorized
}
