package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/WedSync/sync-engine/pkg/fault"
)

// maxErrorBody caps how much of an error response is retained as the remote
// payload on conflict failures.
const maxErrorBody = 1 << 20

// Route maps a logical endpoint name to an HTTP method and path.
type Route struct {
	Method string
	Path   string
}

// HTTPCaller is a Caller over HTTP. Endpoint names resolve through an
// explicit route table, falling back to POST /v1/actions/{endpoint} with
// dots replaced by slashes ("vendor.create" -> /v1/actions/vendor/create).
type HTTPCaller struct {
	baseURL string
	token   string
	client  *http.Client
	routes  map[string]Route
	logger  *slog.Logger
}

// Option configures the caller.
type Option func(*HTTPCaller)

// WithToken sets the bearer token. JWT tokens get an expiry precheck before
// every call; opaque keys are sent as-is.
func WithToken(token string) Option {
	return func(c *HTTPCaller) { c.token = token }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPCaller) { c.client.Timeout = d }
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPCaller) { c.client = hc }
}

// WithRoute pins an endpoint name to an explicit method and path.
func WithRoute(endpoint, method, path string) Option {
	return func(c *HTTPCaller) { c.routes[endpoint] = Route{Method: method, Path: path} }
}

// NewHTTPCaller creates a caller against baseURL.
func NewHTTPCaller(baseURL string, opts ...Option) *HTTPCaller {
	c := &HTTPCaller{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		routes:  make(map[string]Route),
		logger:  slog.Default().With("component", "transport"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *HTTPCaller) route(endpoint string) Route {
	if r, ok := c.routes[endpoint]; ok {
		return r
	}
	return Route{
		Method: http.MethodPost,
		Path:   "/v1/actions/" + strings.ReplaceAll(endpoint, ".", "/"),
	}
}

// Call submits payload to the endpoint's route and classifies the outcome.
func (c *HTTPCaller) Call(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	if err := c.checkToken(endpoint); err != nil {
		return nil, err
	}

	r := c.route(endpoint)
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+r.Path, body)
	if err != nil {
		return nil, fault.NonRetryable(endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Connection refused, DNS failure, client timeout: all worth retrying.
		return nil, fault.Transient(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fault.Transient(endpoint, fmt.Errorf("read response: %w", err))
	}

	return classify(endpoint, resp.StatusCode, respBody)
}

// classify maps an HTTP status to the engine's failure taxonomy.
func classify(endpoint string, status int, body []byte) (json.RawMessage, error) {
	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return nil, fault.Conflict(endpoint, body, fmt.Errorf("remote version differs"))
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return nil, fault.Transient(endpoint, fmt.Errorf("status %d: %s", status, errorMessage(body)))
	default:
		return nil, fault.NonRetryable(endpoint, fmt.Errorf("status %d: %s", status, errorMessage(body)))
	}
}

// errorMessage pulls a human-readable message out of a JSON error body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "no body"
	}
	return msg
}

// checkToken rejects calls upfront when the configured bearer token is a JWT
// that has already expired. Burning retry attempts on a token the server is
// guaranteed to reject only delays the refresh.
func (c *HTTPCaller) checkToken(endpoint string) error {
	if c.token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(c.token, claims); err != nil {
		// Not a JWT. Opaque API keys pass through untouched.
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Until(exp.Time) < 0 {
		c.logger.Warn("bearer token expired, refusing call", "endpoint", endpoint, "expired_at", exp.Time)
		return fault.NonRetryable(endpoint, fmt.Errorf("bearer token expired at %s", exp.Time.Format(time.RFC3339)))
	}
	return nil
}
