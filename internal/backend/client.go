// Package backend implements the remote cart gateway on top of the food
// platform's HTTP cart API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"cartsync/internal/gateway"
	"cartsync/internal/model"
	"cartsync/internal/transport"
)

const (
	serviceName = "cart backend"

	// userAgent identifies this client to the backend.
	userAgent = "cartsync/1.0"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// BreakerConfig controls the circuit breaker in front of the backend.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker when exceeded.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before going half-open.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial requests allowed while half-open.
	HalfOpenRequests uint32
}

// Config holds backend client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	TLSProfile string // see transport.New
	Breaker    BreakerConfig
	Logger     *slog.Logger

	// Transport overrides the outbound round tripper. Used by tests.
	Transport http.RoundTripper
}

// =============================================================================
// REQUEST FLOW
// =============================================================================
//
// Every call goes through the same path:
//
//   do:        marshal payload -> breaker.Execute(roundTrip)
//   roundTrip: build request -> otelhttp transport -> read bounded body
//              -> status >= 300 mapped by parseErrorResponse
//
// Open-breaker rejections surface as NETWORK_ERROR so callers treat them
// like an unreachable backend. Only network and 5xx errors count toward
// tripping it.
// =============================================================================

// Client talks to the cart backend. It is safe for concurrent use and
// shared by every session; per-user state lives in the gateways returned
// by ForToken.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
	timeout    time.Duration
	fetches    singleflight.Group
}

// New creates a backend client with the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := cfg.Transport
	if base == nil {
		rt, err := transport.New(cfg.TLSProfile, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		base = rt
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		breaker: newBreaker(cfg.Breaker, cfg.Logger),
		logger:  cfg.Logger,
		timeout: cfg.Timeout,
	}, nil
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "cart-backend",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Only an unreachable or failing backend trips the breaker.
		// Auth, validation and not-found responses are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, model.ErrNetwork) || errors.Is(err, model.ErrServer))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Authenticate validates token against GET /auth/me.
func (c *Client) Authenticate(ctx context.Context, token string) (*gateway.User, error) {
	if token == "" {
		return nil, model.NewUnauthorizedError("token is required")
	}
	body, err := c.do(ctx, http.MethodGet, "/auth/me", token, nil)
	if err != nil {
		return nil, err
	}
	var resp meResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, model.NewServerError(serviceName, http.StatusOK, "malformed /auth/me response")
	}
	if resp.User == nil {
		return nil, model.NewUnauthorizedError("session has no user")
	}
	return toUser(*resp.User), nil
}

// ForToken returns the gateway for the user owning token.
func (c *Client) ForToken(token string) gateway.Gateway {
	return &userCart{
		client: c,
		token:  token,
		units:  make(map[model.Key]string),
	}
}

var _ gateway.Backend = (*Client)(nil)

// do sends one request through the circuit breaker and returns the body
// of a 2xx response. Any other outcome is an APIError.
func (c *Client) do(ctx context.Context, method, path, token string, payload any) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, model.NewInternalError(fmt.Errorf("marshaling request: %w", err))
		}
		encoded = b
	}

	// Rejected by an open or saturated half-open breaker: no request is sent
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, token, encoded)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, model.NewNetworkError(serviceName, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("creating request: %w", err))
	}
	setHeaders(req, token)

	// Transport failures, timeouts and cancellation all land here
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewNetworkError(serviceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, model.NewNetworkError(serviceName, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 300 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// parseErrorResponse converts a backend error response to an APIError.
func parseErrorResponse(statusCode int, body []byte) error {
	var wireErr errorResponse
	json.Unmarshal(body, &wireErr) // Best effort parse

	msg := wireErr.Message
	if msg == "" {
		msg = wireErr.Error
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		if msg == "" {
			msg = "backend rejected credentials"
		}
		return model.NewUnauthorizedError(msg)
	case statusCode == http.StatusNotFound:
		return model.NewNotFoundError("cart item")
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		if msg == "" {
			msg = "rejected by backend"
		}
		return model.NewValidationError("request", msg)
	case statusCode == http.StatusTooManyRequests:
		return model.NewRateLimitError(serviceName)
	default:
		return model.NewServerError(serviceName, statusCode, msg)
	}
}

// =============================================================================
// CART ENDPOINTS
// =============================================================================
//
//   Fetch           GET    /cart/getUserCart                   -> cart
//   Add             POST   /cart/addToCart       {variant}     -> cart
//   UpdateQuantity  PUT    /cart/updateCartItem  {unit, qty}   -> cart
//   Remove          DELETE /cart/removeCartItem  {unit}        -> ignored
//   Clear           DELETE /cart/clearCart                     -> ignored
//
// Update and remove address a line by product id and unit, not by variant
// id, so units seen in earlier responses are remembered per gateway.
// =============================================================================

// userCart is the gateway of one authenticated user.
type userCart struct {
	client *Client
	token  string

	// units remembers the unit of measure of each line seen in a response.
	// updateCartItem and removeCartItem address lines by unit, while the
	// canonical key prefers the variant id.
	mu    sync.Mutex
	units map[model.Key]string
}

// Fetch returns the authoritative cart. Concurrent calls for the same
// token share one request, which outlives any single caller: a caller whose
// ctx ends stops waiting without failing the others.
func (u *userCart) Fetch(ctx context.Context) ([]model.LineItem, error) {
	shared := context.WithoutCancel(ctx)
	ch := u.client.fetches.DoChan(u.token, func() (any, error) {
		callCtx, cancel := context.WithTimeout(shared, u.client.timeout)
		defer cancel()
		return u.cartCall(callCtx, http.MethodGet, "/cart/getUserCart", nil)
	})

	select {
	case <-ctx.Done():
		return nil, model.NewNetworkError(serviceName, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		items := slices.Clone(res.Val.([]model.LineItem))
		// The shared call may have run on another gateway for this token.
		u.rememberUnits(items)
		return items, nil
	}
}

func (u *userCart) Add(ctx context.Context, productID string, variant model.Variant, quantity int) ([]model.LineItem, error) {
	return u.cartCall(ctx, http.MethodPost, "/cart/addToCart", addRequest{
		ProductID:       productID,
		SelectedVariant: fromVariant(variant),
		Quantity:        quantity,
	})
}

func (u *userCart) UpdateQuantity(ctx context.Context, key model.Key, quantity int) ([]model.LineItem, error) {
	items, err := u.cartCall(ctx, http.MethodPut, "/cart/updateCartItem", updateRequest{
		ProductID: key.ProductID,
		Unit:      u.unitFor(key),
		Quantity:  quantity,
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.NewNotFoundError("cart item " + key.String())
	}
	return items, err
}

// Remove treats a 404 as success: the line is already gone.
func (u *userCart) Remove(ctx context.Context, key model.Key) error {
	_, err := u.client.do(ctx, http.MethodDelete, "/cart/removeCartItem", u.token, removeRequest{
		ProductID: key.ProductID,
		Unit:      u.unitFor(key),
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	u.mu.Lock()
	delete(u.units, key)
	u.mu.Unlock()
	return nil
}

func (u *userCart) Clear(ctx context.Context) error {
	if _, err := u.client.do(ctx, http.MethodDelete, "/cart/clearCart", u.token, nil); err != nil {
		return err
	}
	u.mu.Lock()
	clear(u.units)
	u.mu.Unlock()
	return nil
}

func (u *userCart) cartCall(ctx context.Context, method, path string, payload any) ([]model.LineItem, error) {
	body, err := u.client.do(ctx, method, path, u.token, payload)
	if err != nil {
		return nil, err
	}
	var resp cartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, model.NewServerError(serviceName, http.StatusOK, "malformed cart response")
	}
	items := toLineItems(resp.CartItems, u.client.logger)
	u.rememberUnits(items)
	return items, nil
}

func (u *userCart) rememberUnits(items []model.LineItem) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, item := range items {
		if item.Variant.Unit != "" {
			u.units[item.Key()] = item.Variant.Unit
		}
	}
}

// unitFor returns the unit the backend knows the line by, falling back to
// the variant id of the key.
func (u *userCart) unitFor(key model.Key) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if unit, ok := u.units[key]; ok {
		return unit
	}
	return key.VariantID
}
