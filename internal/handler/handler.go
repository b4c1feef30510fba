// Package handler provides the HTTP surface of the cart daemon: a REST API,
// a server-sent events stream of cart changes, and MCP tools.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cartsync/internal/model"
	"cartsync/internal/session"
)

const defaultWaitBudget = 2 * time.Second

// Options configures a Handler.
type Options struct {
	// WaitBudget is how long a mutation request waits for remote
	// confirmation before answering 202 Accepted.
	WaitBudget time.Duration
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry   *session.Registry
	metrics    http.Handler
	waitBudget time.Duration
	logger     *slog.Logger
}

// New creates a new Handler serving the sessions of reg.
func New(reg *session.Registry, opts Options) *Handler {
	if opts.WaitBudget <= 0 {
		opts.WaitBudget = defaultWaitBudget
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		registry:   reg,
		metrics:    opts.Metrics,
		waitBudget: opts.WaitBudget,
		logger:     opts.Logger,
	}
}

// RegisterRoutes registers all HTTP routes with the given ServeMux.
// Uses Go 1.22+ method routing patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Cart operations, scoped to the session named by Cart-Client
	mux.Handle("GET /cart", h.withSession(h.handleGetCart))
	mux.Handle("POST /cart/items", h.withSession(h.handleAddItem))
	mux.Handle("PATCH /cart/items/{productId}/{variantId}", h.withSession(h.handleUpdateItem))
	mux.Handle("DELETE /cart/items/{productId}/{variantId}", h.withSession(h.handleRemoveItem))
	mux.Handle("DELETE /cart", h.withSession(h.handleClearCart))
	mux.Handle("POST /cart/refresh", h.withSession(h.handleRefresh))
	mux.Handle("GET /cart/events", h.withSession(h.handleEvents))
	mux.Handle("GET /cart/mutations/{id}", h.withSession(h.handleGetMutation))

	// Authentication
	mux.Handle("POST /session/login", h.withSession(h.handleLogin))
	mux.Handle("POST /session/restore", h.withSession(h.handleRestore))
	mux.Handle("POST /session/logout", h.withSession(h.handleLogout))

	// MCP transport - JSON-RPC endpoint using official MCP SDK
	mux.Handle("/mcp", h.NewMCPHandler())

	// Health check
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

func (h *Handler) withSession(fn http.HandlerFunc) http.Handler {
	return session.Middleware(h.registry, h.logger)(fn)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// handleHealth returns a simple health check response.
// GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: h.registry.Len()})
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends an error response, extracting status/code from APIError if present.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	apiErr := h.toAPIError(err)
	h.writeJSON(w, apiErr.StatusCode, errorResponse{
		Error: errorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
		},
	})
}

// errorResponse is the JSON structure for error responses.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toAPIError finds the APIError in err's chain. Anything else is logged and
// reported as an opaque internal error.
func (h *Handler) toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	h.logger.Error("internal error", slog.String("error", err.Error()))
	return &model.APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "an internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}
}

// MaxRequestBodySize limits JSON request bodies to 1MB.
const MaxRequestBodySize = 1 << 20

// decodeJSON reads JSON from the request body into v and validates it.
// Returns an APIError if decoding or validation fails.
func decodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Don't expose internal error details to client
		return model.NewValidationError("body", "invalid JSON")
	}
	return model.Validate(v)
}
