package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"cartsync/internal/model"
)

type contextKey struct{}

// Middleware resolves the session named by the Cart-Client header and
// stores it in the request context. A request without the header starts a
// new guest session, announced in the Cart-Client response header.
func Middleware(reg *Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var (
				s   *Session
				err error
			)
			header := r.Header.Get(ClientHeader)
			if header == "" {
				s, err = reg.Create(r.Context())
			} else {
				var id string
				id, err = ParseClientHeader(header)
				if err != nil {
					logger.Warn("invalid Cart-Client header",
						slog.String("header", header),
						slog.String("error", err.Error()))
					writeSessionError(w, http.StatusBadRequest, "INVALID_CLIENT", err.Error())
					return
				}
				s, err = reg.Get(r.Context(), id)
			}
			if err != nil {
				status := model.StatusCode(err)
				if status >= 500 {
					logger.Error("session lookup failed", slog.String("error", err.Error()))
				}
				writeSessionError(w, status, "INVALID_CLIENT", err.Error())
				return
			}

			w.Header().Set(ClientHeader, FormatClientHeader(s.ID))
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), s)))
		})
	}
}

// isExemptPath returns true for paths that are not tied to a cart session.
// MCP names its session per tool call.
func isExemptPath(path string) bool {
	switch {
	case path == "/health" || path == "/healthz" || path == "/metrics":
		return true
	case path == "/mcp" || strings.HasPrefix(path, "/mcp/"):
		return true
	default:
		return false
	}
}

func writeSessionError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{}
	resp.Error.Code = code
	resp.Error.Message = message

	json.NewEncoder(w).Encode(resp)
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}
