package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"cartsync/internal/model"
	"cartsync/internal/session"
)

// LoginRequest is the body of POST /session/login and /session/restore.
// The token may instead be sent as an Authorization: Bearer header.
type LoginRequest struct {
	Token string `json:"token"`
}

// handleLogin authenticates the session and merges its guest cart.
// POST /session/login
//
// A merge in which some lines failed still logs in; the failures are listed
// in the response with a PARTIAL_MERGE error.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	token, err := bearerToken(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := s.Login(ctx, token)
	var partial *model.PartialMergeError
	if err != nil && !errors.As(err, &partial) {
		h.writeError(w, err)
		return
	}

	resp := LoginResponse{
		Cart:  newCartView(s),
		Merge: newMergeView(result),
	}
	if partial != nil {
		h.logger.WarnContext(ctx, "login merge partially failed",
			slog.String("client_id", s.ID),
			slog.Int("failed", len(partial.Failed)),
		)
		resp.Error = &errorBody{Code: "PARTIAL_MERGE", Message: err.Error()}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleRestore re-authenticates the session after a restart.
// POST /session/restore
func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	token, err := bearerToken(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := s.Restore(ctx, token); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCartView(s))
}

// handleLogout returns the session to guest mode.
// POST /session/logout
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	if err := s.Logout(ctx); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCartView(s))
}

// bearerToken reads the token from the Authorization header, falling back to
// the JSON body.
func bearerToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", model.NewUnauthorizedError("malformed Authorization header")
		}
		return strings.TrimSpace(token), nil
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	if req.Token == "" {
		return "", model.NewValidationError("token", "required")
	}
	return req.Token, nil
}
