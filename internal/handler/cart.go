package handler

import (
	"context"
	"log/slog"
	"net/http"

	"cartsync/internal/coordinator"
	"cartsync/internal/model"
	"cartsync/internal/session"
)

// AddItemRequest is the body of POST /cart/items.
type AddItemRequest struct {
	ProductID string        `json:"productId"`
	Variant   model.Variant `json:"variant"`
	Quantity  int           `json:"quantity" validate:"gt=0"`
}

// UpdateItemRequest is the body of PATCH /cart/items/{productId}/{variantId}.
// Zero removes the line.
type UpdateItemRequest struct {
	Quantity *int `json:"quantity" validate:"required,gte=0"`
}

// handleGetCart returns the local cart and session status.
// GET /cart
func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	h.writeJSON(w, http.StatusOK, newCartView(s))
}

// handleAddItem adds a variant to the cart.
// POST /cart/items
func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	var req AddItemRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "adding item",
		slog.String("client_id", s.ID),
		slog.String("product_id", req.ProductID),
		slog.Int("quantity", req.Quantity),
	)

	m, err := s.Coordinator().AddItem(ctx, req.ProductID, req.Variant, req.Quantity)
	h.respondMutation(w, r, s, m, err)
}

// handleUpdateItem sets the quantity of a line.
// PATCH /cart/items/{productId}/{variantId}
func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)
	key := pathKey(r)

	var req UpdateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "updating item",
		slog.String("client_id", s.ID),
		slog.String("key", key.String()),
		slog.Int("quantity", *req.Quantity),
	)

	m, err := s.Coordinator().UpdateQuantity(ctx, key, *req.Quantity)
	h.respondMutation(w, r, s, m, err)
}

// handleRemoveItem deletes a line.
// DELETE /cart/items/{productId}/{variantId}
func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)
	key := pathKey(r)

	h.logger.InfoContext(ctx, "removing item",
		slog.String("client_id", s.ID),
		slog.String("key", key.String()),
	)

	m, err := s.Coordinator().RemoveItem(ctx, key)
	h.respondMutation(w, r, s, m, err)
}

// handleClearCart empties the cart.
// DELETE /cart
func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	h.logger.InfoContext(ctx, "clearing cart", slog.String("client_id", s.ID))

	m, err := s.Coordinator().Clear(ctx)
	h.respondMutation(w, r, s, m, err)
}

// handleRefresh replaces the local cart with the remote one.
// POST /cart/refresh
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	if err := s.Coordinator().Refresh(ctx); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCartView(s))
}

// handleGetMutation reports the state of a recent mutation.
// GET /cart/mutations/{id}
func (h *Handler) handleGetMutation(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())

	m, ok := s.Coordinator().Mutation(r.PathValue("id"))
	if !ok {
		h.writeError(w, model.NewNotFoundError("mutation"))
		return
	}
	h.writeJSON(w, http.StatusOK, newMutationView(m))
}

// respondMutation waits up to the wait budget for m to settle and reports
// it with the current cart: 200 when confirmed, 202 while still pending,
// and the failure's status when it failed.
func (h *Handler) respondMutation(w http.ResponseWriter, r *http.Request, s *session.Session, m *coordinator.Mutation, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, status := h.awaitMutation(r.Context(), s, m)
	h.writeJSON(w, status, resp)
}

func (h *Handler) awaitMutation(ctx context.Context, s *session.Session, m *coordinator.Mutation) (MutationResponse, int) {
	ctx, cancel := context.WithTimeout(ctx, h.waitBudget)
	defer cancel()
	m.Wait(ctx)

	resp := MutationResponse{
		Mutation: newMutationView(m),
		Cart:     newCartView(s),
	}
	if !m.Settled() {
		return resp, http.StatusAccepted
	}
	if err := m.Err(); err != nil {
		apiErr := h.toAPIError(err)
		resp.Error = &errorBody{Code: apiErr.Code, Message: apiErr.Message}
		return resp, apiErr.StatusCode
	}
	resp.Confirmed = true
	return resp, http.StatusOK
}

func pathKey(r *http.Request) model.Key {
	return model.Key{
		ProductID: r.PathValue("productId"),
		VariantID: r.PathValue("variantId"),
	}
}
