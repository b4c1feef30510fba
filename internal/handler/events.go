package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cartsync/internal/cartstore"
	"cartsync/internal/model"
	"cartsync/internal/session"
)

const heartbeatInterval = 15 * time.Second

type cartEvent struct {
	Version uint64   `json:"version"`
	Cart    CartView `json:"cart"`
}

// handleEvents streams the cart as server-sent events: the current cart
// first, then one event per change. Slow readers skip intermediate versions
// but always receive the latest one.
// GET /cart/events
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)
	rc := http.NewResponseController(w)

	changes := make(chan cartstore.Change, 1)
	cancel := s.Store().Subscribe(func(c cartstore.Change) {
		for {
			select {
			case changes <- c:
				return
			default:
			}
			// Full: drop the pending change in favor of this one.
			select {
			case <-changes:
			default:
			}
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	version := s.Store().Version()
	if err := h.writeEvent(w, rc, version, newCartView(s)); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			if c.Version <= version {
				continue
			}
			version = c.Version
			view := newCartView(s)
			view.Version = c.Version
			view.Items = c.State.Items
			view.TotalQuantity = c.State.TotalQuantity()
			view.Total = c.State.Total()
			if view.Items == nil {
				view.Items = []model.LineItem{}
			}
			if err := h.writeEvent(w, rc, version, view); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, rc *http.ResponseController, version uint64, view CartView) error {
	data, err := json.Marshal(cartEvent{Version: version, Cart: view})
	if err != nil {
		h.logger.Error("failed to encode cart event", slog.String("error", err.Error()))
		return err
	}
	if _, err := fmt.Fprintf(w, "event: cart\nid: %d\ndata: %s\n\n", version, data); err != nil {
		return err
	}
	return rc.Flush()
}
