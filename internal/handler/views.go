package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"cartsync/internal/coordinator"
	"cartsync/internal/gateway"
	"cartsync/internal/model"
	"cartsync/internal/reconcile"
	"cartsync/internal/session"
)

// CartView is the cart as the UI sees it.
type CartView struct {
	ClientID      string           `json:"clientId"`
	Status        session.Status   `json:"status"`
	User          *gateway.User    `json:"user,omitempty"`
	Version       uint64           `json:"version"`
	Items         []model.LineItem `json:"items"`
	TotalQuantity int              `json:"totalQuantity"`
	Total         decimal.Decimal  `json:"total"`
}

// MutationView reports the progress of one mutation.
type MutationView struct {
	ID         string     `json:"id"`
	Op         string     `json:"op"`
	Key        *model.Key `json:"key,omitempty"`
	State      string     `json:"state"`
	Superseded bool       `json:"superseded,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// MutationResponse is returned by every cart mutation.
// Cart is the local cart after the optimistic change, confirmed or not.
type MutationResponse struct {
	Mutation  MutationView `json:"mutation"`
	Confirmed bool         `json:"confirmed"`
	Cart      CartView     `json:"cart"`
	Error     *errorBody   `json:"error,omitempty"`
}

// MergeView summarizes a login merge.
type MergeView struct {
	Added   []model.Key `json:"added"`
	Updated []model.Key `json:"updated"`
	Skipped []model.Key `json:"skipped"`
	Failed  []failure   `json:"failed"`
}

type failure struct {
	Key   model.Key `json:"key"`
	Error string    `json:"error"`
}

// LoginResponse is returned by login.
type LoginResponse struct {
	Cart  CartView   `json:"cart"`
	Merge MergeView  `json:"merge"`
	Error *errorBody `json:"error,omitempty"`
}

func newCartView(s *session.Session) CartView {
	state := s.Store().Get()
	items := state.Items
	if items == nil {
		items = []model.LineItem{}
	}
	return CartView{
		ClientID:      s.ID,
		Status:        s.Status(),
		User:          s.User(),
		Version:       s.Store().Version(),
		Items:         items,
		TotalQuantity: state.TotalQuantity(),
		Total:         state.Total(),
	}
}

func newMutationView(m *coordinator.Mutation) MutationView {
	v := MutationView{
		ID:         m.ID,
		Op:         string(m.Op),
		State:      m.State().String(),
		Superseded: m.Superseded(),
		CreatedAt:  m.CreatedAt,
	}
	if !m.Key.IsZero() {
		key := m.Key
		v.Key = &key
	}
	if at := m.SettledAt(); !at.IsZero() {
		v.SettledAt = &at
	}
	if err := m.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

func newMergeView(result *reconcile.Result) MergeView {
	v := MergeView{
		Added:   nonNil(result.Added),
		Updated: nonNil(result.Updated),
		Skipped: nonNil(result.Skipped),
		Failed:  make([]failure, 0, len(result.Failed)),
	}
	for _, f := range result.Failed {
		v.Failed = append(v.Failed, failure{Key: f.Key, Error: f.Err.Error()})
	}
	return v
}

func nonNil(keys []model.Key) []model.Key {
	if keys == nil {
		return []model.Key{}
	}
	return keys
}
