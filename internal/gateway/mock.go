package gateway

import (
	"context"

	"cartsync/internal/model"
)

// Mock implements Gateway for testing.
// Each method can be configured via function fields.
type Mock struct {
	FetchFunc          func(ctx context.Context) ([]model.LineItem, error)
	AddFunc            func(ctx context.Context, productID string, variant model.Variant, quantity int) ([]model.LineItem, error)
	UpdateQuantityFunc func(ctx context.Context, key model.Key, quantity int) ([]model.LineItem, error)
	RemoveFunc         func(ctx context.Context, key model.Key) error
	ClearFunc          func(ctx context.Context) error
}

// Fetch calls the configured FetchFunc or returns an empty cart.
func (m *Mock) Fetch(ctx context.Context) ([]model.LineItem, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx)
	}
	return []model.LineItem{}, nil
}

// Add calls the configured AddFunc or returns an error.
func (m *Mock) Add(ctx context.Context, productID string, variant model.Variant, quantity int) ([]model.LineItem, error) {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, productID, variant, quantity)
	}
	return nil, model.NewInternalError(nil)
}

// UpdateQuantity calls the configured UpdateQuantityFunc or returns NotFound.
func (m *Mock) UpdateQuantity(ctx context.Context, key model.Key, quantity int) ([]model.LineItem, error) {
	if m.UpdateQuantityFunc != nil {
		return m.UpdateQuantityFunc(ctx, key, quantity)
	}
	return nil, model.NewNotFoundError("cart item " + key.String())
}

// Remove calls the configured RemoveFunc or succeeds.
func (m *Mock) Remove(ctx context.Context, key model.Key) error {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, key)
	}
	return nil
}

// Clear calls the configured ClearFunc or succeeds.
func (m *Mock) Clear(ctx context.Context) error {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx)
	}
	return nil
}

// Verify Mock implements Gateway interface at compile time.
var _ Gateway = (*Mock)(nil)
