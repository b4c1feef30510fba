// Package gateway defines the contract with the authoritative, server-side
// cart. Implementations translate a backend's wire format into canonical
// line items; nothing outside an implementation sees that format.
package gateway

import (
	"context"

	"cartsync/internal/model"
)

// Gateway is the remote cart of one authenticated user.
//
// Calls are not retried. Errors are model.APIError values wrapping
// ErrUnauthorized, ErrNetwork, ErrServer or, for UpdateQuantity only,
// ErrNotFound.
type Gateway interface {
	// Fetch returns the authoritative cart.
	Fetch(ctx context.Context) ([]model.LineItem, error)

	// Add adds quantity units of the variant. The server merges by identity
	// key, so adding an existing key increases its quantity.
	// Returns the full cart after the change.
	Add(ctx context.Context, productID string, variant model.Variant, quantity int) ([]model.LineItem, error)

	// UpdateQuantity sets the quantity of an existing line.
	// Returns the full cart after the change.
	UpdateQuantity(ctx context.Context, key model.Key, quantity int) ([]model.LineItem, error)

	// Remove deletes the line. Removing an absent line succeeds.
	Remove(ctx context.Context, key model.Key) error

	// Clear empties the remote cart.
	Clear(ctx context.Context) error
}

// User is the identity behind an authenticated session.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Backend authenticates users and hands out their gateways.
type Backend interface {
	// Authenticate validates token and returns its user.
	// An invalid or expired token fails with ErrUnauthorized.
	Authenticate(ctx context.Context, token string) (*User, error)

	// ForToken returns the gateway acting on behalf of token.
	ForToken(token string) Gateway
}
