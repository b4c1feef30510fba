package gateway

import (
	"context"
	"sync"

	"cartsync/internal/model"
)

// InMemory is a server-side cart held in process memory.
// It follows the semantics of the production backend: Add merges by key,
// UpdateQuantity on an absent key fails with NotFound and Remove is idempotent.
// Used by cartsyncd's development mode and by tests.
type InMemory struct {
	mu    sync.Mutex
	order []model.Key
	items map[model.Key]model.LineItem
}

// NewInMemory returns an empty cart, optionally seeded with items.
func NewInMemory(seed ...model.LineItem) *InMemory {
	m := &InMemory{items: make(map[model.Key]model.LineItem)}
	for _, item := range seed {
		m.putLocked(item)
	}
	return m
}

func (m *InMemory) Fetch(ctx context.Context) ([]model.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewNetworkError("cart", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

func (m *InMemory) Add(ctx context.Context, productID string, variant model.Variant, quantity int) ([]model.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewNetworkError("cart", err)
	}
	item, err := model.NewLineItem(productID, variant, quantity)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[item.Key()]; ok {
		item.Quantity += existing.Quantity
	}
	m.putLocked(item)
	return m.snapshotLocked(), nil
}

func (m *InMemory) UpdateQuantity(ctx context.Context, key model.Key, quantity int) ([]model.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewNetworkError("cart", err)
	}
	if quantity <= 0 {
		return nil, model.NewValidationError("quantity", "must be greater than zero")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return nil, model.NewNotFoundError("cart item " + key.String())
	}
	item.Quantity = quantity
	m.items[key] = item
	return m.snapshotLocked(), nil
}

func (m *InMemory) Remove(ctx context.Context, key model.Key) error {
	if err := ctx.Err(); err != nil {
		return model.NewNetworkError("cart", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return nil
	}
	delete(m.items, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *InMemory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.NewNetworkError("cart", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = nil
	clear(m.items)
	return nil
}

func (m *InMemory) putLocked(item model.LineItem) {
	key := item.Key()
	if _, ok := m.items[key]; !ok {
		m.order = append(m.order, key)
	}
	m.items[key] = item
}

func (m *InMemory) snapshotLocked() []model.LineItem {
	out := make([]model.LineItem, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.items[key])
	}
	return out
}

var _ Gateway = (*InMemory)(nil)

// InMemoryBackend keeps one InMemory cart per registered user.
type InMemoryBackend struct {
	mu     sync.RWMutex
	tokens map[string]User
	carts  map[string]*InMemory
}

// NewInMemoryBackend returns a backend with no users.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		tokens: make(map[string]User),
		carts:  make(map[string]*InMemory),
	}
}

// AddUser registers token as a credential of user. Several tokens may map
// to the same user; they share one cart.
func (b *InMemoryBackend) AddUser(token string, user User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[token] = user
	if _, ok := b.carts[user.ID]; !ok {
		b.carts[user.ID] = NewInMemory()
	}
}

// RevokeToken makes token invalid. The user's cart is kept.
func (b *InMemoryBackend) RevokeToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, token)
}

// Cart returns the cart of userID, or nil if the user is unknown.
func (b *InMemoryBackend) Cart(userID string) *InMemory {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.carts[userID]
}

func (b *InMemoryBackend) Authenticate(ctx context.Context, token string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewNetworkError("auth", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	user, ok := b.tokens[token]
	if !ok {
		return nil, model.NewUnauthorizedError("invalid or expired token")
	}
	return &user, nil
}

// ForToken returns a gateway that checks token on every call,
// so a revoked token fails with Unauthorized.
func (b *InMemoryBackend) ForToken(token string) Gateway {
	return &tokenGateway{backend: b, token: token}
}

func (b *InMemoryBackend) cartFor(token string) (*InMemory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	user, ok := b.tokens[token]
	if !ok {
		return nil, model.NewUnauthorizedError("invalid or expired token")
	}
	return b.carts[user.ID], nil
}

var _ Backend = (*InMemoryBackend)(nil)

type tokenGateway struct {
	backend *InMemoryBackend
	token   string
}

func (g *tokenGateway) Fetch(ctx context.Context) ([]model.LineItem, error) {
	cart, err := g.backend.cartFor(g.token)
	if err != nil {
		return nil, err
	}
	return cart.Fetch(ctx)
}

func (g *tokenGateway) Add(ctx context.Context, productID string, variant model.Variant, quantity int) ([]model.LineItem, error) {
	cart, err := g.backend.cartFor(g.token)
	if err != nil {
		return nil, err
	}
	return cart.Add(ctx, productID, variant, quantity)
}

func (g *tokenGateway) UpdateQuantity(ctx context.Context, key model.Key, quantity int) ([]model.LineItem, error) {
	cart, err := g.backend.cartFor(g.token)
	if err != nil {
		return nil, err
	}
	return cart.UpdateQuantity(ctx, key, quantity)
}

func (g *tokenGateway) Remove(ctx context.Context, key model.Key) error {
	cart, err := g.backend.cartFor(g.token)
	if err != nil {
		return err
	}
	return cart.Remove(ctx, key)
}

func (g *tokenGateway) Clear(ctx context.Context) error {
	cart, err := g.backend.cartFor(g.token)
	if err != nil {
		return err
	}
	return cart.Clear(ctx)
}
