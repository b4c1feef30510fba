// Package cartstore holds the local cart of one session. It is the only
// place the local cart is mutated, keeps at most one line item per identity
// key, and persists every effective change so the cart survives restarts.
package cartstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cartsync/internal/kv"
	"cartsync/internal/model"
)

// Change is delivered to subscribers after every effective mutation.
// Version increases by one per change; consumers that receive changes
// out of order can drop any version older than the last one seen.
type Change struct {
	Version uint64
	State   model.CartState
}

// Store is a concurrency-safe, persisted cart.
type Store struct {
	kv     kv.Store
	key    string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	order   []model.Key
	items   map[model.Key]model.LineItem
	version uint64

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// Open hydrates the cart persisted under key. Absent or corrupted data
// yields an empty cart and a warning; only a failing kv backend is an error.
func Open(ctx context.Context, store kv.Store, key string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:     store,
		key:    key,
		logger: logger.With("cart", key),
		now:    time.Now,
		items:  make(map[model.Key]model.LineItem),
		subs:   make(map[int]func(Change)),
	}

	data, err := store.Load(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("cartstore: loading %s: %w", key, err)
	}

	items, err := decodeSnapshot(data, s.logger)
	if err != nil {
		s.logger.Warn("discarding persisted cart", "error", err)
		return s, nil
	}
	s.replaceLocked(items)
	return s, nil
}

// Get returns a copy of the current cart.
func (s *Store) Get() model.CartState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// Version returns the number of effective changes since Open.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Lookup returns the item with the given key.
func (s *Store) Lookup(key model.Key) (model.LineItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	return item, ok
}

// SetAll replaces the whole cart. Duplicate keys collapse into one entry:
// the later entry wins and the first position is kept.
func (s *Store) SetAll(ctx context.Context, items []model.LineItem) error {
	for _, item := range items {
		if err := model.Validate(item); err != nil {
			return err
		}
	}
	return s.mutate(ctx, func() bool {
		s.replaceLocked(items)
		return true
	})
}

// Upsert inserts item or replaces the quantity and variant snapshot of the
// existing entry with the same key.
func (s *Store) Upsert(ctx context.Context, item model.LineItem) error {
	if err := model.Validate(item); err != nil {
		return err
	}
	return s.mutate(ctx, func() bool {
		s.putLocked(item)
		return true
	})
}

// Add inserts item, or adds its quantity to the existing entry with the same
// key and refreshes the variant snapshot. It returns the resulting entry.
func (s *Store) Add(ctx context.Context, item model.LineItem) (model.LineItem, error) {
	if err := model.Validate(item); err != nil {
		return model.LineItem{}, err
	}
	var result model.LineItem
	err := s.mutate(ctx, func() bool {
		if existing, ok := s.items[item.Key()]; ok {
			item.Quantity += existing.Quantity
		}
		s.putLocked(item)
		result = item
		return true
	})
	return result, err
}

// Merge upserts every item and notifies subscribers once.
func (s *Store) Merge(ctx context.Context, items []model.LineItem) error {
	return s.Patch(ctx, items, nil)
}

// Patch upserts the given items and removes the given keys in one change.
// Removals of absent keys are ignored. Nothing happens when the patch
// changes nothing at all.
func (s *Store) Patch(ctx context.Context, upserts []model.LineItem, removals []model.Key) error {
	for _, item := range upserts {
		if err := model.Validate(item); err != nil {
			return err
		}
	}
	return s.mutate(ctx, func() bool {
		changed := len(upserts) > 0
		for _, item := range upserts {
			s.putLocked(item)
		}
		for _, key := range removals {
			if s.deleteLocked(key) {
				changed = true
			}
		}
		return changed
	})
}

// Remove deletes the item with key. Removing an absent key is a no-op.
func (s *Store) Remove(ctx context.Context, key model.Key) error {
	return s.mutate(ctx, func() bool {
		return s.deleteLocked(key)
	})
}

// UpdateQuantity sets the quantity of an existing item.
// It fails with model.ErrNotFound when the key is absent.
func (s *Store) UpdateQuantity(ctx context.Context, key model.Key, quantity int) error {
	if quantity <= 0 {
		return model.NewValidationError("quantity", "must be greater than zero")
	}
	var missing bool
	err := s.mutate(ctx, func() bool {
		item, ok := s.items[key]
		if !ok {
			missing = true
			return false
		}
		item.Quantity = quantity
		s.items[key] = item
		return true
	})
	if missing {
		return model.NewNotFoundError("cart item " + key.String())
	}
	return err
}

// Clear empties the cart.
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, func() bool {
		if len(s.order) == 0 {
			return false
		}
		s.replaceLocked(nil)
		return true
	})
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the mutating goroutine after the store lock
// has been released, so it may read the store but should return quickly.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Subscribers returns the number of registered change listeners.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// mutate applies fn under the write lock and, when fn reports a change,
// persists and notifies. A persistence failure is returned but the
// in-memory change stays applied.
func (s *Store) mutate(ctx context.Context, fn func() bool) error {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return nil
	}
	s.version++
	change := Change{Version: s.version, State: s.stateLocked()}
	err := s.persistLocked(ctx, change.State.Items)
	s.mu.Unlock()

	s.notify(change)
	return err
}

func (s *Store) persistLocked(ctx context.Context, items []model.LineItem) error {
	data, err := encodeSnapshot(items, s.now())
	if err != nil {
		return fmt.Errorf("cartstore: encoding snapshot: %w", err)
	}
	if err := s.kv.Save(ctx, s.key, data); err != nil {
		s.logger.Error("failed to persist cart", "error", err, "version", s.version)
		return fmt.Errorf("cartstore: persisting %s: %w", s.key, err)
	}
	return nil
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (s *Store) stateLocked() model.CartState {
	items := make([]model.LineItem, 0, len(s.order))
	for _, key := range s.order {
		items = append(items, s.items[key])
	}
	return model.CartState{Items: items}
}

func (s *Store) replaceLocked(items []model.LineItem) {
	s.order = s.order[:0]
	clear(s.items)
	for _, item := range items {
		s.putLocked(item)
	}
}

func (s *Store) putLocked(item model.LineItem) {
	key := item.Key()
	if _, ok := s.items[key]; !ok {
		s.order = append(s.order, key)
	}
	s.items[key] = item
}

func (s *Store) deleteLocked(key model.Key) bool {
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}
