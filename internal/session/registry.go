package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"cartsync/internal/cartstore"
	"cartsync/internal/coordinator"
	"cartsync/internal/gateway"
	"cartsync/internal/kv"
	"cartsync/internal/model"
	"cartsync/internal/reconcile"
)

// Options configures every session of a Registry.
type Options struct {
	MergePolicy      reconcile.Policy
	MergeConcurrency int
	MutationTimeout  time.Duration
	HistorySize      int
	Logger           *slog.Logger
	Meter            metric.Meter

	// IdleTimeout drops sessions unused for this long. Zero keeps them.
	IdleTimeout time.Duration
	// MaxSessions bounds the open sessions. Zero means unbounded.
	MaxSessions int
}

// Registry hands out sessions by client ID, hydrating each one's cart from
// the kv store on first use. Idle sessions are evicted and re-hydrate on
// their next request; an evicted signed-in session comes back as a guest
// until the client restores it.
type Registry struct {
	kv      kv.Store
	backend gateway.Backend
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	session  *Session
	lastUsed time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(store kv.Store, backend gateway.Backend, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		kv:       store,
		backend:  backend,
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Create starts a new guest session with a fresh client ID.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	return r.Get(ctx, uuid.NewString())
}

// Get returns the session for id, opening it if needed.
// id must be a UUID.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, model.NewValidationError("client id", "must be a UUID")
	}
	id = parsed.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.sessions[id]; ok {
		e.lastUsed = now
		return e.session, nil
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions && !r.evictOldestLocked() {
		r.logger.Warn("session limit reached", "max_sessions", r.opts.MaxSessions)
		return nil, model.NewRateLimitError("sessions")
	}

	logger := r.logger.With("client_id", id)
	store, err := cartstore.Open(ctx, r.kv, storeKey(id), logger)
	if err != nil {
		return nil, fmt.Errorf("opening session %s: %w", id, err)
	}
	coord, err := coordinator.New(store, coordinator.Options{
		MutationTimeout: r.opts.MutationTimeout,
		HistorySize:     r.opts.HistorySize,
		Logger:          logger,
		Meter:           r.opts.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}

	s := &Session{
		ID:      id,
		store:   store,
		coord:   coord,
		backend: r.backend,
		merge: reconcile.Options{
			Policy:         r.opts.MergePolicy,
			MaxConcurrency: r.opts.MergeConcurrency,
			Logger:         logger,
		},
		logger: logger,
	}
	r.sessions[id] = &entry{session: s, lastUsed: now}
	return s, nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain waits for the in-flight mutations of every session.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.coord.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Evict drops every session idle for longer than the idle timeout and
// returns how many went. Sessions with remote calls in flight or open event
// streams are kept.
func (r *Registry) Evict() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.opts.IdleTimeout)
	evicted := 0
	for id, e := range r.sessions {
		if e.lastUsed.After(cutoff) || !e.session.evictable() {
			continue
		}
		delete(r.sessions, id)
		evicted++
	}
	if evicted > 0 {
		r.logger.Debug("evicted idle sessions", "count", evicted, "open", len(r.sessions))
	}
	return evicted
}

// Run evicts idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.opts.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict()
		}
	}
}

// evictOldestLocked drops the least recently used evictable session.
func (r *Registry) evictOldestLocked() bool {
	var (
		oldest string
		at     time.Time
	)
	for id, e := range r.sessions {
		if !e.session.evictable() {
			continue
		}
		if oldest == "" || e.lastUsed.Before(at) {
			oldest, at = id, e.lastUsed
		}
	}
	if oldest == "" {
		return false
	}
	delete(r.sessions, oldest)
	return true
}

func storeKey(id string) string {
	return "cart:" + id
}
