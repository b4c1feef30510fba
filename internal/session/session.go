// Package session ties one client's local cart, its mutation coordinator
// and its authentication state together, and keeps the sessions of all
// clients in a registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cartsync/internal/cartstore"
	"cartsync/internal/coordinator"
	"cartsync/internal/gateway"
	"cartsync/internal/model"
	"cartsync/internal/reconcile"
)

// Status of a session.
type Status string

const (
	StatusGuest         Status = "guest"
	StatusAuthenticated Status = "authenticated"
)

// Session is the cart of one client, guest or logged in.
type Session struct {
	ID string

	store   *cartstore.Store
	coord   *coordinator.Coordinator
	backend gateway.Backend
	merge   reconcile.Options
	logger  *slog.Logger

	mu         sync.Mutex
	user       *gateway.User
	engine     *reconcile.Engine
	engineUser string // user whose remote cart engine has merged into
}

// evictable reports whether dropping s from memory loses nothing the kv
// snapshot cannot restore.
func (s *Session) evictable() bool {
	return s.coord.Idle() && s.store.Subscribers() == 0
}

// Coordinator returns the session's mutation coordinator.
func (s *Session) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Store returns the session's local cart.
func (s *Session) Store() *cartstore.Store {
	return s.store
}

// User returns the logged-in user, or nil for a guest.
func (s *Session) User() *gateway.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Status reports whether the session is logged in.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return StatusGuest
	}
	return StatusAuthenticated
}

// Login validates token, merges the guest cart into the user's remote cart
// and switches the session to authenticated mode.
//
// Individual merge failures are returned as a *model.PartialMergeError
// together with the result; the session is authenticated regardless. Any
// other failure, such as the remote cart not being readable before or after
// the merge, returns a nil result and does not switch the session to the
// new user.
func (s *Session) Login(ctx context.Context, token string) (*reconcile.Result, error) {
	user, err := s.backend.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.backend.ForToken(token)
	engine := s.engine
	if engine != nil && s.engineUser == user.ID {
		// Same user again: keep what earlier merges folded in.
		engine.SetRemote(g)
	} else {
		if s.user != nil {
			// A different user: the previous user's cart must not be merged.
			s.user = nil
			if err := s.coord.Reset(ctx); err != nil {
				s.logger.Warn("emptied cart not persisted", "error", err)
			}
		}
		engine = reconcile.NewEngine(s.store, g, s.merge)
	}
	// Kept even if this run fails, so a retry does not repeat its writes.
	s.engine, s.engineUser = engine, user.ID

	result, err := engine.Run(ctx)
	var partial *model.PartialMergeError
	if err != nil && !errors.As(err, &partial) {
		s.logger.Warn("login merge failed", "user_id", user.ID, "error", err)
		return nil, fmt.Errorf("login merge: %w", err)
	}

	s.user = user
	s.coord.SetGateway(g)
	s.logger.Info("session logged in", "user_id", user.ID, "items", result.State.Len())
	return result, err
}

// Restore re-authenticates a session after a restart and refreshes the
// local cart from the remote one without merging.
func (s *Session) Restore(ctx context.Context, token string) error {
	user, err := s.backend.Authenticate(ctx, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	g := s.backend.ForToken(token)
	s.user = user
	s.engine, s.engineUser = reconcile.NewEngine(s.store, g, s.merge), user.ID
	s.coord.SetGateway(g)
	s.mu.Unlock()

	s.logger.Info("session restored", "user_id", user.ID)
	if err := s.coord.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing restored cart: %w", err)
	}
	return nil
}

// Logout returns the session to guest mode with an empty local cart.
// The remote cart is kept for the next login.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user != nil {
		s.logger.Info("session logged out", "user_id", s.user.ID)
	}
	s.user = nil
	s.engine, s.engineUser = nil, ""
	return s.coord.Reset(ctx)
}
