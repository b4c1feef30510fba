package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"cartsync/internal/gateway"
	"cartsync/internal/model"
)

// LocalCart is the part of the local cart store the engine needs.
type LocalCart interface {
	Get() model.CartState
	SetAll(ctx context.Context, items []model.LineItem) error
}

// Options configures an Engine.
type Options struct {
	Policy Policy
	// MaxConcurrency bounds parallel remote writes. Zero means unbounded.
	MaxConcurrency int
	Logger         *slog.Logger
}

// Result reports what a merge did.
type Result struct {
	Added   []model.Key
	Updated []model.Key
	Skipped []model.Key
	Failed  []model.ItemFailure
	// State is the converged cart written to the local store.
	State model.CartState
}

// Engine merges one local cart into one remote cart.
// Safe for concurrent use; runs are serialized.
type Engine struct {
	local  LocalCart
	remote gateway.Gateway
	opts   Options

	mu        sync.Mutex
	converged map[model.Key]int
}

// NewEngine creates an engine for the given carts.
func NewEngine(local LocalCart, remote gateway.Gateway, opts Options) *Engine {
	if opts.Policy == "" {
		opts.Policy = ServerWins
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		local:     local,
		remote:    remote,
		opts:      opts,
		converged: make(map[model.Key]int),
	}
}

// SetRemote points the engine at another gateway of the same user, for
// example after the token was renewed. The converged state is kept.
func (e *Engine) SetRemote(remote gateway.Gateway) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = remote
}

// Run performs one merge:
//  1. snapshot the local cart and fetch the remote one (a failed fetch aborts
//     with the local cart untouched)
//  2. plan the writes and issue them all concurrently, waiting for every one
//     to settle
//  3. fetch the remote cart again and replace the local cart with it
//
// Individual write failures do not abort the merge. They are listed in the
// Result and returned together as a *model.PartialMergeError. Any other
// error comes with the Result of the writes already made; the local cart is
// then still the one the merge started from.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: snapshot both sides
	local := e.local.Get().Items
	remote, err := e.remote.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching remote cart: %w", err)
	}

	// Step 2: plan and write. Failures are collected, not fatal.
	plan := PlanMerge(local, remote, e.opts.Policy, e.converged)
	result := &Result{Skipped: plan.Skipped}

	if !plan.IsEmpty() {
		e.execute(ctx, plan, result)
		// The writes are on the server now. Remember them before re-reading
		// so a retry after a failed re-read does not sum them again.
		e.foldLocked(local, result)
	}

	// Step 3: re-read; the server's cart is the converged cart
	final, err := e.remote.Fetch(ctx)
	if err != nil {
		return result, fmt.Errorf("fetching merged cart: %w", err)
	}
	if err := e.local.SetAll(ctx, final); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return result, fmt.Errorf("storing merged cart: %w", err)
		}
		// Applied in memory; only the snapshot is stale.
		e.opts.Logger.Warn("merged cart not persisted", "error", err)
	}
	result.State = e.local.Get()

	clear(e.converged)
	for _, item := range result.State.Items {
		e.converged[item.Key()] = item.Quantity
	}

	e.opts.Logger.Info("cart merged",
		"policy", string(e.opts.Policy),
		"added", len(result.Added),
		"updated", len(result.Updated),
		"skipped", len(result.Skipped),
		"failed", len(result.Failed),
		"items", result.State.Len(),
	)

	if len(result.Failed) > 0 {
		return result, &model.PartialMergeError{Failed: result.Failed}
	}
	return result, nil
}

// foldLocked records the local quantity of every line the server accepted.
func (e *Engine) foldLocked(local []model.LineItem, result *Result) {
	quantities := make(map[model.Key]int, len(local))
	for _, item := range local {
		quantities[item.Key()] = item.Quantity
	}
	for _, keys := range [][]model.Key{result.Added, result.Updated} {
		for _, key := range keys {
			e.converged[key] = quantities[key]
		}
	}
}

// execute issues every planned write and waits for all of them.
// Goroutines never return an error so one failure cannot cancel the rest.
func (e *Engine) execute(ctx context.Context, plan *Plan, result *Result) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if e.opts.MaxConcurrency > 0 {
		g.SetLimit(e.opts.MaxConcurrency)
	}

	record := func(key model.Key, err error, ok *[]model.Key) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			e.opts.Logger.Warn("merge write failed", "key", key.String(), "error", err)
			result.Failed = append(result.Failed, model.ItemFailure{Key: key, Err: err})
			return
		}
		*ok = append(*ok, key)
	}

	for _, item := range plan.ToAdd {
		g.Go(func() error {
			_, err := e.remote.Add(ctx, item.ProductID, item.Variant, item.Quantity)
			record(item.Key(), err, &result.Added)
			return nil
		})
	}
	for _, upd := range plan.ToUpdate {
		g.Go(func() error {
			_, err := e.remote.UpdateQuantity(ctx, upd.Key, upd.NewQuantity)
			record(upd.Key, err, &result.Updated)
			return nil
		})
	}

	g.Wait()
}
