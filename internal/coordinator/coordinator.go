// Package coordinator applies single-item cart mutations optimistically to
// the local cart and confirms them against the remote cart in the background.
//
// Every mutation is applied locally before the call returns. With no remote
// gateway (guest mode) it is confirmed at once. Otherwise the remote call
// runs detached from the caller and settles the mutation as Confirmed, with
// the server's items written back, or Failed, with the local change kept and
// the error wrapped in a *model.NotConfirmedError. Failed mutations are
// neither rolled back nor retried.
//
// Responses are sequenced per identity key: a response is written back to a
// line only if its mutation is still the latest one issued for that line and
// no Clear was issued after it. Lines of other keys carried in the same
// response are written back only when nothing is in flight for them.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cartsync/internal/cartstore"
	"cartsync/internal/gateway"
	"cartsync/internal/model"
)

const (
	defaultMutationTimeout = 10 * time.Second
	defaultHistorySize     = 256
)

// Options configures a Coordinator.
type Options struct {
	// MutationTimeout bounds each remote call.
	MutationTimeout time.Duration
	// HistorySize is how many settled mutations stay queryable by ID.
	HistorySize int
	Logger      *slog.Logger
	// Meter records mutation outcomes. Defaults to the global meter provider.
	Meter metric.Meter
}

// Coordinator owns the mutation flow of one local cart.
type Coordinator struct {
	store  *cartstore.Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	outcomes metric.Int64Counter
	duration metric.Float64Histogram

	mu             sync.Mutex
	remote         gateway.Gateway
	seq            uint64
	latest         map[model.Key]uint64 // seq of the last mutation issued per key
	inflight       map[model.Key]int
	clearSeq       uint64
	clearsInflight int
	mutations      map[string]*Mutation
	settled        []string // settled mutation IDs, oldest first

	wg sync.WaitGroup
}

// New creates a coordinator in guest mode.
func New(store *cartstore.Store, opts Options) (*Coordinator, error) {
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = defaultMutationTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("cartsync/coordinator")
	}

	outcomes, err := opts.Meter.Int64Counter("cart_mutations",
		metric.WithDescription("Cart mutations by operation and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := opts.Meter.Float64Histogram("cart_mutation_duration",
		metric.WithDescription("Time from issuing a mutation to its remote settlement"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
		now:       time.Now,
		outcomes:  outcomes,
		duration:  duration,
		latest:    make(map[model.Key]uint64),
		inflight:  make(map[model.Key]int),
		mutations: make(map[string]*Mutation),
	}, nil
}

// SetGateway switches between guest mode (nil) and authenticated mode.
// Mutations already in flight settle against the gateway they started with.
func (c *Coordinator) SetGateway(g gateway.Gateway) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = g
}

// Authenticated reports whether a remote gateway is set.
func (c *Coordinator) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

// Cart returns the current local cart.
func (c *Coordinator) Cart() model.CartState {
	return c.store.Get()
}

// Mutation returns a pending or recently settled mutation by ID.
func (c *Coordinator) Mutation(id string) (*Mutation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mutations[id]
	return m, ok
}

// AddItem adds quantity units of a variant, merging with an existing line.
// Invalid input is rejected before anything is changed.
func (c *Coordinator) AddItem(ctx context.Context, productID string, variant model.Variant, quantity int) (*Mutation, error) {
	item, err := model.NewLineItem(productID, variant, quantity)
	if err != nil {
		c.count(ctx, OpAdd, "rejected")
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.Add(ctx, item); err != nil {
		c.logger.Warn("optimistic add not persisted", "key", item.Key().String(), "error", err)
	}
	m := c.beginLocked(OpAdd, item.Key())
	c.dispatchLocked(ctx, m, func(ctx context.Context, g gateway.Gateway) ([]model.LineItem, error) {
		return g.Add(ctx, item.ProductID, item.Variant, item.Quantity)
	})
	return m, nil
}

// UpdateQuantity sets the quantity of an existing line. Zero removes the
// line; a negative quantity is rejected. A key absent from the local cart
// fails with model.ErrNotFound before any remote call, whatever the quantity.
func (c *Coordinator) UpdateQuantity(ctx context.Context, key model.Key, quantity int) (*Mutation, error) {
	if err := checkKey(key); err != nil {
		c.count(ctx, OpUpdate, "rejected")
		return nil, err
	}
	if quantity < 0 {
		c.count(ctx, OpUpdate, "rejected")
		return nil, model.NewValidationError("quantity", "must not be negative")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Zero removes the line, but like any update it needs the line to exist.
	if quantity == 0 {
		if _, ok := c.store.Lookup(key); !ok {
			c.count(ctx, OpUpdate, "rejected")
			return nil, model.NewNotFoundError("cart item " + key.String())
		}
		return c.removeLocked(ctx, key), nil
	}

	if err := c.store.UpdateQuantity(ctx, key, quantity); err != nil {
		if isRejection(err) {
			c.count(ctx, OpUpdate, "rejected")
			return nil, err
		}
		c.logger.Warn("optimistic update not persisted", "key", key.String(), "error", err)
	}
	m := c.beginLocked(OpUpdate, key)
	c.dispatchLocked(ctx, m, func(ctx context.Context, g gateway.Gateway) ([]model.LineItem, error) {
		return g.UpdateQuantity(ctx, key, quantity)
	})
	return m, nil
}

// RemoveItem deletes a line. Removing an absent line is a local no-op; the
// remote remove is still issued and is idempotent.
func (c *Coordinator) RemoveItem(ctx context.Context, key model.Key) (*Mutation, error) {
	if err := checkKey(key); err != nil {
		c.count(ctx, OpRemove, "rejected")
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, key), nil
}

func (c *Coordinator) removeLocked(ctx context.Context, key model.Key) *Mutation {
	if err := c.store.Remove(ctx, key); err != nil {
		c.logger.Warn("optimistic remove not persisted", "key", key.String(), "error", err)
	}
	m := c.beginLocked(OpRemove, key)
	c.dispatchLocked(ctx, m, func(ctx context.Context, g gateway.Gateway) ([]model.LineItem, error) {
		return nil, g.Remove(ctx, key)
	})
	return m
}

// Clear empties the cart.
func (c *Coordinator) Clear(ctx context.Context) (*Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("optimistic clear not persisted", "error", err)
	}
	m := c.beginLocked(OpClear, model.Key{})
	c.dispatchLocked(ctx, m, func(ctx context.Context, g gateway.Gateway) ([]model.LineItem, error) {
		return nil, g.Clear(ctx)
	})
	return m, nil
}

// Refresh replaces the local cart with the remote one. Lines with a
// mutation in flight, or issued after Refresh started, keep their local
// state. In guest mode it does nothing.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	g := c.remote
	mark := c.seq
	c.mu.Unlock()

	if g == nil {
		return nil
	}
	items, err := g.Fetch(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	remote := make(map[model.Key]bool, len(items))
	var upserts []model.LineItem
	for _, item := range items {
		remote[item.Key()] = true
		if c.writableLocked(item.Key(), mark) {
			upserts = append(upserts, item)
		}
	}
	var removals []model.Key
	for _, item := range c.store.Get().Items {
		if !remote[item.Key()] && c.writableLocked(item.Key(), mark) {
			removals = append(removals, item.Key())
		}
	}
	return c.store.Patch(ctx, upserts, removals)
}

// Reset returns the coordinator to guest mode and empties the local cart
// without touching the remote one. Responses of mutations still in flight
// are discarded when they arrive.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remote = nil
	c.seq++
	c.clearSeq = c.seq
	return c.store.Clear(ctx)
}

// Idle reports whether no remote call is in flight.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) == 0 && c.clearsInflight == 0
}

// Drain waits until every in-flight remote call has settled or ctx is done.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// MUTATION SEQUENCING
// =============================================================================
//
// Every mutation takes the next sequence number. Per identity key the
// coordinator tracks the newest sequence (latest) and the calls still out
// (inflight). Clear is cart-wide and tracked by clearSeq and clearsInflight.
//
// When a response arrives:
//
//   1. the call is released from inflight
//   2. a failure settles the mutation as Failed and touches nothing
//   3. a mutation that is no longer latest for its key, or was issued
//      before a Clear, settles as superseded
//   4. otherwise the mutated line is written back, and any other line the
//      server returned only where nothing newer is pending for it
//
// The local cart therefore only moves backwards to a server value when no
// later optimistic write exists for that line.
// =============================================================================

type remoteCall func(ctx context.Context, g gateway.Gateway) ([]model.LineItem, error)

func (c *Coordinator) beginLocked(op Op, key model.Key) *Mutation {
	c.seq++
	m := newMutation(uuid.NewString(), op, key, c.now())
	m.seq = c.seq
	m.state.Store(int32(OptimisticApplied))

	if op == OpClear {
		c.clearSeq = m.seq
		c.clearsInflight++
	} else {
		c.latest[key] = m.seq
		c.inflight[key]++
	}
	c.mutations[m.ID] = m
	return m
}

// dispatchLocked confirms m at once in guest mode, or runs call on its own
// goroutine. The goroutine keeps ctx's values but not its cancellation.
func (c *Coordinator) dispatchLocked(ctx context.Context, m *Mutation, call remoteCall) {
	// Guest mode: the local write is all there is
	if c.remote == nil {
		c.completeLocked(ctx, m, nil, nil)
		c.count(ctx, m.Op, "local")
		return
	}

	// Bind the gateway now so a login or logout does not redirect this call
	g := c.remote
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.MutationTimeout)
		defer cancel()

		start := time.Now()
		items, err := call(callCtx, g)
		c.duration.Record(callCtx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("op", string(m.Op))))

		c.mu.Lock()
		outcome := c.completeLocked(callCtx, m, items, err)
		c.mu.Unlock()
		c.count(callCtx, m.Op, outcome)
	}()
}

// completeLocked settles m and writes back the response when m is still
// authoritative for its line. It returns the outcome label.
func (c *Coordinator) completeLocked(ctx context.Context, m *Mutation, items []model.LineItem, err error) string {
	// Step 1: release
	c.releaseLocked(m)
	defer c.rememberLocked(m)

	logger := c.logger.With("mutation_id", m.ID, "op", string(m.Op))
	if !m.Key.IsZero() {
		logger = logger.With("key", m.Key.String())
	}

	// Step 2: failure. The optimistic write stays until the next refresh
	if err != nil {
		logger.Warn("mutation not confirmed", "error", err)
		m.settle(Failed, &model.NotConfirmedError{Op: string(m.Op), Key: m.Key, Err: err}, c.now())
		return "failed"
	}

	// Step 3: a newer mutation owns this line
	if !c.latestLocked(m) {
		logger.Debug("mutation superseded")
		m.superseded.Store(true)
		m.settle(Confirmed, nil, c.now())
		return "superseded"
	}

	// Step 4: write back what the server returned, skipping lines with
	// newer local changes
	if len(items) > 0 {
		var upserts []model.LineItem
		for _, item := range items {
			if item.Key() == m.Key || c.writableLocked(item.Key(), m.seq-1) {
				upserts = append(upserts, item)
			}
		}
		if perr := c.store.Patch(ctx, upserts, nil); perr != nil {
			logger.Warn("confirmed state not persisted", "error", perr)
		}
	}

	m.settle(Confirmed, nil, c.now())
	return "confirmed"
}

func (c *Coordinator) releaseLocked(m *Mutation) {
	if m.Op == OpClear {
		c.clearsInflight--
		return
	}
	c.inflight[m.Key]--
	if c.inflight[m.Key] <= 0 {
		delete(c.inflight, m.Key)
	}
}

// latestLocked reports whether m is the newest mutation affecting its line.
func (c *Coordinator) latestLocked(m *Mutation) bool {
	if m.Op == OpClear {
		return c.clearSeq == m.seq
	}
	return c.latest[m.Key] == m.seq && c.clearSeq < m.seq
}

// writableLocked reports whether server state for key observed after
// sequence mark may overwrite the local line: nothing is in flight for it
// and nothing touching it was issued after mark.
func (c *Coordinator) writableLocked(key model.Key, mark uint64) bool {
	return c.inflight[key] == 0 &&
		c.latest[key] <= mark &&
		c.clearSeq <= mark &&
		c.clearsInflight == 0
}

// rememberLocked bounds the settled history.
func (c *Coordinator) rememberLocked(m *Mutation) {
	c.settled = append(c.settled, m.ID)
	for len(c.settled) > c.opts.HistorySize {
		delete(c.mutations, c.settled[0])
		c.settled = c.settled[1:]
	}
}

func (c *Coordinator) count(ctx context.Context, op Op, outcome string) {
	c.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", string(op)),
		attribute.String("outcome", outcome),
	))
}

func checkKey(key model.Key) error {
	if key.ProductID == "" {
		return model.NewUnresolvableIdentityError("", "product id is required")
	}
	if key.VariantID == "" {
		return model.NewUnresolvableIdentityError(key.ProductID, "variant id is required")
	}
	return nil
}

// isRejection distinguishes input errors from persistence failures.
func isRejection(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr)
}
