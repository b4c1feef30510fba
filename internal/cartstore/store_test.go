package cartstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"cartsync/internal/kv"
	"cartsync/internal/model"
)

func item(product, variant string, qty int) model.LineItem {
	return model.LineItem{
		ProductID: product,
		VariantID: variant,
		Variant:   model.Variant{ID: variant, Price: decimal.NewFromInt(10)},
		Quantity:  qty,
	}
}

func openStore(t *testing.T, store kv.Store) *Store {
	t.Helper()
	s, err := Open(context.Background(), store, "cart:test", nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return s
}

func assertNoDuplicateKeys(t *testing.T, state model.CartState) {
	t.Helper()
	seen := make(map[model.Key]bool)
	for _, it := range state.Items {
		if seen[it.Key()] {
			t.Fatalf("duplicate key %s in %+v", it.Key(), state.Items)
		}
		seen[it.Key()] = true
	}
}

// failingKV fails every Save after the first `allow` calls.
type failingKV struct {
	kv.Store
	allow int
	calls int
}

func (f *failingKV) Save(ctx context.Context, key string, value []byte) error {
	f.calls++
	if f.calls > f.allow {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, key, value)
}

func TestOpen_Empty(t *testing.T) {
	s := openStore(t, kv.NewMemory())
	if s.Get().Len() != 0 {
		t.Errorf("new store has %d items", s.Get().Len())
	}
}

func TestOpen_DiscardsCorruptedData(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"wrong type", `[1,2,3]`},
		{"missing schema", `{"items":[]}`},
		{"incompatible major", `{"schema":"v2.0.0","items":[{"productId":"P1","variantId":"V1","quantity":1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := kv.NewMemory()
			mem.Save(context.Background(), "cart:test", []byte(tt.data))

			s := openStore(t, mem)
			if s.Get().Len() != 0 {
				t.Errorf("expected empty cart, got %+v", s.Get().Items)
			}
		})
	}
}

func TestOpen_DropsInvalidItems(t *testing.T) {
	mem := kv.NewMemory()
	data := `{"schema":"v1.3.0","items":[
		{"productId":"P1","variantId":"V1","quantity":2},
		{"productId":"","variantId":"V1","quantity":2},
		{"productId":"P2","variantId":"V2","quantity":0},
		{"productId":"P3","variantId":"V3","quantity":1}
	]}`
	mem.Save(context.Background(), "cart:test", []byte(data))

	s := openStore(t, mem)
	state := s.Get()
	if state.Len() != 2 {
		t.Fatalf("Len() = %d, want 2: %+v", state.Len(), state.Items)
	}
	if state.Items[0].ProductID != "P1" || state.Items[1].ProductID != "P3" {
		t.Errorf("unexpected items %+v", state.Items)
	}
}

func TestOpen_KVFailure(t *testing.T) {
	broken := &brokenLoadKV{}
	if _, err := Open(context.Background(), broken, "cart:test", nil); err == nil {
		t.Error("expected error when kv backend fails")
	}
}

type brokenLoadKV struct{ kv.Memory }

func (b *brokenLoadKV) Load(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestPersistence_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()

	s1 := openStore(t, mem)
	s1.Upsert(ctx, item("P1", "500g", 2))
	s1.Upsert(ctx, item("P2", "kg", 1))
	s1.Remove(ctx, model.Key{ProductID: "P2", VariantID: "kg"})

	s2 := openStore(t, mem)
	state := s2.Get()
	if state.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", state.Len())
	}
	got := state.Items[0]
	if got.Key() != (model.Key{ProductID: "P1", VariantID: "500g"}) || got.Quantity != 2 {
		t.Errorf("restored item = %+v", got)
	}
	if !got.Variant.Price.Equal(decimal.NewFromInt(10)) {
		t.Errorf("restored price = %s", got.Variant.Price)
	}
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())

	s.Upsert(ctx, item("P1", "V1", 1))
	s.Upsert(ctx, item("P2", "V2", 1))

	replacement := item("P1", "V1", 7)
	replacement.Variant.Name = "renamed"
	if err := s.Upsert(ctx, replacement); err != nil {
		t.Fatal(err)
	}

	state := s.Get()
	assertNoDuplicateKeys(t, state)
	if state.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", state.Len())
	}
	if state.Items[0].Quantity != 7 || state.Items[0].Variant.Name != "renamed" {
		t.Errorf("first item = %+v, want replaced in place", state.Items[0])
	}
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	s := openStore(t, kv.NewMemory())
	err := s.Upsert(context.Background(), item("P1", "V1", 0))
	if !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("Upsert(qty 0) err = %v, want ErrInvalidRequest", err)
	}
	if s.Get().Len() != 0 {
		t.Error("invalid item was stored")
	}
}

func TestAdd_SumsQuantity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())

	s.Add(ctx, item("P1", "V1", 2))
	got, err := s.Add(ctx, item("P1", "V1", 3))
	if err != nil {
		t.Fatal(err)
	}
	if got.Quantity != 5 {
		t.Errorf("Add() quantity = %d, want 5", got.Quantity)
	}
	assertNoDuplicateKeys(t, s.Get())
}

func TestSetAll_Deduplicates(t *testing.T) {
	s := openStore(t, kv.NewMemory())
	err := s.SetAll(context.Background(), []model.LineItem{
		item("P1", "V1", 1),
		item("P2", "V2", 1),
		item("P1", "V1", 4),
	})
	if err != nil {
		t.Fatal(err)
	}

	state := s.Get()
	assertNoDuplicateKeys(t, state)
	if state.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", state.Len())
	}
	if state.Items[0].ProductID != "P1" || state.Items[0].Quantity != 4 {
		t.Errorf("first item = %+v, want P1 qty 4 in first position", state.Items[0])
	}
}

func TestRemove_AbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())
	s.Upsert(ctx, item("P1", "V1", 1))

	var notified int
	s.Subscribe(func(Change) { notified++ })
	before := s.Version()

	if err := s.Remove(ctx, model.Key{ProductID: "P2", VariantID: "V9"}); err != nil {
		t.Errorf("Remove(absent) error: %v", err)
	}
	if notified != 0 || s.Version() != before {
		t.Error("Remove(absent) produced a change")
	}
	if s.Get().Len() != 1 {
		t.Error("Remove(absent) changed the cart")
	}
}

func TestUpdateQuantity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())
	s.Upsert(ctx, item("P1", "V1", 1))

	if err := s.UpdateQuantity(ctx, model.Key{ProductID: "P1", VariantID: "V1"}, 3); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Lookup(model.Key{ProductID: "P1", VariantID: "V1"})
	if got.Quantity != 3 {
		t.Errorf("quantity = %d, want 3", got.Quantity)
	}
}

func TestUpdateQuantity_AbsentFails(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())
	s.Upsert(ctx, item("P1", "V1", 1))
	before := s.Get()

	err := s.UpdateQuantity(ctx, model.Key{ProductID: "P9", VariantID: "V1"}, 3)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if s.Get().Len() != before.Len() || s.Get().Items[0] != before.Items[0] {
		t.Error("failed update changed the cart")
	}
}

func TestUpdateQuantity_RejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())
	s.Upsert(ctx, item("P1", "V1", 1))

	err := s.UpdateQuantity(ctx, model.Key{ProductID: "P1", VariantID: "V1"}, 0)
	if !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestPatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())
	s.SetAll(ctx, []model.LineItem{item("P1", "V1", 1), item("P2", "V2", 1)})

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	err := s.Patch(ctx,
		[]model.LineItem{item("P2", "V2", 5), item("P3", "V3", 1)},
		[]model.Key{{ProductID: "P1", VariantID: "V1"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(changes))
	}
	state := changes[0].State
	if state.Len() != 2 || state.Items[0].ProductID != "P2" || state.Items[0].Quantity != 5 {
		t.Errorf("patched state = %+v", state.Items)
	}

	// Removing only absent keys changes nothing.
	s.Patch(ctx, nil, []model.Key{{ProductID: "nope", VariantID: "x"}})
	if len(changes) != 1 {
		t.Error("empty patch notified subscribers")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	s := openStore(t, mem)
	s.Upsert(ctx, item("P1", "V1", 1))

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Get().Len() != 0 {
		t.Error("Clear() left items")
	}
	if openStore(t, mem).Get().Len() != 0 {
		t.Error("Clear() not persisted")
	}
}

func TestSubscribe_VersionsAndCancel(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())

	var versions []uint64
	cancel := s.Subscribe(func(c Change) {
		versions = append(versions, c.Version)
		// Reading from a subscriber must not deadlock.
		_ = s.Get()
	})

	s.Upsert(ctx, item("P1", "V1", 1))
	s.Upsert(ctx, item("P2", "V2", 1))
	cancel()
	cancel()
	s.Upsert(ctx, item("P3", "V3", 1))

	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("versions = %v, want [1 2]", versions)
	}
}

func TestPersistFailure_KeepsInMemoryChange(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &failingKV{Store: kv.NewMemory(), allow: 0})

	err := s.Upsert(ctx, item("P1", "V1", 1))
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if _, ok := s.Lookup(model.Key{ProductID: "P1", VariantID: "V1"}); !ok {
		t.Error("in-memory change was lost")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())
	s.Upsert(ctx, item("P1", "V1", 1))

	state := s.Get()
	state.Items[0].Quantity = 99

	if got, _ := s.Lookup(model.Key{ProductID: "P1", VariantID: "V1"}); got.Quantity != 1 {
		t.Error("mutating snapshot changed the store")
	}
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, kv.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(ctx, item("P1", "V1", 1))
			s.Upsert(ctx, item("P2", "V2", 1))
		}()
	}
	wg.Wait()

	state := s.Get()
	assertNoDuplicateKeys(t, state)
	got, _ := s.Lookup(model.Key{ProductID: "P1", VariantID: "V1"})
	if got.Quantity != 50 {
		t.Errorf("P1 quantity = %d, want 50", got.Quantity)
	}
}
