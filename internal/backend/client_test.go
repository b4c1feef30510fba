package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cartsync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Breaker: BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute},
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing URL")
	}
}

func TestNew_RejectsUnknownTLSProfile(t *testing.T) {
	if _, err := New(Config{BaseURL: "https://api.example", TLSProfile: "lynx"}); err == nil {
		t.Error("expected error for unknown TLS profile")
	}
}

func TestFetch_ParsesWireFormat(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cart/getUserCart" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"cartItems":[
			{"productId":"P1","selectedVariant":{"unit":"500g","price":120},"quantity":2},
			{"id":"P2","selectedVariant":{"_id":"v-77","unit":"kg","price":"99.50"},"quantity":1},
			{"productId":{"_id":"P3","name":"Paneer"},"selectedVariant":{"id":"v-3"},"quantity":4},
			{"productId":"P4","selectedVariant":{},"quantity":1},
			{"productId":"","selectedVariant":{"unit":"kg"},"quantity":1}
		]}`))
	}))

	items, err := c.ForToken("tok").Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}

	want := []model.Key{
		{ProductID: "P1", VariantID: "500g"},
		{ProductID: "P2", VariantID: "v-77"},
		{ProductID: "P3", VariantID: "v-3"},
	}
	if len(items) != len(want) {
		t.Fatalf("items = %+v, want %d unresolvable items dropped", items, 2)
	}
	for i, key := range want {
		if items[i].Key() != key {
			t.Errorf("items[%d].Key() = %s, want %s", i, items[i].Key(), key)
		}
	}
	if !items[1].Variant.Price.Equal(decimal.RequireFromString("99.5")) {
		t.Errorf("price = %s, want 99.5", items[1].Variant.Price)
	}
}

func TestAdd_SendsFullVariant(t *testing.T) {
	var got addRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cart/addToCart" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"cartItems":[{"productId":"P1","selectedVariant":{"unit":"500g","name":"Half kilo"},"quantity":2}]}`))
	}))

	variant := model.Variant{Unit: "500g", Name: "Half kilo", Price: decimal.NewFromInt(120)}
	items, err := c.ForToken("tok").Add(context.Background(), "P1", variant, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProductID != "P1" || got.Quantity != 2 || got.SelectedVariant.Unit != "500g" || got.SelectedVariant.Name != "Half kilo" {
		t.Errorf("request = %+v", got)
	}
	if len(items) != 1 || items[0].Quantity != 2 {
		t.Errorf("items = %+v", items)
	}
}

func TestUpdateQuantity_AddressesLineByUnit(t *testing.T) {
	var got updateRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cart/getUserCart":
			w.Write([]byte(`{"cartItems":[{"productId":"P1","selectedVariant":{"id":"v-1","unit":"500g"},"quantity":1}]}`))
		case "/cart/updateCartItem":
			json.NewDecoder(r.Body).Decode(&got)
			w.Write([]byte(`{"cartItems":[{"productId":"P1","selectedVariant":{"id":"v-1","unit":"500g"},"quantity":3}]}`))
		}
	}))

	g := c.ForToken("tok")
	key := model.Key{ProductID: "P1", VariantID: "v-1"}
	if _, err := g.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := g.UpdateQuantity(context.Background(), key, 3); err != nil {
		t.Fatal(err)
	}
	if got.Unit != "500g" || got.Quantity != 3 {
		t.Errorf("request = %+v, want unit 500g qty 3", got)
	}
}

func TestUpdateQuantity_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Item not in cart"}`))
	}))

	_, err := c.ForToken("tok").UpdateQuantity(context.Background(), model.Key{ProductID: "P1", VariantID: "kg"}, 3)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRemove_NotFoundIsSuccess(t *testing.T) {
	var got removeRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/cart/removeCartItem" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.ForToken("tok").Remove(context.Background(), model.Key{ProductID: "P2", VariantID: "V9"})
	if err != nil {
		t.Errorf("Remove() error: %v", err)
	}
	if got.ProductID != "P2" || got.Unit != "V9" {
		t.Errorf("request = %+v", got)
	}
}

func TestClear(t *testing.T) {
	var called bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = r.Method == http.MethodDelete && r.URL.Path == "/cart/clearCart"
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := c.ForToken("tok").Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("clearCart not called")
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status  int
		wantErr error
	}{
		{http.StatusUnauthorized, model.ErrUnauthorized},
		{http.StatusForbidden, model.ErrUnauthorized},
		{http.StatusBadRequest, model.ErrInvalidRequest},
		{http.StatusUnprocessableEntity, model.ErrInvalidRequest},
		{http.StatusTooManyRequests, model.ErrRateLimited},
		{http.StatusInternalServerError, model.ErrServer},
		{http.StatusBadGateway, model.ErrServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message":"nope"}`))
			}))
			_, err := c.ForToken("tok").Fetch(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.wantErr)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := New(Config{BaseURL: url, Timeout: time.Second, Logger: testLogger()})
	_, err := c.ForToken("tok").Fetch(context.Background())
	if !errors.Is(err, model.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestDeadlineIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ForToken("tok").Fetch(ctx)
	if !errors.Is(err, model.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestBreaker_OpensOnServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusNotFound)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	g := c.ForToken("tok")
	key := model.Key{ProductID: "P1", VariantID: "kg"}

	// Not-found answers do not count as failures.
	for i := 0; i < 5; i++ {
		g.UpdateQuantity(context.Background(), key, 1)
	}
	if calls.Load() != 5 {
		t.Fatalf("calls = %d, want 5", calls.Load())
	}

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 3; i++ {
		g.UpdateQuantity(context.Background(), key, 1)
	}
	before := calls.Load()

	_, err := g.UpdateQuantity(context.Background(), key, 1)
	if !errors.Is(err, model.ErrNetwork) {
		t.Errorf("open breaker err = %v, want ErrNetwork", err)
	}
	if calls.Load() != before {
		t.Error("open breaker still sent the request")
	}
}

func TestFetch_CoalescesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"cartItems":[{"productId":"P1","selectedVariant":{"unit":"kg"},"quantity":1}]}`))
	}))
	g := c.ForToken("tok")

	var wg sync.WaitGroup
	results := make([][]model.LineItem, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = g.Fetch(context.Background())
		}(i)
	}
	// Let the goroutines join the in-flight call before releasing it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", calls.Load())
	}
	for i, items := range results {
		if len(items) != 1 {
			t.Errorf("result %d = %+v", i, items)
		}
	}
	// Results are independent copies.
	results[0][0].Quantity = 99
	if results[1][0].Quantity != 1 {
		t.Error("coalesced results share backing storage")
	}
}

func TestFetch_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		arrived <- struct{}{}
		<-release
		w.Write([]byte(`{"cartItems":[{"productId":"P1","selectedVariant":{"unit":"kg"},"quantity":1}]}`))
	}))
	g := c.ForToken("tok")

	// The first caller starts the shared request, then gives up.
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Fetch(firstCtx)
		firstErr <- err
	}()
	<-arrived

	second := make(chan []model.LineItem, 1)
	go func() {
		items, err := g.Fetch(context.Background())
		if err != nil {
			t.Errorf("second Fetch() error: %v", err)
		}
		second <- items
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, model.ErrNetwork) {
		t.Errorf("first Fetch() err = %v, want ErrNetwork", err)
	}

	close(release)
	if items := <-second; len(items) != 1 {
		t.Errorf("second Fetch() = %+v, want the shared cart", items)
	}
	if calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", calls.Load())
	}
}

func TestAuthenticate(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"user":{"_id":"u-1","name":"Asha","email":"asha@example.com"}}`))
	}))

	user, err := c.Authenticate(context.Background(), "good")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "u-1" || user.Email != "asha@example.com" {
		t.Errorf("user = %+v", user)
	}

	if _, err := c.Authenticate(context.Background(), "bad"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("bad token err = %v, want ErrUnauthorized", err)
	}
	if _, err := c.Authenticate(context.Background(), ""); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("empty token err = %v, want ErrUnauthorized", err)
	}
}

func TestLooseID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"abc"`, "abc"},
		{`42`, "42"},
		{`{"_id":"obj-1","name":"x"}`, "obj-1"},
		{`{"id":"obj-2"}`, "obj-2"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var id looseID
		if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
			t.Errorf("Unmarshal(%s) error: %v", tt.in, err)
			continue
		}
		if string(id) != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, id, tt.want)
		}
	}
}
