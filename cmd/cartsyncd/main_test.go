package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cartsync/internal/gateway"
	"cartsync/internal/handler"
	"cartsync/internal/kv"
	"cartsync/internal/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingDrainer records Drain calls.
type countingDrainer struct {
	calls atomic.Int32
}

func (d *countingDrainer) Drain(ctx context.Context) error {
	d.calls.Add(1)
	return nil
}

// startServer serves h on a loopback port and returns its base URL.
func startServer(t *testing.T, h http.Handler) (*http.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server, cancel := newServer(ln.Addr().String(), h)
	t.Cleanup(cancel)
	go server.Serve(ln)
	return server, "http://" + ln.Addr().String()
}

func TestStop_ClosesEventStreams(t *testing.T) {
	logger := quietLogger()
	reg := session.NewRegistry(kv.NewMemory(), gateway.NewInMemoryBackend(), session.Options{Logger: logger})
	mux := http.NewServeMux()
	handler.New(reg, handler.Options{Logger: logger}).RegisterRoutes(mux)
	server, baseURL := startServer(t, mux)

	resp, err := http.Get(baseURL + "/cart/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	// The first event proves the stream is open.
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "event: cart") {
		t.Fatalf("first line = %q, err = %v", line, err)
	}

	drainer := &countingDrainer{}
	start := time.Now()
	if err := stop(server, drainer, logger, 5*time.Second); err != nil {
		t.Fatalf("stop() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stop took %v with an open event stream", elapsed)
	}
	if drainer.calls.Load() != 1 {
		t.Errorf("Drain calls = %d, want 1", drainer.calls.Load())
	}
}

func TestStop_DrainsAfterFailedShutdown(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	var once sync.Once
	// A handler that ignores its context keeps Shutdown waiting.
	stuck := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
	})
	server, baseURL := startServer(t, stuck)

	go func() {
		if resp, err := http.Get(baseURL); err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	drainer := &countingDrainer{}
	err := stop(server, drainer, quietLogger(), 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if drainer.calls.Load() != 1 {
		t.Errorf("Drain calls = %d, want 1 even after a failed shutdown", drainer.calls.Load())
	}
}
