package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// exerciseStore runs the contract every Store must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "cart:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) err = %v, want ErrNotFound", err)
	}

	if err := s.Save(ctx, "cart:abc", []byte(`{"items":[]}`)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := s.Load(ctx, "cart:abc")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if string(got) != `{"items":[]}` {
		t.Errorf("Load() = %s", got)
	}

	if err := s.Save(ctx, "cart:abc", []byte(`{"items":[1]}`)); err != nil {
		t.Fatalf("Save() overwrite error: %v", err)
	}
	got, _ = s.Load(ctx, "cart:abc")
	if string(got) != `{"items":[1]}` {
		t.Errorf("Load() after overwrite = %s", got)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_CopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	m.Save(ctx, "k", buf)
	buf[0] = 'x'

	got, _ := m.Load(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %s", got)
	}
	got[0] = 'y'
	again, _ := m.Load(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("loaded value aliased store: %s", again)
	}
}

func TestFile(t *testing.T) {
	s, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
}

func TestFile_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, _ := NewFile(dir)
	if err := s1.Save(ctx, "cart:guest", []byte("persisted")); err != nil {
		t.Fatal(err)
	}

	s2, _ := NewFile(dir)
	got, err := s2.Load(ctx, "cart:guest")
	if err != nil {
		t.Fatalf("Load() after reopen: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Load() = %s", got)
	}
}

func TestFile_KeyCannotEscapeDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "carts")
	s, _ := NewFile(dir)

	if err := s.Save(context.Background(), "../outside", []byte("x")); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 1 {
		t.Errorf("expected only the store directory under root, got %d entries", len(entries))
	}
}

func TestFile_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFile(dir)
	s.Save(context.Background(), "a", []byte("1"))
	s.Save(context.Background(), "b", []byte("2"))

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("unexpected file %s", e.Name())
		}
	}
}

func TestNewFile_RequiresDir(t *testing.T) {
	if _, err := NewFile(""); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestFile_CanceledContext(t *testing.T) {
	s, _ := NewFile(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Save(ctx, "k", []byte("v")); !errors.Is(err, context.Canceled) {
		t.Errorf("Save() err = %v, want context.Canceled", err)
	}
}
