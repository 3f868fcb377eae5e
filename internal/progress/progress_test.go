package progress

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-deck/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseIndex(t *testing.T) {
	cases := map[string]int{
		"3":    3,
		" 12":  12,
		"7abc": 7,
		"-2":   -2,
		"":     0,
		"abc":  0,
		"+":    0,
		"4.9":  4,
		"0010": 10,
	}
	for in, want := range cases {
		if got := ParseIndex(in); got != want {
			t.Fatalf("ParseIndex(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, ok, _ := m.Load(ctx); ok {
		t.Fatal("expected empty store")
	}
	if err := m.Save(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if idx, ok, _ := m.Load(ctx); !ok || idx != 5 {
		t.Fatalf("expected 5, got %d ok=%v", idx, ok)
	}
	if err := m.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Load(ctx); ok {
		t.Fatal("expected reset store")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "progress.db")
	s, err := Open(ctx, config.ProgressConfig{Path: path}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, ok, err := s.Load(ctx); err != nil || ok {
		t.Fatalf("expected no progress, ok=%v err=%v", ok, err)
	}
	if err := s.Save(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, 4); err != nil {
		t.Fatal(err)
	}
	idx, ok, err := s.Load(ctx)
	if err != nil || !ok || idx != 4 {
		t.Fatalf("expected 4, got %d ok=%v err=%v", idx, ok, err)
	}
	raw, _, err := s.Raw(ctx)
	if err != nil || raw != "4" {
		t.Fatalf("expected decimal string, got %q err=%v", raw, err)
	}

	if err := s.put(ctx, "garbage"); err != nil {
		t.Fatal(err)
	}
	if idx, ok, _ := s.Load(ctx); !ok || idx != 0 {
		t.Fatalf("expected unparsable value to restore 0, got %d", idx)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Load(ctx); ok {
		t.Fatal("expected reset")
	}
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.ProgressConfig{Path: filepath.Join(t.TempDir(), "progress.db"), Key: "custom"}
	s, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, 9); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if idx, ok, _ := s.Load(ctx); !ok || idx != 9 {
		t.Fatalf("expected 9 after reopen, got %d", idx)
	}
}
