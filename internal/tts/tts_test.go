package tts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestMockPlayerUnavailable(t *testing.T) {
	p := NewMockPlayer(10*time.Millisecond, false)
	if err := p.Play(context.Background(), "audio/slide1.mp3"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestMockSpeakerCancel(t *testing.T) {
	s := NewMockSpeaker(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Speak(ctx, "hello") }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("speak did not return after cancel")
	}
}

func TestExecSpeakerWritesRequest(t *testing.T) {
	out := filepath.Join(t.TempDir(), "req.json")
	s, err := NewExecSpeaker("sh -c 'cat > "+out+"'", "en-GB")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Speak(context.Background(), "Welcome to the course"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"text":"Welcome to the course"`) || !strings.Contains(string(data), `"voice":"en-GB"`) {
		t.Fatalf("unexpected request %s", data)
	}
}

func TestExecPlayerSubstitutesSource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "played")
	p, err := NewExecPlayer("sh -c 'echo $0 > " + out + "' {src}")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Play(context.Background(), "audio/slide2.mp3"); err != nil {
		t.Fatalf("play: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "audio/slide2.mp3" {
		t.Fatalf("unexpected source %q", data)
	}

	failing, err := NewExecPlayer("false")
	if err != nil {
		t.Fatal(err)
	}
	if err := failing.Play(context.Background(), "x.mp3"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestParseCommandEmpty(t *testing.T) {
	if _, err := NewExecPlayer("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func writeWAV(t *testing.T, path string, sampleRate int, samples int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   make([]int, samples),
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTrackDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slide1.wav")
	writeWAV(t, path, 8000, 800)

	d, err := TrackDuration(path)
	if err != nil {
		t.Fatal(err)
	}
	if d < 99*time.Millisecond || d > 101*time.Millisecond {
		t.Fatalf("expected about 100ms, got %v", d)
	}
}

func TestWAVPlayerPlaysForTrackLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slide1.wav")
	writeWAV(t, path, 8000, 400)

	start := time.Now()
	if err := NewWAVPlayer(0).Play(context.Background(), path); err != nil {
		t.Fatalf("play: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned after %v, expected about 50ms", elapsed)
	}
}

func TestWAVPlayerUnavailable(t *testing.T) {
	dir := t.TempDir()
	notWAV := filepath.Join(dir, "slide1.mp3")
	if err := os.WriteFile(notWAV, []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewWAVPlayer(time.Second)
	for _, src := range []string{"", "https://cdn.example.com/a.wav", filepath.Join(dir, "missing.wav"), notWAV} {
		if err := p.Play(context.Background(), src); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("%q: expected unavailable, got %v", src, err)
		}
	}
}
