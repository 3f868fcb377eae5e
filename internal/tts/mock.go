package tts

import (
	"context"
	"time"
)

// MockSpeaker pretends to speak for a fixed duration.
type MockSpeaker struct {
	Duration time.Duration
}

func NewMockSpeaker(d time.Duration) *MockSpeaker {
	return &MockSpeaker{Duration: d}
}

func (m *MockSpeaker) Speak(ctx context.Context, text string) error {
	return wait(ctx, m.Duration)
}

// MockPlayer pretends to play tracks. When Available is false every track
// fails, which drives narration into the speech fallback.
type MockPlayer struct {
	Duration  time.Duration
	Available bool
}

func NewMockPlayer(d time.Duration, available bool) *MockPlayer {
	return &MockPlayer{Duration: d, Available: available}
}

func (m *MockPlayer) Play(ctx context.Context, src string) error {
	if !m.Available || src == "" {
		return ErrUnavailable
	}
	return wait(ctx, m.Duration)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
