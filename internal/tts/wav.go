package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// WAVPlayer plays local WAV tracks silently for their recorded length, so a
// headless player keeps real narration timings. Anything that is not a
// readable local WAV file is reported as unavailable.
type WAVPlayer struct {
	// MaxDuration caps a single track. Zero means no cap.
	MaxDuration time.Duration
}

func NewWAVPlayer(maxDuration time.Duration) *WAVPlayer {
	return &WAVPlayer{MaxDuration: maxDuration}
}

func (p *WAVPlayer) Play(ctx context.Context, src string) error {
	d, err := TrackDuration(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if p.MaxDuration > 0 && d > p.MaxDuration {
		d = p.MaxDuration
	}
	return wait(ctx, d)
}

// TrackDuration reads the length of a WAV file from its header.
func TrackDuration(path string) (time.Duration, error) {
	if path == "" || strings.Contains(path, "://") {
		return 0, errors.New("not a local file")
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a wav file", path)
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("read wav duration: %w", err)
	}
	return d, nil
}
