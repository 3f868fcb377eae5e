package tts

import (
	"context"
	"errors"
)

// ErrUnavailable reports that a media source could not be played at all.
var ErrUnavailable = errors.New("media unavailable")

// Speaker reads text aloud. Speak blocks until the utterance finishes or ctx
// is cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// MediaPlayer plays a narration track. Play blocks until the track ends or ctx
// is cancelled.
type MediaPlayer interface {
	Play(ctx context.Context, src string) error
}
