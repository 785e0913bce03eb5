// Package audio coordinates clip playback for the performance engine.
// Audio output happens on the window surface; this package manages playback
// state, timing, and lifecycle events.
package audio

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrAudioLoad     = errors.New("audio clip could not be loaded")
	ErrAudioPlayback = errors.New("audio playback failed")
)

// Handle tracks one in-flight clip playback.
type Handle interface {
	// Elapsed returns how far playback has progressed.
	Elapsed() time.Duration

	// Done is closed when playback ends, whether it completed or failed.
	Done() <-chan struct{}

	// Err reports the playback failure, if any, once Done is closed.
	Err() error

	// Stop halts playback early. Idempotent.
	Stop()
}

// Player starts playback of synthesized clips.
type Player interface {
	// Play begins playback of the WAV file at path. It returns once playback
	// has started; completion is observed through the returned Handle.
	Play(path string) (Handle, error)
}
