package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/bus"
)

// ClockPlayer drives playback timing from the wall clock without touching
// an audio device. It is the silent fallback DevicePlayer degrades to when
// no output device is available, and the timing source for headless runs.
type ClockPlayer struct {
	eventBus *bus.EventBus
	logger   zerolog.Logger
}

// NewClockPlayer creates a player publishing to the given bus.
func NewClockPlayer(eventBus *bus.EventBus, logger zerolog.Logger) *ClockPlayer {
	return &ClockPlayer{
		eventBus: eventBus,
		logger:   logger.With().Str("component", "audio").Logger(),
	}
}

// Play starts a clip and returns its handle.
func (p *ClockPlayer) Play(path string) (Handle, error) {
	duration, err := WavDuration(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAudioLoad, path, err)
	}

	h := &clockHandle{
		start:    time.Now(),
		duration: duration,
		done:     make(chan struct{}),
	}
	h.timer = time.AfterFunc(duration, func() {
		h.finish(nil)
		if p.eventBus != nil {
			p.eventBus.Publish(bus.Event{Type: bus.EventTypeAudioEnded, Data: map[string]any{"path": path}})
		}
	})

	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{
			Type: bus.EventTypeAudioStarted,
			Data: map[string]any{
				"path":       path,
				"durationMs": duration.Milliseconds(),
			},
		})
	}

	p.logger.Debug().Str("path", path).Dur("duration", duration).Msg("Clip started")
	return h, nil
}

// clockHandle implements Handle on top of a timer.
type clockHandle struct {
	start    time.Time
	duration time.Duration
	timer    *time.Timer

	mu   sync.Mutex
	done chan struct{}
	err  error
	over bool
}

func (h *clockHandle) Elapsed() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.over {
		return h.duration
	}
	elapsed := time.Since(h.start)
	if elapsed > h.duration {
		elapsed = h.duration
	}
	return elapsed
}

func (h *clockHandle) Done() <-chan struct{} { return h.done }

func (h *clockHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *clockHandle) Stop() {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.finish(nil)
}

func (h *clockHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.over {
		return
	}
	h.over = true
	h.err = err
	close(h.done)
}

// WavDuration reads the duration of a WAV file from its header.
func WavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return 0, fmt.Errorf("not a valid wav file: %s", path)
	}
	return decoder.Duration()
}
