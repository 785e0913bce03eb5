package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/bus"
)

// pcmPlayer is the slice of the output library's player a handle drives.
type pcmPlayer interface {
	Play()
	IsPlaying() bool
	Close() error
}

// pcmContext creates players for one fixed sample format.
type pcmContext interface {
	NewPlayer(r io.Reader) pcmPlayer
}

type otoContext struct{ ctx *oto.Context }

func (c otoContext) NewPlayer(r io.Reader) pcmPlayer { return c.ctx.NewPlayer(r) }

// newOtoContext opens the default output device. Blocks until the device is
// ready.
func newOtoContext(sampleRate, channels int) (pcmContext, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready
	return otoContext{ctx}, nil
}

// DevicePlayer plays WAV clips on the default output device. The device
// context is created lazily from the first clip's format; if no device can
// be opened, playback degrades to silent clock timing so the performance
// still animates.
type DevicePlayer struct {
	eventBus *bus.EventBus
	logger   zerolog.Logger
	clock    *ClockPlayer

	// newContext is swappable so device-less environments are testable.
	newContext func(sampleRate, channels int) (pcmContext, error)

	mu         sync.Mutex
	ctx        pcmContext
	sampleRate int
	channels   int
	deviceDown bool
}

// NewDevicePlayer creates a player for the default output device.
func NewDevicePlayer(eventBus *bus.EventBus, logger zerolog.Logger) *DevicePlayer {
	return &DevicePlayer{
		eventBus:   eventBus,
		logger:     logger.With().Str("component", "audio").Logger(),
		clock:      NewClockPlayer(eventBus, logger),
		newContext: newOtoContext,
	}
}

// Play decodes a clip and starts it on the output device.
func (p *DevicePlayer) Play(path string) (Handle, error) {
	clip, err := loadWavClip(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAudioLoad, path, err)
	}

	ctx, err := p.contextFor(clip)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("No output device, playing silently")
		if p.eventBus != nil {
			p.eventBus.Publish(bus.Event{
				Type: bus.EventTypeAudioFailed,
				Data: map[string]any{"path": path, "error": err.Error()},
			})
		}
		return p.clock.Play(path)
	}

	h := &deviceHandle{
		start:    time.Now(),
		duration: clip.duration,
		player:   ctx.NewPlayer(bytes.NewReader(clip.pcm)),
		done:     make(chan struct{}),
	}
	if p.eventBus != nil {
		eventBus := p.eventBus
		h.onDone = func() {
			eventBus.Publish(bus.Event{Type: bus.EventTypeAudioEnded, Data: map[string]any{"path": path}})
		}
		eventBus.Publish(bus.Event{
			Type: bus.EventTypeAudioStarted,
			Data: map[string]any{"path": path, "durationMs": clip.duration.Milliseconds()},
		})
	}
	h.player.Play()
	go h.watch()

	p.logger.Debug().Str("path", path).Dur("duration", clip.duration).Msg("Clip started")
	return h, nil
}

// contextFor returns the shared device context, opening it on first use.
func (p *DevicePlayer) contextFor(clip *wavClip) (pcmContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deviceDown {
		return nil, fmt.Errorf("%w: output device unavailable", ErrAudioPlayback)
	}
	if p.ctx != nil {
		if clip.sampleRate != p.sampleRate || clip.channels != p.channels {
			return nil, fmt.Errorf("%w: clip format %dHz/%dch does not match device %dHz/%dch",
				ErrAudioPlayback, clip.sampleRate, clip.channels, p.sampleRate, p.channels)
		}
		return p.ctx, nil
	}

	ctx, err := p.newContext(clip.sampleRate, clip.channels)
	if err != nil {
		p.deviceDown = true
		return nil, fmt.Errorf("%w: %v", ErrAudioPlayback, err)
	}
	p.ctx = ctx
	p.sampleRate = clip.sampleRate
	p.channels = clip.channels
	return ctx, nil
}

// deviceHandle tracks one clip playing on the device.
type deviceHandle struct {
	start    time.Time
	duration time.Duration
	player   pcmPlayer
	onDone   func()

	mu   sync.Mutex
	done chan struct{}
	err  error
	over bool
}

// watch polls the device player for completion. The deadline covers a
// player that never drains, so Done always fires.
func (h *deviceHandle) watch() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(h.duration + time.Second)

	for {
		select {
		case <-h.done:
			return
		case <-deadline:
			h.finish(nil)
			return
		case <-ticker.C:
			if !h.player.IsPlaying() {
				h.finish(nil)
				return
			}
		}
	}
}

func (h *deviceHandle) Elapsed() time.Duration {
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

func (h *deviceHandle) Done() <-chan struct{} { return h.done }

func (h *deviceHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *deviceHandle) Stop() {
	h.finish(nil)
}

func (h *deviceHandle) finish(err error) {
	h.mu.Lock()
	if h.over {
		h.mu.Unlock()
		return
	}
	h.over = true
	h.err = err
	close(h.done)
	onDone := h.onDone
	h.mu.Unlock()

	h.player.Close()
	if onDone != nil {
		onDone()
	}
}

// wavClip is a fully decoded clip ready for the device.
type wavClip struct {
	pcm        []byte
	sampleRate int
	channels   int
	duration   time.Duration
}

// loadWavClip decodes a WAV file to signed 16-bit little-endian PCM.
func loadWavClip(path string) (*wavClip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("empty wav file: %s", path)
	}
	if decoder.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", decoder.BitDepth)
	}

	channels := buf.Format.NumChannels
	rate := buf.Format.SampleRate
	if channels <= 0 || rate <= 0 {
		return nil, fmt.Errorf("invalid wav format: %dHz/%dch", rate, channels)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}

	frames := len(buf.Data) / channels
	duration := time.Duration(frames) * time.Second / time.Duration(rate)

	return &wavClip{
		pcm:        pcm,
		sampleRate: rate,
		channels:   channels,
		duration:   duration,
	}, nil
}
