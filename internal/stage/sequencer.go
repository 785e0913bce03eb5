package stage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/audio"
	"github.com/ahonda/manzaistage/internal/bus"
	"github.com/ahonda/manzaistage/internal/render"
	"github.com/ahonda/manzaistage/internal/script"
	"github.com/ahonda/manzaistage/internal/timing"
)

// Sequencer walks a loaded dialogue clip by clip. It owns at most one audio
// handle at a time, samples mouth openness every frame while a clip plays,
// and forwards it to the renderer so only the active speaker's mouth moves.
type Sequencer struct {
	mu sync.Mutex

	session    session
	generation uint64
	cancel     context.CancelFunc
	active     audio.Handle

	player   audio.Player
	renderer MouthRenderer
	observer Observer
	eventBus *bus.EventBus
	logger   zerolog.Logger

	lineGap   time.Duration
	frameRate int
}

// NewSequencer creates a sequencer over the given player and renderer.
func NewSequencer(player audio.Player, renderer MouthRenderer, eventBus *bus.EventBus,
	lineGap time.Duration, frameRate int, logger zerolog.Logger) *Sequencer {
	if lineGap <= 0 {
		lineGap = 500 * time.Millisecond
	}
	if frameRate <= 0 {
		frameRate = 60
	}
	return &Sequencer{
		session:   session{cursor: -1, state: StateIdle},
		player:    player,
		renderer:  renderer,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "sequencer").Logger(),
		lineGap:   lineGap,
		frameRate: frameRate,
	}
}

// SetObserver installs the progress callback. Must be set before Play.
func (s *Sequencer) SetObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

// State returns the current state.
func (s *Sequencer) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.state
}

// Cursor returns the current line index, -1 when idle.
func (s *Sequencer) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.cursor
}

// Load replaces the clip list. Valid only from Idle, Finished, or Stopped.
func (s *Sequencer) Load(clips []Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.session.state {
	case StateIdle, StateFinished, StateStopped:
	default:
		return ErrBusy
	}

	s.generation++
	s.session = session{clips: clips, cursor: -1, state: StateIdle}

	s.logger.Info().Int("clips", len(clips)).Msg("Dialogue loaded")
	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{
			Type: bus.EventTypePerformanceLoaded,
			Data: map[string]any{"clips": len(clips)},
		})
	}
	return nil
}

// Play starts the performance. A no-op when already playing (re-entrancy
// guard) or when no clips are loaded.
func (s *Sequencer) Play() {
	s.mu.Lock()

	switch s.session.state {
	case StateIdle, StateFinished, StateStopped:
	default:
		// Already mid-performance; never restart from line 0.
		s.mu.Unlock()
		return
	}

	if len(s.session.clips) == 0 {
		s.mu.Unlock()
		return
	}

	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.session.state = StateLinePlaying
	s.session.cursor = 0
	s.mu.Unlock()

	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{Type: bus.EventTypePerformanceStarted})
	}

	go s.run(ctx, gen)
}

// Stop cancels the performance immediately: the tick loop token is
// invalidated, the active audio handle is halted, and all mouths return to
// 0. Idempotent from Idle, Stopped, or Finished.
func (s *Sequencer) Stop() {
	s.mu.Lock()

	switch s.session.state {
	case StateLinePlaying, StateLineTransition:
	default:
		s.mu.Unlock()
		return
	}

	s.generation++
	cancel := s.cancel
	active := s.active
	s.cancel = nil
	s.active = nil
	s.session.state = StateStopped
	s.session.cursor = -1
	// Zeroed under the same lock that bumped the generation; any in-flight
	// tick fails its generation check and cannot write over this.
	s.zeroMouthsLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		active.Stop()
	}

	s.logger.Info().Msg("Performance stopped")
	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{Type: bus.EventTypePerformanceStopped})
	}
	s.emit(Progress{State: StateStopped, LineIndex: -1, Mouth: s.mouthSnapshot()})
}

// run walks the clip list for one play generation. Any state mutation is
// guarded by the generation token so a stale run can never touch a newer
// session.
func (s *Sequencer) run(ctx context.Context, gen uint64) {
	clips := s.clipsFor(gen)

	for i := 0; i < len(clips); i++ {
		if !s.enterLine(gen, i) {
			return
		}
		s.playLine(ctx, gen, clips[i], i)
		if ctx.Err() != nil {
			return
		}

		if i+1 < len(clips) {
			if !s.enterTransition(gen, i) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.lineGap):
			}
		}
	}

	s.finish(gen)
}

// playLine plays one clip to completion, skipping forward on audio errors.
func (s *Sequencer) playLine(ctx context.Context, gen uint64, clip Clip, index int) {
	role := clip.Line.Role

	handle, err := s.player.Play(clip.AudioPath)
	if err != nil {
		// A bad clip must not ruin the show: log and move on as if the
		// line had ended.
		s.logger.Error().Err(err).Int("line", index).Str("role", role.String()).
			Msg("Audio failed, skipping line")
		if s.eventBus != nil {
			s.eventBus.Publish(bus.Event{
				Type: bus.EventTypeLineSkipped,
				Data: map[string]any{"line": index, "error": err.Error()},
			})
		}
		s.writeMouth(gen, role, 0)
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		handle.Stop()
		return
	}
	s.active = handle
	s.mu.Unlock()

	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{
			Type: bus.EventTypeLineStarted,
			Data: map[string]any{"line": index, "role": role.String(), "text": clip.Line.Text},
		})
	}

	ticker := time.NewTicker(time.Second / time.Duration(s.frameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			handle.Stop()
			return

		case <-handle.Done():
			if err := handle.Err(); err != nil {
				s.logger.Error().Err(err).Int("line", index).Msg("Playback failed mid-line, skipping")
			}
			// Active speaker's mouth must never stay open past the line.
			s.writeMouth(gen, role, 0)
			s.clearActive(gen)
			if s.eventBus != nil {
				s.eventBus.Publish(bus.Event{
					Type: bus.EventTypeLineFinished,
					Data: map[string]any{"line": index},
				})
			}
			return

		case <-ticker.C:
			elapsedMs := float64(handle.Elapsed().Milliseconds())
			openness := timing.Openness(clip.Timing, elapsedMs)
			if !s.writeMouth(gen, role, openness) {
				// Stop or a newer Load won the race; its zeroing stands.
				handle.Stop()
				return
			}
			s.writeMouth(gen, role.Other(), 0)
			s.emit(Progress{
				State:     StateLinePlaying,
				LineIndex: index,
				Role:      role,
				Text:      clip.Line.Text,
				Mouth:     s.mouthSnapshot(),
			})
		}
	}
}

// enterLine moves the cursor forward. Returns false if the generation is
// stale.
func (s *Sequencer) enterLine(gen uint64, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	s.session.state = StateLinePlaying
	s.session.cursor = index
	return true
}

func (s *Sequencer) enterTransition(gen uint64, index int) bool {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return false
	}
	s.session.state = StateLineTransition
	s.mu.Unlock()

	s.emit(Progress{State: StateLineTransition, LineIndex: index, Mouth: s.mouthSnapshot()})
	return true
}

// finish closes out a completed run.
func (s *Sequencer) finish(gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.session.state = StateFinished
	s.session.cursor = -1
	s.zeroMouthsLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("Performance finished")
	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{Type: bus.EventTypePerformanceFinished})
	}
	s.emit(Progress{State: StateFinished, LineIndex: -1, Mouth: s.mouthSnapshot()})
}

func (s *Sequencer) clipsFor(gen uint64) []Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return nil
	}
	return s.session.clips
}

func (s *Sequencer) clearActive(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.active = nil
	}
}

// writeMouth applies a mouth value if gen is still the live generation.
// Every mouth write from a run goroutine goes through the sequencer mutex,
// so a stale run can never overwrite the zeroing done by Stop or by a
// newer Load.
func (s *Sequencer) writeMouth(gen uint64, role script.Role, value float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	s.writeMouthLocked(role, value)
	return true
}

func (s *Sequencer) writeMouthLocked(role script.Role, value float64) {
	if s.renderer != nil {
		s.renderer.SetParameter(role, render.ParamMouthOpen, value)
	}
}

func (s *Sequencer) zeroMouthsLocked() {
	for role := script.Role(0); role < script.RoleCount; role++ {
		s.writeMouthLocked(role, 0)
	}
}

func (s *Sequencer) mouthSnapshot() map[script.Role]float64 {
	snapshot := make(map[script.Role]float64, script.RoleCount)
	if s.renderer != nil {
		for role := script.Role(0); role < script.RoleCount; role++ {
			snapshot[role] = s.renderer.Parameter(role, render.ParamMouthOpen)
		}
	}
	return snapshot
}

func (s *Sequencer) emit(p Progress) {
	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(p)
	}
}
