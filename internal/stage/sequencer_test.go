package stage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahonda/manzaistage/internal/audio"
	"github.com/ahonda/manzaistage/internal/render"
	"github.com/ahonda/manzaistage/internal/script"
	"github.com/ahonda/manzaistage/internal/timing"
)

// fakeHandle completes after a fixed duration.
type fakeHandle struct {
	start    time.Time
	duration time.Duration
	once     sync.Once
	done     chan struct{}
	err      error
}

func newFakeHandle(duration time.Duration, err error) *fakeHandle {
	h := &fakeHandle{start: time.Now(), duration: duration, done: make(chan struct{}), err: err}
	time.AfterFunc(duration, func() { h.once.Do(func() { close(h.done) }) })
	return h
}

func (h *fakeHandle) Elapsed() time.Duration { return time.Since(h.start) }
func (h *fakeHandle) Done() <-chan struct{}  { return h.done }
func (h *fakeHandle) Err() error             { return h.err }
func (h *fakeHandle) Stop()                  { h.once.Do(func() { close(h.done) }) }

// fakePlayer returns scripted results per path.
type fakePlayer struct {
	mu       sync.Mutex
	duration time.Duration
	failOn   map[string]bool
	played   []string
}

func newFakePlayer(duration time.Duration) *fakePlayer {
	return &fakePlayer{duration: duration, failOn: make(map[string]bool)}
}

func (p *fakePlayer) Play(path string) (audio.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[path] {
		return nil, fmt.Errorf("%w: %s", audio.ErrAudioPlayback, path)
	}
	p.played = append(p.played, path)
	return newFakeHandle(p.duration, nil), nil
}

func (p *fakePlayer) playedPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

// fakeRenderer records parameter writes without smoothing.
type fakeRenderer struct {
	mu     sync.Mutex
	params map[script.Role]map[string]float64
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{params: map[script.Role]map[string]float64{
		script.RoleTsukkomi: {},
		script.RoleBoke:     {},
	}}
}

func (r *fakeRenderer) SetParameter(role script.Role, name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[role][name] = value
}

func (r *fakeRenderer) Parameter(role script.Role, name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[role][name]
}

// progressLog collects observer events.
type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *progressLog) observe(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
}

func (l *progressLog) snapshot() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.events...)
}

func testClips(n int) []Clip {
	clips := make([]Clip, 0, n)
	for i := 0; i < n; i++ {
		role := script.RoleTsukkomi
		if i%2 == 1 {
			role = script.RoleBoke
		}
		clips = append(clips, Clip{
			Line:      script.Line{Role: role, Text: fmt.Sprintf("line-%d", i)},
			AudioPath: fmt.Sprintf("clip-%d.wav", i),
			Timing: []timing.Segment{
				{Vowel: timing.VowelOpen, StartMs: 0, EndMs: 40},
			},
		})
	}
	return clips
}

func newTestSequencer(player audio.Player, renderer MouthRenderer) *Sequencer {
	return NewSequencer(player, renderer, nil, 10*time.Millisecond, 200, zerolog.Nop())
}

func waitForState(t *testing.T, s *Sequencer, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s, still %s", want, s.State())
}

func TestSequencingOrder(t *testing.T) {
	player := newFakePlayer(50 * time.Millisecond)
	renderer := newFakeRenderer()
	seq := newTestSequencer(player, renderer)

	var log progressLog
	seq.SetObserver(log.observe)

	require.NoError(t, seq.Load(testClips(3)))
	seq.Play()
	waitForState(t, seq, StateFinished)

	assert.Equal(t, []string{"clip-0.wav", "clip-1.wav", "clip-2.wav"}, player.playedPaths())

	// Observer line indices must be non-decreasing during playback.
	last := -1
	for _, p := range log.snapshot() {
		if p.State != StateLinePlaying {
			continue
		}
		require.GreaterOrEqual(t, p.LineIndex, last)
		last = p.LineIndex
	}
	assert.Equal(t, 2, last, "all three lines should have produced frames")

	// Mouths end closed and cursor resets.
	assert.Zero(t, renderer.Parameter(script.RoleTsukkomi, render.ParamMouthOpen))
	assert.Zero(t, renderer.Parameter(script.RoleBoke, render.ParamMouthOpen))
	assert.Equal(t, -1, seq.Cursor())
}

func TestOnlyActiveSpeakerMouthMoves(t *testing.T) {
	player := newFakePlayer(60 * time.Millisecond)
	renderer := newFakeRenderer()
	seq := newTestSequencer(player, renderer)

	var log progressLog
	seq.SetObserver(log.observe)

	require.NoError(t, seq.Load(testClips(2)))
	seq.Play()
	waitForState(t, seq, StateFinished)

	for _, p := range log.snapshot() {
		if p.State != StateLinePlaying {
			continue
		}
		inactive := p.Role.Other()
		assert.Zero(t, p.Mouth[inactive], "inactive speaker's mouth must stay closed")
	}
}

func TestSkipOnAudioError(t *testing.T) {
	player := newFakePlayer(40 * time.Millisecond)
	player.failOn["clip-1.wav"] = true
	renderer := newFakeRenderer()
	seq := newTestSequencer(player, renderer)

	require.NoError(t, seq.Load(testClips(3)))
	seq.Play()
	waitForState(t, seq, StateFinished)

	// clip-1 is skipped, not retried; the rest of the show goes on.
	assert.Equal(t, []string{"clip-0.wav", "clip-2.wav"}, player.playedPaths())
}

func TestStopIdempotent(t *testing.T) {
	player := newFakePlayer(300 * time.Millisecond)
	renderer := newFakeRenderer()
	seq := newTestSequencer(player, renderer)

	// Stop while Idle is a no-op.
	seq.Stop()
	assert.Equal(t, StateIdle, seq.State())

	require.NoError(t, seq.Load(testClips(2)))
	seq.Play()
	waitForState(t, seq, StateLinePlaying)

	seq.Stop()
	assert.Equal(t, StateStopped, seq.State())
	assert.Equal(t, -1, seq.Cursor())
	assert.Zero(t, renderer.Parameter(script.RoleTsukkomi, render.ParamMouthOpen))

	// Second stop changes nothing and does not panic.
	seq.Stop()
	assert.Equal(t, StateStopped, seq.State())
}

func TestStopAlwaysClosesMouths(t *testing.T) {
	// Stop races the per-frame tick: a tick that already fired must never
	// land its openness write after Stop has zeroed the mouths.
	for i := 0; i < 150; i++ {
		player := newFakePlayer(50 * time.Millisecond)
		renderer := newFakeRenderer()
		seq := newTestSequencer(player, renderer)

		require.NoError(t, seq.Load(testClips(2)))
		seq.Play()
		time.Sleep(time.Duration(i%9) * time.Millisecond)
		seq.Stop()

		// Give any stale tick goroutine time to attempt its write.
		time.Sleep(5 * time.Millisecond)

		for role := script.RoleTsukkomi; role < script.RoleCount; role++ {
			if v := renderer.Parameter(role, render.ParamMouthOpen); v != 0 {
				t.Fatalf("Iteration %d: mouth left open after Stop: %s=%v", i, role, v)
			}
		}
	}
}

func TestPlayReentrancyGuard(t *testing.T) {
	player := newFakePlayer(150 * time.Millisecond)
	renderer := newFakeRenderer()
	seq := newTestSequencer(player, renderer)

	require.NoError(t, seq.Load(testClips(2)))
	seq.Play()
	waitForState(t, seq, StateLinePlaying)

	// Wait until the second line is underway, then try to restart.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && seq.Cursor() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 1, seq.Cursor())

	seq.Play()
	assert.Equal(t, 1, seq.Cursor(), "play during playback must not reset to line 0")

	waitForState(t, seq, StateFinished)
	assert.Equal(t, []string{"clip-0.wav", "clip-1.wav"}, player.playedPaths())
}

func TestPlayWithoutClipsIsNoop(t *testing.T) {
	seq := newTestSequencer(newFakePlayer(time.Millisecond), newFakeRenderer())

	seq.Play()
	assert.Equal(t, StateIdle, seq.State())
}

func TestLoadWhilePlayingRejected(t *testing.T) {
	player := newFakePlayer(200 * time.Millisecond)
	seq := newTestSequencer(player, newFakeRenderer())

	require.NoError(t, seq.Load(testClips(1)))
	seq.Play()
	waitForState(t, seq, StateLinePlaying)

	assert.ErrorIs(t, seq.Load(testClips(2)), ErrBusy)
	seq.Stop()
}

func TestStopThenReplay(t *testing.T) {
	player := newFakePlayer(40 * time.Millisecond)
	seq := newTestSequencer(player, newFakeRenderer())

	require.NoError(t, seq.Load(testClips(2)))
	seq.Play()
	waitForState(t, seq, StateLinePlaying)
	seq.Stop()

	seq.Play()
	waitForState(t, seq, StateFinished)
}

func TestEndToEndTwoLineScenario(t *testing.T) {
	player := newFakePlayer(60 * time.Millisecond)
	renderer := newFakeRenderer()
	seq := newTestSequencer(player, renderer)

	var log progressLog
	seq.SetObserver(log.observe)

	clips := []Clip{
		{
			Line:      script.Line{Role: script.RoleTsukkomi, Text: "Hello"},
			AudioPath: "hello.wav",
			Timing:    []timing.Segment{{Vowel: timing.VowelOpen, StartMs: 0, EndMs: 50}},
		},
		{
			Line:      script.Line{Role: script.RoleBoke, Text: "Hi"},
			AudioPath: "hi.wav",
			Timing:    []timing.Segment{{Vowel: timing.VowelClosed, StartMs: 0, EndMs: 50}},
		},
	}

	require.NoError(t, seq.Load(clips))
	seq.Play()
	waitForState(t, seq, StateFinished)

	events := log.snapshot()
	require.NotEmpty(t, events)

	final := events[len(events)-1]
	assert.Equal(t, StateFinished, final.State)
	assert.Equal(t, -1, final.LineIndex)
	assert.Zero(t, final.Mouth[script.RoleTsukkomi])
	assert.Zero(t, final.Mouth[script.RoleBoke])
	assert.Equal(t, -1, seq.Cursor())

	// Role A frames come before role B frames.
	sawA, sawBAfterA := false, false
	for _, p := range events {
		if p.State != StateLinePlaying {
			continue
		}
		if p.Role == script.RoleTsukkomi {
			assert.False(t, sawBAfterA, "tsukkomi frames must not follow boke frames")
			sawA = true
		}
		if p.Role == script.RoleBoke && sawA {
			sawBAfterA = true
		}
	}
	assert.True(t, sawA)
	assert.True(t, sawBAfterA)
}
