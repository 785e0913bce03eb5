package stage

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahonda/manzaistage/internal/script"
)

// fakeRelay records everything mirrored.
type fakeRelay struct {
	mu     sync.Mutex
	events []Progress
}

func (r *fakeRelay) Relay(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *fakeRelay) snapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}

func newTestController(player *fakePlayer, relay Relay) *Controller {
	seq := newTestSequencer(player, newFakeRenderer())
	return NewController(seq, nil, relay, zerolog.Nop())
}

func TestControllerLoadEmptyFails(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestController(newFakePlayer(time.Millisecond), relay)

	err := c.Load(nil)
	assert.ErrorIs(t, err, ErrCannotStart)

	events := relay.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, StateFailed, events[0].State)
	assert.Equal(t, -1, events[0].LineIndex)
}

func TestControllerLoadInvalidRoleFails(t *testing.T) {
	c := newTestController(newFakePlayer(time.Millisecond), nil)

	clips := testClips(1)
	clips[0].Line.Role = script.Role(9)
	assert.ErrorIs(t, c.Load(clips), script.ErrUnknownRole)
}

func TestControllerRelaysProgress(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestController(newFakePlayer(40*time.Millisecond), relay)

	require.NoError(t, c.Load(testClips(2)))
	c.Play()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateFinished {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, StateFinished, c.State())

	events := relay.snapshot()
	require.NotEmpty(t, events, "mirror relay must see the same progress stream")
	assert.Equal(t, StateFinished, events[len(events)-1].State)
}

func TestControllerStopDelegates(t *testing.T) {
	c := newTestController(newFakePlayer(300*time.Millisecond), nil)

	require.NoError(t, c.Load(testClips(1)))
	c.Play()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateLinePlaying {
		time.Sleep(2 * time.Millisecond)
	}

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
}
