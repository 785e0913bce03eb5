package stage

import (
	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/render"
	"github.com/ahonda/manzaistage/internal/script"
)

// Relay receives progress deltas for mirroring onto a secondary surface.
// Implementations must be best-effort and never return errors upstream.
type Relay interface {
	Relay(p Progress)
}

// Controller is the composition root for one performance surface. It wires
// the sequencer, the render manager, and an optional mirror relay behind
// the three commands the surrounding application uses.
type Controller struct {
	sequencer *Sequencer
	renderer  *render.Manager
	relay     Relay
	observer  Observer
	logger    zerolog.Logger
}

// NewController wires a controller. relay may be nil when no mirror surface
// is configured.
func NewController(sequencer *Sequencer, renderer *render.Manager, relay Relay, logger zerolog.Logger) *Controller {
	c := &Controller{
		sequencer: sequencer,
		renderer:  renderer,
		relay:     relay,
		logger:    logger.With().Str("component", "controller").Logger(),
	}

	sequencer.SetObserver(func(p Progress) {
		if c.relay != nil {
			c.relay.Relay(p)
		}
		if c.observer != nil {
			c.observer(p)
		}
	})

	return c
}

// SetObserver installs the application-side progress callback.
func (c *Controller) SetObserver(observer Observer) {
	c.observer = observer
}

// Load validates the dialogue behind the clips and hands them to the
// sequencer.
func (c *Controller) Load(clips []Clip) error {
	if len(clips) == 0 {
		c.fail()
		return ErrCannotStart
	}

	dialogue := script.Dialogue{Lines: make([]script.Line, 0, len(clips))}
	for _, clip := range clips {
		dialogue.Lines = append(dialogue.Lines, clip.Line)
	}
	if err := dialogue.Validate(); err != nil {
		c.fail()
		return err
	}

	return c.sequencer.Load(clips)
}

// Play starts playback. Renderer degradation is tolerated per role; the
// performance only refuses to start when nothing at all can be shown or
// heard.
func (c *Controller) Play() {
	c.sequencer.Play()
}

// Stop halts playback immediately.
func (c *Controller) Stop() {
	c.sequencer.Stop()
}

// State reports the sequencer state.
func (c *Controller) State() SessionState {
	return c.sequencer.State()
}

// fail surfaces the single user-visible terminal state: the performance
// could not start at all.
func (c *Controller) fail() {
	c.logger.Warn().Msg("Performance could not start")
	p := Progress{State: StateFailed, LineIndex: -1, Mouth: map[script.Role]float64{}}
	if c.relay != nil {
		c.relay.Relay(p)
	}
	if c.observer != nil {
		c.observer(p)
	}
}
