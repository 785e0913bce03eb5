// Package stage drives the live performance: sequential clip playback,
// per-frame lip-sync, and progress reporting.
package stage

import (
	"errors"

	"github.com/ahonda/manzaistage/internal/script"
	"github.com/ahonda/manzaistage/internal/timing"
)

// Common errors
var (
	ErrNoSession   = errors.New("no dialogue loaded")
	ErrBusy        = errors.New("a performance is already running")
	ErrCannotStart = errors.New("performance could not start")
)

// Clip pairs one dialogue line with its synthesized audio and mora timing.
// Clips are created by the synthesis collaborator and never mutated.
type Clip struct {
	Line      script.Line      `json:"line"`
	AudioPath string           `json:"audioPath"`
	Timing    []timing.Segment `json:"timing"`
}

// SessionState names the sequencer's state machine states.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateLinePlaying    SessionState = "line_playing"
	StateLineTransition SessionState = "line_transition"
	StateFinished       SessionState = "finished"
	StateStopped        SessionState = "stopped"
	// StateFailed is a controller-level terminal state: the performance
	// could not start at all.
	StateFailed SessionState = "failed"
)

// session is the single mutable aggregate owned by one Sequencer.
type session struct {
	clips  []Clip
	cursor int // -1 = idle
	state  SessionState
}

// Progress is the observer payload, emitted once per animation frame while
// playing and once at every state boundary.
type Progress struct {
	State     SessionState            `json:"state"`
	LineIndex int                     `json:"lineIndex"`
	Role      script.Role             `json:"role"`
	Text      string                  `json:"text"`
	Mouth     map[script.Role]float64 `json:"mouth"`
}

// Observer receives progress updates. Called from the sequencer's playback
// goroutine; implementations must not block.
type Observer func(Progress)

// MouthRenderer is the slice of the render manager the sequencer drives.
type MouthRenderer interface {
	SetParameter(role script.Role, name string, value float64)
	Parameter(role script.Role, name string) float64
}
