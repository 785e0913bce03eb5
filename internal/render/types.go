// Package render owns the on-screen character renderers: model loading,
// per-frame parameter animation, drawing, and device-context recovery.
package render

import (
	"errors"

	"github.com/go-gl/mathgl/mgl32"
)

// Common errors
var (
	ErrModelLoad         = errors.New("character model could not be loaded")
	ErrDeviceUnavailable = errors.New("no rendering device available")
)

// Named animation parameters.
const (
	ParamMouthOpen = "mouthOpen"
	ParamEyeBlink  = "eyeBlink"
	ParamBodySway  = "bodySway"
)

// State is the device-context state of the manager.
type State string

const (
	StateReady       State = "ready"
	StateContextLost State = "context_lost"
)

// Mesh is an uploaded, drawable character model.
type Mesh interface {
	// ApplyMorphWeights sets the morph target weights for the next draw.
	// The slice is indexed by the model's morph target order.
	ApplyMorphWeights(weights []float64)

	// SetTransform sets the model matrix used when drawing.
	SetTransform(model mgl32.Mat4)

	// Draw issues the render using the current weights.
	Draw()

	// Release frees GPU resources. Idempotent.
	Release()
}

// Backend abstracts the rendering device so the manager's state logic can
// run against a fake in tests.
type Backend interface {
	// Available reports whether a usable device context exists.
	Available() bool

	// Upload creates a drawable mesh from parsed model data.
	Upload(data *ModelData) (Mesh, error)
}
