package render

import (
	"math"
	"sync"

	"github.com/ahonda/manzaistage/internal/script"
)

// Handle is one performer's on-screen renderer.
type Handle interface {
	Role() script.Role

	// SetParameter updates a named animation parameter and marks the handle
	// dirty for the next draw.
	SetParameter(name string, value float64)

	// Parameter returns the current smoothed value of a parameter.
	Parameter(name string) float64

	// Tick advances smoothing and idle motion. Must run once per frame.
	Tick(dt float64)

	// Draw issues the render. Must follow Tick.
	Draw()

	// Release frees the handle's mesh resources. Idempotent.
	Release()
}

// morphAliases maps parameter names to candidate morph target names, checked
// in order. Character rigs name their mouth target differently depending on
// the authoring tool, so each variant carries its own alias list.
type variantSpec struct {
	role         script.Role
	morphAliases map[string][]string
}

// character is the shared implementation behind both renderer variants.
type character struct {
	mu sync.Mutex

	spec    variantSpec
	mesh    Mesh
	morphOf map[string]int // parameter -> morph target index, -1 if absent

	current map[string]float64
	target  map[string]float64
	weights []float64

	smoothing float64
	idle      *IdleAnimator
	released  bool
}

func newCharacter(spec variantSpec, data *ModelData, mesh Mesh, idle *IdleAnimator) *character {
	morphOf := make(map[string]int, len(spec.morphAliases))
	for param, aliases := range spec.morphAliases {
		morphOf[param] = data.FindMorphTarget(aliases...)
	}

	return &character{
		spec:      spec,
		mesh:      mesh,
		morphOf:   morphOf,
		current:   make(map[string]float64),
		target:    make(map[string]float64),
		weights:   make([]float64, len(data.MorphTargets)),
		smoothing: 0.35,
		idle:      idle,
	}
}

func (c *character) Role() script.Role { return c.spec.role }

func (c *character) SetParameter(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.target[name] = clamp(value, 0, 1)
}

func (c *character) Parameter(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[name]
}

func (c *character) Tick(dt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}

	// Frame-rate independent exponential smoothing toward targets.
	lerp := 1.0 - math.Exp(-c.smoothing*60*dt)
	for name, target := range c.target {
		cur := c.current[name]
		c.current[name] = cur + (target-cur)*lerp
	}

	if c.idle != nil {
		c.idle.Apply(dt, c.current)
	}

	for i := range c.weights {
		c.weights[i] = 0
	}
	for name, value := range c.current {
		if idx, ok := c.morphOf[name]; ok && idx >= 0 && idx < len(c.weights) {
			c.weights[idx] = clamp(value, 0, 1)
		}
	}

	if c.mesh != nil {
		c.mesh.ApplyMorphWeights(c.weights)
	}
}

func (c *character) Draw() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.mesh == nil {
		return
	}
	c.mesh.Draw()
}

func (c *character) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.mesh != nil {
		c.mesh.Release()
	}
}

// TsukkomiRenderer renders the straight-man character, placed stage left.
type TsukkomiRenderer struct {
	*character
}

// BokeRenderer renders the funny-man character, placed stage right.
type BokeRenderer struct {
	*character
}

// NewHandle builds the renderer variant for the given role.
func NewHandle(role script.Role, data *ModelData, mesh Mesh, idle *IdleAnimator) Handle {
	if role == script.RoleBoke {
		spec := variantSpec{
			role: script.RoleBoke,
			morphAliases: map[string][]string{
				ParamMouthOpen: {"mouthOpen", "MouthOpen", "jawOpen", "あ", "口あき"},
				ParamEyeBlink:  {"eyeBlink", "blink", "まばたき"},
				ParamBodySway:  {"bodySway", "sway"},
			},
		}
		return &BokeRenderer{newCharacter(spec, data, mesh, idle)}
	}
	spec := variantSpec{
		role: script.RoleTsukkomi,
		morphAliases: map[string][]string{
			ParamMouthOpen: {"mouthOpen", "MouthOpen", "jawOpen", "あ"},
			ParamEyeBlink:  {"eyeBlink", "blink", "まばたき"},
			ParamBodySway:  {"bodySway", "sway"},
		},
	}
	return &TsukkomiRenderer{newCharacter(spec, data, mesh, idle)}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
