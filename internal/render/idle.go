package render

import (
	"math"
	"math/rand"
)

// IdleAnimator adds small breathing sway and periodic blinks so a performer
// does not freeze while the other one speaks. It only touches non-mouth
// parameters; mouth openness always belongs to the sequencer.
type IdleAnimator struct {
	enabled   bool
	intensity float64
	time      float64

	swayRate      float64
	swayAmplitude float64

	blinkInterval float64
	blinkDuration float64
	nextBlinkAt   float64

	noiseOffset float64
}

// NewIdleAnimator creates an animator with natural default motion.
func NewIdleAnimator() *IdleAnimator {
	ia := &IdleAnimator{
		enabled:       true,
		intensity:     1.0,
		swayRate:      0.15,
		swayAmplitude: 0.25,
		blinkInterval: 4.0,
		blinkDuration: 0.15,
		noiseOffset:   rand.Float64() * 100,
	}
	ia.nextBlinkAt = ia.blinkInterval * (0.5 + rand.Float64())
	return ia
}

// SetEnabled toggles idle motion.
func (ia *IdleAnimator) SetEnabled(enabled bool) {
	ia.enabled = enabled
}

// SetIntensity scales all idle motion, 0 to 1.
func (ia *IdleAnimator) SetIntensity(intensity float64) {
	ia.intensity = clamp(intensity, 0, 1)
}

// Apply advances the idle clock and writes sway/blink values into params.
// ParamMouthOpen is never touched.
func (ia *IdleAnimator) Apply(dt float64, params map[string]float64) {
	if !ia.enabled || ia.intensity <= 0 {
		return
	}

	ia.time += dt

	sway := ia.noise(ia.time*ia.swayRate)*0.5 + 0.5
	params[ParamBodySway] = clamp(sway*ia.swayAmplitude*ia.intensity, 0, 1)

	if ia.time >= ia.nextBlinkAt {
		since := ia.time - ia.nextBlinkAt
		if since < ia.blinkDuration {
			// Half-sine envelope over the blink window.
			params[ParamEyeBlink] = math.Sin(since / ia.blinkDuration * math.Pi)
		} else {
			params[ParamEyeBlink] = 0
			ia.nextBlinkAt = ia.time + ia.blinkInterval*(0.5+rand.Float64())
		}
	}
}

// Reset rewinds the idle clock.
func (ia *IdleAnimator) Reset() {
	ia.time = 0
	ia.nextBlinkAt = ia.blinkInterval * (0.5 + rand.Float64())
}

// noise layers three sines into a cheap aperiodic wobble.
func (ia *IdleAnimator) noise(t float64) float64 {
	t += ia.noiseOffset
	n1 := math.Sin(t * 1.0)
	n2 := math.Sin(t*2.3+1.7) * 0.5
	n3 := math.Sin(t*4.1+3.2) * 0.25
	return (n1 + n2 + n3) / 1.75
}
