// Package timing holds per-mora timing data for synthesized audio and the
// mouth-openness lookup that drives lip-sync animation.
package timing

// VowelClass groups vowels by how far the mouth opens when producing them.
type VowelClass int

const (
	// VowelNone marks consonant-only or unclassified moras.
	VowelNone VowelClass = iota
	// VowelOpen is the fully open class (a).
	VowelOpen
	// VowelMid is the half-open class (e, o).
	VowelMid
	// VowelClosed is the closed/rounded class (i, u).
	VowelClosed
)

// String returns the class label.
func (v VowelClass) String() string {
	switch v {
	case VowelOpen:
		return "open"
	case VowelMid:
		return "mid"
	case VowelClosed:
		return "closed"
	default:
		return "none"
	}
}

// Segment is one mora's slice of a clip's audio timeline.
// Segments within one clip are ordered by StartMs and non-overlapping.
type Segment struct {
	Text    string     `json:"text"`
	Vowel   VowelClass `json:"vowel"`
	StartMs float64    `json:"startMs"`
	EndMs   float64    `json:"endMs"`
}

// opennessByClass is the fixed amplitude table for mouth openness.
var opennessByClass = map[VowelClass]float64{
	VowelOpen:   1.0,
	VowelMid:    0.7,
	VowelClosed: 0.5,
	VowelNone:   0.3,
}

// Openness returns the mouth openness in [0, 1] for the given elapsed time.
// Segment matching uses the half-open interval [StartMs, EndMs) so adjacent
// moras sharing a boundary resolve to exactly one segment. Gaps between
// segments, times before the first segment, and times past the last segment
// all return 0.
func Openness(segments []Segment, tMs float64) float64 {
	for i := range segments {
		s := &segments[i]
		if tMs < s.StartMs {
			// Segments are ordered; nothing later can match.
			return 0
		}
		if tMs < s.EndMs {
			return opennessByClass[s.Vowel]
		}
	}
	return 0
}

// Duration returns the end of the last segment in milliseconds.
func Duration(segments []Segment) float64 {
	if len(segments) == 0 {
		return 0
	}
	return segments[len(segments)-1].EndMs
}
