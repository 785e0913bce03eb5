package timing

import "strings"

// ClassifyVowel maps an engine-reported vowel label to its openness class.
// VOICEVOX reports lowercase vowels plus "N" for the moraic nasal, "cl" for
// the sokuon, and "pau"/"sil" for pauses. Unvoiced vowels come back
// uppercased (A, I, U, E, O) and keep their mouth shape even though they
// carry no voicing.
func ClassifyVowel(vowel string) VowelClass {
	switch strings.ToLower(vowel) {
	case "a":
		return VowelOpen
	case "e", "o":
		return VowelMid
	case "i", "u":
		return VowelClosed
	default:
		return VowelNone
	}
}

// Mora is one syllable-unit as reported by the synthesis engine, with
// consonant and vowel lengths in seconds.
type Mora struct {
	Text            string
	Consonant       string
	ConsonantLength float64
	Vowel           string
	VowelLength     float64
}

// AccentPhrase is a run of moras followed by an optional pause mora.
type AccentPhrase struct {
	Moras     []Mora
	PauseMora *Mora
}

// FlattenAccentPhrases walks the engine's accent-phrase list and produces the
// ordered segment list for one clip. Each mora becomes one segment spanning
// its consonant and vowel; pause moras advance the cursor without emitting a
// segment, so they read as closed-mouth gaps during playback. prePhonemeSec
// is the engine's leading silence, which offsets every segment.
func FlattenAccentPhrases(phrases []AccentPhrase, prePhonemeSec float64) []Segment {
	var segments []Segment
	cursorMs := prePhonemeSec * 1000

	for _, phrase := range phrases {
		for _, mora := range phrase.Moras {
			durMs := (mora.ConsonantLength + mora.VowelLength) * 1000
			if durMs <= 0 {
				continue
			}
			segments = append(segments, Segment{
				Text:    mora.Text,
				Vowel:   ClassifyVowel(mora.Vowel),
				StartMs: cursorMs,
				EndMs:   cursorMs + durMs,
			})
			cursorMs += durMs
		}
		if phrase.PauseMora != nil {
			cursorMs += (phrase.PauseMora.ConsonantLength + phrase.PauseMora.VowelLength) * 1000
		}
	}
	return segments
}
