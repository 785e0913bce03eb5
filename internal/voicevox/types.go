// Package voicevox provides a client for VOICEVOX-compatible speech engines.
package voicevox

import (
	"errors"

	"github.com/ahonda/manzaistage/internal/timing"
)

// Common errors
var (
	ErrEngineUnavailable = errors.New("voice engine unavailable")
	ErrSynthesisFailed   = errors.New("synthesis failed")
)

// mora mirrors the engine's mora JSON (lengths in seconds).
type mora struct {
	Text            string  `json:"text"`
	Consonant       *string `json:"consonant"`
	ConsonantLength float64 `json:"consonant_length"`
	Vowel           string  `json:"vowel"`
	VowelLength     float64 `json:"vowel_length"`
	Pitch           float64 `json:"pitch"`
}

// accentPhrase mirrors the engine's accent phrase JSON.
type accentPhrase struct {
	Moras     []mora `json:"moras"`
	Accent    int    `json:"accent"`
	PauseMora *mora  `json:"pause_mora"`
}

// audioQuery mirrors the engine's /audio_query response. The full struct is
// round-tripped to /synthesis, so unknown fields must survive; only the
// fields we read or tweak are typed here and the rest ride along in Raw.
type audioQuery struct {
	AccentPhrases      []accentPhrase `json:"accent_phrases"`
	SpeedScale         float64        `json:"speedScale"`
	PitchScale         float64        `json:"pitchScale"`
	IntonationScale    float64        `json:"intonationScale"`
	VolumeScale        float64        `json:"volumeScale"`
	PrePhonemeLength   float64        `json:"prePhonemeLength"`
	PostPhonemeLength  float64        `json:"postPhonemeLength"`
	OutputSamplingRate int            `json:"outputSamplingRate"`
	OutputStereo       bool           `json:"outputStereo"`
	Kana               string         `json:"kana"`
}

// Result is one synthesized utterance: WAV bytes plus mora timing.
type Result struct {
	Audio  []byte
	Timing []timing.Segment
}
