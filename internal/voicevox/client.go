package voicevox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/timing"
)

// Client talks to a VOICEVOX-compatible engine over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	speedScale float64
	logger     zerolog.Logger
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL string, speedScale float64, timeout time.Duration, logger zerolog.Logger) *Client {
	if speedScale <= 0 {
		speedScale = 1.0
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		speedScale: speedScale,
		logger:     logger.With().Str("component", "voicevox").Logger(),
	}
}

// Health checks whether the engine is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status=%d", ErrEngineUnavailable, resp.StatusCode)
	}
	return nil
}

// Synthesize runs the two-step audio_query/synthesis flow and returns WAV
// audio plus the mora timing extracted from the query, rescaled to match
// the configured speed.
func (c *Client) Synthesize(ctx context.Context, text string, speakerID int) (*Result, error) {
	query, err := c.audioQuery(ctx, text, speakerID)
	if err != nil {
		return nil, err
	}

	query.SpeedScale = c.speedScale

	audio, err := c.synthesis(ctx, query, speakerID)
	if err != nil {
		return nil, err
	}

	// The engine applies SpeedScale itself; the mora lengths in the query
	// stay at 1.0 speed, so rescale them before deriving segment timing.
	rescaleMoraLengths(query, 1.0/c.speedScale)
	segments := timing.FlattenAccentPhrases(toTimingPhrases(query.AccentPhrases), query.PrePhonemeLength)

	c.logger.Debug().
		Str("text", text).
		Int("speaker", speakerID).
		Int("segments", len(segments)).
		Int("bytes", len(audio)).
		Msg("Synthesis complete")

	return &Result{Audio: audio, Timing: segments}, nil
}

// audioQuery asks the engine for synthesis parameters and mora timing.
func (c *Client) audioQuery(ctx context.Context, text string, speakerID int) (*audioQuery, error) {
	endpoint := fmt.Sprintf("%s/audio_query?text=%s&speaker=%d",
		c.baseURL, url.QueryEscape(text), speakerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: audio_query status=%d body=%s", ErrSynthesisFailed, resp.StatusCode, string(b))
	}

	var query audioQuery
	if err := json.NewDecoder(resp.Body).Decode(&query); err != nil {
		return nil, fmt.Errorf("%w: decode audio_query: %v", ErrSynthesisFailed, err)
	}
	return &query, nil
}

// synthesis posts the query back to the engine and returns WAV bytes.
func (c *Client) synthesis(ctx context.Context, query *audioQuery, speakerID int) ([]byte, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/synthesis?speaker=" + strconv.Itoa(speakerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: synthesis status=%d body=%s", ErrSynthesisFailed, resp.StatusCode, string(b))
	}

	return io.ReadAll(resp.Body)
}

// rescaleMoraLengths stretches every mora length by factor so the timing we
// hand to the animator matches the audio the engine renders at SpeedScale.
func rescaleMoraLengths(query *audioQuery, factor float64) {
	if factor == 1.0 {
		return
	}
	for i := range query.AccentPhrases {
		phrase := &query.AccentPhrases[i]
		for j := range phrase.Moras {
			phrase.Moras[j].ConsonantLength *= factor
			phrase.Moras[j].VowelLength *= factor
		}
		if phrase.PauseMora != nil {
			phrase.PauseMora.ConsonantLength *= factor
			phrase.PauseMora.VowelLength *= factor
		}
	}
	query.PrePhonemeLength *= factor
	query.PostPhonemeLength *= factor
}

// toTimingPhrases converts wire moras to the timing package's form.
func toTimingPhrases(phrases []accentPhrase) []timing.AccentPhrase {
	out := make([]timing.AccentPhrase, 0, len(phrases))
	for _, p := range phrases {
		tp := timing.AccentPhrase{Moras: make([]timing.Mora, 0, len(p.Moras))}
		for _, m := range p.Moras {
			consonant := ""
			if m.Consonant != nil {
				consonant = *m.Consonant
			}
			tp.Moras = append(tp.Moras, timing.Mora{
				Text:            m.Text,
				Consonant:       consonant,
				ConsonantLength: m.ConsonantLength,
				Vowel:           m.Vowel,
				VowelLength:     m.VowelLength,
			})
		}
		if p.PauseMora != nil {
			tp.PauseMora = &timing.Mora{
				Text:        p.PauseMora.Text,
				Vowel:       p.PauseMora.Vowel,
				VowelLength: p.PauseMora.VowelLength,
			}
		}
		out = append(out, tp)
	}
	return out
}
