package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrBackendUnavailable marks retryable generation failures.
var ErrBackendUnavailable = errors.New("script backend unavailable")

// Generator produces a two-role dialogue for a topic.
type Generator interface {
	Generate(ctx context.Context, topic string) (*Dialogue, error)
}

const systemPrompt = "You write short Japanese manzai routines for two performers. " +
	"Reply with one line per dialogue line in the form 'tsukkomi: text' or 'boke: text'. " +
	"Alternate naturally and keep each line under 60 characters."

// ChatGenerator calls an OpenAI-compatible chat-completions endpoint.
type ChatGenerator struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     zerolog.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewChatGenerator creates a generator against the given base URL.
func NewChatGenerator(baseURL, apiKey, model string, logger zerolog.Logger) *ChatGenerator {
	return &ChatGenerator{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		logger:     logger.With().Str("component", "script-gen").Logger(),
	}
}

// Generate asks the backend for a routine and parses it into a Dialogue.
func (g *ChatGenerator) Generate(ctx context.Context, topic string) (*Dialogue, error) {
	if g.apiKey == "" {
		return nil, fmt.Errorf("script api key missing")
	}

	reqBody, _ := json.Marshal(chatCompletionsRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "お題: " + topic},
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status=%d body=%s", ErrBackendUnavailable, resp.StatusCode, string(b))
		}
		return nil, fmt.Errorf("script backend error: status=%d body=%s", resp.StatusCode, string(b))
	}

	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, err
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("script backend returned no choices")
	}

	dialogue, err := ParseDialogue(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	dialogue.Topic = topic

	g.logger.Info().Str("topic", topic).Int("lines", len(dialogue.Lines)).Msg("Dialogue generated")
	return dialogue, nil
}

// ParseDialogue parses "role: text" lines into a Dialogue. Lines that do not
// carry a recognizable role prefix are skipped.
func ParseDialogue(raw string) (*Dialogue, error) {
	var d Dialogue
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label, text, ok := strings.Cut(line, ":")
		if !ok {
			label, text, ok = strings.Cut(line, "：")
			if !ok {
				continue
			}
		}
		role, err := ParseRole(label)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		d.Lines = append(d.Lines, Line{Role: role, Text: text})
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
