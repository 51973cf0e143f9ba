package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel    = "gemini-2.0-flash"
)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("empty reply")

// Generator produces a raw reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey     string
	Model      string
	Endpoint   string
	HTTPClient *http.Client
}

// Gemini calls the generateContent REST endpoint.
type Gemini struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewGemini creates a Gemini client.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultGeminiEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Gemini{
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   cfg.HTTPClient,
	}, nil
}

// GeminiError is returned for non-200 responses.
type GeminiError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *GeminiError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini: HTTP %d: %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini: HTTP %d: %s", e.StatusCode, e.Message)
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Contents          []geminiContent   `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (g *Gemini) url() string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.endpoint, url.PathEscape(g.model))
}

// Generate sends the prompt with the envelope system instruction and
// returns the concatenated text of the first candidate.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: SystemInstruction}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig:  &generationConfig{ResponseMIMEType: "application/json"},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readGeminiError(resp)
	}

	var wire geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("gemini: decoding response: %w", err)
	}
	if wire.PromptFeedback != nil && wire.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini: prompt blocked: %s", wire.PromptFeedback.BlockReason)
	}
	if len(wire.Candidates) == 0 {
		return "", fmt.Errorf("gemini: %w", ErrEmptyReply)
	}

	var sb strings.Builder
	for _, part := range wire.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("gemini: %w (finish reason %s)", ErrEmptyReply, wire.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}

func readGeminiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil || wire.Error.Message == "" {
		return &GeminiError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return &GeminiError{
		StatusCode: resp.StatusCode,
		Status:     wire.Error.Status,
		Message:    wire.Error.Message,
	}
}

// ErrNotConfigured is returned by the generator used when no API key is set.
var ErrNotConfigured = errors.New("AI generator is not configured")

type unconfigured struct{}

func (unconfigured) Generate(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

// Unconfigured returns a generator that always fails with ErrNotConfigured.
func Unconfigured() Generator {
	return unconfigured{}
}
