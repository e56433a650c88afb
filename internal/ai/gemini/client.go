package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/logger"
	"github.com/spigell/fitcheck/internal/utils"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	defaultModel        = "gemini-2.5-flash"
	defaultMaxRetries   = 3
	defaultMaxLogLength = 200
)

type contentModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Config describes how to reach the Gemini API.
type Config struct {
	APIKey       string
	Model        string
	MaxRetries   int
	MaxLogLength int
	Temperature  *float32
	// HTTPClient is shared with the rest of the process when set.
	HTTPClient *http.Client
}

// Generator wraps the Google GenAI client and implements ai.Generator.
type Generator struct {
	models      contentModels
	model       string
	maxRetries  int
	maxLogLen   int
	temperature *float32
	logger      *zap.Logger
}

var _ ai.Generator = (*Generator)(nil)

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, cfg Config, log *zap.Logger) (*Generator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGenerator(client.Models, cfg, log), nil
}

func newGenerator(models contentModels, cfg Config, log *zap.Logger) *Generator {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	maxLogLen := cfg.MaxLogLength
	if maxLogLen <= 0 {
		maxLogLen = defaultMaxLogLength
	}

	return &Generator{
		models:      models,
		model:       model,
		maxRetries:  maxRetries,
		maxLogLen:   maxLogLen,
		temperature: cfg.Temperature,
		logger:      logger.WithCommonFields(log, "gemini", model),
	}
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

// Generate sends the prompt to Gemini and returns the concatenated answer text.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	if g == nil || g.models == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	g.logger.Debug("gemini generate content request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, g.maxLogLen)),
	)

	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), g.config())
		if err == nil {
			output := responseText(resp)
			if output == "" {
				return "", ai.ErrEmptyResponse
			}

			g.logger.Debug("gemini generate content response",
				zap.Int("attempt", attempt+1),
				zap.Int("response_length", utf8.RuneCountInString(output)),
				zap.String("response_preview", utils.TruncateForLog(output, g.maxLogLen)),
			)
			return output, nil
		}

		lastErr = err
		if !g.backoff(ctx, err, attempt) {
			break
		}
	}

	return "", fmt.Errorf("generate content: %w", lastErr)
}

// GenerateStream yields answer chunks as they arrive. Only a stream that failed
// before its first chunk is retried.
func (g *Generator) GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if g == nil || g.models == nil {
			yield("", errors.New("gemini generator is not initialized"))
			return
		}

		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			yield("", errors.New("prompt must not be empty"))
			return
		}

		g.logger.Debug("gemini stream request",
			zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
			zap.String("prompt_preview", utils.TruncateForLog(prompt, g.maxLogLen)),
		)

		var lastErr error
		for attempt := 0; attempt < g.maxRetries; attempt++ {
			emitted := 0
			var streamErr error

			for resp, err := range g.models.GenerateContentStream(ctx, g.model, genai.Text(prompt), g.config()) {
				if err != nil {
					streamErr = err
					break
				}
				chunk := responseChunk(resp)
				if chunk == "" {
					continue
				}
				emitted++
				if !yield(chunk, nil) {
					return
				}
			}

			if streamErr == nil {
				if emitted == 0 {
					yield("", ai.ErrEmptyResponse)
					return
				}
				g.logger.Debug("gemini stream finished", zap.Int("chunks", emitted), zap.Int("attempt", attempt+1))
				return
			}

			if emitted > 0 {
				yield("", fmt.Errorf("stream content: %w", streamErr))
				return
			}

			lastErr = streamErr
			if !g.backoff(ctx, streamErr, attempt) {
				break
			}
		}

		yield("", fmt.Errorf("stream content: %w", lastErr))
	}
}

func (g *Generator) config() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature: g.temperature,
	}
}

// backoff waits before the next attempt and reports whether one should be made.
func (g *Generator) backoff(ctx context.Context, err error, attempt int) bool {
	if attempt+1 >= g.maxRetries {
		return false
	}

	delay, ok := retryDelay(err, attempt)
	if !ok {
		g.logger.Debug("gemini error is not retryable", zap.Error(err))
		return false
	}

	g.logger.Warn("gemini request failed, retrying",
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
		zap.Error(err),
	)

	return wait(ctx, delay) == nil
}

// responseText joins the answer parts of every candidate, skipping thought parts.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}

// responseChunk keeps the whitespace of streamed text so chunks concatenate cleanly.
// Only the first candidate is streamed.
func responseChunk(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}

	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return ""
	}

	var builder strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		builder.WriteString(part.Text)
	}

	return builder.String()
}
