// Package gemini implements text generation against Google's Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// Config controls generation defaults.
type Config struct {
	Model       string
	Temperature float32
	Timeout     time.Duration
	MaxTokens   int
}

// Generator implements pipeline.TextGenerator. Each call builds a
// client from the supplied credential, since the broker decides which
// key a given request runs under.
type Generator struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Generator.
func New(cfg Config, logger *zap.Logger) *Generator {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, logger: logger}
}

// Generate runs one prompt under the given credential and returns the
// model's text. Provider throttling and quota failures surface as plain
// errors for the broker to classify.
func (g *Generator) Generate(ctx context.Context, prompt string, cred pipeline.Credential) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cred.Secret,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("init genai client: %w", err)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.cfg.Temperature),
		MaxOutputTokens: int32(g.cfg.MaxTokens),
	}
	resp, err := client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	var out strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					out.WriteString(part.Text)
				}
			}
			if out.Len() > 0 {
				break
			}
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("empty response from model %s", g.cfg.Model)
	}

	g.logger.Debug("generation complete",
		zap.String("model", g.cfg.Model),
		zap.String("credential_id", cred.ID),
		zap.Int("prompt_len", len(prompt)),
		zap.Int("response_len", out.Len()),
	)
	return out.String(), nil
}
