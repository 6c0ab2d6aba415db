// Package llm adapts Gemini to the flow engine's Generator and Classifier
// and the handoff coordinator's SemanticScorer.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lead_router_backend/internal/metrics"
	"lead_router_backend/platform/config"
	"lead_router_backend/platform/logger"

	"google.golang.org/genai"
)

const serviceName = "llm"

// modelAPI is the part of genai.Models the client uses.
type modelAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models  modelAPI
	model   string
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewClient connects to the Gemini API. It returns nil when no key is set.
func NewClient(ctx context.Context, cfg config.LLMConfig, log *logger.Logger, m *metrics.Metrics) (*Client, error) {
	if !cfg.IsLLMEnabled() {
		return nil, nil
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GetGeminiAPIKey(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newClient(gc.Models, cfg.GetGeminiModel(), log, m), nil
}

func newClient(models modelAPI, model string, log *logger.Logger, m *metrics.Metrics) *Client {
	return &Client{models: models, model: model, log: log, metrics: m}
}

func (c *Client) generate(ctx context.Context, op string, system string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	if cfg == nil {
		cfg = &genai.GenerateContentConfig{}
	}
	cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)

	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		if c.log != nil {
			c.log.UpstreamFailure(serviceName, op, err)
		}
		c.metrics.RecordUpstreamFailure(serviceName, op)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%s: empty response", op)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// generateJSON asks for a JSON object and decodes it into out.
func (c *Client) generateJSON(ctx context.Context, op, system, prompt string, out any) error {
	text, err := c.generate(ctx, op, system, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		MaxOutputTokens:  128,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFence(text)), out); err != nil {
		return fmt.Errorf("%s: decode %q: %w", op, text, err)
	}
	return nil
}

// stripFence removes a ```json fence some models add despite the MIME type.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}
