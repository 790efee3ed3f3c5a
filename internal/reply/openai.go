package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/decoyworks/lure/internal/metrics"
	"github.com/decoyworks/lure/internal/session"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 15 * time.Second
	defaultRateLimit = 2 // requests per second to the upstream API
	defaultBurst     = 4

	maxReplyTokens = 100
	temperature    = 0.8
)

// OpenAIConfig configures the service-backed generator.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string        // defaults to the public OpenAI endpoint
	Model   string        // defaults to gpt-4o-mini
	Timeout time.Duration // per-request timeout, defaults to 15s
}

// OpenAI generates replies via an OpenAI-compatible chat completions API.
// Every failure path falls back to the local generator, so Generate never
// surfaces an error.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	fallback   Generator
	logger     *slog.Logger
}

// NewOpenAI creates a service-backed generator that degrades to fallback.
func NewOpenAI(cfg OpenAIConfig, fallback Generator, logger *slog.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		fallback:   fallback,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate asks the model for a reply, mapping recent history into chat
// roles (counterpart as user, decoy as assistant). Any error falls back.
func (o *OpenAI) Generate(ctx context.Context, text string, history []session.Message) string {
	out, err := o.complete(ctx, text, history)
	if err != nil {
		o.logger.Warn("reply generation failed, using canned fallback", "error", err)
		metrics.ReplyFallbacksTotal.Inc()
		return o.fallback.Generate(ctx, text, history)
	}
	return out
}

func (o *OpenAI) complete(ctx context.Context, text string, history []session.Message) (string, error) {
	if o.cfg.APIKey == "" {
		return "", fmt.Errorf("no API key configured")
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	msgs := make([]chatMessage, 0, HistoryWindow+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: Persona})

	start := len(history) - HistoryWindow
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		role := "assistant"
		if m.Sender == session.SenderScammer {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: text})

	body, err := json.Marshal(chatRequest{
		Model:       o.cfg.Model,
		Messages:    msgs,
		MaxTokens:   maxReplyTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}

	out := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("empty reply content")
	}
	return out, nil
}

var _ Generator = (*OpenAI)(nil)
