package agent

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

	"go.uber.org/zap"

	"medintel/internal/consultation"
)

// Config targets an OpenAI-compatible endpoint. DeepSeek and OpenAI both
// serve the /v1 paths used here.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxRetries  int
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	return false
}

type transport struct {
	log        *zap.Logger
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
}

func newTransport(log *zap.Logger, baseURL, apiKey string, maxRetries int) (*transport, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing api key")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &transport{
		log:        log,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		maxRetries: maxRetries,
		// deadlines come from the caller's context
		httpClient: &http.Client{},
	}, nil
}

func (t *transport) doOnce(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (t *transport) post(ctx context.Context, path string, body, out any) error {
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := t.doOnce(ctx, path, body, out)
		if err == nil || !retryable(err) || attempt >= t.maxRetries {
			return err
		}
		t.log.Warn("llm request retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("sleep", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Client generates text through chat completions.
type Client struct {
	t           *transport
	model       string
	temperature float64
}

func New(log *zap.Logger, cfg Config) (*Client, error) {
	t, err := newTransport(log.With(zap.String("component", "TextGeneration")), cfg.BaseURL, cfg.APIKey, cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}
	return &Client{t: t, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Generate sends the system instructions, worked examples as prior
// user/assistant turns, the conversation history and finally the question.
func (c *Client) Generate(ctx context.Context, req consultation.GenerationRequest) (string, error) {
	msgs := make([]chatMessage, 0, 2+2*len(req.Examples)+len(req.History))
	msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	for _, ex := range req.Examples {
		msgs = append(msgs,
			chatMessage{Role: "user", Content: ex.Query},
			chatMessage{Role: "assistant", Content: ex.Response},
		)
	}
	for _, turn := range req.History {
		msgs = append(msgs, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.UserText})

	var resp chatResponse
	err := c.t.post(ctx, "/v1/chat/completions", chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
