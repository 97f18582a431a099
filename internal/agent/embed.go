package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type EmbedConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

type Embedder struct {
	t     *transport
	model string
}

func NewEmbedder(log *zap.Logger, cfg EmbedConfig) (*Embedder, error) {
	t, err := newTransport(log.With(zap.String("component", "Embedding")), cfg.BaseURL, cfg.APIKey, cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	return &Embedder{t: t, model: cfg.Model}, nil
}

func (e *Embedder) Model() string { return e.model }

// Embed returns one vector per input, in input order.
func (e *Embedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	clean := make([]string, len(inputs))
	for i, s := range inputs {
		s = strings.TrimSpace(s)
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	var resp embeddingsResponse
	if err := e.t.post(ctx, "/v1/embeddings", embeddingsRequest{Model: e.model, Input: clean}, &resp); err != nil {
		return nil, err
	}

	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embedding response missing index %d of %d", i, len(out))
		}
	}
	return out, nil
}
