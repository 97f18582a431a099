package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"medintel/internal/platform/pinecone"
)

// Embedder turns texts into fixed-length vectors, one per input.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type VectorIndex interface {
	EnsureIndex(ctx context.Context, name string, dimension int, metric string) error
	Query(ctx context.Context, vector []float32, topK int) ([]pinecone.QueryMatch, error)
	Upsert(ctx context.Context, vectors []pinecone.Vector) error
	Delete(ctx context.Context, ids []string) error
}

// Passage is one retrieved snippet with its similarity score.
type Passage struct {
	ID     string
	Text   string
	Score  float64
	Source string
}

// Context is the outcome of one retrieval. An empty Context means no
// relevant material was found or retrieval was unavailable.
type Context struct {
	Passages []Passage
}

func (c Context) Empty() bool { return len(c.Passages) == 0 }

// Render labels every passage with its score so a model can tell reference
// material apart from the live question.
func (c Context) Render() string {
	parts := make([]string, 0, len(c.Passages))
	for _, p := range c.Passages {
		parts = append(parts, fmt.Sprintf("Reference material (similarity %.2f): %s", p.Score, p.Text))
	}
	return strings.Join(parts, "\n\n")
}

type Status struct {
	Enabled        bool   `json:"is_enabled"`
	Initialized    bool   `json:"is_initialized"`
	IndexName      string `json:"index_name"`
	EmbeddingModel string `json:"embedding_model"`
	LastError      string `json:"last_error,omitempty"`
}

type Options struct {
	IndexName      string
	Dimension      int
	Metric         string
	TopK           int
	Threshold      float64
	EmbeddingModel string
}

// Service is the live retrieval backend: an embedding endpoint plus a
// vector index that is set up lazily on first use.
type Service struct {
	log      *zap.Logger
	embedder Embedder
	index    VectorIndex
	opts     Options

	initGroup singleflight.Group
	mu        sync.RWMutex
	ready     bool
	initErr   error
}

func New(log *zap.Logger, embedder Embedder, index VectorIndex, opts Options) *Service {
	if opts.Metric == "" {
		opts.Metric = "cosine"
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Service{
		log:      log.With(zap.String("component", "RetrievalAugmenter")),
		embedder: embedder,
		index:    index,
		opts:     opts,
	}
}

const initTimeout = 30 * time.Second

// ensureReady performs the one-time index setup. Concurrent first callers
// share a single attempt; a failed attempt is retried on the next call.
// The attempt ignores cancellation of the caller that starts it and is
// bounded by initTimeout instead.
func (s *Service) ensureReady(ctx context.Context) error {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	if ready {
		return nil
	}

	_, err, _ := s.initGroup.Do("init", func() (any, error) {
		s.mu.RLock()
		done := s.ready
		s.mu.RUnlock()
		if done {
			return nil, nil
		}
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
		defer cancel()
		err := s.index.EnsureIndex(initCtx, s.opts.IndexName, s.opts.Dimension, s.opts.Metric)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.initErr = err
			return nil, err
		}
		s.ready = true
		s.initErr = nil
		s.log.Info("retrieval index ready", zap.String("index_name", s.opts.IndexName))
		return nil, nil
	})
	return err
}

// Augment never fails: every error path degrades to an empty Context.
func (s *Service) Augment(ctx context.Context, query string) Context {
	if strings.TrimSpace(query) == "" {
		return Context{}
	}
	if err := s.ensureReady(ctx); err != nil {
		s.log.Warn("retrieval unavailable, continuing without context", zap.Error(err))
		return Context{}
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) != 1 || len(vectors[0]) == 0 {
		s.log.Warn("query embedding failed, continuing without context", zap.Error(err))
		return Context{}
	}

	matches, err := s.index.Query(ctx, vectors[0], s.opts.TopK)
	if err != nil {
		s.log.Warn("vector query failed, continuing without context", zap.Error(err))
		return Context{}
	}

	passages := filterMatches(matches, s.opts.Threshold)
	for _, m := range matches {
		if m.Score < s.opts.Threshold {
			s.log.Debug("dropping low similarity match", zap.String("id", m.ID), zap.Float64("score", m.Score))
		}
	}
	return Context{Passages: passages}
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Enabled:        true,
		Initialized:    s.ready,
		IndexName:      s.opts.IndexName,
		EmbeddingModel: s.opts.EmbeddingModel,
	}
	if s.initErr != nil {
		st.LastError = s.initErr.Error()
	}
	return st
}

// filterMatches keeps matches at or above threshold that carry text, ordered
// by score descending with ties broken by id.
func filterMatches(matches []pinecone.QueryMatch, threshold float64) []Passage {
	out := make([]Passage, 0, len(matches))
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		text, _ := m.Metadata["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		source, _ := m.Metadata["filename"].(string)
		out = append(out, Passage{ID: m.ID, Text: text, Score: m.Score, Source: source})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Noop is the degraded augmenter used when no vector index is configured.
type Noop struct{}

func (Noop) Augment(context.Context, string) Context { return Context{} }

func (Noop) Status() Status { return Status{} }
