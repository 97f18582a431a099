package pinecone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Index binds a Client to a single named index and namespace. The data-plane
// host is resolved by EnsureIndex; data-plane calls fail until it succeeds.
type Index struct {
	log       *zap.Logger
	pc        Client
	namespace string
	cloud     string
	region    string

	mu   sync.RWMutex
	host string
}

func NewIndex(log *zap.Logger, pc Client, namespace, cloud, region string) *Index {
	if cloud == "" {
		cloud = "aws"
	}
	if region == "" {
		region = "us-east-1"
	}
	return &Index{
		log:       log.With(zap.String("component", "PineconeIndex")),
		pc:        pc,
		namespace: strings.TrimSpace(namespace),
		cloud:     cloud,
		region:    region,
	}
}

// EnsureIndex resolves the index host, creating a serverless index when the
// named index does not exist yet. A freshly created index that is not ready
// yet is reported as an error so the caller retries later.
func (x *Index) EnsureIndex(ctx context.Context, name string, dimension int, metric string) error {
	desc, err := x.pc.DescribeIndex(ctx, name)
	if errors.Is(err, ErrIndexNotFound) {
		x.log.Info("pinecone index missing, creating",
			zap.String("index_name", name),
			zap.Int("dimension", dimension),
			zap.String("metric", metric),
		)
		desc, err = x.pc.CreateIndex(ctx, CreateIndexRequest{
			Name:      name,
			Dimension: dimension,
			Metric:    metric,
			Spec:      IndexSpec{Serverless: &ServerlessSpec{Cloud: x.cloud, Region: x.region}},
		})
	}
	if err != nil {
		return err
	}
	if desc.Dimension != 0 && desc.Dimension != dimension {
		return fmt.Errorf("pinecone index %q has dimension %d, embeddings have %d", name, desc.Dimension, dimension)
	}
	host := strings.TrimSpace(desc.Host)
	if host == "" || !desc.Status.Ready {
		return fmt.Errorf("pinecone index %q not ready (state %q)", name, desc.Status.State)
	}

	x.mu.Lock()
	x.host = host
	x.mu.Unlock()
	return nil
}

func (x *Index) resolvedHost() (string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.host == "" {
		return "", fmt.Errorf("pinecone index not initialised")
	}
	return x.host, nil
}

// Query returns the topK nearest neighbours with their metadata.
func (x *Index) Query(ctx context.Context, vector []float32, topK int) ([]QueryMatch, error) {
	host, err := x.resolvedHost()
	if err != nil {
		return nil, err
	}
	resp, err := x.pc.Query(ctx, host, QueryRequest{
		Namespace:       x.namespace,
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]QueryMatch, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (x *Index) Upsert(ctx context.Context, vectors []Vector) error {
	host, err := x.resolvedHost()
	if err != nil {
		return err
	}
	_, err = x.pc.UpsertVectors(ctx, host, UpsertRequest{Namespace: x.namespace, Vectors: vectors})
	return err
}

func (x *Index) Delete(ctx context.Context, ids []string) error {
	host, err := x.resolvedHost()
	if err != nil {
		return err
	}
	return x.pc.DeleteVectors(ctx, host, DeleteRequest{Namespace: x.namespace, IDs: ids})
}
