package pinecone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ErrIndexNotFound is returned by DescribeIndex when the index does not exist.
var ErrIndexNotFound = errors.New("pinecone: index not found")

type Client interface {
	DescribeIndex(ctx context.Context, indexName string) (*IndexDescription, error)
	CreateIndex(ctx context.Context, req CreateIndexRequest) (*IndexDescription, error)
	UpsertVectors(ctx context.Context, host string, req UpsertRequest) (*UpsertResponse, error)
	Query(ctx context.Context, host string, req QueryRequest) (*QueryResponse, error)
	DeleteVectors(ctx context.Context, host string, req DeleteRequest) error
}

type Config struct {
	APIKey     string
	APIVersion string
	BaseURL    string
}

type client struct {
	log  *zap.Logger
	cfg  Config
	http *http.Client
}

// New builds a REST client. No client-side timeout is set; callers bound
// requests through the context.
func New(log *zap.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing Pinecone API key")
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = "2025-04"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.pinecone.io"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &client{
		log:  log.With(zap.String("client", "PineconeClient")),
		cfg:  cfg,
		http: &http.Client{},
	}, nil
}

// -------------------- Control plane --------------------

type IndexDescription struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Status    struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
}

type ServerlessSpec struct {
	Cloud  string `json:"cloud"`
	Region string `json:"region"`
}

type IndexSpec struct {
	Serverless *ServerlessSpec `json:"serverless,omitempty"`
}

type CreateIndexRequest struct {
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Spec      IndexSpec `json:"spec"`
}

func (c *client) DescribeIndex(ctx context.Context, indexName string) (*IndexDescription, error) {
	indexName = strings.TrimSpace(indexName)
	if indexName == "" {
		return nil, fmt.Errorf("indexName required")
	}
	var out IndexDescription
	if err := c.call(ctx, http.MethodGet, c.cfg.BaseURL+"/indexes/"+indexName, nil, &out); err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			return nil, ErrIndexNotFound
		}
		return nil, fmt.Errorf("describe index %s: %w", indexName, err)
	}
	return &out, nil
}

func (c *client) CreateIndex(ctx context.Context, req CreateIndexRequest) (*IndexDescription, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("index name required")
	}
	if req.Dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive")
	}
	if req.Metric == "" {
		req.Metric = "cosine"
	}
	var out IndexDescription
	if err := c.call(ctx, http.MethodPost, c.cfg.BaseURL+"/indexes", req, &out); err != nil {
		return nil, fmt.Errorf("create index %s: %w", req.Name, err)
	}
	return &out, nil
}

// -------------------- Data plane --------------------

type Vector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type UpsertRequest struct {
	Vectors   []Vector `json:"vectors"`
	Namespace string   `json:"namespace,omitempty"`
}

type UpsertResponse struct {
	UpsertedCount int64 `json:"upsertedCount"`
}

func (c *client) UpsertVectors(ctx context.Context, host string, req UpsertRequest) (*UpsertResponse, error) {
	if len(req.Vectors) == 0 {
		return &UpsertResponse{}, nil
	}
	var out UpsertResponse
	if err := c.dataPlane(ctx, host, "/vectors/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type QueryRequest struct {
	Namespace       string    `json:"namespace,omitempty"`
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type QueryMatch struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type QueryResponse struct {
	Matches []QueryMatch `json:"matches"`
}

func (c *client) Query(ctx context.Context, host string, req QueryRequest) (*QueryResponse, error) {
	if len(req.Vector) == 0 {
		return nil, fmt.Errorf("query vector required")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	var out QueryResponse
	if err := c.dataPlane(ctx, host, "/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type DeleteRequest struct {
	IDs       []string `json:"ids"`
	Namespace string   `json:"namespace,omitempty"`
}

// DeleteVectors removes vectors by id. Unknown ids are not an error.
func (c *client) DeleteVectors(ctx context.Context, host string, req DeleteRequest) error {
	if len(req.IDs) == 0 {
		return nil
	}
	var out struct{}
	return c.dataPlane(ctx, host, "/vectors/delete", req, &out)
}

// -------------------- transport --------------------

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("pinecone http %d: %s", e.StatusCode, e.Body)
}

// dataPlane targets an index host as returned by DescribeIndex; tests pass
// a full http:// URL instead.
func (c *client) dataPlane(ctx context.Context, host, path string, body, out any) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("index host required")
	}
	url := "https://" + host + path
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		url = strings.TrimRight(host, "/") + path
	}
	if err := c.call(ctx, http.MethodPost, url, body, out); err != nil {
		return fmt.Errorf("pinecone %s: %w", path, err)
	}
	return nil
}

func (c *client) call(ctx context.Context, method, url string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Api-Key", c.cfg.APIKey)
	req.Header.Set("X-Pinecone-Api-Version", c.cfg.APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Debug("pinecone response not decodable", zap.String("url", url), zap.ByteString("body", raw))
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
