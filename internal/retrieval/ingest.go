package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medintel/internal/platform/pinecone"
)

var (
	ErrEmptyDocument  = errors.New("document has no content")
	ErrUploadNotFound = errors.New("upload not found")
)

const embedBatchSize = 64

type Document struct {
	Filename    string
	Description string
	Specialty   string
	Text        string
}

type Upload struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	Description string    `json:"description"`
	Specialty   string    `json:"specialty"`
	UploadedBy  int64     `json:"uploaded_by"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type UploadStore interface {
	RecordUpload(ctx context.Context, u *Upload) error
	ListUploads(ctx context.Context, limit int) ([]Upload, error)
	GetUpload(ctx context.Context, id int64) (*Upload, error)
	DeleteUpload(ctx context.Context, id int64) error
}

// Ingestor loads reference documents into the vector index.
type Ingestor struct {
	svc          *Service
	uploads      UploadStore
	chunkWords   int
	chunkOverlap int
}

func NewIngestor(svc *Service, uploads UploadStore, chunkWords, chunkOverlap int) *Ingestor {
	if chunkWords <= 0 {
		chunkWords = 200
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkWords {
		chunkOverlap = 0
	}
	return &Ingestor{svc: svc, uploads: uploads, chunkWords: chunkWords, chunkOverlap: chunkOverlap}
}

// Ingest chunks, embeds and upserts doc, then records the upload. Index
// failures abort before anything is recorded; a failed upload record is
// reported but the vectors stay in the index.
func (in *Ingestor) Ingest(ctx context.Context, doc Document, uploadedBy int64) (*Upload, error) {
	doc.Filename = strings.TrimSpace(doc.Filename)
	if doc.Filename == "" {
		return nil, fmt.Errorf("filename required")
	}
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return nil, ErrEmptyDocument
	}
	if d := strings.TrimSpace(doc.Description); d != "" {
		text = "Description: " + d + "\n\n" + text
	}

	if err := in.svc.ensureReady(ctx); err != nil {
		return nil, fmt.Errorf("retrieval index unavailable: %w", err)
	}

	chunks := ChunkWords(text, in.chunkWords, in.chunkOverlap)
	vectors := make([]pinecone.Vector, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		embs, err := in.svc.embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding chunks %d-%d: %w", start, end, err)
		}
		if len(embs) != end-start {
			return nil, fmt.Errorf("embedding returned %d vectors for %d chunks", len(embs), end-start)
		}
		for i, emb := range embs {
			n := start + i
			vectors = append(vectors, pinecone.Vector{
				ID:     chunkID(doc.Filename, n),
				Values: emb,
				Metadata: map[string]any{
					"text":        chunks[n],
					"filename":    doc.Filename,
					"description": doc.Description,
					"specialty":   doc.Specialty,
					"chunk":       n,
				},
			})
		}
	}

	if err := in.svc.index.Upsert(ctx, vectors); err != nil {
		return nil, fmt.Errorf("upserting %d vectors: %w", len(vectors), err)
	}
	in.svc.log.Info("document ingested",
		zap.String("filename", doc.Filename),
		zap.Int("chunks", len(vectors)),
	)

	u := &Upload{
		Filename:    doc.Filename,
		Description: doc.Description,
		Specialty:   doc.Specialty,
		UploadedBy:  uploadedBy,
		ChunkCount:  len(vectors),
	}
	if in.uploads != nil {
		if err := in.uploads.RecordUpload(ctx, u); err != nil {
			return u, fmt.Errorf("document indexed but upload record failed: %w", err)
		}
	}
	return u, nil
}

func (in *Ingestor) Uploads(ctx context.Context, limit int) ([]Upload, error) {
	if in.uploads == nil {
		return []Upload{}, nil
	}
	return in.uploads.ListUploads(ctx, limit)
}

// Delete removes an upload's vectors and then its record. The vectors go
// first so a failed index call leaves the record in place for a retry.
func (in *Ingestor) Delete(ctx context.Context, uploadID int64) error {
	if in.uploads == nil {
		return ErrUploadNotFound
	}
	u, err := in.uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if err := in.svc.ensureReady(ctx); err != nil {
		return fmt.Errorf("retrieval index unavailable: %w", err)
	}
	ids := make([]string, 0, u.ChunkCount)
	for n := 0; n < u.ChunkCount; n++ {
		ids = append(ids, chunkID(u.Filename, n))
	}
	if err := in.svc.index.Delete(ctx, ids); err != nil {
		return fmt.Errorf("deleting %d vectors: %w", len(ids), err)
	}
	if err := in.uploads.DeleteUpload(ctx, uploadID); err != nil {
		return err
	}
	in.svc.log.Info("document deleted",
		zap.Int64("upload_id", uploadID),
		zap.String("filename", u.Filename),
		zap.Int("chunks", len(ids)),
	)
	return nil
}

func (in *Ingestor) Status() Status { return in.svc.Status() }

var chunkNamespace = uuid.MustParse("6f1c1f0e-5d0b-4c55-9a1e-0d3b7c2a9e41")

// chunkID depends only on the filename and chunk position, so re-ingesting
// a file overwrites its vectors and a deletion can rebuild the ids from the
// upload record.
func chunkID(filename string, n int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s\x00%d", filename, n))).String()
}

// ChunkWords splits text into windows of size words, consecutive windows
// sharing overlap words.
func ChunkWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(words)
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
