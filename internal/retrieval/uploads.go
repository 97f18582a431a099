package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type SQLUploadStore struct {
	db  *sql.DB
	log *zap.Logger
}

func NewSQLUploadStore(db *sql.DB, log *zap.Logger) *SQLUploadStore {
	return &SQLUploadStore{db: db, log: log.With(zap.String("repo", "UploadStore"))}
}

func (s *SQLUploadStore) RecordUpload(ctx context.Context, u *Upload) error {
	query := `
		INSERT INTO rag_uploads (filename, description, specialty, uploaded_by, chunk_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, u.Filename, u.Description, u.Specialty, u.UploadedBy, u.ChunkCount).
		Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rag upload: %w", err)
	}
	return nil
}

func (s *SQLUploadStore) ListUploads(ctx context.Context, limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, filename, description, specialty, uploaded_by, chunk_count, created_at
		FROM rag_uploads
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list rag uploads: %w", err)
	}
	defer rows.Close()

	out := []Upload{}
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.Filename, &u.Description, &u.Specialty, &u.UploadedBy, &u.ChunkCount, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLUploadStore) GetUpload(ctx context.Context, id int64) (*Upload, error) {
	query := `
		SELECT id, filename, description, specialty, uploaded_by, chunk_count, created_at
		FROM rag_uploads
		WHERE id = $1
	`
	var u Upload
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&u.ID, &u.Filename, &u.Description, &u.Specialty, &u.UploadedBy, &u.ChunkCount, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rag upload %d: %w", id, err)
	}
	return &u, nil
}

func (s *SQLUploadStore) DeleteUpload(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rag_uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rag upload %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rag upload %d: %w", id, err)
	}
	if n == 0 {
		return ErrUploadNotFound
	}
	return nil
}
