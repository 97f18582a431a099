package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"medintel/internal/retrieval"
)

func newIngestCmd() *cobra.Command {
	var (
		description string
		specialty   string
		uploadedBy  int64
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Add a text or PDF reference document to the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadBase()
			if err != nil {
				return err
			}
			defer log.Sync()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			name := filepath.Base(args[0])
			text, err := retrieval.ExtractText(name, "", raw)
			if err != nil {
				return err
			}

			rs, err := buildRetrieval(cfg, log)
			if err != nil {
				return err
			}
			if rs == nil {
				return fmt.Errorf("retrieval is not configured: set PINECONE_API_KEY and EMBEDDING_API_KEY")
			}

			db, err := openDB(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			in := retrieval.NewIngestor(rs, retrieval.NewSQLUploadStore(db, log), cfg.Retrieval.ChunkWords, cfg.Retrieval.ChunkOverlap)
			up, err := in.Ingest(ctx, retrieval.Document{
				Filename:    name,
				Description: description,
				Specialty:   specialty,
				Text:        text,
			}, uploadedBy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %s: %d chunks (upload %d)\n", up.Filename, up.ChunkCount, up.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "short description prepended to the document")
	cmd.Flags().StringVar(&specialty, "specialty", "psikoloji", "specialty tag stored with each chunk")
	cmd.Flags().Int64Var(&uploadedBy, "uploaded-by", 0, "clinician id recorded as the uploader")
	return cmd
}
