package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"medintel/internal/agent"
	"medintel/internal/config"
	"medintel/internal/consultation"
	"medintel/internal/logger"
	"medintel/internal/platform/pinecone"
	"medintel/internal/platform/sendgrid"
	"medintel/internal/platform/telegram"
	"medintel/internal/report"
	"medintel/internal/retrieval"
)

const serviceName = "consultd"

func loadBase() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func openDB(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		if err = db.PingContext(ctx); err == nil {
			log.Info("connected to database")
			return db, nil
		}
		log.Warn("waiting for database", zap.Int("attempt", i+1), zap.Int("of", retries), zap.Error(err))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to database: %w", err)
}

func runMigrations(cfg config.DatabaseConfig, log *zap.Logger) error {
	m, err := migrate.New(cfg.MigrationsPath, cfg.URL)
	if err != nil {
		return fmt.Errorf("migration init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// buildRetrieval returns a nil service when the index or embedding endpoint
// is not configured; callers fall back to retrieval.Noop.
func buildRetrieval(cfg config.Config, log *zap.Logger) (*retrieval.Service, error) {
	if !cfg.RetrievalEnabled() {
		log.Warn("retrieval disabled: PINECONE_API_KEY or EMBEDDING_API_KEY not set")
		return nil, nil
	}
	embedder, err := agent.NewEmbedder(log, agent.EmbedConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		MaxRetries: 2,
	})
	if err != nil {
		return nil, err
	}
	pc, err := pinecone.New(log, pinecone.Config{APIKey: cfg.Pinecone.APIKey})
	if err != nil {
		return nil, err
	}
	index := pinecone.NewIndex(log, pc, cfg.Pinecone.Namespace, cfg.Pinecone.Cloud, cfg.Pinecone.Environment)
	return retrieval.New(log, embedder, index, retrieval.Options{
		IndexName:      cfg.Pinecone.IndexName,
		Dimension:      cfg.Embedding.Dimension,
		Metric:         "cosine",
		TopK:           cfg.Retrieval.TopK,
		Threshold:      cfg.Retrieval.SimilarityThreshold,
		EmbeddingModel: embedder.Model(),
	}), nil
}

// disabledMailer keeps approvals pending while email is not configured.
type disabledMailer struct{}

func (disabledMailer) Send(context.Context, sendgrid.Message) error {
	return errors.New("email delivery is not configured (SENDGRID_API_KEY)")
}

func buildReport(cfg config.Config, log *zap.Logger) *report.Service {
	var mailer report.Mailer = disabledMailer{}
	if cfg.SendGrid.APIKey != "" {
		sg, err := sendgrid.New(log, sendgrid.Config{
			APIKey:           cfg.SendGrid.APIKey,
			BaseURL:          cfg.SendGrid.BaseURL,
			DefaultFromEmail: cfg.SendGrid.FromEmail,
			DefaultFromName:  cfg.SendGrid.FromName,
		})
		if err != nil {
			log.Warn("sendgrid disabled", zap.Error(err))
		} else {
			mailer = sg
		}
	} else {
		log.Warn("SENDGRID_API_KEY not set; plan approvals will fail until email is configured")
	}

	var alerts report.AlertSender
	if cfg.Telegram.BotToken != "" {
		alerts = telegram.NewClient(log, cfg.Telegram.BotToken, "")
	}
	if cfg.Telegram.OperatorChatID == 0 {
		log.Warn("TELEGRAM_OPERATOR_CHAT_ID is not set; operator alerts are only logged")
	}
	return report.NewService(log, mailer, alerts, cfg.Telegram.OperatorChatID)
}

type app struct {
	cfg      config.Config
	log      *zap.Logger
	db       *sql.DB
	service  consultation.Service
	ingestor *retrieval.Ingestor
}

func wireApp(cfg config.Config, log *zap.Logger, db *sql.DB) (*app, error) {
	generator, err := agent.New(log, agent.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxRetries:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("wire text generation: %w", err)
	}

	rs, err := buildRetrieval(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("wire retrieval: %w", err)
	}
	var augmenter consultation.Augmenter = retrieval.Noop{}
	var ingestor *retrieval.Ingestor
	if rs != nil {
		augmenter = rs
		ingestor = retrieval.NewIngestor(rs, retrieval.NewSQLUploadStore(db, log), cfg.Retrieval.ChunkWords, cfg.Retrieval.ChunkOverlap)
	}

	reports := buildReport(cfg, log)
	memory := consultation.NewMemory(cfg.Memory.MaxExchanges)
	pipeline := consultation.NewPipeline(log, memory, consultation.NewRegistry(), augmenter, generator, reports, cfg.Pipeline.TreatmentDraftAttempts)
	repo := consultation.NewRepository(db, log)
	approvals := consultation.NewApprovals(db, reports, log)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		service:  consultation.NewService(repo, pipeline, memory, approvals, log),
		ingestor: ingestor,
	}, nil
}

// knowledge avoids handing the handler a typed nil.
func (a *app) knowledge() consultation.Knowledge {
	if a.ingestor == nil {
		return nil
	}
	return a.ingestor
}
