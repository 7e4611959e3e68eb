package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/netsentry/netsentry/internal/model"
)

// PostgresStore persists finished correlations. Records are inserted once
// and never updated.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens the database and ensures the correlations table
// exists.
func NewPostgresStore(databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db, logger: logger}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS correlations (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			federated BOOLEAN NOT NULL DEFAULT FALSE,
			federated_from TEXT,
			metadata JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to ensure correlations table: %w", err)
	}
	return nil
}

// InsertCorrelation stores one correlation. Conflicting IDs are ignored
// because correlations are immutable after creation.
func (s *PostgresStore) InsertCorrelation(ctx context.Context, c *model.Correlation) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO correlations (id, rule_id, severity, confidence, federated, federated_from, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.RuleID, c.Severity, c.Confidence, c.Federated, c.FederatedFrom, metadata, c.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert correlation: %w", err)
	}
	return nil
}
