// Package checkpoint implements the Batch Checkpoint Store: durable
// Postgres-backed persistence for pause_batch/resume_batch progress
// (spec.md §4.9), schema-migrated with goose, queried through the
// shared pkg/database DB interface so it takes a pgxmock pool in
// tests.
package checkpoint

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"antcode/internal/domain"
	"antcode/pkg/database"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory within Migrations goose reads from.
const MigrationsDir = "migrations"

// Progress is the persisted snapshot of a CrawlBatch's counters at the
// moment of a pause or completion (spec.md §4.9 "save progress
// checkpoint").
type Progress struct {
	TotalTasks     int `json:"total_tasks"`
	EnqueuedTasks  int `json:"enqueued_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// ErrNotFound is returned by Load when no checkpoint exists for a
// batch_id.
var ErrNotFound = errors.New("checkpoint: not found")

// Store persists and restores batch checkpoints.
type Store struct {
	db database.DB
}

// New wraps an existing database.DB (typically a *database.PostgresDB,
// or a pgxmock pool in tests).
func New(db database.DB) *Store {
	return &Store{db: db}
}

// Save upserts the checkpoint for batchID (spec.md §4.9 pause_batch /
// complete_batch).
func (s *Store) Save(ctx context.Context, batchID string, status domain.BatchStatus, progress Progress) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO batch_checkpoints (batch_id, status, progress, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id) DO UPDATE
		SET status = EXCLUDED.status, progress = EXCLUDED.progress, saved_at = EXCLUDED.saved_at
	`, batchID, string(status), raw, time.Now())
	if err != nil {
		return fmt.Errorf("save checkpoint for batch %s: %w", batchID, err)
	}
	return nil
}

// Load restores the last saved checkpoint for batchID (spec.md §4.9
// resume_batch).
func (s *Store) Load(ctx context.Context, batchID string) (domain.BatchStatus, Progress, error) {
	var status string
	var raw []byte

	row := s.db.QueryRow(ctx, `SELECT status, progress FROM batch_checkpoints WHERE batch_id = $1`, batchID)
	if err := row.Scan(&status, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", Progress{}, ErrNotFound
		}
		return "", Progress{}, fmt.Errorf("load checkpoint for batch %s: %w", batchID, err)
	}

	var progress Progress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return "", Progress{}, fmt.Errorf("unmarshal progress for batch %s: %w", batchID, err)
	}
	return domain.BatchStatus(status), progress, nil
}

// Delete removes a batch's checkpoint once it reaches a terminal
// status and no resume is possible.
func (s *Store) Delete(ctx context.Context, batchID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM batch_checkpoints WHERE batch_id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("delete checkpoint for batch %s: %w", batchID, err)
	}
	return nil
}
