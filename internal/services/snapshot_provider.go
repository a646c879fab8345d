package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/playoffpool/backend/internal/models"
)

var ErrSnapshotNotFound = errors.New("no scoring snapshot for contest")

// SnapshotProvider supplies the immutable scoring snapshot a settlement is
// bound to. Scoring ingestion itself lives outside this service; the
// provider only reads what ingestion already persisted.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, q DBTX, contestID string) (*models.ScoringSnapshot, error)
}

// DBSnapshotProvider reads the latest snapshot row written by the scoring
// pipeline. It runs on the caller's handle so the settlement transaction
// sees a consistent view.
type DBSnapshotProvider struct{}

func NewDBSnapshotProvider() *DBSnapshotProvider {
	return &DBSnapshotProvider{}
}

func (p *DBSnapshotProvider) Snapshot(ctx context.Context, q DBTX, contestID string) (*models.ScoringSnapshot, error) {
	var (
		snap      models.ScoringSnapshot
		rawScores []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, snapshot_hash, scoring_run_id, final_scores
		FROM scoring_snapshots
		WHERE contest_instance_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, contestID).
		Scan(&snap.SnapshotID, &snap.SnapshotHash, &snap.ScoringRunID, &rawScores)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot query: %w", err)
	}

	if err := json.Unmarshal(rawScores, &snap.FinalScores); err != nil {
		return nil, fmt.Errorf("snapshot final_scores decode: %w", err)
	}
	return &snap, nil
}
