package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL. Each
// snapshot is one JSONB row; a single INSERT makes the save atomic, so a
// crash mid-save leaves the previous snapshot untouched.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save persists a snapshot.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot: %w", err)
	}

	const query = `INSERT INTO snapshots (version, taken_at, state) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, snap.Version, snap.TakenAt, data); err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot. It returns domain.ErrNotFound
// when none has been saved yet.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.Snapshot, error) {
	const query = `SELECT state FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`

	var data []byte
	if err := s.pool.QueryRow(ctx, query).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, domain.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("postgres: latest snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int64, error) {
	const query = `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT $1
		)`
	tag, err := s.pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
