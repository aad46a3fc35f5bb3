package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ReceiptStore persists the append-only receipt journal. The journal is an
// audit trail, not the source of truth: the in-memory engine state plus
// snapshots are authoritative.
type ReceiptStore interface {
	Append(ctx context.Context, r Receipt) error
	GetByID(ctx context.Context, id string) (Receipt, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Receipt, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Receipt, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotStore persists engine state snapshots atomically.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Latest(ctx context.Context) (Snapshot, error)
	Prune(ctx context.Context, keep int) (int64, error)
}
