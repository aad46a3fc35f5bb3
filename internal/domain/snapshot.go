package domain

import "time"

// SnapshotVersion identifies the snapshot schema. Bump on incompatible
// changes to Account or Market.
const SnapshotVersion = 1

// Snapshot is an atomic copy of the engine's full mutable state. The
// persistence backend stores and restores it as one unit; the engine
// quiesces instruction application while it is taken.
type Snapshot struct {
	Version  int       `json:"version"`
	TakenAt  time.Time `json:"taken_at"`
	Accounts []Account `json:"accounts"`
	Markets  []Market  `json:"markets"`
}
