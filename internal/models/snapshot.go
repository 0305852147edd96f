package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// SnapshotOperation enumerates the mutation kinds a snapshot can reverse.
type SnapshotOperation string

const (
	SnapshotOperationCreate SnapshotOperation = "CREATE"
	SnapshotOperationUpdate SnapshotOperation = "UPDATE"
	SnapshotOperationDelete SnapshotOperation = "DELETE"
)

// Valid reports whether the operation is one of the known kinds.
func (op SnapshotOperation) Valid() bool {
	switch op {
	case SnapshotOperationCreate, SnapshotOperationUpdate, SnapshotOperationDelete:
		return true
	}
	return false
}

// Snapshot is an immutable pre-mutation record. For CREATE operations the
// data payload holds the inserted row so a reverse-delete is possible; for
// UPDATE and DELETE it holds the prior row state. The only legal change
// after insert is the one-way was_undone flip.
type Snapshot struct {
	ID               string            `db:"id" json:"id"`
	EntityType       string            `db:"entity_type" json:"entityType"`
	EntityID         string            `db:"entity_id" json:"entityId"`
	EntityIdentifier string            `db:"entity_identifier" json:"entityIdentifier,omitempty"`
	Operation        SnapshotOperation `db:"operation" json:"operation"`
	Data             types.JSONText    `db:"data" json:"data,omitempty"`
	Metadata         types.JSONText    `db:"metadata" json:"metadata,omitempty"`
	CreatedBy        string            `db:"created_by" json:"createdBy"`
	CreatedAt        time.Time         `db:"created_at" json:"createdAt"`
	ExpiresAt        time.Time         `db:"expires_at" json:"expiresAt"`
	WasUndone        bool              `db:"was_undone" json:"wasUndone"`
	UndoneAt         *time.Time        `db:"undone_at" json:"undoneAt,omitempty"`
}

// SnapshotFilter constrains snapshot listings.
type SnapshotFilter struct {
	EntityType string
	Limit      int
	Offset     int
}
