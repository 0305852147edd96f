package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// PendingStatus captures workflow states for deferred change requests.
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "PENDING"
	PendingStatusApproved PendingStatus = "APPROVED"
	PendingStatusRejected PendingStatus = "REJECTED"
)

// PendingChange stores a deferred mutation awaiting administrator review.
// Status transitions exactly once, PENDING to APPROVED or REJECTED.
type PendingChange struct {
	ID            string         `db:"id" json:"id"`
	ActionKey     string         `db:"action_key" json:"actionKey"`
	EntityType    string         `db:"entity_type" json:"entityType"`
	EntityID      *string        `db:"entity_id" json:"entityId,omitempty"`
	RequestMethod string         `db:"request_method" json:"requestMethod"`
	RequestPath   string         `db:"request_path" json:"requestPath"`
	Payload       types.JSONText `db:"payload" json:"payload,omitempty"`
	Metadata      types.JSONText `db:"metadata" json:"metadata,omitempty"`
	Status        PendingStatus  `db:"status" json:"status"`
	CreatedBy     string         `db:"created_by" json:"createdBy"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	ApprovedBy    *string        `db:"approved_by" json:"approvedBy,omitempty"`
	ApprovedAt    *time.Time     `db:"approved_at" json:"approvedAt,omitempty"`
	Notes         *string        `db:"notes" json:"notes,omitempty"`

	// Denormalised for listings; resolved against the identity store and
	// left as the raw identifier when the user is unknown.
	CreatedByName  string `db:"-" json:"createdByName,omitempty"`
	ApprovedByName string `db:"-" json:"approvedByName,omitempty"`
}

// PendingChangeFilter constrains listing queries.
type PendingChangeFilter struct {
	Status     []PendingStatus
	EntityType string
	ActionKey  string
	CreatedBy  string
	Limit      int
	Offset     int
}
