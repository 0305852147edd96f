package dto

import "github.com/noah-isme/sekolah-adm-api/internal/models"

// ResolvePendingChangeRequest captures the reviewer's note for an approve
// or reject call.
type ResolvePendingChangeRequest struct {
	Notes string `json:"notes"`
}

// PendingChangeQuery mirrors supported listing filters.
type PendingChangeQuery struct {
	Status     []models.PendingStatus
	EntityType string
	ActionKey  string
	Page       int
	PageSize   int
}
