package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
)

const pendingChangeColumns = `id, action_key, entity_type, entity_id, request_method, request_path,
       payload, metadata, status, created_by, created_at, approved_by, approved_at, notes`

// PendingChangeRepository persists deferred change requests.
type PendingChangeRepository struct {
	db *sqlx.DB
}

// NewPendingChangeRepository constructs the repository.
func NewPendingChangeRepository(db *sqlx.DB) *PendingChangeRepository {
	return &PendingChangeRepository{db: db}
}

// Create inserts a new pending change row.
func (r *PendingChangeRepository) Create(ctx context.Context, change *models.PendingChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.Status == "" {
		change.Status = models.PendingStatusPending
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}
	if len(change.Metadata) == 0 {
		change.Metadata = []byte("{}")
	}
	const query = `INSERT INTO pending_changes
	(id, action_key, entity_type, entity_id, request_method, request_path, payload, metadata, status, created_by, created_at, approved_by, approved_at, notes)
	VALUES (:id, :action_key, :entity_type, :entity_id, :request_method, :request_path, :payload, :metadata, :status, :created_by, :created_at, :approved_by, :approved_at, :notes)`
	if _, err := r.db.NamedExecContext(ctx, query, change); err != nil {
		return fmt.Errorf("create pending change: %w", err)
	}
	return nil
}

// GetByID fetches a pending change by identifier.
func (r *PendingChangeRepository) GetByID(ctx context.Context, id string) (*models.PendingChange, error) {
	query := fmt.Sprintf("SELECT %s FROM pending_changes WHERE id = $1", pendingChangeColumns)
	var change models.PendingChange
	if err := r.db.GetContext(ctx, &change, query, id); err != nil {
		return nil, err
	}
	return &change, nil
}

// GetForUpdate loads a pending change under an exclusive row lock. This is
// the serialization point for concurrent resolution attempts: the second
// resolver blocks here until the first commits, then observes the flipped
// status.
func (r *PendingChangeRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.PendingChange, error) {
	query := fmt.Sprintf("SELECT %s FROM pending_changes WHERE id = $1 FOR UPDATE", pendingChangeColumns)
	var change models.PendingChange
	if err := tx.GetContext(ctx, &change, query, id); err != nil {
		return nil, err
	}
	return &change, nil
}

// List returns pending changes matching the filter (newest first).
func (r *PendingChangeRepository) List(ctx context.Context, filter models.PendingChangeFilter) ([]models.PendingChange, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(fmt.Sprintf("SELECT %s FROM pending_changes", pendingChangeColumns))

	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.ActionKey != "" {
		args = append(args, filter.ActionKey)
		conditions = append(conditions, fmt.Sprintf("action_key = $%d", len(args)))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var changes []models.PendingChange
	if err := r.db.SelectContext(ctx, &changes, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	return changes, nil
}

// CountPending returns the number of open requests, optionally per entity type.
func (r *PendingChangeRepository) CountPending(ctx context.Context, entityType string) (int, error) {
	query := "SELECT COUNT(*) FROM pending_changes WHERE status = $1"
	args := []interface{}{models.PendingStatusPending}
	if entityType != "" {
		query += " AND entity_type = $2"
		args = append(args, entityType)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, fmt.Errorf("count pending changes: %w", err)
	}
	return total, nil
}

// ResolvePendingChangeParams groups the columns written when a request is resolved.
type ResolvePendingChangeParams struct {
	ID         string
	Status     models.PendingStatus
	ApprovedBy string
	ApprovedAt time.Time
	Notes      *string
}

// MarkResolved flips a pending change to its terminal status. The status
// guard makes the transition single-shot: resolving an already resolved row
// affects zero rows and reports sql.ErrNoRows.
func (r *PendingChangeRepository) MarkResolved(ctx context.Context, tx *sqlx.Tx, params ResolvePendingChangeParams) error {
	query := fmt.Sprintf(`UPDATE pending_changes
	SET status = :status, approved_by = :approved_by, approved_at = :approved_at, notes = :notes
	WHERE id = :id AND status = '%s'`, models.PendingStatusPending)
	result, err := sqlx.NamedExecContext(ctx, tx, query, map[string]interface{}{
		"id":          params.ID,
		"status":      params.Status,
		"approved_by": params.ApprovedBy,
		"approved_at": params.ApprovedAt.UTC(),
		"notes":       params.Notes,
	})
	if err != nil {
		return fmt.Errorf("resolve pending change: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check pending change rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteResolvedBefore removes terminal rows older than the cutoff.
func (r *PendingChangeRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM pending_changes WHERE status <> $1 AND approved_at < $2`
	result, err := r.db.ExecContext(ctx, query, models.PendingStatusPending, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete resolved pending changes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolved pending changes rows affected: %w", err)
	}
	return rows, nil
}
