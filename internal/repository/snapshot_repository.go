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

const snapshotColumns = `id, entity_type, entity_id, entity_identifier, operation, data, metadata,
       created_by, created_at, expires_at, was_undone, undone_at`

// SnapshotRepository persists pre-mutation snapshots.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository constructs the repository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create inserts a snapshot row. Pass the surrounding transaction as exec so
// the snapshot commits or rolls back together with the mutation it records.
func (r *SnapshotRepository) Create(ctx context.Context, exec sqlx.ExtContext, snapshot *models.Snapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	if len(snapshot.Metadata) == 0 {
		snapshot.Metadata = []byte("{}")
	}
	const query = `INSERT INTO snapshots
	(id, entity_type, entity_id, entity_identifier, operation, data, metadata, created_by, created_at, expires_at, was_undone, undone_at)
	VALUES (:id, :entity_type, :entity_id, :entity_identifier, :operation, :data, :metadata, :created_by, :created_at, :expires_at, :was_undone, :undone_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, snapshot); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

// GetByID fetches a snapshot by identifier.
func (r *SnapshotRepository) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	query := fmt.Sprintf("SELECT %s FROM snapshots WHERE id = $1", snapshotColumns)
	var snapshot models.Snapshot
	if err := r.db.GetContext(ctx, &snapshot, query, id); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetForUpdate loads a snapshot under an exclusive row lock. Concurrent undo
// attempts serialize here: the second locker blocks until the first commits,
// then observes the flipped undo flag.
func (r *SnapshotRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Snapshot, error) {
	query := fmt.Sprintf("SELECT %s FROM snapshots WHERE id = $1 FOR UPDATE", snapshotColumns)
	var snapshot models.Snapshot
	if err := tx.GetContext(ctx, &snapshot, query, id); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// List returns undoable snapshots, newest first. Expiry is enforced here:
// rows past expires_at never surface even before the cleanup sweep removes
// them.
func (r *SnapshotRepository) List(ctx context.Context, filter models.SnapshotFilter, now time.Time) ([]models.Snapshot, error) {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("SELECT %s FROM snapshots WHERE was_undone = false AND expires_at >= $1", snapshotColumns))
	args := []interface{}{now.UTC()}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		builder.WriteString(fmt.Sprintf(" AND entity_type = $%d", len(args)))
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

	var snapshots []models.Snapshot
	if err := r.db.SelectContext(ctx, &snapshots, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snapshots, nil
}

// MarkUndone flips the one-way undo flag. The guard makes the flip
// single-shot: marking an already undone row affects zero rows and reports
// sql.ErrNoRows.
func (r *SnapshotRepository) MarkUndone(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	const query = `UPDATE snapshots SET was_undone = true, undone_at = $2 WHERE id = $1 AND was_undone = false`
	result, err := r.exec(exec).ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark snapshot undone: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark snapshot undone rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteExpired removes snapshot rows whose undo window closed before the
// cutoff. Advisory housekeeping only; visibility is already read-enforced.
func (r *SnapshotRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired snapshots rows affected: %w", err)
	}
	return rows, nil
}
