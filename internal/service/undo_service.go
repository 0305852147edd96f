package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

type undoMetrics interface {
	ObserveUndo(outcome string)
}

// UndoService reverses a previously executed mutation while its snapshot is
// still inside the undo window.
type UndoService struct {
	snapshots snapshotStore
	registry  *ReverseRegistry
	audit     auditLogger
	metrics   undoMetrics
	tx        txProvider
	clock     func() time.Time
	logger    *zap.Logger
}

// NewUndoService wires the undo engine.
func NewUndoService(snapshots snapshotStore, registry *ReverseRegistry, audit auditLogger, metrics undoMetrics, tx txProvider, logger *zap.Logger) *UndoService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UndoService{
		snapshots: snapshots,
		registry:  registry,
		audit:     audit,
		metrics:   metrics,
		tx:        tx,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithClock overrides the time source, for tests.
func (s *UndoService) WithClock(clock func() time.Time) *UndoService {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// UndoResult reports a completed reversal.
type UndoResult struct {
	SnapshotID string          `json:"snapshotId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	UndoneAt   time.Time       `json:"undoneAt"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Undo reverses the snapshotted mutation in one transaction and flips the
// undo flag. The snapshot row is locked for the duration of the reversal, so
// concurrent undo attempts serialize: exactly one commits, the rest observe
// the flipped flag and report the conflict. On reversal failure everything
// rolls back and the snapshot stays usable for a retry until it expires.
func (s *UndoService) Undo(ctx context.Context, snapshotID, actorID string) (result *UndoResult, err error) {
	if snapshotID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "snapshot id is required")
	}
	if s.tx == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "transaction provider missing")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	snapshot, err := s.snapshots.GetForUpdate(ctx, tx, snapshotID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrNotFound, "snapshot not found")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load snapshot")
		return nil, err
	}
	if snapshot.WasUndone {
		s.observe("already_undone")
		err = appErrors.Clone(appErrors.ErrAlreadyUndone, "snapshot already undone")
		return nil, err
	}
	now := s.clock()
	if now.After(snapshot.ExpiresAt) {
		s.observe("window_expired")
		err = appErrors.Clone(appErrors.ErrUndoWindowExpired, "undo window expired")
		return nil, err
	}

	reverser, ok := s.registry.Resolve(snapshot.EntityType)
	if !ok {
		s.observe("no_reverser")
		err = appErrors.Clone(appErrors.ErrNoHandler, fmt.Sprintf("no undo support for entity type %s", snapshot.EntityType))
		return nil, err
	}

	outcome, reverseErr := reverser.Reverse(ctx, tx, snapshot)
	if reverseErr != nil {
		s.observe("reverse_failed")
		var typed *appErrors.Error
		if errors.As(reverseErr, &typed) {
			err = typed
		} else {
			err = appErrors.Wrap(reverseErr, appErrors.ErrHandlerFailed.Code, appErrors.ErrHandlerFailed.Status, "failed to reverse mutation")
		}
		return nil, err
	}

	if err = s.snapshots.MarkUndone(ctx, tx, snapshot.ID, now); err != nil {
		// Zero rows: another undo flipped the flag first.
		if errors.Is(err, sql.ErrNoRows) {
			s.observe("already_undone")
			err = appErrors.Clone(appErrors.ErrAlreadyUndone, "snapshot already undone")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark snapshot undone")
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit undo")
		return nil, err
	}

	s.observe("undone")
	s.emitAudit(ctx, actorID, snapshot)
	return &UndoResult{
		SnapshotID: snapshot.ID,
		EntityType: snapshot.EntityType,
		EntityID:   snapshot.EntityID,
		Operation:  string(snapshot.Operation),
		UndoneAt:   now,
		Result:     outcome,
	}, nil
}

func (s *UndoService) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveUndo(outcome)
	}
}

func (s *UndoService) emitAudit(ctx context.Context, actorID string, snapshot *models.Snapshot) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     models.AuditActionUndo,
		Resource:   snapshot.EntityType,
		ResourceID: &snapshot.ID,
		OldValues:  snapshot.Data,
		IPAddress:  "system",
		UserAgent:  "undo-service",
	}
	if actorID != "" {
		log.UserID = &actorID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
