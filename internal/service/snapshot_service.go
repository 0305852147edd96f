package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

type snapshotStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, snapshot *models.Snapshot) error
	GetByID(ctx context.Context, id string) (*models.Snapshot, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Snapshot, error)
	List(ctx context.Context, filter models.SnapshotFilter, now time.Time) ([]models.Snapshot, error)
	MarkUndone(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error
}

// SnapshotInput describes a snapshot to capture alongside a mutation.
type SnapshotInput struct {
	EntityType       string
	EntityID         string
	EntityIdentifier string
	Operation        models.SnapshotOperation
	Data             json.RawMessage
	Metadata         json.RawMessage
	CreatedBy        string
}

// SnapshotView is a snapshot prepared for API consumption. Data and metadata
// are decoded leniently: a corrupt blob is logged and nulled instead of
// failing the read, so one bad row cannot block the listing.
type SnapshotView struct {
	ID               string                   `json:"id"`
	EntityType       string                   `json:"entityType"`
	EntityID         string                   `json:"entityId"`
	EntityIdentifier string                   `json:"entityIdentifier,omitempty"`
	Operation        models.SnapshotOperation `json:"operation"`
	Data             json.RawMessage          `json:"data"`
	Metadata         json.RawMessage          `json:"metadata"`
	CreatedBy        string                   `json:"createdBy"`
	CreatedAt        time.Time                `json:"createdAt"`
	ExpiresAt        time.Time                `json:"expiresAt"`
	WasUndone        bool                     `json:"wasUndone"`
	UndoneAt         *time.Time               `json:"undoneAt,omitempty"`
}

// SnapshotService owns snapshot capture and read paths.
type SnapshotService struct {
	repo   snapshotStore
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// SnapshotServiceConfig tunes snapshot behaviour.
type SnapshotServiceConfig struct {
	// TTL is the undo window granted to every snapshot.
	TTL time.Duration
}

// NewSnapshotService constructs the service.
func NewSnapshotService(repo snapshotStore, logger *zap.Logger, cfg SnapshotServiceConfig) *SnapshotService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 25 * time.Hour
	}
	return &SnapshotService{
		repo:   repo,
		ttl:    cfg.TTL,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock overrides the time source, for tests.
func (s *SnapshotService) WithClock(clock func() time.Time) *SnapshotService {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Capture records the pre-mutation state. Call it with the mutation's
// transaction so both writes commit or roll back as a unit.
func (s *SnapshotService) Capture(ctx context.Context, exec sqlx.ExtContext, input SnapshotInput) (*models.Snapshot, error) {
	if input.EntityType == "" || input.CreatedBy == "" || len(input.Data) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "entityType, data, and createdBy are required")
	}
	if !input.Operation.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "operation must be CREATE, UPDATE, or DELETE")
	}
	now := s.clock()
	snapshot := &models.Snapshot{
		EntityType:       input.EntityType,
		EntityID:         input.EntityID,
		EntityIdentifier: input.EntityIdentifier,
		Operation:        input.Operation,
		Data:             append([]byte(nil), input.Data...),
		Metadata:         append([]byte(nil), input.Metadata...),
		CreatedBy:        input.CreatedBy,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}
	if err := s.repo.Create(ctx, exec, snapshot); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record snapshot")
	}
	return snapshot, nil
}

// Get returns a snapshot by id.
func (s *SnapshotService) Get(ctx context.Context, id string) (*SnapshotView, error) {
	snapshot, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "snapshot not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load snapshot")
	}
	view := s.view(snapshot)
	return &view, nil
}

// List returns undoable snapshots (not undone, not expired), newest first.
func (s *SnapshotService) List(ctx context.Context, filter models.SnapshotFilter) ([]SnapshotView, error) {
	snapshots, err := s.repo.List(ctx, filter, s.clock())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list snapshots")
	}
	views := make([]SnapshotView, 0, len(snapshots))
	for i := range snapshots {
		views = append(views, s.view(&snapshots[i]))
	}
	return views, nil
}

func (s *SnapshotService) view(snapshot *models.Snapshot) SnapshotView {
	return SnapshotView{
		ID:               snapshot.ID,
		EntityType:       snapshot.EntityType,
		EntityID:         snapshot.EntityID,
		EntityIdentifier: snapshot.EntityIdentifier,
		Operation:        snapshot.Operation,
		Data:             s.decodeBlob(snapshot.ID, "data", snapshot.Data),
		Metadata:         s.decodeBlob(snapshot.ID, "metadata", snapshot.Metadata),
		CreatedBy:        snapshot.CreatedBy,
		CreatedAt:        snapshot.CreatedAt,
		ExpiresAt:        snapshot.ExpiresAt,
		WasUndone:        snapshot.WasUndone,
		UndoneAt:         snapshot.UndoneAt,
	}
}

func (s *SnapshotService) decodeBlob(id, field string, raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		s.logger.Warn("corrupt snapshot payload",
			zap.String("snapshot_id", id),
			zap.String("field", field),
		)
		return nil
	}
	return json.RawMessage(raw)
}
