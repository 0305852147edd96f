package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

// EntityTypeAnnouncement tags announcement snapshots and pending changes.
const EntityTypeAnnouncement = "announcement"

// Action keys for gated announcement mutations. Creation stays direct so
// teachers can publish without review; edits and removals are deferred.
const (
	ActionAnnouncementsUpdate = "announcements:update"
	ActionAnnouncementsDelete = "announcements:delete"
)

type announcementRepository interface {
	List(ctx context.Context, filter models.AnnouncementFilter) ([]models.Announcement, int, error)
	GetByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Announcement, error)
	Create(ctx context.Context, exec sqlx.ExtContext, announcement *models.Announcement) error
	Update(ctx context.Context, exec sqlx.ExtContext, announcement *models.Announcement) error
	Restore(ctx context.Context, exec sqlx.ExtContext, announcement *models.Announcement) error
	Delete(ctx context.Context, exec sqlx.ExtContext, id string) error
}

// AnnouncementService handles announcement workflows.
type AnnouncementService struct {
	repo      announcementRepository
	snapshots snapshotCapturer
	gate      *ApprovalGate
	tx        txProvider
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAnnouncementService constructs the service.
func NewAnnouncementService(repo announcementRepository, snapshots snapshotCapturer, gate *ApprovalGate, tx txProvider, validate *validator.Validate, logger *zap.Logger) *AnnouncementService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AnnouncementService{repo: repo, snapshots: snapshots, gate: gate, tx: tx, validator: validate, logger: logger}
	svc.validator.RegisterValidation("audience", func(fl validator.FieldLevel) bool {
		switch models.AnnouncementAudience(strings.ToUpper(fl.Field().String())) {
		case models.AnnouncementAudienceAll, models.AnnouncementAudienceGuru, models.AnnouncementAudienceSiswa, models.AnnouncementAudienceClass:
			return true
		default:
			return false
		}
	})
	svc.validator.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		switch models.AnnouncementPriority(strings.ToUpper(fl.Field().String())) {
		case models.AnnouncementPriorityLow, models.AnnouncementPriorityNormal, models.AnnouncementPriorityHigh:
			return true
		default:
			return false
		}
	})
	return svc
}

// RegisterApproval binds the announcement action handlers and the undo
// reverser.
func (s *AnnouncementService) RegisterApproval(handlers *HandlerRegistry, reversers *ReverseRegistry) error {
	if err := handlers.Register(ActionAnnouncementsUpdate, ApprovalHandlerFunc(s.handleUpdate)); err != nil {
		return err
	}
	if err := handlers.Register(ActionAnnouncementsDelete, ApprovalHandlerFunc(s.handleDelete)); err != nil {
		return err
	}
	return reversers.Register(EntityTypeAnnouncement, ReverserFunc(s.reverse))
}

// AnnouncementListRequest describes filters for listing announcements.
type AnnouncementListRequest struct {
	AudienceRoles []models.UserRole `json:"audience_roles"`
	ClassIDs      []string          `json:"class_ids"`
	Page          int               `json:"page"`
	PageSize      int               `json:"page_size"`
	IncludePinned bool              `json:"include_pinned"`
}

// CreateAnnouncementRequest describes create payload.
type CreateAnnouncementRequest struct {
	Title         string     `json:"title" validate:"required"`
	Content       string     `json:"content" validate:"required"`
	Audience      string     `json:"audience" validate:"required,audience"`
	TargetClassID *string    `json:"target_class_id"`
	Priority      string     `json:"priority" validate:"required,priority"`
	IsPinned      bool       `json:"is_pinned"`
	PublishedAt   time.Time  `json:"published_at" validate:"required"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// UpdateAnnouncementRequest describes update payload.
type UpdateAnnouncementRequest struct {
	Title         string     `json:"title" validate:"required"`
	Content       string     `json:"content" validate:"required"`
	Audience      string     `json:"audience" validate:"required,audience"`
	TargetClassID *string    `json:"target_class_id"`
	Priority      string     `json:"priority" validate:"required,priority"`
	IsPinned      bool       `json:"is_pinned"`
	PublishedAt   time.Time  `json:"published_at" validate:"required"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// List returns announcements with pagination.
func (s *AnnouncementService) List(ctx context.Context, req AnnouncementListRequest) ([]models.Announcement, *models.Pagination, error) {
	filter := models.AnnouncementFilter{
		AudienceRoles: req.AudienceRoles,
		ClassIDs:      req.ClassIDs,
		IncludePinned: req.IncludePinned,
		Page:          req.Page,
		PageSize:      req.PageSize,
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	rows, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list announcements")
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return rows, pagination, nil
}

// Get returns an announcement by id.
func (s *AnnouncementService) Get(ctx context.Context, id string) (*models.Announcement, error) {
	return s.loadAnnouncement(ctx, nil, id)
}

// Create registers a new announcement and snapshots the new row so it can
// be undone.
func (s *AnnouncementService) Create(ctx context.Context, req CreateAnnouncementRequest, mc MutationContext) (*models.Announcement, error) {
	if err := s.validateWrite(req.Audience, req.TargetClassID, req.PublishedAt, req.ExpiresAt, s.validator.Struct(req)); err != nil {
		return nil, err
	}
	if mc.Actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	announcement := &models.Announcement{
		Title:         req.Title,
		Content:       req.Content,
		Audience:      models.AnnouncementAudience(strings.ToUpper(req.Audience)),
		TargetClassID: req.TargetClassID,
		Priority:      models.AnnouncementPriority(strings.ToUpper(req.Priority)),
		IsPinned:      req.IsPinned,
		PublishedAt:   req.PublishedAt,
		ExpiresAt:     req.ExpiresAt,
		CreatedBy:     mc.Actor.UserID,
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.Create(ctx, tx, announcement); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create announcement")
		}
		return s.capture(ctx, tx, announcement, models.SnapshotOperationCreate, announcement, mc.Actor.UserID, mc.Actor.UserID)
	})
	if err != nil {
		return nil, err
	}
	return announcement, nil
}

// Update modifies an existing announcement, or queues the request when the
// actor's role is gated.
func (s *AnnouncementService) Update(ctx context.Context, id string, req UpdateAnnouncementRequest, mc MutationContext) (*models.Announcement, *GateResult, error) {
	if err := s.validateWrite(req.Audience, req.TargetClassID, req.PublishedAt, req.ExpiresAt, s.validator.Struct(req)); err != nil {
		return nil, nil, err
	}
	if mc.Actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode payload")
	}
	gated, err := s.gate.Intercept(ctx, GateRequest{
		ActionKey:     ActionAnnouncementsUpdate,
		EntityType:    EntityTypeAnnouncement,
		EntityID:      id,
		Payload:       payload,
		RequestMethod: mc.RequestMethod,
		RequestPath:   mc.RequestPath,
		Actor:         mc.Actor,
		Prepare: func(ctx context.Context) (*GateOverrides, error) {
			current, err := s.loadAnnouncement(ctx, nil, id)
			if err != nil {
				return nil, err
			}
			return &GateOverrides{
				EntityID: current.ID,
				Metadata: mutationSummary(fmt.Sprintf("update announcement %q", current.Title), current),
			}, nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	if gated != nil {
		return nil, gated, nil
	}

	var updated *models.Announcement
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		updated, err = s.applyUpdate(ctx, tx, id, req, mc.Actor.UserID, mc.Actor.UserID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, nil, nil
}

// Delete removes an announcement, or queues the request when gated.
func (s *AnnouncementService) Delete(ctx context.Context, id string, mc MutationContext) (*GateResult, error) {
	if mc.Actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	gated, err := s.gate.Intercept(ctx, GateRequest{
		ActionKey:     ActionAnnouncementsDelete,
		EntityType:    EntityTypeAnnouncement,
		EntityID:      id,
		Payload:       json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		RequestMethod: mc.RequestMethod,
		RequestPath:   mc.RequestPath,
		Actor:         mc.Actor,
		Prepare: func(ctx context.Context) (*GateOverrides, error) {
			current, err := s.loadAnnouncement(ctx, nil, id)
			if err != nil {
				return nil, err
			}
			return &GateOverrides{
				EntityID: current.ID,
				Metadata: mutationSummary(fmt.Sprintf("delete announcement %q", current.Title), current),
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if gated != nil {
		return gated, nil
	}

	return nil, s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := s.applyDelete(ctx, tx, id, mc.Actor.UserID, mc.Actor.UserID)
		return err
	})
}

func (s *AnnouncementService) handleUpdate(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
	if req.EntityID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "announcement id missing from change request")
	}
	var payload UpdateAnnouncementRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid announcement update payload")
	}
	updated, err := s.applyUpdate(ctx, tx, req.EntityID, payload, req.RequestedBy, req.ApprovedBy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(updated)
}

func (s *AnnouncementService) handleDelete(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
	if req.EntityID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "announcement id missing from change request")
	}
	deleted, err := s.applyDelete(ctx, tx, req.EntityID, req.RequestedBy, req.ApprovedBy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"deleted": true, "id": deleted.ID})
}

func (s *AnnouncementService) applyUpdate(ctx context.Context, tx *sqlx.Tx, id string, req UpdateAnnouncementRequest, requestedBy, actorID string) (*models.Announcement, error) {
	prior, err := s.loadAnnouncement(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	updated := *prior
	updated.Title = req.Title
	updated.Content = req.Content
	updated.Audience = models.AnnouncementAudience(strings.ToUpper(req.Audience))
	updated.TargetClassID = req.TargetClassID
	updated.Priority = models.AnnouncementPriority(strings.ToUpper(req.Priority))
	updated.IsPinned = req.IsPinned
	updated.PublishedAt = req.PublishedAt
	updated.ExpiresAt = req.ExpiresAt
	if err := s.repo.Update(ctx, tx, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "announcement not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update announcement")
	}
	if err := s.capture(ctx, tx, prior, models.SnapshotOperationUpdate, prior, requestedBy, actorID); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *AnnouncementService) applyDelete(ctx context.Context, tx *sqlx.Tx, id, requestedBy, actorID string) (*models.Announcement, error) {
	prior, err := s.loadAnnouncement(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Delete(ctx, tx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "announcement not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete announcement")
	}
	if err := s.capture(ctx, tx, prior, models.SnapshotOperationDelete, prior, requestedBy, actorID); err != nil {
		return nil, err
	}
	return prior, nil
}

// reverse undoes a snapshotted announcement mutation.
func (s *AnnouncementService) reverse(ctx context.Context, tx *sqlx.Tx, snapshot *models.Snapshot) (json.RawMessage, error) {
	switch snapshot.Operation {
	case models.SnapshotOperationCreate:
		if err := s.repo.Delete(ctx, tx, snapshot.EntityID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "announcement no longer exists")
			}
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"deleted": true, "id": snapshot.EntityID})
	case models.SnapshotOperationDelete:
		var announcement models.Announcement
		if err := json.Unmarshal(snapshot.Data, &announcement); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "corrupt announcement snapshot data")
		}
		if err := s.repo.Restore(ctx, tx, &announcement); err != nil {
			return nil, err
		}
		return json.Marshal(announcement)
	case models.SnapshotOperationUpdate:
		var prior models.Announcement
		if err := json.Unmarshal(snapshot.Data, &prior); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "corrupt announcement snapshot data")
		}
		if err := s.repo.Update(ctx, tx, &prior); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "announcement no longer exists")
			}
			return nil, err
		}
		return json.Marshal(prior)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported snapshot operation %s", snapshot.Operation))
	}
}

func (s *AnnouncementService) capture(ctx context.Context, tx *sqlx.Tx, subject *models.Announcement, op models.SnapshotOperation, data interface{}, requestedBy, actorID string) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode snapshot data")
	}
	meta := mutationSummary(
		fmt.Sprintf("%s announcement %q", strings.ToLower(string(op)), subject.Title),
		map[string]string{"requested_by": requestedBy},
	)
	_, err = s.snapshots.Capture(ctx, tx, SnapshotInput{
		EntityType:       EntityTypeAnnouncement,
		EntityID:         subject.ID,
		EntityIdentifier: subject.Title,
		Operation:        op,
		Data:             blob,
		Metadata:         meta,
		CreatedBy:        actorID,
	})
	return err
}

func (s *AnnouncementService) validateWrite(audience string, target *string, publishedAt time.Time, expiresAt *time.Time, structErr error) error {
	if structErr != nil {
		return appErrors.Wrap(structErr, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if strings.ToUpper(audience) == string(models.AnnouncementAudienceClass) && (target == nil || *target == "") {
		return appErrors.Clone(appErrors.ErrValidation, "target_class_id required for CLASS audience")
	}
	if expiresAt != nil && expiresAt.Before(publishedAt) {
		return appErrors.Clone(appErrors.ErrValidation, "expires_at must be after published_at")
	}
	return nil
}

func (s *AnnouncementService) loadAnnouncement(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Announcement, error) {
	announcement, err := s.repo.GetByID(ctx, exec, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "announcement not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load announcement")
	}
	return announcement, nil
}

func (s *AnnouncementService) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	if s.tx == nil {
		return appErrors.Clone(appErrors.ErrInternal, "transaction provider missing")
	}
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit transaction")
	}
	return nil
}
