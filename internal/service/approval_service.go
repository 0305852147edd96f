package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	"github.com/noah-isme/sekolah-adm-api/internal/repository"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

type pendingChangeStore interface {
	Create(ctx context.Context, change *models.PendingChange) error
	GetByID(ctx context.Context, id string) (*models.PendingChange, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.PendingChange, error)
	List(ctx context.Context, filter models.PendingChangeFilter) ([]models.PendingChange, error)
	CountPending(ctx context.Context, entityType string) (int, error)
	MarkResolved(ctx context.Context, tx *sqlx.Tx, params repository.ResolvePendingChangeParams) error
}

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type identityDirectory interface {
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

type cacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type approvalMetrics interface {
	ObserveResolution(outcome string)
}

const pendingCountCacheTTL = 30 * time.Second

// ApprovalService resolves pending changes: approval executes the registered
// handler inside one transaction, rejection flips the status without touching
// the target entity.
type ApprovalService struct {
	repo           pendingChangeStore
	registry       *HandlerRegistry
	users          identityDirectory
	audit          auditLogger
	cache          cacheStore
	metrics        approvalMetrics
	tx             txProvider
	logger         *zap.Logger
	handlerTimeout time.Duration
}

// ApprovalServiceConfig tunes engine behaviour.
type ApprovalServiceConfig struct {
	// HandlerTimeout bounds how long a handler may hold the row lock.
	HandlerTimeout time.Duration
}

// NewApprovalService wires the resolution engine.
func NewApprovalService(
	repo pendingChangeStore,
	registry *HandlerRegistry,
	users identityDirectory,
	audit auditLogger,
	cache cacheStore,
	metrics approvalMetrics,
	tx txProvider,
	logger *zap.Logger,
	cfg ApprovalServiceConfig,
) *ApprovalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &ApprovalService{
		repo:           repo,
		registry:       registry,
		users:          users,
		audit:          audit,
		cache:          cache,
		metrics:        metrics,
		tx:             tx,
		logger:         logger,
		handlerTimeout: cfg.HandlerTimeout,
	}
}

// ResolutionResult reports the outcome of an approval.
type ResolutionResult struct {
	Change *models.PendingChange `json:"change"`
	Result json.RawMessage       `json:"result,omitempty"`
}

// Approve executes the deferred mutation and marks the request approved, all
// inside one transaction. Handler failure rolls everything back and leaves
// the row pending so a later attempt can retry.
func (s *ApprovalService) Approve(ctx context.Context, id, adminID string, notes string) (result *ResolutionResult, err error) {
	if id == "" || adminID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "pending id and admin id are required")
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

	change, err := s.lockPending(ctx, tx, id)
	if err != nil {
		s.observe("approve_blocked")
		return nil, err
	}

	handler, ok := s.registry.Resolve(change.ActionKey)
	if !ok {
		s.observe("approve_no_handler")
		err = appErrors.Clone(appErrors.ErrNoHandler, fmt.Sprintf("no handler registered for %s", change.ActionKey))
		return nil, err
	}

	req := HandlerRequest{
		PendingID:   change.ID,
		ActionKey:   change.ActionKey,
		EntityType:  change.EntityType,
		Payload:     json.RawMessage(change.Payload),
		Metadata:    json.RawMessage(change.Metadata),
		RequestedBy: change.CreatedBy,
		ApprovedBy:  adminID,
	}
	if change.EntityID != nil {
		req.EntityID = *change.EntityID
	}

	// A hung handler would otherwise hold the row lock indefinitely.
	handlerCtx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
	defer cancel()
	outcome, handlerErr := handler.Execute(handlerCtx, tx, req)
	if handlerErr != nil {
		s.observe("approve_handler_failed")
		var typed *appErrors.Error
		if errors.As(handlerErr, &typed) {
			err = typed
		} else {
			err = appErrors.Wrap(handlerErr, appErrors.ErrHandlerFailed.Code, appErrors.ErrHandlerFailed.Status, "change handler failed")
		}
		return nil, err
	}

	now := time.Now().UTC()
	if err = s.markResolved(ctx, tx, change, models.PendingStatusApproved, adminID, now, notes); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit approval")
		return nil, err
	}

	s.observe("approved")
	s.invalidatePendingCounts(ctx)
	s.emitAudit(ctx, adminID, models.AuditActionChangeApprove, change, outcome)
	return &ResolutionResult{Change: change, Result: outcome}, nil
}

// Reject marks the request rejected without ever invoking a handler.
func (s *ApprovalService) Reject(ctx context.Context, id, adminID string, notes string) (result *ResolutionResult, err error) {
	if id == "" || adminID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "pending id and admin id are required")
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

	change, err := s.lockPending(ctx, tx, id)
	if err != nil {
		s.observe("reject_blocked")
		return nil, err
	}

	now := time.Now().UTC()
	if err = s.markResolved(ctx, tx, change, models.PendingStatusRejected, adminID, now, notes); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit rejection")
		return nil, err
	}

	s.observe("rejected")
	s.invalidatePendingCounts(ctx)
	s.emitAudit(ctx, adminID, models.AuditActionChangeReject, change, nil)
	return &ResolutionResult{Change: change}, nil
}

func (s *ApprovalService) lockPending(ctx context.Context, tx *sqlx.Tx, id string) (*models.PendingChange, error) {
	change, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock change request")
	}
	if change.Status != models.PendingStatusPending {
		return nil, appErrors.Clone(appErrors.ErrAlreadyResolved, fmt.Sprintf("change request already %s", change.Status))
	}
	return change, nil
}

func (s *ApprovalService) markResolved(ctx context.Context, tx *sqlx.Tx, change *models.PendingChange, status models.PendingStatus, adminID string, at time.Time, notes string) error {
	params := repository.ResolvePendingChangeParams{
		ID:         change.ID,
		Status:     status,
		ApprovedBy: adminID,
		ApprovedAt: at,
		Notes:      optionalString(notes),
	}
	if err := s.repo.MarkResolved(ctx, tx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrAlreadyResolved, "change request already resolved")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update change request")
	}
	change.Status = status
	change.ApprovedBy = &adminID
	change.ApprovedAt = &at
	change.Notes = params.Notes
	return nil
}

// List returns pending changes scoped to the actor: restricted roles only
// see their own requests.
func (s *ApprovalService) List(ctx context.Context, filter models.PendingChangeFilter, actor *models.JWTClaims) ([]models.PendingChange, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	switch actor.Role {
	case models.RoleSuperAdmin, models.RoleAdmin:
	default:
		filter.CreatedBy = actor.UserID
	}
	changes, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list change requests")
	}
	s.attachDisplayNames(ctx, changes)
	return changes, nil
}

// Get returns a single pending change with the same scoping as List.
func (s *ApprovalService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.PendingChange, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	change, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load change request")
	}
	switch actor.Role {
	case models.RoleSuperAdmin, models.RoleAdmin:
	default:
		if change.CreatedBy != actor.UserID {
			return nil, appErrors.ErrForbidden
		}
	}
	changes := []models.PendingChange{*change}
	s.attachDisplayNames(ctx, changes)
	return &changes[0], nil
}

// PendingCount returns the open-request count, cached briefly for the admin
// dashboard badge. Cache trouble falls back to the database.
func (s *ApprovalService) PendingCount(ctx context.Context, entityType string) (int, error) {
	key := pendingCountCacheKey(entityType)
	if s.cache != nil {
		var cached int
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("pending count cache read failed", zap.Error(err))
		}
	}
	total, err := s.repo.CountPending(ctx, entityType)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count change requests")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, total, pendingCountCacheTTL); err != nil {
			s.logger.Warn("pending count cache write failed", zap.Error(err))
		}
	}
	return total, nil
}

func (s *ApprovalService) invalidatePendingCounts(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "pending_changes:count:*"); err != nil {
		s.logger.Warn("pending count cache invalidation failed", zap.Error(err))
	}
}

func pendingCountCacheKey(entityType string) string {
	if entityType == "" {
		entityType = "all"
	}
	return "pending_changes:count:" + entityType
}

func (s *ApprovalService) attachDisplayNames(ctx context.Context, changes []models.PendingChange) {
	if s.users == nil || len(changes) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(changes)*2)
	ids := make([]string, 0, len(changes)*2)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for i := range changes {
		add(changes[i].CreatedBy)
		if changes[i].ApprovedBy != nil {
			add(*changes[i].ApprovedBy)
		}
	}
	names, err := s.users.DisplayNames(ctx, ids)
	if err != nil {
		s.logger.Warn("failed to resolve display names", zap.Error(err))
		names = nil
	}
	for i := range changes {
		changes[i].CreatedByName = displayNameOr(names, changes[i].CreatedBy)
		if changes[i].ApprovedBy != nil {
			changes[i].ApprovedByName = displayNameOr(names, *changes[i].ApprovedBy)
		}
	}
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func displayNameOr(names map[string]string, id string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}

func (s *ApprovalService) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveResolution(outcome)
	}
}

func (s *ApprovalService) emitAudit(ctx context.Context, adminID, action string, change *models.PendingChange, outcome json.RawMessage) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &adminID,
		Action:     action,
		Resource:   change.EntityType,
		ResourceID: &change.ID,
		OldValues:  change.Metadata,
		NewValues:  change.Payload,
		IPAddress:  "system",
		UserAgent:  "approval-service",
	}
	if len(outcome) > 0 {
		log.NewValues = outcome
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
