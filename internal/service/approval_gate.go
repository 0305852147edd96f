package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

type pendingChangeCreator interface {
	Create(ctx context.Context, change *models.PendingChange) error
}

// GateOverrides lets the prepare step refine what gets queued: the resolved
// entity id, a reviewer-facing metadata summary, or a normalised payload.
type GateOverrides struct {
	EntityID string
	Payload  json.RawMessage
	Metadata json.RawMessage
}

// GatePrepare runs before a request is queued. A domain error returned here
// (entity missing, duplicate key) propagates to the caller and nothing is
// queued.
type GatePrepare func(ctx context.Context) (*GateOverrides, error)

// GateRequest describes a write that may need deferral.
type GateRequest struct {
	ActionKey     string
	EntityType    string
	EntityID      string
	Payload       json.RawMessage
	Metadata      json.RawMessage
	RequestMethod string
	RequestPath   string
	Actor         *models.JWTClaims
	Prepare       GatePrepare
}

// GateResult is returned to the caller instead of a mutation result when the
// request was intercepted.
type GateResult struct {
	PendingID string               `json:"pendingId"`
	Status    models.PendingStatus `json:"status"`
	Message   string               `json:"message"`
}

// ApprovalGate decides whether a write executes immediately or is queued as a
// pending change for administrator review.
type ApprovalGate struct {
	pending    pendingChangeCreator
	restricted map[models.UserRole]struct{}
	logger     *zap.Logger
}

// NewApprovalGate constructs the gate. Writes from the listed roles are
// deferred; every other role passes through.
func NewApprovalGate(pending pendingChangeCreator, restricted []models.UserRole, logger *zap.Logger) *ApprovalGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	roles := make(map[models.UserRole]struct{}, len(restricted))
	for _, role := range restricted {
		roles[role] = struct{}{}
	}
	return &ApprovalGate{pending: pending, restricted: roles, logger: logger}
}

// Restricted reports whether writes from the role are deferred.
func (g *ApprovalGate) Restricted(role models.UserRole) bool {
	_, ok := g.restricted[role]
	return ok
}

// Intercept queues the request when the actor's role is restricted and
// returns the pending id; a nil result means the caller should execute the
// mutation directly. The original mutation never runs for intercepted
// requests.
func (g *ApprovalGate) Intercept(ctx context.Context, req GateRequest) (*GateResult, error) {
	if req.Actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !g.Restricted(req.Actor.Role) {
		return nil, nil
	}
	if req.ActionKey == "" || req.EntityType == "" || len(req.Payload) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "actionKey, entityType, and payload are required")
	}
	if req.RequestMethod == "" || req.RequestPath == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "request method and path are required")
	}

	entityID := req.EntityID
	payload := req.Payload
	metadata := req.Metadata
	if req.Prepare != nil {
		overrides, err := req.Prepare(ctx)
		if err != nil {
			return nil, err
		}
		if overrides != nil {
			if overrides.EntityID != "" {
				entityID = overrides.EntityID
			}
			if len(overrides.Payload) > 0 {
				payload = overrides.Payload
			}
			if len(overrides.Metadata) > 0 {
				metadata = overrides.Metadata
			}
		}
	}

	change := &models.PendingChange{
		ActionKey:     req.ActionKey,
		EntityType:    req.EntityType,
		RequestMethod: req.RequestMethod,
		RequestPath:   req.RequestPath,
		Payload:       append([]byte(nil), payload...),
		Metadata:      append([]byte(nil), metadata...),
		Status:        models.PendingStatusPending,
		CreatedBy:     req.Actor.UserID,
	}
	if entityID != "" {
		change.EntityID = &entityID
	}
	if err := g.pending.Create(ctx, change); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to queue change request")
	}
	g.logger.Info("change request queued",
		zap.String("pending_id", change.ID),
		zap.String("action", req.ActionKey),
		zap.String("requested_by", req.Actor.UserID),
	)
	return &GateResult{
		PendingID: change.ID,
		Status:    models.PendingStatusPending,
		Message:   "submitted for approval",
	}, nil
}
