package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sekolah-adm-api/internal/dto"
	"github.com/noah-isme/sekolah-adm-api/internal/models"
	"github.com/noah-isme/sekolah-adm-api/internal/service"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
	"github.com/noah-isme/sekolah-adm-api/pkg/response"
)

type approvalService interface {
	List(ctx context.Context, filter models.PendingChangeFilter, actor *models.JWTClaims) ([]models.PendingChange, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.PendingChange, error)
	Approve(ctx context.Context, id, adminID string, notes string) (*service.ResolutionResult, error)
	Reject(ctx context.Context, id, adminID string, notes string) (*service.ResolutionResult, error)
	PendingCount(ctx context.Context, entityType string) (int, error)
}

// ApprovalHandler exposes REST endpoints for the deferred-approval workflow.
type ApprovalHandler struct {
	service approvalService
}

// NewApprovalHandler constructs the handler.
func NewApprovalHandler(service approvalService) *ApprovalHandler {
	return &ApprovalHandler{service: service}
}

// List godoc
// @Summary List pending change requests
// @Tags Approvals
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param entity_type query string false "Entity type"
// @Param action query string false "Action key"
// @Success 200 {object} response.Envelope
// @Router /pending-changes [get]
func (h *ApprovalHandler) List(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.PendingChangeQuery{
		EntityType: strings.TrimSpace(c.Query("entity_type")),
		ActionKey:  strings.TrimSpace(c.Query("action")),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.PendingStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.PendingStatus(part))
		}
		query.Status = statuses
	}
	query.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	query.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filter := models.PendingChangeFilter{
		Status:     query.Status,
		EntityType: query.EntityType,
		ActionKey:  query.ActionKey,
	}
	if query.PageSize > 0 {
		filter.Limit = query.PageSize
		if query.Page > 1 {
			filter.Offset = (query.Page - 1) * query.PageSize
		}
	}
	changes, err := h.service.List(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, changes, nil)
}

// Get godoc
// @Summary Get pending change detail
// @Tags Approvals
// @Produce json
// @Param id path string true "Pending change ID"
// @Success 200 {object} response.Envelope
// @Router /pending-changes/{id} [get]
func (h *ApprovalHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	change, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, change, nil)
}

// Approve godoc
// @Summary Approve a pending change
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Pending change ID"
// @Param payload body dto.ResolvePendingChangeRequest false "Reviewer notes"
// @Success 200 {object} response.Envelope
// @Router /pending-changes/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.resolve(c, h.serviceApprove)
}

// Reject godoc
// @Summary Reject a pending change
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Pending change ID"
// @Param payload body dto.ResolvePendingChangeRequest false "Reviewer notes"
// @Success 200 {object} response.Envelope
// @Router /pending-changes/{id}/reject [post]
func (h *ApprovalHandler) Reject(c *gin.Context) {
	h.resolve(c, h.serviceReject)
}

// PendingCount godoc
// @Summary Count pending change requests
// @Tags Approvals
// @Produce json
// @Param entity_type query string false "Entity type"
// @Success 200 {object} response.Envelope
// @Router /pending-changes/count [get]
func (h *ApprovalHandler) PendingCount(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	count, err := h.service.PendingCount(c.Request.Context(), strings.TrimSpace(c.Query("entity_type")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"count": count}, nil)
}

type resolveFunc func(ctx context.Context, id, adminID, notes string) (*service.ResolutionResult, error)

func (h *ApprovalHandler) serviceApprove(ctx context.Context, id, adminID, notes string) (*service.ResolutionResult, error) {
	return h.service.Approve(ctx, id, adminID, notes)
}

func (h *ApprovalHandler) serviceReject(ctx context.Context, id, adminID, notes string) (*service.ResolutionResult, error) {
	return h.service.Reject(ctx, id, adminID, notes)
}

func (h *ApprovalHandler) resolve(c *gin.Context, fn resolveFunc) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ResolvePendingChangeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid resolution payload"))
			return
		}
	}
	result, err := fn(c.Request.Context(), c.Param("id"), claims.UserID, req.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
