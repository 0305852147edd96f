package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	"github.com/noah-isme/sekolah-adm-api/internal/service"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
	"github.com/noah-isme/sekolah-adm-api/pkg/response"
)

type snapshotService interface {
	List(ctx context.Context, filter models.SnapshotFilter) ([]service.SnapshotView, error)
	Get(ctx context.Context, id string) (*service.SnapshotView, error)
}

type undoService interface {
	Undo(ctx context.Context, snapshotID, actorID string) (*service.UndoResult, error)
}

// SnapshotHandler exposes undo snapshot endpoints.
type SnapshotHandler struct {
	snapshots snapshotService
	undo      undoService
}

// NewSnapshotHandler constructs the handler.
func NewSnapshotHandler(snapshots snapshotService, undo undoService) *SnapshotHandler {
	return &SnapshotHandler{snapshots: snapshots, undo: undo}
}

// List godoc
// @Summary List undoable snapshots
// @Tags Snapshots
// @Produce json
// @Param entity_type query string false "Entity type"
// @Param limit query int false "Max rows"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /snapshots [get]
func (h *SnapshotHandler) List(c *gin.Context) {
	if h.snapshots == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "snapshot service not configured"))
		return
	}
	filter := models.SnapshotFilter{
		EntityType: strings.TrimSpace(c.Query("entity_type")),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	snapshots, err := h.snapshots.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshots, nil)
}

// Get godoc
// @Summary Get snapshot detail
// @Tags Snapshots
// @Produce json
// @Param id path string true "Snapshot ID"
// @Success 200 {object} response.Envelope
// @Router /snapshots/{id} [get]
func (h *SnapshotHandler) Get(c *gin.Context) {
	if h.snapshots == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "snapshot service not configured"))
		return
	}
	snapshot, err := h.snapshots.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// Undo godoc
// @Summary Undo a snapshotted mutation
// @Tags Snapshots
// @Produce json
// @Param id path string true "Snapshot ID"
// @Success 200 {object} response.Envelope
// @Router /snapshots/{id}/undo [post]
func (h *SnapshotHandler) Undo(c *gin.Context) {
	if h.undo == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "undo service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.undo.Undo(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
