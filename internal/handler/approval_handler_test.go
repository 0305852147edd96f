package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sekolah-adm-api/internal/middleware"
	"github.com/noah-isme/sekolah-adm-api/internal/models"
	"github.com/noah-isme/sekolah-adm-api/internal/service"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

type approvalServiceMock struct {
	listFilter   models.PendingChangeFilter
	listResp     []models.PendingChange
	resolvedID   string
	resolvedBy   string
	notes        string
	resolveErr   error
	pendingCount int
}

func (m *approvalServiceMock) List(ctx context.Context, filter models.PendingChangeFilter, actor *models.JWTClaims) ([]models.PendingChange, error) {
	m.listFilter = filter
	return m.listResp, nil
}

func (m *approvalServiceMock) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.PendingChange, error) {
	return &models.PendingChange{ID: id}, nil
}

func (m *approvalServiceMock) Approve(ctx context.Context, id, adminID string, notes string) (*service.ResolutionResult, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	m.resolvedID = id
	m.resolvedBy = adminID
	m.notes = notes
	return &service.ResolutionResult{Change: &models.PendingChange{ID: id, Status: models.PendingStatusApproved}}, nil
}

func (m *approvalServiceMock) Reject(ctx context.Context, id, adminID string, notes string) (*service.ResolutionResult, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	m.resolvedID = id
	m.resolvedBy = adminID
	m.notes = notes
	return &service.ResolutionResult{Change: &models.PendingChange{ID: id, Status: models.PendingStatusRejected}}, nil
}

func (m *approvalServiceMock) PendingCount(ctx context.Context, entityType string) (int, error) {
	return m.pendingCount, nil
}

func adminContext(t *testing.T, method, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, err := http.NewRequest(method, target, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	return c, w
}

func TestApprovalHandlerListParsesFilters(t *testing.T) {
	mock := &approvalServiceMock{}
	handler := NewApprovalHandler(mock)
	c, w := adminContext(t, http.MethodGet, "/pending-changes?status=pending,approved&entity_type=student&page=3&page_size=10", nil)

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []models.PendingStatus{models.PendingStatusPending, models.PendingStatusApproved}, mock.listFilter.Status)
	require.Equal(t, "student", mock.listFilter.EntityType)
	require.Equal(t, 10, mock.listFilter.Limit)
	require.Equal(t, 20, mock.listFilter.Offset)
}

func TestApprovalHandlerListRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewApprovalHandler(&approvalServiceMock{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/pending-changes", nil)
	c.Request = req

	handler.List(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestApprovalHandlerApprovePassesNotes(t *testing.T) {
	mock := &approvalServiceMock{}
	handler := NewApprovalHandler(mock)
	c, w := adminContext(t, http.MethodPost, "/pending-changes/pc-1/approve", []byte(`{"notes":"checked"}`))
	c.Params = gin.Params{{Key: "id", Value: "pc-1"}}

	handler.Approve(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pc-1", mock.resolvedID)
	require.Equal(t, "admin-1", mock.resolvedBy)
	require.Equal(t, "checked", mock.notes)
}

func TestApprovalHandlerApproveEmptyBody(t *testing.T) {
	mock := &approvalServiceMock{}
	handler := NewApprovalHandler(mock)
	c, w := adminContext(t, http.MethodPost, "/pending-changes/pc-1/approve", nil)
	c.Params = gin.Params{{Key: "id", Value: "pc-1"}}

	handler.Approve(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, mock.notes)
}

func TestApprovalHandlerRejectConflict(t *testing.T) {
	mock := &approvalServiceMock{resolveErr: appErrors.ErrAlreadyResolved}
	handler := NewApprovalHandler(mock)
	c, w := adminContext(t, http.MethodPost, "/pending-changes/pc-1/reject", nil)
	c.Params = gin.Params{{Key: "id", Value: "pc-1"}}

	handler.Reject(c)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestApprovalHandlerPendingCount(t *testing.T) {
	mock := &approvalServiceMock{pendingCount: 7}
	handler := NewApprovalHandler(mock)
	c, w := adminContext(t, http.MethodGet, "/pending-changes/count", nil)

	handler.PendingCount(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"count":7`)
}
