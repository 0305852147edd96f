package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	"github.com/noah-isme/sekolah-adm-api/internal/repository"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

type pendingStoreStub struct {
	changes map[string]*models.PendingChange
	filter  models.PendingChangeFilter
}

func newPendingStoreStub() *pendingStoreStub {
	return &pendingStoreStub{changes: make(map[string]*models.PendingChange)}
}

func (p *pendingStoreStub) Create(ctx context.Context, change *models.PendingChange) error {
	p.changes[change.ID] = change
	return nil
}

func (p *pendingStoreStub) GetByID(ctx context.Context, id string) (*models.PendingChange, error) {
	if change, ok := p.changes[id]; ok {
		copy := *change
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (p *pendingStoreStub) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.PendingChange, error) {
	return p.GetByID(ctx, id)
}

func (p *pendingStoreStub) List(ctx context.Context, filter models.PendingChangeFilter) ([]models.PendingChange, error) {
	p.filter = filter
	result := make([]models.PendingChange, 0, len(p.changes))
	for _, change := range p.changes {
		result = append(result, *change)
	}
	return result, nil
}

func (p *pendingStoreStub) CountPending(ctx context.Context, entityType string) (int, error) {
	total := 0
	for _, change := range p.changes {
		if change.Status == models.PendingStatusPending {
			total++
		}
	}
	return total, nil
}

func (p *pendingStoreStub) MarkResolved(ctx context.Context, tx *sqlx.Tx, params repository.ResolvePendingChangeParams) error {
	change, ok := p.changes[params.ID]
	if !ok || change.Status != models.PendingStatusPending {
		return sql.ErrNoRows
	}
	change.Status = params.Status
	change.ApprovedBy = &params.ApprovedBy
	change.ApprovedAt = &params.ApprovedAt
	change.Notes = params.Notes
	return nil
}

type approvalAuditStub struct {
	logs []*models.AuditLog
}

func (a *approvalAuditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type directoryStub struct {
	names map[string]string
}

func (d *directoryStub) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	return d.names, nil
}

type resolutionMetricsStub struct {
	outcomes []string
}

func (m *resolutionMetricsStub) ObserveResolution(outcome string) {
	m.outcomes = append(m.outcomes, outcome)
}

type cacheStoreStub struct {
	values    map[string][]byte
	deleted   []string
	failReads bool
}

func newCacheStoreStub() *cacheStoreStub {
	return &cacheStoreStub{values: make(map[string][]byte)}
}

func (c *cacheStoreStub) Get(ctx context.Context, key string, dest interface{}) error {
	if c.failReads {
		return errors.New("redis down")
	}
	raw, ok := c.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *cacheStoreStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.values[key] = raw
	return nil
}

func (c *cacheStoreStub) DeleteByPattern(ctx context.Context, pattern string) error {
	c.deleted = append(c.deleted, pattern)
	c.values = make(map[string][]byte)
	return nil
}

func newResolutionTxMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func pendingStudentUpdate() *models.PendingChange {
	entityID := "student-1"
	return &models.PendingChange{
		ID:         "pc-1",
		ActionKey:  "students:update",
		EntityType: "student",
		EntityID:   &entityID,
		Payload:    []byte(`{"full_name":"John"}`),
		Metadata:   []byte(`{"summary":"update John"}`),
		Status:     models.PendingStatusPending,
		CreatedBy:  "teacher-1",
	}
}

func TestApprovalServiceApproveExecutesHandler(t *testing.T) {
	db, mock, cleanup := newResolutionTxMock(t)
	defer cleanup()

	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()

	registry := NewHandlerRegistry()
	handled := false
	require.NoError(t, registry.Register("students:update", ApprovalHandlerFunc(
		func(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
			handled = true
			require.Equal(t, "pc-1", req.PendingID)
			require.Equal(t, "student-1", req.EntityID)
			require.Equal(t, "teacher-1", req.RequestedBy)
			require.Equal(t, "admin-1", req.ApprovedBy)
			return json.RawMessage(`{"id":"student-1"}`), nil
		})))

	audit := &approvalAuditStub{}
	metrics := &resolutionMetricsStub{}
	cache := newCacheStoreStub()
	svc := NewApprovalService(store, registry, &directoryStub{}, audit, cache, metrics, db, nil, ApprovalServiceConfig{})

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Approve(context.Background(), "pc-1", "admin-1", "looks right")
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, models.PendingStatusApproved, result.Change.Status)
	require.JSONEq(t, `{"id":"student-1"}`, string(result.Result))
	require.Equal(t, models.PendingStatusApproved, store.changes["pc-1"].Status)
	require.Equal(t, []string{"approved"}, metrics.outcomes)
	require.Contains(t, cache.deleted, "pending_changes:count:*")
	require.Len(t, audit.logs, 1)
	require.Equal(t, models.AuditActionChangeApprove, audit.logs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalServiceApproveAlreadyResolved(t *testing.T) {
	db, mock, cleanup := newResolutionTxMock(t)
	defer cleanup()

	store := newPendingStoreStub()
	change := pendingStudentUpdate()
	change.Status = models.PendingStatusApproved
	store.changes["pc-1"] = change

	metrics := &resolutionMetricsStub{}
	svc := NewApprovalService(store, NewHandlerRegistry(), nil, nil, nil, metrics, db, nil, ApprovalServiceConfig{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), "pc-1", "admin-1", "")
	var typed *appErrors.Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, appErrors.ErrAlreadyResolved.Code, typed.Code)
	require.Equal(t, []string{"approve_blocked"}, metrics.outcomes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalServiceApproveWithoutHandler(t *testing.T) {
	db, mock, cleanup := newResolutionTxMock(t)
	defer cleanup()

	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()

	svc := NewApprovalService(store, NewHandlerRegistry(), nil, nil, nil, nil, db, nil, ApprovalServiceConfig{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), "pc-1", "admin-1", "")
	var typed *appErrors.Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, appErrors.ErrNoHandler.Code, typed.Code)
	require.Equal(t, models.PendingStatusPending, store.changes["pc-1"].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalServiceApproveHandlerFailureRollsBack(t *testing.T) {
	db, mock, cleanup := newResolutionTxMock(t)
	defer cleanup()

	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("students:update", ApprovalHandlerFunc(
		func(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
			return nil, errors.New("nis already used")
		})))

	metrics := &resolutionMetricsStub{}
	svc := NewApprovalService(store, registry, nil, nil, nil, metrics, db, nil, ApprovalServiceConfig{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), "pc-1", "admin-1", "")
	var typed *appErrors.Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, appErrors.ErrHandlerFailed.Code, typed.Code)
	require.Equal(t, models.PendingStatusPending, store.changes["pc-1"].Status)
	require.Equal(t, []string{"approve_handler_failed"}, metrics.outcomes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalServiceRejectSkipsHandler(t *testing.T) {
	db, mock, cleanup := newResolutionTxMock(t)
	defer cleanup()

	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("students:update", ApprovalHandlerFunc(
		func(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
			t.Fatal("handler must not run on rejection")
			return nil, nil
		})))

	audit := &approvalAuditStub{}
	metrics := &resolutionMetricsStub{}
	svc := NewApprovalService(store, registry, nil, audit, nil, metrics, db, nil, ApprovalServiceConfig{})

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Reject(context.Background(), "pc-1", "admin-1", "not needed")
	require.NoError(t, err)
	require.Equal(t, models.PendingStatusRejected, result.Change.Status)
	require.NotNil(t, result.Change.Notes)
	require.Equal(t, "not needed", *result.Change.Notes)
	require.Equal(t, []string{"rejected"}, metrics.outcomes)
	require.Len(t, audit.logs, 1)
	require.Equal(t, models.AuditActionChangeReject, audit.logs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalServiceListScopesRestrictedRoles(t *testing.T) {
	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()
	svc := NewApprovalService(store, NewHandlerRegistry(), &directoryStub{names: map[string]string{"teacher-1": "Bu Sari"}}, nil, nil, nil, nil, nil, ApprovalServiceConfig{})

	_, err := svc.List(context.Background(), models.PendingChangeFilter{}, &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher})
	require.NoError(t, err)
	require.Equal(t, "teacher-1", store.filter.CreatedBy)

	changes, err := svc.List(context.Background(), models.PendingChangeFilter{}, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.NoError(t, err)
	require.Empty(t, store.filter.CreatedBy)
	require.Equal(t, "Bu Sari", changes[0].CreatedByName)
}

func TestApprovalServiceGetForbidsOtherRequesters(t *testing.T) {
	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()
	svc := NewApprovalService(store, NewHandlerRegistry(), nil, nil, nil, nil, nil, nil, ApprovalServiceConfig{})

	_, err := svc.Get(context.Background(), "pc-1", &models.JWTClaims{UserID: "teacher-2", Role: models.RoleTeacher})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	change, err := svc.Get(context.Background(), "pc-1", &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher})
	require.NoError(t, err)
	require.Equal(t, "pc-1", change.ID)
}

func TestApprovalServicePendingCountUsesCache(t *testing.T) {
	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()
	cache := newCacheStoreStub()
	svc := NewApprovalService(store, NewHandlerRegistry(), nil, nil, cache, nil, nil, nil, ApprovalServiceConfig{})

	total, err := svc.PendingCount(context.Background(), "student")
	require.NoError(t, err)
	require.Equal(t, 1, total)

	// Second read is served from the cache even after the store changes.
	store.changes["pc-1"].Status = models.PendingStatusApproved
	total, err = svc.PendingCount(context.Background(), "student")
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestApprovalServicePendingCountSurvivesCacheFailure(t *testing.T) {
	store := newPendingStoreStub()
	store.changes["pc-1"] = pendingStudentUpdate()
	cache := newCacheStoreStub()
	cache.failReads = true
	svc := NewApprovalService(store, NewHandlerRegistry(), nil, nil, cache, nil, nil, nil, ApprovalServiceConfig{})

	total, err := svc.PendingCount(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, total)
}
