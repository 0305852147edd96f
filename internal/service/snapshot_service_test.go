package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
	appErrors "github.com/noah-isme/sekolah-adm-api/pkg/errors"
)

type snapshotStoreStub struct {
	mu        sync.Mutex
	snapshots map[string]*models.Snapshot
	listedAt  time.Time
	marked    map[string]time.Time
}

func newSnapshotStoreStub() *snapshotStoreStub {
	return &snapshotStoreStub{
		snapshots: make(map[string]*models.Snapshot),
		marked:    make(map[string]time.Time),
	}
}

func (s *snapshotStoreStub) Create(ctx context.Context, exec sqlx.ExtContext, snapshot *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.ID == "" {
		snapshot.ID = "snap-1"
	}
	s.snapshots[snapshot.ID] = snapshot
	return nil
}

func (s *snapshotStoreStub) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot, ok := s.snapshots[id]; ok {
		copy := *snapshot
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (s *snapshotStoreStub) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Snapshot, error) {
	return s.GetByID(ctx, id)
}

func (s *snapshotStoreStub) List(ctx context.Context, filter models.SnapshotFilter, now time.Time) ([]models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listedAt = now
	result := make([]models.Snapshot, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		result = append(result, *snapshot)
	}
	return result, nil
}

func (s *snapshotStoreStub) MarkUndone(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[id]
	if !ok || snapshot.WasUndone {
		return sql.ErrNoRows
	}
	snapshot.WasUndone = true
	s.marked[id] = at
	return nil
}

func TestSnapshotServiceCaptureAppliesWindow(t *testing.T) {
	store := newSnapshotStoreStub()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := NewSnapshotService(store, nil, SnapshotServiceConfig{TTL: 25 * time.Hour}).
		WithClock(func() time.Time { return now })

	snapshot, err := svc.Capture(context.Background(), nil, SnapshotInput{
		EntityType: "student",
		EntityID:   "student-1",
		Operation:  models.SnapshotOperationUpdate,
		Data:       json.RawMessage(`{"full_name":"Jon"}`),
		CreatedBy:  "teacher-1",
	})
	require.NoError(t, err)
	require.Equal(t, now, snapshot.CreatedAt)
	require.Equal(t, now.Add(25*time.Hour), snapshot.ExpiresAt)
	require.False(t, snapshot.WasUndone)
}

func TestSnapshotServiceCaptureValidation(t *testing.T) {
	svc := NewSnapshotService(newSnapshotStoreStub(), nil, SnapshotServiceConfig{})

	_, err := svc.Capture(context.Background(), nil, SnapshotInput{
		EntityType: "student",
		Operation:  models.SnapshotOperationUpdate,
		CreatedBy:  "teacher-1",
	})
	var typed *appErrors.Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, appErrors.ErrValidation.Code, typed.Code)

	_, err = svc.Capture(context.Background(), nil, SnapshotInput{
		EntityType: "student",
		Operation:  models.SnapshotOperation("UPSERT"),
		Data:       json.RawMessage(`{}`),
		CreatedBy:  "teacher-1",
	})
	require.True(t, errors.As(err, &typed))
	require.Equal(t, appErrors.ErrValidation.Code, typed.Code)
}

func TestSnapshotServiceGetNotFound(t *testing.T) {
	svc := NewSnapshotService(newSnapshotStoreStub(), nil, SnapshotServiceConfig{})

	_, err := svc.Get(context.Background(), "missing")
	var typed *appErrors.Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, appErrors.ErrNotFound.Code, typed.Code)
}

func TestSnapshotServiceListUsesClock(t *testing.T) {
	store := newSnapshotStoreStub()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc := NewSnapshotService(store, nil, SnapshotServiceConfig{}).
		WithClock(func() time.Time { return now })

	store.snapshots["snap-1"] = &models.Snapshot{
		ID:         "snap-1",
		EntityType: "student",
		Operation:  models.SnapshotOperationDelete,
		Data:       []byte(`{"full_name":"Jon"}`),
		Metadata:   []byte(`{}`),
	}
	views, err := svc.List(context.Background(), models.SnapshotFilter{EntityType: "student"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, now, store.listedAt)
}

func TestSnapshotServiceNullsCorruptPayload(t *testing.T) {
	store := newSnapshotStoreStub()
	store.snapshots["snap-1"] = &models.Snapshot{
		ID:         "snap-1",
		EntityType: "student",
		Operation:  models.SnapshotOperationUpdate,
		Data:       []byte(`{"full_name":`),
		Metadata:   []byte(`{}`),
	}
	svc := NewSnapshotService(store, nil, SnapshotServiceConfig{})

	view, err := svc.Get(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Nil(t, view.Data)
	require.JSONEq(t, `{}`, string(view.Metadata))
}
