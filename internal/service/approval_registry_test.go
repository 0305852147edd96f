package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
)

func noopHandler() ApprovalHandler {
	return ApprovalHandlerFunc(func(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
		return nil, nil
	})
}

func TestHandlerRegistryRejectsDuplicates(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("students:update", noopHandler()))
	err := registry.Register("students:update", noopHandler())
	require.Error(t, err)
	require.Contains(t, err.Error(), "students:update")
}

func TestHandlerRegistryRejectsEmptyKey(t *testing.T) {
	registry := NewHandlerRegistry()
	require.Error(t, registry.Register("", noopHandler()))
	require.Error(t, registry.Register("students:create", nil))
}

func TestHandlerRegistryResolve(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("students:delete", noopHandler()))

	_, ok := registry.Resolve("students:delete")
	require.True(t, ok)
	_, ok = registry.Resolve("announcements:delete")
	require.False(t, ok)
}

func TestHandlerRegistryKeysSorted(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("students:update", noopHandler()))
	require.NoError(t, registry.Register("announcements:delete", noopHandler()))
	require.NoError(t, registry.Register("students:create", noopHandler()))

	require.Equal(t, []string{"announcements:delete", "students:create", "students:update"}, registry.Keys())
}

func TestReverseRegistryRejectsDuplicates(t *testing.T) {
	registry := NewReverseRegistry()
	reverser := ReverserFunc(func(ctx context.Context, tx *sqlx.Tx, snapshot *models.Snapshot) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, registry.Register("student", reverser))
	require.Error(t, registry.Register("student", reverser))

	_, ok := registry.Resolve("student")
	require.True(t, ok)
	_, ok = registry.Resolve("announcement")
	require.False(t, ok)
}
