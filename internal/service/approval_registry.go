package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
)

// HandlerRequest carries everything an approval handler needs to perform the
// deferred mutation.
type HandlerRequest struct {
	PendingID   string
	ActionKey   string
	EntityType  string
	EntityID    string
	Payload     json.RawMessage
	Metadata    json.RawMessage
	RequestedBy string
	ApprovedBy  string
}

// ApprovalHandler performs the real mutation for an action key when the
// request is approved. Implementations must use the supplied transaction and
// return an error on failure so the resolution engine can roll back.
type ApprovalHandler interface {
	Execute(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error)
}

// ApprovalHandlerFunc allows using plain functions as handlers.
type ApprovalHandlerFunc func(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error)

// Execute implements ApprovalHandler.
func (f ApprovalHandlerFunc) Execute(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
	return f(ctx, tx, req)
}

// HandlerRegistry maps action keys to handlers. It is built once at startup
// and injected into the services that need it; registration after that point
// indicates a wiring bug.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ApprovalHandler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]ApprovalHandler)}
}

// Register binds a handler to an action key. Each key must be registered
// exactly once per process.
func (r *HandlerRegistry) Register(actionKey string, handler ApprovalHandler) error {
	if actionKey == "" || handler == nil {
		return fmt.Errorf("action key and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[actionKey]; exists {
		return fmt.Errorf("handler already registered for %q", actionKey)
	}
	r.handlers[actionKey] = handler
	return nil
}

// Resolve returns the handler bound to the action key.
func (r *HandlerRegistry) Resolve(actionKey string) (ApprovalHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[actionKey]
	return handler, ok
}

// Keys lists registered action keys, sorted for stable logging.
func (r *HandlerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reverser performs the inverse of a snapshotted mutation: delete for CREATE,
// re-insert for DELETE, restore prior columns for UPDATE.
type Reverser interface {
	Reverse(ctx context.Context, tx *sqlx.Tx, snapshot *models.Snapshot) (json.RawMessage, error)
}

// ReverserFunc allows using plain functions as reversers.
type ReverserFunc func(ctx context.Context, tx *sqlx.Tx, snapshot *models.Snapshot) (json.RawMessage, error)

// Reverse implements Reverser.
func (f ReverserFunc) Reverse(ctx context.Context, tx *sqlx.Tx, snapshot *models.Snapshot) (json.RawMessage, error) {
	return f(ctx, tx, snapshot)
}

// ReverseRegistry maps entity types to reversers. Every snapshotted entity
// type needs one; it is a required extension point, separate from the action
// handler registry.
type ReverseRegistry struct {
	mu        sync.RWMutex
	reversers map[string]Reverser
}

// NewReverseRegistry returns an empty registry.
func NewReverseRegistry() *ReverseRegistry {
	return &ReverseRegistry{reversers: make(map[string]Reverser)}
}

// Register binds a reverser to an entity type.
func (r *ReverseRegistry) Register(entityType string, reverser Reverser) error {
	if entityType == "" || reverser == nil {
		return fmt.Errorf("entity type and reverser are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.reversers[entityType]; exists {
		return fmt.Errorf("reverser already registered for %q", entityType)
	}
	r.reversers[entityType] = reverser
	return nil
}

// Resolve returns the reverser bound to the entity type.
func (r *ReverseRegistry) Resolve(entityType string) (Reverser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reverser, ok := r.reversers[entityType]
	return reverser, ok
}
