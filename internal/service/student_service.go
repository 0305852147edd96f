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

// EntityTypeStudent tags student snapshots and pending changes.
const EntityTypeStudent = "student"

// Action keys resolved by the handler registry for student mutations.
const (
	ActionStudentsCreate = "students:create"
	ActionStudentsUpdate = "students:update"
	ActionStudentsDelete = "students:delete"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error)
	ExistsByNIS(ctx context.Context, exec sqlx.ExtContext, nis string, excludeID string) (bool, error)
	Create(ctx context.Context, exec sqlx.ExtContext, student *models.Student) error
	Update(ctx context.Context, exec sqlx.ExtContext, student *models.Student) error
	Restore(ctx context.Context, exec sqlx.ExtContext, student *models.Student) error
	Delete(ctx context.Context, exec sqlx.ExtContext, id string) error
}

type snapshotCapturer interface {
	Capture(ctx context.Context, exec sqlx.ExtContext, input SnapshotInput) (*models.Snapshot, error)
}

// CreateStudentRequest holds payload for creating students.
type CreateStudentRequest struct {
	NIS       string    `json:"nis" validate:"required"`
	FullName  string    `json:"full_name" validate:"required"`
	Gender    string    `json:"gender" validate:"required"`
	BirthDate time.Time `json:"birth_date" validate:"required"`
	Address   string    `json:"address"`
	Phone     string    `json:"phone"`
}

// UpdateStudentRequest holds payload for updating students.
type UpdateStudentRequest struct {
	NIS       string    `json:"nis" validate:"required"`
	FullName  string    `json:"full_name" validate:"required"`
	Gender    string    `json:"gender" validate:"required"`
	BirthDate time.Time `json:"birth_date" validate:"required"`
	Address   string    `json:"address"`
	Phone     string    `json:"phone"`
	Active    bool      `json:"active"`
}

// MutationContext carries request provenance into gated writes.
type MutationContext struct {
	Actor         *models.JWTClaims
	RequestMethod string
	RequestPath   string
}

// StudentService handles student use-cases. Writes from restricted roles are
// deferred through the approval gate; direct writes capture their own undo
// snapshot inside the mutation transaction.
type StudentService struct {
	repo      studentRepository
	snapshots snapshotCapturer
	gate      *ApprovalGate
	tx        txProvider
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs the student service.
func NewStudentService(repo studentRepository, snapshots snapshotCapturer, gate *ApprovalGate, tx txProvider, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, snapshots: snapshots, gate: gate, tx: tx, validator: validate, logger: logger}
}

// RegisterApproval binds the student action handlers and the undo reverser.
// Called once during startup wiring.
func (s *StudentService) RegisterApproval(handlers *HandlerRegistry, reversers *ReverseRegistry) error {
	if err := handlers.Register(ActionStudentsCreate, ApprovalHandlerFunc(s.handleCreate)); err != nil {
		return err
	}
	if err := handlers.Register(ActionStudentsUpdate, ApprovalHandlerFunc(s.handleUpdate)); err != nil {
		return err
	}
	if err := handlers.Register(ActionStudentsDelete, ApprovalHandlerFunc(s.handleDelete)); err != nil {
		return err
	}
	return reversers.Register(EntityTypeStudent, ReverserFunc(s.reverse))
}

// List returns students and pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return students, pagination, nil
}

// Get returns a student by id.
func (s *StudentService) Get(ctx context.Context, id string) (*models.Student, error) {
	return s.loadStudent(ctx, nil, id)
}

// Create registers a new student, or queues the request when the actor's
// role is gated. Exactly one of the student or gate result is set.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest, mc MutationContext) (*models.Student, *GateResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	if mc.Actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode student payload")
	}
	gated, err := s.gate.Intercept(ctx, GateRequest{
		ActionKey:     ActionStudentsCreate,
		EntityType:    EntityTypeStudent,
		Payload:       payload,
		RequestMethod: mc.RequestMethod,
		RequestPath:   mc.RequestPath,
		Actor:         mc.Actor,
		Prepare: func(ctx context.Context) (*GateOverrides, error) {
			if err := s.ensureNISUnused(ctx, nil, req.NIS, ""); err != nil {
				return nil, err
			}
			return &GateOverrides{
				Metadata: mutationSummary(fmt.Sprintf("create student %s (NIS %s)", req.FullName, req.NIS), nil),
			}, nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	if gated != nil {
		return nil, gated, nil
	}

	student, err := s.withTx(ctx, func(tx *sqlx.Tx) (*models.Student, error) {
		return s.applyCreate(ctx, tx, req, mc.Actor.UserID, mc.Actor.UserID)
	})
	if err != nil {
		return nil, nil, err
	}
	return student, nil, nil
}

// Update modifies a student, or queues the request when gated. The gate's
// prepare step loads the current row so reviewers see what would change.
func (s *StudentService) Update(ctx context.Context, id string, req UpdateStudentRequest, mc MutationContext) (*models.Student, *GateResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	if mc.Actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode student payload")
	}
	gated, err := s.gate.Intercept(ctx, GateRequest{
		ActionKey:     ActionStudentsUpdate,
		EntityType:    EntityTypeStudent,
		EntityID:      id,
		Payload:       payload,
		RequestMethod: mc.RequestMethod,
		RequestPath:   mc.RequestPath,
		Actor:         mc.Actor,
		Prepare: func(ctx context.Context) (*GateOverrides, error) {
			current, err := s.loadStudent(ctx, nil, id)
			if err != nil {
				return nil, err
			}
			return &GateOverrides{
				EntityID: current.ID,
				Metadata: mutationSummary(fmt.Sprintf("update student %s (NIS %s)", current.FullName, current.NIS), current),
			}, nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	if gated != nil {
		return nil, gated, nil
	}

	student, err := s.withTx(ctx, func(tx *sqlx.Tx) (*models.Student, error) {
		return s.applyUpdate(ctx, tx, id, req, mc.Actor.UserID, mc.Actor.UserID)
	})
	if err != nil {
		return nil, nil, err
	}
	return student, nil, nil
}

// Delete removes a student, or queues the request when gated.
func (s *StudentService) Delete(ctx context.Context, id string, mc MutationContext) (*GateResult, error) {
	if mc.Actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	gated, err := s.gate.Intercept(ctx, GateRequest{
		ActionKey:     ActionStudentsDelete,
		EntityType:    EntityTypeStudent,
		EntityID:      id,
		Payload:       json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		RequestMethod: mc.RequestMethod,
		RequestPath:   mc.RequestPath,
		Actor:         mc.Actor,
		Prepare: func(ctx context.Context) (*GateOverrides, error) {
			current, err := s.loadStudent(ctx, nil, id)
			if err != nil {
				return nil, err
			}
			return &GateOverrides{
				EntityID: current.ID,
				Metadata: mutationSummary(fmt.Sprintf("delete student %s (NIS %s)", current.FullName, current.NIS), current),
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if gated != nil {
		return gated, nil
	}

	_, err = s.withTx(ctx, func(tx *sqlx.Tx) (*models.Student, error) {
		return s.applyDelete(ctx, tx, id, mc.Actor.UserID, mc.Actor.UserID)
	})
	return nil, err
}

func (s *StudentService) handleCreate(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
	var payload CreateStudentRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid student create payload")
	}
	student, err := s.applyCreate(ctx, tx, payload, req.RequestedBy, req.ApprovedBy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(student)
}

func (s *StudentService) handleUpdate(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
	if req.EntityID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id missing from change request")
	}
	var payload UpdateStudentRequest
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid student update payload")
	}
	student, err := s.applyUpdate(ctx, tx, req.EntityID, payload, req.RequestedBy, req.ApprovedBy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(student)
}

func (s *StudentService) handleDelete(ctx context.Context, tx *sqlx.Tx, req HandlerRequest) (json.RawMessage, error) {
	if req.EntityID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id missing from change request")
	}
	student, err := s.applyDelete(ctx, tx, req.EntityID, req.RequestedBy, req.ApprovedBy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"deleted": true, "id": student.ID})
}

func (s *StudentService) applyCreate(ctx context.Context, tx *sqlx.Tx, req CreateStudentRequest, requestedBy, actorID string) (*models.Student, error) {
	if err := s.ensureNISUnused(ctx, tx, req.NIS, ""); err != nil {
		return nil, err
	}
	student := &models.Student{
		NIS:       req.NIS,
		FullName:  req.FullName,
		Gender:    req.Gender,
		BirthDate: req.BirthDate,
		Address:   req.Address,
		Phone:     req.Phone,
		Active:    true,
	}
	if err := s.repo.Create(ctx, tx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}
	// Snapshot the created row so undo can delete it again.
	if err := s.capture(ctx, tx, student, models.SnapshotOperationCreate, student, requestedBy, actorID); err != nil {
		return nil, err
	}
	return student, nil
}

func (s *StudentService) applyUpdate(ctx context.Context, tx *sqlx.Tx, id string, req UpdateStudentRequest, requestedBy, actorID string) (*models.Student, error) {
	prior, err := s.loadStudent(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNISUnused(ctx, tx, req.NIS, id); err != nil {
		return nil, err
	}
	student := *prior
	student.NIS = req.NIS
	student.FullName = req.FullName
	student.Gender = req.Gender
	student.BirthDate = req.BirthDate
	student.Address = req.Address
	student.Phone = req.Phone
	student.Active = req.Active
	if err := s.repo.Update(ctx, tx, &student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}
	// Snapshot the prior row so undo can write it back.
	if err := s.capture(ctx, tx, prior, models.SnapshotOperationUpdate, prior, requestedBy, actorID); err != nil {
		return nil, err
	}
	return &student, nil
}

func (s *StudentService) applyDelete(ctx context.Context, tx *sqlx.Tx, id, requestedBy, actorID string) (*models.Student, error) {
	prior, err := s.loadStudent(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Delete(ctx, tx, id); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete student")
	}
	if err := s.capture(ctx, tx, prior, models.SnapshotOperationDelete, prior, requestedBy, actorID); err != nil {
		return nil, err
	}
	return prior, nil
}

// reverse undoes a snapshotted student mutation.
func (s *StudentService) reverse(ctx context.Context, tx *sqlx.Tx, snapshot *models.Snapshot) (json.RawMessage, error) {
	switch snapshot.Operation {
	case models.SnapshotOperationCreate:
		if err := s.repo.Delete(ctx, tx, snapshot.EntityID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "student no longer exists")
			}
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"deleted": true, "id": snapshot.EntityID})
	case models.SnapshotOperationDelete:
		var student models.Student
		if err := json.Unmarshal(snapshot.Data, &student); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "corrupt student snapshot data")
		}
		if err := s.repo.Restore(ctx, tx, &student); err != nil {
			return nil, err
		}
		return json.Marshal(student)
	case models.SnapshotOperationUpdate:
		var prior models.Student
		if err := json.Unmarshal(snapshot.Data, &prior); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "corrupt student snapshot data")
		}
		if err := s.repo.Update(ctx, tx, &prior); err != nil {
			return nil, err
		}
		return json.Marshal(prior)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported snapshot operation %s", snapshot.Operation))
	}
}

func (s *StudentService) capture(ctx context.Context, tx *sqlx.Tx, subject *models.Student, op models.SnapshotOperation, data interface{}, requestedBy, actorID string) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode snapshot data")
	}
	meta := mutationSummary(
		fmt.Sprintf("%s student %s (NIS %s)", strings.ToLower(string(op)), subject.FullName, subject.NIS),
		map[string]string{"requested_by": requestedBy},
	)
	_, err = s.snapshots.Capture(ctx, tx, SnapshotInput{
		EntityType:       EntityTypeStudent,
		EntityID:         subject.ID,
		EntityIdentifier: subject.NIS,
		Operation:        op,
		Data:             blob,
		Metadata:         meta,
		CreatedBy:        actorID,
	})
	return err
}

func (s *StudentService) ensureNISUnused(ctx context.Context, exec sqlx.ExtContext, nis, excludeID string) error {
	exists, err := s.repo.ExistsByNIS(ctx, exec, nis, excludeID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate nis")
	}
	if exists {
		return appErrors.Clone(appErrors.ErrConflict, "nis already used")
	}
	return nil
}

func (s *StudentService) loadStudent(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, exec, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

func (s *StudentService) withTx(ctx context.Context, fn func(tx *sqlx.Tx) (*models.Student, error)) (student *models.Student, err error) {
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
	student, err = fn(tx)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit transaction")
		return nil, err
	}
	return student, nil
}

// mutationSummary builds the reviewer-facing metadata blob.
func mutationSummary(summary string, state interface{}) json.RawMessage {
	payload := map[string]interface{}{"summary": summary}
	if state != nil {
		payload["current"] = state
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return blob
}
