package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// stubTaskService lets a test pin down exactly the call it expects;
// everything else answers with zero values.
type stubTaskService struct {
	createFn   func(ctx context.Context, userID string, in services.CreateTaskInput) (*models.Task, error)
	getFn      func(ctx context.Context, userID string, id uuid.UUID, includeContext bool) (*services.TaskView, error)
	completeFn func(ctx context.Context, userID string, id uuid.UUID, in services.CompleteTaskInput) (*models.Task, error)
	nextFn     func(ctx context.Context, userID string, branchID uuid.UUID) (*services.ScoredTask, error)
}

func (s *stubTaskService) Create(ctx context.Context, userID string, in services.CreateTaskInput) (*models.Task, error) {
	if s.createFn != nil {
		return s.createFn(ctx, userID, in)
	}
	return &models.Task{}, nil
}

func (s *stubTaskService) Get(ctx context.Context, userID string, id uuid.UUID, includeContext bool) (*services.TaskView, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID, id, includeContext)
	}
	return &services.TaskView{Task: &models.Task{}}, nil
}

func (s *stubTaskService) List(ctx context.Context, userID string, filter repository.TaskFilter) ([]*models.Task, error) {
	return nil, nil
}

func (s *stubTaskService) Update(ctx context.Context, userID string, id uuid.UUID, in services.UpdateTaskInput) (*models.Task, error) {
	return &models.Task{}, nil
}

func (s *stubTaskService) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	return nil
}

func (s *stubTaskService) Complete(ctx context.Context, userID string, id uuid.UUID, in services.CompleteTaskInput) (*models.Task, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, userID, id, in)
	}
	return &models.Task{}, nil
}

func (s *stubTaskService) AddProgress(ctx context.Context, userID string, id uuid.UUID, in services.ProgressInput) (*models.Task, error) {
	return &models.Task{}, nil
}

func (s *stubTaskService) Next(ctx context.Context, userID string, branchID uuid.UUID) (*services.ScoredTask, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, userID, branchID)
	}
	return &services.ScoredTask{Task: &models.Task{}}, nil
}

// stubSubtaskService records the id each call received so the shim tests
// can assert which spelling won.
type stubSubtaskService struct {
	lastID uuid.UUID
}

func (s *stubSubtaskService) Create(ctx context.Context, userID string, in services.CreateSubtaskInput) (*models.Subtask, error) {
	return &models.Subtask{}, nil
}

func (s *stubSubtaskService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	s.lastID = id
	return &models.Subtask{ID: id}, nil
}

func (s *stubSubtaskService) List(ctx context.Context, userID string, taskID uuid.UUID) ([]*models.Subtask, error) {
	return nil, nil
}

func (s *stubSubtaskService) Update(ctx context.Context, userID string, id uuid.UUID, in services.UpdateSubtaskInput) (*models.Subtask, error) {
	s.lastID = id
	return &models.Subtask{ID: id}, nil
}

func (s *stubSubtaskService) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	s.lastID = id
	return nil
}

func (s *stubSubtaskService) Complete(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	s.lastID = id
	return &models.Subtask{ID: id}, nil
}

func (s *stubSubtaskService) Reopen(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	s.lastID = id
	return &models.Subtask{ID: id}, nil
}

// testingAuth is the config used by most transport tests: the identity is
// pinned to a configured test user.
func testingAuth(userID string) config.Config {
	return config.Config{
		TestMode: true,
		Auth: config.AuthConfig{
			Enabled:    true,
			Mode:       config.AuthModeTesting,
			TestUserID: userID,
		},
	}
}

func productionAuth() config.Config {
	return config.Config{
		TestMode: true,
		Auth: config.AuthConfig{
			Enabled: true,
			Mode:    config.AuthModeProduction,
		},
	}
}

// post sends a JSON body to the server and decodes the envelope
func post(t *testing.T, handler http.Handler, path string, body interface{}, headers map[string]string) (int, Envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}
