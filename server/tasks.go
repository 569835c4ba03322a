package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/veilwork/chime/bus"
	"github.com/veilwork/chime/errors"
	"github.com/veilwork/chime/schedule"
)

// CreateTaskRequest is the body for POST /api/tasks
type CreateTaskRequest struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	TriggerType    string            `json:"triggerType"`
	CronExpression string            `json:"cronExpression,omitempty"`
	ScheduledTime  *time.Time        `json:"scheduledTime,omitempty"`
	SourceModule   string            `json:"sourceModule"`
	SourceEntityID string            `json:"sourceEntityId"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty"`
}

// UpdateTaskRequest is the body for PATCH /api/tasks/{id}
type UpdateTaskRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// UpdateCronRequest is the body for PUT /api/tasks/{id}/cron
type UpdateCronRequest struct {
	CronExpression string `json:"cronExpression"`
}

// UpdateTimeRequest is the body for PUT /api/tasks/{id}/time
type UpdateTimeRequest struct {
	ScheduledTime time.Time `json:"scheduledTime"`
}

// TaskResponse is the wire shape of a task
type TaskResponse struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name"`
	Description      string                     `json:"description,omitempty"`
	TriggerType      string                     `json:"triggerType"`
	CronExpression   string                     `json:"cronExpression,omitempty"`
	ScheduledTime    *time.Time                 `json:"scheduledTime,omitempty"`
	Status           string                     `json:"status"`
	Enabled          bool                       `json:"enabled"`
	SourceModule     string                     `json:"sourceModule"`
	SourceEntityID   string                     `json:"sourceEntityId"`
	Metadata         map[string]string          `json:"metadata,omitempty"`
	NextRunAt        *time.Time                 `json:"nextRunAt,omitempty"`
	LastRunAt        *time.Time                 `json:"lastRunAt,omitempty"`
	ExecutionCount   int                        `json:"executionCount"`
	ExecutionHistory []schedule.ExecutionRecord `json:"executionHistory,omitempty"`
	Version          int                        `json:"version"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
}

// ListTasksResponse is the wire shape of a task list
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Count int            `json:"count"`
}

func toTaskResponse(t *schedule.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		Name:             t.Name,
		Description:      t.Description,
		TriggerType:      string(t.TriggerType),
		CronExpression:   t.CronExpression,
		ScheduledTime:    t.ScheduledTime,
		Status:           string(t.Status),
		Enabled:          t.Enabled,
		SourceModule:     t.SourceModule,
		SourceEntityID:   t.SourceEntityID,
		Metadata:         t.Metadata,
		NextRunAt:        t.NextRunAt,
		LastRunAt:        t.LastRunAt,
		ExecutionCount:   t.ExecutionCount,
		ExecutionHistory: t.ExecutionHistory,
		Version:          t.Version,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// HandleTasks handles requests to /api/tasks
// GET: list tasks
// POST: create a task
func (s *Server) HandleTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAuth(w, r); !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleListTasks(w, r)
	case http.MethodPost:
		s.handleCreateTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleTask handles requests to /api/tasks/{id} and its sub-resources:
// enable, disable, pause, resume, cancel, cron, time, executions, run.
func (s *Server) HandleTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAuth(w, r); !ok {
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing task ID")
		return
	}
	taskID := pathParts[0]

	if len(pathParts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetTask(w, r, taskID)
		case http.MethodPatch:
			s.handleUpdateTask(w, r, taskID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch pathParts[1] {
	case "enable":
		s.handleLifecycle(w, r, taskID, "enable", (*schedule.Task).Enable)
	case "disable":
		s.handleLifecycle(w, r, taskID, "disable", (*schedule.Task).Disable)
	case "pause":
		s.handleLifecycle(w, r, taskID, "pause", (*schedule.Task).Pause)
	case "resume":
		s.handleLifecycle(w, r, taskID, "resume", (*schedule.Task).Resume)
	case "cancel":
		s.handleLifecycle(w, r, taskID, "cancel", (*schedule.Task).Cancel)
	case "cron":
		s.handleUpdateCron(w, r, taskID)
	case "time":
		s.handleUpdateTime(w, r, taskID)
	case "executions":
		s.handleExecutions(w, r, taskID)
	case "run":
		s.handleRunNow(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "Unknown task operation")
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		s.logger.Errorw("Failed to list tasks", "error", err)
		writeDomainError(w, err)
		return
	}

	response := ListTasksResponse{
		Tasks: make([]TaskResponse, 0, len(tasks)),
		Count: len(tasks),
	}
	for _, t := range tasks {
		response.Tasks = append(response.Tasks, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	trigger := schedule.Trigger{
		Type:           schedule.TriggerType(req.TriggerType),
		CronExpression: req.CronExpression,
		ScheduledTime:  req.ScheduledTime,
	}

	// Reject unparseable cron expressions before touching the aggregate
	if trigger.Type == schedule.TriggerCron && req.CronExpression != "" {
		if err := s.evaluator.ValidateCronExpression(req.CronExpression); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task, err := schedule.NewTask(req.Name, req.Description, trigger,
		schedule.Source{Module: req.SourceModule, EntityID: req.SourceEntityID},
		req.Metadata, enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.store.CreateTask(task); err != nil {
		s.logger.Errorw("Failed to create task", "name", req.Name, "error", err)
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Task created", "taskId", task.ID, "name", task.Name,
		"triggerType", task.TriggerType, "sourceModule", task.SourceModule)

	s.bus.Publish(bus.Event{
		Name:      "task-created",
		AccountID: task.Metadata[schedule.MetadataAccountID],
		Payload:   toTaskResponse(task),
	})

	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req UpdateTaskRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	s.mutateTask(w, taskID, "update", func(t *schedule.Task) error {
		return t.UpdateBasicInfo(req.Name, req.Description, req.Metadata)
	})
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, taskID, action string, op func(*schedule.Task) error) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.mutateTask(w, taskID, action, op)
}

func (s *Server) handleUpdateCron(w http.ResponseWriter, r *http.Request, taskID string) {
	if !requireMethod(w, r, http.MethodPut) {
		return
	}
	var req UpdateCronRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if err := s.evaluator.ValidateCronExpression(req.CronExpression); err != nil {
		writeDomainError(w, err)
		return
	}

	s.mutateTask(w, taskID, "update cron", func(t *schedule.Task) error {
		return t.UpdateCronExpression(req.CronExpression)
	})
}

func (s *Server) handleUpdateTime(w http.ResponseWriter, r *http.Request, taskID string) {
	if !requireMethod(w, r, http.MethodPut) {
		return
	}
	var req UpdateTimeRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	s.mutateTask(w, taskID, "update time", func(t *schedule.Task) error {
		return t.UpdateScheduledTime(req.ScheduledTime)
	})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request, taskID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taskId":         task.ID,
		"executionCount": task.ExecutionCount,
		"executions":     task.ExecutionHistory,
	})
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request, taskID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	task, err := s.ticker.RunNow(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Infow("Task run manually", "taskId", taskID)
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// mutateTask loads, applies one aggregate operation, and saves. The
// aggregate validates before mutating, so a rejected operation leaves
// the stored row untouched.
func (s *Server) mutateTask(w http.ResponseWriter, taskID, action string, op func(*schedule.Task) error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := op(task); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.store.SaveTask(task); err != nil {
		if errors.IsConflictError(err) {
			writeDomainError(w, err)
			return
		}
		s.logger.Errorw("Failed to save task", "taskId", taskID, "action", action, "error", err)
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Task updated", "taskId", taskID, "action", action, "version", task.Version)
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}
