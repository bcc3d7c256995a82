package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/payload"
	"github.com/alekspetrov/hookpilot/internal/store"
)

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// TaskView is the API representation of a task.
type TaskView struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ExternalID     string          `json:"external_id,omitempty"`
	Status         string          `json:"status"`
	Source         string          `json:"source"`
	Command        string          `json:"command,omitempty"`
	Routing        payload.Routing `json:"routing"`
	ParentTaskID   string          `json:"parent_task_id,omitempty"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CostUSD        float64         `json:"cost_usd"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewTaskView converts a stored task.
func NewTaskView(t *store.Task) TaskView {
	return TaskView{
		ID:             t.ID,
		FlowID:         t.FlowID,
		ConversationID: t.ConversationID,
		ExternalID:     t.ExternalID,
		Status:         string(t.Status),
		Source:         t.Source,
		Command:        t.Metadata.Command,
		Routing:        t.Metadata.Routing,
		ParentTaskID:   t.Metadata.ParentTaskID,
		Result:         t.Result,
		Error:          t.Error,
		CostUSD:        t.CostUSD,
		InputTokens:    t.InputTokens,
		OutputTokens:   t.OutputTokens,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Prompt     string `json:"prompt"`
	Command    string `json:"command,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 500)
	}
	tasks, err := s.deps.Store.ListTasks(r.Context(), limit)
	if err != nil {
		s.log.Error("Failed to list tasks", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTaskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}
	task, err := s.deps.Factory.Create(r.Context(), intake.Request{
		Prompt:     req.Prompt,
		Command:    req.Command,
		ExternalID: req.ExternalID,
		Actor:      actor,
	})
	if err != nil {
		if errors.Is(err, intake.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		s.log.Warn("Failed to create task from API", slog.Any("error", err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, NewTaskView(task))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error("Failed to load task", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, NewTaskView(task))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ok, err := s.deps.Canceller.Cancel(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error("Failed to cancel task", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "task already finished")
		return
	}
	s.log.Info("Task cancelled via API", slog.String("task_id", taskID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.StatusCancelled), "task_id": taskID})
}

// handleTail streams a task's live output as text frames and closes with the
// final status as the close reason. A finished task gets its stored result.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if s.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "live output is not available")
		return
	}

	// Subscribe before reading the status so a finish in between is not missed.
	chunks, unsubscribe, err := s.deps.Broker.Subscribe(r.Context(), taskID)
	if err != nil {
		s.log.Error("Failed to subscribe to task output", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer unsubscribe()

	task, err := s.deps.Store.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade error", slog.Any("error", err))
		return
	}
	session := s.sessions.Create(conn, taskID)
	defer s.sessions.Remove(session.ID)
	log := s.log.With(slog.String("task_id", taskID), slog.String("session_id", session.ID))
	log.Debug("Tail started")

	if task.Status.Terminal() {
		s.sendFinal(session, task)
		return
	}

	// The reader notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("Tail client error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case chunk, ok := <-chunks:
			if !ok {
				status := "finished"
				if final, err := s.deps.Store.GetTask(r.Context(), taskID); err == nil {
					status = string(final.Status)
				}
				_ = session.Close(status)
				return
			}
			if err := session.Send([]byte(chunk)); err != nil {
				log.Debug("Tail write failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (s *Server) sendFinal(session *Session, task *store.Task) {
	text := task.Result
	if text == "" {
		text = task.Error
	}
	if text != "" {
		_ = session.Send([]byte(text))
	}
	_ = session.Close(string(task.Status))
}
