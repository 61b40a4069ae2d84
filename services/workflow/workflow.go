package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// HandleGetWorkflow loads a workflow definition from the database and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting workflow", "id", id)

	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleExecuteWorkflow queues a manual run seeded with the request's
// initialData and returns its execution id.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Executing workflow", "id", id)

	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runID, err := s.runs.Submit(r.Context(), TriggerEvent{WorkflowID: id, UserID: req.UserID, InitialData: req.InitialData})
	if err != nil {
		s.writeSubmitError(w, id, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"executionId": runID, "status": string(ExecutionPending)})
}

// HandleAPITrigger starts a run for the workflow named by the bearer key,
// seeding it with the request payload.
func (s *Service) HandleAPITrigger(w http.ResponseWriter, r *http.Request) {
	key, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing api key")
		return
	}
	claims, err := s.keys.Decode(key)
	if err != nil {
		slog.Warn("Rejected api trigger key", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	runID, err := s.runs.Submit(r.Context(), TriggerEvent{
		WorkflowID:    claims.WorkflowID,
		UserID:        claims.UserID,
		API:           req.Payload,
		TriggerNodeID: claims.TriggerNodeID,
	})
	if err != nil {
		if errors.Is(err, ErrOwnerMismatch) {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		s.writeSubmitError(w, claims.WorkflowID, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"executionId": runID, "status": string(ExecutionPending)})
}

// HandleGetExecution returns one execution record.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	exec, err := s.executions.GetExecution(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if exec == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(exec)
}

// HandleListExecutions returns the latest executions of a workflow.
func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	execs, err := s.executions.ListExecutions(r.Context(), id, limit)
	if err != nil {
		slog.Error("Failed to list executions", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(execs)
}

// HandleRealtime subscribes a websocket client to a node type channel.
func (s *Service) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	if !knownChannel(channel) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	s.status.ServeWS(w, r, channel)
}

func (s *Service) writeSubmitError(w http.ResponseWriter, workflowID string, err error) {
	switch {
	case errors.Is(err, ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, ErrOwnerMismatch):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrDispatcherClosed):
		writeError(w, http.StatusServiceUnavailable, "execution queue unavailable")
	default:
		slog.Error("Failed to submit workflow run", "workflow_id", workflowID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func knownChannel(channel string) bool {
	for _, t := range AllNodeTypes {
		if t.Channel() == channel {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
