package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	flows, err := s.st.ListFlows()
	if err != nil {
		writeStoreError(w, "list flows", err)
		return
	}
	if flows == nil {
		flows = []models.Flow{}
	}
	slog.Debug("Server.listFlowsHandler: flows fetched", "count", len(flows))
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if !decodeJSON(w, r, &f) {
		return
	}
	if err := f.Validate(); err != nil {
		slog.Warn("Server.createFlowHandler: validation failed", "error", err, "name", f.Name)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.CreateFlow(&f); err != nil {
		writeStoreError(w, "create flow", err)
		return
	}
	slog.Info("Server.createFlowHandler: flow created", "flowID", f.ID, "trigger", f.TriggerType)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow created", f))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	f, err := s.st.GetFlow(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get flow", err)
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if !decodeJSON(w, r, &f) {
		return
	}
	f.ID = r.PathValue("id")
	if err := f.Validate(); err != nil {
		slog.Warn("Server.updateFlowHandler: validation failed", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.UpdateFlow(&f); err != nil {
		writeStoreError(w, "update flow", err)
		return
	}
	slog.Info("Server.updateFlowHandler: flow updated", "flowID", f.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow updated", f))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeleteFlow(id); err != nil {
		writeStoreError(w, "delete flow", err)
		return
	}
	slog.Info("Server.deleteFlowHandler: flow deleted", "flowID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow deleted", nil))
}

// TriggerRequest starts a flow for a phone number.
type TriggerRequest struct {
	Phone     string         `json:"phone"`
	SessionID string         `json:"session_id"`
	Variables map[string]any `json:"variables,omitempty"`
}

func (s *Server) triggerFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req TriggerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyPhone.Error()))
		return
	}
	f, err := s.st.GetFlow(id)
	if err != nil {
		writeStoreError(w, "get flow", err)
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}

	executionID, err := s.exec.TriggerEvent(r.Context(), id, req.Phone, req.SessionID, req.Variables)
	if err != nil {
		slog.Error("Server.triggerFlowHandler: trigger failed", "flowID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start flow"))
		return
	}
	if executionID == "" {
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error("Flow is inactive or has no start node"))
		return
	}
	exec, err := s.st.GetExecution(executionID)
	if err != nil {
		writeStoreError(w, "get execution", err)
		return
	}
	slog.Info("Server.triggerFlowHandler: flow started", "flowID", id, "executionID", executionID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow started", exec))
}

func (s *Server) listExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	execs, err := s.st.ListExecutions(r.URL.Query().Get("contact_id"), limit)
	if err != nil {
		writeStoreError(w, "list executions", err)
		return
	}
	if execs == nil {
		execs = []models.FlowExecution{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(execs))
}

func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	exec, err := s.st.GetExecution(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get execution", err)
		return
	}
	if exec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Execution not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(exec))
}

func (s *Server) getContactHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.st.GetContact(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get contact", err)
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Contact not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// SuppressRequest toggles auto-replies for a contact. A nil Until with
// Suppressed set suppresses indefinitely.
type SuppressRequest struct {
	Suppressed bool       `json:"suppressed"`
	Until      *time.Time `json:"until,omitempty"`
}

func (s *Server) suppressContactHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SuppressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.st.SetAutoReplySuppression(id, req.Suppressed, req.Until); err != nil {
		writeStoreError(w, "update contact", err)
		return
	}
	c, err := s.st.GetContact(id)
	if err != nil {
		writeStoreError(w, "get contact", err)
		return
	}
	slog.Info("Server.suppressContactHandler: auto-reply suppression updated", "contactID", id, "suppressed", req.Suppressed)
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	var msg messaging.InboundMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	if msg.ChannelAddress == "" || msg.Text == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("channel_address and text are required"))
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if s.router != nil {
		// The request context ends with the response; processing outlives it.
		ctx := context.WithoutCancel(r.Context())
		if !s.router.Dispatch(ctx, msg) {
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate message ignored", nil))
			return
		}
		writeJSONResponse(w, http.StatusAccepted, models.Accepted("Message accepted", nil))
		return
	}
	if err := s.exec.HandleIncomingMessage(r.Context(), msg); err != nil {
		slog.Error("Server.inboundHandler: processing failed", "from", msg.ChannelAddress, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed", nil))
}

func (s *Server) listTimersHandler(w http.ResponseWriter, r *http.Request) {
	timers := s.timers.ListActive()
	slog.Debug("Server.listTimersHandler: returning timers", "count", len(timers))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"timers": timers,
		"count":  len(timers),
	}))
}

func (s *Server) cancelTimerHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !hasTimer(s.timers, id) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Timer not found"))
		return
	}
	s.timers.Cancel(id)
	slog.Info("Server.cancelTimerHandler: timer cancelled", "timerID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Timer cancelled", map[string]interface{}{
		"timerID":  id,
		"canceled": true,
	}))
}

func hasTimer(q *flow.TimerQueue, id string) bool {
	for _, t := range q.ListActive() {
		if t.ID == id {
			return true
		}
	}
	return false
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.sessionIDs != nil {
		healthData["sessions"] = s.sessionIDs()
	}

	// Paused executions double as a store liveness probe.
	if paused, err := s.st.ListExecutionsByStatus(models.ExecutionPaused); err != nil {
		slog.Warn("Health check: failed to count paused executions", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to query executions"
	} else {
		healthData["paused_executions"] = len(paused)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
