package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// StartExecution запускает execution вручную.
// POST /api/v1/pipelines/{id}/executions
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid pipeline id")
		return
	}

	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	trigger := domain.Trigger{
		Source:   domain.TriggerManual,
		Branch:   req.Branch,
		Revision: req.Revision,
		Actor:    ActorFromContext(r.Context()),
		DedupKey: req.IdempotencyKey,
	}

	id, err := h.service.Start(r.Context(), pipelineID, trigger)
	if HandleError(w, h.logger, err) {
		return
	}

	exec, err := h.service.Get(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, StartExecutionResponse{ExecutionID: id, State: exec.State().String()})
}

// GetExecution возвращает execution по ID.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	exec, err := h.service.Get(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ExecutionFromDomain(*exec))
}

// ListExecutions возвращает executions с фильтрацией.
// GET /api/v1/executions?pipeline_id=...&status=...&limit=...&offset=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseExecutionFilter(w, r)
	if !ok {
		return
	}

	if s := r.URL.Query().Get("pipeline_id"); s != "" {
		pipelineID, err := uuid.Parse(s)
		if err != nil {
			BadRequest(w, "invalid pipeline_id")
			return
		}
		filter.PipelineID = &pipelineID
	}

	h.listExecutions(w, r, filter)
}

// ListPipelineExecutions возвращает executions одного pipeline.
// GET /api/v1/pipelines/{id}/executions
func (h *Handler) ListPipelineExecutions(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid pipeline id")
		return
	}

	filter, ok := parseExecutionFilter(w, r)
	if !ok {
		return
	}
	filter.PipelineID = &pipelineID

	h.listExecutions(w, r, filter)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request, filter repo.ExecutionFilter) {
	execs, err := h.service.Executions(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]ExecutionSummary, len(execs))
	for i, e := range execs {
		result[i] = ExecutionSummaryFromDomain(e)
	}

	List(w, result, len(result))
}

// CancelExecution отменяет execution.
// POST /api/v1/executions/{id}/cancel
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	if err := h.service.Cancel(r.Context(), id, ActorFromContext(r.Context())); HandleError(w, h.logger, err) {
		return
	}

	exec, err := h.service.Get(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ExecutionFromDomain(*exec))
}

// parseExecutionFilter читает status, limit и offset из query.
func parseExecutionFilter(w http.ResponseWriter, r *http.Request) (repo.ExecutionFilter, bool) {
	q := r.URL.Query()
	filter := repo.ExecutionFilter{
		Status: domain.ExecutionStatus(q.Get("status")),
		Limit:  repo.DefaultLimit,
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			BadRequest(w, "invalid limit")
			return filter, false
		}
		filter.Limit = limit
	}
	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			BadRequest(w, "invalid offset")
			return filter, false
		}
		filter.Offset = offset
	}

	return filter, true
}
