package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/approval"
	"github.com/shaiso/Conveyor/internal/domain"
)

// DecideApproval принимает решение по approval gate стадии.
// POST /api/v1/executions/{id}/approvals
//
// Actor — аутентифицированный пользователь, а не поле тела запроса.
func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	a, err := h.service.Decide(r.Context(), approval.Decision{
		ExecutionID: id,
		StageName:   req.StageName,
		Decision:    approval.Verdict(req.Decision),
		Actor:       ActorFromContext(r.Context()),
		Comment:     req.Comment,
	})
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ApprovalFromDomain(*a))
}

// ListApprovals возвращает approvals по статусу.
// GET /api/v1/approvals?status=PENDING
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	status := domain.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.ApprovalStatusPending, domain.ApprovalStatusApproved,
		domain.ApprovalStatusRejected, domain.ApprovalStatusExpired:
	default:
		BadRequest(w, "invalid status")
		return
	}

	approvals, err := h.service.Approvals(r.Context(), status)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]ApprovalResponse, len(approvals))
	for i, a := range approvals {
		result[i] = ApprovalFromDomain(a)
	}

	List(w, result, len(result))
}
