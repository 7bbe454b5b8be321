package domain

import (
	"time"

	"github.com/google/uuid"
)

// Approval — экземпляр approval gate для конкретной стадии execution.
type Approval struct {
	// ID — уникальный идентификатор approval.
	ID uuid.UUID `json:"id"`

	// ExecutionID — execution, который ждёт решения.
	ExecutionID uuid.UUID `json:"execution_id"`

	// PipelineID — pipeline execution (для фильтрации).
	PipelineID uuid.UUID `json:"pipeline_id"`

	// StageIndex, StageName, ActionName — gate внутри execution.
	StageIndex int    `json:"stage_index"`
	StageName  string `json:"stage_name"`
	ActionName string `json:"action_name"`

	// Status — PENDING, APPROVED, REJECTED, EXPIRED.
	Status ApprovalStatus `json:"status"`

	// Approvers — допустимые approver. Пусто = любой аутентифицированный.
	Approvers []string `json:"approvers,omitempty"`

	// Actor — кто принял решение.
	Actor string `json:"actor,omitempty"`

	// Comment — комментарий к решению.
	Comment string `json:"comment,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// IsExpired проверяет, истекло ли время ожидания решения.
func (a *Approval) IsExpired(now time.Time) bool {
	return a.Status == ApprovalStatusPending && !now.Before(a.ExpiresAt)
}

// CanDecide проверяет, может ли actor принимать решение.
func (a *Approval) CanDecide(actor string) bool {
	if len(a.Approvers) == 0 {
		return actor != ""
	}
	for _, ap := range a.Approvers {
		if ap == actor {
			return true
		}
	}
	return false
}

// Approve переводит gate в APPROVED.
func (a *Approval) Approve(actor, comment string, now time.Time) {
	a.decide(ApprovalStatusApproved, actor, comment, now)
}

// Reject переводит gate в REJECTED.
func (a *Approval) Reject(actor, comment string, now time.Time) {
	a.decide(ApprovalStatusRejected, actor, comment, now)
}

// Expire переводит gate в EXPIRED.
func (a *Approval) Expire(now time.Time) {
	a.decide(ApprovalStatusExpired, "", "", now)
}

func (a *Approval) decide(status ApprovalStatus, actor, comment string, now time.Time) {
	a.Status = status
	a.Actor = actor
	a.Comment = comment
	a.DecidedAt = &now
}
