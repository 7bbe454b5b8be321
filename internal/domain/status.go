package domain

// ExecutionStatus — статус выполнения pipeline.
//
// Жизненный цикл:
//
//	QUEUED → RUNNING → SUCCEEDED
//	                 ↘ FAILED (включая отмену: Reason = CANCELLED)
//	(или) QUEUED → FAILED (отмена до старта)
type ExecutionStatus string

const (
	// ExecutionStatusQueued — execution ждёт завершения предыдущего execution того же pipeline.
	ExecutionStatusQueued ExecutionStatus = "QUEUED"

	// ExecutionStatusRunning — execution выполняет стадию StageIndex.
	ExecutionStatusRunning ExecutionStatus = "RUNNING"

	// ExecutionStatusSucceeded — все стадии завершились успешно.
	ExecutionStatusSucceeded ExecutionStatus = "SUCCEEDED"

	// ExecutionStatusFailed — execution остановлен на стадии StageIndex с причиной Reason.
	ExecutionStatusFailed ExecutionStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// StageStatus — статус стадии или action внутри execution.
//
// Жизненный цикл:
//
//	PENDING → IN_PROGRESS → SUCCEEDED
//	                      ↘ FAILED
//	                      ↘ CANCELLED
type StageStatus string

const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusInProgress StageStatus = "IN_PROGRESS"
	StageStatusSucceeded  StageStatus = "SUCCEEDED"
	StageStatusFailed     StageStatus = "FAILED"
	StageStatusCancelled  StageStatus = "CANCELLED"
)

// IsTerminal возвращает true, если стадия (или action) завершена.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusCancelled:
		return true
	default:
		return false
	}
}

// FailureReason — причина неудачного завершения execution.
// Сохраняется вместе с индексом стадии для последующего анализа.
type FailureReason string

const (
	ReasonSourceUnavailable FailureReason = "SOURCE_UNAVAILABLE"
	ReasonBuildFailed       FailureReason = "BUILD_FAILED"
	ReasonGateRejected      FailureReason = "GATE_REJECTED"
	ReasonGateExpired       FailureReason = "GATE_EXPIRED"
	ReasonDeployFailed      FailureReason = "DEPLOY_FAILED"
	ReasonMalformedArtifact FailureReason = "MALFORMED_ARTIFACT"
	ReasonCancelled         FailureReason = "CANCELLED"
	ReasonActionFailed      FailureReason = "ACTION_FAILED"
)

// ApprovalStatus — состояние approval gate.
//
// Жизненный цикл:
//
//	PENDING → APPROVED
//	        ↘ REJECTED
//	        ↘ EXPIRED (по таймауту, эквивалентен REJECTED)
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusExpired  ApprovalStatus = "EXPIRED"
)

// IsTerminal возвращает true, если решение по gate уже принято.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending
}

// ParseApprovalStatus парсит строку в ApprovalStatus.
// Пустая или неизвестная строка возвращает "" (без фильтра).
func ParseApprovalStatus(s string) ApprovalStatus {
	switch s {
	case "PENDING":
		return ApprovalStatusPending
	case "APPROVED":
		return ApprovalStatusApproved
	case "REJECTED":
		return ApprovalStatusRejected
	case "EXPIRED":
		return ApprovalStatusExpired
	default:
		return ""
	}
}
