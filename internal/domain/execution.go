package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Execution — один запуск PipelineDefinition по конкретному trigger.
//
// Execution хранит snapshot определения на момент trigger: последующие
// изменения pipeline на него не влияют. В каждый момент времени
// в процессе находится не больше одной стадии.
type Execution struct {
	// ID — уникальный идентификатор execution.
	ID uuid.UUID `json:"id"`

	// PipelineID — pipeline, который выполняется.
	PipelineID uuid.UUID `json:"pipeline_id"`

	// PipelineVersion — версия pipeline в snapshot.
	PipelineVersion int `json:"pipeline_version"`

	// Definition — snapshot определения.
	Definition PipelineDefinition `json:"definition"`

	// Trigger — событие, запустившее execution.
	Trigger Trigger `json:"trigger"`

	// Status — текущий статус.
	Status ExecutionStatus `json:"status"`

	// StageIndex — индекс текущей (или последней выполненной) стадии.
	StageIndex int `json:"stage_index"`

	// Stages — состояние каждой стадии snapshot.
	Stages []StageState `json:"stages"`

	// Reason — причина неудачи (только для FAILED).
	Reason FailureReason `json:"reason,omitempty"`

	// Error — текст ошибки, приведшей к неудаче.
	Error string `json:"error,omitempty"`

	// Artifacts — артефакты, созданные стадиями (name → artifact).
	Artifacts map[string]Artifact `json:"artifacts,omitempty"`

	// IdempotencyKey — копия Trigger.DedupKey для уникального индекса.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Generation — счётчик изменений для optimistic locking.
	Generation int `json:"generation"`

	// CancelRequested — отмена запрошена во время Deploy. Execution остаётся
	// RUNNING, пока Deploy не сообщит результат (новая ревизия или откат).
	CancelRequested   bool   `json:"cancel_requested,omitempty"`
	CancelRequestedBy string `json:"cancel_requested_by,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StageState — состояние стадии внутри execution.
type StageState struct {
	Name       string        `json:"name"`
	Status     StageStatus   `json:"status"`
	Actions    []ActionState `json:"actions"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// ActionState — состояние action внутри стадии.
type ActionState struct {
	Name       string            `json:"name"`
	Kind       ActionKind        `json:"kind"`
	Status     StageStatus       `json:"status"`
	Reason     FailureReason     `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// NewExecution создаёт execution в статусе QUEUED со всеми стадиями в PENDING.
// def должен быть уже скопирован вызывающей стороной.
func NewExecution(def PipelineDefinition, trigger Trigger, now time.Time) *Execution {
	stages := make([]StageState, len(def.Stages))
	for i, s := range def.Stages {
		actions := make([]ActionState, len(s.Actions))
		for j, a := range s.Actions {
			actions[j] = ActionState{Name: a.Name, Kind: a.Kind, Status: StageStatusPending}
		}
		stages[i] = StageState{Name: s.Name, Status: StageStatusPending, Actions: actions}
	}

	return &Execution{
		ID:              uuid.New(),
		PipelineID:      def.ID,
		PipelineVersion: def.Version,
		Definition:      def,
		Trigger:         trigger,
		Status:          ExecutionStatusQueued,
		Stages:          stages,
		Artifacts:       make(map[string]Artifact),
		IdempotencyKey:  trigger.DedupKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsFinished возвращает true, если execution завершён.
func (e *Execution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// CurrentStage возвращает состояние текущей стадии.
func (e *Execution) CurrentStage() *StageState {
	if e.StageIndex < 0 || e.StageIndex >= len(e.Stages) {
		return nil
	}
	return &e.Stages[e.StageIndex]
}

// CurrentStageDefinition возвращает определение текущей стадии.
func (e *Execution) CurrentStageDefinition() *StageDefinition {
	if e.StageIndex < 0 || e.StageIndex >= len(e.Definition.Stages) {
		return nil
	}
	return &e.Definition.Stages[e.StageIndex]
}

// HasNextStage проверяет, есть ли стадия после текущей.
func (e *Execution) HasNextStage() bool {
	return e.StageIndex+1 < len(e.Stages)
}

// EnterStage переводит execution в Running(i): стадия i и все её action
// становятся IN_PROGRESS.
func (e *Execution) EnterStage(i int, now time.Time) {
	if e.StartedAt == nil {
		e.StartedAt = &now
	}
	e.Status = ExecutionStatusRunning
	e.StageIndex = i

	stage := &e.Stages[i]
	stage.Status = StageStatusInProgress
	stage.StartedAt = &now
	for j := range stage.Actions {
		stage.Actions[j].Status = StageStatusInProgress
		stage.Actions[j].StartedAt = &now
	}
	e.UpdatedAt = now
}

// CompleteStage помечает текущую стадию SUCCEEDED.
func (e *Execution) CompleteStage(now time.Time) {
	stage := e.CurrentStage()
	stage.Status = StageStatusSucceeded
	stage.FinishedAt = &now
	e.UpdatedAt = now
}

// MarkSucceeded переводит execution в SUCCEEDED.
func (e *Execution) MarkSucceeded(now time.Time) {
	e.Status = ExecutionStatusSucceeded
	e.FinishedAt = &now
	e.UpdatedAt = now
}

// MarkFailed переводит execution в Failed(StageIndex, reason).
//
// Текущая стадия получает FAILED (или CANCELLED для отмены),
// незавершённые action — CANCELLED.
func (e *Execution) MarkFailed(reason FailureReason, errMsg string, now time.Time) {
	wasQueued := e.Status == ExecutionStatusQueued

	e.Status = ExecutionStatusFailed
	e.Reason = reason
	e.Error = errMsg
	e.FinishedAt = &now
	e.UpdatedAt = now

	if wasQueued {
		return
	}

	stage := e.CurrentStage()
	if stage == nil {
		return
	}
	if reason == ReasonCancelled {
		stage.Status = StageStatusCancelled
	} else {
		stage.Status = StageStatusFailed
	}
	stage.FinishedAt = &now
	for j := range stage.Actions {
		a := &stage.Actions[j]
		if !a.Status.IsTerminal() {
			a.Status = StageStatusCancelled
			a.FinishedAt = &now
			if reason == ReasonCancelled {
				a.Reason = ReasonCancelled
			}
		}
	}
}

// Duration возвращает продолжительность выполнения.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}

// ArtifactMetadata возвращает метаданные артефактов для шаблонов.
func (e *Execution) ArtifactMetadata() map[string]map[string]string {
	out := make(map[string]map[string]string, len(e.Artifacts))
	for name, a := range e.Artifacts {
		md := make(map[string]string, len(a.Metadata)+1)
		for k, v := range a.Metadata {
			md[k] = v
		}
		md["revision"] = a.Revision
		out[name] = md
	}
	return out
}

// Action возвращает состояние action по имени.
func (s *StageState) Action(name string) *ActionState {
	for i := range s.Actions {
		if s.Actions[i].Name == name {
			return &s.Actions[i]
		}
	}
	return nil
}

// DeployInProgress проверяет, выполняется ли Deploy action стадии.
func (s *StageState) DeployInProgress() bool {
	if s == nil {
		return false
	}
	for _, a := range s.Actions {
		if a.Kind == ActionKindDeploy && a.Status == StageStatusInProgress {
			return true
		}
	}
	return false
}

// AllSucceeded проверяет, что все action стадии успешно завершены.
func (s *StageState) AllSucceeded() bool {
	for _, a := range s.Actions {
		if a.Status != StageStatusSucceeded {
			return false
		}
	}
	return true
}

// FirstFailure возвращает первый неудачный action стадии.
func (s *StageState) FirstFailure() *ActionState {
	for i := range s.Actions {
		switch s.Actions[i].Status {
		case StageStatusFailed, StageStatusCancelled:
			return &s.Actions[i]
		}
	}
	return nil
}

// Phase — фаза state machine execution.
type Phase string

const (
	PhaseQueued    Phase = "Queued"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

// ExecutionState — проекция execution на state machine
// Running(i) | Succeeded | Failed(i, reason).
type ExecutionState struct {
	Phase      Phase         `json:"phase"`
	StageIndex int           `json:"stage_index"`
	Reason     FailureReason `json:"reason,omitempty"`
}

// String возвращает состояние в виде "Running(1)", "Failed(2, GATE_REJECTED)".
func (s ExecutionState) String() string {
	switch s.Phase {
	case PhaseRunning:
		return fmt.Sprintf("Running(%d)", s.StageIndex)
	case PhaseFailed:
		return fmt.Sprintf("Failed(%d, %s)", s.StageIndex, s.Reason)
	default:
		return string(s.Phase)
	}
}

// State возвращает состояние execution.
func (e *Execution) State() ExecutionState {
	switch e.Status {
	case ExecutionStatusRunning:
		return ExecutionState{Phase: PhaseRunning, StageIndex: e.StageIndex}
	case ExecutionStatusSucceeded:
		return ExecutionState{Phase: PhaseSucceeded, StageIndex: e.StageIndex}
	case ExecutionStatusFailed:
		return ExecutionState{Phase: PhaseFailed, StageIndex: e.StageIndex, Reason: e.Reason}
	default:
		return ExecutionState{Phase: PhaseQueued}
	}
}
