package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind — вид action внутри стадии.
type ActionKind string

const (
	ActionKindSource         ActionKind = "SOURCE"
	ActionKindBuild          ActionKind = "BUILD"
	ActionKindManualApproval ActionKind = "MANUAL_APPROVAL"
	ActionKindDeploy         ActionKind = "DEPLOY"
)

// IsValid проверяет, что вид action известен.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionKindSource, ActionKindBuild, ActionKindManualApproval, ActionKindDeploy:
		return true
	default:
		return false
	}
}

// ConcurrencyPolicy — политика для нескольких executions одного pipeline.
type ConcurrencyPolicy string

const (
	// ConcurrencyQueue — новый trigger ждёт завершения текущего execution (по умолчанию).
	ConcurrencyQueue ConcurrencyPolicy = "QUEUE"

	// ConcurrencyOverlap — executions выполняются параллельно.
	ConcurrencyOverlap ConcurrencyPolicy = "OVERLAP"
)

// PipelineDefinition — версия pipeline: упорядоченный список стадий.
//
// Определение неизменяемо после создания. Изменение pipeline создаёт
// новую версию, executions в процессе продолжают работать со своим snapshot.
type PipelineDefinition struct {
	// ID — идентификатор pipeline (общий для всех версий).
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя pipeline (например, "api-release").
	Name string `json:"name"`

	// Version — номер версии (1, 2, 3, ...).
	Version int `json:"version"`

	// Concurrency — политика параллельных executions. Пусто = QUEUE.
	Concurrency ConcurrencyPolicy `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// RestartOnUpdate — запускать execution при создании новой версии.
	RestartOnUpdate bool `json:"restart_on_update,omitempty" yaml:"restart_on_update,omitempty"`

	// Stages — стадии в порядке выполнения.
	Stages []StageDefinition `json:"stages" yaml:"stages"`

	// CreatedAt — время создания версии.
	CreatedAt time.Time `json:"created_at"`
}

// EffectiveConcurrency возвращает политику с учётом значения по умолчанию.
func (p *PipelineDefinition) EffectiveConcurrency() ConcurrencyPolicy {
	if p.Concurrency == "" {
		return ConcurrencyQueue
	}
	return p.Concurrency
}

// SourceAction возвращает первый Source action pipeline (или nil).
func (p *PipelineDefinition) SourceAction() *ActionDefinition {
	for i := range p.Stages {
		for j := range p.Stages[i].Actions {
			if p.Stages[i].Actions[j].Kind == ActionKindSource {
				return &p.Stages[i].Actions[j]
			}
		}
	}
	return nil
}

// StageDefinition — стадия pipeline.
type StageDefinition struct {
	// Name — уникальное в рамках pipeline имя стадии.
	Name string `json:"name" yaml:"name"`

	// Actions — действия стадии. Выполняются параллельно.
	Actions []ActionDefinition `json:"actions" yaml:"actions"`
}

// Inputs возвращает все входные артефакты действий стадии.
func (s *StageDefinition) Inputs() []string {
	var out []string
	for _, a := range s.Actions {
		out = append(out, a.InputArtifacts...)
	}
	return out
}

// Outputs возвращает все выходные артефакты действий стадии.
func (s *StageDefinition) Outputs() []string {
	var out []string
	for _, a := range s.Actions {
		out = append(out, a.OutputArtifacts...)
	}
	return out
}

// ActionDefinition — действие стадии.
//
// Вариант по Kind: заполнено ровно одно из полей Source, Build, Approval, Deploy.
type ActionDefinition struct {
	// Name — уникальное в рамках стадии имя действия.
	Name string `json:"name" yaml:"name"`

	// Kind — вид действия.
	Kind ActionKind `json:"kind" yaml:"kind"`

	// InputArtifacts — имена артефактов, которые читает действие.
	InputArtifacts []string `json:"input_artifacts,omitempty" yaml:"input_artifacts,omitempty"`

	// OutputArtifacts — имена артефактов, которые записывает действие.
	OutputArtifacts []string `json:"output_artifacts,omitempty" yaml:"output_artifacts,omitempty"`

	Source   *SourceAction   `json:"source,omitempty" yaml:"source,omitempty"`
	Build    *BuildAction    `json:"build,omitempty" yaml:"build,omitempty"`
	Approval *ApprovalAction `json:"approval,omitempty" yaml:"approval,omitempty"`
	Deploy   *DeployAction   `json:"deploy,omitempty" yaml:"deploy,omitempty"`
}

// TriggerSource — источник trigger.
type TriggerSource string

const (
	TriggerWebhook   TriggerSource = "webhook"
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
)

// SourceAction — параметры Source действия.
type SourceAction struct {
	// Provider — провайдер репозитория. Поддерживается "github".
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	Owner      string `json:"owner" yaml:"owner"`
	Repository string `json:"repository" yaml:"repository"`
	Branch     string `json:"branch" yaml:"branch"`

	// TokenSecret — имя секрета с OAuth токеном репозитория.
	TokenSecret string `json:"token_secret,omitempty" yaml:"token_secret,omitempty"`

	// Trigger — как запускается pipeline: webhook (по умолчанию), scheduled, manual.
	Trigger TriggerSource `json:"trigger,omitempty" yaml:"trigger,omitempty"`

	// Schedule — cron-выражение для Trigger = scheduled.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// BuildAction — параметры Build действия.
type BuildAction struct {
	// Project — имя build-проекта (для логов и метрик).
	Project string `json:"project,omitempty" yaml:"project,omitempty"`

	// Image — образ изолированного окружения сборки.
	Image string `json:"image" yaml:"image"`

	// Privileged — разрешает вложенный docker (docker build внутри сборки).
	Privileged bool `json:"privileged,omitempty" yaml:"privileged,omitempty"`

	// BuildSpec — inline buildspec (YAML). Если пусто, читается BuildSpecPath из source.
	BuildSpec string `json:"buildspec,omitempty" yaml:"buildspec,omitempty"`

	// BuildSpecPath — путь к buildspec внутри source артефакта (default: buildspec.yml).
	BuildSpecPath string `json:"buildspec_path,omitempty" yaml:"buildspec_path,omitempty"`

	// Environment — переменные окружения сборки (значения могут быть шаблонами).
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// ExecutionRole — роль, с которой выполняется сборка.
	ExecutionRole string `json:"execution_role,omitempty" yaml:"execution_role,omitempty"`

	// ContainerName — имя контейнера в image descriptor.
	ContainerName string `json:"container_name" yaml:"container_name"`

	// RegistryURI — registry для образа (шаблон, например "{{ .Resources.RegistryURI }}").
	RegistryURI string `json:"registry_uri" yaml:"registry_uri"`

	// ImageFile — имя файла descriptor (default: imagedefinitions.json).
	ImageFile string `json:"image_file,omitempty" yaml:"image_file,omitempty"`

	// TimeoutSec — таймаут сборки в секундах.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// ApprovalAction — параметры ManualApproval действия.
type ApprovalAction struct {
	// TimeoutSec — время ожидания решения. 0 = таймаут по умолчанию.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`

	// Approvers — кто может принимать решение. Пусто = любой аутентифицированный.
	Approvers []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`

	// Comment — сообщение для approver.
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// DeployAction — параметры Deploy действия.
type DeployAction struct {
	// ServiceID — целевой сервис "cluster/service" (может быть шаблоном).
	ServiceID string `json:"service_id" yaml:"service_id"`

	// ImageFile — путь к image descriptor внутри build артефакта.
	ImageFile string `json:"image_file,omitempty" yaml:"image_file,omitempty"`

	// HealthCheckTimeoutSec — окно ожидания healthy задач. 0 = значение по умолчанию.
	HealthCheckTimeoutSec int `json:"health_check_timeout_sec,omitempty" yaml:"health_check_timeout_sec,omitempty"`
}

// DefaultImageFile — имя image descriptor по умолчанию.
const DefaultImageFile = "imagedefinitions.json"

// ImageFileOrDefault возвращает имя descriptor файла Build действия.
func (b *BuildAction) ImageFileOrDefault() string {
	if b.ImageFile == "" {
		return DefaultImageFile
	}
	return b.ImageFile
}

// ImageFileOrDefault возвращает путь к descriptor для Deploy действия.
func (d *DeployAction) ImageFileOrDefault() string {
	if d.ImageFile == "" {
		return DefaultImageFile
	}
	return d.ImageFile
}
