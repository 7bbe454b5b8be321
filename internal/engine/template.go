package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Context — контекст для рендеринга шаблонов в параметрах action.
//
// Используется в Go templates для доступа к данным:
//   - {{ .Trigger.Revision }}
//   - {{ .Resources.RegistryURI }}
//   - {{ .Artifacts.SourceOutput.revision }}
//   - {{ .Execution.ID }}
type Context struct {
	// Trigger — событие, запустившее execution.
	Trigger domain.Trigger `json:"trigger"`

	// Resources — выходные идентификаторы Resource Declaration.
	Resources map[string]string `json:"resources"`

	// Artifacts — метаданные артефактов execution (name → key → value).
	Artifacts map[string]map[string]string `json:"artifacts"`

	// Execution — сведения о текущем execution.
	Execution ExecutionContext `json:"execution"`
}

// ExecutionContext — данные execution, доступные в шаблонах.
type ExecutionContext struct {
	ID           string `json:"id"`
	PipelineID   string `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name"`
	StageName    string `json:"stage_name"`
	ImageTag     string `json:"image_tag"`
}

// NewContext создаёт контекст рендеринга для текущей стадии execution.
func NewContext(exec *domain.Execution, resources map[string]string) *Context {
	if resources == nil {
		resources = make(map[string]string)
	}

	ctx := &Context{
		Trigger:   exec.Trigger,
		Resources: resources,
		Artifacts: exec.ArtifactMetadata(),
		Execution: ExecutionContext{
			ID:           exec.ID.String(),
			PipelineID:   exec.PipelineID.String(),
			PipelineName: exec.Definition.Name,
			ImageTag:     domain.DeriveImageTag(exec.Trigger.Revision),
		},
	}
	if stage := exec.CurrentStageDefinition(); stage != nil {
		ctx.Execution.StageName = stage.Name
	}
	return ctx
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// shortSHA — первые 7 символов ревизии
	"shortSHA": domain.DeriveImageTag,

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

// Render рендерит строковый шаблон с контекстом.
//
// Отсутствующий ключ в Resources или Artifacts является ошибкой:
// action не должен получить пустой идентификатор ресурса.
func Render(tmpl string, ctx *Context) (string, error) {
	// Проверяем, содержит ли строка шаблонные выражения
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// renderMap рендерит значения map[string]string.
func renderMap(m map[string]string, ctx *Context) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		rendered, err := Render(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// RenderAction возвращает копию action с отрендеренными шаблонными полями.
//
// Рендерятся: Source.Branch, Build.Environment, Build.RegistryURI,
// Build.Image, Deploy.ServiceID. Исходное определение не меняется.
func RenderAction(action domain.ActionDefinition, ctx *Context) (domain.ActionDefinition, error) {
	out := CopyAction(action)

	var err error
	switch out.Kind {
	case domain.ActionKindSource:
		if out.Source.Branch, err = Render(out.Source.Branch, ctx); err != nil {
			return out, fmt.Errorf("action %s: branch: %w", out.Name, err)
		}

	case domain.ActionKindBuild:
		if out.Build.Image, err = Render(out.Build.Image, ctx); err != nil {
			return out, fmt.Errorf("action %s: image: %w", out.Name, err)
		}
		if out.Build.RegistryURI, err = Render(out.Build.RegistryURI, ctx); err != nil {
			return out, fmt.Errorf("action %s: registry_uri: %w", out.Name, err)
		}
		if out.Build.Environment, err = renderMap(out.Build.Environment, ctx); err != nil {
			return out, fmt.Errorf("action %s: environment: %w", out.Name, err)
		}

	case domain.ActionKindManualApproval:
		if out.Approval.Comment, err = Render(out.Approval.Comment, ctx); err != nil {
			return out, fmt.Errorf("action %s: comment: %w", out.Name, err)
		}

	case domain.ActionKindDeploy:
		if out.Deploy.ServiceID, err = Render(out.Deploy.ServiceID, ctx); err != nil {
			return out, fmt.Errorf("action %s: service_id: %w", out.Name, err)
		}
	}

	return out, nil
}
