package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/engine"
)

// maxDefinitionSize — максимальный размер документа определения.
const maxDefinitionSize = 1 << 20

// ListPipelines возвращает последние версии всех pipelines.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.service.Pipelines(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]PipelineSummary, len(pipelines))
	for i, p := range pipelines {
		result[i] = PipelineSummaryFromDomain(p)
	}

	List(w, result, len(result))
}

// SavePipeline создаёт pipeline или новую версию существующего (по имени).
// POST /api/v1/pipelines
//
// Тело — определение в JSON или YAML.
func (h *Handler) SavePipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			BadRequest(w, "definition too large")
			return
		}
		BadRequest(w, "invalid request body")
		return
	}

	def, err := engine.ParseDefinition(data)
	if HandleError(w, h.logger, err) {
		return
	}

	saved, err := h.service.SavePipeline(r.Context(), def, ActorFromContext(r.Context()))
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, PipelineFromDomain(*saved))
}

// GetPipeline возвращает последнюю версию pipeline.
// GET /api/v1/pipelines/{id}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid pipeline id")
		return
	}

	def, err := h.service.Pipeline(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, PipelineFromDomain(*def))
}

// GetPipelineVersion возвращает конкретную версию pipeline.
// GET /api/v1/pipelines/{id}/versions/{version}
func (h *Handler) GetPipelineVersion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid pipeline id")
		return
	}
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		BadRequest(w, "invalid version")
		return
	}

	def, err := h.service.PipelineVersion(r.Context(), id, version)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, PipelineFromDomain(*def))
}
