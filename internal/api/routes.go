package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	public := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)
	authed := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		Authenticate(h.auth, h.logger),
	)

	// Pipelines
	mux.Handle("GET /api/v1/pipelines", authed(http.HandlerFunc(h.ListPipelines)))
	mux.Handle("POST /api/v1/pipelines", authed(http.HandlerFunc(h.SavePipeline)))
	mux.Handle("GET /api/v1/pipelines/{id}", authed(http.HandlerFunc(h.GetPipeline)))
	mux.Handle("GET /api/v1/pipelines/{id}/versions/{version}", authed(http.HandlerFunc(h.GetPipelineVersion)))

	// Executions
	mux.Handle("POST /api/v1/pipelines/{id}/executions", authed(http.HandlerFunc(h.StartExecution)))
	mux.Handle("GET /api/v1/pipelines/{id}/executions", authed(http.HandlerFunc(h.ListPipelineExecutions)))
	mux.Handle("GET /api/v1/executions", authed(http.HandlerFunc(h.ListExecutions)))
	mux.Handle("GET /api/v1/executions/{id}", authed(http.HandlerFunc(h.GetExecution)))
	mux.Handle("POST /api/v1/executions/{id}/cancel", authed(http.HandlerFunc(h.CancelExecution)))

	// Approvals
	mux.Handle("POST /api/v1/executions/{id}/approvals", authed(http.HandlerFunc(h.DecideApproval)))
	mux.Handle("GET /api/v1/approvals", authed(http.HandlerFunc(h.ListApprovals)))

	// Webhook (подпись HMAC вместо identity)
	mux.Handle("POST /api/v1/pipelines/{id}/webhook", public(http.HandlerFunc(h.Webhook)))
}
