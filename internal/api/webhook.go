package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Заголовки GitHub webhook.
const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
)

// maxWebhookSize — максимальный размер тела webhook.
const maxWebhookSize = 5 << 20

// Webhook принимает GitHub push event для pipeline.
// POST /api/v1/pipelines/{id}/webhook
//
// Push в отслеживаемую ветку становится webhook trigger с ключом
// идемпотентности по ревизии: повторная доставка не создаёт второй execution.
// Остальные события подтверждаются с accepted = false.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid pipeline id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookSize))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	// 1. Подпись
	if !VerifySignature(h.webhookSecret, r.Header.Get(SignatureHeader), body) {
		Unauthorized(w, "invalid webhook signature")
		return
	}

	// 2. Тип события
	switch event := r.Header.Get(EventHeader); event {
	case "push":
	case "ping":
		Success(w, WebhookResponse{Reason: "pong"})
		return
	default:
		Success(w, WebhookResponse{Reason: fmt.Sprintf("event %q ignored", event)})
		return
	}

	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		BadRequest(w, "invalid push event")
		return
	}

	// 3. Соответствие Source action pipeline
	def, err := h.service.Pipeline(r.Context(), pipelineID)
	if HandleError(w, h.logger, err) {
		return
	}

	trigger, reason := pushTrigger(def, &ev)
	if reason != "" {
		h.logger.Debug("push event ignored", "pipeline_id", pipelineID, "ref", ev.Ref, "reason", reason)
		Success(w, WebhookResponse{Reason: reason})
		return
	}
	trigger.DeliveryID = r.Header.Get(DeliveryHeader)
	trigger.ReceivedAt = time.Now().UTC()

	// 4. Асинхронно через очередь или синхронный запуск
	if h.triggers != nil {
		if err := h.triggers.PublishTriggerReceived(r.Context(), pipelineID, trigger); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		Accepted(w, WebhookResponse{Accepted: true, DedupKey: trigger.DedupKey})
		return
	}

	id, err := h.service.Start(r.Context(), pipelineID, trigger)
	if HandleError(w, h.logger, err) {
		return
	}
	Created(w, WebhookResponse{Accepted: true, DedupKey: trigger.DedupKey, ExecutionID: &id})
}

// pushTrigger строит trigger из push event.
// Непустая reason означает, что событие не запускает pipeline.
func pushTrigger(def *domain.PipelineDefinition, ev *PushEvent) (domain.Trigger, string) {
	action := def.SourceAction()
	if action == nil || action.Source == nil {
		return domain.Trigger{}, "pipeline has no source action"
	}
	src := action.Source

	switch src.Trigger {
	case "", domain.TriggerWebhook:
	default:
		return domain.Trigger{}, fmt.Sprintf("pipeline is triggered by %s", src.Trigger)
	}

	branch, ok := strings.CutPrefix(ev.Ref, "refs/heads/")
	if !ok {
		return domain.Trigger{}, fmt.Sprintf("ref %s is not a branch", ev.Ref)
	}
	if ev.Deleted || ev.After == "" || strings.Trim(ev.After, "0") == "" {
		return domain.Trigger{}, "branch deleted"
	}

	owner := ev.Repository.Owner.Login
	if owner == "" {
		owner = ev.Repository.Owner.Name
	}
	if !strings.EqualFold(owner, src.Owner) || !strings.EqualFold(ev.Repository.Name, src.Repository) {
		return domain.Trigger{}, fmt.Sprintf("repository %s/%s is not tracked", owner, ev.Repository.Name)
	}
	if branch != src.Branch {
		return domain.Trigger{}, fmt.Sprintf("branch %s is not tracked", branch)
	}

	return domain.Trigger{
		Source:     domain.TriggerWebhook,
		Owner:      src.Owner,
		Repository: src.Repository,
		Branch:     branch,
		Revision:   ev.After,
		Actor:      ev.Pusher.Name,
		DedupKey:   domain.RevisionDedupKey(src.Owner, src.Repository, branch, ev.After),
	}, ""
}

// VerifySignature проверяет X-Hub-Signature-256 ("sha256=<hex hmac>").
// Пустой секрет отключает проверку.
func VerifySignature(secret []byte, header string, body []byte) bool {
	if len(secret) == 0 {
		return true
	}

	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign вычисляет значение X-Hub-Signature-256 для тела.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
