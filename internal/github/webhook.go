package github

import (
	"context"
	"errors"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"github.com/user/pullis/internal/notifier"
	"github.com/user/pullis/internal/storage"
	"github.com/user/pullis/pkg/logger"
)

// GitHub caps webhook payloads at 25 MB.
const maxPayloadSize = 25 << 20

// EventNotifier runs the notification pipeline for one event.
type EventNotifier interface {
	Notify(ctx context.Context, event notifier.InboundEvent) (notifier.Report, error)
}

// TaskSubmitter schedules background work.
type TaskSubmitter interface {
	Submit(name string, task func(ctx context.Context) error) error
}

// RepositoryUpserter records repositories seen in webhooks.
type RepositoryUpserter interface {
	UpsertByExternalID(ctx context.Context, repo storage.Repository) (*storage.Repository, error)
}

// DeliveryMarker deduplicates webhook deliveries.
type DeliveryMarker interface {
	MarkDelivery(ctx context.Context, deliveryID, event string) (bool, error)
	Forget(ctx context.Context, deliveryID string) error
}

// WebhookHandler handles incoming GitHub webhooks.
type WebhookHandler struct {
	secret     []byte
	notifier   EventNotifier
	tasks      TaskSubmitter
	repos      RepositoryUpserter
	deliveries DeliveryMarker
}

// NewWebhookHandler creates a new webhook handler. deliveries may be nil to
// disable redelivery detection.
func NewWebhookHandler(secret string, n EventNotifier, tasks TaskSubmitter, repos RepositoryUpserter, deliveries DeliveryMarker) *WebhookHandler {
	return &WebhookHandler{
		secret:     []byte(secret),
		notifier:   n,
		tasks:      tasks,
		repos:      repos,
		deliveries: deliveries,
	}
}

// ServeHTTP handles incoming webhook requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	payload, err := gh.ValidatePayload(r, h.secret)
	if err != nil {
		logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Invalid webhook signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := gh.WebHookType(r)
	deliveryID := gh.DeliveryID(r)
	if eventType == "" {
		http.Error(w, "Missing event type", http.StatusBadRequest)
		return
	}

	event, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to parse event")
		http.Error(w, "Failed to parse event", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if h.deliveries != nil && deliveryID != "" {
		fresh, err := h.deliveries.MarkDelivery(ctx, deliveryID, eventType)
		if err != nil {
			logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Failed to record delivery")
		} else if !fresh {
			logger.Debug().Str("delivery_id", deliveryID).Msg("Delivery already processed, skipping")
			writeStatus(w, http.StatusOK, "duplicate")
			return
		}
	}

	switch e := event.(type) {
	case *gh.PullRequestEvent:
		h.handlePullRequest(w, e, deliveryID)
	case *gh.InstallationEvent:
		h.handleInstallation(w, r, e, deliveryID)
	case *gh.InstallationRepositoriesEvent:
		h.handleInstallationRepositories(w, r, e, deliveryID)
	case *gh.RepositoryEvent:
		h.handleRepository(w, r, e, deliveryID)
	case *gh.PingEvent:
		logger.Info().Int64("hook_id", e.GetHookID()).Msg("Webhook ping received")
		writeStatus(w, http.StatusOK, "pong")
	default:
		logger.Debug().Str("event_type", eventType).Msg("Ignoring unsupported event type")
		writeStatus(w, http.StatusOK, "ignored")
	}
}

// handlePullRequest validates the event and queues the notification pipeline.
func (h *WebhookHandler) handlePullRequest(w http.ResponseWriter, e *gh.PullRequestEvent, deliveryID string) {
	event := inboundPullRequest(e, deliveryID)
	if err := event.Validate(); err != nil {
		logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Rejecting malformed event")
		h.forget(deliveryID)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Info().
		Str("event", event.QualifiedName()).
		Str("repo", e.GetRepo().GetFullName()).
		Int("pr", event.Payload.Number).
		Str("author", event.ActorUsername).
		Msg("Webhook event received")

	err := h.tasks.Submit("notify "+event.QualifiedName(), func(ctx context.Context) error {
		// first sight of a repository records it; failures are logged and matching proceeds
		h.upsertAll(ctx, []*gh.Repository{e.GetRepo()}, e.GetRepo().GetOwner())

		_, err := h.notifier.Notify(ctx, event)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Event queue unavailable, dropping event")
		h.forget(deliveryID)
		http.Error(w, "Event queue full", http.StatusServiceUnavailable)
		return
	}

	writeStatus(w, http.StatusAccepted, "queued")
}

// handleInstallation records the repositories granted to a new installation.
func (h *WebhookHandler) handleInstallation(w http.ResponseWriter, r *http.Request, e *gh.InstallationEvent, deliveryID string) {
	account := e.GetInstallation().GetAccount()
	logger.Info().
		Str("action", e.GetAction()).
		Int64("installation_id", e.GetInstallation().GetID()).
		Str("account", account.GetLogin()).
		Str("sender", e.GetSender().GetLogin()).
		Int("repositories", len(e.Repositories)).
		Msg("GitHub App installation event")

	switch e.GetAction() {
	case "created", "new_permissions_accepted", "unsuspend":
		if err := h.upsertAll(r.Context(), e.Repositories, account); err != nil {
			h.failStore(w, deliveryID)
			return
		}
	}
	writeStatus(w, http.StatusOK, "ok")
}

// handleInstallationRepositories records repositories added to an installation.
// Removed repositories keep their records.
func (h *WebhookHandler) handleInstallationRepositories(w http.ResponseWriter, r *http.Request, e *gh.InstallationRepositoriesEvent, deliveryID string) {
	account := e.GetInstallation().GetAccount()
	if err := h.upsertAll(r.Context(), e.RepositoriesAdded, account); err != nil {
		h.failStore(w, deliveryID)
		return
	}
	for _, repo := range e.RepositoriesRemoved {
		logger.Info().Str("repo", repo.GetFullName()).Msg("Repository removed from installation")
	}
	writeStatus(w, http.StatusOK, "ok")
}

// handleRepository keeps names and visibility of tracked repositories current.
func (h *WebhookHandler) handleRepository(w http.ResponseWriter, r *http.Request, e *gh.RepositoryEvent, deliveryID string) {
	switch e.GetAction() {
	case "renamed", "privatized", "publicized", "transferred", "edited":
		if err := h.upsertAll(r.Context(), []*gh.Repository{e.GetRepo()}, e.GetRepo().GetOwner()); err != nil {
			h.failStore(w, deliveryID)
			return
		}
	default:
		logger.Debug().Str("action", e.GetAction()).Str("repo", e.GetRepo().GetFullName()).Msg("Ignoring repository action")
	}
	writeStatus(w, http.StatusOK, "ok")
}

func (h *WebhookHandler) upsertAll(ctx context.Context, repos []*gh.Repository, owner *gh.User) error {
	var errs []error
	for _, repo := range repos {
		if repo.GetID() <= 0 {
			continue
		}
		saved, err := h.repos.UpsertByExternalID(ctx, repositoryRecord(repo, owner))
		if err != nil {
			logger.Error().Err(err).Str("repo", repo.GetFullName()).Msg("Failed to record repository")
			errs = append(errs, err)
			continue
		}
		logger.Debug().Str("repo", saved.FullName).Str("id", saved.ID).Msg("Repository recorded")
	}
	return errors.Join(errs...)
}

// failStore answers 500 and forgets the delivery so GitHub's redelivery is processed.
func (h *WebhookHandler) failStore(w http.ResponseWriter, deliveryID string) {
	h.forget(deliveryID)
	http.Error(w, "Failed to record repositories", http.StatusInternalServerError)
}

func (h *WebhookHandler) forget(deliveryID string) {
	if h.deliveries == nil || deliveryID == "" {
		return
	}
	if err := h.deliveries.Forget(context.Background(), deliveryID); err != nil {
		logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Failed to forget delivery")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, map[string]string{"status": status})
}
