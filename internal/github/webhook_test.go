package github

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/pullis/internal/notifier"
	"github.com/user/pullis/internal/storage"
)

const testSecret = "test-webhook-secret"

type fakeNotifier struct {
	mu     sync.Mutex
	events []notifier.InboundEvent
}

func (f *fakeNotifier) Notify(_ context.Context, event notifier.InboundEvent) (notifier.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return notifier.Report{Event: event.QualifiedName()}, nil
}

// inlineSubmitter runs tasks synchronously, or refuses them when full is set.
type inlineSubmitter struct {
	full  bool
	names []string
}

func (s *inlineSubmitter) Submit(name string, task func(ctx context.Context) error) error {
	if s.full {
		return errors.New("queue full")
	}
	s.names = append(s.names, name)
	return task(context.Background())
}

type fakeUpserter struct {
	repos []storage.Repository
	err   error
}

func (f *fakeUpserter) UpsertByExternalID(_ context.Context, repo storage.Repository) (*storage.Repository, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.repos = append(f.repos, repo)
	repo.ID = "internal-id"
	return &repo, nil
}

type fakeDeliveries struct {
	seen      map[string]bool
	forgotten []string
}

func (f *fakeDeliveries) MarkDelivery(_ context.Context, deliveryID, _ string) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[deliveryID] {
		return false, nil
	}
	f.seen[deliveryID] = true
	return true, nil
}

func (f *fakeDeliveries) Forget(_ context.Context, deliveryID string) error {
	delete(f.seen, deliveryID)
	f.forgotten = append(f.forgotten, deliveryID)
	return nil
}

type webhookFixture struct {
	handler    *WebhookHandler
	notifier   *fakeNotifier
	tasks      *inlineSubmitter
	repos      *fakeUpserter
	deliveries *fakeDeliveries
}

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		notifier:   &fakeNotifier{},
		tasks:      &inlineSubmitter{},
		repos:      &fakeUpserter{},
		deliveries: &fakeDeliveries{},
	}
	f.handler = NewWebhookHandler(testSecret, f.notifier, f.tasks, f.repos, f.deliveries)
	return f
}

func computeSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(event, delivery string, payload []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/github/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", computeSignature(payload, testSecret))
	return req
}

func (f *webhookFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

const openedPayload = `{
	"action": "opened",
	"number": 7,
	"pull_request": {
		"number": 7,
		"title": "Add widgets",
		"html_url": "https://github.com/acme/widgets/pull/7",
		"body": "Adds the widget factory",
		"merged": false,
		"additions": 10,
		"deletions": 3,
		"changed_files": 2
	},
	"repository": {"id": 42, "name": "widgets", "full_name": "acme/widgets"},
	"sender": {"login": "alice"}
}`

func TestWebhookMethodNotAllowed(t *testing.T) {
	f := newWebhookFixture()
	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/github/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhookInvalidSignature(t *testing.T) {
	f := newWebhookFixture()
	req := signedRequest("pull_request", "d-1", []byte(openedPayload))
	req.Header.Set("X-Hub-Signature-256", "sha256=invalid")

	w := f.serve(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.notifier.events)
}

func TestWebhookMissingSignature(t *testing.T) {
	f := newWebhookFixture()
	req := signedRequest("pull_request", "d-1", []byte(openedPayload))
	req.Header.Del("X-Hub-Signature-256")

	assert.Equal(t, http.StatusUnauthorized, f.serve(req).Code)
}

func TestWebhookPullRequestQueued(t *testing.T) {
	f := newWebhookFixture()

	w := f.serve(signedRequest("pull_request", "d-1", []byte(openedPayload)))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"queued"}`, w.Body.String())

	require.Len(t, f.notifier.events, 1)
	ev := f.notifier.events[0]
	assert.Equal(t, "pull_request.opened", ev.QualifiedName())
	assert.EqualValues(t, 42, ev.RepositoryExternalID)
	assert.Equal(t, "alice", ev.ActorUsername)
	assert.Equal(t, "d-1", ev.DeliveryID)
	assert.Equal(t, 7, ev.Payload.Number)
	require.NotNil(t, ev.Payload.Additions)
	assert.Equal(t, 10, *ev.Payload.Additions)
	assert.Equal(t, []string{"notify pull_request.opened"}, f.tasks.names)

	require.Len(t, f.repos.repos, 1, "first sight records the repository")
	assert.Equal(t, "acme/widgets", f.repos.repos[0].FullName)
}

func TestWebhookPullRequestNotifiesWhenRecordingFails(t *testing.T) {
	f := newWebhookFixture()
	f.repos.err = errors.New("database is locked")

	assert.Equal(t, http.StatusAccepted, f.serve(signedRequest("pull_request", "d-1", []byte(openedPayload))).Code)
	assert.Len(t, f.notifier.events, 1)
}

func TestWebhookMergedAndGhostSender(t *testing.T) {
	f := newWebhookFixture()
	payload := []byte(`{
		"action": "closed",
		"pull_request": {"number": 8, "title": "Ship it", "merged": true},
		"repository": {"id": 42, "full_name": "acme/widgets"}
	}`)

	require.Equal(t, http.StatusAccepted, f.serve(signedRequest("pull_request", "d-11", payload)).Code)
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "pull_request.merged", f.notifier.events[0].QualifiedName())
	assert.Equal(t, "ghost", f.notifier.events[0].ActorUsername)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	f := newWebhookFixture()

	require.Equal(t, http.StatusAccepted, f.serve(signedRequest("pull_request", "d-1", []byte(openedPayload))).Code)
	w := f.serve(signedRequest("pull_request", "d-1", []byte(openedPayload)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.notifier.events, 1)
}

func TestWebhookQueueFull(t *testing.T) {
	f := newWebhookFixture()
	f.tasks.full = true

	w := f.serve(signedRequest("pull_request", "d-1", []byte(openedPayload)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, []string{"d-1"}, f.deliveries.forgotten, "a refused delivery may be retried")
	assert.Empty(t, f.notifier.events)
}

func TestWebhookMalformedPullRequest(t *testing.T) {
	f := newWebhookFixture()
	payload := []byte(`{"action":"opened","pull_request":{"number":1},"repository":{"id":0}}`)

	w := f.serve(signedRequest("pull_request", "d-2", payload))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.notifier.events)
}

func TestWebhookUnparseablePayload(t *testing.T) {
	f := newWebhookFixture()
	w := f.serve(signedRequest("pull_request", "d-3", []byte(`{not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookPingAndIgnoredEvents(t *testing.T) {
	f := newWebhookFixture()

	w := f.serve(signedRequest("ping", "d-4", []byte(`{"zen":"Keep it logically awesome.","hook_id":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.serve(signedRequest("issues", "d-5", []byte(`{"action":"opened","issue":{"number":1}}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, w.Body.String())
	assert.Empty(t, f.notifier.events)
}

func TestWebhookInstallationRecordsRepositories(t *testing.T) {
	f := newWebhookFixture()
	payload := []byte(`{
		"action": "created",
		"installation": {"id": 9, "account": {"id": 500, "login": "acme", "type": "Organization"}},
		"repositories": [
			{"id": 42, "name": "widgets", "full_name": "acme/widgets", "private": true},
			{"id": 43, "name": "gadgets", "full_name": "acme/gadgets"}
		],
		"sender": {"login": "alice"}
	}`)

	w := f.serve(signedRequest("installation", "d-6", payload))
	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.repos.repos, 2)
	assert.Equal(t, storage.Repository{
		GitHubID:  42,
		Name:      "widgets",
		FullName:  "acme/widgets",
		Private:   true,
		OwnerID:   "500",
		OwnerType: storage.OwnerTypeOrganization,
	}, f.repos.repos[0])
	assert.Equal(t, "acme/gadgets", f.repos.repos[1].FullName)
}

func TestWebhookInstallationDeletedKeepsRecords(t *testing.T) {
	f := newWebhookFixture()
	payload := []byte(`{
		"action": "deleted",
		"installation": {"id": 9, "account": {"id": 500, "login": "acme", "type": "Organization"}},
		"repositories": [{"id": 42, "name": "widgets", "full_name": "acme/widgets"}]
	}`)

	assert.Equal(t, http.StatusOK, f.serve(signedRequest("installation", "d-7", payload)).Code)
	assert.Empty(t, f.repos.repos)
}

func TestWebhookInstallationRepositoriesAdded(t *testing.T) {
	f := newWebhookFixture()
	payload := []byte(`{
		"action": "added",
		"installation": {"id": 9, "account": {"id": 77, "login": "bob", "type": "User"}},
		"repositories_added": [{"id": 44, "name": "dotfiles", "full_name": "bob/dotfiles"}],
		"repositories_removed": [{"id": 45, "name": "old", "full_name": "bob/old"}]
	}`)

	assert.Equal(t, http.StatusOK, f.serve(signedRequest("installation_repositories", "d-8", payload)).Code)
	require.Len(t, f.repos.repos, 1)
	assert.Equal(t, "bob/dotfiles", f.repos.repos[0].FullName)
	assert.Equal(t, storage.OwnerTypeUser, f.repos.repos[0].OwnerType)
	assert.Equal(t, "77", f.repos.repos[0].OwnerID)
}

func TestWebhookRepositoryRenamed(t *testing.T) {
	f := newWebhookFixture()
	payload := []byte(`{
		"action": "renamed",
		"repository": {"id": 42, "name": "gizmos", "full_name": "acme/gizmos",
			"owner": {"id": 500, "login": "acme", "type": "Organization"}}
	}`)

	assert.Equal(t, http.StatusOK, f.serve(signedRequest("repository", "d-9", payload)).Code)
	require.Len(t, f.repos.repos, 1)
	assert.Equal(t, "acme/gizmos", f.repos.repos[0].FullName)
	assert.EqualValues(t, 42, f.repos.repos[0].GitHubID)
}

func TestWebhookRepositoryStoreFailure(t *testing.T) {
	f := newWebhookFixture()
	f.repos.err = errors.New("disk full")
	payload := []byte(`{
		"action": "publicized",
		"repository": {"id": 42, "name": "widgets", "full_name": "acme/widgets",
			"owner": {"id": 500, "login": "acme", "type": "Organization"}}
	}`)

	assert.Equal(t, http.StatusInternalServerError, f.serve(signedRequest("repository", "d-10", payload)).Code)
	assert.Equal(t, []string{"d-10"}, f.deliveries.forgotten)

	// GitHub redelivers with the same id once the store recovers
	f.repos.err = nil
	w := f.serve(signedRequest("repository", "d-10", payload))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "duplicate")
	require.Len(t, f.repos.repos, 1)
	assert.Equal(t, "acme/widgets", f.repos.repos[0].FullName)
}

func TestWebhookInstallationStoreFailureIsRedeliverable(t *testing.T) {
	f := newWebhookFixture()
	f.repos.err = errors.New("disk full")
	payload := []byte(`{
		"action": "added",
		"installation": {"id": 9, "account": {"id": 77, "login": "bob", "type": "User"}},
		"repositories_added": [{"id": 44, "name": "dotfiles", "full_name": "bob/dotfiles"}]
	}`)

	assert.Equal(t, http.StatusInternalServerError, f.serve(signedRequest("installation_repositories", "d-11", payload)).Code)

	f.repos.err = nil
	assert.Equal(t, http.StatusOK, f.serve(signedRequest("installation_repositories", "d-11", payload)).Code)
	require.Len(t, f.repos.repos, 1)
	assert.Equal(t, "bob/dotfiles", f.repos.repos[0].FullName)
}
