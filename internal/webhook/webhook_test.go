package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bors-rs/bors/internal/coordinator"
)

const secret = "s3cr3t"

func signedRequest(t *testing.T, eventType, body string) *http.Request {
	t.Helper()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-Hub-Signature-256", sig)
	req.Header.Set("X-GitHub-Delivery", "11111111-1111-1111-1111-111111111111")
	req.Header.Set("Content-Type", "application/json")

	return req
}

const pullRequestOpenedPayload = `{
  "action": "opened",
  "number": 42,
  "repository": {"name": "widget", "owner": {"login": "acme"}},
  "pull_request": {
    "number": 42,
    "title": "add widget",
    "user": {"login": "alice"},
    "head": {"ref": "feature", "sha": "abc123", "repo": {"full_name": "alice/widget"}},
    "base": {"ref": "master", "sha": "def456", "repo": {"full_name": "acme/widget"}},
    "draft": false,
    "mergeable": true,
    "maintainer_can_modify": true
  }
}`

func TestHandlerRejectsBadSignature(t *testing.T) {
	h := New(secret, func(owner, name string) (chan<- coordinator.Event, bool) { return nil, false }, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodPost, "/github", strings.NewReader(pullRequestOpenedPayload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerRejectsMalformedJSON(t *testing.T) {
	h := New(secret, func(owner, name string) (chan<- coordinator.Event, bool) { return nil, false }, zaptest.NewLogger(t))

	req := signedRequest(t, "pull_request", `{not json`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDispatchesPullRequestOpened(t *testing.T) {
	inbox := make(chan coordinator.Event, 1)
	lookup := func(owner, name string) (chan<- coordinator.Event, bool) {
		if owner == "acme" && name == "widget" {
			return inbox, true
		}
		return nil, false
	}

	h := New(secret, lookup, zaptest.NewLogger(t))

	req := signedRequest(t, "pull_request", pullRequestOpenedPayload)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-inbox:
		assert.Equal(t, coordinator.KindPullRequest, ev.Kind)
		assert.Equal(t, "opened", ev.Action)
		assert.Equal(t, 42, ev.Snapshot.Number)
		assert.Equal(t, "feature", ev.Snapshot.Head.Branch)
	default:
		t.Fatal("expected event to be enqueued")
	}
}

const statusPayload = `{
  "state": "success",
  "sha": "abc123",
  "context": "ci/test",
  "repository": {"name": "widget", "owner": {"login": "acme"}}
}`

func TestHandlerDispatchesStatusWithCheckName(t *testing.T) {
	inbox := make(chan coordinator.Event, 1)
	lookup := func(owner, name string) (chan<- coordinator.Event, bool) {
		return inbox, true
	}

	h := New(secret, lookup, zaptest.NewLogger(t))

	req := signedRequest(t, "status", statusPayload)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-inbox:
		assert.Equal(t, coordinator.KindStatus, ev.Kind)
		assert.Equal(t, "abc123", ev.CommitID)
		assert.Equal(t, "ci/test", ev.CheckName)
	default:
		t.Fatal("expected event to be enqueued")
	}
}

func TestHandlerDropsUnconfiguredRepository(t *testing.T) {
	h := New(secret, func(owner, name string) (chan<- coordinator.Event, bool) { return nil, false }, zaptest.NewLogger(t))

	req := signedRequest(t, "pull_request", pullRequestOpenedPayload)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
