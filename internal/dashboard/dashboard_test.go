package dashboard

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/bors-rs/bors/internal/coordinator"
)

type fakeSource struct {
	status *coordinator.Status
}

func (f *fakeSource) Status() *coordinator.Status { return f.status }

func TestHandlerListsQueueAndAttempts(t *testing.T) {
	src := &fakeSource{status: &coordinator.Status{
		Owner: "acme",
		Name:  "widget",
		Queue: []coordinator.QueueEntryStatus{
			{Number: 11, Priority: "high", EnqueuedAt: time.Now()},
		},
	}}

	h := New([]Source{src}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "acme/widget")
	assert.Contains(t, body, "#11")
	assert.Contains(t, body, "land: idle")
	assert.Contains(t, body, "canary slot: free")
}

func TestHandlerShowsActiveAttempt(t *testing.T) {
	src := &fakeSource{status: &coordinator.Status{
		Owner: "acme",
		Name:  "widget",
		Land: &coordinator.AttemptStatus{
			Number:       7,
			State:        "running",
			TestCommitID: "abc123",
			StartedAt:    time.Now().Add(-time.Minute),
		},
		CanaryOccupied: true,
		CanaryNumber:   9,
	}}

	h := New([]Source{src}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "land: #7 state=running commit=abc123")
	assert.Contains(t, body, "canary slot: #9")
	assert.Contains(t, body, "queue: empty")
}

func TestHandlerWithNoRepositories(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no repositories configured")
}
