// Package webhook implements the inbound HTTP surface: a single
// POST /github endpoint that verifies the shared-secret HMAC signature,
// parses the delivery, normalizes it into a coordinator.Event and enqueues
// it onto the owning repository's inbox.
package webhook

import (
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/coordinator"
	"github.com/bors-rs/bors/internal/forge"
	"github.com/bors-rs/bors/internal/logfields"
	"github.com/bors-rs/bors/internal/pr"
)

const loggerName = "webhook"

// Lookup resolves a repository named in a webhook payload to the inbox of
// the Coordinator that owns it. Repositories the process isn't configured
// for resolve ok=false and the delivery is acknowledged but dropped.
type Lookup func(owner, name string) (inbox chan<- coordinator.Event, ok bool)

// Handler is the http.Handler for POST /github.
type Handler struct {
	secret []byte
	lookup Lookup
	logger *zap.Logger
}

func New(secret string, lookup Lookup, logger *zap.Logger) *Handler {
	return &Handler{
		secret: []byte(secret),
		lookup: lookup,
		logger: logger.Named(loggerName),
	}
}

// ServeHTTP answers 401 on signature verification failure, 400 on
// malformed JSON, and 200 once the event has been enqueued (not once it has
// been processed).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deliveryID := github.DeliveryID(r)
	hookType := github.WebHookType(r)

	logger := h.logger.With(
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		logger.Info("webhook signature validation failed",
			logfields.Event("webhook_validation_failed"), zap.Error(err))
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	raw, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info("webhook payload parsing failed",
			logfields.Event("webhook_parse_failed"), zap.Error(err))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	owner, repo, ev, ok := normalize(deliveryID, raw)
	if !ok {
		logger.Debug("event type ignored", logfields.Event("webhook_event_ignored"))
		w.WriteHeader(http.StatusOK)
		return
	}

	inbox, ok := h.lookup(owner, repo)
	if !ok {
		logger.Debug("event for unconfigured repository dropped",
			logfields.Event("webhook_repository_unknown"),
			zap.String("github.repository_owner", owner),
			zap.String("github.repository", repo))
		w.WriteHeader(http.StatusOK)
		return
	}

	// Blocking send: deliveries buffer under load, they are never dropped.
	// The inbox channel is sized so this only blocks while a repository's
	// single worker is mid forge/git call.
	inbox <- ev

	logger.Debug("event enqueued", logfields.Event("webhook_event_enqueued"))
	w.WriteHeader(http.StatusOK)
}

// normalize maps a parsed go-github event to a coordinator.Event, returning
// ok=false for event types the coordinator does not act on.
func normalize(deliveryID string, raw any) (owner, repo string, ev coordinator.Event, ok bool) {
	switch e := raw.(type) {
	case *github.PullRequestEvent:
		owner, repo = e.GetRepo().GetOwner().GetLogin(), e.GetRepo().GetName()
		label := ""
		if e.GetLabel() != nil {
			label = e.GetLabel().GetName()
		}

		snap := forge.SnapshotFromGitHub(e.GetPullRequest())
		return owner, repo, coordinator.NewPullRequestEvent(deliveryID, e.GetAction(), snap, label, e.GetPullRequest().GetMerged()), true

	case *github.IssueCommentEvent:
		if e.GetIssue().GetPullRequestLinks() == nil || e.GetAction() != "created" {
			return "", "", coordinator.Event{}, false
		}

		owner, repo = e.GetRepo().GetOwner().GetLogin(), e.GetRepo().GetName()
		number := e.GetIssue().GetNumber()
		author := e.GetComment().GetUser().GetLogin()
		body := e.GetComment().GetBody()

		return owner, repo, coordinator.NewIssueCommentEvent(deliveryID, number, author, body), true

	case *github.PullRequestReviewEvent:
		if e.GetAction() != "submitted" && e.GetAction() != "dismissed" {
			return "", "", coordinator.Event{}, false
		}

		decision, ok := reviewStateToDecision(e.GetReview().GetState(), e.GetAction())
		if !ok {
			return "", "", coordinator.Event{}, false
		}

		owner, repo = e.GetRepo().GetOwner().GetLogin(), e.GetRepo().GetName()
		return owner, repo, coordinator.NewReviewEvent(deliveryID, e.GetPullRequest().GetNumber(), decision), true

	case *github.StatusEvent:
		owner, repo = e.GetRepo().GetOwner().GetLogin(), e.GetRepo().GetName()
		status := statusStateToCIStatus(e.GetState())
		return owner, repo, coordinator.NewStatusEvent(deliveryID, e.GetSHA(), e.GetContext(), status), true

	case *github.CheckRunEvent:
		owner, repo = e.GetRepo().GetOwner().GetLogin(), e.GetRepo().GetName()
		cr := e.GetCheckRun()
		status := checkRunStateToCIStatus(cr.GetStatus(), cr.GetConclusion())
		return owner, repo, coordinator.NewCheckRunEvent(deliveryID, cr.GetHeadSHA(), cr.GetName(), status), true

	case *github.CheckSuiteEvent:
		// check_suite aggregates the commit's check runs, which already
		// arrive individually as CheckRunEvent; the per-check names the
		// coordinator tracks aren't present on the suite payload, so there
		// is nothing to dispatch beyond what check_run already delivers.
		return "", "", coordinator.Event{}, false

	case *github.PushEvent:
		// PushEvent's repository is a distinct PushEventRepository type
		// whose nested owner shape has drifted across API versions; the
		// full_name field is stable and splits cleanly.
		owner, repo = splitFullName(e.GetRepo().GetFullName())
		return owner, repo, coordinator.NewPushEvent(deliveryID, e.GetRef(), e.GetAfter()), true

	default:
		return "", "", coordinator.Event{}, false
	}
}

func splitFullName(fullName string) (owner, repo string) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:]
		}
	}

	return "", fullName
}

func reviewStateToDecision(state, action string) (pr.ReviewDecision, bool) {
	if action == "dismissed" {
		return pr.ReviewDecisionReviewRequired, true
	}

	switch state {
	case "approved":
		return pr.ReviewDecisionApproved, true
	case "changes_requested":
		return pr.ReviewDecisionChangesRequested, true
	default:
		// "commented" reviews don't change the aggregate decision.
		return pr.ReviewDecisionReviewRequired, false
	}
}

func statusStateToCIStatus(state string) forge.CIStatus {
	switch state {
	case "success":
		return forge.CIStatusSuccess
	case "failure", "error":
		return forge.CIStatusFailure
	default:
		return forge.CIStatusPending
	}
}

func checkRunStateToCIStatus(status, conclusion string) forge.CIStatus {
	if status != "completed" {
		return forge.CIStatusPending
	}

	switch conclusion {
	case "success", "neutral", "skipped":
		return forge.CIStatusSuccess
	case "action_required", "stale":
		return forge.CIStatusPending
	default:
		return forge.CIStatusFailure
	}
}
