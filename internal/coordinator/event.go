package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/forge"
	"github.com/bors-rs/bors/internal/logfields"
	"github.com/bors-rs/bors/internal/pr"
)

// Kind identifies the normalized shape of an Event, so the event loop's
// type switch has a single field to dispatch on instead of a type assertion
// per forge SDK type.
type Kind int

const (
	KindPullRequest Kind = iota
	KindIssueComment
	KindReview
	KindStatus
	KindCheckRun
	KindPush
	KindTimer
	KindSyncResult
)

func (k Kind) String() string {
	switch k {
	case KindPullRequest:
		return "pull_request"
	case KindIssueComment:
		return "issue_comment"
	case KindReview:
		return "pull_request_review"
	case KindStatus:
		return "status"
	case KindCheckRun:
		return "check_run"
	case KindPush:
		return "push"
	case KindTimer:
		return "timer"
	case KindSyncResult:
		return "sync_result"
	default:
		return "unknown"
	}
}

// Event is the normalized envelope the per-repository event loop consumes.
// It is a flat struct rather than a tagged union of payload types: only the
// fields relevant to Kind are populated, the rest are zero.
type Event struct {
	Kind       Kind
	DeliveryID string
	LogFields  []zap.Field

	// KindPullRequest
	Action   string // opened|edited|reopened|closed|synchronize|labeled|unlabeled|ready_for_review|converted_to_draft
	Snapshot pr.Snapshot
	Label    string
	Merged   bool

	// KindIssueComment
	PRNumber      int
	CommentAuthor string
	CommentBody   string

	// KindReview
	ReviewDecision pr.ReviewDecision

	// KindStatus / KindCheckRun
	CommitID  string
	CheckName string
	CIStatus  forge.CIStatus

	// KindPush
	Ref      string
	AfterSHA string

	// KindTimer
	AttemptID uint64
	Now       time.Time

	// KindSyncResult, posted by the sync loop's background goroutine back
	// onto the inbox so the reconciliation itself runs on the single
	// writer. SyncCheckSHA/SyncChecks carry the polled combined status of
	// the running land attempt's test commit, if there was one.
	SyncPage      *forge.Page
	SyncErr       error
	SyncStartedAt time.Time
	SyncCheckSHA  string
	SyncChecks    []forge.JobStatus
}

func newEvent(kind Kind, deliveryID string, fields ...zap.Field) Event {
	return Event{
		Kind:       kind,
		DeliveryID: deliveryID,
		LogFields:  append([]zap.Field{logfields.Event(kind.String())}, fields...),
	}
}

// NewPullRequestEvent builds a pull_request event from an already-decoded
// snapshot; the webhook layer is responsible for mapping the go-github
// payload to a pr.Snapshot.
func NewPullRequestEvent(deliveryID, action string, snap pr.Snapshot, label string, merged bool) Event {
	ev := newEvent(KindPullRequest, deliveryID, logfields.PullRequest(snap.Number))
	ev.Action = action
	ev.Snapshot = snap
	ev.Label = label
	ev.Merged = merged

	return ev
}

func NewIssueCommentEvent(deliveryID string, prNumber int, author, body string) Event {
	ev := newEvent(KindIssueComment, deliveryID, logfields.PullRequest(prNumber))
	ev.PRNumber = prNumber
	ev.CommentAuthor = author
	ev.CommentBody = body

	return ev
}

func NewReviewEvent(deliveryID string, prNumber int, decision pr.ReviewDecision) Event {
	ev := newEvent(KindReview, deliveryID, logfields.PullRequest(prNumber))
	ev.PRNumber = prNumber
	ev.ReviewDecision = decision

	return ev
}

func NewStatusEvent(deliveryID, commitID, checkName string, status forge.CIStatus) Event {
	ev := newEvent(KindStatus, deliveryID, logfields.Commit(commitID))
	ev.CommitID = commitID
	ev.CheckName = checkName
	ev.CIStatus = status

	return ev
}

func NewCheckRunEvent(deliveryID, commitID, checkName string, status forge.CIStatus) Event {
	ev := newEvent(KindCheckRun, deliveryID, logfields.Commit(commitID))
	ev.CommitID = commitID
	ev.CheckName = checkName
	ev.CIStatus = status

	return ev
}

func NewPushEvent(deliveryID, ref, afterSHA string) Event {
	ev := newEvent(KindPush, deliveryID, logfields.Branch(ref))
	ev.Ref = ref
	ev.AfterSHA = afterSHA

	return ev
}

func newTimerEvent(attemptID uint64, now time.Time) Event {
	ev := newEvent(KindTimer, "")
	ev.AttemptID = attemptID
	ev.Now = now

	return ev
}

func newSyncResultEvent(page *forge.Page, err error, startedAt time.Time, checkSHA string, checks []forge.JobStatus) Event {
	ev := newEvent(KindSyncResult, "")
	ev.SyncPage = page
	ev.SyncErr = err
	ev.SyncStartedAt = startedAt
	ev.SyncCheckSHA = checkSHA
	ev.SyncChecks = checks

	return ev
}
