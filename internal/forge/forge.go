// Package forge defines the capability interface the coordinator consumes
// to talk to the hosted code-review platform, plus a concrete
// implementation backed by the GitHub REST and GraphQL APIs.
package forge

import (
	"context"
	"time"

	"github.com/bors-rs/bors/internal/pr"
)

// MergeMethod selects how Forge.MergePull integrates a PR.
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// CheckStatus is the status half of a check-run update.
type CheckStatus string

const (
	CheckStatusQueued     CheckStatus = "queued"
	CheckStatusInProgress CheckStatus = "in_progress"
	CheckStatusCompleted  CheckStatus = "completed"
)

// CheckConclusion is the terminal conclusion of a completed check-run.
type CheckConclusion string

const (
	CheckConclusionSuccess CheckConclusion = "success"
	CheckConclusionFailure CheckConclusion = "failure"
	CheckConclusionNeutral CheckConclusion = "neutral"
)

// CIStatus abstracts the multiple result values of check runs and commit
// statuses into the single value the event router and attempt engine need.
type CIStatus string

const (
	CIStatusPending CIStatus = "pending"
	CIStatusSuccess CIStatus = "success"
	CIStatusFailure CIStatus = "failure"
)

// JobStatus is the rolled-up status of a single named check or commit
// status.
type JobStatus struct {
	Name     string
	Status   CIStatus
	Required bool
}

// Page is one page of PRs from ListOpenPulls, with a cursor for the next.
type Page struct {
	PullRequests []pr.Snapshot
	NextCursor   string
	HasNextPage  bool
}

// Forge is the capability interface the coordinator drives. Methods that
// can hit a transient condition (HTTP 5xx, rate limiting) return a
// *goorderr.RetryableError.
type Forge interface {
	ListOpenPulls(ctx context.Context, owner, repo, cursor string) (*Page, error)
	GetPull(ctx context.Context, owner, repo string, number int) (pr.Snapshot, error)
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
	SetLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	UpsertCheckRun(ctx context.Context, owner, repo, sha, name string, status CheckStatus, conclusion *CheckConclusion, output string) error
	MergePull(ctx context.Context, owner, repo string, number int, method MergeMethod, headSHA, commitMessage string) error
	UpdateRef(ctx context.Context, owner, repo, ref, sha string, force bool) error
	GetCombinedStatus(ctx context.Context, owner, repo, sha string, requiredChecks []string) ([]JobStatus, error)
	GetReviewDecision(ctx context.Context, owner, repo string, number int) (pr.ReviewDecision, error)
}

// Clock abstracts time.Now for attempt timeouts; production uses
// RealClock, tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
