package attempt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/forge"
	"github.com/bors-rs/bors/internal/gitrepo"
	"github.com/bors-rs/bors/internal/logfields"
	"github.com/bors-rs/bors/internal/pr"
	"github.com/bors-rs/bors/internal/retry"
)

// Config is the per-repository configuration the engine needs to drive an
// attempt.
type Config struct {
	Owner, Name     string
	BaseBranch      string
	Remote          string
	RequiredChecks  []string
	Timeout         time.Duration
	MergeRetryCount int
	RetryMaxElapsed time.Duration
}

// Outcome is returned by every engine transition that concludes an attempt,
// carrying what the coordinator needs to update the registry and decide on
// re-enqueueing.
type Outcome struct {
	Attempt *Attempt
	Comment string
	// Requeue is true when the PR should be re-enqueued at the same
	// priority with a fresh enqueued_at (stale_head, transient forge
	// failures).
	Requeue bool
}

// Engine drives one attempt at a time. The coordinator holds separate
// engines for land, canary and cherry-pick, since canary runs concurrently
// with land on its own staging branch.
type Engine struct {
	cfg     Config
	forge   forge.Forge
	git     gitrepo.Invoker
	retryer *retry.Retryer
	clock   forge.Clock
	logger  *zap.Logger

	nextID  uint64
	current *Attempt
}

func NewEngine(cfg Config, f forge.Forge, git gitrepo.Invoker, retryer *retry.Retryer, clock forge.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = forge.RealClock{}
	}

	return &Engine{
		cfg:     cfg,
		forge:   f,
		git:     git,
		retryer: retryer,
		clock:   clock,
		logger:  logger.Named("attempt_engine"),
	}
}

// Idle reports whether the engine's slot is free.
func (e *Engine) Idle() bool {
	return e.current == nil
}

// Current returns the in-flight attempt, or nil if idle.
func (e *Engine) Current() *Attempt {
	return e.current
}

const (
	stagingRefLand       = "auto"
	stagingRefCanary     = "canary"
	stagingRefCherryPick = "cherry-pick"
)

func (e *Engine) stagingRef(kind Kind) string {
	switch kind {
	case KindCanary:
		return stagingRefCanary
	case KindCherryPick:
		return stagingRefCherryPick
	default:
		return stagingRefLand
	}
}

// Start executes the Preparing phase synchronously: fetch, reset the
// staging branch, rebase or squash, push, open a check-run, and leave the
// attempt Running. A failure here (rebase conflict, forge error opening the
// check-run) concludes the attempt before it is ever Running.
func (e *Engine) Start(ctx context.Context, p *pr.PullRequest, kind Kind, squash bool, baseOverride string) (*Outcome, error) {
	if !e.Idle() {
		return nil, fmt.Errorf("attempt engine is not idle, attempt %s is in flight", e.current)
	}

	base := e.cfg.BaseBranch
	if baseOverride != "" {
		base = baseOverride
	}

	e.nextID++
	a := newAttempt(e.nextID, p.Number, kind, squash, e.cfg.RequiredChecks, e.clock.Now(), e.cfg.Timeout)
	if kind == KindCherryPick {
		a.CherryPickTarget = base
	}
	a.HeadRepo = p.Head.Repo
	a.HeadBranch = p.Head.Branch
	a.MaintainerCanModify = p.MaintainerCanModify
	a.IsFork = p.IsFork()

	logger := e.logger.With(p.LogFields...).With(logfields.AttemptKind(string(kind)))

	if err := e.git.Fetch(e.cfg.Remote, []string{base}); err != nil {
		return e.concludeForgeError(a, fmt.Errorf("fetching %s: %w", base, err)), nil
	}

	if err := e.git.FetchPull(e.cfg.Remote, p.Number); err != nil {
		return e.concludeForgeError(a, fmt.Errorf("fetching pull request head: %w", err)), nil
	}

	baseTip, err := e.git.HeadOf(base)
	if err != nil {
		return e.concludeForgeError(a, fmt.Errorf("resolving base tip: %w", err)), nil
	}
	a.BaseTipBefore = baseTip

	stagingRef := e.stagingRef(kind)
	if err := e.git.ResetHard(stagingRef, baseTip); err != nil {
		return e.concludeForgeError(a, fmt.Errorf("resetting %s: %w", stagingRef, err)), nil
	}

	var newSHA string
	if squash {
		newSHA, err = e.git.SquashOnto(baseTip, p.Head.SHA, p.Title, gitrepo.Signature{Name: p.Author})
	} else {
		newSHA, err = e.git.RebaseOnto(baseTip, p.Head.SHA)
	}
	if err != nil {
		if errors.Is(err, gitrepo.ErrConflict) {
			return e.conclude(a, FailReasonRebaseConflict, "", "conflict: rebase failed", false), nil
		}

		return e.concludeForgeError(a, fmt.Errorf("preparing test commit: %w", err)), nil
	}
	a.TestCommitID = newSHA

	if err := e.git.Push(e.cfg.Remote, stagingRef, newSHA, "", true); err != nil {
		return e.concludeForgeError(a, fmt.Errorf("pushing %s: %w", stagingRef, err)), nil
	}

	if err := e.retryer.Run(ctx, e.cfg.RetryMaxElapsed, 0, func(ctx context.Context) error {
		return e.forge.UpsertCheckRun(ctx, e.cfg.Owner, e.cfg.Name, newSHA, "bors", forge.CheckStatusInProgress, nil, "")
	}, a.logFields()); err != nil {
		return e.concludeForgeError(a, fmt.Errorf("opening check-run: %w", err)), nil
	}

	comment := fmt.Sprintf("testing commit %s on branch %s", newSHA, stagingRef)
	if err := e.forge.PostComment(ctx, e.cfg.Owner, e.cfg.Name, p.Number, comment); err != nil {
		logger.Warn("posting status comment failed, continuing anyway",
			logfields.Event("attempt_status_comment_failed"), zap.Error(err))
	}

	a.State = StateRunning
	e.current = a

	logger.Info("attempt started", logfields.Event("attempt_started"), logfields.Commit(newSHA))

	return nil, nil
}

func (a *Attempt) logFields() []zap.Field {
	return []zap.Field{
		logfields.PullRequest(a.Number),
		logfields.AttemptKind(string(a.Kind)),
	}
}

// HandleCheckUpdate applies a status/check_run event matched by commit id
// to the in-flight attempt. It returns an Outcome once the attempt reaches
// a terminal state, or nil while still pending. Events for commits other
// than the test commit, and for checks outside the required set, are
// ignored.
func (e *Engine) HandleCheckUpdate(ctx context.Context, commitID, checkName string, status forge.CIStatus) *Outcome {
	a := e.current
	if a == nil || a.State != StateRunning || a.TestCommitID != commitID {
		return nil
	}

	if !a.RelevantCheck(checkName) {
		return nil
	}

	switch status {
	case forge.CIStatusSuccess:
		delete(a.CheckNamesPending, checkName)
		a.CheckNamesPassed[checkName] = struct{}{}
	case forge.CIStatusFailure:
		delete(a.CheckNamesPending, checkName)
		a.CheckNamesFailed[checkName] = struct{}{}
	default:
		return nil
	}

	// First terminal state wins: a failure concludes immediately even if
	// other checks are still pending.
	if name, failed := a.HasFailedCheck(); failed {
		return e.conclude(a, FailReasonCheckFailed, name,
			fmt.Sprintf("build failed: check_failed(%s)", name), false)
	}

	if a.AllChecksSettled() {
		return e.finalize(ctx, a)
	}

	return nil
}

// HandleTimeout concludes the attempt if attemptID matches the in-flight
// attempt and now is past its deadline. Stale timer events, carrying the id
// of an earlier attempt, are ignored.
func (e *Engine) HandleTimeout(attemptID uint64, now time.Time) *Outcome {
	a := e.current
	if a == nil || a.ID != attemptID || a.State != StateRunning {
		return nil
	}

	if now.Before(a.TimeoutAt) {
		return nil
	}

	return e.conclude(a, FailReasonCheckTimeout, "", "build failed: check_timeout", false)
}

// HandleCancel stops waiting for checks and jumps to the concluding path.
func (e *Engine) HandleCancel() *Outcome {
	a := e.current
	if a == nil {
		return nil
	}

	return e.conclude(a, FailReasonCancelled, "", "cancelled", false)
}

// HandleBasePush forces stale_head when a push to the base branch advanced
// it past the tip the attempt's test commit was built on.
func (e *Engine) HandleBasePush(newBaseSHA string) *Outcome {
	a := e.current
	if a == nil || a.Kind != KindLand {
		return nil
	}
	if a.State != StateRunning && a.State != StateFinalizing {
		return nil
	}
	if newBaseSHA == a.BaseTipBefore {
		return nil
	}

	return e.conclude(a, FailReasonStaleHead, "", "stale base: re-queued", true)
}

// finalize re-verifies the base tip and fast-forwards the target branch to
// the test commit, first through the forge's ref-update endpoint and, if
// that fails, by pushing with a lease on the tip recorded at attempt start.
// Canary attempts conclude without merging anything.
func (e *Engine) finalize(ctx context.Context, a *Attempt) *Outcome {
	a.State = StateFinalizing

	if a.Kind == KindCanary {
		return e.conclude(a, "", "", "build succeeded", false)
	}

	target := e.cfg.BaseBranch
	if a.Kind == KindCherryPick {
		target = a.CherryPickTarget
	}

	if a.Kind == KindLand {
		currentTip, err := e.git.HeadOf(target)
		if err == nil && currentTip != a.BaseTipBefore {
			return e.conclude(a, FailReasonStaleHead, "", "stale base: re-queued", true)
		}

		e.updateForkHead(ctx, a)
	}

	err := e.retryer.Run(ctx, e.cfg.RetryMaxElapsed, uint(e.cfg.MergeRetryCount), func(ctx context.Context) error {
		return e.forge.UpdateRef(ctx, e.cfg.Owner, e.cfg.Name, target, a.TestCommitID, false)
	}, a.logFields())
	if err != nil {
		pushErr := e.git.Push(e.cfg.Remote, target, a.TestCommitID, a.BaseTipBefore, false)
		if pushErr == nil {
			return e.conclude(a, "", "", fmt.Sprintf("build succeeded: merging into %s", target), false)
		}

		if errors.Is(pushErr, gitrepo.ErrLeaseMismatch) {
			return e.conclude(a, FailReasonStaleHead, "", "stale base: re-queued", true)
		}

		return e.conclude(a, FailReasonForgeError, "",
			fmt.Sprintf("build failed: %s", err), true)
	}

	return e.conclude(a, "", "", fmt.Sprintf("build succeeded: merging into %s", target), false)
}

// updateForkHead pushes the rebased commit back onto a fork's head branch
// when the author granted maintainer write access, so the forge recognizes
// the PR as merged once the base branch advances to the same commit. A
// failure here downgrades to a log line; the merge into the base branch
// proceeds regardless.
func (e *Engine) updateForkHead(ctx context.Context, a *Attempt) {
	if !a.IsFork || !a.MaintainerCanModify {
		return
	}

	headOwner, headName, ok := splitRepo(a.HeadRepo)
	if !ok {
		return
	}

	if err := e.forge.UpdateRef(ctx, headOwner, headName, a.HeadBranch, a.TestCommitID, true); err != nil {
		e.logger.Info("updating fork head branch in place failed, merging into base only",
			logfields.Event("attempt_fork_update_failed"),
			logfields.PullRequest(a.Number), zap.Error(err))
	}
}

func splitRepo(fullName string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return "", "", false
	}

	return owner, name, true
}

// conclude updates the bors check-run and posts exactly one terminal
// comment per attempt, then releases the slot.
func (e *Engine) conclude(a *Attempt, reason FailReason, detail, comment string, requeue bool) *Outcome {
	if reason == "" {
		a.State = StateSucceeded
	} else {
		a.State = StateFailed
		a.FailReason = reason
		a.FailDetail = detail
	}

	conclusion := forge.CheckConclusionSuccess
	if reason != "" {
		conclusion = forge.CheckConclusionFailure
	}

	if a.TestCommitID != "" {
		_ = e.forge.UpsertCheckRun(context.Background(), e.cfg.Owner, e.cfg.Name, a.TestCommitID, "bors",
			forge.CheckStatusCompleted, &conclusion, comment)
	}

	_ = e.forge.PostComment(context.Background(), e.cfg.Owner, e.cfg.Name, a.Number, comment)

	e.logger.Info("attempt concluded",
		logfields.Event("attempt_concluded"),
		logfields.PullRequest(a.Number),
		logfields.Reason(string(reason)),
		zap.String("attempt.state", a.State.String()),
	)

	e.current = nil

	return &Outcome{Attempt: a, Comment: comment, Requeue: requeue}
}

func (e *Engine) concludeForgeError(a *Attempt, err error) *Outcome {
	e.logger.Error("attempt failed with a forge/git error",
		logfields.Event("attempt_forge_error"),
		logfields.PullRequest(a.Number),
		zap.Error(err),
	)

	return e.conclude(a, FailReasonForgeError, err.Error(), fmt.Sprintf("build failed: %s", err), true)
}
