// Package coordinator implements the per-repository event router, scheduler
// and sync loop: the single-writer worker that owns one repository's
// registry, queue and attempt engines.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/attempt"
	"github.com/bors-rs/bors/internal/command"
	"github.com/bors-rs/bors/internal/forge"
	"github.com/bors-rs/bors/internal/gitrepo"
	"github.com/bors-rs/bors/internal/logfields"
	"github.com/bors-rs/bors/internal/metrics"
	"github.com/bors-rs/bors/internal/pr"
	"github.com/bors-rs/bors/internal/queue"
	"github.com/bors-rs/bors/internal/retry"
)

// DefEventChannelBufferSize is the inbox's buffer size. Webhook deliveries
// buffer here while the worker is mid forge/git call; senders block when
// the buffer is full, they never drop.
const DefEventChannelBufferSize = 512

// Config is one repository's coordinator configuration, sourced from
// cfg.Repository.
type Config struct {
	Owner, Name string
	LocalPath   string
	Remote      string
	BaseBranch  string

	RequiredChecks     []string
	DefaultMergeMethod forge.MergeMethod

	AttemptTimeout  time.Duration
	MergeRetryCount int
	RetryMaxElapsed time.Duration
	SyncInterval    time.Duration

	// WriteUsers is the set of logins authorized to run commands; those
	// named in MaintainerOnlyCommands additionally require Maintainers.
	WriteUsers []string
	// Maintainers is the (usually smaller) subset allowed to run commands
	// named in MaintainerOnlyCommands.
	Maintainers            []string
	MaintainerOnlyCommands []string
}

func (c Config) attemptConfig() attempt.Config {
	return attempt.Config{
		Owner:           c.Owner,
		Name:            c.Name,
		BaseBranch:      c.BaseBranch,
		Remote:          c.Remote,
		RequiredChecks:  c.RequiredChecks,
		Timeout:         c.AttemptTimeout,
		MergeRetryCount: c.MergeRetryCount,
		RetryMaxElapsed: c.RetryMaxElapsed,
	}
}

// Coordinator drives a single repository: it owns the PR registry, the land
// queue, the canary slot and three attempt engines (land, canary,
// cherry-pick), all mutated exclusively from the goroutine running Run.
type Coordinator struct {
	cfg     Config
	forge   forge.Forge
	git     gitrepo.Invoker
	retryer *retry.Retryer
	logger  *zap.Logger
	metrics *metrics.Collector

	registry   *pr.Registry
	queue      *queue.Queue
	canarySlot *queue.CanarySlot

	land       *attempt.Engine
	canary     *attempt.Engine
	cherryPick *attempt.Engine

	auth        command.AuthChecker
	maintainers map[string]struct{}
	mtnOnly     map[command.Name]struct{}

	inbox chan Event

	// status is the dashboard's view, rebuilt after every processed event.
	// The dashboard goroutine only ever loads the pointer, so the worker
	// can keep mutating its own state lock-free.
	status atomic.Pointer[Status]

	timersMu sync.Mutex
	timers   map[*attempt.Engine]*time.Timer
}

func New(cfg Config, f forge.Forge, git gitrepo.Invoker, m *metrics.Collector, logger *zap.Logger) *Coordinator {
	logger = logger.Named("coordinator").With(
		logfields.RepositoryOwner(cfg.Owner), logfields.Repository(cfg.Name))

	retryer := retry.NewRetryer(logger)
	ac := cfg.attemptConfig()

	mtnOnly := make(map[command.Name]struct{}, len(cfg.MaintainerOnlyCommands))
	for _, name := range cfg.MaintainerOnlyCommands {
		mtnOnly[command.Name(name)] = struct{}{}
	}

	c := &Coordinator{
		cfg:         cfg,
		forge:       f,
		git:         git,
		retryer:     retryer,
		logger:      logger,
		metrics:     m,
		registry:    pr.NewRegistry(),
		queue:       queue.New(),
		canarySlot:  queue.NewCanarySlot(),
		land:        attempt.NewEngine(ac, f, git, retryer, nil, logger),
		canary:      attempt.NewEngine(ac, f, git, retryer, nil, logger),
		cherryPick:  attempt.NewEngine(ac, f, git, retryer, nil, logger),
		auth:        newStaticAuthChecker(cfg.WriteUsers),
		maintainers: toSet(cfg.Maintainers),
		mtnOnly:     mtnOnly,
		inbox:       make(chan Event, DefEventChannelBufferSize),
		timers:      map[*attempt.Engine]*time.Timer{},
	}
	c.publishStatus()

	return c
}

// Inbox returns the send side of the per-repository event channel; the
// webhook handler and timers post onto it.
func (c *Coordinator) Inbox() chan<- Event {
	return c.inbox
}

// Registry exposes the PR registry for tests that drive handle directly.
func (c *Coordinator) Registry() *pr.Registry { return c.registry }

// Queue exposes the land queue for tests that drive handle directly.
func (c *Coordinator) Queue() *queue.Queue { return c.queue }

// CanarySlot exposes the canary slot for tests that drive handle directly.
func (c *Coordinator) CanarySlot() *queue.CanarySlot { return c.canarySlot }

// Owner and Name expose the repository identity.
func (c *Coordinator) Owner() string { return c.cfg.Owner }
func (c *Coordinator) Name() string  { return c.cfg.Name }

// LandAttempt, CanaryAttempt and CherryPickAttempt expose the in-flight
// attempt (or nil, if idle) of each engine.
func (c *Coordinator) LandAttempt() *attempt.Attempt       { return c.land.Current() }
func (c *Coordinator) CanaryAttempt() *attempt.Attempt     { return c.canary.Current() }
func (c *Coordinator) CherryPickAttempt() *attempt.Attempt { return c.cherryPick.Current() }

// Run is the single-writer event loop: it processes inbox events and
// periodic sync ticks one at a time until the inbox is closed or ctx is
// cancelled. It blocks the caller; run it in its own goroutine per
// repository.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("coordinator started", logfields.Event("coordinator_started"))

	c.triggerSync(ctx)

	interval := c.cfg.SyncInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-c.inbox:
			if !open {
				c.retryer.Stop()
				c.logger.Info("coordinator terminated, inbox closed", logfields.Event("coordinator_terminated"))
				return
			}

			c.handleSafe(ctx, ev)

		case <-ticker.C:
			c.triggerSync(ctx)

		case <-ctx.Done():
			c.retryer.Stop()
			c.logger.Info("coordinator terminated, context cancelled", logfields.Event("coordinator_terminated"))
			return
		}
	}
}

// Stop closes the inbox, causing Run to return after draining what is
// already buffered.
func (c *Coordinator) Stop() {
	close(c.inbox)
}

// handleSafe contains an invariant violation to this repository: the event
// that tripped it is dropped, everything still buffered in the inbox is
// preserved, and a resync rebuilds the registry from the forge's ground
// truth.
func (c *Coordinator) handleSafe(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("invariant violation while handling event, resyncing",
				logfields.Event("coordinator_invariant_violation"),
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)

			c.triggerSync(ctx)
		}
	}()

	c.handle(ctx, ev)
}

func (c *Coordinator) handle(ctx context.Context, ev Event) {
	logger := c.logger.With(ev.LogFields...)
	logger.Debug("event received", logfields.Event("coordinator_event_received"))

	switch ev.Kind {
	case KindPullRequest:
		c.handlePullRequest(ctx, logger, ev)
	case KindIssueComment:
		c.handleIssueComment(ctx, logger, ev)
	case KindReview:
		c.handleReview(logger, ev)
	case KindStatus, KindCheckRun:
		c.handleCheckUpdate(ctx, logger, ev)
	case KindPush:
		c.handlePush(logger, ev)
	case KindTimer:
		c.handleTimer(ev)
	case KindSyncResult:
		c.handleSyncResult(ctx, logger, ev)
	default:
		logger.Warn("event with unknown kind ignored", logfields.Event("coordinator_event_unknown"))
	}

	c.schedule(ctx, logger)
	c.reportQueueMetrics()
	c.publishStatus()
}

// reportQueueMetrics overwrites the land-queue size gauge for every
// priority, including zero for a priority that currently has no entries, so
// a drained priority's gauge doesn't stick at its last nonzero value.
func (c *Coordinator) reportQueueMetrics() {
	counts := map[pr.Priority]int{pr.PriorityLow: 0, pr.PriorityNormal: 0, pr.PriorityHigh: 0}
	for _, e := range c.queue.AsSlice() {
		counts[e.Priority]++
	}

	for prio, n := range counts {
		c.metrics.SetQueueSize(c.cfg.Owner, c.cfg.Name, prio.String(), n)
	}
}

func (c *Coordinator) handlePullRequest(ctx context.Context, logger *zap.Logger, ev Event) {
	number := ev.Snapshot.Number

	switch ev.Action {
	case "opened", "edited", "reopened", "ready_for_review", "converted_to_draft":
		c.registry.Upsert(ev.Snapshot)

	case "synchronize":
		c.registry.Upsert(ev.Snapshot)
		c.cancelIfActive(logger, number)

	case "closed":
		c.cancelIfActive(logger, number)
		c.registry.Remove(number)
		_ = c.queue.Remove(number)

	case "labeled", "unlabeled":
		c.registry.Upsert(ev.Snapshot)
		c.registry.SetLabel(number, ev.Label, ev.Action == "labeled")

	default:
		logger.Debug("pull_request action ignored", zap.String("action", ev.Action))
	}
}

func (c *Coordinator) handleReview(logger *zap.Logger, ev Event) {
	p := c.registry.Get(ev.PRNumber)
	if p == nil {
		logger.Debug("review for unknown pull request ignored")
		return
	}

	p.ReviewDecision = ev.ReviewDecision

	if ev.ReviewDecision != pr.ReviewDecisionApproved && c.queue.Contains(p.Number) {
		_ = c.queue.Remove(p.Number)
		logger.Info("removed from queue, review decision regressed", logfields.Event("queue_removed_review_regressed"))
	}
}

func (c *Coordinator) handleIssueComment(ctx context.Context, logger *zap.Logger, ev Event) {
	p := c.registry.Get(ev.PRNumber)
	if p == nil {
		snap, err := c.forge.GetPull(ctx, c.cfg.Owner, c.cfg.Name, ev.PRNumber)
		if err != nil {
			logger.Warn("lazy fetch of unknown pull request failed", zap.Error(err))
			return
		}

		// The REST payload carries no aggregate review decision; fetch it
		// separately so a land command on a just-learned PR isn't rejected
		// for a stale approval state.
		if decision, err := c.forge.GetReviewDecision(ctx, c.cfg.Owner, c.cfg.Name, ev.PRNumber); err == nil {
			snap.ReviewDecision = decision
		}

		p = c.registry.Upsert(snap)
	}

	cmd, ok := command.Parse(ev.CommentBody)
	if !ok {
		return
	}
	cmd.Author = ev.CommentAuthor

	if _, restricted := c.mtnOnly[cmd.Name]; restricted {
		if _, isMaintainer := c.maintainers[cmd.Author]; !isMaintainer {
			c.postComment(ctx, logger, p.Number, "this command is restricted to maintainers")
			return
		}
	}

	res := command.Interpret(cmd, p, c.queue, c.canarySlot, c.auth, time.Now())
	if res.Comment != "" {
		c.postComment(ctx, logger, p.Number, res.Comment)
	}

	if !res.Applied {
		return
	}

	switch cmd.Name {
	case command.Cancel:
		c.cancelIfActive(logger, p.Number)
	case command.CherryPick:
		c.startCherryPick(ctx, logger, p, cmd.Target)
	}
}

func (c *Coordinator) handleCheckUpdate(ctx context.Context, logger *zap.Logger, ev Event) {
	for _, eng := range []*attempt.Engine{c.land, c.canary, c.cherryPick} {
		cur := eng.Current()
		if cur == nil || cur.TestCommitID != ev.CommitID {
			continue
		}

		outcome := eng.HandleCheckUpdate(ctx, ev.CommitID, ev.CheckName, ev.CIStatus)
		c.afterOutcome(logger, eng, outcome)

		return
	}

	logger.Debug("check update for unknown commit ignored")
}

func (c *Coordinator) handlePush(logger *zap.Logger, ev Event) {
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	if branch != c.cfg.BaseBranch {
		return
	}

	outcome := c.land.HandleBasePush(ev.AfterSHA)
	c.afterOutcome(logger, c.land, outcome)
}

func (c *Coordinator) handleTimer(ev Event) {
	for _, eng := range []*attempt.Engine{c.land, c.canary, c.cherryPick} {
		outcome := eng.HandleTimeout(ev.AttemptID, ev.Now)
		c.afterOutcome(c.logger, eng, outcome)
	}
}

func (c *Coordinator) handleSyncResult(ctx context.Context, logger *zap.Logger, ev Event) {
	if ev.SyncErr != nil {
		logger.Warn("sync failed", logfields.Event("sync_failed"), zap.Error(ev.SyncErr))
		return
	}

	known := c.registry.Numbers()
	seen := make(map[int]struct{}, len(ev.SyncPage.PullRequests))
	drift := 0

	for _, snap := range ev.SyncPage.PullRequests {
		seen[snap.Number] = struct{}{}

		if existing := c.registry.Get(snap.Number); existing != nil && existing.Head.SHA != snap.Head.SHA {
			c.cancelIfActive(logger, snap.Number)
			drift++
		}

		c.registry.Upsert(snap)
	}

	for number := range known {
		if _, ok := seen[number]; ok {
			continue
		}

		c.cancelIfActive(logger, number)
		c.registry.Remove(number)
		_ = c.queue.Remove(number)
		drift++
	}

	c.metrics.SyncObserved(c.cfg.Owner, c.cfg.Name, time.Since(ev.SyncStartedAt), drift)

	c.replayMissedChecks(ctx, logger, ev)

	logger.Info("sync completed", logfields.Event("sync_completed"), zap.Int("sync.pull_request_count", len(ev.SyncPage.PullRequests)))
}

// replayMissedChecks feeds the combined status the sync pass polled for the
// running land attempt's test commit back into the engine, so an attempt
// whose check webhook delivery was lost still concludes instead of waiting
// for its timeout.
func (c *Coordinator) replayMissedChecks(ctx context.Context, logger *zap.Logger, ev Event) {
	if ev.SyncCheckSHA == "" || len(ev.SyncChecks) == 0 {
		return
	}

	for _, job := range ev.SyncChecks {
		if job.Status == forge.CIStatusPending {
			continue
		}

		outcome := c.land.HandleCheckUpdate(ctx, ev.SyncCheckSHA, job.Name, job.Status)
		c.afterOutcome(logger, c.land, outcome)

		if outcome != nil {
			return
		}
	}
}

// schedule drains the queue while the land slot is free: a queue head that
// fails during Preparing (rebase conflict, forge error) concludes
// immediately, so the loop keeps popping until an attempt sticks or the
// queue empties. The canary slot similarly launches its occupant when its
// engine is idle.
func (c *Coordinator) schedule(ctx context.Context, logger *zap.Logger) {
	for c.land.Idle() && c.queue.Len() > 0 {
		entry := c.queue.Pop()

		p := c.registry.Get(entry.Number)
		if p == nil {
			logger.Debug("queued pull request vanished from the registry, skipping",
				logfields.PullRequest(entry.Number))
			continue
		}

		// A repository whose default merge method is squash collapses every
		// land attempt; the per-PR label only ever adds squashing on top.
		squash := entry.Squash || c.cfg.DefaultMergeMethod == forge.MergeMethodSquash

		c.startAttempt(ctx, logger, c.land, p, attempt.KindLand, squash, "")
	}

	if c.canary.Idle() {
		if number, ok := c.canarySlot.Number(); ok {
			p := c.registry.Get(number)
			if p == nil {
				c.canarySlot.Release()
				return
			}

			c.startAttempt(ctx, logger, c.canary, p, attempt.KindCanary, false, "")
		}
	}
}

func (c *Coordinator) startAttempt(ctx context.Context, logger *zap.Logger, eng *attempt.Engine, p *pr.PullRequest, kind attempt.Kind, squash bool, baseOverride string) {
	c.metrics.AttemptStarted(c.cfg.Owner, c.cfg.Name, string(kind))

	outcome, err := eng.Start(ctx, p, kind, squash, baseOverride)
	if err != nil {
		logger.Error("starting attempt failed",
			logfields.AttemptKind(string(kind)), zap.Error(err))
		return
	}

	if outcome != nil {
		c.afterOutcome(logger, eng, outcome)
		return
	}

	p.Attempt = &pr.AttemptRef{ID: eng.Current().ID, Kind: string(kind)}
	c.armTimer(eng)
}

func (c *Coordinator) startCherryPick(ctx context.Context, logger *zap.Logger, p *pr.PullRequest, target string) {
	if !c.cherryPick.Idle() {
		c.postComment(ctx, logger, p.Number, "cherry-pick slot is busy, try again later")
		return
	}

	c.startAttempt(ctx, logger, c.cherryPick, p, attempt.KindCherryPick, false, target)
}

// afterOutcome applies the side effects common to every concluded attempt:
// releasing the canary slot, clearing the attempt's timeout timer, and
// re-enqueueing land attempts whose failure was not the PR's fault
// (stale_head, transient forge errors).
func (c *Coordinator) afterOutcome(logger *zap.Logger, eng *attempt.Engine, outcome *attempt.Outcome) {
	if outcome == nil {
		return
	}

	c.clearTimer(eng)

	if eng == c.canary {
		c.canarySlot.Release()
	}

	if p := c.registry.Get(outcome.Attempt.Number); p != nil {
		p.Attempt = nil
	}

	c.metrics.AttemptConcluded(
		c.cfg.Owner, c.cfg.Name,
		string(outcome.Attempt.Kind),
		outcome.Attempt.State.String(),
		string(outcome.Attempt.FailReason),
		outcome.Attempt.Age(time.Now()),
	)

	if outcome.Requeue && outcome.Attempt.Kind == attempt.KindLand {
		if p := c.registry.Get(outcome.Attempt.Number); p != nil {
			c.queue.Enqueue(p.Number, p.Priority, time.Now(), outcome.Attempt.Squash)
		}
	}

	logger.Info("attempt outcome applied",
		logfields.Event("coordinator_attempt_outcome"),
		logfields.PullRequest(outcome.Attempt.Number),
		zap.String("attempt.state", outcome.Attempt.State.String()),
		zap.Bool("attempt.requeued", outcome.Requeue),
	)
}

func (c *Coordinator) cancelIfActive(logger *zap.Logger, number int) {
	for _, eng := range []*attempt.Engine{c.land, c.canary, c.cherryPick} {
		if cur := eng.Current(); cur != nil && cur.Number == number {
			outcome := eng.HandleCancel()
			c.afterOutcome(logger, eng, outcome)
		}
	}
}

// armTimer schedules the attempt's timeout as an inbox event, so it is
// serialized with every other event instead of firing concurrently.
func (c *Coordinator) armTimer(eng *attempt.Engine) {
	cur := eng.Current()
	if cur == nil {
		return
	}

	id := cur.ID
	deadline := cur.TimeoutAt

	timer := time.AfterFunc(time.Until(deadline), func() {
		c.inbox <- newTimerEvent(id, deadline)
	})

	c.timersMu.Lock()
	c.timers[eng] = timer
	c.timersMu.Unlock()
}

func (c *Coordinator) clearTimer(eng *attempt.Engine) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if t, ok := c.timers[eng]; ok {
		t.Stop()
		delete(c.timers, eng)
	}
}

func (c *Coordinator) postComment(ctx context.Context, logger *zap.Logger, number int, body string) {
	if err := c.forge.PostComment(ctx, c.cfg.Owner, c.cfg.Name, number, body); err != nil {
		logger.Warn("posting comment failed", logfields.Event("coordinator_comment_failed"), zap.Error(err))
	}
}

// triggerSync pages through the forge's open-PR list in the background and
// posts the result back onto the inbox, so the reconciliation itself still
// happens on the single writer. While a land attempt is running, the same
// pass also polls the combined status of its test commit; the attempt's
// test-commit id is captured here, on the worker goroutine, before the
// background goroutine starts.
func (c *Coordinator) triggerSync(ctx context.Context) {
	startedAt := time.Now()

	checkSHA := ""
	if cur := c.land.Current(); cur != nil && cur.State == attempt.StateRunning {
		checkSHA = cur.TestCommitID
	}

	go func() {
		var all []pr.Snapshot
		cursor := ""

		for {
			page, err := c.forge.ListOpenPulls(ctx, c.cfg.Owner, c.cfg.Name, cursor)
			if err != nil {
				c.postSyncResult(ctx, nil, err, startedAt, "", nil)
				return
			}

			all = append(all, page.PullRequests...)

			if !page.HasNextPage {
				break
			}
			cursor = page.NextCursor
		}

		var checks []forge.JobStatus
		if checkSHA != "" {
			var err error
			checks, err = c.forge.GetCombinedStatus(ctx, c.cfg.Owner, c.cfg.Name, checkSHA, c.cfg.RequiredChecks)
			if err != nil {
				c.logger.Debug("polling combined status failed",
					logfields.Event("sync_combined_status_failed"), zap.Error(err))
			}
		}

		c.postSyncResult(ctx, &forge.Page{PullRequests: all}, nil, startedAt, checkSHA, checks)
	}()
}

// postSyncResult blocks until the inbox accepts the result; it gives up only
// once ctx is cancelled, when the worker no longer reads the inbox.
func (c *Coordinator) postSyncResult(ctx context.Context, page *forge.Page, err error, startedAt time.Time, checkSHA string, checks []forge.JobStatus) {
	select {
	case c.inbox <- newSyncResultEvent(page, err, startedAt, checkSHA, checks):
	case <-ctx.Done():
	}
}
