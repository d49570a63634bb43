package attempt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/bors-rs/bors/internal/forge"
	fakeforge "github.com/bors-rs/bors/internal/forge/fake"
	"github.com/bors-rs/bors/internal/forge/mocks"
	fakegit "github.com/bors-rs/bors/internal/gitrepo/fake"
	"github.com/bors-rs/bors/internal/pr"
	"github.com/bors-rs/bors/internal/retry"
)

func newTestEngine(t *testing.T) (*Engine, *fakeforge.Forge, *fakegit.Invoker) {
	t.Helper()

	fg := fakeforge.New()
	git := fakegit.New()
	git.SeedRef("origin", "main", "base1")

	logger := zaptest.NewLogger(t)
	retryer := retry.NewRetryer(logger)
	t.Cleanup(retryer.Stop)

	cfg := Config{
		Owner:           "acme",
		Name:            "repo",
		BaseBranch:      "main",
		Remote:          "origin",
		RequiredChecks:  []string{"ci"},
		Timeout:         time.Hour,
		MergeRetryCount: 3,
		RetryMaxElapsed: time.Minute,
	}

	e := NewEngine(cfg, fg, git, retryer, nil, logger)

	return e, fg, git
}

func testPR(t *testing.T) *pr.PullRequest {
	t.Helper()

	p, err := pr.New(42, "feature", "head1", "", "main", "base1", "")
	require.NoError(t, err)
	p.ReviewDecision = pr.ReviewDecisionApproved
	p.Mergeable = pr.MergeableClean

	return p
}

func TestStartOpensCheckRunAndRunning(t *testing.T) {
	e, fg, git := newTestEngine(t)
	p := testPR(t)

	outcome, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)
	assert.Nil(t, outcome, "Preparing success must not conclude the attempt")

	require.NotNil(t, e.Current())
	assert.Equal(t, StateRunning, e.Current().State)
	assert.Len(t, fg.CheckRuns, 1)
	assert.Equal(t, forge.CheckStatusInProgress, fg.CheckRuns[0].Status)

	assert.NotEmpty(t, git.RefSHA("origin", "auto"))
}

func TestRebaseConflictFailsImmediately(t *testing.T) {
	e, fg, git := newTestEngine(t)
	p := testPR(t)

	git.ConflictOn[p.Head.SHA] = true

	outcome, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, FailReasonRebaseConflict, outcome.Attempt.FailReason)
	assert.False(t, outcome.Requeue)
	assert.True(t, e.Idle())
	assert.Contains(t, fg.Comments[len(fg.Comments)-1].Body, "conflict")
}

func TestSuccessfulRunFinalizesAndMerges(t *testing.T) {
	e, fg, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)

	testCommit := e.Current().TestCommitID

	outcome := e.HandleCheckUpdate(context.Background(), testCommit, "ci", forge.CIStatusSuccess)
	require.NotNil(t, outcome)
	assert.Equal(t, StateSucceeded, outcome.Attempt.State)
	assert.True(t, e.Idle())
	assert.Equal(t, testCommit, fg.RefSHA("acme", "repo", "main"), "base must be fast-forwarded to the tested commit")
	assert.Len(t, fg.Merges, 0, "the tested commit lands via a ref update, byte-identical to what CI saw")
}

func TestFinalizeFallsBackToLeasePush(t *testing.T) {
	e, fg, git := newTestEngine(t)
	p := testPR(t)

	fg.UpdateRefErr = errors.New("ref update unsupported")

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)
	testCommit := e.Current().TestCommitID

	outcome := e.HandleCheckUpdate(context.Background(), testCommit, "ci", forge.CIStatusSuccess)
	require.NotNil(t, outcome)
	assert.Equal(t, StateSucceeded, outcome.Attempt.State)
	assert.Equal(t, testCommit, git.RefSHA("origin", "main"), "the lease push must advance the base branch")
}

func TestFinalizeLeaseMismatchIsStaleHead(t *testing.T) {
	e, fg, git := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)
	testCommit := e.Current().TestCommitID

	// Another party advances the base on the remote mid-attempt; the local
	// ref still reads the old tip, so only the lease push notices.
	fg.UpdateRefErr = errors.New("ref update unsupported")
	git.SeedRef("origin", "main", "someone-elses-commit")

	outcome := e.HandleCheckUpdate(context.Background(), testCommit, "ci", forge.CIStatusSuccess)
	require.NotNil(t, outcome)
	assert.Equal(t, FailReasonStaleHead, outcome.Attempt.FailReason)
	assert.True(t, outcome.Requeue)
}

func TestNonRequiredCheckIsIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)
	testCommit := e.Current().TestCommitID

	outcome := e.HandleCheckUpdate(context.Background(), testCommit, "lint", forge.CIStatusFailure)
	assert.Nil(t, outcome, "a check outside the required set must not conclude the attempt")
	assert.Equal(t, StateRunning, e.Current().State)
}

func TestCherryPickFinalizesOntoTarget(t *testing.T) {
	e, fg, git := newTestEngine(t)
	p := testPR(t)

	git.SeedRef("origin", "release-1.2", "rel1")

	_, err := e.Start(context.Background(), p, KindCherryPick, false, "release-1.2")
	require.NoError(t, err)

	testCommit := e.Current().TestCommitID
	outcome := e.HandleCheckUpdate(context.Background(), testCommit, "ci", forge.CIStatusSuccess)
	require.NotNil(t, outcome)
	assert.Equal(t, StateSucceeded, outcome.Attempt.State)
	assert.False(t, outcome.Requeue, "cherry-pick attempts never enter the land queue")
	assert.Equal(t, testCommit, fg.RefSHA("acme", "repo", "release-1.2"))
}

func TestCanarySuccessDoesNotTouchBase(t *testing.T) {
	e, fg, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindCanary, false, "")
	require.NoError(t, err)

	testCommit := e.Current().TestCommitID
	outcome := e.HandleCheckUpdate(context.Background(), testCommit, "ci", forge.CIStatusSuccess)
	require.NotNil(t, outcome)
	assert.Equal(t, StateSucceeded, outcome.Attempt.State)
	assert.Empty(t, fg.RefSHA("acme", "repo", "main"), "canary must never advance the base branch")
}

func TestCheckFailureConcludesFailedWithoutRequeue(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)
	testCommit := e.Current().TestCommitID

	outcome := e.HandleCheckUpdate(context.Background(), testCommit, "ci", forge.CIStatusFailure)
	require.NotNil(t, outcome)
	assert.Equal(t, FailReasonCheckFailed, outcome.Attempt.FailReason)
	assert.False(t, outcome.Requeue)
}

func TestStaleHeadDuringRunningRequeues(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)

	outcome := e.HandleBasePush("some-other-sha")
	require.NotNil(t, outcome)
	assert.Equal(t, FailReasonStaleHead, outcome.Attempt.FailReason)
	assert.True(t, outcome.Requeue)
}

func TestUnmatchedCommitIDIsIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)

	outcome := e.HandleCheckUpdate(context.Background(), "unrelated-sha", "ci", forge.CIStatusFailure)
	assert.Nil(t, outcome)
	assert.Equal(t, StateRunning, e.Current().State)
}

func TestStaleTimerEventIsIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)

	outcome := e.HandleTimeout(e.Current().ID+1, time.Now().Add(10*time.Hour))
	assert.Nil(t, outcome)
}

func TestTimeoutIsMeasuredFromInjectedClock(t *testing.T) {
	fg := fakeforge.New()
	git := fakegit.New()
	git.SeedRef("origin", "main", "base1")

	logger := zaptest.NewLogger(t)
	retryer := retry.NewRetryer(logger)
	t.Cleanup(retryer.Stop)

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctrl := gomock.NewController(t)
	clock := mocks.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(start).AnyTimes()

	cfg := Config{
		Owner:           "acme",
		Name:            "repo",
		BaseBranch:      "main",
		Remote:          "origin",
		RequiredChecks:  []string{"ci"},
		Timeout:         time.Hour,
		RetryMaxElapsed: time.Minute,
	}
	e := NewEngine(cfg, fg, git, retryer, clock, logger)

	_, err := e.Start(context.Background(), testPR(t), KindLand, false, "")
	require.NoError(t, err)
	id := e.Current().ID

	assert.Nil(t, e.HandleTimeout(id, start.Add(30*time.Minute)), "before the deadline the timer event is a no-op")

	outcome := e.HandleTimeout(id, start.Add(2*time.Hour))
	require.NotNil(t, outcome)
	assert.Equal(t, FailReasonCheckTimeout, outcome.Attempt.FailReason)
}

func TestCancelConcludesImmediately(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := testPR(t)

	_, err := e.Start(context.Background(), p, KindLand, false, "")
	require.NoError(t, err)

	outcome := e.HandleCancel()
	require.NotNil(t, outcome)
	assert.Equal(t, FailReasonCancelled, outcome.Attempt.FailReason)
	assert.True(t, e.Idle())
}
