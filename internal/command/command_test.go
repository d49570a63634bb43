package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bors-rs/bors/internal/pr"
	"github.com/bors-rs/bors/internal/queue"
)

type fakeAuth struct {
	writers map[string]bool
}

func (f fakeAuth) HasWriteAccess(user string) bool { return f.writers[user] }

func approvedPR(t *testing.T) *pr.PullRequest {
	t.Helper()

	p, err := pr.New(1, "feature", "h1", "", "main", "b1", "")
	require.NoError(t, err)
	p.Author = "contributor"
	p.ReviewDecision = pr.ReviewDecisionApproved
	p.Mergeable = pr.MergeableClean

	return p
}

func TestLandEnqueuesApprovedPR(t *testing.T) {
	p := approvedPR(t)
	q := queue.New()
	auth := fakeAuth{writers: map[string]bool{"maintainer": true}}

	res := Interpret(Command{Name: Land, Author: "maintainer"}, p, q, queue.NewCanarySlot(), auth, time.Now())

	assert.True(t, res.Applied)
	assert.Equal(t, 1, q.Len())
	assert.Contains(t, res.Comment, "queued")
}

func TestLandRejectsUnapproved(t *testing.T) {
	p := approvedPR(t)
	p.ReviewDecision = pr.ReviewDecisionReviewRequired
	q := queue.New()
	auth := fakeAuth{writers: map[string]bool{"maintainer": true}}

	res := Interpret(Command{Name: Land, Author: "maintainer"}, p, q, queue.NewCanarySlot(), auth, time.Now())

	assert.False(t, res.Applied)
	assert.Equal(t, 0, q.Len())
}

func TestLandIsIdempotent(t *testing.T) {
	p := approvedPR(t)
	q := queue.New()
	auth := fakeAuth{writers: map[string]bool{"maintainer": true}}

	Interpret(Command{Name: Land, Author: "maintainer"}, p, q, queue.NewCanarySlot(), auth, time.Now())
	res := Interpret(Command{Name: Land, Author: "maintainer"}, p, q, queue.NewCanarySlot(), auth, time.Now().Add(time.Hour))

	assert.True(t, res.Applied)
	assert.Equal(t, 1, q.Len(), "re-landing must not duplicate the queue entry")
	assert.Contains(t, res.Comment, "already queued")
}

func TestUnauthorizedCommandProducesNoStateChange(t *testing.T) {
	p := approvedPR(t)
	q := queue.New()
	auth := fakeAuth{}

	res := Interpret(Command{Name: Land, Author: "rando"}, p, q, queue.NewCanarySlot(), auth, time.Now())

	assert.False(t, res.Applied)
	assert.Equal(t, 0, q.Len())
	assert.Contains(t, res.Comment, "not authorized")
}

func TestAuthorCanCancelOwnPR(t *testing.T) {
	p := approvedPR(t)
	q := queue.New()
	q.Enqueue(p.Number, p.Priority, time.Now(), false)
	auth := fakeAuth{}

	res := Interpret(Command{Name: Cancel, Author: p.Author}, p, q, queue.NewCanarySlot(), auth, time.Now())

	assert.True(t, res.Applied)
	assert.False(t, q.Contains(p.Number))
}

func TestAuthorCannotLandOwnPRWithoutWriteAccess(t *testing.T) {
	p := approvedPR(t)
	q := queue.New()
	auth := fakeAuth{}

	res := Interpret(Command{Name: Land, Author: p.Author}, p, q, queue.NewCanarySlot(), auth, time.Now())

	assert.False(t, res.Applied)
}

func TestCanaryRejectsWhenSlotBusy(t *testing.T) {
	p := approvedPR(t)
	slot := queue.NewCanarySlot()
	require.NoError(t, slot.Set(99))
	auth := fakeAuth{writers: map[string]bool{"maintainer": true}}

	res := Interpret(Command{Name: Canary, Author: "maintainer"}, p, queue.New(), slot, auth, time.Now())

	assert.False(t, res.Applied)
	assert.Contains(t, res.Comment, "busy")
}

func TestPriorityReprioritizesQueuedPR(t *testing.T) {
	p := approvedPR(t)
	q := queue.New()
	q.Enqueue(p.Number, pr.PriorityNormal, time.Now(), false)
	auth := fakeAuth{writers: map[string]bool{"maintainer": true}}

	res := Interpret(Command{Name: SetPriority, Author: "maintainer", Priority: pr.PriorityHigh}, p, q, queue.NewCanarySlot(), auth, time.Now())

	assert.True(t, res.Applied)
	assert.Equal(t, pr.PriorityHigh, p.Priority)
	assert.Equal(t, p.Number, q.Peek().Number)
}

func TestHelpAlwaysApplies(t *testing.T) {
	p := approvedPR(t)
	auth := fakeAuth{}

	res := Interpret(Command{Name: Help, Author: "anyone"}, p, queue.New(), queue.NewCanarySlot(), auth, time.Now())
	assert.True(t, res.Applied)
}
