package pr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(number int) Snapshot {
	return Snapshot{
		Number: number,
		Title:  "title",
		Author: "octocat",
		Head:   Ref{Branch: "feature", SHA: "head1", Repo: "acme/repo"},
		Base:   Ref{Branch: "main", SHA: "base1", Repo: "acme/repo"},
	}
}

func TestRegistryUpsertInsertsNewPR(t *testing.T) {
	r := NewRegistry()

	p := r.Upsert(snap(1))
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Number)
	assert.Equal(t, PriorityNormal, p.Priority)

	got := r.Get(1)
	require.NotNil(t, got)
	assert.True(t, got.Equal(p))
}

func TestRegistryUpsertIsIdempotent(t *testing.T) {
	r := NewRegistry()

	first := r.Upsert(snap(1))
	second := r.Upsert(snap(1))

	assert.Same(t, first, second)
	assert.Len(t, r.List(), 1)
}

func TestRegistryUpsertDerivesPriorityFromLabels(t *testing.T) {
	r := NewRegistry()

	s := snap(1)
	s.Labels = []string{LabelHighPriority}
	p := r.Upsert(s)
	assert.Equal(t, PriorityHigh, p.Priority)

	s.Labels = nil
	p = r.Upsert(s)
	assert.Equal(t, PriorityNormal, p.Priority, "removing the label should reset priority to normal")
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Remove(999)
	assert.Nil(t, r.Get(999))
}

func TestRegistryGetUnknownReturnsNil(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get(1))
}

func TestRegistrySetLabelUpdatesPriority(t *testing.T) {
	r := NewRegistry()
	r.Upsert(snap(1))

	r.SetLabel(1, LabelLowPriority, true)
	assert.Equal(t, PriorityLow, r.Get(1).Priority)

	r.SetLabel(1, LabelLowPriority, false)
	assert.Equal(t, PriorityNormal, r.Get(1).Priority)
}

func TestRegistrySetPriorityOnUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.SetPriority(42, PriorityHigh)
	assert.Nil(t, r.Get(42))
}

func TestRegistryNumbersReflectsRemovals(t *testing.T) {
	r := NewRegistry()
	r.Upsert(snap(1))
	r.Upsert(snap(2))
	r.Remove(1)

	nums := r.Numbers()
	assert.Len(t, nums, 1)
	_, ok := nums[2]
	assert.True(t, ok)
}

func TestCanLandRequiresApprovedCleanNonDraft(t *testing.T) {
	p, err := New(1, "feature", "h1", "", "main", "b1", "")
	require.NoError(t, err)

	assert.False(t, p.CanLand(), "default state has no approval and unknown mergeability")

	p.ReviewDecision = ReviewDecisionApproved
	p.Mergeable = MergeableClean
	assert.True(t, p.CanLand())

	p.Draft = true
	assert.False(t, p.CanLand())
}

func TestCanCanaryIgnoresReviewDecision(t *testing.T) {
	p, err := New(1, "feature", "h1", "", "main", "b1", "")
	require.NoError(t, err)

	p.Mergeable = MergeableClean
	assert.True(t, p.CanCanary())
}
