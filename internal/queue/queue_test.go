package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bors-rs/bors/internal/pr"
)

func TestEnqueueOrdersByPriorityThenTime(t *testing.T) {
	q := New()
	now := time.Now()

	q.Enqueue(6, pr.PriorityNormal, now, false)
	q.Enqueue(7, pr.PriorityHigh, now.Add(time.Second), false)

	head := q.Peek()
	require.NotNil(t, head)
	assert.Equal(t, 7, head.Number, "higher priority must dequeue first despite a later enqueued_at")
}

func TestEnqueueTiesBrokenByEnqueuedAtThenNumber(t *testing.T) {
	q := New()
	now := time.Now()

	q.Enqueue(11, pr.PriorityNormal, now, false)
	q.Enqueue(10, pr.PriorityNormal, now, false)

	assert.Equal(t, 10, q.Peek().Number, "equal priority and timestamp breaks ties by ascending PR number")
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := New()
	now := time.Now()

	added := q.Enqueue(1, pr.PriorityNormal, now, false)
	assert.True(t, added)

	added = q.Enqueue(1, pr.PriorityNormal, now.Add(time.Hour), false)
	assert.False(t, added, "re-enqueuing with the same priority is a no-op")
	assert.Equal(t, 1, q.Len())
	assert.True(t, now.Equal(q.Peek().EnqueuedAt), "enqueued_at must not change on a no-op re-enqueue")
}

func TestEnqueueUpdatesPriorityInPlace(t *testing.T) {
	q := New()
	now := time.Now()

	q.Enqueue(1, pr.PriorityNormal, now, false)
	added := q.Enqueue(1, pr.PriorityHigh, now, false)

	assert.False(t, added)
	assert.Equal(t, pr.PriorityHigh, q.byNumber[1].Priority)
}

func TestRemoveUnknownReturnsErrNotFound(t *testing.T) {
	q := New()
	err := q.Remove(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPopReturnsHeadAndAdvances(t *testing.T) {
	q := New()
	now := time.Now()

	q.Enqueue(1, pr.PriorityLow, now, false)
	q.Enqueue(2, pr.PriorityHigh, now, false)

	first := q.Pop()
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Number)
	assert.Equal(t, 1, q.Len())

	second := q.Pop()
	require.NotNil(t, second)
	assert.Equal(t, 1, second.Number)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Pop())
}

func TestPositionReflectsOrder(t *testing.T) {
	q := New()
	now := time.Now()

	q.Enqueue(1, pr.PriorityNormal, now, false)
	q.Enqueue(2, pr.PriorityHigh, now, false)
	q.Enqueue(3, pr.PriorityNormal, now.Add(time.Second), false)

	assert.Equal(t, 0, q.Position(2))
	assert.Equal(t, 1, q.Position(1))
	assert.Equal(t, 2, q.Position(3))
	assert.Equal(t, -1, q.Position(999))
}

func TestAsSliceReturnsDequeueOrderWithoutMutating(t *testing.T) {
	q := New()
	now := time.Now()

	q.Enqueue(1, pr.PriorityNormal, now, false)
	q.Enqueue(2, pr.PriorityHigh, now, false)
	q.Enqueue(3, pr.PriorityNormal, now.Add(time.Second), false)

	entries := q.AsSlice()
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[0].Number)
	assert.Equal(t, 1, entries[1].Number)
	assert.Equal(t, 3, entries[2].Number)

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 2, q.Pop().Number, "AsSlice must not disturb the heap")
	assert.Equal(t, 1, q.Pop().Number)
	assert.Equal(t, 3, q.Pop().Number)
}

func TestReprioritizeReheapifies(t *testing.T) {
	q := New()
	now := time.Now()

	q.Enqueue(1, pr.PriorityNormal, now, false)
	q.Enqueue(2, pr.PriorityNormal, now.Add(time.Second), false)

	err := q.Reprioritize(2, pr.PriorityHigh)
	require.NoError(t, err)

	assert.Equal(t, 2, q.Peek().Number)
}

func TestCanarySlotRejectsSecondOccupant(t *testing.T) {
	c := NewCanarySlot()

	require.NoError(t, c.Set(1))
	assert.False(t, c.Free())

	err := c.Set(2)
	assert.ErrorIs(t, err, ErrCanarySlotBusy)

	c.Release()
	assert.True(t, c.Free())
	assert.NoError(t, c.Set(2))
}
