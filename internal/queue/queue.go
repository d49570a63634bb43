// Package queue implements the per-repository merge queue: a priority
// ordering of pull requests awaiting a land attempt, plus a single canary
// slot tracked independently.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bors-rs/bors/internal/pr"
)

// ErrNotFound is returned by Remove and Reprioritize for an unknown PR.
var ErrNotFound = errors.New("pull request not in queue")

// Entry references a queued PR plus its sequencing metadata. The registry
// remains the source of truth for the PR data itself.
type Entry struct {
	Number     int
	Priority   pr.Priority
	EnqueuedAt time.Time
	Squash     bool

	index int // maintained by container/heap
}

// Queue is a priority-ordered sequence of land entries, keyed as
// (priority desc, enqueued_at asc, number asc).
type Queue struct {
	h        entryHeap
	byNumber map[int]*Entry
}

func New() *Queue {
	return &Queue{byNumber: map[int]*Entry{}}
}

// Enqueue adds a new entry. If the PR is already queued, a changed priority
// updates the entry in place, refreshing enqueued_at; re-enqueuing with the
// same priority is a no-op.
func (q *Queue) Enqueue(number int, priority pr.Priority, enqueuedAt time.Time, squash bool) (added bool) {
	if e, ok := q.byNumber[number]; ok {
		if e.Priority == priority {
			return false
		}

		e.Priority = priority
		e.EnqueuedAt = enqueuedAt
		heap.Fix(&q.h, e.index)

		return false
	}

	e := &Entry{
		Number:     number,
		Priority:   priority,
		EnqueuedAt: enqueuedAt,
		Squash:     squash,
	}

	heap.Push(&q.h, e)
	q.byNumber[number] = e

	return true
}

// Remove deletes the entry for number, if present.
func (q *Queue) Remove(number int) error {
	e, ok := q.byNumber[number]
	if !ok {
		return fmt.Errorf("%d: %w", number, ErrNotFound)
	}

	heap.Remove(&q.h, e.index)
	delete(q.byNumber, number)

	return nil
}

// Peek returns the head entry without removing it, or nil if the queue is
// empty.
func (q *Queue) Peek() *Entry {
	if len(q.h) == 0 {
		return nil
	}

	return q.h[0]
}

// Pop removes and returns the head entry, or nil if the queue is empty.
func (q *Queue) Pop() *Entry {
	if len(q.h) == 0 {
		return nil
	}

	e := heap.Pop(&q.h).(*Entry)
	delete(q.byNumber, e.Number)

	return e
}

// Reprioritize updates the priority of an already-queued PR and
// re-heapifies.
func (q *Queue) Reprioritize(number int, priority pr.Priority) error {
	e, ok := q.byNumber[number]
	if !ok {
		return fmt.Errorf("%d: %w", number, ErrNotFound)
	}

	e.Priority = priority
	heap.Fix(&q.h, e.index)

	return nil
}

// Position returns the 0-based position of number in dequeue order, or -1
// if it is not queued. The heap's array order is not dequeue order, so the
// position is derived by comparing against every other entry.
func (q *Queue) Position(number int) int {
	e, ok := q.byNumber[number]
	if !ok {
		return -1
	}

	pos := 0
	for _, other := range q.h {
		if other != e && entryBefore(other, e) {
			pos++
		}
	}

	return pos
}

// Contains reports whether number currently has a queue entry.
func (q *Queue) Contains(number int) bool {
	_, ok := q.byNumber[number]
	return ok
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.h)
}

// AsSlice returns copies of the entries in dequeue order, leaving the heap
// untouched.
func (q *Queue) AsSlice() []*Entry {
	out := make([]*Entry, 0, len(q.h))
	for _, e := range q.h {
		cp := *e
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return entryBefore(out[i], out[j])
	})

	return out
}

// entryBefore is the queue's ordering relation:
// (priority desc, enqueued_at asc, number asc).
func entryBefore(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}

	return a.Number < b.Number
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return entryBefore(h[i], h[j])
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]

	return e
}
