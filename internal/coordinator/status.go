package coordinator

import (
	"time"

	"github.com/bors-rs/bors/internal/attempt"
)

// Status is an immutable point-in-time view of one repository's coordinator
// state, rebuilt by the worker after every processed event. Readers on
// other goroutines (the status dashboard) load the latest snapshot instead
// of touching the worker's live data structures.
type Status struct {
	Owner, Name string

	Queue []QueueEntryStatus

	CanaryOccupied bool
	CanaryNumber   int

	Land       *AttemptStatus
	Canary     *AttemptStatus
	CherryPick *AttemptStatus
}

// QueueEntryStatus describes one land-queue entry in dequeue order.
type QueueEntryStatus struct {
	Number     int
	Priority   string
	EnqueuedAt time.Time
}

// AttemptStatus describes an in-flight attempt.
type AttemptStatus struct {
	Number       int
	State        string
	TestCommitID string
	StartedAt    time.Time
}

// Status returns the latest published snapshot. Safe to call from any
// goroutine.
func (c *Coordinator) Status() *Status {
	return c.status.Load()
}

func (c *Coordinator) publishStatus() {
	s := &Status{
		Owner: c.cfg.Owner,
		Name:  c.cfg.Name,
	}

	for _, e := range c.queue.AsSlice() {
		s.Queue = append(s.Queue, QueueEntryStatus{
			Number:     e.Number,
			Priority:   e.Priority.String(),
			EnqueuedAt: e.EnqueuedAt,
		})
	}

	if number, ok := c.canarySlot.Number(); ok {
		s.CanaryOccupied = true
		s.CanaryNumber = number
	}

	s.Land = attemptStatus(c.land.Current())
	s.Canary = attemptStatus(c.canary.Current())
	s.CherryPick = attemptStatus(c.cherryPick.Current())

	c.status.Store(s)
}

func attemptStatus(a *attempt.Attempt) *AttemptStatus {
	if a == nil {
		return nil
	}

	return &AttemptStatus{
		Number:       a.Number,
		State:        a.State.String(),
		TestCommitID: a.TestCommitID,
		StartedAt:    a.StartedAt,
	}
}
