package queue

import "errors"

// ErrCanarySlotBusy is returned by CanarySlot.Set when a canary attempt is
// already occupying the slot.
var ErrCanarySlotBusy = errors.New("canary slot is occupied")

// CanarySlot tracks the single independent canary attempt a repository may
// run concurrently with a land attempt.
type CanarySlot struct {
	number int
	busy   bool
}

func NewCanarySlot() *CanarySlot {
	return &CanarySlot{}
}

// Set occupies the slot with number, failing if it is already occupied.
func (c *CanarySlot) Set(number int) error {
	if c.busy {
		return ErrCanarySlotBusy
	}

	c.number = number
	c.busy = true

	return nil
}

// Release frees the slot. It is a no-op if already free.
func (c *CanarySlot) Release() {
	c.busy = false
	c.number = 0
}

// Free reports whether the slot is available.
func (c *CanarySlot) Free() bool {
	return !c.busy
}

// Number returns the PR number currently occupying the slot and whether the
// slot is occupied at all.
func (c *CanarySlot) Number() (int, bool) {
	return c.number, c.busy
}
