package pr

import (
	"fmt"
)

// Registry is the coordinator's in-memory snapshot of a single repository's
// open pull requests. It has no locking of its own: callers are expected to
// only ever touch a Registry from the single per-repository worker
// goroutine that owns it.
type Registry struct {
	byNumber map[int]*PullRequest
}

func NewRegistry() *Registry {
	return &Registry{byNumber: map[int]*PullRequest{}}
}

// Upsert applies a Snapshot from the event router or the sync loop. Attempt
// state, if any, is always preserved across an upsert, even when the head
// sha changed; the caller (the coordinator) is responsible for reacting to
// the now-stale attempt separately, Upsert itself never invalidates it.
func (r *Registry) Upsert(snap Snapshot) *PullRequest {
	existing, ok := r.byNumber[snap.Number]
	if !ok {
		p, err := New(snap.Number, snap.Head.Branch, snap.Head.SHA, snap.Head.Repo,
			snap.Base.Branch, snap.Base.SHA, snap.Base.Repo)
		if err != nil {
			// Snapshot fields were already validated by the forge client
			// decoder; this would indicate a decoding bug upstream.
			panic(fmt.Sprintf("pr.Registry.Upsert: invalid snapshot for #%d: %s", snap.Number, err))
		}

		existing = p
		r.byNumber[snap.Number] = p
	}

	existing.Title = snap.Title
	existing.Body = snap.Body
	existing.Author = snap.Author
	existing.Head = snap.Head
	existing.Base = snap.Base
	existing.Draft = snap.Draft
	existing.Mergeable = snap.Mergeable
	if snap.ReviewDecision != ReviewDecisionUnknown {
		existing.ReviewDecision = snap.ReviewDecision
	}
	existing.MaintainerCanModify = snap.MaintainerCanModify

	newLabels := make(map[string]struct{}, len(snap.Labels))
	for _, l := range snap.Labels {
		newLabels[l] = struct{}{}
	}
	existing.Labels = newLabels
	existing.Priority = priorityFromLabels(newLabels, existing.Priority)

	return existing
}

func priorityFromLabels(labels map[string]struct{}, current Priority) Priority {
	_, high := labels[LabelHighPriority]
	_, low := labels[LabelLowPriority]

	switch {
	case high:
		return PriorityHigh
	case low:
		return PriorityLow
	case current == PriorityHigh || current == PriorityLow:
		return PriorityNormal
	default:
		return current
	}
}

// Remove deletes a PR from the registry. It is a no-op if the number is
// unknown.
func (r *Registry) Remove(number int) {
	delete(r.byNumber, number)
}

// Get returns the PR with the given number, or nil if absent.
func (r *Registry) Get(number int) *PullRequest {
	return r.byNumber[number]
}

// List returns all known PRs in unspecified order.
func (r *Registry) List() []*PullRequest {
	out := make([]*PullRequest, 0, len(r.byNumber))
	for _, p := range r.byNumber {
		out = append(out, p)
	}

	return out
}

// Numbers returns the set of known PR numbers, used by the sync loop to
// detect PRs that disappeared from a forge snapshot.
func (r *Registry) Numbers() map[int]struct{} {
	out := make(map[int]struct{}, len(r.byNumber))
	for n := range r.byNumber {
		out[n] = struct{}{}
	}

	return out
}

// SetLabel sets or clears a label on a known PR, updating derived priority.
// It is a no-op if the number is unknown.
func (r *Registry) SetLabel(number int, label string, present bool) {
	p, ok := r.byNumber[number]
	if !ok {
		return
	}

	p.SetLabel(label, present)
}

// SetPriority sets a PR's priority directly, e.g. from a `priority` command.
// It is a no-op if the number is unknown.
func (r *Registry) SetPriority(number int, prio Priority) {
	p, ok := r.byNumber[number]
	if !ok {
		return
	}

	p.Priority = prio
}
