// Package command implements the command interpreter: it applies parsed
// PR-comment commands to the registry and queue, subject to authorization.
package command

import (
	"fmt"
	"time"

	"github.com/bors-rs/bors/internal/pr"
)

// Name is a recognized command, after synonym resolution
// (merge->land, try->canary, stop->cancel, cherry->cherry-pick,
// p->priority).
type Name string

const (
	Land        Name = "land"
	Canary      Name = "canary"
	Cancel      Name = "cancel"
	CherryPick  Name = "cherry-pick"
	SetPriority Name = "priority"
	Help        Name = "help"
)

// Command is an already-parsed command as delivered to the interpreter.
type Command struct {
	Name Name
	// Author is the commenting user's login, used by the authorization
	// predicate and by cherry-pick attribution.
	Author string
	// Target is cherry-pick's destination branch.
	Target string
	// Priority is set for the priority command.
	Priority pr.Priority
}

// AuthChecker reports whether user has write access to the repository.
type AuthChecker interface {
	HasWriteAccess(user string) bool
}

// Result is what the interpreter decided: whether the command was applied
// and the acknowledgement/rejection comment to post. An unauthorized
// command produces exactly one comment and no state change.
type Result struct {
	Applied bool
	Comment string
}

// Authorize decides whether cmd's author may run it against p: the user
// must have write access, or be the PR author for cancel. Help is open to
// everyone.
func Authorize(auth AuthChecker, cmd Command, p *pr.PullRequest) bool {
	if cmd.Name == Help {
		return true
	}

	if auth.HasWriteAccess(cmd.Author) {
		return true
	}

	return cmd.Name == Cancel && cmd.Author == p.Author
}

// QueueOps is the subset of queue.Queue the interpreter uses; kept as an
// interface so command tests don't need the concrete heap implementation.
type QueueOps interface {
	Enqueue(number int, priority pr.Priority, enqueuedAt time.Time, squash bool) bool
	Remove(number int) error
	Contains(number int) bool
	Reprioritize(number int, priority pr.Priority) error
	Position(number int) int
}

// CanarySlotOps is the subset of queue.CanarySlot the interpreter mutates.
type CanarySlotOps interface {
	Set(number int) error
	Free() bool
}

// Interpret applies cmd to p, the land queue and the canary slot, returning
// the outcome comment. now is injected so enqueue timestamps are
// deterministic in tests.
func Interpret(cmd Command, p *pr.PullRequest, q QueueOps, canary CanarySlotOps, auth AuthChecker, now time.Time) Result {
	if !Authorize(auth, cmd, p) {
		return Result{Comment: fmt.Sprintf("@%s: not authorized to run `%s`", cmd.Author, cmd.Name)}
	}

	switch cmd.Name {
	case Land:
		return interpretLand(cmd, p, q, now)
	case Canary:
		return interpretCanary(p, canary)
	case Cancel:
		return interpretCancel(p, q)
	case CherryPick:
		return interpretCherryPick(cmd, p)
	case SetPriority:
		return interpretPriority(cmd, p, q)
	case Help:
		return Result{Applied: true, Comment: helpText}
	default:
		return Result{Comment: fmt.Sprintf("unrecognized command %q", cmd.Name)}
	}
}

func interpretLand(cmd Command, p *pr.PullRequest, q QueueOps, now time.Time) Result {
	if !p.CanLand() {
		return Result{Comment: "cannot land: requires an approved review, a clean merge, and a non-draft PR"}
	}

	squash := p.HasLabel(pr.LabelSquash)
	added := q.Enqueue(p.Number, p.Priority, now, squash)
	position := q.Position(p.Number) + 1

	if !added {
		return Result{Applied: true, Comment: fmt.Sprintf("already queued (position %d, priority %s)", position, p.Priority)}
	}

	return Result{Applied: true, Comment: fmt.Sprintf("queued (position %d, priority %s)", position, p.Priority)}
}

func interpretCanary(p *pr.PullRequest, canary CanarySlotOps) Result {
	if !p.CanCanary() {
		return Result{Comment: "cannot canary: requires a clean merge and a non-draft PR"}
	}

	if !canary.Free() {
		return Result{Comment: "canary slot is busy, try again later"}
	}

	if err := canary.Set(p.Number); err != nil {
		return Result{Comment: fmt.Sprintf("cannot canary: %s", err)}
	}

	return Result{Applied: true, Comment: "canary attempt started"}
}

func interpretCancel(p *pr.PullRequest, q QueueOps) Result {
	if q.Contains(p.Number) {
		_ = q.Remove(p.Number)
		return Result{Applied: true, Comment: "cancelled"}
	}

	if p.Attempt != nil {
		// The attempt engine posts the terminal "cancelled" comment when
		// the event router cancels it; a second comment here would
		// duplicate it.
		return Result{Applied: true}
	}

	return Result{Comment: "not queued or testing, nothing to cancel"}
}

func interpretCherryPick(cmd Command, p *pr.PullRequest) Result {
	if cmd.Target == "" {
		return Result{Comment: "cherry-pick requires a target branch"}
	}

	return Result{Applied: true, Comment: fmt.Sprintf("cherry-picking #%d onto %s", p.Number, cmd.Target)}
}

func interpretPriority(cmd Command, p *pr.PullRequest, q QueueOps) Result {
	p.Priority = cmd.Priority

	if q.Contains(p.Number) {
		_ = q.Reprioritize(p.Number, cmd.Priority)
	}

	return Result{Applied: true, Comment: fmt.Sprintf("priority set to %s", cmd.Priority)}
}

const helpText = `commands: land (merge), canary (try), cancel (stop), cherry-pick <target>, priority <high|normal|low>, help`
