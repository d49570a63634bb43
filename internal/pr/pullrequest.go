// Package pr holds the in-memory pull request registry: the coordinator's
// authoritative snapshot of a repository's open pull requests.
package pr

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/logfields"
)

// Priority is the ordering key set by label or command.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps a command argument or label suffix to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Mergeable reflects the forge's merge-conflict check for a PR.
type Mergeable int

const (
	MergeableUnknown Mergeable = iota
	MergeableClean
	MergeableConflict
)

// ReviewDecision mirrors the forge's aggregate review state. Unknown is
// the zero value so that snapshots from sources that don't report a
// decision (REST payloads, push-style webhook events) don't overwrite a
// decision learned from review events or the GraphQL API.
type ReviewDecision int

const (
	ReviewDecisionUnknown ReviewDecision = iota
	ReviewDecisionReviewRequired
	ReviewDecisionApproved
	ReviewDecisionChangesRequested
)

const (
	LabelHighPriority = "bors-high-priority"
	LabelLowPriority  = "bors-low-priority"
	LabelSquash       = "bors-squash"
)

// Ref identifies a branch and the commit it currently points at.
type Ref struct {
	Branch string
	SHA    string
	// Repo is the owner/name of the repository the ref lives in, which for
	// Head may differ from the target repository when the PR is from a fork.
	Repo string
}

// PullRequest is the registry's snapshot of a single forge pull request.
type PullRequest struct {
	Number int
	Title  string
	Body   string
	Author string

	Head Ref
	Base Ref

	Draft               bool
	Mergeable           Mergeable
	ReviewDecision      ReviewDecision
	Labels              map[string]struct{}
	MaintainerCanModify bool
	Priority            Priority

	Attempt *AttemptRef

	LogFields []zap.Field
}

// AttemptRef is the registry-visible handle of the attempt currently
// associated with a PR, if any; the attempt engine owns the full state.
type AttemptRef struct {
	ID   uint64
	Kind string // "land" | "canary" | "cherry-pick"
}

func New(number int, headBranch, headSHA, headRepo, baseBranch, baseSHA, baseRepo string) (*PullRequest, error) {
	if number <= 0 {
		return nil, fmt.Errorf("pull request number is %d, must be >0", number)
	}

	if headBranch == "" || baseBranch == "" {
		return nil, errors.New("head and base branch must not be empty")
	}

	return &PullRequest{
		Number:   number,
		Head:     Ref{Branch: headBranch, SHA: headSHA, Repo: headRepo},
		Base:     Ref{Branch: baseBranch, SHA: baseSHA, Repo: baseRepo},
		Priority: PriorityNormal,
		Labels:   map[string]struct{}{},
		LogFields: []zap.Field{
			logfields.PullRequest(number),
			logfields.Branch(headBranch),
			logfields.BaseBranch(baseBranch),
		},
	}, nil
}

// IsFork reports whether the PR's head lives in a different repository than
// its base, i.e. whether maintainer_can_modify is relevant at all.
func (p *PullRequest) IsFork() bool {
	return p.Head.Repo != "" && p.Head.Repo != p.Base.Repo
}

func (p *PullRequest) HasLabel(label string) bool {
	_, ok := p.Labels[label]
	return ok
}

func (p *PullRequest) SetLabel(label string, present bool) {
	if present {
		p.Labels[label] = struct{}{}
	} else {
		delete(p.Labels, label)
	}

	switch label {
	case LabelHighPriority:
		if present {
			p.Priority = PriorityHigh
		} else if p.Priority == PriorityHigh {
			p.Priority = PriorityNormal
		}
	case LabelLowPriority:
		if present {
			p.Priority = PriorityLow
		} else if p.Priority == PriorityLow {
			p.Priority = PriorityNormal
		}
	}
}

// CanLand reports whether the PR currently satisfies the preconditions for
// the land command: approved, clean, not a draft.
func (p *PullRequest) CanLand() bool {
	return p.ReviewDecision == ReviewDecisionApproved &&
		p.Mergeable == MergeableClean &&
		!p.Draft
}

// CanCanary reports whether the PR satisfies the (weaker) canary
// preconditions: clean and not a draft, no approval required.
func (p *PullRequest) CanCanary() bool {
	return p.Mergeable == MergeableClean && !p.Draft
}

func (p *PullRequest) Equal(other interface{}) bool {
	o, ok := other.(*PullRequest)
	if !ok {
		return false
	}

	return p.Number == o.Number
}

// Snapshot is what the sync loop and event router feed into Registry.Upsert;
// it carries only the fields the forge reports, leaving attempt state alone.
type Snapshot struct {
	Number              int
	Title               string
	Body                string
	Author              string
	Head                Ref
	Base                Ref
	Draft               bool
	Mergeable           Mergeable
	ReviewDecision      ReviewDecision
	Labels              []string
	MaintainerCanModify bool
	UpdatedAt           time.Time
}
