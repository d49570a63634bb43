// Package gitrepo defines the capability interface the attempt engine uses
// to drive a local git working copy, plus a concrete implementation backed
// by go-git.
package gitrepo

import "errors"

// ErrConflict is returned by RebaseOnto/SquashOnto when replaying commits
// produces a tree-level conflict; the caller reports the rebase conflict
// back to the author.
var ErrConflict = errors.New("conflict")

// ErrLeaseMismatch is returned by Push when the remote ref does not point at
// the caller's expected sha. Detecting a base branch that moved underneath
// an attempt depends on this failing loudly rather than overwriting
// silently.
var ErrLeaseMismatch = errors.New("remote ref changed, force-with-lease rejected")

// Invoker is the blocking git capability the attempt engine consumes. All
// methods operate on one local working copy and must only ever be called
// from the single worker goroutine that owns it.
type Invoker interface {
	Clone(url, path string) error
	// Fetch updates the local branch refs for refs from remote.
	Fetch(remote string, refs []string) error
	// FetchPull fetches pull request number's head commit from remote via
	// the forge's refs/pull/<number>/head ref, which resolves regardless of
	// whether the head branch lives in a fork.
	FetchPull(remote string, number int) error
	ResetHard(ref, sha string) error
	// RebaseOnto replays the commits in (baseSHA, headSHA] onto baseSHA and
	// returns the new tip, or ErrConflict.
	RebaseOnto(baseSHA, headSHA string) (newSHA string, err error)
	// SquashOnto collapses the commits in (baseSHA, headSHA] into a single
	// commit authored by author, carrying message.
	SquashOnto(baseSHA, headSHA, message string, author Signature) (newSHA string, err error)
	// Push pushes sha onto ref on remote, force-with-lease against
	// expectedSHA: it must fail with ErrLeaseMismatch if the remote ref does
	// not currently point at expectedSHA. An empty expectedSHA, or a remote
	// ref that does not exist yet, skips the lease check.
	Push(remote, ref, sha, expectedSHA string, force bool) error
	// HeadOf returns the current sha a local branch ref points at.
	HeadOf(ref string) (string, error)
}

// Signature is a commit author/committer identity.
type Signature struct {
	Name  string
	Email string
}
