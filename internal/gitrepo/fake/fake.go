// Package fake provides a deterministic in-memory gitrepo.Invoker, letting
// attempt-engine tests exercise rebase/push/lease semantics without a real
// git repository or filesystem.
package fake

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/bors-rs/bors/internal/gitrepo"
)

// Invoker is a fake git invoker keyed by commit sha strings. It models
// commits as a simple parent-pointer chain and never actually detects file
// content conflicts: callers seed ErrConflict via ConflictOn to force the
// behavior a real rebase would produce.
type Invoker struct {
	mu sync.Mutex

	nextID int

	parent map[string]string // commit -> parent
	remote map[string]string // "remote/ref" -> sha

	ConflictOn map[string]bool // sha that should fail to rebase
}

func New() *Invoker {
	return &Invoker{
		parent:     map[string]string{},
		remote:     map[string]string{},
		ConflictOn: map[string]bool{},
	}
}

func (f *Invoker) newCommit(parent string) string {
	f.nextID++
	sha := "c" + strconv.Itoa(f.nextID)
	f.parent[sha] = parent

	return sha
}

// SeedRef sets the sha a remote ref currently points at, as if fetched.
func (f *Invoker) SeedRef(remote, ref, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.remote[remote+"/"+ref] = sha
}

func (f *Invoker) RefSHA(remote, ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.remote[remote+"/"+ref]
}

func (f *Invoker) Clone(url, path string) error { return nil }

func (f *Invoker) FetchPull(remote string, number int) error { return nil }

// Fetch copies the remote's seeded refs onto the local branch refs, the
// same way the real invoker force-updates local heads.
func (f *Invoker) Fetch(remote string, refs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range refs {
		if sha, ok := f.remote[remote+"/"+r]; ok {
			f.remote["local/"+r] = sha
		}
	}

	return nil
}

func (f *Invoker) ResetHard(ref, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.remote["local/"+ref] = sha

	return nil
}

func (f *Invoker) HeadOf(ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sha, ok := f.remote["local/"+ref]
	if !ok {
		return "", fmt.Errorf("unknown local ref %q", ref)
	}

	return sha, nil
}

func (f *Invoker) RebaseOnto(baseSHA, headSHA string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ConflictOn[headSHA] {
		return "", gitrepo.ErrConflict
	}

	return f.newCommit(baseSHA), nil
}

func (f *Invoker) SquashOnto(baseSHA, headSHA, message string, author gitrepo.Signature) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ConflictOn[headSHA] {
		return "", gitrepo.ErrConflict
	}

	return f.newCommit(baseSHA), nil
}

// Push writes sha to remote/ref if expectedSHA matches the current value,
// or the ref does not exist yet; otherwise it fails with ErrLeaseMismatch,
// mirroring force-with-lease.
func (f *Invoker) Push(remote, ref, sha, expectedSHA string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := remote + "/" + ref
	current, exists := f.remote[key]

	if exists && expectedSHA != "" && current != expectedSHA {
		return gitrepo.ErrLeaseMismatch
	}

	f.remote[key] = sha

	return nil
}

var _ gitrepo.Invoker = (*Invoker)(nil)
