package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gossh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/logfields"
)

// GitRepo implements Invoker against a single on-disk working copy using
// go-git. An advisory gofrs/flock lock on the working-copy directory keeps
// a second coordinator process from operating on the same checkout.
type GitRepo struct {
	path   string
	repo   *git.Repository
	auth   transport.AuthMethod
	lock   *flock.Flock
	author Signature
	logger *zap.Logger
}

// Option configures a GitRepo.
type Option func(*GitRepo)

// WithSSHKey authenticates fetch/push over SSH using the private key at path.
func WithSSHKey(keyPath string) Option {
	return func(g *GitRepo) {
		auth, err := gossh.NewPublicKeysFromFile("git", keyPath, "")
		if err != nil {
			g.logger.Warn(
				"loading ssh key failed, falling back to unauthenticated transport",
				logfields.Event("gitrepo_ssh_key_load_failed"),
				zap.Error(err),
			)
			return
		}

		g.auth = auth
	}
}

// WithHTTPToken authenticates fetch/push over HTTPS using a bearer token.
func WithHTTPToken(token string) Option {
	return func(g *GitRepo) {
		g.auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}
}

func WithAuthor(sig Signature) Option {
	return func(g *GitRepo) { g.author = sig }
}

// Open opens (or, if absent, expects the caller to Clone into) the working
// copy at path, acquiring the advisory working-copy lock.
func Open(path string, opts ...Option) (*GitRepo, error) {
	g := &GitRepo{
		path:   path,
		lock:   flock.New(path + ".lock"),
		author: Signature{Name: "bors", Email: "bors@localhost"},
		logger: zap.L().Named("gitrepo"),
	}

	for _, opt := range opts {
		opt(g)
	}

	locked, err := g.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring working copy lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("working copy at %q is locked by another process", path)
	}

	if repo, err := git.PlainOpen(path); err == nil {
		g.repo = repo
	}

	return g, nil
}

// Close releases the working-copy lock.
func (g *GitRepo) Close() error {
	return g.lock.Unlock()
}

func (g *GitRepo) Clone(url, path string) error {
	repo, err := git.PlainClone(path, false, &git.CloneOptions{
		URL:  url,
		Auth: g.auth,
	})
	if err != nil {
		return fmt.Errorf("cloning %q: %w", url, err)
	}

	g.repo = repo
	g.path = path

	return nil
}

// Fetch force-updates the local branch refs for refs, so a subsequent
// HeadOf observes the remote's current tips. The working tree is reset
// explicitly by the caller before any commit is replayed, so clobbering the
// local branch refs here is safe.
func (g *GitRepo) Fetch(remote string, refs []string) error {
	specs := make([]config.RefSpec, 0, len(refs))
	for _, r := range refs {
		specs = append(specs, config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", r, r)))
	}

	err := g.repo.Fetch(&git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   specs,
		Auth:       g.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %v from %s: %w", refs, remote, err)
	}

	return nil
}

func (g *GitRepo) FetchPull(remote string, number int) error {
	spec := config.RefSpec(fmt.Sprintf("+refs/pull/%d/head:refs/pull/%d/head", number, number))

	err := g.repo.Fetch(&git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       g.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching pull request %d from %s: %w", number, remote, err)
	}

	return nil
}

// ResetHard points the local branch ref at sha, checks it out (HEAD follows
// ref, so later replayed commits advance ref and no other branch) and
// hard-resets the working tree to sha.
func (g *GitRepo) ResetHard(ref, sha string) error {
	branch := plumbing.NewBranchReferenceName(ref)

	if err := g.repo.Storer.SetReference(plumbing.NewHashReference(branch, plumbing.NewHash(sha))); err != nil {
		return fmt.Errorf("pointing %s at %s: %w", ref, sha, err)
	}
	if err := g.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(sha),
		Mode:   git.HardReset,
	}); err != nil {
		return fmt.Errorf("resetting %s to %s: %w", ref, sha, err)
	}

	return nil
}

func (g *GitRepo) HeadOf(ref string) (string, error) {
	r, err := g.repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}

	return r.Hash().String(), nil
}

// RebaseOnto replays the commits reachable from headSHA but not from
// baseSHA onto baseSHA, by walking them oldest-first and reapplying each
// commit's file-level changes to the working tree. This is a single-pass
// rebase for linear PR branches; a content-level divergence on a touched
// path fails with ErrConflict and is reported to the author, never
// resolved here.
func (g *GitRepo) RebaseOnto(baseSHA, headSHA string) (string, error) {
	commits, err := g.commitsBetween(baseSHA, headSHA)
	if err != nil {
		return "", err
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(baseSHA), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("resetting to base %s: %w", baseSHA, err)
	}

	newHead := plumbing.NewHash(baseSHA)

	for _, c := range commits {
		if err := g.applyCommit(wt, c); err != nil {
			return "", err
		}

		hash, err := wt.Commit(c.Message, &git.CommitOptions{
			Author:    &object.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
			Committer: &object.Signature{Name: g.author.Name, Email: g.author.Email, When: time.Now()},
		})
		if err != nil {
			return "", fmt.Errorf("committing replayed commit %s: %w", c.Hash, err)
		}

		newHead = hash
	}

	return newHead.String(), nil
}

// SquashOnto collapses all commits in (baseSHA, headSHA] into a single
// commit on top of baseSHA.
func (g *GitRepo) SquashOnto(baseSHA, headSHA, message string, author Signature) (string, error) {
	commits, err := g.commitsBetween(baseSHA, headSHA)
	if err != nil {
		return "", err
	}

	if len(commits) == 0 {
		return baseSHA, nil
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(baseSHA), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("resetting to base %s: %w", baseSHA, err)
	}

	for _, c := range commits {
		if err := g.applyCommit(wt, c); err != nil {
			return "", err
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:    &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()},
		Committer: &object.Signature{Name: g.author.Name, Email: g.author.Email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("committing squashed result: %w", err)
	}

	return hash.String(), nil
}

// commitsBetween returns the commits reachable from headSHA but not from
// baseSHA, oldest first.
func (g *GitRepo) commitsBetween(baseSHA, headSHA string) ([]*object.Commit, error) {
	iter, err := g.repo.Log(&git.LogOptions{From: plumbing.NewHash(headSHA)})
	if err != nil {
		return nil, fmt.Errorf("walking commit log from %s: %w", headSHA, err)
	}
	defer iter.Close()

	baseIter, err := g.repo.Log(&git.LogOptions{From: plumbing.NewHash(baseSHA)})
	if err != nil {
		return nil, fmt.Errorf("walking commit log from %s: %w", baseSHA, err)
	}
	defer baseIter.Close()

	excluded := map[plumbing.Hash]struct{}{}
	if err := baseIter.ForEach(func(c *object.Commit) error {
		excluded[c.Hash] = struct{}{}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("walking commit log: %w", err)
	}

	var reversed []*object.Commit

	for {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walking commit log: %w", err)
		}

		if _, ok := excluded[c.Hash]; ok {
			continue
		}

		reversed = append(reversed, c)
	}

	out := make([]*object.Commit, len(reversed))
	for i, c := range reversed {
		out[len(reversed)-1-i] = c
	}

	return out, nil
}

// applyCommit reapplies the file-level changes introduced by c relative to
// its first parent onto the current worktree contents, failing with
// ErrConflict if a touched path's current content diverges from what c's
// parent expected (i.e. the rolling rebase already diverged there).
func (g *GitRepo) applyCommit(wt *git.Worktree, c *object.Commit) error {
	parent, err := c.Parent(0)
	if err != nil {
		return fmt.Errorf("getting parent of %s: %w", c.Hash, err)
	}

	parentTree, err := parent.Tree()
	if err != nil {
		return fmt.Errorf("getting parent tree of %s: %w", c.Hash, err)
	}

	commitTree, err := c.Tree()
	if err != nil {
		return fmt.Errorf("getting tree of %s: %w", c.Hash, err)
	}

	patch, err := parentTree.Patch(commitTree)
	if err != nil {
		return fmt.Errorf("diffing %s against its parent: %w", c.Hash, err)
	}

	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()

		var path string
		if to != nil {
			path = to.Path()
		} else if from != nil {
			path = from.Path()
		} else {
			continue
		}

		if from != nil {
			current, err := wt.Filesystem.Open(path)
			if err == nil {
				b, _ := io.ReadAll(current)
				current.Close()

				parentBlob, blobErr := parentTreeBlob(parentTree, path)
				if blobErr == nil && string(b) != parentBlob {
					return fmt.Errorf("%s: %w", path, ErrConflict)
				}
			}
		}

		if to == nil {
			if err := wt.Filesystem.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", path, err)
			}

			if _, err := wt.Remove(path); err != nil {
				return fmt.Errorf("staging removal of %s: %w", path, err)
			}

			continue
		}

		blob, err := commitTree.File(path)
		if err != nil {
			return fmt.Errorf("reading %s from %s: %w", path, c.Hash, err)
		}

		content, err := blob.Contents()
		if err != nil {
			return fmt.Errorf("reading contents of %s: %w", path, err)
		}

		if err := writeFile(wt.Filesystem, path, content); err != nil {
			return err
		}

		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("staging %s: %w", path, err)
		}
	}

	return nil
}

func parentTreeBlob(tree *object.Tree, path string) (string, error) {
	f, err := tree.File(path)
	if err != nil {
		return "", err
	}

	return f.Contents()
}

func writeFile(fs billy.Filesystem, path, content string) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, content); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// Push pushes sha onto ref on remote, emulating force-with-lease: it
// verifies the remote's current ref value against expectedSHA before
// pushing and fails with ErrLeaseMismatch rather than overwriting a ref
// that moved underneath the attempt.
func (g *GitRepo) Push(remote, ref, sha, expectedSHA string, force bool) error {
	rem, err := g.repo.Remote(remote)
	if err != nil {
		return fmt.Errorf("resolving remote %q: %w", remote, err)
	}

	refs, err := rem.List(&git.ListOptions{Auth: g.auth})
	if err != nil {
		return fmt.Errorf("listing remote refs: %w", err)
	}

	targetRef := plumbing.NewBranchReferenceName(ref)
	for _, r := range refs {
		if r.Name() == targetRef {
			if expectedSHA != "" && r.Hash().String() != expectedSHA {
				return fmt.Errorf("%s is at %s, expected %s: %w", ref, r.Hash(), expectedSHA, ErrLeaseMismatch)
			}
			break
		}
	}

	refspec := fmt.Sprintf("%s:refs/heads/%s", sha, ref)
	if force {
		refspec = "+" + refspec
	}

	err = g.repo.Push(&git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(refspec)},
		Auth:       g.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s to %s/%s: %w", sha, remote, ref, err)
	}

	return nil
}
