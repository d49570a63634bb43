// Package fake provides a deterministic in-memory forge.Forge
// implementation, so coordinator/attempt/command tests can drive webhook
// sequences without a network.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/bors-rs/bors/internal/forge"
	"github.com/bors-rs/bors/internal/pr"
)

type repoKey struct {
	owner, name string
}

// Forge is a stateful fake: it records comments, labels and check-runs and
// lets tests assert on them, and lets tests pre-seed PR snapshots and CI
// status.
type Forge struct {
	mu sync.Mutex

	pulls    map[repoKey]map[int]pr.Snapshot
	reviews  map[repoKey]map[int]pr.ReviewDecision
	statuses map[repoKey]map[string][]forge.JobStatus // by sha
	refs     map[repoKey]map[string]string            // ref -> sha

	Comments  []Comment
	CheckRuns []CheckRunUpdate
	Merges    []Merge

	// MergeErr, when set, is returned by MergePull for every call.
	MergeErr error
	// UpdateRefErr, when set, is returned by UpdateRef for every call, so
	// tests can exercise the finalizing fallback and retry paths.
	UpdateRefErr error
}

type Comment struct {
	Owner, Repo string
	Number      int
	Body        string
}

type CheckRunUpdate struct {
	Owner, Repo, SHA, Name string
	Status                 forge.CheckStatus
	Conclusion             *forge.CheckConclusion
}

type Merge struct {
	Owner, Repo string
	Number      int
	Method      forge.MergeMethod
	HeadSHA     string
}

func New() *Forge {
	return &Forge{
		pulls:    map[repoKey]map[int]pr.Snapshot{},
		reviews:  map[repoKey]map[int]pr.ReviewDecision{},
		statuses: map[repoKey]map[string][]forge.JobStatus{},
		refs:     map[repoKey]map[string]string{},
	}
}

// SeedPull registers a PR snapshot as if returned by the forge.
func (f *Forge) SeedPull(owner, repo string, snap pr.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := repoKey{owner, repo}
	if f.pulls[k] == nil {
		f.pulls[k] = map[int]pr.Snapshot{}
	}
	f.pulls[k][snap.Number] = snap
}

// SeedReviewDecision sets the review decision GetReviewDecision returns.
func (f *Forge) SeedReviewDecision(owner, repo string, number int, d pr.ReviewDecision) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := repoKey{owner, repo}
	if f.reviews[k] == nil {
		f.reviews[k] = map[int]pr.ReviewDecision{}
	}
	f.reviews[k][number] = d
}

// SeedStatus sets the combined job statuses for a given sha.
func (f *Forge) SeedStatus(owner, repo, sha string, jobs []forge.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := repoKey{owner, repo}
	if f.statuses[k] == nil {
		f.statuses[k] = map[string][]forge.JobStatus{}
	}
	f.statuses[k][sha] = jobs
}

// SeedRef sets the sha a branch currently points at.
func (f *Forge) SeedRef(owner, repo, ref, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := repoKey{owner, repo}
	if f.refs[k] == nil {
		f.refs[k] = map[string]string{}
	}
	f.refs[k][ref] = sha
}

func (f *Forge) RefSHA(owner, repo, ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refs[repoKey{owner, repo}][ref]
}

func (f *Forge) ListOpenPulls(_ context.Context, owner, repo, _ string) (*forge.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := repoKey{owner, repo}
	out := make([]pr.Snapshot, 0, len(f.pulls[k]))
	for _, s := range f.pulls[k] {
		out = append(out, s)
	}

	return &forge.Page{PullRequests: out}, nil
}

func (f *Forge) GetPull(_ context.Context, owner, repo string, number int) (pr.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.pulls[repoKey{owner, repo}][number]
	if !ok {
		return pr.Snapshot{}, fmt.Errorf("pull request %d not found", number)
	}

	return s, nil
}

func (f *Forge) PostComment(_ context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Comments = append(f.Comments, Comment{Owner: owner, Repo: repo, Number: number, Body: body})

	return nil
}

func (f *Forge) SetLabels(_ context.Context, owner, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := repoKey{owner, repo}
	s := f.pulls[k][number]
	s.Labels = labels
	f.pulls[k][number] = s

	return nil
}

func (f *Forge) UpsertCheckRun(_ context.Context, owner, repo, sha, name string, status forge.CheckStatus, conclusion *forge.CheckConclusion, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CheckRuns = append(f.CheckRuns, CheckRunUpdate{
		Owner: owner, Repo: repo, SHA: sha, Name: name, Status: status, Conclusion: conclusion,
	})

	return nil
}

func (f *Forge) MergePull(_ context.Context, owner, repo string, number int, method forge.MergeMethod, headSHA, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.MergeErr != nil {
		return f.MergeErr
	}

	f.Merges = append(f.Merges, Merge{Owner: owner, Repo: repo, Number: number, Method: method, HeadSHA: headSHA})

	k := repoKey{owner, repo}
	if s, ok := f.pulls[k][number]; ok {
		s.Base.SHA = headSHA
		f.pulls[k][number] = s
	}

	return nil
}

func (f *Forge) UpdateRef(_ context.Context, owner, repo, ref, sha string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UpdateRefErr != nil {
		return f.UpdateRefErr
	}

	k := repoKey{owner, repo}
	if f.refs[k] == nil {
		f.refs[k] = map[string]string{}
	}

	f.refs[k][ref] = sha

	return nil
}

func (f *Forge) GetCombinedStatus(_ context.Context, owner, repo, sha string, requiredChecks []string) ([]forge.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	jobs, ok := f.statuses[repoKey{owner, repo}][sha]
	if !ok {
		jobs = make([]forge.JobStatus, 0, len(requiredChecks))
		for _, name := range requiredChecks {
			jobs = append(jobs, forge.JobStatus{Name: name, Status: forge.CIStatusPending, Required: true})
		}
	}

	return jobs, nil
}

func (f *Forge) GetReviewDecision(_ context.Context, owner, repo string, number int) (pr.ReviewDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.reviews[repoKey{owner, repo}][number]
	if !ok {
		return pr.ReviewDecisionReviewRequired, nil
	}

	return d, nil
}

var _ forge.Forge = (*Forge)(nil)
