package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/bors-rs/bors/internal/goorderr"
	"github.com/bors-rs/bors/internal/logfields"
	"github.com/bors-rs/bors/internal/pr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "forge_github"

// GitHubClient implements Forge against the GitHub REST and GraphQL APIs.
type GitHubClient struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

func NewGitHubClient(apiToken string) *GitHubClient {
	httpClient := newHTTPClient(apiToken)

	return &GitHubClient{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{Timeout: DefaultHTTPClientTimeout}
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiToken})
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

func (c *GitHubClient) ListOpenPulls(ctx context.Context, owner, repo, cursor string) (*Page, error) {
	page := 1
	if cursor != "" {
		p, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		page = p
	}

	prs, resp, err := c.restClt.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:     "open",
		Sort:      "created",
		Direction: "asc",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: 100,
		},
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	out := &Page{PullRequests: make([]pr.Snapshot, 0, len(prs))}
	for _, p := range prs {
		out.PullRequests = append(out.PullRequests, SnapshotFromGitHub(p))
	}

	if resp.NextPage != 0 {
		out.HasNextPage = true
		out.NextCursor = strconv.Itoa(resp.NextPage)
	}

	return out, nil
}

func (c *GitHubClient) GetPull(ctx context.Context, owner, repo string, number int) (pr.Snapshot, error) {
	p, _, err := c.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return pr.Snapshot{}, c.wrapRetryableErrors(err)
	}

	return SnapshotFromGitHub(p), nil
}

// SnapshotFromGitHub converts a go-github pull request payload into a
// pr.Snapshot. It is exported so the webhook layer can reuse the exact same
// mapping for pull_request event payloads instead of re-deriving it.
func SnapshotFromGitHub(p *github.PullRequest) pr.Snapshot {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.GetName())
	}

	mergeable := pr.MergeableUnknown
	if p.Mergeable != nil {
		if *p.Mergeable {
			mergeable = pr.MergeableClean
		} else {
			mergeable = pr.MergeableConflict
		}
	}

	headRepo := ""
	if p.GetHead().GetRepo() != nil {
		headRepo = p.GetHead().GetRepo().GetFullName()
	}

	baseRepo := ""
	if p.GetBase().GetRepo() != nil {
		baseRepo = p.GetBase().GetRepo().GetFullName()
	}

	return pr.Snapshot{
		Number: p.GetNumber(),
		Title:  p.GetTitle(),
		Body:   p.GetBody(),
		Author: p.GetUser().GetLogin(),
		Head: pr.Ref{
			Branch: p.GetHead().GetRef(),
			SHA:    p.GetHead().GetSHA(),
			Repo:   headRepo,
		},
		Base: pr.Ref{
			Branch: p.GetBase().GetRef(),
			SHA:    p.GetBase().GetSHA(),
			Repo:   baseRepo,
		},
		Draft:               p.GetDraft(),
		Mergeable:           mergeable,
		MaintainerCanModify: p.GetMaintainerCanModify(),
		Labels:              labels,
		UpdatedAt:           p.GetUpdatedAt().Time,
	}
}

func (c *GitHubClient) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.restClt.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
	return c.wrapRetryableErrors(err)
}

func (c *GitHubClient) SetLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.restClt.Issues.ReplaceLabelsForIssue(ctx, owner, repo, number, labels)
	return c.wrapRetryableErrors(err)
}

func (c *GitHubClient) UpsertCheckRun(ctx context.Context, owner, repo, sha, name string, status CheckStatus, conclusion *CheckConclusion, output string) error {
	opts := github.CreateCheckRunOptions{
		Name:    name,
		HeadSHA: sha,
		Status:  github.String(string(status)),
	}

	if conclusion != nil {
		opts.Conclusion = github.String(string(*conclusion))
		opts.CompletedAt = &github.Timestamp{Time: time.Now()}
	}

	if output != "" {
		opts.Output = &github.CheckRunOutput{
			Title:   github.String(name),
			Summary: github.String(output),
		}
	}

	_, _, err := c.restClt.Checks.CreateCheckRun(ctx, owner, repo, opts)
	return c.wrapRetryableErrors(err)
}

func (c *GitHubClient) MergePull(ctx context.Context, owner, repo string, number int, method MergeMethod, headSHA, commitMessage string) error {
	_, _, err := c.restClt.PullRequests.Merge(ctx, owner, repo, number, commitMessage, &github.PullRequestOptions{
		SHA:         headSHA,
		MergeMethod: string(method),
	})
	return c.wrapRetryableErrors(err)
}

func (c *GitHubClient) UpdateRef(ctx context.Context, owner, repo, ref, sha string, force bool) error {
	_, _, err := c.restClt.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + ref),
		Object: &github.GitObject{SHA: github.String(sha)},
	}, force)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return fmt.Errorf("ref update rejected, base is not a fast-forward: %w", respErr)
		}

		return c.wrapRetryableErrors(err)
	}

	return nil
}

func (c *GitHubClient) GetReviewDecision(ctx context.Context, owner, repo string, number int) (pr.ReviewDecision, error) {
	status, err := c.readyForMerge(ctx, owner, repo, number, nil)
	if err != nil {
		return pr.ReviewDecisionUnknown, err
	}

	return status.reviewDecision, nil
}

func (c *GitHubClient) GetCombinedStatus(ctx context.Context, owner, repo, sha string, requiredChecks []string) ([]JobStatus, error) {
	status, err := c.readyForMerge(ctx, owner, repo, 0, requiredChecks)
	if err != nil {
		return nil, err
	}

	return status.jobs, nil
}

type readyForMergeResult struct {
	reviewDecision pr.ReviewDecision
	jobs           []JobStatus
}

// readyForMerge queries the review decision and status-check-rollup for a
// PR's current head commit in a single GraphQL round trip, seeding the
// result with the configured required-check names so checks that never
// reported show up as pending.
func (c *GitHubClient) readyForMerge(ctx context.Context, owner, repo string, prNumber int, requiredChecks []string) (*readyForMergeResult, error) {
	type checkStatus struct {
		Name       string
		Conclusion githubv4.CheckConclusionState
		Status     githubv4.CheckStatusState
	}

	type statusContext struct {
		State   githubv4.StatusState
		Context string
	}

	type query struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision githubv4.PullRequestReviewDecision
				Commits        struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								Contexts struct {
									Edges []struct {
										Node struct {
											CheckRun      checkStatus   `graphql:"... on CheckRun"`
											StatusContext statusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: 100)"`
							}
						}
					}
				} `graphql:"commits(last: 1)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var q query
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(prNumber),
	}

	if err := c.graphQLClt.Query(ctx, &q, vars); err != nil {
		return nil, c.wrapGraphQLRetryableErrors(err)
	}

	byName := make(map[string]*JobStatus, len(requiredChecks))
	for _, name := range requiredChecks {
		byName[name] = &JobStatus{Name: name, Status: CIStatusPending, Required: true}
	}

	if len(q.Repository.PullRequest.Commits.Nodes) > 0 {
		rollup := q.Repository.PullRequest.Commits.Nodes[0].Commit.StatusCheckRollup
		for _, edge := range rollup.Contexts.Edges {
			node := edge.Node

			if node.CheckRun.Name != "" {
				js := byName[node.CheckRun.Name]
				if js == nil {
					js = &JobStatus{Name: node.CheckRun.Name}
					byName[node.CheckRun.Name] = js
				}
				js.Status = checkRunToCIStatus(node.CheckRun.Status, node.CheckRun.Conclusion)

				continue
			}

			if node.StatusContext.Context != "" {
				js := byName[node.StatusContext.Context]
				if js == nil {
					js = &JobStatus{Name: node.StatusContext.Context}
					byName[node.StatusContext.Context] = js
				}
				js.Status = statusContextToCIStatus(node.StatusContext.State)
			}
		}
	}

	jobs := make([]JobStatus, 0, len(byName))
	for _, js := range byName {
		jobs = append(jobs, *js)
	}

	return &readyForMergeResult{
		reviewDecision: reviewDecisionFromGithubv4(q.Repository.PullRequest.ReviewDecision),
		jobs:           jobs,
	}, nil
}

func reviewDecisionFromGithubv4(d githubv4.PullRequestReviewDecision) pr.ReviewDecision {
	switch d {
	case githubv4.PullRequestReviewDecisionApproved:
		return pr.ReviewDecisionApproved
	case githubv4.PullRequestReviewDecisionChangesRequested:
		return pr.ReviewDecisionChangesRequested
	case githubv4.PullRequestReviewDecisionReviewRequired:
		return pr.ReviewDecisionReviewRequired
	default:
		// Repositories without a review requirement report no decision.
		return pr.ReviewDecisionUnknown
	}
}

func checkRunToCIStatus(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) CIStatus {
	switch status {
	case githubv4.CheckStatusStateCompleted:
		switch conclusion {
		case githubv4.CheckConclusionStateSuccess, githubv4.CheckConclusionStateNeutral, githubv4.CheckConclusionStateSkipped:
			return CIStatusSuccess
		case githubv4.CheckConclusionStateActionRequired:
			return CIStatusPending
		default:
			return CIStatusFailure
		}
	default:
		return CIStatusPending
	}
}

func statusContextToCIStatus(state githubv4.StatusState) CIStatus {
	switch state {
	case githubv4.StatusStateSuccess:
		return CIStatusSuccess
	case githubv4.StatusStateError, githubv4.StatusStateFailure:
		return CIStatusFailure
	default:
		return CIStatusPending
	}
}

func (c *GitHubClient) wrapRetryableErrors(err error) error {
	if err == nil {
		return nil
	}

	switch v := err.(type) {
	case *github.RateLimitError:
		c.logger.Info(
			"rate limit exceeded",
			logfields.Event("forge_github_rate_limit_exceeded"),
			zap.Time("reset_time", v.Rate.Reset.Time),
		)

		return goorderr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return goorderr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

func (c *GitHubClient) wrapGraphQLRetryableErrors(err error) error {
	if strings.Contains(err.Error(), "non-200 OK status code: 5") {
		return goorderr.NewRetryableAnytimeError(err)
	}

	return err
}
