// Package github implements the tracker interfaces on GitHub issues and pull requests.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"shipwright/pkg/logx"
	"shipwright/pkg/plan"
	"shipwright/pkg/tracker"
)

// Client implements tracker.Tracker for one repository.
type Client struct {
	client *gh.Client
	logger *logx.Logger
	owner  string
	repo   string
}

// New creates a client authenticated with token. A non-empty baseURL targets
// a GitHub Enterprise server.
func New(ctx context.Context, owner, repo, token, baseURL string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := gh.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure GitHub base URL: %w", err)
		}
	}
	return NewWithClient(client, owner, repo), nil
}

// NewWithClient wraps an existing go-github client.
func NewWithClient(client *gh.Client, owner, repo string) *Client {
	return &Client{client: client, owner: owner, repo: repo, logger: logx.NewLogger("github")}
}

// CreateRecord opens an issue and returns its number.
func (c *Client) CreateRecord(ctx context.Context, title, body string) (int, error) {
	issue, _, err := c.client.Issues.Create(ctx, c.owner, c.repo, &gh.IssueRequest{
		Title: gh.String(title),
		Body:  gh.String(body),
	})
	if err != nil {
		return 0, fmt.Errorf("create issue: %w", err)
	}
	c.logger.Info("📝 created issue #%d", issue.GetNumber())
	return issue.GetNumber(), nil
}

// AppendComment posts a comment on the issue.
func (c *Client) AppendComment(ctx context.Context, id int, body string) error {
	_, resp, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, id, &gh.IssueComment{Body: gh.String(body)})
	if err != nil {
		return c.wrap(resp, fmt.Sprintf("comment on issue #%d", id), err)
	}
	return nil
}

// ReadPlan extracts the plan embedded in the issue body.
func (c *Client) ReadPlan(ctx context.Context, id int) (*plan.TaskPlan, error) {
	issue, resp, err := c.client.Issues.Get(ctx, c.owner, c.repo, id)
	if err != nil {
		return nil, c.wrap(resp, fmt.Sprintf("get issue #%d", id), err)
	}
	p, found, err := plan.Extract(issue.GetBody())
	if err != nil {
		return nil, fmt.Errorf("issue #%d: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return p, nil
}

// WritePlan replaces the plan embedded in the issue body.
func (c *Client) WritePlan(ctx context.Context, id int, p *plan.TaskPlan) error {
	issue, resp, err := c.client.Issues.Get(ctx, c.owner, c.repo, id)
	if err != nil {
		return c.wrap(resp, fmt.Sprintf("get issue #%d", id), err)
	}
	body, err := plan.Embed(issue.GetBody(), p)
	if err != nil {
		return err
	}
	if _, resp, err := c.client.Issues.Edit(ctx, c.owner, c.repo, id, &gh.IssueRequest{Body: gh.String(body)}); err != nil {
		return c.wrap(resp, fmt.Sprintf("update issue #%d", id), err)
	}
	return nil
}

// CreatePatch opens a pull request.
func (c *Client) CreatePatch(ctx context.Context, req tracker.PatchRequest) (tracker.Patch, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.String(req.Title),
		Head:  gh.String(req.Head),
		Base:  gh.String(req.Base),
		Body:  gh.String(tracker.PatchBody(req.Body, req.RecordID)),
		Draft: gh.Bool(req.Draft),
	})
	if err != nil {
		return tracker.Patch{}, fmt.Errorf("create pull request %s → %s: %w", req.Head, req.Base, err)
	}
	c.logger.Info("🔀 opened pull request #%d (draft=%v)", pr.GetNumber(), req.Draft)
	return tracker.Patch{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

// UpdatePatch rewrites the title and body of an existing pull request.
func (c *Client) UpdatePatch(ctx context.Context, number int, req tracker.PatchRequest) (tracker.Patch, error) {
	pr, resp, err := c.client.PullRequests.Edit(ctx, c.owner, c.repo, number, &gh.PullRequest{
		Title: gh.String(req.Title),
		Body:  gh.String(tracker.PatchBody(req.Body, req.RecordID)),
	})
	if err != nil {
		return tracker.Patch{}, c.wrap(resp, fmt.Sprintf("update pull request #%d", number), err)
	}
	return tracker.Patch{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

func (c *Client) wrap(resp *gh.Response, action string, err error) error {
	var ghErr *gh.ErrorResponse
	if resp != nil && resp.StatusCode == http.StatusNotFound && errors.As(err, &ghErr) {
		return fmt.Errorf("%s: %w", action, tracker.ErrRecordNotFound)
	}
	return fmt.Errorf("%s: %w", action, err)
}

var _ tracker.Tracker = (*Client)(nil)
