// Package github provides GitHub API client and webhook handling.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"github.com/user/pullis/internal/storage"
	"golang.org/x/oauth2"
)

// ErrRepositoryNotFound is returned when a repository does not exist or is not visible.
var ErrRepositoryNotFound = errors.New("repository not found")

// Client wraps the GitHub API client.
type Client struct {
	client *gh.Client
}

// NewClient creates a new GitHub API client.
// If token is empty, an unauthenticated client is created (with lower rate limits).
func NewClient(token string) *Client {
	var client *gh.Client

	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc := oauth2.NewClient(context.Background(), ts)
		client = gh.NewClient(tc)
	} else {
		client = gh.NewClient(nil)
	}

	return &Client{client: client}
}

// LookupRepository fetches owner/repo and returns it as an unsaved repository record.
func (c *Client) LookupRepository(ctx context.Context, owner, repo string) (*storage.Repository, error) {
	r, resp, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		var rateErr *gh.RateLimitError
		if errors.As(err, &rateErr) {
			return nil, fmt.Errorf("rate limit exceeded: %w", err)
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrRepositoryNotFound, owner, repo)
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	record := repositoryRecord(r, r.GetOwner())
	return &record, nil
}
