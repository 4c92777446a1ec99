// Package githubchannel adapts the GitHub REST client and token manager to
// the router's Channel interface — the only outbound adapter this daemon
// registers.
package githubchannel

import (
	"context"
	"fmt"

	"github.com/agentdock/hostd/internal/ghapi"
	"github.com/agentdock/hostd/internal/ghapp"
	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/pkg/tid"
)

// Channel routes router output through a scoped installation token minted
// per-repository by the token manager.
type Channel struct {
	api     *ghapi.Client
	tokens  *ghapp.TokenManager
}

// New builds a GitHub Channel.
func New(api *ghapi.Client, tokens *ghapp.TokenManager) *Channel {
	return &Channel{api: api, tokens: tokens}
}

// Platform implements router.Channel.
func (c *Channel) Platform() string { return "github" }

// Owns implements router.Channel.
func (c *Channel) Owns(t tid.TID) bool { return t.Platform == "github" }

func (c *Channel) auth(ctx context.Context, t tid.TID) (ghapi.Auth, error) {
	return c.tokens.RepoAuthHeaders(ctx, t.Owner, t.Repo)
}

// SendComment implements router.Channel.
func (c *Channel) SendComment(t tid.TID, body string) error {
	ctx := context.Background()
	auth, err := c.auth(ctx, t)
	if err != nil {
		return fmt.Errorf("mint token for %s: %w", t.Prefix(), err)
	}
	return c.api.CreateIssueComment(ctx, auth, t.Owner, t.Repo, t.Number, body)
}

// SendReview implements router.Channel.
func (c *Channel) SendReview(t tid.TID, event, body string, comments []router.ReviewComment) error {
	ctx := context.Background()
	auth, err := c.auth(ctx, t)
	if err != nil {
		return fmt.Errorf("mint token for %s: %w", t.Prefix(), err)
	}
	apiComments := make([]ghapi.ReviewComment, 0, len(comments))
	for _, rc := range comments {
		apiComments = append(apiComments, ghapi.ReviewComment{Path: rc.Path, Line: rc.Line, Body: rc.Body, Side: rc.Side})
	}
	return c.api.SubmitReview(ctx, auth, t.Owner, t.Repo, t.Number, event, body, apiComments)
}

// CreatePullRequest implements router.Channel.
func (c *Channel) CreatePullRequest(t tid.TID, title, head, base, body string) (string, error) {
	ctx := context.Background()
	auth, err := c.auth(ctx, t)
	if err != nil {
		return "", fmt.Errorf("mint token for %s: %w", t.Prefix(), err)
	}
	pr, err := c.api.CreatePullRequest(ctx, auth, t.Owner, t.Repo, ghapi.CreatePRRequest{
		Title: title, Head: head, Base: base, Body: body,
	})
	if err != nil {
		return "", err
	}
	return pr.HTMLURL, nil
}
