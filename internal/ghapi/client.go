// Package ghapi is a direct REST client against the GitHub API. Every call
// takes its own bearer credential (a scoped installation token, or the app's
// own JWT for installation-token minting) rather than caching a single PAT,
// since the daemon speaks as many different repo-scoped identities.
package ghapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIVersion = "2022-11-28"

// Auth is a request credential: either "token <installation-token>" or
// "Bearer <app-jwt>" (see internal/ghapp for the JWT minting side).
type Auth struct {
	Scheme string // "token" or "Bearer"
	Value  string
}

func (a Auth) header() string { return a.Scheme + " " + a.Value }

// Client is a thin, stateless REST client: every method takes the Auth it should use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (normally https://api.github.com).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, auth Auth, body []byte, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", auth.header())
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", defaultAPIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Endpoint: endpoint, Body: string(respBody)}
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return resp.StatusCode, nil
}

// APIError captures a non-2xx GitHub API response so callers can branch on status.
type APIError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api %s returned %d: %s", e.Endpoint, e.Status, e.Body)
}

func (c *Client) get(ctx context.Context, endpoint string, auth Auth, result interface{}) error {
	_, err := c.do(ctx, http.MethodGet, endpoint, auth, nil, result)
	return err
}

func (c *Client) post(ctx context.Context, endpoint string, auth Auth, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, endpoint, auth, body, result)
	return err
}

// CollaboratorPermission is the permission GitHub reports for a user on a repo.
type CollaboratorPermission struct {
	Permission string `json:"permission"` // admin, maintain, write, triage, read
}

// GetCollaboratorPermission reports sender's permission level on owner/repo.
// A 404 (not a collaborator) is returned as an *APIError so the access gate
// can distinguish it from a genuine transport failure.
func (c *Client) GetCollaboratorPermission(ctx context.Context, auth Auth, owner, repo, sender string) (*CollaboratorPermission, error) {
	var result CollaboratorPermission
	endpoint := fmt.Sprintf("/repos/%s/%s/collaborators/%s/permission", owner, repo, sender)
	if err := c.get(ctx, endpoint, auth, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateIssueComment posts a plain comment on an issue or PR (PRs are issues for this endpoint).
func (c *Client) CreateIssueComment(ctx context.Context, auth Auth, owner, repo string, number int, body string) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return c.post(ctx, endpoint, auth, map[string]string{"body": body}, nil)
}

// ReviewComment is a single inline comment attached to a diff hunk.
type ReviewComment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
	Side string `json:"side,omitempty"` // LEFT or RIGHT, default RIGHT
}

// SubmitReview posts a PR review, event is one of APPROVE, REQUEST_CHANGES, COMMENT.
func (c *Client) SubmitReview(ctx context.Context, auth Auth, owner, repo string, number int, event, body string, comments []ReviewComment) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, number)
	payload := map[string]interface{}{"event": event}
	if body != "" {
		payload["body"] = body
	}
	if len(comments) > 0 {
		payload["comments"] = comments
	}
	return c.post(ctx, endpoint, auth, payload, nil)
}

// CreatePRRequest is the body for opening a new pull request.
type CreatePRRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
	Draft bool   `json:"draft"`
}

// CreatedPR is the subset of the create-PR response the router cares about.
type CreatedPR struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreatePullRequest opens a new PR from req.Head into req.Base.
func (c *Client) CreatePullRequest(ctx context.Context, auth Auth, owner, repo string, req CreatePRRequest) (*CreatedPR, error) {
	var result CreatedPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := c.post(ctx, endpoint, auth, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Installation is the subset of an installation object the token manager needs.
type Installation struct {
	ID int64 `json:"id"`
}

// GetRepoInstallation resolves the installation id covering owner/repo, authenticating as the app (JWT).
func (c *Client) GetRepoInstallation(ctx context.Context, appAuth Auth, owner, repo string) (*Installation, error) {
	var result Installation
	endpoint := fmt.Sprintf("/repos/%s/%s/installation", owner, repo)
	if err := c.get(ctx, endpoint, appAuth, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// InstallationToken is the response from minting a scoped access token.
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateInstallationTokenRequest scopes the minted token to specific repos/permissions.
type CreateInstallationTokenRequest struct {
	Repositories []string          `json:"repositories,omitempty"`
	Permissions  map[string]string `json:"permissions,omitempty"`
}

// CreateInstallationToken mints a short-lived, repo-scoped token, authenticating as the app (JWT).
func (c *Client) CreateInstallationToken(ctx context.Context, appAuth Auth, installationID int64, req CreateInstallationTokenRequest) (*InstallationToken, error) {
	var result InstallationToken
	endpoint := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	if err := c.post(ctx, endpoint, appAuth, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
