package ipcwatcher

import (
	"context"
	"fmt"

	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/pkg/tid"
)

// handleMessageFile dispatches one file dropped into a folder's messages/
// directory: message, github_comment, github_review, or github_create_pr.
func (w *Watcher) handleMessageFile(ctx context.Context, folder string, raw []byte) error {
	var env envelope
	if err := decodeStrict(raw, &env); err != nil {
		return fmt.Errorf("decode message envelope: %w", err)
	}

	switch env.Type {
	case "message", "github_comment":
		t, err := parseChat(env.Chat)
		if err != nil {
			return err
		}
		ok, err := w.authorizePrefix(ctx, folder, t.Prefix())
		if err != nil {
			return err
		}
		if !ok {
			return errUnauthorized
		}
		if env.Body == "" {
			return fmt.Errorf("%s: missing body", env.Type)
		}
		return w.router.SendComment(t, env.Body)

	case "github_review":
		t, err := parseChat(env.Chat)
		if err != nil {
			return err
		}
		ok, err := w.authorizePrefix(ctx, folder, t.Prefix())
		if err != nil {
			return err
		}
		if !ok {
			return errUnauthorized
		}
		if env.Event != "APPROVE" && env.Event != "REQUEST_CHANGES" && env.Event != "COMMENT" {
			return fmt.Errorf("github_review: invalid event %q", env.Event)
		}
		comments := make([]router.ReviewComment, 0, len(env.Comments))
		for _, c := range env.Comments {
			comments = append(comments, router.ReviewComment{Path: c.Path, Line: c.Line, Body: c.Body, Side: c.Side})
		}
		return w.router.SendReview(t, env.Event, env.Body, comments)

	case "github_create_pr":
		if env.Owner == "" || env.Repo == "" {
			return fmt.Errorf("github_create_pr: missing owner/repo")
		}
		prefix := "github:" + env.Owner + "/" + env.Repo
		ok, err := w.authorizePrefix(ctx, folder, prefix)
		if err != nil {
			return err
		}
		if !ok {
			return errUnauthorized
		}
		t := tid.New("github", env.Owner, env.Repo, tid.KindIssue, 0)
		_, err = w.router.CreatePullRequest(t, env.Title, env.Head, env.Base, env.Body)
		return err

	default:
		return fmt.Errorf("unhandled message type %q", env.Type)
	}
}
