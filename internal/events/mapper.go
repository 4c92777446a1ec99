package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentdock/hostd/pkg/tid"
)

// CanonicalEvent is the normalized shape every accepted webhook delivery is
// reduced to before it reaches the access gate and dispatch queue.
type CanonicalEvent struct {
	DeliveryID    string
	EventName     string
	TID           tid.TID
	SenderHandle  string
	SenderDisplay string
	Prompt        string // XML-like payload, user-sourced strings escaped
	Metadata      map[string]string
	Mentioned     bool
}

// Mapper normalizes raw GitHub webhook bodies into CanonicalEvents,
// dropping bot-origin and uninteresting events per §4.4.
type Mapper struct {
	appSlug string
}

// NewMapper builds a Mapper that recognizes appSlug's own bot identity so
// the app never reacts to its own comments.
func NewMapper(appSlug string) *Mapper {
	return &Mapper{appSlug: appSlug}
}

// There is no sentinel error for a dropped event: Map signals drops by
// returning a nil event with a nil error, and reserves non-nil errors for
// malformed payloads.

// Map decodes body for eventName and returns the canonical event, or
// (nil, nil) if the event should be silently dropped, or a non-nil error if
// the payload is malformed JSON.
func (m *Mapper) Map(deliveryID, eventName string, body []byte) (*CanonicalEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventName, err)
	}

	if raw.Sender.isBot() || (m.appSlug != "" && raw.Sender.Login == m.appSlug+"[bot]") {
		return nil, nil
	}
	if raw.Installation == nil || raw.Repository.FullName == "" {
		return nil, nil
	}

	owner := raw.Repository.Owner.Login
	repo := raw.Repository.Name

	switch eventName {
	case "issue":
		return m.mapIssue(deliveryID, eventName, owner, repo, raw)
	case "issue_comment":
		return m.mapIssueComment(deliveryID, eventName, owner, repo, raw)
	case "pull_request":
		return m.mapPullRequest(deliveryID, eventName, owner, repo, raw)
	case "pull_request_review":
		return m.mapPullRequestReview(deliveryID, eventName, owner, repo, raw)
	case "pull_request_review_comment":
		return m.mapPullRequestReviewComment(deliveryID, eventName, owner, repo, raw)
	default:
		return nil, nil
	}
}

func (m *Mapper) mapIssue(deliveryID, eventName, owner, repo string, raw rawEvent) (*CanonicalEvent, error) {
	if raw.Action != "opened" && raw.Action != "assigned" {
		return nil, nil
	}
	if raw.Issue == nil {
		return nil, nil
	}
	t := tid.New("github", owner, repo, tid.KindIssue, raw.Issue.Number)
	prompt := renderEvent("issue", map[string]string{
		"repo":   owner + "/" + repo,
		"sender": raw.Sender.Login,
		"title":  raw.Issue.Title,
		"body":   raw.Issue.Body,
	})
	return &CanonicalEvent{
		DeliveryID: deliveryID, EventName: eventName, TID: t,
		SenderHandle: raw.Sender.Login, SenderDisplay: raw.Sender.Login,
		Prompt:   prompt,
		Metadata: map[string]string{"issue_number": itoa(raw.Issue.Number)},
	}, nil
}

func (m *Mapper) mapIssueComment(deliveryID, eventName, owner, repo string, raw rawEvent) (*CanonicalEvent, error) {
	if raw.Action != "created" {
		return nil, nil
	}
	if raw.Issue == nil || raw.Comment == nil {
		return nil, nil
	}

	kind := tid.KindIssue
	if raw.Issue.PullRequest != nil {
		kind = tid.KindPR
	}
	t := tid.New("github", owner, repo, kind, raw.Issue.Number)

	mentioned := mentions(raw.Comment.Body, m.appSlug)
	prompt := renderEvent("issue_comment", map[string]string{
		"repo":   owner + "/" + repo,
		"sender": raw.Sender.Login,
		"title":  raw.Issue.Title,
		"body":   raw.Comment.Body,
	})
	return &CanonicalEvent{
		DeliveryID: deliveryID, EventName: eventName, TID: t,
		SenderHandle: raw.Sender.Login, SenderDisplay: raw.Sender.Login,
		Prompt:    prompt,
		Mentioned: mentioned,
		Metadata: map[string]string{
			"issue_number": itoa(raw.Issue.Number),
			"comment_id":   itoa64(raw.Comment.ID),
		},
	}, nil
}

func (m *Mapper) mapPullRequest(deliveryID, eventName, owner, repo string, raw rawEvent) (*CanonicalEvent, error) {
	if raw.Action != "opened" && raw.Action != "synchronize" {
		return nil, nil
	}
	if raw.PullRequest == nil {
		return nil, nil
	}
	t := tid.New("github", owner, repo, tid.KindPR, raw.PullRequest.Number)
	prompt := renderEvent("pull_request", map[string]string{
		"repo":   owner + "/" + repo,
		"sender": raw.Sender.Login,
		"title":  raw.PullRequest.Title,
		"body":   raw.PullRequest.Body,
	})
	return &CanonicalEvent{
		DeliveryID: deliveryID, EventName: eventName, TID: t,
		SenderHandle: raw.Sender.Login, SenderDisplay: raw.Sender.Login,
		Prompt: prompt,
		Metadata: map[string]string{
			"pr_number": itoa(raw.PullRequest.Number),
			"head_sha":  raw.PullRequest.Head.SHA,
		},
	}, nil
}

func (m *Mapper) mapPullRequestReview(deliveryID, eventName, owner, repo string, raw rawEvent) (*CanonicalEvent, error) {
	if raw.Action != "submitted" {
		return nil, nil
	}
	if raw.PullRequest == nil || raw.Review == nil {
		return nil, nil
	}
	if !mentions(raw.Review.Body, m.appSlug) {
		return nil, nil
	}
	t := tid.New("github", owner, repo, tid.KindPR, raw.PullRequest.Number)
	prompt := renderEvent("pull_request_review", map[string]string{
		"repo":   owner + "/" + repo,
		"sender": raw.Sender.Login,
		"state":  raw.Review.State,
		"body":   raw.Review.Body,
	})
	return &CanonicalEvent{
		DeliveryID: deliveryID, EventName: eventName, TID: t,
		SenderHandle: raw.Sender.Login, SenderDisplay: raw.Sender.Login,
		Prompt:    prompt,
		Mentioned: true,
		Metadata: map[string]string{
			"pr_number": itoa(raw.PullRequest.Number),
			"review_id": itoa64(raw.Review.ID),
		},
	}, nil
}

func (m *Mapper) mapPullRequestReviewComment(deliveryID, eventName, owner, repo string, raw rawEvent) (*CanonicalEvent, error) {
	if raw.Action != "created" {
		return nil, nil
	}
	if raw.PullRequest == nil || raw.Comment == nil {
		return nil, nil
	}
	mentioned := mentions(raw.Comment.Body, m.appSlug)
	if !mentioned && raw.Comment.InReplyToID == 0 {
		return nil, nil
	}
	t := tid.New("github", owner, repo, tid.KindPR, raw.PullRequest.Number)
	prompt := renderEvent("pull_request_review_comment", map[string]string{
		"repo":   owner + "/" + repo,
		"sender": raw.Sender.Login,
		"path":   raw.Comment.Path,
		"body":   raw.Comment.Body,
	})
	return &CanonicalEvent{
		DeliveryID: deliveryID, EventName: eventName, TID: t,
		SenderHandle: raw.Sender.Login, SenderDisplay: raw.Sender.Login,
		Prompt:    prompt,
		Mentioned: mentioned,
		Metadata: map[string]string{
			"pr_number":      itoa(raw.PullRequest.Number),
			"comment_id":     itoa64(raw.Comment.ID),
			"in_reply_to_id": itoa64(raw.Comment.InReplyToID),
			"file_path":      raw.Comment.Path,
			"line":           itoa(raw.Comment.Line),
		},
	}, nil
}

// mentions reports whether body contains an @-mention of slug.
func mentions(body, slug string) bool {
	if slug == "" {
		return false
	}
	return strings.Contains(body, "@"+slug)
}

// escapeXML escapes the four characters meaningful inside the XML-like
// prompt payload. Every user-sourced string passes through this before
// being embedded.
func escapeXML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return replacer.Replace(s)
}

// renderEvent renders an XML-like element named tag with each field value
// escaped, in stable key order so output is deterministic for tests.
func renderEvent(tag string, fields map[string]string) string {
	order := []string{"repo", "sender", "title", "state", "path", "body"}
	var b strings.Builder
	fmt.Fprintf(&b, "<event type=%q>\n", tag)
	for _, key := range order {
		v, ok := fields[key]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  <%s>%s</%s>\n", key, escapeXML(v), key)
	}
	b.WriteString("</event>")
	return b.String()
}

func itoa(n int) string   { return fmt.Sprintf("%d", n) }
func itoa64(n int64) string { return fmt.Sprintf("%d", n) }
