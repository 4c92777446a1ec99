// Package router pairs thread identifiers to the outbound channel that
// owns them and strips internal-only spans out of agent text before it is
// ever sent outbound (component C10).
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentdock/hostd/pkg/tid"
)

// Channel is a single source-control adapter. Only one concrete
// implementation (GitHub) is anticipated; this is a tagged variant, not an
// open-ended plugin interface, per the spec's design notes.
type Channel interface {
	// Platform is the TID platform segment this channel owns, e.g. "github".
	Platform() string
	// Owns reports whether this channel can deliver to t.
	Owns(t tid.TID) bool
	// SendComment posts a plain comment on t's thread.
	SendComment(t tid.TID, body string) error
	// SendReview posts a structured review on a PR thread.
	SendReview(t tid.TID, event, body string, comments []ReviewComment) error
	// CreatePullRequest opens a new PR on t's repository.
	CreatePullRequest(t tid.TID, title, head, base, body string) (string, error)
}

// ReviewComment is one inline comment attached to a diff hunk.
type ReviewComment struct {
	Path string
	Line int
	Body string
	Side string
}

// Router dispatches outbound agent output to the channel that owns its thread.
type Router struct {
	channels []Channel
}

// New builds a Router over an ordered list of channels; the first owning
// channel wins.
func New(channels ...Channel) *Router {
	return &Router{channels: channels}
}

// ErrNoChannel is returned when no registered channel owns a TID.
type ErrNoChannel struct{ TID string }

func (e *ErrNoChannel) Error() string {
	return fmt.Sprintf("no channel owns thread %s", e.TID)
}

// FindChannel picks the first channel whose Owns predicate matches t.
func (r *Router) FindChannel(t tid.TID) (Channel, error) {
	for _, ch := range r.channels {
		if ch.Owns(t) {
			return ch, nil
		}
	}
	return nil, &ErrNoChannel{TID: t.String()}
}

// internalSpan matches a paired <internal>...</internal> block, non-greedy
// and spanning newlines — agent scratch notes that must never reach an
// outbound thread.
var internalSpan = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// FormatOutbound strips every <internal>...</internal> span from raw and
// trims the remainder. An empty result means "do not send".
func FormatOutbound(raw string) string {
	stripped := internalSpan.ReplaceAllString(raw, "")
	return strings.TrimSpace(stripped)
}

// SendComment routes body to t's owning channel as a plain comment. A blank
// body after FormatOutbound is a no-op, not an error.
func (r *Router) SendComment(t tid.TID, rawBody string) error {
	body := FormatOutbound(rawBody)
	if body == "" {
		return nil
	}
	ch, err := r.FindChannel(t)
	if err != nil {
		return err
	}
	return ch.SendComment(t, body)
}

// SendReview routes a structured review to t's owning channel.
func (r *Router) SendReview(t tid.TID, event, rawBody string, comments []ReviewComment) error {
	body := FormatOutbound(rawBody)
	ch, err := r.FindChannel(t)
	if err != nil {
		return err
	}
	return ch.SendReview(t, event, body, comments)
}

// CreatePullRequest routes a new-PR request to t's owning channel.
func (r *Router) CreatePullRequest(t tid.TID, title, head, base, rawBody string) (string, error) {
	body := FormatOutbound(rawBody)
	ch, err := r.FindChannel(t)
	if err != nil {
		return "", err
	}
	return ch.CreatePullRequest(t, title, head, base, body)
}
