// Package ingest is the glue between webhook ingestion, the event mapper,
// the access gate, and the dispatch queue: it turns one accepted webhook
// delivery into a persisted message and a dispatch admission call, and it
// supplies the dispatcher's RunMessagesFunc — gathering every thread's
// pending messages under a repository prefix, driving one container run
// through the supervisor, and routing streamed output back to the threads
// that originated it.
package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/access"
	"github.com/agentdock/hostd/internal/events"
	"github.com/agentdock/hostd/internal/ghapi"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/internal/store"
	"github.com/agentdock/hostd/internal/supervisor"
	"github.com/agentdock/hostd/pkg/tid"
)

// Dispatch is the subset of *dispatch.Dispatcher the pipeline drives.
type Dispatch interface {
	SendMessage(prefix, text string) bool
	EnqueueMessageCheck(prefix string)
}

// TokenSource mints the scoped credential the access gate and outbound
// channel both need; satisfied by *ghapp.TokenManager.
type TokenSource interface {
	RepoAuthHeaders(ctx context.Context, owner, repo string) (ghapi.Auth, error)
}

// ContainerRunner drives one sandboxed agent run; satisfied by *supervisor.Supervisor.
type ContainerRunner interface {
	Run(ctx context.Context, group supervisor.GroupSpec, input supervisor.Input, onOutput func(supervisor.OutputChunk)) (supervisor.RunResult, error)
}

// Pipeline wires C3/C4/C5/C1 ingestion into C6/C7/C10.
type Pipeline struct {
	store         *store.Store
	mapper        *events.Mapper
	gate          *access.Gate
	dispatch      Dispatch
	router        *router.Router
	tokens        TokenSource
	runner        ContainerRunner
	policy        access.Policy
	assistantName string
	logger        *logging.Logger
}

// New builds a Pipeline.
func New(st *store.Store, mapper *events.Mapper, gate *access.Gate, disp Dispatch, rtr *router.Router,
	tokens TokenSource, runner ContainerRunner, policy access.Policy, assistantName string, log *logging.Logger) *Pipeline {
	return &Pipeline{
		store: st, mapper: mapper, gate: gate, dispatch: disp, router: rtr,
		tokens: tokens, runner: runner, policy: policy, assistantName: assistantName, logger: log,
	}
}

// Accept runs one webhook delivery through idempotent persistence, mapping,
// the per-repo trigger gate, and the access gate, then admits the
// originating thread's repository into the dispatch queue. A delivery that
// is legitimately dropped (duplicate, unhandled event type, unregistered
// repo, access denied) is logged, not surfaced as an error — the HTTP layer
// has already returned 200 by the time this runs.
func (p *Pipeline) Accept(ctx context.Context, deliveryID, eventName string, body []byte) error {
	if err := p.store.InsertDelivery(ctx, store.Delivery{
		DeliveryID: deliveryID, EventName: eventName, ReceivedAt: time.Now().UTC(), RawBody: body,
	}); err != nil {
		return fmt.Errorf("persist delivery: %w", err)
	}

	already, err := p.store.IsProcessed(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("check delivery idempotency: %w", err)
	}
	if already {
		return nil
	}

	event, err := p.mapper.Map(deliveryID, eventName, body)
	if err != nil {
		p.logger.Warn("malformed webhook payload", zap.String("delivery_id", deliveryID), zap.String("event", eventName), zap.Error(err))
		return p.finishDelivery(ctx, deliveryID)
	}
	if event == nil {
		return p.finishDelivery(ctx, deliveryID)
	}
	log := p.logger.WithRepo(event.TID.Prefix())

	repo, err := p.store.GetRepo(ctx, event.TID.Prefix())
	if err != nil {
		return fmt.Errorf("look up registered repo: %w", err)
	}
	if repo == nil {
		log.Debug("event for unregistered repo dropped")
		return p.finishDelivery(ctx, deliveryID)
	}

	if repo.RequiresTrigger && !event.Mentioned && !matchesTrigger(event.Prompt, repo.TriggerPattern) {
		log.Debug("event did not match trigger, dropped")
		return p.finishDelivery(ctx, deliveryID)
	}

	auth, err := p.tokens.RepoAuthHeaders(ctx, event.TID.Owner, event.TID.Repo)
	if err != nil {
		return fmt.Errorf("mint token for %s: %w", event.TID.Prefix(), err)
	}

	decision, err := p.gate.Check(ctx, auth, event.TID.Owner, event.TID.Repo, event.SenderHandle, event.TID.Prefix(), p.policy)
	if err != nil {
		return fmt.Errorf("access check: %w", err)
	}
	if !decision.Allowed {
		log.Info("event rejected by access gate", zap.String("sender", event.SenderHandle), zap.String("reason", decision.Reason))
		return p.finishDelivery(ctx, deliveryID)
	}

	if err := p.store.InsertMessage(ctx, store.Message{
		DeliveryID: deliveryID, Chat: event.TID.String(), SenderHandle: event.SenderHandle,
		SenderDisplay: event.SenderDisplay, Content: event.Prompt, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	if err := p.finishDelivery(ctx, deliveryID); err != nil {
		return err
	}

	prefix := event.TID.Prefix()
	if !p.dispatch.SendMessage(prefix, event.Prompt) {
		p.dispatch.EnqueueMessageCheck(prefix)
	}
	return nil
}

func (p *Pipeline) finishDelivery(ctx context.Context, deliveryID string) error {
	if err := p.store.MarkProcessed(ctx, deliveryID); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return p.store.MarkDeliveryProcessed(ctx, deliveryID)
}

// matchesTrigger reports whether content matches pattern, treating a blank
// or malformed pattern as never matching (a repo with requires-trigger set
// but no usable pattern only reacts to mentions).
func matchesTrigger(content, pattern string) bool {
	if pattern == "" {
		return false
	}
	matched, err := regexp.MatchString(pattern, content)
	return err == nil && matched
}

// pendingThread is one chat's unprocessed message backlog, gathered while
// assembling a single repository-prefix container run.
type pendingThread struct {
	tid      tid.TID
	messages []store.Message
}

// RunMessages implements dispatch.RunMessagesFunc: it gathers every thread
// under prefix with messages past its cursor, folds them into one prompt,
// drives a single container run, and routes streamed output back to the
// last thread in PendingChatsForPrefix order (the one whose earliest pending
// message is the newest). All pending threads advance together;
// rollback on failure leaves every cursor untouched, so the same range
// replays on retry (§5 ordering guarantees).
func (p *Pipeline) RunMessages(ctx context.Context, prefix string) bool {
	log := p.logger.WithRepo(prefix)

	repo, err := p.store.GetRepo(ctx, prefix)
	if err != nil || repo == nil {
		log.Error("run_messages: repo not registered", zap.Error(err))
		return false
	}

	chats, err := p.store.PendingChatsForPrefix(ctx, prefix)
	if err != nil {
		log.Error("run_messages: list pending chats failed", zap.Error(err))
		return false
	}
	if len(chats) == 0 {
		return true
	}

	var threads []pendingThread
	var prompt strings.Builder
	for _, chat := range chats {
		t, err := tid.Parse(chat)
		if err != nil {
			log.Warn("run_messages: unparsable chat skipped", zap.String("chat", chat), zap.Error(err))
			continue
		}
		cursor, err := p.store.GetCursor(ctx, chat)
		if err != nil {
			log.Error("run_messages: read cursor failed", zap.String("chat", chat), zap.Error(err))
			return false
		}
		msgs, err := p.store.MessagesSince(ctx, chat, cursor, p.assistantName)
		if err != nil {
			log.Error("run_messages: read messages failed", zap.String("chat", chat), zap.Error(err))
			return false
		}
		if len(msgs) == 0 {
			continue
		}
		threads = append(threads, pendingThread{tid: t, messages: msgs})
		for _, m := range msgs {
			prompt.WriteString(m.Content)
			prompt.WriteString("\n")
		}
	}
	if len(threads) == 0 {
		return true
	}

	primary := threads[len(threads)-1].tid

	sessionID, err := p.store.GetSession(ctx, repo.Folder)
	if err != nil {
		log.Warn("run_messages: read session failed", zap.Error(err))
	}

	isMain := repo.Folder == "main"
	input := supervisor.Input{
		Prompt: prompt.String(), SessionID: sessionID, GroupFolder: repo.Folder,
		ChatJID: primary.String(), IsMain: isMain, AssistantName: p.assistantName,
	}
	group := supervisor.GroupSpec{
		RepoPrefix: prefix, Folder: repo.Folder, IsMain: isMain,
		AdditionalMounts: repo.AdditionalMounts,
		ContainerTimeout: time.Duration(repo.ContainerTimeoutMs) * time.Millisecond,
	}

	onOutput := func(chunk supervisor.OutputChunk) {
		p.routeOutput(log, primary, chunk)
		if chunk.NewSessionID != "" {
			if err := p.store.SetSession(ctx, repo.Folder, chunk.NewSessionID); err != nil {
				log.Warn("persist session id failed", zap.Error(err))
			}
		}
	}

	result, err := p.runner.Run(ctx, group, input, onOutput)
	if err != nil {
		log.Error("run_messages: container run failed", zap.Error(err))
		return false
	}
	if !result.Success {
		return false
	}

	for _, th := range threads {
		cursorAt := latestTimestamp(th.messages)
		if err := p.store.SetCursor(ctx, th.tid.String(), cursorAt); err != nil {
			log.Error("advance cursor failed", zap.String("chat", th.tid.String()), zap.Error(err))
		}
	}
	return true
}

// routeOutput sends a successful chunk's result back to t's thread; an
// agent-reported error is logged, not routed (the run's overall success
// still drives cursor advancement and retry).
func (p *Pipeline) routeOutput(log *logging.Logger, t tid.TID, chunk supervisor.OutputChunk) {
	if chunk.Error != "" {
		log.Warn("agent reported error", zap.String("chat", t.String()), zap.String("error", chunk.Error))
		return
	}
	if chunk.Result == "" {
		return
	}
	if err := p.router.SendComment(t, chunk.Result); err != nil {
		log.Error("route agent output failed", zap.String("chat", t.String()), zap.Error(err))
	}
}

func latestTimestamp(msgs []store.Message) time.Time {
	var latest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest
}

// ResolveFolder implements dispatch.FolderResolver against the repo store.
func (p *Pipeline) ResolveFolder(prefix string) (string, bool) {
	repo, err := p.store.GetRepo(context.Background(), prefix)
	if err != nil || repo == nil {
		return "", false
	}
	return repo.Folder, true
}
