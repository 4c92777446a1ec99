// Package dispatch is the heart of the control plane (component C6): it
// guarantees at most one running container per repository while capping
// total concurrent containers, multiplexes new work into an already-live
// container instead of starting a second one, and retries failed message
// runs with exponential backoff. Every admission decision is taken
// synchronously under a single mutex; only the resulting container run is
// launched asynchronously.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/ipc"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/tracing"
)

// RunMessagesFunc runs one message-driven agent container against prefix
// and reports whether the run succeeded (no surfaced agent error).
type RunMessagesFunc func(ctx context.Context, prefix string) bool

// TaskFunc runs one scheduled-task agent container and reports success.
type TaskFunc func(ctx context.Context) bool

// FolderResolver maps a repo-prefix to its registered folder, the
// filesystem identifier the IPC directory layout is keyed on.
type FolderResolver func(prefix string) (string, bool)

type taskEntry struct {
	id string
	fn TaskFunc
}

// groupState is the per-repo-prefix state machine described in §4.6.
type groupState struct {
	active          bool
	idleWaiting     bool
	isTaskContainer bool
	pendingMessages bool
	pendingTasks    []taskEntry
	retryCount      int
}

// Config tunes the dispatcher.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	BaseRetry     time.Duration
	DataDir       string
}

// Dispatcher is the per-repo serialization / global concurrency cap
// described in §4.6. All exported methods are safe for concurrent use.
type Dispatcher struct {
	cfg Config

	mu           sync.Mutex
	groups       map[string]*groupState
	activeCount  int
	waiting      []string // FIFO of repo-prefixes blocked by the global cap
	shuttingDown bool
	retryTimers  map[string]*time.Timer

	runMessages   RunMessagesFunc
	resolveFolder FolderResolver
	logger        *logging.Logger
}

// New builds a Dispatcher. runMessages is invoked for every message-driven
// container the queue admits; resolveFolder maps a prefix to its
// registered repository's folder for IPC file-drop operations.
func New(cfg Config, runMessages RunMessagesFunc, resolveFolder FolderResolver, log *logging.Logger) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Dispatcher{
		cfg:           cfg,
		groups:        make(map[string]*groupState),
		retryTimers:   make(map[string]*time.Timer),
		runMessages:   runMessages,
		resolveFolder: resolveFolder,
		logger:        log,
	}
}

func (d *Dispatcher) groupFor(prefix string) *groupState {
	g, ok := d.groups[prefix]
	if !ok {
		g = &groupState{}
		d.groups[prefix] = g
	}
	return g
}

// EnqueueMessageCheck implements enqueue_message_check(prefix) from §4.6.
// Callers should try SendMessage first; this is the path taken when no
// live non-task container exists to pipe into.
func (d *Dispatcher) EnqueueMessageCheck(prefix string) {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return
	}
	g := d.groupFor(prefix)

	if g.active {
		g.pendingMessages = true
		idle := g.idleWaiting
		d.mu.Unlock()
		if idle {
			d.writeCloseSentinel(prefix)
		}
		return
	}

	if d.activeCount >= d.cfg.MaxConcurrent {
		g.pendingMessages = true
		d.addWaiting(prefix)
		d.mu.Unlock()
		return
	}

	g.active = true
	g.isTaskContainer = false
	d.activeCount++
	d.mu.Unlock()

	go d.runMessagesWrapped(prefix)
}

// EnqueueTask implements enqueue_task(prefix, taskID, fn) from §4.6:
// identical admission logic to EnqueueMessageCheck, but against the ordered
// pendingTasks queue, deduplicated by task id.
func (d *Dispatcher) EnqueueTask(prefix, taskID string, fn TaskFunc) {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return
	}
	g := d.groupFor(prefix)

	for _, e := range g.pendingTasks {
		if e.id == taskID {
			d.mu.Unlock()
			return
		}
	}

	if g.active {
		g.pendingTasks = append(g.pendingTasks, taskEntry{id: taskID, fn: fn})
		idle := g.idleWaiting
		d.mu.Unlock()
		if idle {
			// A task takes strict priority; end the live container (even a
			// non-task one) so the task can start fresh.
			d.writeCloseSentinel(prefix)
		}
		return
	}

	if d.activeCount >= d.cfg.MaxConcurrent {
		g.pendingTasks = append(g.pendingTasks, taskEntry{id: taskID, fn: fn})
		d.addWaiting(prefix)
		d.mu.Unlock()
		return
	}

	g.active = true
	g.isTaskContainer = true
	d.activeCount++
	d.mu.Unlock()

	go d.runTaskWrapped(prefix, taskEntry{id: taskID, fn: fn})
}

// addWaiting appends prefix to the FIFO if not already present. Caller must hold d.mu.
func (d *Dispatcher) addWaiting(prefix string) {
	for _, p := range d.waiting {
		if p == prefix {
			return
		}
	}
	d.waiting = append(d.waiting, prefix)
}

// SendMessage implements send_message(prefix, text): if an active non-task
// container is running for prefix and its folder is known, atomically
// drops text into its input/ directory and reports true ("delivered, no
// new container needed"). Reports false otherwise, meaning the caller must
// fall back to EnqueueMessageCheck.
func (d *Dispatcher) SendMessage(prefix, text string) bool {
	d.mu.Lock()
	g, ok := d.groups[prefix]
	if !ok || !g.active || g.isTaskContainer {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	folder, ok := d.resolveFolder(prefix)
	if !ok {
		return false
	}
	if err := ipc.WriteInput(d.cfg.DataDir, folder, []byte(text)); err != nil {
		d.logger.Error("write ipc input failed", zap.String("repo", prefix), zap.Error(err))
		return false
	}
	return true
}

// NotifyIdle implements notify_idle(prefix): the agent is alive and
// blocking on stdin. If a task is already queued behind it, the live
// container is told to exit (tasks have strict priority over an idle
// container continuing to wait for messages).
func (d *Dispatcher) NotifyIdle(prefix string) {
	d.mu.Lock()
	g, ok := d.groups[prefix]
	if !ok {
		d.mu.Unlock()
		return
	}
	g.idleWaiting = true
	hasTasks := len(g.pendingTasks) > 0
	d.mu.Unlock()

	if hasTasks {
		d.writeCloseSentinel(prefix)
	}
}

// CloseStdin implements close_stdin(prefix): writes the sentinel unconditionally.
func (d *Dispatcher) CloseStdin(prefix string) {
	d.writeCloseSentinel(prefix)
}

func (d *Dispatcher) writeCloseSentinel(prefix string) {
	folder, ok := d.resolveFolder(prefix)
	if !ok {
		return
	}
	if err := ipc.WriteCloseSentinel(d.cfg.DataDir, folder); err != nil {
		d.logger.Error("write ipc close sentinel failed", zap.String("repo", prefix), zap.Error(err))
	}
}

func (d *Dispatcher) runMessagesWrapped(prefix string) {
	ctx, span := tracing.Tracer("dispatch").Start(context.Background(), "dispatch.run_messages")
	success := d.runMessages(ctx, prefix)
	span.End()
	d.finishRun(prefix, success, false)
}

func (d *Dispatcher) runTaskWrapped(prefix string, entry taskEntry) {
	ctx, span := tracing.Tracer("dispatch").Start(context.Background(), "dispatch.run_task")
	success := entry.fn(ctx)
	span.End()
	d.finishRun(prefix, success, true)
}

// finishRun implements the "Completion & drain" logic of §4.6: release the
// slot, then prefer a pending task over a pending message for the same
// prefix, then attempt a global drain of other prefixes blocked on the cap.
func (d *Dispatcher) finishRun(prefix string, success, wasTask bool) {
	d.mu.Lock()
	g := d.groupFor(prefix)
	g.active = false
	g.idleWaiting = false
	g.isTaskContainer = false
	d.activeCount--

	launch := d.tryPromoteLocked(prefix, g)
	var drained []func()
	if launch == nil {
		drained = d.drainGlobalLocked()
	}

	var retryTimer *time.Timer
	if !wasTask {
		if success {
			g.retryCount = 0
		} else {
			g.retryCount++
			if g.retryCount <= d.cfg.MaxRetries {
				delay := backoff(d.cfg.BaseRetry, g.retryCount)
				retryTimer = time.AfterFunc(delay, func() { d.EnqueueMessageCheck(prefix) })
				d.retryTimers[prefix] = retryTimer
			} else {
				d.logger.Warn("dispatch retries exhausted, dropping", zap.String("repo", prefix), zap.Int("retry_count", g.retryCount))
				g.retryCount = 0
			}
		}
	}
	d.mu.Unlock()

	if launch != nil {
		go launch()
	}
	for _, fn := range drained {
		go fn()
	}
}

// backoff computes BASE_RETRY * 2^(n-1).
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(uint64(1)<<uint(attempt-1))
}

// tryPromoteLocked promotes the next pending task (priority) or pending
// message for g/prefix into the active slot. Caller must hold d.mu.
// Returns nil if nothing is pending.
func (d *Dispatcher) tryPromoteLocked(prefix string, g *groupState) func() {
	if len(g.pendingTasks) > 0 {
		entry := g.pendingTasks[0]
		g.pendingTasks = g.pendingTasks[1:]
		g.active = true
		g.isTaskContainer = true
		d.activeCount++
		return func() { d.runTaskWrapped(prefix, entry) }
	}
	if g.pendingMessages {
		g.pendingMessages = false
		g.active = true
		g.isTaskContainer = false
		d.activeCount++
		return func() { d.runMessagesWrapped(prefix) }
	}
	return nil
}

// drainGlobalLocked pops prefixes off the waiting FIFO while there is
// global capacity, promoting each one's pending work. Caller must hold d.mu.
func (d *Dispatcher) drainGlobalLocked() []func() {
	var launches []func()
	for len(d.waiting) > 0 && d.activeCount < d.cfg.MaxConcurrent {
		prefix := d.waiting[0]
		d.waiting = d.waiting[1:]

		g, ok := d.groups[prefix]
		if !ok {
			continue
		}
		if launch := d.tryPromoteLocked(prefix, g); launch != nil {
			launches = append(launches, launch)
		}
	}
	return launches
}

// Shutdown stops accepting new work and cancels pending retry timers.
// Active containers are deliberately left running (detached, not killed)
// so they survive a process restart; a subsequent start reaps them by
// label.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shuttingDown = true
	for prefix, timer := range d.retryTimers {
		timer.Stop()
		delete(d.retryTimers, prefix)
	}
}

// Snapshot is a point-in-time view of dispatcher state for the internal status API.
type Snapshot struct {
	ActiveCount   int
	MaxConcurrent int
	Waiting       []string
	Groups        map[string]GroupSnapshot
}

// GroupSnapshot mirrors groupState for external observers.
type GroupSnapshot struct {
	Active          bool
	IdleWaiting     bool
	IsTaskContainer bool
	PendingMessages bool
	PendingTaskIDs  []string
	RetryCount      int
}

// Snapshot returns the current dispatcher state for the status API.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	groups := make(map[string]GroupSnapshot, len(d.groups))
	for prefix, g := range d.groups {
		ids := make([]string, 0, len(g.pendingTasks))
		for _, e := range g.pendingTasks {
			ids = append(ids, e.id)
		}
		groups[prefix] = GroupSnapshot{
			Active: g.active, IdleWaiting: g.idleWaiting, IsTaskContainer: g.isTaskContainer,
			PendingMessages: g.pendingMessages, PendingTaskIDs: ids, RetryCount: g.retryCount,
		}
	}

	waiting := make([]string, len(d.waiting))
	copy(waiting, d.waiting)

	return Snapshot{
		ActiveCount: d.activeCount, MaxConcurrent: d.cfg.MaxConcurrent,
		Waiting: waiting, Groups: groups,
	}
}
