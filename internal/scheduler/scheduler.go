// Package scheduler polls the store for due scheduled tasks and admits each
// one into the dispatch queue (component C9), sharing per-repository
// serialization with webhook-driven runs instead of bypassing it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/dispatch"
	"github.com/agentdock/hostd/internal/ipcwatcher"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/internal/schedule"
	"github.com/agentdock/hostd/internal/store"
	"github.com/agentdock/hostd/internal/supervisor"
	"github.com/agentdock/hostd/pkg/tid"
)

// Dispatch is the subset of *dispatch.Dispatcher the scheduler drives.
type Dispatch interface {
	EnqueueTask(prefix, taskID string, fn dispatch.TaskFunc)
	CloseStdin(prefix string)
}

// ContainerRunner drives one sandboxed agent run; satisfied by *supervisor.Supervisor.
type ContainerRunner interface {
	Run(ctx context.Context, group supervisor.GroupSpec, input supervisor.Input, onOutput func(supervisor.OutputChunk)) (supervisor.RunResult, error)
}

// closeDelay is how long a scheduled-task container is left open for
// follow-up streamed output after its first result, before the scheduler
// tells it to exit.
const closeDelay = 10 * time.Second

// Scheduler is component C9.
type Scheduler struct {
	store         *store.Store
	router        *router.Router
	dispatch      Dispatch
	runner        ContainerRunner
	dataDir       string
	assistantName string
	pollInterval  time.Duration
	logger        *logging.Logger
}

// New builds a Scheduler.
func New(st *store.Store, rtr *router.Router, disp Dispatch, runner ContainerRunner, dataDir, assistantName string, pollInterval time.Duration, log *logging.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Scheduler{
		store: st, router: rtr, dispatch: disp, runner: runner,
		dataDir: dataDir, assistantName: assistantName, pollInterval: pollInterval, logger: log,
	}
}

// Run blocks, polling for due tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DueTasks(ctx, time.Now())
	if err != nil {
		s.logger.Warn("scheduler: list due tasks failed", zap.Error(err))
		return
	}
	for _, task := range due {
		s.admit(task)
	}
}

// admit parses the task's target thread and enqueues a TaskFunc closure
// through the shared dispatch queue, so a due task waits behind (or ahead
// of, per the strict task-priority rule) whatever else is running for the
// same repository.
func (s *Scheduler) admit(task store.Task) {
	t, err := tid.Parse(task.Chat)
	if err != nil {
		s.logger.Warn("scheduler: task has unparsable chat", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	prefix := t.Prefix()
	taskID := task.ID
	s.dispatch.EnqueueTask(prefix, taskID, func(ctx context.Context) bool {
		return s.runTask(ctx, taskID, prefix, t)
	})
}

// runTask is the dispatch.TaskFunc invoked once the queue grants the slot.
func (s *Scheduler) runTask(ctx context.Context, taskID, prefix string, t tid.TID) bool {
	log := s.logger.WithRepo(prefix)

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		log.Error("scheduler: re-read task failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	if task == nil || task.Status != store.TaskStatusActive {
		// Paused or cancelled between due_tasks() and slot acquisition:
		// not a failure, just nothing to do.
		return true
	}

	repo, err := s.store.GetRepo(ctx, prefix)
	if err != nil || repo == nil {
		log.Error("scheduler: repo not registered", zap.Error(err))
		return false
	}

	if err := ipcwatcher.WriteTasksSnapshot(ctx, s.dataDir, s.store, repo.Folder); err != nil {
		log.Warn("scheduler: write task snapshot failed", zap.Error(err))
	}
	if err := ipcwatcher.WriteGroupsSnapshot(s.dataDir, s.store); err != nil {
		log.Warn("scheduler: write group snapshot failed", zap.Error(err))
	}

	var sessionID string
	if task.ContextMode == store.ContextGroup {
		sessionID, err = s.store.GetSession(ctx, repo.Folder)
		if err != nil {
			log.Warn("scheduler: read session failed", zap.Error(err))
		}
	}

	input := supervisor.Input{
		Prompt: task.Prompt, SessionID: sessionID, GroupFolder: repo.Folder,
		ChatJID: task.Chat, IsMain: repo.Folder == "main", IsScheduledTask: true,
		AssistantName: s.assistantName,
	}
	group := supervisor.GroupSpec{
		RepoPrefix: prefix, Folder: repo.Folder, IsMain: repo.Folder == "main",
		AdditionalMounts: repo.AdditionalMounts,
		ContainerTimeout: time.Duration(repo.ContainerTimeoutMs) * time.Millisecond,
	}

	var closeOnce sync.Once
	var lastSummary, lastAgentError string
	onOutput := func(chunk supervisor.OutputChunk) {
		switch {
		case chunk.Error != "":
			lastAgentError = chunk.Error
			log.Warn("scheduled task agent reported error", zap.String("task_id", taskID), zap.String("error", chunk.Error))
		case chunk.Result != "":
			lastSummary = chunk.Result
			if err := s.router.SendComment(t, chunk.Result); err != nil {
				log.Error("scheduler: route output failed", zap.Error(err))
			}
		}
		if chunk.NewSessionID != "" {
			if err := s.store.SetSession(ctx, repo.Folder, chunk.NewSessionID); err != nil {
				log.Warn("scheduler: persist session id failed", zap.Error(err))
			}
		}
		closeOnce.Do(func() {
			time.AfterFunc(closeDelay, func() { s.dispatch.CloseStdin(prefix) })
		})
	}

	startedAt := time.Now().UTC()
	result, runErr := s.runner.Run(ctx, group, input, onOutput)
	finishedAt := time.Now().UTC()

	success := runErr == nil && result.Success
	errMsg := lastAgentError
	if runErr != nil {
		errMsg = runErr.Error()
		log.Error("scheduler: container run failed", zap.String("task_id", taskID), zap.Error(runErr))
	}

	if _, err := s.store.InsertTaskRun(ctx, store.TaskRun{
		TaskID: taskID, StartedAt: startedAt, FinishedAt: &finishedAt,
		Success: &success, Summary: lastSummary, Error: errMsg,
	}); err != nil {
		log.Warn("scheduler: insert task run log failed", zap.Error(err))
	}

	s.rearm(ctx, log, *task, finishedAt, success, errMsg)
	return success
}

// rearm recomputes next_run and, for a completed "once" schedule,
// transitions the task to completed.
func (s *Scheduler) rearm(ctx context.Context, log *logging.Logger, task store.Task, finishedAt time.Time, success bool, errMsg string) {
	next, err := schedule.NextAfterFire(task.ScheduleKind, task.ScheduleValue, time.Now())
	if err != nil {
		log.Error("scheduler: compute next run failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	task.LastRun = &finishedAt
	task.NextRun = next
	if success {
		task.LastResult = "ok"
	} else {
		task.LastResult = fmt.Sprintf("failed: %s", errMsg)
	}
	if next == nil {
		task.Status = store.TaskStatusCompleted
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.Error("scheduler: update task after run failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}
