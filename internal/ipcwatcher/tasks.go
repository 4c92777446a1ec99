package ipcwatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentdock/hostd/internal/folder"
	"github.com/agentdock/hostd/internal/ipc"
	"github.com/agentdock/hostd/internal/schedule"
	"github.com/agentdock/hostd/internal/store"
)

// handleTaskFile dispatches one file dropped into a folder's tasks/
// directory: schedule_task, pause_task, resume_task, cancel_task, or the
// main-only register_group/refresh_groups pair.
func (w *Watcher) handleTaskFile(ctx context.Context, dropFolder string, raw []byte) error {
	var env envelope
	if err := decodeStrict(raw, &env); err != nil {
		return fmt.Errorf("decode task envelope: %w", err)
	}

	switch env.Type {
	case "schedule_task":
		return w.handleScheduleTask(ctx, dropFolder, env)
	case "pause_task":
		return w.handleTaskStatusChange(ctx, dropFolder, env, store.TaskStatusActive, store.TaskStatusPaused)
	case "resume_task":
		return w.handleTaskStatusChange(ctx, dropFolder, env, store.TaskStatusPaused, store.TaskStatusActive)
	case "cancel_task":
		return w.handleCancelTask(ctx, dropFolder, env)
	case "register_group":
		if dropFolder != "main" {
			return errUnauthorized
		}
		return w.handleRegisterGroup(ctx, env)
	case "refresh_groups":
		if dropFolder != "main" {
			return errUnauthorized
		}
		return WriteGroupsSnapshot(w.dataDir, w.store)
	default:
		return fmt.Errorf("unhandled task type %q", env.Type)
	}
}

func (w *Watcher) handleScheduleTask(ctx context.Context, dropFolder string, env envelope) error {
	if env.Folder == "" || env.Chat == "" || env.Prompt == "" {
		return fmt.Errorf("schedule_task: missing folder/chat/prompt")
	}
	t, err := parseChat(env.Chat)
	if err != nil {
		return err
	}
	ok, err := w.authorizePrefix(ctx, dropFolder, t.Prefix())
	if err != nil {
		return err
	}
	if !ok {
		return errUnauthorized
	}
	if env.Folder != dropFolder {
		// The task's own target folder must agree with where it was
		// dropped; a main-dropped file could otherwise schedule work
		// against an arbitrary folder.
		return errUnauthorized
	}

	if err := schedule.Validate(env.ScheduleKind, env.ScheduleValue); err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}
	contextMode := env.ContextMode
	if contextMode == "" {
		contextMode = store.ContextIsolated
	}
	if contextMode != store.ContextGroup && contextMode != store.ContextIsolated {
		return fmt.Errorf("schedule_task: invalid contextMode %q", contextMode)
	}

	next, err := schedule.InitialNextRun(env.ScheduleKind, env.ScheduleValue, time.Now())
	if err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}

	return w.store.CreateTask(ctx, store.Task{
		ID: uuid.NewString(), Folder: env.Folder, Chat: env.Chat, Prompt: env.Prompt,
		ScheduleKind: env.ScheduleKind, ScheduleValue: env.ScheduleValue, ContextMode: contextMode,
		NextRun: next, Status: store.TaskStatusActive,
	})
}

// handleTaskStatusChange backs pause_task/resume_task: transitions a task
// from "from" to "to", authorized against the task's own chat thread.
func (w *Watcher) handleTaskStatusChange(ctx context.Context, dropFolder string, env envelope, from, to string) error {
	task, err := w.lookupAuthorizedTask(ctx, dropFolder, env.TaskID)
	if err != nil {
		return err
	}
	if task.Status != from {
		return fmt.Errorf("task %s: cannot move from %q to %q", task.ID, task.Status, to)
	}
	task.Status = to
	return w.store.UpdateTask(ctx, *task)
}

func (w *Watcher) handleCancelTask(ctx context.Context, dropFolder string, env envelope) error {
	task, err := w.lookupAuthorizedTask(ctx, dropFolder, env.TaskID)
	if err != nil {
		return err
	}
	return w.store.DeleteTask(ctx, task.ID)
}

func (w *Watcher) lookupAuthorizedTask(ctx context.Context, dropFolder, taskID string) (*store.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("missing taskId")
	}
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	t, err := parseChat(task.Chat)
	if err != nil {
		return nil, err
	}
	ok, err := w.authorizePrefix(ctx, dropFolder, t.Prefix())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errUnauthorized
	}
	return task, nil
}

// handleRegisterGroup registers (or updates) a repository, main-only per
// the watcher's authorization rule, and ensures its IPC directory tree
// exists before any file can legally be dropped into it.
func (w *Watcher) handleRegisterGroup(ctx context.Context, env envelope) error {
	if env.RepoPrefix == "" || env.Folder == "" {
		return fmt.Errorf("register_group: missing repoPrefix/folder")
	}
	if err := folder.Validate(env.Folder); err != nil {
		return fmt.Errorf("register_group: %w", err)
	}
	displayName := env.DisplayName
	if displayName == "" {
		displayName = env.RepoPrefix
	}
	if err := w.store.UpsertRepo(ctx, store.Repo{
		RepoPrefix: env.RepoPrefix, DisplayName: displayName, Folder: env.Folder,
		TriggerPattern: env.TriggerPattern, ContainerTimeoutMs: env.ContainerTimeoutMs,
		AdditionalMounts: env.AdditionalMounts, RequiresTrigger: env.RequiresTrigger,
	}); err != nil {
		return fmt.Errorf("register_group: %w", err)
	}
	if err := ipc.EnsureDirs(w.dataDir, env.Folder); err != nil {
		return fmt.Errorf("register_group: %w", err)
	}
	return WriteGroupsSnapshot(w.dataDir, w.store)
}
