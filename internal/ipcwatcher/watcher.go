// Package ipcwatcher polls the file-drop IPC tree (component C8) and turns
// each dropped file into a store mutation or an outbound send, deleting or
// relocating the file once handled.
package ipcwatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/ipc"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/internal/store"
	"github.com/agentdock/hostd/pkg/tid"
)

// errUnauthorized marks a file that parsed fine but targets a thread its
// dropping folder isn't registered to serve: logged and discarded, never
// moved to errors/ (that's reserved for malformed content).
var errUnauthorized = errors.New("ipcwatcher: unauthorized")

// envelope is the union of every message/task payload shape the watcher
// accepts. Unknown JSON fields are rejected at decode time: payloads
// originate from an untrusted agent container.
type envelope struct {
	Type string `json:"type"`

	// message / github_comment / github_review / github_create_pr
	Chat     string               `json:"chat,omitempty"`
	Body     string               `json:"body,omitempty"`
	Event    string               `json:"event,omitempty"`
	Comments []reviewCommentInput `json:"comments,omitempty"`
	Owner    string               `json:"owner,omitempty"`
	Repo     string               `json:"repo,omitempty"`
	Title    string               `json:"title,omitempty"`
	Head     string               `json:"head,omitempty"`
	Base     string               `json:"base,omitempty"`

	// schedule_task / pause_task / resume_task / cancel_task
	TaskID        string `json:"taskId,omitempty"`
	Folder        string `json:"folder,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleKind  string `json:"scheduleKind,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`

	// register_group
	RepoPrefix         string   `json:"repoPrefix,omitempty"`
	DisplayName        string   `json:"displayName,omitempty"`
	TriggerPattern     string   `json:"triggerPattern,omitempty"`
	RequiresTrigger    bool     `json:"requiresTrigger,omitempty"`
	ContainerTimeoutMs int64    `json:"containerTimeoutMs,omitempty"`
	AdditionalMounts   []string `json:"additionalMounts,omitempty"`
}

type reviewCommentInput struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
	Side string `json:"side,omitempty"`
}

// Watcher polls <data>/ipc/<folder>/{messages,tasks}/ for every registered
// folder plus "main", dispatching each file in arrival order and deleting
// (or relocating to errors/) every file it finishes with.
type Watcher struct {
	dataDir      string
	store        *store.Store
	router       *router.Router
	pollInterval time.Duration
	logger       *logging.Logger
}

// New builds a Watcher. It reads and mutates the store and sends through
// the router directly; scheduling a task for eventual dispatch is the
// Scheduler's job (C9), not the watcher's — the watcher only ever records
// the task row.
func New(dataDir string, st *store.Store, rtr *router.Router, pollInterval time.Duration, log *logging.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Watcher{dataDir: dataDir, store: st, router: rtr, pollInterval: pollInterval, logger: log}
}

// Run blocks, polling until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	root := filepath.Join(w.dataDir, "ipc")
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("ipc watcher: list folders failed", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		folder := e.Name()
		w.processDir(ctx, folder, ipc.SubDir(w.dataDir, folder, ipc.DirMessages), w.handleMessageFile)
		w.processDir(ctx, folder, ipc.SubDir(w.dataDir, folder, ipc.DirTasks), w.handleTaskFile)
	}
}

// processDir reads every non-temp file in dir in lexicographic (arrival)
// order and hands it to handle. A malformed file (parse failure, or any
// domain error other than authorization) moves to errors/; an unauthorized
// file is logged and deleted; everything else is deleted on success.
func (w *Watcher) processDir(ctx context.Context, folder, dir string, handle func(ctx context.Context, folder string, raw []byte) error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || strings.HasSuffix(f.Name(), ".tmp") {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		err = handle(ctx, folder, raw)
		switch {
		case err == nil:
			_ = os.Remove(path)
		case errors.Is(err, errUnauthorized):
			w.logger.Warn("ipc watcher: unauthorized file discarded", zap.String("folder", folder), zap.String("file", name))
			_ = os.Remove(path)
		default:
			w.logger.Warn("ipc watcher: malformed file moved to errors", zap.String("folder", folder), zap.String("file", name), zap.Error(err))
			_ = ipc.MoveToErrors(dir, name)
		}
	}
}

func decodeStrict(raw []byte, env *envelope) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(env)
}

// authorizePrefix implements the uniform rule: a file dropped in folder S is
// authorized against repo-prefix iff S is "main" or the registered
// repository for prefix has folder == S.
func (w *Watcher) authorizePrefix(ctx context.Context, folder, prefix string) (bool, error) {
	if folder == "main" {
		return true, nil
	}
	repo, err := w.store.GetRepo(ctx, prefix)
	if err != nil {
		return false, err
	}
	return repo != nil && repo.Folder == folder, nil
}

func parseChat(chat string) (tid.TID, error) {
	if chat == "" {
		return tid.TID{}, errors.New("missing chat")
	}
	return tid.Parse(chat)
}
