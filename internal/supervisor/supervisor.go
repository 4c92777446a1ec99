// Package supervisor spawns the sandboxed agent container for one dispatch
// run (component C7): it assembles mounts and hardening flags, writes the
// single stdin payload, streams marker-delimited JSON results back to the
// caller, and enforces the idle/hard timeout race. Grounded on the
// teacher's container lifecycle manager, generalized from one long-lived
// agent instance per task to one short-lived container per dispatch run.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/dockerclient"
	"github.com/agentdock/hostd/internal/ipc"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
)

const (
	markerStart   = "---CLAWCODE_OUTPUT_START---"
	markerEnd     = "---CLAWCODE_OUTPUT_END---"
	diagTailBytes = 200
	diagRingBytes = 8192
)

// metadataHosts adds /etc/hosts entries mapping the well-known cloud
// metadata-service hostnames to 0.0.0.0, the DNS-layer mitigation §4.7
// calls for ("override metadata-service DNS to 0.0.0.0"): a compromised
// agent that asks for "metadata.google.internal" (GCP) or the AWS/Azure
// equivalents gets nowhere. This only intercepts hostname lookups — a
// process dialing the link-local address 169.254.169.254 directly never
// consults /etc/hosts, so it isn't reachable through ExtraHosts at all.
// Blocking that requires network-level egress control (a bridge network
// with no route to 169.254.0.0/16, or a host firewall rule on the Docker
// network), which is configured where the container network is
// provisioned, not here.
var metadataHosts = []string{
	"metadata.google.internal:0.0.0.0",
	"metadata.azure.com:0.0.0.0",
	"metadata.aws.internal:0.0.0.0",
}

// Input is the single JSON object written to the container's stdin.
type Input struct {
	Prompt          string
	SessionID       string
	GroupFolder     string
	ChatJID         string
	IsMain          bool
	IsScheduledTask bool
	AssistantName   string
	Secrets         map[string]string
}

type stdinPayload struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask"`
	AssistantName   string            `json:"assistantName"`
	Secrets         map[string]string `json:"secrets"`
}

// OutputChunk is one marker-delimited JSON block parsed from stdout.
type OutputChunk struct {
	Status       string `json:"status"`
	Result       string `json:"result"`
	NewSessionID string `json:"newSessionId"`
	Error        string `json:"error"`
}

// RunResult is what the dispatch queue needs to decide success/failure and retry.
type RunResult struct {
	Success   bool
	Detached  bool
	Truncated bool
	LastChunk *OutputChunk
	ChunksSeen int
}

// GroupSpec describes the repo/folder a single container run targets.
type GroupSpec struct {
	RepoPrefix       string
	Folder           string
	IsMain           bool
	RepoCheckoutDir  string
	AdditionalMounts []string
	ContainerTimeout time.Duration // 0 = use Config.ContainerTimeout
}

// Config tunes every run the supervisor launches.
type Config struct {
	DataDir          string
	DatabasePath     string
	SecretsPath      string
	Image            string
	NetworkMode      string
	Memory           int64
	CPUQuota         int64
	PidsLimit        int64
	IdleTimeout      time.Duration
	ContainerTimeout time.Duration
	MaxOutputBytes   int
	AssistantName    string
}

// Supervisor runs agent containers against the configured Docker host.
type Supervisor struct {
	docker *dockerclient.Client
	store  *store.Store
	cfg    Config
	policy *MountPolicy
	logger *logging.Logger
}

// New builds a Supervisor. docker may be nil when cfg.Docker.Enabled is
// false at the caller; Run then fails clearly instead of panicking.
func New(docker *dockerclient.Client, st *store.Store, cfg Config, policy *MountPolicy, log *logging.Logger) *Supervisor {
	return &Supervisor{docker: docker, store: st, cfg: cfg, policy: policy, logger: log}
}

// Run spawns one container for group, writes input to its stdin, and
// streams parsed output chunks to onOutput as they arrive. It blocks until
// the container exits, times out, or ctx is cancelled (shutdown: the
// container is left running, detached).
func (s *Supervisor) Run(ctx context.Context, group GroupSpec, input Input, onOutput func(OutputChunk)) (RunResult, error) {
	if s.docker == nil {
		return RunResult{}, fmt.Errorf("container supervisor: docker runtime disabled")
	}

	mounts, err := s.buildMounts(group)
	if err != nil {
		return RunResult{}, fmt.Errorf("assemble mounts: %w", err)
	}

	processSecrets, err := loadProcessSecrets(s.cfg.SecretsPath)
	if err != nil {
		return RunResult{}, err
	}

	payload := stdinPayload{
		Prompt: input.Prompt, SessionID: input.SessionID, GroupFolder: input.GroupFolder,
		ChatJID: input.ChatJID, IsMain: input.IsMain, IsScheduledTask: input.IsScheduledTask,
		AssistantName: input.AssistantName, Secrets: mergeSecrets(processSecrets, input.Secrets),
	}
	stdinBytes, err := json.Marshal(payload)
	if err != nil {
		return RunResult{}, fmt.Errorf("marshal stdin payload: %w", err)
	}

	containerName := fmt.Sprintf("hostd-%s-%s", sanitizeName(group.Folder), uuid.NewString()[:8])
	spec := dockerclient.RunSpec{
		Name:        containerName,
		Image:       s.cfg.Image,
		Env:         []string{"TZ=" + timeZone()},
		Mounts:      mounts,
		NetworkMode: s.cfg.NetworkMode,
		Memory:      s.cfg.Memory,
		CPUQuota:    s.cfg.CPUQuota,
		PidsLimit:   s.cfg.PidsLimit,
		Labels: map[string]string{
			"hostd.managed": "true",
			"hostd.repo":    group.RepoPrefix,
			"hostd.folder":  group.Folder,
		},
		CapDropAll: true,
		NoNewPrivs: true,
		ExtraHosts: metadataHosts,
		User:       containerUser(),
	}

	containerID, err := s.docker.Create(ctx, spec)
	if err != nil {
		return RunResult{}, fmt.Errorf("create container: %w", err)
	}

	startedAt := time.Now().UTC()
	if s.store != nil {
		_ = s.store.InsertContainerRun(ctx, store.ContainerRun{
			ContainerName: containerName, RepoPrefix: group.RepoPrefix, Folder: group.Folder, StartedAt: startedAt,
		})
	}

	attach, err := s.docker.Attach(ctx, containerID)
	if err != nil {
		return RunResult{}, fmt.Errorf("attach container: %w", err)
	}
	if err := s.docker.Start(ctx, containerID); err != nil {
		return RunResult{}, fmt.Errorf("start container: %w", err)
	}

	if _, err := attach.Stdin.Write(stdinBytes); err != nil {
		s.logger.Warn("write container stdin failed", zap.String("container", containerName), zap.Error(err))
	}
	_ = attach.Stdin.Close()

	result := s.runLoop(ctx, containerID, containerName, attach.Stdout, group, onOutput)

	finishedAt := time.Now().UTC()
	exitStatus := store.ExitError
	switch {
	case result.Detached:
		exitStatus = store.ExitTimeout
	case result.Success:
		exitStatus = store.ExitSuccess
	}
	if s.store != nil {
		_ = s.store.FinishContainerRun(context.Background(), containerName, finishedAt, exitStatus, result.Truncated)
	}
	if !result.Detached {
		_ = s.docker.Remove(context.Background(), containerID, true)
	}

	return result, nil
}

// runLoop races the container's natural exit against the idle/hard timeout
// and ctx cancellation, resetting the timeout on every parsed output chunk.
func (s *Supervisor) runLoop(ctx context.Context, containerID, containerName string, stdout io.Reader, group GroupSpec, onOutput func(OutputChunk)) RunResult {
	timeout := s.cfg.ContainerTimeout
	if group.ContainerTimeout > 0 {
		timeout = group.ContainerTimeout
	}
	if floor := s.cfg.IdleTimeout + 30*time.Second; floor > timeout {
		timeout = floor
	}

	diag := &diagRing{max: diagRingBytes}
	var truncated atomic.Bool
	chunkCh := make(chan OutputChunk, 32)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		defer close(chunkCh)
		parseStream(stdout, s.cfg.MaxOutputBytes, chunkCh, diag, &truncated, s.logger)
	}()

	doneCh := make(chan int64, 1)
	waitErrCh := make(chan error, 1)
	go func() {
		code, err := s.docker.Wait(context.Background(), containerID)
		if err != nil {
			waitErrCh <- err
			return
		}
		doneCh <- code
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		lastChunk  *OutputChunk
		chunksSeen int
		exitCode   int64 = -1
		timedOut   bool
		detached   bool
	)

loop:
	for {
		select {
		case chunk, ok := <-chunkCh:
			if !ok {
				chunkCh = nil
				continue
			}
			c := chunk
			lastChunk = &c
			chunksSeen++
			if onOutput != nil {
				onOutput(c)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			timedOut = true
			break loop
		case <-ctx.Done():
			detached = true
			break loop
		case code := <-doneCh:
			exitCode = code
			break loop
		case <-waitErrCh:
			break loop
		}
	}

	if timedOut {
		s.stopThenKill(containerID)
		select {
		case code := <-doneCh:
			exitCode = code
		case <-waitErrCh:
		case <-time.After(5 * time.Second):
		}
	} else if !detached {
		select {
		case <-streamDone:
		case <-time.After(2 * time.Second):
		}
	}

	result := RunResult{Truncated: truncated.Load(), LastChunk: lastChunk, ChunksSeen: chunksSeen}

	switch {
	case detached:
		result.Detached = true
	case timedOut:
		result.Success = chunksSeen > 0
	case exitCode == 0:
		result.Success = true
		if chunksSeen == 0 {
			if parsed, ok := parseLastMarkerPair(diag.Bytes()); ok {
				result.LastChunk = &parsed
				result.ChunksSeen = 1
			} else {
				line := lastNonBlankLine(diag.Bytes())
				result.LastChunk = &OutputChunk{Status: "success", Result: line}
			}
		}
	default:
		result.Success = false
		if result.LastChunk == nil {
			result.LastChunk = &OutputChunk{Status: "error", Error: string(lastNBytes(diag.Bytes(), diagTailBytes))}
		}
	}

	s.logger.Info("container run finished", zap.String("container", containerName),
		zap.Bool("success", result.Success), zap.Bool("detached", result.Detached),
		zap.Int64("exit_code", exitCode), zap.Int("chunks", chunksSeen))

	return result
}

func (s *Supervisor) stopThenKill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.docker.Stop(ctx, containerID, 10*time.Second); err != nil {
		_ = s.docker.Kill(ctx, containerID)
	}
}

// parseStream scans stdout for paired markers, emitting a parsed
// OutputChunk on chunkCh for each complete pair. Text outside markers is
// diagnostic only and never parsed.
func parseStream(r io.Reader, maxBytes int, chunkCh chan<- OutputChunk, diag *diagRing, truncated *atomic.Bool, log *logging.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var collecting bool
	var buf bytes.Buffer
	var total int

	for scanner.Scan() {
		line := scanner.Text()
		total += len(line) + 1
		if maxBytes > 0 && total > maxBytes {
			truncated.Store(true)
		} else {
			diag.Append(line)
		}

		switch {
		case !collecting && line == markerStart:
			collecting = true
			buf.Reset()
		case collecting && line == markerEnd:
			collecting = false
			var chunk OutputChunk
			if err := json.Unmarshal(buf.Bytes(), &chunk); err != nil {
				log.Warn("container output stream JSON parse failed", zap.Error(err))
				continue
			}
			chunkCh <- chunk
		case collecting:
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
}

// diagRing retains only the last max bytes of merged stdout/stderr text, for
// error diagnostics and the legacy no-stream result fallback.
type diagRing struct {
	max int
	buf []byte
}

func (d *diagRing) Append(line string) {
	d.buf = append(d.buf, []byte(line)...)
	d.buf = append(d.buf, '\n')
	if len(d.buf) > d.max {
		d.buf = d.buf[len(d.buf)-d.max:]
	}
}

func (d *diagRing) Bytes() []byte { return d.buf }

func lastNBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

func lastNonBlankLine(b []byte) string {
	lines := strings.Split(string(b), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// parseLastMarkerPair recovers the final marker-delimited chunk from a
// diagnostic tail, for legacy (non-streaming) agents that only emit one
// result right before exiting.
func parseLastMarkerPair(b []byte) (OutputChunk, bool) {
	text := string(b)
	startIdx := strings.LastIndex(text, markerStart)
	if startIdx == -1 {
		return OutputChunk{}, false
	}
	endIdx := strings.Index(text[startIdx:], markerEnd)
	if endIdx == -1 {
		return OutputChunk{}, false
	}
	body := text[startIdx+len(markerStart) : startIdx+endIdx]
	var chunk OutputChunk
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &chunk); err != nil {
		return OutputChunk{}, false
	}
	return chunk, true
}

func sanitizeName(folder string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, folder)
}

func timeZone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	return "UTC"
}

// containerUser forces a non-root UID when the host's own UID is neither
// root nor the conventional 1000 the agent image ships a user for.
func containerUser() string {
	uid := os.Getuid()
	if uid <= 0 || uid == 1000 {
		return ""
	}
	return fmt.Sprintf("%d:%d", uid, os.Getgid())
}

// ensureClaudeSettings materializes a default settings file on first use of
// a group's agent-state directory.
func ensureClaudeSettings(dir, assistantName string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create claude state dir %s: %w", dir, err)
	}
	settingsPath := filepath.Join(dir, "settings.json")
	if _, err := os.Stat(settingsPath); err == nil {
		return nil
	}
	defaults := map[string]any{"assistantName": assistantName}
	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath, data, 0o644)
}

// buildMounts assembles the ordered mount list for one run, per §4.7.
func (s *Supervisor) buildMounts(group GroupSpec) ([]dockerclient.Mount, error) {
	var mounts []dockerclient.Mount

	if group.RepoCheckoutDir != "" {
		mounts = append(mounts, dockerclient.Mount{Source: group.RepoCheckoutDir, Target: "/workspace/repo"})
	}

	groupDir := filepath.Join(s.cfg.DataDir, "groups", group.Folder)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create group dir %s: %w", groupDir, err)
	}
	mounts = append(mounts, dockerclient.Mount{Source: groupDir, Target: "/workspace/group"})

	claudeDir := filepath.Join(groupDir, ".claude")
	if err := ensureClaudeSettings(claudeDir, s.cfg.AssistantName); err != nil {
		return nil, err
	}
	mounts = append(mounts, dockerclient.Mount{Source: claudeDir, Target: "/home/node/.claude"})

	if group.IsMain {
		mounts = append(mounts, dockerclient.Mount{Source: filepath.Dir(s.cfg.DatabasePath), Target: "/workspace/store", ReadOnly: true})
		mounts = append(mounts, dockerclient.Mount{Source: s.cfg.DataDir, Target: "/workspace/data"})
		groupsRoot := filepath.Join(s.cfg.DataDir, "groups")
		if err := os.MkdirAll(groupsRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create groups root %s: %w", groupsRoot, err)
		}
		mounts = append(mounts, dockerclient.Mount{Source: groupsRoot, Target: "/workspace/groups"})
	} else {
		mainDir := filepath.Join(s.cfg.DataDir, "groups", "main")
		if _, err := os.Stat(mainDir); err == nil {
			mounts = append(mounts, dockerclient.Mount{Source: mainDir, Target: "/workspace/global", ReadOnly: true})
		}
	}

	if err := ipc.EnsureDirs(s.cfg.DataDir, group.Folder); err != nil {
		return nil, err
	}
	mounts = append(mounts, dockerclient.Mount{Source: ipc.FolderRoot(s.cfg.DataDir, group.Folder), Target: "/workspace/ipc"})

	for _, spec := range group.AdditionalMounts {
		hostPath, containerPath, rw, err := ParseAdditionalMountSpec(spec)
		if err != nil {
			s.logger.Warn("malformed additional mount spec", zap.String("spec", spec), zap.Error(err))
			continue
		}
		m, err := ValidateAdditionalMount(s.policy, hostPath, containerPath, rw, group.IsMain)
		if err != nil {
			s.logger.Warn("additional mount rejected", zap.String("spec", spec), zap.Error(err))
			continue
		}
		mounts = append(mounts, m)
	}

	return mounts, nil
}
