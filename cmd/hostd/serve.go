package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdock/hostd/internal/access"
	"github.com/agentdock/hostd/internal/bus"
	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/dispatch"
	"github.com/agentdock/hostd/internal/dockerclient"
	"github.com/agentdock/hostd/internal/events"
	"github.com/agentdock/hostd/internal/ghapi"
	"github.com/agentdock/hostd/internal/ghapp"
	"github.com/agentdock/hostd/internal/githubchannel"
	"github.com/agentdock/hostd/internal/ingest"
	"github.com/agentdock/hostd/internal/ipcwatcher"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/internal/scheduler"
	"github.com/agentdock/hostd/internal/statusapi"
	"github.com/agentdock/hostd/internal/store"
	"github.com/agentdock/hostd/internal/supervisor"
	"github.com/agentdock/hostd/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logging.SetDefault(log)

	dataDir, err := cfg.AbsDataDir()
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}

	log.Info("starting hostd")

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	eventBus, err := newEventBus(cfg.NATS, log)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer eventBus.Close()

	var docker *dockerclient.Client
	if cfg.Docker.Enabled {
		docker, err = dockerclient.New(cfg.Docker, log)
		if err != nil {
			return fmt.Errorf("create docker client: %w", err)
		}
		defer docker.Close()
	}

	mountPolicy, err := supervisor.LoadMountPolicy(cfg.IPC.AllowListPath)
	if err != nil {
		return fmt.Errorf("load mount allow-list: %w", err)
	}

	super := supervisor.New(docker, st, supervisor.Config{
		DataDir:          dataDir,
		DatabasePath:     cfg.Database.Path,
		SecretsPath:      filepath.Join(dataDir, ".secrets.json"),
		Image:            cfg.Docker.Image,
		NetworkMode:      cfg.Docker.NetworkMode,
		Memory:           cfg.Docker.MemoryLimitMB * 1024 * 1024,
		CPUQuota:         cfg.Docker.CPUQuota,
		PidsLimit:        cfg.Docker.PidsLimit,
		IdleTimeout:      cfg.Dispatch.IdleTimeout(),
		ContainerTimeout: cfg.Dispatch.ContainerTimeout(),
		MaxOutputBytes:   cfg.Dispatch.MaxOutputBytes,
		AssistantName:    cfg.Data.AssistantName,
	}, mountPolicy, log)

	identity, err := ghapp.LoadIdentity(cfg.GitHubApp.AppID, cfg.GitHubApp.AppSlug, cfg.GitHubApp.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("load GitHub App identity: %w", err)
	}
	apiClient := ghapi.New(cfg.GitHubApp.APIBaseURL)
	tokens := ghapp.NewTokenManager(identity, apiClient, log)
	gate := access.New(apiClient)
	defer gate.Close()

	channel := githubchannel.New(apiClient, tokens)
	rtr := router.New(channel)
	mapper := events.NewMapper(identity.Slug)

	policy := access.Policy{
		MinPermission:    cfg.Access.MinPermission,
		AllowExternal:    cfg.Access.AllowExternal,
		RateLimitPerUser: cfg.Access.RateLimitPerUser,
		RateLimitWindow:  cfg.Access.RateLimitWindow(),
	}

	// The dispatcher and the ingest pipeline are mutually referential: the
	// dispatcher calls back into the pipeline for every admitted run, and
	// the pipeline needs the dispatcher to admit work. Build the
	// dispatcher first against trampoline closures, then the pipeline,
	// since Go allows a closure to capture a variable assigned after it's
	// defined as long as it isn't called before the assignment happens.
	var pipeline *ingest.Pipeline
	disp := dispatch.New(dispatch.Config{
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		BaseRetry:     cfg.Dispatch.BaseRetry(),
		DataDir:       dataDir,
	}, func(ctx context.Context, prefix string) bool {
		return pipeline.RunMessages(ctx, prefix)
	}, func(prefix string) (string, bool) {
		return pipeline.ResolveFolder(prefix)
	}, log)
	defer disp.Shutdown()

	pipeline = ingest.New(st, mapper, gate, disp, rtr, tokens, super, policy, cfg.Data.AssistantName, log)

	sched := scheduler.New(st, rtr, disp, super, dataDir, cfg.Data.AssistantName, cfg.Scheduler.PollInterval(), log)
	watcher := ipcwatcher.New(dataDir, st, rtr, cfg.IPC.PollInterval(), log)
	worker := ingest.NewWorker(st, eventBus, pipeline, log)

	webhookSrv := webhook.New(st, eventBus, cfg.GitHubApp.WebhookSecret, log)
	hub := statusapi.NewHub(disp, time.Second, log)
	statusSrv := statusapi.New(disp, st, hub, log)

	mux := http.NewServeMux()
	mux.Handle("/health", webhookSrv.Handler())
	mux.Handle("/webhooks", webhookSrv.Handler())
	mux.Handle("/status", statusSrv.Handler())
	mux.Handle("/status/", statusSrv.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if docker != nil {
		if err := super.ReapOrphans(ctx); err != nil {
			log.Warn("orphan container reap failed", zap.Error(err))
		}
	}

	worker.RecoveryScan(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { sched.Run(gctx); return nil })
	group.Go(func() error { watcher.Run(gctx); return nil })
	group.Go(func() error { hub.Run(gctx); return nil })
	group.Go(func() error { return worker.Run(gctx) })
	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(time.Hour):
			}
			_, errP := st.CleanupProcessed(gctx, 24*time.Hour)
			_, errC := st.CleanupContainerRuns(gctx, 24*time.Hour)
			if errP != nil || errC != nil {
				log.Warn("24h record cleanup failed", zap.NamedError("processed", errP), zap.NamedError("container_runs", errC))
			}
		}
	})
	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// The webhook ingress only starts accepting live traffic once the
	// recovery scan above has replayed whatever a prior process left
	// unprocessed — see webhook.Server.MarkReady.
	webhookSrv.MarkReady()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutdown signal received")
	case <-gctx.Done():
		log.Warn("background task exited early")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	// disp.Shutdown (deferred above) detaches active containers rather
	// than killing them; a future process picks them up via ReapOrphans.
	if err := group.Wait(); err != nil {
		log.Error("background task error", zap.Error(err))
	}

	log.Info("hostd stopped")
	return nil
}

func newEventBus(cfg config.NATSConfig, log *logging.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	natsBus, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, err
	}
	return natsBus, nil
}
