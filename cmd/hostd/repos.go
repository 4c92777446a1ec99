package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/folder"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage registered repositories",
}

var (
	registerPrefix         string
	registerDisplayName    string
	registerFolder         string
	registerTriggerPattern string
	registerTimeoutMs      int64
	registerRequiresTrigger bool
	registerAdditionalMounts []string
)

var reposRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register or update a repository",
	RunE:  runReposRegister,
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	RunE:  runReposList,
}

func init() {
	reposRegisterCmd.Flags().StringVar(&registerPrefix, "prefix", "", `repo prefix, "<platform>:<owner>/<repo>" (required)`)
	reposRegisterCmd.Flags().StringVar(&registerDisplayName, "name", "", "human-readable display name")
	reposRegisterCmd.Flags().StringVar(&registerFolder, "folder", "", "on-disk folder identifier (required)")
	reposRegisterCmd.Flags().StringVar(&registerTriggerPattern, "trigger-pattern", "", "regex a message body must match when requires-trigger is set")
	reposRegisterCmd.Flags().Int64Var(&registerTimeoutMs, "container-timeout-ms", 0, "per-run container timeout override, 0 = dispatcher default")
	reposRegisterCmd.Flags().BoolVar(&registerRequiresTrigger, "requires-trigger", false, "only admit messages that match trigger-pattern or mention the assistant")
	reposRegisterCmd.Flags().StringSliceVar(&registerAdditionalMounts, "mount", nil, `additional mount spec "host:container[:ro]", repeatable`)
	_ = reposRegisterCmd.MarkFlagRequired("prefix")
	_ = reposRegisterCmd.MarkFlagRequired("folder")

	reposCmd.AddCommand(reposRegisterCmd, reposListCmd)
	rootCmd.AddCommand(reposCmd)
}

func runReposRegister(cmd *cobra.Command, args []string) error {
	if err := folder.Validate(registerFolder); err != nil {
		return fmt.Errorf("invalid folder: %w", err)
	}

	_, log, st, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(); _ = log.Sync() }()

	displayName := registerDisplayName
	if displayName == "" {
		displayName = registerPrefix
	}

	ctx := cmd.Context()
	if err := st.UpsertRepo(ctx, store.Repo{
		RepoPrefix:         registerPrefix,
		DisplayName:        displayName,
		Folder:             registerFolder,
		TriggerPattern:     registerTriggerPattern,
		ContainerTimeoutMs: registerTimeoutMs,
		AdditionalMounts:   registerAdditionalMounts,
		RequiresTrigger:    registerRequiresTrigger,
	}); err != nil {
		return fmt.Errorf("register repository: %w", err)
	}

	fmt.Printf("registered %s -> folder %s\n", registerPrefix, registerFolder)
	return nil
}

func runReposList(cmd *cobra.Command, args []string) error {
	_, log, st, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(); _ = log.Sync() }()

	repos, err := st.ListRepos(cmd.Context())
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}
	if len(repos) == 0 {
		fmt.Println("no repositories registered")
		return nil
	}
	for _, r := range repos {
		trigger := "always"
		if r.RequiresTrigger {
			trigger = "trigger-only"
		}
		mounts := "-"
		if len(r.AdditionalMounts) > 0 {
			mounts = strings.Join(r.AdditionalMounts, ",")
		}
		fmt.Printf("%-30s folder=%-16s %-12s mounts=%s\n", r.RepoPrefix, r.Folder, trigger, mounts)
	}
	return nil
}

func openStoreForCLI() (*config.Config, *logging.Logger, *store.Store, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	st, err := store.Open(cfg.Database, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, log, st, nil
}
