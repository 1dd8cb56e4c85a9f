// Package main provides the semflow binary entry point.
// Semflow is an event-driven choreographer: it turns goal events into plans
// and drives them through their state machines by exchanging envelopes
// with independent agents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/semflow/llm/providers"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semflow/workflow/catalog"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var (
		flags globalFlags
		local bool
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Event-driven plan choreographer",
		Long: `Semflow turns goal events into plans and drives each plan through its
state machine by publishing requests to agents and reacting to their
results. Agents only ever see envelopes on the bus.

By default semflow consumes envelopes from a JetStream stream. With
--local it runs over an in-memory bus, reading envelopes as JSON lines
from stdin and writing everything it emits to stdout.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return runLocal(cmd.Context(), flags, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return run(flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&local, "local", false, "Run over an in-memory bus fed from stdin")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(plansCmd(&flags))
	cmd.AddCommand(tasksCmd(&flags))
	cmd.AddCommand(configCmd())

	return cmd
}

func run(flags globalFlags) error {
	cfg, logger, err := setup(flags, os.Stderr)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		app.Shutdown(5 * time.Second)
		return err
	}

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("Received shutdown signal")
	app.Shutdown(30 * time.Second)
	return nil
}

func runLocal(ctx context.Context, flags globalFlags, in io.Reader, out io.Writer) error {
	cfg, logger, err := setup(flags, os.Stderr)
	if err != nil {
		return err
	}
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer app.Shutdown(5 * time.Second)
	return app.RunLocal(ctx, in, out)
}

// setup loads the layered configuration and builds the logger.
func setup(flags globalFlags, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	bootstrap := newLogger(config.LogConfig{Level: flags.logLevel}, logOut)
	cfg, err := config.NewLoader(bootstrap).WithFile(flags.configPath).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger := newLogger(cfg.Log, logOut)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <template.yaml>...",
		Short: "Check plan templates without starting the engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				t, err := catalog.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (goal %s, %d states)\n", path, t.GoalEvent, len(t.StateMachine))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d templates invalid", failed, len(args))
			}
			return nil
		},
	}
}

// withRepository opens the configured store for the inspection commands.
func withRepository(flags *globalFlags, fn func(ctx context.Context, repo *storage.Repository) error) error {
	cfg, logger, err := setup(*flags, os.Stderr)
	if err != nil {
		return err
	}
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Shutdown(5 * time.Second)

	ctx := context.Background()
	if cfg.Store.Backend == config.BackendNATSKV || cfg.Store.Backend == "" {
		if err := app.startNATS(ctx); err != nil {
			return err
		}
	}
	if err := app.openStore(ctx); err != nil {
		return err
	}
	return fn(ctx, app.repo)
}

func plansCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect persisted plans",
	}

	var status, session string
	list := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(flags, func(ctx context.Context, repo *storage.Repository) error {
				plans, err := repo.ListPlans(ctx, storage.Filter{Status: status, SessionID: session})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, p := range plans {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Status, p.CurrentState, p.GoalEventType)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only plans with this status")
	list.Flags().StringVar(&session, "session", "", "Only plans in this session")

	show := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Print a plan as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(flags, func(ctx context.Context, repo *storage.Repository) error {
				plan, err := repo.LoadPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), plan)
			})
		},
	}

	var force bool
	del := &cobra.Command{
		Use:   "delete <plan-id>",
		Short: "Delete a finished plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(flags, func(ctx context.Context, repo *storage.Repository) error {
				plan, err := repo.LoadPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if !plan.Status.Finished() && !force {
					return fmt.Errorf("plan %s is %s; use --force to delete it anyway", plan.ID, plan.Status)
				}
				if err := repo.DeletePlan(ctx, plan.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", plan.ID)
				return nil
			})
		},
	}
	del.Flags().BoolVar(&force, "force", false, "Delete plans that are still active")

	cmd.AddCommand(list, show, del)
	return cmd
}

func tasksCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect delegated tasks",
	}

	var planID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(flags, func(ctx context.Context, repo *storage.Repository) error {
				tasks, err := repo.ListTasks(ctx, storage.Filter{OwnerID: planID})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, t := range tasks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.PlanID, taskState(t), t.ResponseEvent)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&planID, "plan", "", "Only tasks owned by this plan")

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(flags, func(ctx context.Context, repo *storage.Repository) error {
				task, err := repo.LoadTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func taskState(t *workflow.Task) string {
	if t.IsComplete() {
		return storage.TaskStatusComplete
	}
	return storage.TaskStatusPending
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var (
		path  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				p, err := config.NewLoader(nil).EnsureUserConfig()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "config at %s\n", p)
				return nil
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := config.DefaultConfig().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "Destination (default: user config)")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
