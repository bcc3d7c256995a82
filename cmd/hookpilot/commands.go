package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/hookpilot/internal/banner"
	"github.com/alekspetrov/hookpilot/internal/config"
	"github.com/alekspetrov/hookpilot/internal/gateway"
	"github.com/alekspetrov/hookpilot/internal/health"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/store"
)

// roles selects which loops a daemon process runs.
type roles struct {
	gateway     bool
	worker      bool
	maintenance bool
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, a worker and the maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, roles{gateway: true, worker: true, maintenance: true})
		},
	}
}

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run only the webhook gateway and task API",
		Long: `Run only the webhook gateway and task API. Tasks are queued for workers
running elsewhere, so queue and stream should use the redis backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, roles{gateway: true, maintenance: true})
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only a task worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, roles{worker: true})
		},
	}
}

func runDaemon(cmd *cobra.Command, r roles) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if r.gateway != r.worker && (cfg.Queue.Backend != "redis" || cfg.Stream.Backend != "redis") {
		a.log.Warn("Gateway and worker run in separate processes but the queue or stream is in-memory; tasks will not cross processes",
			slog.String("queue", cfg.Queue.Backend), slog.String("stream", cfg.Stream.Backend))
	}

	banner.StartupWithHealth(cmd.OutOrStdout(), version, cfg, banner.Roles{Gateway: r.gateway, Worker: r.worker})

	if r.maintenance {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
		defer a.scheduler.Stop()
	}

	errCh := make(chan error, 2)
	loops := 0
	if r.worker {
		loops++
		go func() { errCh <- a.worker.Run(ctx) }()
	}
	if r.gateway {
		loops++
		go func() { errCh <- a.server.Start(ctx) }()
	}

	var firstErr error
	for i := 0; i < loops; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	a.log.Info("Shut down")
	return firstErr
}

func newRunCmd() *cobra.Command {
	var (
		command    string
		externalID string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one task in this process and print its result",
		Long: `Run one task in this process without a gateway. The task is stored like any
other, its output is streamed to stdout and a summary is printed at the end.

Examples:
  hookpilot run "summarize the open incidents"
  hookpilot run --command review "the retry logic in client.go"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The task never leaves this process.
			cfg.Queue.Backend = "memory"
			cfg.Stream.Backend = "memory"

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.factory.Create(ctx, intake.Request{
				Prompt:     strings.Join(args, " "),
				Command:    command,
				ExternalID: externalID,
				Actor:      localActor(),
			})
			if err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}

			out := cmd.OutOrStdout()
			chunks, unsubscribe, err := a.broker.Subscribe(ctx, task.ID)
			if err != nil {
				return fmt.Errorf("failed to subscribe to output: %w", err)
			}
			defer unsubscribe()
			streamed := make(chan struct{})
			go func() {
				defer close(streamed)
				for chunk := range chunks {
					if !quiet {
						fmt.Fprint(out, chunk)
					}
				}
			}()

			if err := a.worker.Process(ctx, task.ID); err != nil {
				return err
			}
			select {
			case <-streamed:
			case <-time.After(2 * time.Second):
			}

			// The run may have been cancelled by ctx; read the result regardless.
			final, err := a.store.GetTask(context.Background(), task.ID)
			if err != nil {
				return fmt.Errorf("failed to load task result: %w", err)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderSummary(gateway.NewTaskView(final)))
			if final.Status != store.StatusCompleted {
				return fmt.Errorf("task %s", final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "command to run the prompt through (e.g. review, plan)")
	cmd.Flags().StringVar(&externalID, "external-id", "", "external object id, groups runs into one conversation")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	return cmd
}

func localActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// gatewayClient targets --addr, or the gateway named in the config.
func gatewayClient(addr string) (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.Gateway, addr)
}

func newTasksCmd() *cobra.Command {
	var (
		addr  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "tasks [task-id]",
		Short: "List recent tasks, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient(addr)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				view, err := client.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderSummary(*view))
				return nil
			}
			tasks, err := client.ListTasks(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderTaskList(tasks, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of tasks to list")
	return cmd
}

func newTailCmd() *cobra.Command {
	var (
		addr  string
		plain bool
	)

	cmd := &cobra.Command{
		Use:   "tail <task-id>",
		Short: "Follow a task's live output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient(addr)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			conn, err := client.DialTail(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()

			var status string
			if plain || !isTerminal(os.Stdout) {
				status, err = tailPlain(conn, cmd.OutOrStdout())
				if status != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "\n"+statusStyle(status).Render(status))
				}
			} else {
				status, err = runTailTUI(conn, args[0])
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().BoolVar(&plain, "plain", false, "print raw output instead of the full screen view")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient(addr)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := client.CancelTask(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigValidateCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := cfgFile
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
			if err := config.Save(config.DefaultConfig(), configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s gateway %s, store %s, queue %s, stream %s\n",
				okStyle.Render("ok"), cfg.Gateway.Addr(), cfg.Store.Driver, cfg.Queue.Backend, cfg.Stream.Backend)
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies and configured features",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			report := health.RunChecks(cfg)
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, titleStyle.Render("Dependencies"))
			for _, c := range report.Dependencies {
				fmt.Fprintf(out, "  %s %s %s\n", checkStyle(c.Status).Render(c.Status.Symbol()), labelStyle.Render(c.Name), c.Message)
				if c.Fix != "" && c.Status != health.StatusOK {
					fmt.Fprintf(out, "      %s\n", dimStyle.Render("fix: "+c.Fix))
				}
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, titleStyle.Render("Features"))
			for _, f := range report.Features {
				line := fmt.Sprintf("  %s %s", checkStyle(f.Status).Render(f.Status.Symbol()), labelStyle.Render(f.Name))
				if f.Note != "" {
					line += dimStyle.Render(f.Note)
				}
				fmt.Fprintln(out, line)
			}

			if !report.OK() {
				return errors.New("required dependencies are missing")
			}
			return nil
		},
	}
}
