// researchd drives autonomous multi-level research runs over durable
// conversation state. It can serve an HTTP API, drive a single run from
// the command line, or report a conversation's run status.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quintrel/researchd/internal/agents"
	"github.com/quintrel/researchd/internal/api"
	"github.com/quintrel/researchd/internal/config"
	"github.com/quintrel/researchd/internal/inference"
	"github.com/quintrel/researchd/internal/lock"
	"github.com/quintrel/researchd/internal/research"
	"github.com/quintrel/researchd/internal/statestore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "researchd",
		Short:         "Autonomous deep-research orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "researchd.yaml", "path to configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd(&configPath, &verbose))
	root.AddCommand(newRunCmd(&configPath, &verbose))
	root.AddCommand(newStatusCmd(&configPath, &verbose))
	return root
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// engine bundles the wired components plus the resources that need
// closing on shutdown.
type engine struct {
	orch    *research.Orchestrator
	closers []io.Closer
}

func (e *engine) Close() {
	for _, closer := range e.closers {
		closer.Close()
	}
}

func buildEngine(ctx context.Context, cfg config.Config, log *slog.Logger) (*engine, error) {
	e := &engine{}

	var store research.StateStore
	switch cfg.Store.Backend {
	case config.StoreBackendBolt:
		bolt, err := statestore.OpenBolt(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		e.closers = append(e.closers, bolt)
		store = bolt
	case config.StoreBackendPostgres:
		pg, err := statestore.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		e.closers = append(e.closers, pg)
		store = pg
	case config.StoreBackendMemory:
		store = statestore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var lockSvc lock.Service
	if cfg.Lock.Path != "" {
		bolt, err := lock.OpenBolt(cfg.Lock.Path)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open lock store: %w", err)
		}
		e.closers = append(e.closers, bolt)
		lockSvc = bolt
	}
	startLock := lock.NewStartLock(lockSvc, cfg.LockTTL(), cfg.Lock.Attempts, cfg.LockBackoff(), log)

	client := inference.NewHTTPClient(inference.HTTPClientOptions{
		BaseURL: cfg.Inference.BaseURL,
		Model:   cfg.Inference.Model,
		APIKey:  cfg.Inference.APIKey,
		Timeout: cfg.InferenceTimeout(),
	})
	runner := agents.New(agents.Options{
		BaseURL: cfg.Agents.BaseURL,
		APIKey:  cfg.Agents.APIKey,
		Timeout: cfg.AgentsTimeout(),
	})

	model := cfg.Inference.Model
	e.orch = research.NewOrchestrator(research.OrchestratorOptions{
		Store:         store,
		Ledger:        research.NewLedger(store, cfg.Lease(), cfg.HeartbeatStaleAfter(), log),
		StartLock:     startLock,
		Planner:       research.NewPlanner(client, model, cfg.Research.MaxTasksPerLevel, log),
		Executor:      research.NewParallelExecutor(runner, cfg.Research.ExecutorConcurrency, log),
		Hypothesis:    research.NewHypothesisManager(client, model, log),
		Discovery:     research.NewDiscoveryManager(client, model, cfg.Research.MaxDiscoveries, log),
		Reflection:    research.NewReflectionManager(client, model, cfg.Research.MaxKeyInsights, log),
		Decider:       research.NewDecider(client, model, log),
		MaxIterations: cfg.Research.MaxIterations,
		Log:           log,
	})
	return e, nil
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newServeCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer eng.Close()

			router := api.NewServer(eng.orch, log).Router()
			errCh := make(chan error, 1)
			go func() {
				log.Info("serving", "addr", cfg.Server.Addr)
				errCh <- router.Run(cfg.Server.Addr)
			}()
			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}

func newRunCmd(configPath *string, verbose *bool) *cobra.Command {
	var rootMessageID, stateID, input string

	cmd := &cobra.Command{
		Use:   "run <conversation-state-id>",
		Short: "Drive one research run to its terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer eng.Close()

			outcome, err := eng.orch.Start(ctx, research.StartRequest{
				ConversationStateID: args[0],
				RootMessageID:       rootMessageID,
				StateID:             stateID,
				Mode:                research.RunModeInProcess,
				UserInput:           input,
			})
			var dup *research.DuplicateRunError
			if errors.As(err, &dup) {
				return fmt.Errorf("run refused: %s", dup.Error())
			}
			if err != nil {
				return err
			}
			fmt.Printf("result: %s (iterations: %d)\n", outcome.Result, outcome.Iterations)
			if outcome.AskReason != "" {
				fmt.Printf("paused for user: %s\n", outcome.AskReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rootMessageID, "root-message", "", "root message id claiming the run")
	cmd.Flags().StringVar(&stateID, "state-id", "", "state snapshot id claiming the run")
	cmd.Flags().StringVar(&input, "input", "", "user input driving the first plan")
	cmd.MarkFlagRequired("root-message")
	cmd.MarkFlagRequired("state-id")
	return cmd
}

func newStatusCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status <conversation-state-id>",
		Short: "Report whether a conversation has a live run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			eng, err := buildEngine(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer eng.Close()

			status, err := eng.orch.StatusOf(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !status.Active {
				fmt.Println("no active run")
				return nil
			}
			fmt.Printf("active run: root message %s, state %s\n",
				status.Owner.RootMessageID, status.Owner.StateID)
			if status.Owner.LastHeartbeatAt != nil {
				fmt.Printf("last heartbeat: %s\n", status.Owner.LastHeartbeatAt.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
}
