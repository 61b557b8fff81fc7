package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskmem/config"
	"github.com/vinayprograms/taskmem/executor"
	"github.com/vinayprograms/taskmem/logging"
	"github.com/vinayprograms/taskmem/shutdown"
	"github.com/vinayprograms/taskmem/tasks"
	"github.com/vinayprograms/taskmem/telemetry"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply executor events from the bus to task memory",
	Long: `Subscribes to executor events under the configured prefix and applies
them to the engine, in order per task and in parallel across tasks.

On SIGINT or SIGTERM the server stops taking events, drains the queued ones,
flushes telemetry and then closes the bus and stores.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for a graceful shutdown")
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	log := logger.WithComponent("serve")

	var provider *telemetry.Provider
	pcfg := telemetry.ProviderConfigFrom(cfg)
	if pcfg.Enabled() {
		p, err := telemetry.InitProvider(ctx, pcfg)
		if err != nil {
			return err
		}
		provider = p
	}

	opts := openOptions{bus: true}
	if provider != nil {
		opts.tracer = provider.Tracer()
	}
	b, err := openBackends(ctx, cfg, logger, opts)
	if err != nil {
		if provider != nil {
			_ = provider.Shutdown(context.Background())
		}
		return err
	}

	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	events, err := executor.Listen(listenCtx, b.bus, cfg.Bus.Prefix, logger.WithComponent("listener"))
	if err != nil {
		b.Close()
		if provider != nil {
			_ = provider.Shutdown(context.Background())
		}
		return err
	}

	driver := executor.NewDriver(b.engine,
		executor.WithDriverLogger(logger.WithComponent("driver")),
		executor.WithRetry(cfg.Bus.RetryAttempts, cfg.Bus.RetryBackoff.Duration),
		executor.OnApplied(func(ev executor.Event, rec *tasks.Record) {
			log.Debug("event applied", map[string]interface{}{
				"agent_id": ev.AgentID,
				"task_id":  ev.TaskID,
				"kind":     string(ev.Kind),
				"status":   string(rec.Status),
			})
		}),
	)

	// The server also stops when the driver returns on its own, for
	// example after the bus connection closed.
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()

	var g errgroup.Group
	g.Go(func() error {
		defer stopServe()
		return driver.Run(runCtx, events)
	})

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout: shutdownTimeout,
		OnProgress: func(hr shutdown.HandlerResult) {
			fields := map[string]interface{}{
				"handler":  hr.Name,
				"phase":    hr.Phase,
				"duration": hr.Duration.String(),
			}
			if hr.Err != nil {
				fields["error"] = hr.Err.Error()
				log.Warn("shutdown handler failed", fields)
				return
			}
			log.Debug("shutdown handler done", fields)
		},
	})
	coord.RegisterFunc("listener", shutdown.PhaseIntake, func(context.Context) error {
		stopListen()
		return nil
	})
	coord.RegisterFunc("driver", shutdown.PhaseDrain, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			stopRun()
			<-done
			return ctx.Err()
		}
	})
	if provider != nil {
		coord.RegisterFunc("tracer", shutdown.PhaseFlush, provider.Shutdown)
	}
	coord.RegisterFunc("events", shutdown.PhaseFlush, func(context.Context) error {
		return b.events.Flush()
	})
	coord.RegisterFunc("backends", shutdown.PhaseClose, func(context.Context) error {
		return b.Close()
	})

	log.Info("serving", map[string]interface{}{
		"store":    cfg.Store.Backend,
		"passages": cfg.Passages.Backend,
		"bus":      cfg.Bus.Backend,
		"prefix":   cfg.Bus.Prefix,
		"capacity": cfg.Archive.Capacity,
		"tracing":  provider != nil,
	})

	err = coord.WaitForSignal(serveCtx)
	log.Info("stopped", map[string]interface{}{
		"result": coord.Result().String(),
	})
	return err
}
