// Command remapctl supervises and controls a keyboard-remapping engine over
// its localhost JSON socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	remapd "github.com/axsys/go-remapd"
)

var (
	cfgPath string
	addr    string
)

func main() {
	root := &cobra.Command{
		Use:           "remapctl",
		Short:         "Supervise and control a keyboard-remapping engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "supervisor config file (YAML)")
	root.PersistentFlags().StringVar(&addr, "addr", remapd.DefaultEngineAddr, "engine socket address")

	root.AddCommand(statusCmd(), reloadCmd(), applyCmd(), listenCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "remapctl:", err)
		os.Exit(1)
	}
}

// loadSetup resolves the configuration (file or flags) and a logger
func loadSetup() (*remapd.Config, *slog.Logger, error) {
	if cfgPath != "" {
		cfg, err := remapd.LoadConfig(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		}))
		return cfg, logger, nil
	}

	cfg := &remapd.Config{}
	cfg.Engine.Addr = addr
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return cfg, logger, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print engine status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadSetup()
			if err != nil {
				return err
			}
			client := cfg.Client(logger)
			defer func() { _ = client.Close() }()

			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("engine %s  uptime %ds  ready=%v\n",
				st.EngineVersion, st.UptimeSeconds, st.Ready)
			if st.LastReload != nil {
				fmt.Printf("last reload ok=%v at=%s\n", st.LastReload.OK, st.LastReload.At)
			}
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	var waitMS uint32
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the engine configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadSetup()
			if err != nil {
				return err
			}
			client := cfg.Client(logger)
			defer func() { _ = client.Close() }()

			out, err := client.Reload(cmd.Context(), waitMS)
			if err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("engine rejected reload: %s", out.Message)
			}
			fmt.Printf("reload ok (ready=%v, %dms, epoch %d, via %s parser)\n",
				out.Ready, out.DurationMS, out.Epoch, out.Parser)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&waitMS, "wait-ms", 2000, "reload settle budget in milliseconds")
	return cmd
}

func applyCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Validate and apply a configuration file, with rollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSetup()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			dest := target
			if dest == "" {
				dest = cfg.Engine.ConfigPath
			}
			if dest == "" {
				return fmt.Errorf("no target path: pass --target or set engine.config_path")
			}

			client := cfg.Client(logger)
			defer func() { _ = client.Close() }()

			// The engine is the authority on config syntax; the in-memory
			// validator only rejects the trivially broken.
			validator := remapd.ValidatorFunc(func(_ context.Context, content []byte) remapd.ValidationResult {
				if len(content) == 0 {
					return remapd.ValidationResult{Errors: []string{"empty configuration"}}
				}
				return remapd.ValidationResult{Valid: true}
			})

			pipeline := remapd.NewApplyPipeline(validator,
				remapd.WithApplyEngine(client),
				remapd.WithReadinessTimeout(time.Duration(cfg.Apply.ReadinessTimeoutMs)*time.Millisecond),
				remapd.WithReloadWait(uint32(cfg.Apply.ReloadWaitMs)),
				remapd.WithApplyLogger(logger),
			)

			result := pipeline.Apply(cmd.Context(), dest, content)
			if !result.Success {
				return fmt.Errorf("apply failed (%s, rolled back: %v): %w",
					result.Kind, result.RolledBack, result.Err)
			}
			fmt.Printf("applied %s (run %s)\n", dest, result.Diagnostics.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "destination path (defaults to engine.config_path)")
	return cmd
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stream layer-change events to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadSetup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			listener := remapd.NewLayerListener(cfg.Engine.Addr,
				remapd.WithListenerLogger(logger))
			listener.SetHandler(func(ev remapd.LayerEvent) {
				fmt.Printf("%s  %s\n", ev.Kind, ev.Name)
			})
			if err := listener.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return listener.Stop()
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervision loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadSetup()
			if err != nil {
				return err
			}
			if cfg.Engine.Binary == "" {
				return fmt.Errorf("run requires engine.binary in the config file")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := cfg.Client(logger)
			defer func() { _ = client.Close() }()

			proc := remapd.NewEngineProcess(cfg.Engine.Binary, cfg.Engine.Args,
				remapd.WithProcessLogger(logger))
			resolver := remapd.NewConflictResolver(cfg.Engine.ProcessPattern,
				remapd.WithManagedPIDs(proc.ManagedPIDs),
				remapd.WithResolverLogger(logger))
			monitor := remapd.NewHealthMonitor(client,
				remapd.WithGracePeriod(time.Duration(cfg.Monitor.GracePeriodMs)*time.Millisecond),
				remapd.WithMinRestartInterval(time.Duration(cfg.Monitor.MinRestartIntervalMs)*time.Millisecond),
				remapd.WithPingRetries(cfg.Monitor.PingRetries, time.Duration(cfg.Monitor.PingRetryDelayMs)*time.Millisecond),
				remapd.WithRecoveryLimits(cfg.Monitor.MaxStartAttempts, cfg.Monitor.MaxRetryAttempts, cfg.Monitor.ConnFailureCeiling),
				remapd.WithConflictResolver(resolver),
				remapd.WithMonitorLogger(logger))

			if err := proc.Start(ctx); err != nil {
				return err
			}
			monitor.RecordStartAttempt()
			monitor.RecordStartSuccess()

			gaveUp := make(chan string, 1)
			sup := remapd.NewSupervisor(proc, monitor, client,
				remapd.WithCheckInterval(time.Duration(cfg.Monitor.CheckIntervalMs)*time.Millisecond),
				remapd.WithSupervisorResolver(resolver),
				remapd.WithOnGiveUp(func(reason string) { gaveUp <- reason }),
				remapd.WithSupervisorLogger(logger))
			if err := sup.Start(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case reason := <-gaveUp:
				fmt.Fprintf(os.Stderr, "engine recovery abandoned: %s\n", reason)
			}

			_ = sup.Stop()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return proc.Stop(stopCtx)
		},
	}
}
