package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harun/autopilot/internal/config"
	"github.com/harun/autopilot/internal/tracing"
	"github.com/harun/autopilot/pkg/gateway"
	"github.com/harun/autopilot/pkg/statestore"
)

var serveNoWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the autopilot gateway",
	Long: `Start the HTTP gateway that accepts jobs, streams their events over
WebSocket, and exposes metrics. Expired project state is purged on the
configured schedule and provider keys are re-synced when the config file
changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file on change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pidFile := getPIDFilePath(a.cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("autopilot is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := tracing.InitOpenTelemetry(ctx, a.cfg.Tracing); err != nil {
		a.logger.Warn().Err(err).Msg("Tracing disabled")
	}
	defer tracing.ShutdownOpenTelemetry(context.Background())

	server, err := gateway.NewServer(gateway.Config{
		Addr:          a.cfg.Gateway.Addr(),
		SharedSecret:  a.cfg.Gateway.SharedSecret,
		JobsPerMinute: a.cfg.Gateway.JobsPerMinute,
		Runner:        a.runner,
		History:       a.sessions,
		Hooks:         a.hooks,
		Filter:        a.filter,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	purger, err := statestore.NewPurger(a.store, a.cfg.Store.PurgeSchedule, a.logger)
	if err != nil {
		return err
	}
	purger.WithSessions(a.sessions, time.Duration(a.cfg.Store.SessionRetentionDays)*24*time.Hour)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		if err := purger.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		purger.Stop()
		return nil
	})
	if !serveNoWatch {
		g.Go(func() error {
			err := a.loader.Watch(gctx, 0, func(cfg *config.Config) {
				a.reload(gctx, cfg)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("Config watcher stopped")
			}
			return nil
		})
	}

	a.logger.Info().Str("addr", a.cfg.Gateway.Addr()).Str("version", version).Msg("Autopilot started")
	err = g.Wait()
	a.logger.Info().Msg("Autopilot stopped")
	return err
}

func getPIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, "autopilot.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so probe with signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}
