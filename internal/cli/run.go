package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/sync/connectivity"
	"github.com/kimhsiao/judgesync/internal/sync/remote/remotetest"
	"github.com/kimhsiao/judgesync/internal/sync/scheduler"
)

// NewDevServerCommand creates the devserver command.
func NewDevServerCommand(opts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve an in-memory reconciliation server for local testing",
		Long: `Serve the sync protocol and the websocket heartbeat from memory. State is
lost on exit.

Example:
  judgesync devserver --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = opts.Config.ListenAddr
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           remotetest.NewServer().Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serveUntilDone(cmd.Context(), srv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config listen_addr)")
	return cmd
}

func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Development server listening", map[string]interface{}{"addr": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitCommandError, "server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "server shutdown failed", err)
	}
	logging.Info("Development server stopped", nil)
	return nil
}

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var assumeOnline bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine with background sync until interrupted",
		Long: `Run the engine in the foreground. Connectivity is tracked through the
websocket heartbeat at heartbeat_url; without one, --assume-online treats the
device as permanently connected. Drains run after every reconnect, on the
drain interval, and old synced actions are pruned periodically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sched := scheduler.NewScheduler(a.engine, a.monitor, &scheduler.SchedulerConfig{
				SyncInterval:   cfg.DrainInterval,
				OnlineDebounce: cfg.OnlineDebounce,
				PruneInterval:  cfg.PruneInterval,
				PruneRetention: cfg.PruneRetention,
			})
			sched.Start(ctx)
			defer sched.Stop()

			proberDone := make(chan struct{})
			switch {
			case cfg.HeartbeatURL != "":
				prober := connectivity.NewProber(cfg.HeartbeatURL, a.monitor)
				go func() {
					defer close(proberDone)
					prober.Run(ctx)
				}()
			case assumeOnline:
				close(proberDone)
				a.monitor.Set(true)
			default:
				close(proberDone)
				logging.Warn("No heartbeat_url configured; staying offline. Use --assume-online to drain.", nil)
			}

			<-ctx.Done()
			logging.Info("Shutting down", nil)
			<-proberDone
			return nil
		},
	}

	cmd.Flags().BoolVar(&assumeOnline, "assume-online", false, "treat the device as connected when no heartbeat_url is set")
	return cmd
}
