package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/conflict"
	"github.com/kimhsiao/judgesync/internal/uuid"
)

func parseID(s string) (models.UUID, error) {
	if err := uuid.Validate(s); err != nil {
		return "", errs.Validation(fmt.Sprintf("invalid id %q", s), err)
	}
	return models.UUID(s), nil
}

// withApp opens the app for one command and reports errors through the
// formatter.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(a *app, out *OutputFormatter) error) error {
	out := opts.output(cmd)
	a, err := openApp(opts.Config)
	if err != nil {
		out.Error(err)
		return reported(err)
	}
	defer a.Close()

	if err := fn(a, out); err != nil {
		out.Error(err)
		if GetExitCode(err) == ExitCommandError {
			return reported(err)
		}
		return reported(WrapExitError(ExitFailure, cmd.Name()+" failed", err))
	}
	return nil
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(opts *RootOptions) *cobra.Command {
	var (
		actionType  string
		resourceID  string
		baseVersion int64
		payload     string
		priority    string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue one action for the next sync",
		Long: `Queue one action durably on this device. The action is synced by the
next drain; enqueue itself never touches the network.

Example:
  judgesync enqueue --type score-update --resource score-p1 \
    --payload '{"competition_id":"c1","participant_id":"p1","judge_id":"j1","criterion":"execution","score":8.5}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				t := models.ActionType(actionType)
				if !t.Valid() {
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown action type %q", actionType))
				}
				p, err := models.DecodePayload(t, json.RawMessage(payload))
				if err != nil {
					return errs.Validation("invalid payload", err)
				}
				action, err := models.NewPendingAction(resourceID, baseVersion, p)
				if err != nil {
					return errs.Validation("invalid payload", err)
				}
				if priority != "" {
					action.Priority = models.Priority(priority)
				}

				id, err := a.engine.Enqueue(cmd.Context(), action)
				if err != nil {
					return err
				}
				return out.Success(action, fmt.Sprintf("Queued %s action %s for %s", action.Type, id, action.ResourceID))
			})
		},
	}

	cmd.Flags().StringVar(&actionType, "type", string(models.ActionTypeScoreUpdate), "action type (score-update|create|update|delete)")
	cmd.Flags().StringVar(&resourceID, "resource", "", "id of the server record the action targets (required)")
	cmd.Flags().Int64Var(&baseVersion, "base-version", 0, "server version the change was made against")
	cmd.Flags().StringVar(&payload, "payload", "", "action payload as JSON (required)")
	cmd.Flags().StringVar(&priority, "priority", "", "override priority (high|normal|low)")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue to the server once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				a.monitor.Set(true)
				res, err := a.engine.ForceSyncNow(cmd.Context())
				if err != nil {
					return err
				}
				text := fmt.Sprintf("Synced %d, retried %d, failed %d, conflicts %d in %d session(s) (%s)",
					res.Successful, res.Retried, res.Failed, res.Conflicts, res.Sessions, res.Duration.Round(time.Millisecond))
				if res.Aborted {
					text += "; aborted by connectivity loss"
				}
				return out.Success(res, text)
			})
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				stats, err := a.engine.Stats(cmd.Context())
				if err != nil {
					return err
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Device:     %s\n", stats.DeviceID)
				fmt.Fprintf(&b, "Pending:    %d\n", stats.PendingActions)
				fmt.Fprintf(&b, "Unsynced:   %d\n", stats.UnsyncedCount)
				fmt.Fprintf(&b, "Synced:     %d\n", stats.SyncedCount)
				fmt.Fprintf(&b, "Failed:     %d\n", stats.FailedCount)
				fmt.Fprintf(&b, "Conflicted: %d", stats.ConflictCount)
				return out.Success(stats, b.String())
			})
		},
	}
}

// NewFailedCommand creates the failed command.
func NewFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List actions that need human attention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				failed, err := a.engine.ListFailed(cmd.Context())
				if err != nil {
					return err
				}
				var b strings.Builder
				fmt.Fprintf(&b, "%d failed action(s)", len(failed))
				for _, f := range failed {
					fmt.Fprintf(&b, "\n  %s  %-12s %-20s retries=%d  %s", f.ID, f.Type, f.ResourceID, f.RetryCount, f.LastError)
				}
				return out.Success(failed, b.String())
			})
		},
	}
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflict records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				conflicts, err := a.engine.ListConflicts(cmd.Context(), models.ConflictStatus(status))
				if err != nil {
					return err
				}
				var b strings.Builder
				fmt.Fprintf(&b, "%d conflict(s)", len(conflicts))
				for _, c := range conflicts {
					fmt.Fprintf(&b, "\n  %s  action=%s  resource=%s  server_version=%d  %s",
						c.ID, c.ActionID, c.ResourceID, c.ServerVersion, c.Status)
					if c.Resolution != "" {
						fmt.Fprintf(&b, " (%s)", c.Resolution)
					}
				}
				return out.Success(conflicts, b.String())
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|resolved)")
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var (
		payload      string
		keepLocal    bool
		acceptRemote bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Settle a pending conflict",
		Long: `Settle a pending conflict with exactly one of:
  --payload        resubmit a merged record against the server's version
  --keep-local     resubmit the local payload against the server's version
  --accept-remote  keep the server's version`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chosen := 0
			for _, set := range []bool{payload != "", keepLocal, acceptRemote} {
				if set {
					chosen++
				}
			}
			if chosen != 1 {
				return NewExitError(ExitCommandError, "exactly one of --payload, --keep-local or --accept-remote is required")
			}
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}

				var res conflict.Resolution
				switch {
				case acceptRemote:
					res, err = a.engine.AcceptRemote(cmd.Context(), id)
				case keepLocal:
					res, err = a.engine.KeepLocal(cmd.Context(), id)
				default:
					res, err = a.engine.ResolveConflict(cmd.Context(), id, json.RawMessage(payload))
				}
				if err != nil {
					return err
				}
				return out.Success(res, fmt.Sprintf("Conflict %s resolved: %s, action %s is %s",
					id, res.Outcome, res.ActionID, res.ActionStatus))
			})
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "merged payload as JSON")
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "resubmit the local payload")
	cmd.Flags().BoolVar(&acceptRemote, "accept-remote", false, "keep the server's version")
	return cmd
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <action-id>",
		Short: "Give a failed action a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if err := a.engine.RequeueFailed(cmd.Context(), id); err != nil {
					return err
				}
				return out.Success(map[string]interface{}{"id": id}, fmt.Sprintf("Requeued %s", id))
			})
		},
	}
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete synced actions past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				retention := olderThan
				if retention <= 0 {
					retention = a.cfg.PruneRetention
				}
				n, err := a.engine.Prune(cmd.Context(), time.Now().Add(-retention))
				if err != nil {
					return err
				}
				return out.Success(map[string]interface{}{"deleted": n}, fmt.Sprintf("Deleted %d synced action(s)", n))
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (defaults to config prune_retention)")
	return cmd
}
