package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/vpn-provisioner/internal/engine"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one usage reconciliation pass",
	Long: `Read peer counters from every active server and fold them into the
stored usage of each config. Servers that cannot be reached are reported
and skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Components) error {
			pass, err := e.Reconciler.RunOnce(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Reconciled %d servers in %v (%d failed)\n\n",
				len(pass.Servers), pass.Duration.Round(time.Millisecond), pass.Failed)
			for _, s := range pass.Servers {
				if s.Err != nil {
					fmt.Fprintf(out, "  server %d: error: %v\n", s.ServerID, s.Err)
					continue
				}
				fmt.Fprintf(out, "  server %d: peers=%d matched=%d missing=%d applied=%d stale=%d resets=%d orphans=%d\n",
					s.ServerID, s.Peers, s.Matched, s.Missing, s.Applied, s.Stale, s.Resets, s.Orphans)
			}
			if pass.Failed > 0 {
				return fmt.Errorf("%d servers failed", pass.Failed)
			}
			return nil
		})
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one lifecycle pass",
	Long: `Disable configs that expired, ran out of quota or were asked to stop,
delete expired test configs, retry pending deletions and raise due alerts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Components) error {
			pass, err := e.Lifecycle.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Evaluated %d configs in %v: disabled=%d deleted=%d retried=%d alerts=%d failed=%d\n",
				pass.Evaluated, pass.Duration.Round(time.Millisecond),
				pass.Disabled, pass.Deleted, pass.Retried, pass.Alerts, pass.Failed)
			if pass.Failed > 0 {
				return fmt.Errorf("%d configs failed", pass.Failed)
			}
			return nil
		})
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the server and plan catalog",
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Write the configured servers and plans to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		// withEngine already syncs; list what is now stored.
		return withEngine(cmd, func(ctx context.Context, e *engine.Components) error {
			servers, err := e.Store.ListServers(ctx)
			if err != nil {
				return err
			}
			plans, err := e.Store.ListPlans(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Servers:\n")
			for _, s := range servers {
				active, reserved, err := e.Allocator.Utilization(ctx, s)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %d %-16s %-8s active=%t pool=%s[%d-%d] used=%d reserved=%d capacity=%d\n",
					s.ID, s.Name, s.Driver, s.Active, s.PoolBase, s.PoolStart, s.PoolEnd, active, reserved, s.Capacity)
			}
			fmt.Fprintf(out, "Plans:\n")
			for _, p := range plans {
				fmt.Fprintf(out, "  %d %-16s quota=%d days=%d single_use=%t\n",
					p.ID, p.Name, p.QuotaBytes, p.DurationDays, p.SingleUse)
			}
			return nil
		})
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List or acknowledge pending notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending notifications, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withEngine(cmd, func(ctx context.Context, e *engine.Components) error {
			items, err := e.Store.ListPendingNotifications(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No pending notifications")
				return nil
			}
			for _, n := range items {
				fmt.Fprintf(out, "%d\t%s\towner=%d\tconfig=%s\t%s\t%s\n",
					n.ID, n.CreatedAt.Format(time.RFC3339), n.OwnerID, n.ConfigID, n.Kind, n.Message)
			}
			return nil
		})
	},
}

var notificationsAckCmd = &cobra.Command{
	Use:   "ack <notification-id>",
	Short: "Mark a notification as delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Components) error {
			acked, err := e.Store.AckNotification(ctx, id)
			if err != nil {
				return err
			}
			if !acked {
				fmt.Fprintf(cmd.OutOrStdout(), "notification %d was already acknowledged\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notification %d acknowledged\n", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd, evaluateCmd, catalogCmd, notificationsCmd)
	catalogCmd.AddCommand(catalogSyncCmd)
	notificationsCmd.AddCommand(notificationsListCmd, notificationsAckCmd)

	notificationsListCmd.Flags().Int("limit", 50, "maximum number of notifications")
}
