package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/vpn-provisioner/internal/engine"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/command"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage VPN configs",
}

var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new VPN config",
	Long: `Provision a new VPN config on a server and print its client config.

Examples:
  # Config from plan 2 on server 1 for owner 42
  provisionerctl config create --server 1 --owner 42 --plan 2

  # Ad-hoc 10 GiB / 30 day config, QR code written to a file
  provisionerctl config create --server 1 --owner 42 --quota 10737418240 --days 30 --qr owner42.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverID, _ := cmd.Flags().GetInt64("server")
		ownerID, _ := cmd.Flags().GetInt64("owner")
		quota, _ := cmd.Flags().GetInt64("quota")
		days, _ := cmd.Flags().GetInt("days")
		isTest, _ := cmd.Flags().GetBool("test")

		req := peer.CreateRequest{
			ServerID:     serverID,
			OwnerID:      ownerID,
			QuotaBytes:   quota,
			DurationDays: days,
			IsTest:       isTest,
		}
		if cmd.Flags().Changed("plan") {
			planID, _ := cmd.Flags().GetInt64("plan")
			req.PlanID = &planID
		}

		requestID, _ := cmd.Flags().GetString("request-id")
		return runConfig(cmd, command.CreateConfig{RequestID: requestID, Request: req})
	},
}

var configRenewCmd = &cobra.Command{
	Use:   "renew <config-id>",
	Short: "Renew a config for another term",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd, command.RenewConfig{ConfigID: args[0]})
	},
}

var configDisableCmd = &cobra.Command{
	Use:   "disable <config-id>",
	Short: "Disable an active config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd, command.DisableConfig{ConfigID: args[0]})
	},
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete <config-id>",
	Short: "Delete a config and its device peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd, command.DeleteConfig{ConfigID: args[0]})
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show <config-id>",
	Short: "Show a config and its client config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd, command.ShowConfig{ConfigID: args[0]})
	},
}

// runConfig sends c to the API when --api-url is set and runs it in-process
// otherwise.
func runConfig(cmd *cobra.Command, c command.Command) error {
	if apiURL, _ := cmd.Flags().GetString("api-url"); apiURL != "" {
		return runRemote(cmd, apiURL, c)
	}
	return dispatch(cmd, c)
}

func dispatch(cmd *cobra.Command, c command.Command) error {
	return withEngine(cmd, func(ctx context.Context, e *engine.Components) error {
		reply, err := e.Dispatcher.Dispatch(ctx, c)
		if err != nil {
			return err
		}
		return printReply(cmd, c.Kind(), reply)
	})
}

func printReply(cmd *cobra.Command, kind command.Kind, reply *command.Reply) error {
	out := cmd.OutOrStdout()
	if reply.Config == nil {
		if reply.Transitioned {
			fmt.Fprintf(out, "%s: done\n", kind)
		} else {
			fmt.Fprintf(out, "%s: nothing to do, config already inactive\n", kind)
		}
		return nil
	}
	cfg := reply.Config

	fmt.Fprintf(out, "Config %s\n", cfg.ID)
	fmt.Fprintf(out, "  Owner:    %d\n", cfg.OwnerID)
	fmt.Fprintf(out, "  Server:   %d\n", cfg.ServerID)
	fmt.Fprintf(out, "  Status:   %s\n", cfg.Status)
	fmt.Fprintf(out, "  Address:  %s\n", cfg.ClientAddress)
	fmt.Fprintf(out, "  Expires:  %s\n", cfg.ExpiresAt.Format(time.RFC3339))
	if cfg.QuotaBytes > 0 {
		fmt.Fprintf(out, "  Usage:    %d / %d bytes\n", cfg.Consumed(), cfg.QuotaBytes)
	} else {
		fmt.Fprintf(out, "  Usage:    %d bytes (unlimited)\n", cfg.Consumed())
	}
	if reply.Replayed {
		fmt.Fprintf(out, "  (replayed earlier result)\n")
	}

	if reply.Artifact == nil {
		return nil
	}
	return printArtifact(cmd, reply.Artifact.Text, reply.Artifact.QR)
}

func printArtifact(cmd *cobra.Command, text string, qr []byte) error {
	out := cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("qr"); path != "" {
		if err := os.WriteFile(path, qr, 0o600); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
		fmt.Fprintf(out, "  QR code:  %s\n", path)
	}
	fmt.Fprintf(out, "\n%s", text)
	return nil
}

// parseID accepts positive integer ids for flags given as strings.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd, configRenewCmd, configDisableCmd, configDeleteCmd, configShowCmd)

	configCreateCmd.Flags().Int64("server", 0, "server id")
	configCreateCmd.Flags().Int64("owner", 0, "owner id")
	configCreateCmd.Flags().Int64("plan", 0, "plan id (overrides --quota and --days)")
	configCreateCmd.Flags().Int64("quota", 0, "traffic quota in bytes, 0 for unlimited")
	configCreateCmd.Flags().Int("days", 30, "validity in days")
	configCreateCmd.Flags().Bool("test", false, "mark as a test config, deleted instead of disabled on expiry")
	configCreateCmd.Flags().String("request-id", "", "idempotency key; with --api-url a repeat with the same key returns the first result")
	_ = configCreateCmd.MarkFlagRequired("server")
	_ = configCreateCmd.MarkFlagRequired("owner")

	for _, c := range []*cobra.Command{configCreateCmd, configShowCmd} {
		c.Flags().String("qr", "", "write the client config QR code PNG to this file")
	}
}
