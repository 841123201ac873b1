package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/vpn-provisioner/internal/client"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/command"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/pkg/api"
)

func runRemote(cmd *cobra.Command, apiURL string, c command.Command) error {
	level, _ := cmd.Flags().GetString("log-level")
	log := logger.NewWithWriter(logger.LoggerConfig{
		Level:     logger.LogLevel(level),
		Format:    logger.FormatText,
		Component: "provisionerctl",
		Version:   Version,
	}, os.Stderr)
	cl := client.New(apiURL, log)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	out := cmd.OutOrStdout()
	switch c := c.(type) {
	case command.CreateConfig:
		resp, err := cl.CreateConfig(ctx, api.CreateConfigRequest{
			ServerID:     c.Request.ServerID,
			OwnerID:      c.Request.OwnerID,
			PlanID:       c.Request.PlanID,
			QuotaBytes:   c.Request.QuotaBytes,
			DurationDays: c.Request.DurationDays,
			IsTest:       c.Request.IsTest,
		}, c.RequestID)
		if err != nil {
			return err
		}
		printConfigInfo(cmd, resp.Config)
		if resp.Replayed {
			fmt.Fprintf(out, "  (replayed earlier result)\n")
		}
		return printArtifact(cmd, resp.ClientConfig, resp.QRImage)

	case command.RenewConfig:
		resp, err := cl.RenewConfig(ctx, c.ConfigID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Config %s renewed: status=%s expires=%s\n",
			resp.ConfigID, resp.Status, resp.ExpiresAt.Format(time.RFC3339))
		return nil

	case command.DisableConfig:
		resp, err := cl.DisableConfig(ctx, c.ConfigID)
		if err != nil {
			return err
		}
		printTransition(cmd, "disabled", resp)
		return nil

	case command.DeleteConfig:
		resp, err := cl.DeleteConfig(ctx, c.ConfigID)
		if err != nil {
			return err
		}
		printTransition(cmd, "deleted", resp)
		return nil

	case command.ShowConfig:
		info, err := cl.GetConfig(ctx, c.ConfigID)
		if err != nil {
			return err
		}
		printConfigInfo(cmd, *info)
		text, err := cl.ClientConfig(ctx, c.ConfigID)
		if err != nil {
			return err
		}
		var qr []byte
		if path, _ := cmd.Flags().GetString("qr"); path != "" {
			if qr, err = cl.QRCode(ctx, c.ConfigID); err != nil {
				return err
			}
		}
		return printArtifact(cmd, text, qr)
	}
	return fmt.Errorf("command %s is not supported remotely", c.Kind())
}

func printConfigInfo(cmd *cobra.Command, info api.ConfigInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config %s\n", info.ID)
	fmt.Fprintf(out, "  Owner:    %d\n", info.OwnerID)
	fmt.Fprintf(out, "  Server:   %d\n", info.ServerID)
	fmt.Fprintf(out, "  Status:   %s\n", info.Status)
	fmt.Fprintf(out, "  Address:  %s\n", info.ClientAddress)
	fmt.Fprintf(out, "  Expires:  %s\n", info.ExpiresAt.Format(time.RFC3339))
	if info.QuotaBytes > 0 {
		fmt.Fprintf(out, "  Usage:    %d / %d bytes\n", info.ConsumedBytes, info.QuotaBytes)
	} else {
		fmt.Fprintf(out, "  Usage:    %d bytes (unlimited)\n", info.ConsumedBytes)
	}
}

func printTransition(cmd *cobra.Command, verb string, resp *api.TransitionResponse) {
	if resp.Transitioned {
		fmt.Fprintf(cmd.OutOrStdout(), "Config %s %s\n", resp.ConfigID, verb)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config %s was already %s\n", resp.ConfigID, verb)
}
