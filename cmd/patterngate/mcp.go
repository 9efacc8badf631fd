package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/config"
	"github.com/fyrsmithlabs/patterngate/internal/device"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the gate as MCP tools on stdio",
		Long: `Serve the gate as MCP tools on stdin/stdout for a coding agent.

The gate runs in-process against the configured store. Calls carry the
configured access.api_key, or this machine's device fingerprint when no key
is set, in which case the trial_start tool opens a trial for the device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runMCP(cmd.Context(), cfg)
		},
	}
}

// mcpCredential picks the credential the tools present.
func mcpCredential(cfg *config.Config, fp device.Fingerprint) access.Credential {
	if cfg.Access.APIKey.IsSet() {
		return access.Credential{APIKey: cfg.Access.APIKey.Value()}
	}
	return access.Credential{DeviceHash: fp.DeviceHash}
}

func runMCP(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		a.close(shutdownCtx)
	}()

	if err := a.start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	fp := device.Local(ctx)
	if fp.Degraded {
		a.logger.Warn(ctx, "device fingerprint degraded; no machine id available")
	}
	cred := mcpCredential(cfg, fp)
	ctx = logging.WithDeviceHash(ctx, cred.DeviceHash)

	srv, err := mcp.NewServer(&mcp.Config{
		Name:       "patterngate",
		Version:    version,
		Logger:     a.logger,
		Credential: cred,
		Platform:   fp.Platform,
	}, a.gate, a.ledger)
	if err != nil {
		return err
	}

	a.logger.Info(ctx, "patterngate MCP server starting",
		zap.Bool("api_key", cred.APIKey != ""),
		zap.Int("patterns", a.catalog.Len()))
	// stdout carries the protocol.
	fmt.Fprintf(os.Stderr, "patterngate mcp started (store %s)\n", cfg.Store.Driver)

	return srv.Run(ctx)
}
