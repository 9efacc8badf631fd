package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patterngate/internal/device"
	httpapi "github.com/fyrsmithlabs/patterngate/internal/http"
	"github.com/fyrsmithlabs/patterngate/internal/trial"
)

func newTrialCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trial",
		Short: "Manage this device's trial",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start a trial for this device",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				hash := opts.device(cmd.Context())
				var st trial.Status
				err := opts.client(cmd.Context(), false).do(cmd.Context(), http.MethodPost, "/api/v1/trials",
					httpapi.TrialStartRequest{
						DeviceHash:    hash,
						Platform:      runtime.GOOS + "/" + runtime.GOARCH,
						ClientVersion: version,
					}, &st)
				if err != nil {
					return err
				}
				return printTrial(cmd, st)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show this device's trial",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var st trial.Status
				err := opts.client(cmd.Context(), false).do(cmd.Context(), http.MethodGet,
					"/api/v1/trials/"+opts.device(cmd.Context()), nil, &st)
				if err != nil {
					return err
				}
				return printTrial(cmd, st)
			},
		},
		&cobra.Command{
			Use:   "extend",
			Short: "Extend this device's trial once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var st trial.Status
				err := opts.client(cmd.Context(), false).do(cmd.Context(), http.MethodPost,
					"/api/v1/trials/"+opts.device(cmd.Context())+"/extend", nil, &st)
				if err != nil {
					return err
				}
				return printTrial(cmd, st)
			},
		},
	)
	return cmd
}

func (o *options) device(ctx context.Context) string {
	if o.deviceHash != "" {
		return o.deviceHash
	}
	return device.Local(ctx).DeviceHash
}

func printTrial(cmd *cobra.Command, st trial.Status) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Trial:          %s\n", st.TrialID)
	fmt.Fprintf(out, "Stage:          %s\n", st.Stage)
	fmt.Fprintf(out, "Expires:        %s\n", st.ExpiresAt.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(out, "Days remaining: %d\n", st.DaysRemaining)
	fmt.Fprintf(out, "Can extend:     %t\n", st.CanExtend)
	fmt.Fprintf(out, "Pattern access: %t\n", st.CanAccessPatterns)
	return nil
}

func newFingerprintCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's device fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fp := device.Local(cmd.Context())
			if asJSON {
				return printJSON(cmd, fp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device hash: %s\n", fp.DeviceHash)
			fmt.Fprintf(out, "Machine ID:  %s\n", fp.MachineID)
			fmt.Fprintf(out, "Platform:    %s\n", fp.Platform)
			fmt.Fprintf(out, "Hostname:    %s\n", fp.Hostname)
			if fp.Degraded {
				fmt.Fprintln(out, "Warning: no OS machine id was found; the id above was synthesized.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
