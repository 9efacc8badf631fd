package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patterngate/internal/gate"
	"github.com/fyrsmithlabs/patterngate/internal/selector"
	"github.com/fyrsmithlabs/patterngate/internal/validation"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	var keywords []string
	cmd := &cobra.Command{
		Use:   "discover <task>",
		Short: "Open a gate session and list the relevant patterns",
		Long: `Open a gate session for a task and print the patterns to apply.

Examples:
  pgctl discover "add a login form" --keyword auth`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp gate.DiscoverResponse
			err := opts.client(cmd.Context(), true).do(cmd.Context(), http.MethodPost, "/api/v1/gate/discover",
				gate.DiscoverRequest{Task: args[0], Keywords: keywords}, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringSliceVarP(&keywords, "keyword", "k", nil, "extra keyword (repeatable)")
	return cmd
}

func newFetchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <token> <name>...",
		Short: "Fetch patterns by exact name within a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp gate.FetchResponse
			err := opts.client(cmd.Context(), true).do(cmd.Context(), http.MethodPost, "/api/v1/gate/patterns",
				gate.FetchRequest{Token: args[0], Names: args[1:]}, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func newValidateCmd(opts *options) *cobra.Command {
	var claimFile string
	cmd := &cobra.Command{
		Use:   "validate <token>",
		Short: "Submit a completion claim for a session",
		Long: `Submit a completion claim for a session. The claim is a JSON object read
from --claim, or stdin when --claim is "-".

Examples:
  echo '{"testsRun":true,"testsPassed":true}' | pgctl validate <token> --claim -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claim, err := readClaim(cmd, claimFile)
			if err != nil {
				return err
			}
			var resp gate.ValidateResponse
			err = opts.client(cmd.Context(), true).do(cmd.Context(), http.MethodPost, "/api/v1/gate/validate",
				gate.ValidateRequest{Token: args[0], Claim: claim}, &resp)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, resp); err != nil {
				return err
			}
			if !resp.Passed {
				return fmt.Errorf("validation failed with %d issue(s)", len(resp.Issues))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&claimFile, "claim", "-", `claim JSON file, "-" for stdin`)
	return cmd
}

func readClaim(cmd *cobra.Command, path string) (validation.Claim, error) {
	var claim validation.Claim
	dec := json.NewDecoder(cmd.InOrStdin())
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return claim, fmt.Errorf("failed to open claim: %w", err)
		}
		defer f.Close()
		dec = json.NewDecoder(f)
	}
	dec.DisallowUnknownFields()
	if err := dec.Decode(&claim); err != nil {
		return claim, fmt.Errorf("failed to parse claim: %w", err)
	}
	return claim, nil
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <token>",
		Short: "Show a gate session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp gate.StatusResponse
			err := opts.client(cmd.Context(), true).do(cmd.Context(), http.MethodGet,
				"/api/v1/gate/sessions/"+url.PathEscape(args[0]), nil, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func newTermsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terms <text>",
		Short: "Print the terms discover matches pattern keywords against",
		Long: `Print the case-folded term set the server derives from a task or keyword.
Runs locally; no server is contacted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(selector.Terms(args[0]), " "))
			return nil
		},
	}
}
