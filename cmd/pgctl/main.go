// Package main implements pgctl, a CLI for manual operations against the
// patterngate HTTP server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patterngate/internal/device"
	httpapi "github.com/fyrsmithlabs/patterngate/internal/http"
)

var version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	server     string
	apiKey     string
	deviceHash string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "pgctl",
		Short: "CLI for patterngate server operations",
		Long: `pgctl is a command-line interface for the patterngate HTTP server.

Gate commands authenticate with --api-key (or PATTERNGATE_ACCESS_API_KEY).
Without a key they present this machine's device fingerprint, which needs a
trial.`,
		Version:      version,
		SilenceUsage: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&opts.server, "server", envOr("PATTERNGATE_SERVER_URL", "http://localhost:9090"), "patterngate server URL")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv("PATTERNGATE_ACCESS_API_KEY"), "subscription API key")
	f.StringVar(&opts.deviceHash, "device-hash", "", "device hash to present (default: this machine)")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newDiscoverCmd(opts),
		newFetchCmd(opts),
		newValidateCmd(opts),
		newStatusCmd(opts),
		newTrialCmd(opts),
		newFingerprintCmd(),
		newTermsCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// client is a thin JSON client for the patterngate API.
type client struct {
	base  string
	http  *http.Client
	creds http.Header
}

func (o *options) client(ctx context.Context, withCredential bool) *client {
	c := &client{
		base:  strings.TrimRight(o.server, "/"),
		http:  &http.Client{Timeout: o.timeout},
		creds: http.Header{},
	}
	if !withCredential {
		return c
	}
	switch {
	case o.apiKey != "":
		c.creds.Set(httpapi.HeaderAPIKey, o.apiKey)
	case o.deviceHash != "":
		c.creds.Set(httpapi.HeaderDeviceHash, o.deviceHash)
	default:
		c.creds.Set(httpapi.HeaderDeviceHash, device.Local(ctx).DeviceHash)
	}
	return c
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   httpapi.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Body.Code, e.Body.Message)
}

// do sends in as JSON (when non-nil) and decodes the response into out.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := c.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "pgctl/"+version)
	for k, v := range c.creds {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check patterngate server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpapi.HealthResponse
			if err := opts.client(cmd.Context(), false).do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server Version: %s\n", resp.Version)
			fmt.Fprintf(out, "Server URL: %s\n", opts.server)
			return nil
		},
	}
}
