package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/config"
	"github.com/fyrsmithlabs/patterngate/internal/device"
	"github.com/fyrsmithlabs/patterngate/internal/gate"
)

const patternsYAML = `patterns:
  - name: auth-basic
    category: auth
    keywords: [auth, login]
    content: Hash passwords with bcrypt.
  - name: payments
    category: payments
    keywords: [payment, checkout]
    content: Never log card numbers.
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core.yaml"), []byte(patternsYAML), 0o600))

	cfg := config.Default()
	cfg.Catalog.Path = dir
	cfg.Catalog.Watch = false
	cfg.Logging.Level = "error"
	cfg.Access.Subscriptions = []config.SubscriptionConfig{
		{KeySHA256: access.HashKey("pg_test"), Subject: "acme", Status: "active"},
	}
	return cfg
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close(ctx)

	assert.Equal(t, 2, a.catalog.Len())
	assert.NotNil(t, a.sweeper)
	assert.NotNil(t, a.agg)
	assert.Nil(t, a.nats)

	resp, err := a.gate.Discover(ctx, gate.DiscoverRequest{
		Credential: access.Credential{APIKey: "pg_test"},
		Task:       "build the login page",
	})
	require.NoError(t, err)
	require.Len(t, resp.Patterns, 1)
	assert.Equal(t, "auth-basic", resp.Patterns[0].Name)
	assert.Len(t, resp.CoreRules, len(cfg.Gate.CoreRules))

	require.NoError(t, a.start(ctx))
	assert.True(t, a.sweeper.Running())
}

func TestNewApp_AnalyticsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analytics.Enabled = false
	cfg.Sweeper.Enabled = false

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close(context.Background())

	assert.Nil(t, a.sink)
	assert.Nil(t, a.agg)
	assert.Nil(t, a.sweeper)
}

func TestNewApp_MissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing")

	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pattern catalog")
}

func TestMCPCredential(t *testing.T) {
	fp := device.Fingerprint{DeviceHash: "abc"}

	cfg := config.Default()
	assert.Equal(t, access.Credential{DeviceHash: "abc"}, mcpCredential(cfg, fp))

	cfg.Access.APIKey = "pg_live_key"
	assert.Equal(t, access.Credential{APIKey: "pg_live_key"}, mcpCredential(cfg, fp))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestServeIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cfg := testConfig(t)
	cfg.Server.Port = 18094

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx, cfg) }()

	url := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
