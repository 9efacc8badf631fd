package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/gate"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/model"
	"github.com/fyrsmithlabs/patterngate/internal/trial"
)

// Gate is the protocol surface the tools call.
type Gate interface {
	Discover(ctx context.Context, req gate.DiscoverRequest) (*gate.DiscoverResponse, error)
	FetchByName(ctx context.Context, req gate.FetchRequest) (*gate.FetchResponse, error)
	Validate(ctx context.Context, req gate.ValidateRequest) (*gate.ValidateResponse, error)
	SessionStatus(ctx context.Context, req gate.StatusRequest) (*gate.StatusResponse, error)
}

// Trials is the trial ledger surface the tools call.
type Trials interface {
	Start(ctx context.Context, deviceHash string, meta model.TrialMeta) (*model.TrialRecord, error)
	Status(ctx context.Context, deviceHash string) (*trial.Status, error)
	StatusOf(rec *model.TrialRecord) *trial.Status
}

// Server serves the gate tools to one MCP client.
type Server struct {
	mcp     *mcp.Server
	gate    Gate
	trials  Trials
	cred    access.Credential
	meta    model.TrialMeta
	metrics *Metrics
	logger  *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	Name    string
	Version string
	Logger  *logging.Logger

	// Credential is presented on every gate call.
	Credential access.Credential
	// Platform is recorded when the server starts a trial.
	Platform string
}

// DefaultConfig returns a config with no credential.
func DefaultConfig() *Config {
	return &Config{
		Name:    "patterngate",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer registers the tools. trials may be nil, in which case the trial
// tools are not offered.
func NewServer(cfg *Config, g Gate, trials Trials) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if g == nil {
		return nil, errors.New("gate is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		gate:   g,
		trials: trials,
		cred:   cfg.Credential,
		meta: model.TrialMeta{
			Platform:      cfg.Platform,
			ClientVersion: cfg.Version,
			UserAgent:     cfg.Name + "/" + cfg.Version + " (mcp)",
		},
		metrics: NewMetrics(logger.Underlying()),
		logger:  logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, &mcp.StdioTransport{})
}

// Serve serves on transport.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info(ctx, "starting MCP server")
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("mcp server run failed: %w", err)
	}
	return nil
}
