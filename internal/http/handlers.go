package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/patterngate/internal/analytics"
	"github.com/fyrsmithlabs/patterngate/internal/device"
	"github.com/fyrsmithlabs/patterngate/internal/errcode"
	"github.com/fyrsmithlabs/patterngate/internal/gate"
	"github.com/fyrsmithlabs/patterngate/internal/model"
)

// ===== GATE =====

func (s *Server) handleDiscover(c echo.Context) error {
	var req gate.DiscoverRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body", err)
	}
	req.Credential = credential(c)
	resp, err := s.deps.Gate.Discover(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFetch(c echo.Context) error {
	var req gate.FetchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body", err)
	}
	req.Credential = credential(c)
	resp, err := s.deps.Gate.FetchByName(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleValidate(c echo.Context) error {
	var req gate.ValidateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body", err)
	}
	req.Credential = credential(c)
	resp, err := s.deps.Gate.Validate(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSessionStatus(c echo.Context) error {
	resp, err := s.deps.Gate.SessionStatus(c.Request().Context(), gate.StatusRequest{
		Credential: credential(c),
		Token:      c.Param("token"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// ===== TRIALS =====

// TrialStartRequest is the body of POST /api/v1/trials.
type TrialStartRequest struct {
	DeviceHash    string `json:"deviceHash"`
	Platform      string `json:"platform,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// TrialConvertRequest is the body of POST /api/v1/trials/:deviceHash/convert.
type TrialConvertRequest struct {
	Reference string `json:"reference"`
}

// TrialFlagRequest is the body of POST /api/v1/trials/:deviceHash/flag.
type TrialFlagRequest struct {
	Reason string `json:"reason"`
}

func deviceHash(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if !device.ValidHash(h) {
		return "", errcode.New(errcode.InvalidRequest, "deviceHash must be 64 hex characters")
	}
	return h, nil
}

func (s *Server) trialResponse(c echo.Context, rec *model.TrialRecord) error {
	if rec == nil {
		return errcode.New(errcode.NoTrial, "no trial exists for this device")
	}
	return c.JSON(http.StatusOK, s.deps.Trials.StatusOf(rec))
}

func (s *Server) handleTrialStart(c echo.Context) error {
	var req TrialStartRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body", err)
	}
	hash, err := deviceHash(req.DeviceHash)
	if err != nil {
		return err
	}
	rec, err := s.deps.Trials.Start(c.Request().Context(), hash, model.TrialMeta{
		IP:            c.RealIP(),
		UserAgent:     c.Request().UserAgent(),
		Platform:      req.Platform,
		ClientVersion: req.ClientVersion,
	})
	if err != nil {
		return err
	}
	return s.trialResponse(c, rec)
}

func (s *Server) handleTrialStatus(c echo.Context) error {
	hash, err := deviceHash(c.Param("deviceHash"))
	if err != nil {
		return err
	}
	st, err := s.deps.Trials.Status(c.Request().Context(), hash)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleTrialExtend(c echo.Context) error {
	hash, err := deviceHash(c.Param("deviceHash"))
	if err != nil {
		return err
	}
	rec, err := s.deps.Trials.Extend(c.Request().Context(), hash)
	if err != nil {
		return err
	}
	return s.trialResponse(c, rec)
}

func (s *Server) handleTrialConvert(c echo.Context) error {
	hash, err := deviceHash(c.Param("deviceHash"))
	if err != nil {
		return err
	}
	var req TrialConvertRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body", err)
	}
	rec, err := s.deps.Trials.MarkConverted(c.Request().Context(), hash, req.Reference)
	if err != nil {
		return err
	}
	return s.trialResponse(c, rec)
}

func (s *Server) handleTrialFlag(c echo.Context) error {
	hash, err := deviceHash(c.Param("deviceHash"))
	if err != nil {
		return err
	}
	var req TrialFlagRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body", err)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return errcode.New(errcode.InvalidRequest, "reason is required")
	}
	rec, err := s.deps.Trials.Flag(c.Request().Context(), hash, req.Reason)
	if err != nil {
		return err
	}
	return s.trialResponse(c, rec)
}

// ===== ANALYTICS =====

// PatternStatsResponse is the body of GET /api/v1/analytics/patterns.
type PatternStatsResponse struct {
	Events   int64                    `json:"events"`
	Patterns []analytics.PatternStats `json:"patterns"`
}

func (s *Server) handlePatternStats(c echo.Context) error {
	return c.JSON(http.StatusOK, PatternStatsResponse{
		Events:   s.deps.Analytics.Events(),
		Patterns: s.deps.Analytics.Snapshot(),
	})
}
