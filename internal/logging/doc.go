// Package logging provides structured logging for patterngate.
//
// Logger wraps Zap with:
//   - a Trace level below Debug
//   - console and OpenTelemetry outputs (otelzap bridge)
//   - correlation fields pulled from the context (trace, session, device, request)
//   - key and pattern based redaction on the console encoder
//   - sampling below Error
//
// Usage:
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, otelLoggerProvider)
//	defer logger.Sync()
//
//	ctx = logging.WithSessionToken(ctx, token)
//	logger.Info(ctx, "gate validated", zap.Bool("passed", true))
//
// Session tokens are bearer credentials. Only the first eight characters are
// ever attached to a log line, under "session.ref".
package logging
