package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if ref := SessionRefFromContext(ctx); ref != "" {
		fields = append(fields, zap.String("session.ref", ref))
	}
	if device := DeviceHashFromContext(ctx); device != "" {
		fields = append(fields, zap.String("device.hash", device))
	}
	if subject := SubjectFromContext(ctx); subject != "" {
		fields = append(fields, zap.String("subject", subject))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

type (
	sessionCtxKey struct{}
	deviceCtxKey  struct{}
	subjectCtxKey struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// Values here arrive from request headers. Anything malformed is dropped
// rather than logged.
func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// SessionRef shortens a session token to a loggable reference. The full
// token is a bearer credential and never enters a log line.
func SessionRef(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// WithSessionToken records the reference of token in ctx.
func WithSessionToken(ctx context.Context, token string) context.Context {
	ref := SessionRef(token)
	if !validID(ref) {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, ref)
}

// SessionRefFromContext returns the session reference, or "".
func SessionRefFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionCtxKey{}).(string)
	return s
}

// WithDeviceHash records the trial device in ctx.
func WithDeviceHash(ctx context.Context, hash string) context.Context {
	if !validID(hash) {
		return ctx
	}
	return context.WithValue(ctx, deviceCtxKey{}, hash)
}

// DeviceHashFromContext returns the device hash, or "".
func DeviceHashFromContext(ctx context.Context) string {
	s, _ := ctx.Value(deviceCtxKey{}).(string)
	return s
}

// WithSubject records the authorized subscriber in ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	if !validID(subject) {
		return ctx
	}
	return context.WithValue(ctx, subjectCtxKey{}, subject)
}

// SubjectFromContext returns the subscriber, or "".
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectCtxKey{}).(string)
	return s
}

// WithRequestID records a request ID in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
