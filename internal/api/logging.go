package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggingTransport logs one line per request: method, path, status, duration.
// Query strings and headers are never logged.
type LoggingTransport struct {
	Base http.RoundTripper
	Log  *zap.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	start := time.Now()
	resp, err := base.RoundTrip(req)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", status),
		zap.Duration("dur", time.Since(start)),
	}
	switch {
	case err != nil:
		t.Log.Warn("http request failed", append(fields, zap.Error(err))...)
	case status >= 500:
		t.Log.Warn("http request", fields...)
	default:
		t.Log.Debug("http request", fields...)
	}
	return resp, err
}
