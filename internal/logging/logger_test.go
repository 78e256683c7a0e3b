// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true, zapcore.DebugLevel)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
	logger.Debug("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, zapcore.InfoLevel)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be disabled")
	}
	logger.Info("production logger ready")
}

// TestLevel maps the debug flag.
func TestLevel(t *testing.T) {
	t.Parallel()

	if got := Level(true); got != zapcore.DebugLevel {
		t.Fatalf("Level(true) = %v", got)
	}
	if got := Level(false); got != zapcore.InfoLevel {
		t.Fatalf("Level(false) = %v", got)
	}
}
