// Package telemetry wires the engine's structured logging on top of
// go.uber.org/zap, in the style used throughout bd's daemon and CLI layers.
package telemetry

import (
	"go.uber.org/zap"
)

// New builds a production zap.Logger. Callers in tests typically use
// NewNop or zaptest instead.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// NewNop returns a logger that discards everything. The tiers take no
// logger; cortexmem.New and consolidate.New fall back to zap.NewNop
// themselves when given a nil logger.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
