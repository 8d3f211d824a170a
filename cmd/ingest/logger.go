package main

import (
	"go.uber.org/zap"

	"github.com/septivank/energy-uplink-ingest/internal/config"
	"github.com/septivank/energy-uplink-ingest/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
