package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boson-network/dht-core/core"
	"github.com/boson-network/dht-core/pkg/config"
)

// shutdownTimeout bounds how long a running node waits for its
// subsystems to wind down on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

type metricsServer struct {
	srv *http.Server
}

func startMetricsServer(m *core.Metrics, cfg *config.Config) *metricsServer {
	addr := cfg.MetricsAddr
	if addr == "" {
		addr = ":9100"
	}
	srv := m.StartServer(addr)
	logrus.WithField("addr", addr).Info("metrics server listening")
	return &metricsServer{srv: srv}
}

func (s *metricsServer) shutdown(ctx context.Context, m *core.Metrics) {
	if err := m.Shutdown(ctx, s.srv); err != nil {
		logrus.WithError(err).Warn("metrics server shutdown error")
	}
}
