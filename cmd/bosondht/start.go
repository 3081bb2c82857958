package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/boson-network/dht-core/core"
	"github.com/boson-network/dht-core/pkg/config"
	"github.com/boson-network/dht-core/pkg/store"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "run a boson node until interrupted",
		RunE:  runStart,
	}
}

func loadIdentity(cfg *config.Config) (*core.Identity, error) {
	if cfg.PrivateKey != "" {
		return core.DeriveIdentityFromBase58(cfg.PrivateKey)
	}
	logrus.Warn("no private_key configured, deriving an ephemeral identity for this run")
	return core.DeriveIdentity(core.RandomId().Bytes())
}

func bootstrapNodes(cfg *config.Config) ([]core.NodeInfo, error) {
	out := make([]core.NodeInfo, 0, len(cfg.BootstrapNodes))
	for _, n := range cfg.BootstrapNodes {
		id, err := core.ParseId(n.Id)
		if err != nil {
			return nil, fmt.Errorf("boson: bootstrap node %q: %w", n.Host, err)
		}
		ip := net.ParseIP(n.Host)
		if ip == nil {
			resolved, err := net.ResolveIPAddr("ip", n.Host)
			if err != nil {
				return nil, fmt.Errorf("boson: resolve bootstrap host %q: %w", n.Host, err)
			}
			ip = resolved.IP
		}
		out = append(out, core.NodeInfo{Id: id, IP: ip, Port: n.Port})
	}
	return out, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.EnableDeveloperMode {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	identity, err := loadIdentity(cfg)
	if err != nil {
		return fmt.Errorf("boson: load identity: %w", err)
	}
	logrus.WithField("node_id", identity.NodeId).Info("identity derived")

	backing, err := store.Open(cfg.DatabaseURI, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("boson: open store: %w", err)
	}
	defer backing.Close()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(cfg.Host4), Port: int(cfg.Port)})
	if err != nil {
		return fmt.Errorf("boson: listen: %w", err)
	}

	bootstrap, err := bootstrapNodes(cfg)
	if err != nil {
		return err
	}

	var metrics *core.Metrics
	var metricsSrv *metricsServer
	if cfg.EnableMetrics {
		metrics = core.NewMetrics()
		metricsSrv = startMetricsServer(metrics, cfg)
	}

	dht, err := core.NewDht(core.DhtConfig{
		Identity:                     identity,
		Conn:                         conn,
		Store:                        backing,
		DataDir:                      cfg.DataDir,
		BootstrapNodes:               bootstrap,
		EnableSpamThrottling:         cfg.EnableSpamThrottling,
		EnableSuspiciousNodeDetector: cfg.EnableSuspiciousNodeDetector,
		EnableDeveloperMode:          cfg.EnableDeveloperMode,
		Metrics:                      metrics,
	})
	if err != nil {
		return fmt.Errorf("boson: construct dht: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dht.Start(ctx); err != nil {
		return fmt.Errorf("boson: start dht: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"addr": conn.LocalAddr(),
		"id":   dht.LocalId(),
	}).Info("boson node started")

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		metricsSrv.shutdown(shutdownCtx, metrics)
	}
	return dht.Shutdown(shutdownCtx)
}
