package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rnr-network/pkg/config"
	"rnr-network/pkg/keystore"
	"rnr-network/pkg/logging"
	"rnr-network/pkg/metrics"
	"rnr-network/pkg/network"
	"rnr-network/pkg/utils"
)

const (
	defaultKeyPath      = "rnrnet.key"
	shutdownGracePeriod = 10 * time.Second
	healthCheckInterval = 15 * time.Second
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "rnrnet",
		Short:         "Peer-to-peer network node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	root.AddCommand(newRunCmd(), newKeygenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	useJSONLogs := cfg.Log.JSON || os.Getenv("RNR_JSON_LOGS") == "true"
	return logging.NewStructuredLogger(level, useJSONLogs)
}

func keyPath(cfg config.Config) string {
	if cfg.KeyPath != "" {
		return cfg.KeyPath
	}
	return defaultKeyPath
}

func newKeygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := keyPath(cfg)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			key, err := keystore.Generate()
			if err != nil {
				return err
			}
			if err := keystore.Save(path, key, os.Getenv("RNR_KEY_PASSWORD")); err != nil {
				return err
			}
			id, err := peer.IDFromPrivateKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Peer ID: %s\nKey: %s\n", id, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func newRunCmd() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the network service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			key, err := loadIdentity(cfg, generate, logger)
			if err != nil {
				return err
			}
			return run(cfg, key, logger)
		},
	}
	cmd.Flags().BoolVar(&generate, "generate-key", false, "create an identity key if none can be loaded")
	return cmd
}

// loadIdentity never invents a key unless asked to.
func loadIdentity(cfg config.Config, generate bool, logger *zap.Logger) (crypto.PrivKey, error) {
	path := keyPath(cfg)
	password := os.Getenv("RNR_KEY_PASSWORD")
	if key, ok := keystore.Load(path, password, logger); ok {
		return key, nil
	}
	if !generate {
		return nil, fmt.Errorf("no usable identity at %s: run keygen or pass --generate-key", path)
	}

	key, err := keystore.Generate()
	if err != nil {
		return nil, err
	}
	if err := keystore.Save(path, key, password); err != nil {
		return nil, err
	}
	logger.Info("Generated new identity", zap.String("path", path))
	return key, nil
}

func run(cfg config.Config, key crypto.PrivKey, logger *zap.Logger) error {
	shutdownMgr := utils.NewShutdownManager(context.Background(), shutdownGracePeriod, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := network.NewService(cfg.Libp2p, key, cfg.NetworkName,
		network.WithLogger(logger),
		network.WithRegisterer(reg),
	)
	if err != nil {
		shutdownMgr.InitiateShutdown()
		return err
	}
	sender := svc.NetworkSender()
	receiver := svc.NetworkReceiver()
	shutdownMgr.RegisterShutdownHook("network-sender", func() error {
		sender.Close()
		return nil
	})

	health := utils.NewHealthMonitor(healthCheckInterval, logger)
	health.RegisterComponent("network", svc.Health)
	health.StartPeriodicChecks(shutdownMgr.Context())

	if addr := cfg.Metrics.ListenAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		mux.Handle("/healthz", health.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		utils.SafeGoroutine(logger, "metrics-server", func() {
			logger.Info("Metrics server listening", zap.String("address", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Metrics server error", zap.Error(err))
			}
		})
		shutdownMgr.RegisterShutdownHook("metrics-server", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	utils.SafeGoroutine(logger, "event-consumer", func() {
		defer receiver.Close()
		consumeEvents(receiver.C(), logger)
	})

	shutdownMgr.AddTask()
	utils.SafeGoroutine(logger, "network-service", func() {
		err := svc.Run(shutdownMgr.Context())
		shutdownMgr.TaskDone()
		if err != nil {
			logger.Error("Network service failed", zap.Error(err))
		}
		shutdownMgr.InitiateShutdown()
	})

	<-shutdownMgr.Done()
	return nil
}

func consumeEvents(events <-chan network.NetworkEvent, logger *zap.Logger) {
	for ev := range events {
		switch ev := ev.(type) {
		case network.PeerConnected:
			logger.Info("Peer connected", zap.Stringer("peer", ev.Peer))
		case network.PeerDisconnected:
			logger.Info("Peer disconnected", zap.Stringer("peer", ev.Peer))
		case network.InboundRequest:
			logger.Debug("Hello request", zap.Stringer("peer", ev.Source), zap.Int("payload_bytes", len(ev.Request.Payload)))
		case network.PubsubMessage:
			logger.Debug("Gossip message", zap.String("topic", ev.Topic), zap.Stringer("peer", ev.Source), zap.Int("bytes", len(ev.Data)))
		}
	}
}
