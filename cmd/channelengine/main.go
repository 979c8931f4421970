// Command channelengine boots the channel runtime: it loads the YAML
// bootstrap file plus environment knobs, opens the message store,
// deploys the seeded channels in dependsOn order, and serves the Prometheus
// metrics endpoint until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/config"
	"github.com/jeeves-cluster-organization/channelengine/content"
	"github.com/jeeves-cluster-organization/channelengine/engine"
	"github.com/jeeves-cluster-organization/channelengine/maps"
	"github.com/jeeves-cluster-organization/channelengine/observability"
	"github.com/jeeves-cluster-organization/channelengine/script"
	"github.com/jeeves-cluster-organization/channelengine/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML bootstrap file (optional; environment knobs apply on top)")
	flag.Parse()

	logger := celog.New().Bind("component", "main")
	if err := run(*configPath, logger); err != nil {
		logger.Error("engine_exit", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger celog.Logger) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer("channelengine", cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	// MIRTH_MODE: takeover requires an existing database; standalone and
	// auto create one on first open.
	if cfg.Mode == config.ServerModeTakeover {
		if _, err := os.Stat(cfg.Database.Name); err != nil {
			return fmt.Errorf("takeover mode: database %s does not exist: %w", cfg.Database.Name, err)
		}
	}

	var key *[32]byte
	if cfg.EncryptionKey != "" {
		key = content.DeriveKey(cfg.EncryptionKey)
	}
	st, err := store.Open(cfg.Database.Name, content.NewCodec(key))
	if err != nil {
		return err
	}
	defer st.Close()

	ctrl := engine.New(st, maps.NewRegistry(), script.NoopEvaluator{}, logger)
	ctrl.Shadow = cfg.ShadowMode
	if cfg.ShadowMode {
		logger.Info("shadow_mode_enabled")
	}

	wirings := make(map[string]engine.Wiring, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		w, err := buildWiring(ch, logger)
		if err != nil {
			return err
		}
		wirings[ch.ID] = w
	}
	enabled := make([]*config.ChannelConfig, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if ch.Enabled {
			enabled = append(enabled, ch)
		}
	}
	if err := ctrl.DeployAll(ctx, enabled, wirings); err != nil {
		return err
	}
	logger.Info("channels_deployed", "count", len(enabled), "server_id", cfg.ServerID)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics_server_error", "error", err)
		}
	}()
	logger.Info("metrics_listening", "port", cfg.Port)

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), engine.StopGrace)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	// Undeploy in reverse so dependents come down before their dependencies.
	for i := len(enabled) - 1; i >= 0; i-- {
		if err := ctrl.Undeploy(shutdownCtx, enabled[i].ID); err != nil {
			logger.Warn("undeploy_failed", "channel", enabled[i].ID, "error", err)
		}
	}
	return nil
}
