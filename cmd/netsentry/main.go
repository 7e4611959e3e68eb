package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/netsentry/netsentry/internal/api"
	"github.com/netsentry/netsentry/internal/buffer"
	"github.com/netsentry/netsentry/internal/classify"
	"github.com/netsentry/netsentry/internal/config"
	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/federation"
	"github.com/netsentry/netsentry/internal/ingest"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/rules"
	"github.com/netsentry/netsentry/internal/sink"
	"github.com/netsentry/netsentry/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting NetSentry correlation engine")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"node_id", cfg.NodeID,
		"correlation_window", cfg.CorrelationWindow,
		"max_buffer_size", cfg.MaxBufferSize,
		"federation_enabled", cfg.FederationEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS")

	engineMetrics := metrics.NewMetrics()

	registry, err := rules.NewRegistry(rules.LoadDir(cfg.RulesDir, logger))
	if err != nil {
		logger.Error("Failed to build rule registry", "error", err)
		os.Exit(1)
	}
	logger.Info("Rule registry initialized", "rules", registry.Len())

	eventBuffer := buffer.New(cfg.MaxBufferSize, cfg.CorrelationWindow)
	eventBuffer.StartSweeper(cfg.SweepInterval)
	defer eventBuffer.Stop()

	var db *sink.PostgresStore
	if cfg.DatabaseURL != "" {
		db, err = sink.NewPostgresStore(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Warn("Durable storage unavailable, continuing without it", "error", err)
		} else {
			defer db.Close()
			logger.Info("Durable storage initialized")
		}
	}

	memStore := store.NewMemoryStore(cfg.MaxStoredCorrelations, cfg.SeenCacheSize)
	findings := sink.NewFindingsSink(memStore, nc, db, logger)

	var gateway *federation.Gateway
	if cfg.FederationEnabled {
		gateway, err = buildGateway(cfg, findings, engineMetrics, logger)
		if err != nil {
			logger.Error("Failed to initialize federation gateway", "error", err)
			os.Exit(1)
		}
		logger.Info("Federation gateway initialized",
			"endpoints", len(cfg.FederationEndpoints), "node_id", cfg.NodeID)
	}

	var sharer detect.Sharer
	if gateway != nil {
		sharer = gateway
	}
	detector := detect.NewDetector(eventBuffer, registry, findings, sharer, engineMetrics, logger)

	history := classify.NewHistory()
	classifier := classify.NewClassifier(history,
		cfg.ConnectionRateThreshold, cfg.DataExfilThresholdBytes, cfg.GeoAnomalyThreshold)

	var geo *classify.GeoResolver
	if cfg.GeoIPDBPath != "" {
		geo, err = classify.OpenGeoResolver(cfg.GeoIPDBPath)
		if err != nil {
			logger.Warn("GeoIP database unavailable, continuing without enrichment", "error", err)
		} else {
			defer geo.Close()
		}
	}

	subscriber := ingest.NewSubscriber(nc, classifier, history, detector, geo, engineMetrics, logger, "netsentry")

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(memStore, eventBuffer, registry, gateway, cfg.MinConfidenceThreshold, logger).Router(),
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	go func() {
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Error("Observation subscriber error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("NetSentry started")
	<-sigChan

	logger.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if gateway != nil {
		gateway.Wait()
	}

	logger.Info("NetSentry stopped")
}

func buildGateway(cfg *config.Config, findings sink.Sink, m *metrics.Metrics, logger *slog.Logger) (*federation.Gateway, error) {
	var signer federation.Signer
	var keys federation.KeyDirectory

	if cfg.FederationPrivateKey != "" {
		ed, err := federation.NewEd25519Signer(cfg.FederationPrivateKey)
		if err != nil {
			return nil, err
		}
		signer = ed

		dir, err := federation.NewStaticKeyDirectory(cfg.FederationPublicKeys)
		if err != nil {
			return nil, err
		}
		keys = dir
	} else {
		// No asymmetric keys: fall back to HMAC under the shared key.
		hm := federation.NewHMACSigner(cfg.FederationSharedKey)
		signer = hm
		keys = federation.NewSharedKeyDirectory(cfg.FederationSharedKey)
	}

	var cphr *federation.Cipher
	if cfg.FederationSharedKey != "" {
		var err error
		cphr, err = federation.NewCipher(cfg.FederationSharedKey)
		if err != nil {
			return nil, err
		}
	}

	return federation.NewGateway(cfg.NodeID, cfg.FederationEndpoints, signer, keys, cphr,
		cfg.FederationCompress, cfg.FederationTimeout, findings, m, logger)
}
