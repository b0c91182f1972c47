package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/audit"
	"github.com/solatis/paybridge/internal/bridge"
	"github.com/solatis/paybridge/internal/bus"
	"github.com/solatis/paybridge/internal/catalog"
	"github.com/solatis/paybridge/internal/cipher"
	"github.com/solatis/paybridge/internal/core/config"
	"github.com/solatis/paybridge/internal/core/db"
	"github.com/solatis/paybridge/internal/core/server"
)

const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment bridge",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("bus-url", "", "message bus URL (memory://, kafka://brokers/topic, redis://host:port/db?stream=name)")
	serveCmd.Flags().Int("health-port", 50051, "gRPC health port (0 disables)")
	serveCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty disables)")
	serveCmd.Flags().Bool("watch", true, "reconcile channels when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloads := make(chan *config.BridgeConfig, 1)
	watch, _ := cmd.Flags().GetBool("watch")
	var cfg *config.BridgeConfig
	if watch && configFile != "" {
		cfg, err = config.Watch(configFile, log, func(next *config.BridgeConfig) {
			// only the newest pending version matters
			select {
			case <-reloads:
			default:
			}
			reloads <- next
		})
	} else {
		cfg, err = config.LoadConfig(configFile)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("bus-url") {
		cfg.BusURL, _ = cmd.Flags().GetString("bus-url")
	}
	if cmd.Flags().Changed("health-port") {
		cfg.HealthPort, _ = cmd.Flags().GetInt("health-port")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if dbURL != "" {
		cfg.DBURL = dbURL
	}

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = catalog.Load(cfg.CatalogFile); err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	c, digester, err := cipher.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load key material: %w", err)
	}
	if c == nil {
		log.Warn("No cipher key configured; encrypted envelopes and must-encrypt fields will be rolled back",
			zap.String("env", cipher.EnvCipherKey))
	}

	var store audit.RecordStore
	if cfg.DBURL != "" {
		database, err := db.Open(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		if err := db.MigrateUp(ctx, database); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		queries, err := db.LoadQueries(database)
		if err != nil {
			return fmt.Errorf("failed to load queries: %w", err)
		}
		store = audit.NewSQLStore(queries)
	} else {
		log.Warn("No database configured; audit channels will not initialize")
	}

	transport, err := bus.Open(ctx, cfg.BusURL, log)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}

	opts := bridge.Options{
		Transport:        transport,
		Catalog:          cat,
		Cipher:           c,
		Digester:         digester,
		Store:            store,
		SamplingInterval: cfg.SamplingInterval,
		Delimiter:        cfg.CipherDelimiter,
		Log:              log,
	}
	var health *server.GRPCServer
	if cfg.HealthPort > 0 {
		health = server.NewGRPCServer(cfg.HealthHost, cfg.HealthPort, log)
		opts.Health = health
	}

	b, err := bridge.New(opts)
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	errChan := make(chan error, 2)
	if health != nil {
		go func() {
			errChan <- health.Start(ctx)
		}()
	}

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(b.Collector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.Gatherers{prometheus.DefaultGatherer, reg},
			promhttp.HandlerOpts{}))
		metrics = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	log.Info("Starting paybridge",
		zap.String("version", Version),
		zap.String("bus", cfg.BusURL),
		zap.Int("channels", len(cfg.Channels)))
	b.Start()
	if err := b.ApplyConfig(ctx, cfg); err != nil {
		log.Error("Some channels failed to initialize", zap.Error(err))
	}

	var runErr error
loop:
	for {
		select {
		case next := <-reloads:
			if err := b.ApplyConfig(ctx, next); err != nil {
				log.Error("Channel reconcile incomplete", zap.Error(err))
			}
		case err := <-errChan:
			runErr = err
			break loop
		case <-ctx.Done():
			log.Info("Shutting down gracefully...")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	errs := []error{runErr, b.Shutdown(shutdownCtx)}
	if health != nil {
		errs = append(errs, health.Shutdown(shutdownCtx))
	}
	if metrics != nil {
		errs = append(errs, metrics.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}
