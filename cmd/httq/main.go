// HTTQ - HTTP to MQTT bridge
//
// HTTQ accepts plain HTTP requests and turns them into MQTT operations:
// POST/PUT publish one or more messages, GET subscribes to a topic and
// answers with the first message delivered. Broker connections are pooled
// per target and closed when idle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/httq/internal/api"
	"github.com/nerrad567/httq/internal/audit"
	"github.com/nerrad567/httq/internal/bridge"
	"github.com/nerrad567/httq/internal/infrastructure/config"
	"github.com/nerrad567/httq/internal/infrastructure/database"
	"github.com/nerrad567/httq/internal/infrastructure/influxdb"
	"github.com/nerrad567/httq/internal/infrastructure/logging"
	"github.com/nerrad567/httq/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable overriding defaultConfigPath.
const configEnv = "HTTQ_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// configFile is the --config flag value; empty falls back to HTTQ_CONFIG and
// then the default path.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configFile string) error {
	log := logging.Default()
	log.Info("starting HTTQ",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// A missing file is only tolerated at the default path.
	configPath, explicit := getConfigPath(configFile)
	cfg, err := config.Load(configPath, !explicit)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	deps := api.Deps{
		Config:   cfg.API,
		Bridge:   cfg.Bridge,
		Security: cfg.Security,
		Logger:   log,
		Version:  version,
	}

	// Exchange audit log (optional)
	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database migrations complete")

		deps.DB = db
		deps.AuditRepo = audit.NewSQLiteRepository(db.DB)
	} else {
		log.Info("exchange audit log disabled")
	}

	// Telemetry (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		deps.Telemetry = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	engine := bridge.New(bridgeConfig(cfg.Bridge), log)
	defer func() {
		log.Info("closing broker connections")
		if closeErr := engine.Close(); closeErr != nil {
			log.Error("error closing broker connections", "error", closeErr)
		}
	}()
	deps.Engine = engine

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API server (drains
	// in-flight requests and the audit queue), broker pool, InfluxDB,
	// database.

	log.Info("HTTQ stopped")
	return nil
}

// getConfigPath returns the configuration file path and whether it was set
// explicitly, by flag or through HTTQ_CONFIG. The flag wins.
func getConfigPath(flagValue string) (string, bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if path := os.Getenv(configEnv); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// bridgeConfig converts the whole-second config values for the engine.
func bridgeConfig(b config.BridgeConfig) bridge.Config {
	return bridge.Config{
		SubscribeTimeout: config.Seconds(b.SubscribeTimeout),
		IdleTimeout:      config.Seconds(b.IdleTimeout),
		ConnectTimeout:   config.Seconds(b.ConnectTimeout),
		AckTimeout:       config.Seconds(b.AckTimeout),
		KeepAlive:        config.Seconds(b.KeepAlive),
		ClientIDPrefix:   b.ClientIDPrefix,
		QoS2Mode:         bridge.QoS2Mode(b.QoS2Mode),
	}
}
