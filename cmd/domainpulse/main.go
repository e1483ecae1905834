// Command domainpulse runs the crawl scheduler: it fans prompt templates out
// across every enabled LLM provider for each pending domain and persists the
// responses to Postgres.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/lifecycle"
	"github.com/domainpulse/domainpulse/registry"
	"github.com/domainpulse/domainpulse/scheduler"
	"github.com/domainpulse/domainpulse/store"
	"github.com/domainpulse/domainpulse/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	seedPath := flag.String("seed", "", "seed the domain queue from a host list file and exit")
	flag.Parse()

	if err := run(*configPath, *logLevel, *seedPath); err != nil {
		fmt.Fprintf(os.Stderr, "domainpulse: %v\n", err)
		switch {
		case core.IsConfigurationError(err):
			os.Exit(2)
		case errors.Is(err, core.ErrLockHeld):
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}

func run(configPath, logLevel, seedPath string) error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := core.NewZapLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var tel core.Telemetry = &core.NoOpTelemetry{}
	if cfg.OTLPEndpoint != "" {
		provider, err := telemetry.NewOTelProvider("domainpulse", cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("telemetry init failed: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			provider.Shutdown(ctx)
		}()
		tel = provider
	}

	ctx := context.Background()

	db, err := store.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db, logger); err != nil {
		return err
	}

	redisClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.Redis.URL,
		Namespace: "domainpulse",
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	reg, err := registry.New(cfg, logger, tel)
	if err != nil {
		return err
	}

	domains := store.NewDomainStore(db, logger)
	responses := store.NewResponseStore(db, logger)

	if seedPath != "" {
		return seed(ctx, domains, seedPath, logger)
	}

	metrics := scheduler.NewMetrics(prometheus.DefaultRegisterer)

	sched, err := scheduler.New(cfg, reg, domains, responses, metrics, logger, tel)
	if err != nil {
		return err
	}

	coordinator := lifecycle.NewCoordinator(cfg, sched, domains, responses, redisClient, logger)
	return coordinator.Run(ctx)
}

// seed loads hosts into the queue, one per line. Lines may carry an optional
// cohort and priority ("example.com,fresh,10"); duplicates are ignored.
func seed(ctx context.Context, domains *store.DomainStore, path string, logger core.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	inserted := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, cohort, priority := line, "legacy", 0
		if parts := strings.Split(line, ","); len(parts) > 1 {
			host = strings.TrimSpace(parts[0])
			cohort = strings.TrimSpace(parts[1])
			if len(parts) > 2 {
				fmt.Sscanf(strings.TrimSpace(parts[2]), "%d", &priority)
			}
		}
		if err := domains.Insert(ctx, host, cohort, priority); err != nil {
			return err
		}
		inserted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	logger.Info("Seeded domain queue", map[string]interface{}{
		"operation": "seed",
		"file":      path,
		"domains":   inserted,
	})
	return nil
}
