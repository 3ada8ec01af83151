// Command mistcontrold is the controller binary of spec.md §4.5/§6: it
// owns the authoritative config store and serves the "/", "/api", "/api2"
// JSON dispatch surface described there. Startup/shutdown sequencing
// follows the teacher main.go's logger -> config -> server -> signal-driven
// graceful-shutdown order.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mistgo/streamcore/internal/apiserver"
	"github.com/mistgo/streamcore/internal/config"
	"github.com/mistgo/streamcore/internal/logger"
	"github.com/mistgo/streamcore/internal/metrics"
)

// version is the capability descriptor's reported version (spec.md §6),
// echoed into the API response's config.iid/config.version fields.
const version = "1.0.0"

func main() {
	listen := flag.String("listen", ":4242", "address the controller API listens on")
	configPath := flag.String("config", "", "path to a persisted config document (optional; starts empty if omitted)")
	debugLevel := flag.Int("debug", int(logger.LevelInfo), "initial log level (0=debug,1=info,2=error)")
	flag.Parse()

	log := logger.New(logger.Level(*debugLevel))
	log.Info("mistcontrold starting up")

	var store *config.Store
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configPath, err)
			os.Exit(1)
		}
		store = loaded
		log.Infof("configuration loaded from %q", *configPath)
	} else {
		store = config.New()
		log.Info("starting with an empty configuration store")
	}

	m := metrics.New()
	stats := &metricsStatsProvider{m: m}

	srv := apiserver.New(store, stats, log, m, nil, version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("controller API listening on %s", *listen)
		errCh <- srv.ListenAndServe(ctx, *listen)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Errorf("controller API error: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		fmt.Println()
		log.Info("received shutdown signal; shutting down")
		if err := <-errCh; err != nil {
			log.Errorf("controller API shutdown error: %v", err)
		}
	}

	if *configPath != "" {
		if err := store.Save(*configPath); err != nil {
			log.Errorf("failed to persist config on shutdown: %v", err)
		}
	}
	log.Info("mistcontrold shut down cleanly")
}

// metricsStatsProvider fulfils dispatch.StatsProvider from the ambient
// metrics counters, self-consistently satisfying the `clients`/`totals`
// external-collaborator seam spec.md §1 calls out of scope for a real
// statistics-aggregation subsystem.
type metricsStatsProvider struct {
	m *metrics.Metrics
}

func (p *metricsStatsProvider) Clients() json.RawMessage {
	b, _ := json.Marshal(map[string]int{"connected": 0})
	return b
}

func (p *metricsStatsProvider) Totals() json.RawMessage {
	snap := p.m.Snapshot()
	b, _ := json.Marshal(snap)
	return b
}
