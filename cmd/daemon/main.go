// Command daemon runs the control-plane daemon: the communication
// server, the process supervisor, the persistence stack, and the
// observer/metrics HTTP endpoints. Grounded on
// adred-codev-ws_poc/go-server/cmd/main.go's flag-then-serve shape,
// adapted from loading one embedded JSON config to the env-based
// internal/config loader.
package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/adred-codev/controlplane/internal/bus"
	"github.com/adred-codev/controlplane/internal/commserver"
	"github.com/adred-codev/controlplane/internal/config"
	"github.com/adred-codev/controlplane/internal/datastore"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/metrics"
	"github.com/adred-codev/controlplane/internal/observer"
	"github.com/adred-codev/controlplane/internal/supervisor"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		logging.PreInit("automaxprocs: " + err.Error())
	}

	cfg, err := config.LoadDaemon()
	if err != nil {
		logging.PreInit(err.Error())
		os.Exit(1)
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Source: "daemon", PrettyDev: os.Getenv("CTL_ENV") == "development"})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var activeBus bus.Bus
	natsCfg := bus.DefaultNATSConfig(cfg.NATSUrl)
	if natsBus, err := bus.NewNATSBus(natsCfg, log); err != nil {
		log.Warn("nats unavailable at startup, falling back to in-memory bus", "err", err.Error())
		activeBus = bus.NewMemoryBus()
	} else {
		activeBus = natsBus
	}
	defer activeBus.Close()

	store := buildStore(cfg, log, m)

	sup := supervisor.New(activeBus, log, cfg.GracefulStopTimeout)
	sup.UseMetrics(m)
	sup.UseStore(store)

	server := commserver.New(activeBus, sup, log, cfg.StalenessThreshold, cfg.StalenessScanPeriod)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		log.Error("failed to start communication server", "err", err.Error())
		os.Exit(1)
	}
	defer server.Stop()

	obsHub := observer.NewHub(server.Registry(), log, 3*time.Second)
	go obsHub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/observe", obsHub.ServeHTTP)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info("daemon http listener starting", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http listener exited", "err", err.Error())
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulStopTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// buildStore assembles the persistence capability stack of SPEC_FULL.md
// §4: instrumentation outermost, then resilience, then optional
// encryption (if a key is configured), then caching, wrapping the
// in-memory base.
func buildStore(cfg config.DaemonConfig, log *logging.Logger, m *metrics.Metrics) datastore.DataStore {
	var store datastore.DataStore = datastore.NewMemoryStore()
	store = datastore.NewCachedStore(store, time.Minute)

	if cfg.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(cfg.EncryptionKeyHex)
		if err != nil || len(key) != 32 {
			log.Warn("invalid CTL_DATASTORE_KEY, running without encryption at rest", "len", len(key))
		} else {
			enc, err := datastore.NewEncryptedStore(store, key)
			if err != nil {
				log.Warn("failed to init encrypted store", "err", err.Error())
			} else {
				store = enc
			}
		}
	}

	store = datastore.NewResilientStore(store, "process-store")
	store = datastore.NewInstrumentedStore(store, m)
	return store
}
