// Command agentsim embeds a connection agent for one simulated managed
// process, for exercising the bus/queue/agent stack against a running
// daemon without a real child application. Grounded on the same
// cmd/main.go flag-then-serve shape as cmd/daemon, trimmed to what a
// single-process agent needs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/adred-codev/controlplane/internal/agent"
	"github.com/adred-codev/controlplane/internal/bus"
	"github.com/adred-codev/controlplane/internal/config"
	"github.com/adred-codev/controlplane/internal/diagnostics"
	"github.com/adred-codev/controlplane/internal/fallback"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/metrics"
	"github.com/adred-codev/controlplane/internal/model"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		logging.PreInit("automaxprocs: " + err.Error())
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		logging.PreInit(err.Error())
		os.Exit(1)
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Source: "agentsim"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsCfg := bus.DefaultNATSConfig(cfg.NATSUrl)
	var b bus.Bus
	if natsBus, err := bus.NewNATSBus(natsCfg, log); err != nil {
		log.Warn("nats unavailable, using in-memory bus (standalone demo mode only)", "err", err.Error())
		b = bus.NewMemoryBus()
	} else {
		b = natsBus
	}
	defer b.Close()

	m := metrics.New(prometheus.NewRegistry())

	info := model.ProcessInfo{
		ID:   "sim-" + uuid.NewString()[:8],
		Name: "agentsim",
		Type: "demo",
	}

	a := agent.New(cfg, b, log, info)
	a.UseMetrics(m)

	if fb, err := fallback.NewClient(ctx, cfg.FallbackAddr, log); err != nil {
		log.Warn("fallback transport unavailable at startup", "err", err.Error())
	} else {
		a.UseFallback(fb)
	}

	diag := diagnostics.Run(ctx, b, nil, diagnostics.Request{StateDir: os.TempDir()})
	log.Info("startup diagnostics", "message", diag.Message)

	if err := a.Start(ctx); err != nil {
		log.Warn("initial connect failed, reconnect loop running in background", "err", err.Error())
	}

	<-ctx.Done()
	log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx)
}
