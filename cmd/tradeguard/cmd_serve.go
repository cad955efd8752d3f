package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/tradeguard/internal/alerts"
	"github.com/sawpanic/tradeguard/internal/appendlog"
	"github.com/sawpanic/tradeguard/internal/breaker"
	"github.com/sawpanic/tradeguard/internal/bus"
	"github.com/sawpanic/tradeguard/internal/cache"
	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/gate"
	"github.com/sawpanic/tradeguard/internal/matrix"
	"github.com/sawpanic/tradeguard/internal/metrics"
	"github.com/sawpanic/tradeguard/internal/ops"
	"github.com/sawpanic/tradeguard/internal/probes"
	"github.com/sawpanic/tradeguard/internal/recovery"
	"github.com/sawpanic/tradeguard/internal/state"
	"github.com/sawpanic/tradeguard/internal/store"
	"github.com/sawpanic/tradeguard/internal/wal"
)

// serveCmd runs the full control plane with static demo probes standing in
// for the out-of-scope broker/market-data/risk/database adapters.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the degradation control plane",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	clk := clock.NewReal()
	registry := metrics.NewRegistry()

	fallback, err := appendlog.Open(cfg.Bus.FallbackLogPath)
	if err != nil {
		return err
	}
	defer fallback.Close()

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := matrix.New(cfg.Matrix)
	if err != nil {
		return err
	}

	emitter := alerts.NewEmitter(cfg.Alerts, nil, logger)
	emitter.Start()
	defer emitter.Close()

	g := gate.New(cfg.Recovery)
	eventBus := bus.New(cfg.Bus, fallback, nil, logger)
	svc := state.New(*cfg, clk, m, g, st, emitter, logger)
	eventBus.SetDegrade(svc.EmergencyDegrade)

	buffer, err := wal.NewBuffer(cfg.WAL, clk, st, eventBus, logger)
	if err != nil {
		return err
	}
	defer buffer.Close()
	if _, err := buffer.Replay(context.Background()); err != nil {
		logger.Error().Err(err).Msg("wal replay incomplete, continuing with buffered entries intact")
	}

	snaps := cache.New(cfg.Cache, clk)

	// Demo probes. Production deployments register real adapters here.
	brokerProbe := probes.NewStatic("broker", clk, true)
	mdProbe := probes.NewStatic("marketdata", clk, true)
	riskProbe := probes.NewStatic("risk", clk, true)
	dbProbe := probes.NewStatic("database", clk, true)

	orch := recovery.New(cfg.Recovery, clk, eventBus, svc, emitter, brokerProbe, mdProbe, riskProbe, logger)
	defer orch.Stop()
	svc.SetRecoveryTrigger(func(reason events.ReasonCode) {
		if _, err := orch.Start(recovery.TriggerAuto, ""); err != nil {
			logger.Error().Err(err).Str("reason", string(reason)).Msg("auto recovery start failed")
			return
		}
		registry.RecoveryRuns.WithLabelValues(string(recovery.TriggerAuto)).Inc()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := map[events.Source]*breaker.Breaker{
		events.SourceBroker: breaker.New(events.SourceBroker, cfg.Breakers.ForSource("broker"),
			events.ReasonBrokerDisconnect, events.ReasonBrokerReconnected, clk, eventBus, g, logger),
		events.SourceMarketData: breaker.New(events.SourceMarketData, cfg.Breakers.ForSource("marketdata"),
			events.ReasonMarketDataStale, events.ReasonMarketDataRecovered, clk, eventBus, g, logger),
		events.SourceRisk: breaker.New(events.SourceRisk, cfg.Breakers.ForSource("risk"),
			events.ReasonRiskTimeout, events.ReasonRiskRecovered, clk, eventBus, g, logger),
		events.SourceDatabase: breaker.New(events.SourceDatabase, cfg.Breakers.ForSource("database"),
			events.ReasonDBWriteFail, events.ReasonDBRecovered, clk, eventBus, g, logger),
		events.SourceAlerting: breaker.New(events.SourceAlerting, cfg.Breakers.ForSource("alerting"),
			events.ReasonAlertsChannelDown, "", clk, eventBus, g, logger),
	}
	probeBySource := map[events.Source]probes.ComponentProbe{
		events.SourceBroker:     brokerProbe,
		events.SourceMarketData: mdProbe,
		events.SourceRisk:       riskProbe,
		events.SourceDatabase:   dbProbe,
		events.SourceAlerting:   probes.NewStatic("alerting", clk, true),
	}
	for src, b := range breakers {
		go b.Run(ctx, probeBySource[src])
	}

	go svc.Run(ctx, eventBus.Events())
	go buffer.Run(ctx)
	go observeMetrics(ctx, cfg.Ops.MetricsSampleEvery, registry, svc, eventBus, buffer, breakers)

	// Startup contract: cold start is RECOVERING, so walk the staged recovery
	// immediately instead of assuming health.
	if _, err := orch.Start(recovery.TriggerAuto, ""); err != nil {
		return err
	}
	registry.RecoveryRuns.WithLabelValues(string(recovery.TriggerAuto)).Inc()

	server := ops.New(cfg.Ops, svc, orch, g, eventBus, buffer, snaps, registry, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// observeMetrics feeds the Prometheus registry from the running components:
// transitions as they apply, depth and level gauges on a sampling tick.
func observeMetrics(ctx context.Context, sampleEvery time.Duration, registry *metrics.Registry,
	svc *state.Service, eventBus *bus.Bus, buffer *wal.Buffer, breakers map[events.Source]*breaker.Breaker) {
	sub := svc.Subscribe()
	defer svc.Unsubscribe(sub)
	registry.ObserveMode(svc.Mode())

	ticker := time.NewTicker(sampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-sub:
			registry.ObserveMode(t.To)
			registry.ModeTransitions.WithLabelValues(t.To.String(), string(t.Reason)).Inc()
		case <-ticker.C:
			stats := eventBus.Stats()
			registry.BusPublished.Set(float64(stats.Published))
			registry.BusDropped.Set(float64(stats.Dropped))
			registry.BusRescued.Set(float64(stats.Rescued))
			registry.BusDepth.Set(float64(stats.Depth))
			registry.WALEntries.Set(float64(buffer.Len()))
			registry.WALBytes.Set(float64(buffer.Bytes()))
			registry.RecoveryStage.Set(float64(svc.Stage()))
			for src, b := range breakers {
				registry.BreakerLevel.WithLabelValues(string(src)).Set(float64(b.Level()))
			}
		}
	}
}
