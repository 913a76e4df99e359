package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/cagehost/orchestrator/internal/anomaly"
	"github.com/cagehost/orchestrator/internal/deployment"
	"github.com/cagehost/orchestrator/internal/metrics"
	"github.com/cagehost/orchestrator/internal/notifier"
	"github.com/cagehost/orchestrator/internal/opsapi"
	"github.com/cagehost/orchestrator/internal/pool"
	"github.com/cagehost/orchestrator/internal/router"
	"github.com/cagehost/orchestrator/internal/sender"
	"github.com/cagehost/orchestrator/internal/supervisor"
	"github.com/cagehost/orchestrator/internal/syncer"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

type Config struct {
	NodeID      string `envconfig:"NODE_ID,default=orchestrator-0"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`

	ListenAddr string `envconfig:"LISTEN_ADDR,default=0.0.0.0:8080"`

	Strategy         string  `envconfig:"ROUTER_STRATEGY,default=round-robin"`
	AnomalyThreshold float64 `envconfig:"ANOMALY_THRESHOLD,default=0.95"`
	AnomalySamples   int     `envconfig:"ANOMALY_TRAIN_SAMPLES,default=100"`

	SupervisorTick      time.Duration `envconfig:"SUPERVISOR_TICK,default=5s"`
	RespawnBaseDelay    time.Duration `envconfig:"RESPAWN_BASE_DELAY,default=1s"`
	RespawnMaxDelay     time.Duration `envconfig:"RESPAWN_MAX_DELAY,default=60s"`
	RespawnMaxAttempts  uint32        `envconfig:"RESPAWN_MAX_ATTEMPTS,default=5"`
	SyncInterval        time.Duration `envconfig:"SYNC_INTERVAL,default=100ms"`
	RolloutWaitBetween  time.Duration `envconfig:"ROLLOUT_WAIT_BETWEEN,default=1s"`
	ShutdownGracePeriod time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD,default=10s"`

	EventsAddr           string        `envconfig:"EVENTS_KAFKA_ADDR,optional"`
	EventsTopic          string        `envconfig:"EVENTS_KAFKA_TOPIC,default=cagehost.pool-events"`
	EventsResendInterval time.Duration `envconfig:"EVENTS_RESEND_INTERVAL,default=30s"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	log.Warn().Msgf("running orchestrator node %s", appCfg.NodeID)

	var m metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		m = metrics.NewStatsd(appCfg.NodeID, appCfg.StatsdAddr)
	}

	strategy, err := router.ParseStrategy(appCfg.Strategy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse router strategy")
	}

	registry := pool.NewRegistry()
	engine := sandbox.NewMockEngine()

	events := notifier.New(1024)
	defer events.Close()
	registry.SetNotifier(events)
	if appCfg.EventsAddr != "" {
		writer := sender.NewKafkaWriter(appCfg.EventsAddr, appCfg.EventsTopic)
		eventSender := sender.NewSenderController(events.Events(), writer, appCfg.EventsResendInterval)
		go eventSender.Run(ctx)
	} else {
		go drainEvents(ctx, events)
	}

	scorer := anomaly.NewBaselineScorer(appCfg.AnomalySamples)
	rtr := router.New(strategy,
		router.WithAnomalyGate(scorer, appCfg.AnomalyThreshold),
		router.WithMetrics(m),
	)

	sup := supervisor.New(registry, engine, supervisor.Config{
		TickInterval: appCfg.SupervisorTick,
		BaseDelay:    appCfg.RespawnBaseDelay,
		MaxDelay:     appCfg.RespawnMaxDelay,
		MaxAttempts:  appCfg.RespawnMaxAttempts,
	}, events, m)
	go sup.Run(ctx)

	sync := syncer.New(registry, appCfg.SyncInterval, m)
	go sync.Run(ctx)

	rollout := deployment.NewRollout(registry, engine, events, appCfg.RolloutWaitBetween)

	api := opsapi.NewServer(registry, engine, sup, sync, rollout, rtr)
	srv := http.Server{
		Handler: api.Handler(),
		Addr:    appCfg.ListenAddr,
	}
	go func() {
		log.Info().Str("addr", appCfg.ListenAddr).Msg("ops api listening")
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()

	<-ctx.Done()
	log.Warn().Msg("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appCfg.ShutdownGracePeriod+5*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	registry.Shutdown(shutdownCtx, appCfg.ShutdownGracePeriod)
}

// drainEvents logs lifecycle events when no kafka sink is configured.
func drainEvents(ctx context.Context, events *notifier.ChanNotifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events.Events():
			if !ok {
				return
			}
			log.Info().
				Str("event", event.Type.String()).
				Str("site_id", event.Site.String()).
				Str("cage_id", event.Cage.String()).
				Msg("pool event")
		}
	}
}
