// Package supervisor keeps every pool at its target replica count:
// bounded exponential backoff per replica, independent per replica, with
// a hard give-up ceiling. Not a retry storm, not an infinite loop.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/cage"
	"github.com/cagehost/orchestrator/internal/metrics"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/internal/pool"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

const (
	DefaultTickInterval = 5 * time.Second
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = time.Minute
	DefaultMaxAttempts  = 5
)

type Config struct {
	TickInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  uint32
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Notifier receives pool lifecycle events; the channel notifier in
// internal/notifier is the production implementation.
type Notifier interface {
	Publish(event models.PoolEvent)
}

type Supervisor struct {
	registry *pool.Registry
	engine   sandbox.Engine
	cfg      Config

	notifier Notifier
	metrics  metrics.Metrics

	// inflight guards against a slow pool tick overlapping itself while
	// other pools keep ticking independently.
	inflightMu sync.Mutex
	inflight   map[models.SiteID]bool

	now func() time.Time

	log zerolog.Logger
}

func New(registry *pool.Registry, engine sandbox.Engine, cfg Config, notifier Notifier, m metrics.Metrics) *Supervisor {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Supervisor{
		registry: registry,
		engine:   engine,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		metrics:  m,
		inflight: make(map[models.SiteID]bool),
		now:      time.Now,
		log:      log.With().Str("component", "supervisor").Logger(),
	}
}

// Run scans all pools on a fixed tick until the context is cancelled.
// Cancellation is observed at the top of the loop, never mid-mutation.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.TickInterval).Msg("supervisor started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("supervisor stopped")
			return
		case <-ticker.C:
			for _, p := range s.registry.Pools() {
				if !s.begin(p.Site()) {
					continue
				}
				go func(p *pool.Pool) {
					defer s.end(p.Site())
					s.TickPool(ctx, p)
				}(p)
			}
		}
	}
}

// TickPool runs one supervision pass over a single pool: probe the
// running cages, repair the crashed ones under backoff, then replenish
// up to target. Exported so the ops API can trigger a manual respawn.
func (s *Supervisor) TickPool(ctx context.Context, p *pool.Pool) {
	s.probeRunning(ctx, p)

	p.Exclusive(func() {
		s.repairCrashed(ctx, p)
		s.replenish(ctx, p)
	})

	snap := p.Snapshot()
	s.metrics.Gauge("pool.healthy", snap.HealthyCount)
	s.metrics.Gauge("pool.crashed", snap.CrashedCount)
}

// probeRunning performs the periodic health check; a missed heartbeat
// drives the cage to Crashed through its own transition hook.
func (s *Supervisor) probeRunning(ctx context.Context, p *pool.Pool) {
	for _, c := range p.HealthyCages() {
		healthy, err := c.Probe(ctx)
		if healthy && err == nil {
			continue
		}
		s.log.Warn().
			Str("site_id", p.Site().String()).
			Str("cage_id", c.ID().String()).
			Err(err).
			Msg("health probe failed, marking crashed")
		c.MarkCrashed()
		s.publish(models.PoolEvent{
			Type: models.EventCageCrashed,
			Site: p.Site(),
			Cage: c.ID(),
			At:   s.now(),
		})
	}
}

func (s *Supervisor) repairCrashed(ctx context.Context, p *pool.Pool) {
	for _, c := range p.Replicas() {
		if c.State() != models.StateCrashed {
			continue
		}

		attempts := c.RespawnAttempts()
		delay := backoffDelay(s.cfg.BaseDelay, s.cfg.MaxDelay, attempts)
		if s.now().Sub(c.LastCrashAt()) < delay {
			// not yet eligible this tick
			continue
		}

		if attempts >= s.cfg.MaxAttempts {
			s.giveUp(ctx, p, c)
			continue
		}
		s.respawn(ctx, p, c, attempts)
	}
}

// respawn is the transactional remove+spawn pair for one crashed cage;
// the caller already holds the pool's mutation lock.
func (s *Supervisor) respawn(ctx context.Context, p *pool.Pool, crashed *cage.Cage, attempts uint32) {
	p.Remove(crashed.ID())
	crashed.Terminate(ctx)

	replacement := p.SpawnReplica(ctx, s.engine, attempts+1)
	if replacement.State() == models.StateRunning {
		s.log.Info().
			Str("site_id", p.Site().String()).
			Str("cage_id", replacement.ID().String()).
			Uint32("attempt", attempts+1).
			Msg("replica respawned")
		s.metrics.Increment("supervisor.respawn.success")
		s.publish(models.PoolEvent{
			Type:     models.EventCageRespawned,
			Site:     p.Site(),
			Cage:     replacement.ID(),
			Attempts: attempts + 1,
			At:       s.now(),
		})
		return
	}
	s.log.Warn().
		Str("site_id", p.Site().String()).
		Str("cage_id", replacement.ID().String()).
		Uint32("attempt", attempts+1).
		Msg("respawn attempt failed")
	s.metrics.Increment("supervisor.respawn.failure")
}

// giveUp retires a replica slot after the attempt ceiling: the site runs
// under-replicated until an operator intervenes. Terminal for the slot,
// not for the pool or the process.
func (s *Supervisor) giveUp(ctx context.Context, p *pool.Pool, c *cage.Cage) {
	c.Terminate(ctx)
	p.Remove(c.ID())

	s.log.Error().
		Str("site_id", p.Site().String()).
		Str("cage_id", c.ID().String()).
		Uint32("attempts", c.RespawnAttempts()).
		Msg("respawn exhausted, giving up on replica")
	s.metrics.Increment("supervisor.respawn.exhausted")
	s.publish(models.PoolEvent{
		Type:     models.EventRespawnExhausted,
		Site:     p.Site(),
		Cage:     c.ID(),
		Attempts: c.RespawnAttempts(),
		At:       s.now(),
		Detail:   "pool under-replicated",
	})
}

// replenish covers shrinkage that is not crash-driven, e.g. after a
// give-up or a rolling update.
func (s *Supervisor) replenish(ctx context.Context, p *pool.Pool) {
	for p.Len() < p.Target() {
		c := p.SpawnReplica(ctx, s.engine, 0)
		if c.State() != models.StateRunning {
			// leave the crashed replica for the next tick's backoff
			return
		}
		s.log.Info().
			Str("site_id", p.Site().String()).
			Str("cage_id", c.ID().String()).
			Msg("replenished replica")
	}
}

func (s *Supervisor) publish(event models.PoolEvent) {
	if s.notifier != nil {
		s.notifier.Publish(event)
	}
}

func (s *Supervisor) begin(site models.SiteID) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[site] {
		return false
	}
	s.inflight[site] = true
	return true
}

func (s *Supervisor) end(site models.SiteID) {
	s.inflightMu.Lock()
	delete(s.inflight, site)
	s.inflightMu.Unlock()
}
