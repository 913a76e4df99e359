// Package syncer converges the cage-local replicas of every pool's
// shared-state document. Each round collects deltas from the Running
// cages, merges them into the pool's canonical document and pushes the
// result back out. Rounds for one pool never overlap; a round still in
// flight makes the next tick a no-op for that pool.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/crdt"
	"github.com/cagehost/orchestrator/internal/metrics"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/internal/pool"
)

const DefaultSyncInterval = 100 * time.Millisecond

type Coordinator struct {
	registry *pool.Registry
	interval time.Duration
	metrics  metrics.Metrics

	mu sync.Mutex
	// inflight skips a pool's tick while its previous round runs.
	inflight map[models.SiteID]bool
	// seeded tracks cages that already received a full snapshot; a cage
	// that newly reaches Running starts from an empty document and must
	// not be caught up by deltas alone.
	seeded map[models.SiteID]map[models.CageID]bool

	log zerolog.Logger
}

func New(registry *pool.Registry, interval time.Duration, m metrics.Metrics) *Coordinator {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Coordinator{
		registry: registry,
		interval: interval,
		metrics:  m,
		inflight: make(map[models.SiteID]bool),
		seeded:   make(map[models.SiteID]map[models.CageID]bool),
		log:      log.With().Str("component", "syncer").Logger(),
	}
}

// Run schedules sync rounds until the context is cancelled. Rounds of
// different pools proceed independently.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", c.interval).Msg("sync coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("sync coordinator stopped")
			return
		case <-ticker.C:
			for _, p := range c.registry.Pools() {
				if !c.begin(p.Site()) {
					continue
				}
				go func(p *pool.Pool) {
					defer c.end(p.Site())
					c.syncPool(ctx, p)
				}(p)
			}
		}
	}
}

// ForceSync runs an immediate round for a pool, used by the ops API and
// rolling updates to cut the convergence window. It is a no-op when a
// scheduled round for the pool is already in flight.
func (c *Coordinator) ForceSync(ctx context.Context, p *pool.Pool) {
	if !c.begin(p.Site()) {
		return
	}
	defer c.end(p.Site())
	c.syncPool(ctx, p)
}

func (c *Coordinator) syncPool(ctx context.Context, p *pool.Pool) {
	start := time.Now()

	running := p.HealthyCages()
	if len(running) == 0 {
		return
	}

	// Collect deltas from every Running cage; Crashed and Initializing
	// cages are skipped and will be seeded with a snapshot once Running.
	var collected []crdt.Change
	for _, cg := range running {
		collected = append(collected, cg.Document().CollectChanges()...)
	}

	canonical := p.Canonical()
	if len(collected) > 0 {
		applied, conflicts := canonical.Apply(collected)
		if conflicts > 0 {
			// deterministic resolution, logged for observability only
			c.log.Debug().
				Str("site_id", p.Site().String()).
				Int("conflicts", conflicts).
				Msg("resolved write conflicts")
			c.metrics.Increment("sync.conflicts")
		}
		c.log.Debug().
			Str("site_id", p.Site().String()).
			Int("applied", applied).
			Msg("merged deltas into canonical document")
	}

	seeded := c.seededSet(p.Site())
	for _, cg := range running {
		if !seeded[cg.ID()] {
			cg.Document().Apply(canonical.Snapshot())
			seeded[cg.ID()] = true
			continue
		}
		if len(collected) > 0 {
			cg.Document().Apply(collected)
		}
	}
	c.forgetRemoved(p, seeded)

	c.metrics.Duration("sync.round", time.Since(start))
}

func (c *Coordinator) seededSet(site models.SiteID) map[models.CageID]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.seeded[site]
	if !ok {
		set = make(map[models.CageID]bool)
		c.seeded[site] = set
	}
	return set
}

// forgetRemoved drops seed markers for cages no longer in the pool, so
// a replacement spawned under the same site gets a fresh snapshot.
func (c *Coordinator) forgetRemoved(p *pool.Pool, seeded map[models.CageID]bool) {
	present := make(map[models.CageID]bool)
	for _, cg := range p.Replicas() {
		present[cg.ID()] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range seeded {
		if !present[id] {
			delete(seeded, id)
		}
	}
}

func (c *Coordinator) begin(site models.SiteID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[site] {
		return false
	}
	c.inflight[site] = true
	return true
}

func (c *Coordinator) end(site models.SiteID) {
	c.mu.Lock()
	delete(c.inflight, site)
	c.mu.Unlock()
}
