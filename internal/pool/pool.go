// Package pool owns the replica set and shared state of one site. The
// pool is the single source of truth for "is this cage usable": every
// state transition lands in its health index synchronously, and all
// other components hold only the site identity and query the pool.
package pool

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/cage"
	"github.com/cagehost/orchestrator/internal/crdt"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

const DefaultTargetReplicas = 3

type Pool struct {
	site models.SiteID

	// opMu serializes replica mutations (add/remove/respawn pairs) so a
	// remove+spawn is one transaction; mu guards the data below and is
	// held only for the duration of an index update.
	opMu sync.Mutex
	mu   sync.RWMutex

	replicas []*cage.Cage // spawn order, round-robin order
	healthy  map[models.CageID]struct{}
	target   int
	cfg      cage.Config

	canonical *crdt.Document

	log zerolog.Logger
}

func New(site models.SiteID, cfg cage.Config, target int) *Pool {
	if target <= 0 {
		target = DefaultTargetReplicas
	}
	cfg.Site = site
	return &Pool{
		site:      site,
		healthy:   make(map[models.CageID]struct{}),
		target:    target,
		cfg:       cfg.WithDefaults(),
		canonical: crdt.NewDocument("pool:" + site.String()),
		log:       log.With().Str("component", "pool").Str("site_id", site.String()).Logger(),
	}
}

func (p *Pool) Site() models.SiteID {
	return p.site
}

func (p *Pool) Target() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

func (p *Pool) SetTarget(target int) {
	if target <= 0 {
		return
	}
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

func (p *Pool) Config() cage.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetModule swaps the module artifact used for future spawns, for
// rolling updates. Live cages keep running the old artifact until
// replaced.
func (p *Pool) SetModule(module []byte) {
	p.mu.Lock()
	p.cfg.Module = module
	p.mu.Unlock()
}

// Canonical is the pool's merged view of the shared-state document.
func (p *Pool) Canonical() *crdt.Document {
	return p.canonical
}

// Exclusive runs fn while holding the pool's mutation lock. Supervisor
// respawns, ops mutations and rollouts all pass through here, so no two
// of them interleave on the same pool. Other pools are unaffected.
func (p *Pool) Exclusive(fn func()) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	fn()
}

// Add appends a cage in spawn order and hooks its transitions into the
// health index.
func (p *Pool) Add(c *cage.Cage) {
	p.mu.Lock()
	p.replicas = append(p.replicas, c)
	p.mu.Unlock()

	c.SetTransitionHook(p.RecordState)
	p.log.Debug().Str("cage_id", c.ID().String()).Msg("replica added")
}

// Remove detaches a cage from the pool. The caller owns termination.
func (p *Pool) Remove(id models.CageID) (*cage.Cage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, c := range p.replicas {
		if c.ID() != id {
			continue
		}
		p.replicas = append(p.replicas[:i], p.replicas[i+1:]...)
		delete(p.healthy, id)
		p.log.Debug().Str("cage_id", id.String()).Msg("replica removed")
		return c, true
	}
	return nil, false
}

func (p *Pool) Get(id models.CageID) (*cage.Cage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.replicas {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// RecordState updates the health index synchronously with a cage's
// transition: after this returns, no Select observes the stale state.
func (p *Pool) RecordState(id models.CageID, state models.CageState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state == models.StateRunning {
		p.healthy[id] = struct{}{}
		return
	}
	delete(p.healthy, id)
}

// HealthyCages returns the Running replicas as a consistent snapshot in
// pool (spawn) order.
func (p *Pool) HealthyCages() []*cage.Cage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*cage.Cage, 0, len(p.healthy))
	for _, c := range p.replicas {
		if _, ok := p.healthy[c.ID()]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Replicas returns a snapshot of all replicas in spawn order.
func (p *Pool) Replicas() []*cage.Cage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*cage.Cage, len(p.replicas))
	copy(out, p.replicas)
	return out
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.replicas)
}

// SpawnReplica spawns one cage with the pool config and adds it whatever
// state it reached; the caller inspects the result. attempts seeds the
// respawn counter for replacement spawns.
func (p *Pool) SpawnReplica(ctx context.Context, engine sandbox.Engine, attempts uint32) *cage.Cage {
	c := cage.Spawn(ctx, engine, p.Config(), attempts)
	p.Add(c)
	return c
}

func (p *Pool) Snapshot() models.PoolSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := models.PoolSnapshot{
		SiteID:         p.site,
		Replicas:       make([]models.CageInfo, 0, len(p.replicas)),
		TargetReplicas: p.target,
	}
	for _, c := range p.replicas {
		state := c.State()
		switch state {
		case models.StateRunning:
			snap.HealthyCount++
		case models.StateCrashed:
			snap.CrashedCount++
		}
		snap.Replicas = append(snap.Replicas, models.CageInfo{
			ID:              c.ID(),
			State:           state,
			StateName:       state.String(),
			RespawnAttempts: c.RespawnAttempts(),
			Metrics:         c.Metrics(),
		})
	}
	return snap
}
