package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/cage"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

var (
	ErrSiteExists   = errors.New("site already deployed")
	ErrSiteNotFound = errors.New("site not found")
)

// Notifier receives deploy/undeploy lifecycle events.
type Notifier interface {
	Publish(event models.PoolEvent)
}

// Registry is the process-wide site -> pool mapping. It is the only
// global mutable state; pools stay independent because all per-pool
// mutation goes through each pool's own locks.
type Registry struct {
	mu    sync.RWMutex
	pools map[models.SiteID]*Pool

	notifier Notifier
}

func NewRegistry() *Registry {
	return &Registry{
		pools: make(map[models.SiteID]*Pool),
	}
}

// SetNotifier installs the lifecycle event sink. Call before serving.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Deploy creates a pool and spawns its initial replicas. Spawn failures
// do not fail the deploy: crashed replicas are left for the supervisor
// to repair under backoff.
func (r *Registry) Deploy(
	ctx context.Context,
	engine sandbox.Engine,
	site models.SiteID,
	cfg cage.Config,
	target int,
) (*Pool, error) {
	p := New(site, cfg, target)

	r.mu.Lock()
	if _, exists := r.pools[site]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSiteExists, site)
	}
	r.pools[site] = p
	r.mu.Unlock()

	running := 0
	p.Exclusive(func() {
		for range p.Target() {
			c := p.SpawnReplica(ctx, engine, 0)
			if c.State() == models.StateRunning {
				running++
			}
		}
	})

	log.Info().
		Str("site_id", site.String()).
		Int("target", p.Target()).
		Int("running", running).
		Msg("site deployed")
	r.publish(models.PoolEvent{
		Type: models.EventSiteDeployed,
		Site: site,
		At:   time.Now(),
	})
	return p, nil
}

// Undeploy terminates every cage of a site and drops its pool.
func (r *Registry) Undeploy(ctx context.Context, site models.SiteID) error {
	r.mu.Lock()
	p, exists := r.pools[site]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSiteNotFound, site)
	}
	delete(r.pools, site)
	r.mu.Unlock()

	p.Exclusive(func() {
		for _, c := range p.Replicas() {
			c.Terminate(ctx)
			p.Remove(c.ID())
		}
	})

	log.Info().Str("site_id", site.String()).Msg("site undeployed")
	r.publish(models.PoolEvent{
		Type: models.EventSiteUndeployed,
		Site: site,
		At:   time.Now(),
	})
	return nil
}

func (r *Registry) publish(event models.PoolEvent) {
	if r.notifier != nil {
		r.notifier.Publish(event)
	}
}

func (r *Registry) Get(site models.SiteID) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pools[site]
	return p, ok
}

// Pools returns a snapshot of all pools.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

// Shutdown drains in-flight requests for at most grace, then terminates
// every cage. Pools are not removed; the process is going away.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) {
	deadline := time.Now().Add(grace)
drain:
	for time.Now().Before(deadline) {
		if r.liveRequests() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(50 * time.Millisecond):
		}
	}

	for _, p := range r.Pools() {
		p.Exclusive(func() {
			for _, c := range p.Replicas() {
				c.Terminate(ctx)
			}
		})
	}
	log.Info().Msg("all cages terminated")
}

func (r *Registry) liveRequests() int64 {
	var live int64
	for _, p := range r.Pools() {
		for _, c := range p.Replicas() {
			live += c.LiveRequests()
		}
	}
	return live
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}
