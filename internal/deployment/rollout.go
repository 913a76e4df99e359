// Package deployment performs rolling updates: cages are replaced one at
// a time through the pool's own remove+spawn primitives, so the site
// keeps serving from the remaining replicas throughout.
package deployment

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/cage"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/internal/pool"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

const (
	DefaultWaitBetween   = time.Second
	DefaultHealthRetries = 5
)

type Notifier interface {
	Publish(event models.PoolEvent)
}

type Rollout struct {
	registry *pool.Registry
	engine   sandbox.Engine
	notifier Notifier

	// waitBetween paces replacements so the pool is never churned faster
	// than it can drain.
	waitBetween   time.Duration
	healthRetries uint

	log zerolog.Logger
}

func NewRollout(registry *pool.Registry, engine sandbox.Engine, notifier Notifier, waitBetween time.Duration) *Rollout {
	if waitBetween <= 0 {
		waitBetween = DefaultWaitBetween
	}
	return &Rollout{
		registry:      registry,
		engine:        engine,
		notifier:      notifier,
		waitBetween:   waitBetween,
		healthRetries: DefaultHealthRetries,
		log:           log.With().Str("component", "rollout").Logger(),
	}
}

// Execute replaces every cage of a site with one running the new module
// artifact, one at a time. It aborts on the first replacement that fails
// to reach Running, leaving the remaining old cages serving.
func (r *Rollout) Execute(ctx context.Context, site models.SiteID, newModule []byte) error {
	p, ok := r.registry.Get(site)
	if !ok {
		return fmt.Errorf("%w: %s", pool.ErrSiteNotFound, site)
	}

	p.SetModule(newModule)
	old := p.Replicas()
	r.log.Info().
		Str("site_id", site.String()).
		Int("replicas", len(old)).
		Msg("starting rolling update")

	for i, oldCage := range old {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.replaceOne(ctx, p, oldCage); err != nil {
			r.log.Error().Err(err).
				Str("site_id", site.String()).
				Str("cage_id", oldCage.ID().String()).
				Msg("rolling update aborted")
			r.publish(models.PoolEvent{
				Type:   models.EventRolloutAborted,
				Site:   site,
				Cage:   oldCage.ID(),
				At:     time.Now(),
				Detail: err.Error(),
			})
			return fmt.Errorf("rolling update aborted at replica %d: %w", i, err)
		}
		if i < len(old)-1 {
			select {
			case <-time.After(r.waitBetween):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	r.log.Info().Str("site_id", site.String()).Msg("rolling update completed")
	r.publish(models.PoolEvent{
		Type: models.EventRolloutCompleted,
		Site: site,
		At:   time.Now(),
	})
	return nil
}

func (r *Rollout) replaceOne(ctx context.Context, p *pool.Pool, oldCage *cage.Cage) error {
	var replacement *cage.Cage
	p.Exclusive(func() {
		p.Remove(oldCage.ID())
		oldCage.Terminate(ctx)
		replacement = p.SpawnReplica(ctx, r.engine, 0)
	})

	if replacement.State() == models.StateRunning {
		return r.waitHealthy(ctx, replacement)
	}
	return fmt.Errorf("replacement cage %s did not start", replacement.ID())
}

// waitHealthy probes the fresh cage until it answers, bounding how fast
// the rollout may proceed to the next replacement.
func (r *Rollout) waitHealthy(ctx context.Context, c *cage.Cage) error {
	return retry.Do(
		func() error {
			healthy, err := c.Probe(ctx)
			if err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("cage %s not healthy yet", c.ID())
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.healthRetries),
		retry.DelayType(retry.BackOffDelay),
	)
}

func (r *Rollout) publish(event models.PoolEvent) {
	if r.notifier != nil {
		r.notifier.Publish(event)
	}
}
