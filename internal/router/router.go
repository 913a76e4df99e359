// Package router selects one healthy cage per request. Selection is
// stateless across requests except the round-robin cursor, and never
// returns a cage whose recorded state is not Running.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/cage"
	"github.com/cagehost/orchestrator/internal/metrics"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/internal/pool"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

var (
	// ErrNoHealthyReplica is a retriable service-unavailable condition:
	// the pool has zero usable cages for this attempt.
	ErrNoHealthyReplica = errors.New("no healthy replica")
	// ErrRequestRejected is the advisory anomaly gate firing before
	// selection.
	ErrRequestRejected = errors.New("request rejected by anomaly gate")
)

// Strategy is a closed set; add new variants explicitly.
type Strategy int8

const (
	RoundRobin Strategy = iota
	LeastConnected
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case LeastConnected:
		return "least-connected"
	}
	return "unknown"
}

func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "round-robin", "":
		return RoundRobin, nil
	case "least-connected":
		return LeastConnected, nil
	}
	return RoundRobin, fmt.Errorf("unknown strategy %q", name)
}

// Scorer is the external anomaly-scoring collaborator: an opaque
// advisory signal in [0,1], never part of health or backoff logic.
type Scorer interface {
	Score(req sandbox.Request) float64
}

type Router struct {
	strategy Strategy

	cursorMu sync.Mutex
	cursors  map[models.SiteID]*atomic.Uint64

	scorer    Scorer // nil disables the gate
	threshold float64

	metrics metrics.Metrics

	log zerolog.Logger
}

func New(strategy Strategy, opts ...Option) *Router {
	r := &Router{
		strategy:  strategy,
		cursors:   make(map[models.SiteID]*atomic.Uint64),
		threshold: 1.0,
		metrics:   metrics.Noop{},
		log:       log.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Option func(*Router)

// WithAnomalyGate rejects requests scoring above threshold before
// selection.
func WithAnomalyGate(scorer Scorer, threshold float64) Option {
	return func(r *Router) {
		r.scorer = scorer
		r.threshold = threshold
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Select picks one healthy cage from the pool, or ErrNoHealthyReplica.
func (r *Router) Select(p *pool.Pool) (*cage.Cage, error) {
	healthy := p.HealthyCages()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: site %s", ErrNoHealthyReplica, p.Site())
	}

	var picked *cage.Cage
	switch r.strategy {
	case LeastConnected:
		picked = leastConnected(healthy)
	default:
		picked = healthy[int(r.cursor(p.Site()).Add(1)-1)%len(healthy)]
	}

	// The snapshot can go stale between index read and dispatch; a cage
	// that crashed in that window must not be returned.
	if picked.State() != models.StateRunning {
		return nil, fmt.Errorf("%w: site %s", ErrNoHealthyReplica, p.Site())
	}
	return picked, nil
}

// Dispatch gates, selects and executes one request against the site's
// pool. A cage lost between selection and execution fails this attempt
// with ErrNoHealthyReplica; the caller decides whether to retry.
func (r *Router) Dispatch(ctx context.Context, p *pool.Pool, req sandbox.Request) (sandbox.Response, error) {
	if r.scorer != nil {
		if score := r.scorer.Score(req); score > r.threshold {
			r.log.Warn().
				Str("site_id", p.Site().String()).
				Float64("score", score).
				Msg("request rejected before selection")
			r.metrics.Increment("router.rejected")
			return sandbox.Response{}, fmt.Errorf("%w: score %.3f", ErrRequestRejected, score)
		}
	}

	c, err := r.Select(p)
	if err != nil {
		r.metrics.Increment("router.no_healthy_replica")
		return sandbox.Response{}, err
	}
	r.metrics.Increment("router.selected")

	start := time.Now()
	resp, err := c.Execute(ctx, req)
	r.metrics.Duration("router.execute", time.Since(start))
	if err != nil {
		if errors.Is(err, cage.ErrNotRunning) || errors.Is(err, cage.ErrOverCapacity) || errors.Is(err, sandbox.ErrFault) {
			return sandbox.Response{}, fmt.Errorf("%w: %v", ErrNoHealthyReplica, err)
		}
		return sandbox.Response{}, err
	}
	return resp, nil
}

func leastConnected(healthy []*cage.Cage) *cage.Cage {
	best := healthy[0]
	min := best.LiveRequests()
	for _, c := range healthy[1:] {
		// strict < keeps ties on the earliest-spawned cage
		if live := c.LiveRequests(); live < min {
			best, min = c, live
		}
	}
	return best
}

func (r *Router) cursor(site models.SiteID) *atomic.Uint64 {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()

	cur, ok := r.cursors[site]
	if !ok {
		cur = &atomic.Uint64{}
		r.cursors[site] = cur
	}
	return cur
}
