// Package cage owns the lifecycle of a single sandboxed execution
// replica: initializing -> running -> crashed -> terminating ->
// terminated. A fault anywhere is a state transition, never a process
// failure.
package cage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cagehost/orchestrator/internal/crdt"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

var (
	// ErrNotRunning rejects execution on a cage outside the Running state.
	ErrNotRunning = errors.New("cage is not running")
	// ErrOverCapacity rejects execution beyond the in-flight limit without
	// crashing the cage; the caller retries elsewhere.
	ErrOverCapacity = errors.New("cage over concurrent request capacity")
)

// Config is the pool-level spawn configuration shared by all replicas of
// a site. Limits are copied into each cage and immutable afterwards.
type Config struct {
	Site         models.SiteID
	Module       []byte
	Limits       sandbox.Limits
	SpawnTimeout time.Duration
	ProbeTimeout time.Duration
}

func (c Config) WithDefaults() Config {
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = time.Second
	}
	if c.Limits == (sandbox.Limits{}) {
		c.Limits = sandbox.DefaultLimits()
	}
	return c
}

// TransitionHook is installed by the owning pool so its health index is
// updated synchronously with every state change.
type TransitionHook func(id models.CageID, state models.CageState)

type Cage struct {
	id     models.CageID
	site   models.SiteID
	limits sandbox.Limits

	mu           sync.Mutex
	state        models.CageState
	inst         sandbox.Instance
	onTransition TransitionHook

	respawnAttempts atomic.Uint32
	lastCrashAt     atomic.Int64 // unix nanos, 0 = never
	startedAt       time.Time
	lastLatency     atomic.Int64 // nanos

	live  atomic.Int64
	total atomic.Uint64

	doc *crdt.Document

	probeTimeout time.Duration
	log          zerolog.Logger
}

// Spawn creates a cage and drives it to Running. It never fails past the
// caller: a spawn or first-probe failure leaves the returned cage in
// Crashed with its crash record set. attempts seeds the respawn counter
// for replacement cages; pass 0 for a fresh replica.
func Spawn(ctx context.Context, engine sandbox.Engine, cfg Config, attempts uint32) *Cage {
	cfg = cfg.WithDefaults()

	id := models.CageID(uuid.NewString())
	c := &Cage{
		id:           id,
		site:         cfg.Site,
		limits:       cfg.Limits,
		state:        models.StateInitializing,
		startedAt:    time.Now(),
		doc:          crdt.NewDocument(id.String()),
		probeTimeout: cfg.ProbeTimeout,
		log: log.With().
			Str("component", "cage").
			Str("site_id", cfg.Site.String()).
			Str("cage_id", id.String()).
			Logger(),
	}
	c.respawnAttempts.Store(attempts)

	spawnCtx, cancel := context.WithTimeout(ctx, cfg.SpawnTimeout)
	defer cancel()

	inst, err := engine.Spawn(spawnCtx, cfg.Site.String(), cfg.Module, cfg.Limits)
	if err != nil {
		c.log.Warn().Err(err).Msg("spawn failed")
		c.markCrashed()
		return c
	}
	c.mu.Lock()
	c.inst = inst
	c.mu.Unlock()

	healthy, err := c.Probe(ctx)
	if err != nil || !healthy {
		c.log.Warn().Err(err).Msg("initial probe failed")
		c.markCrashed()
		return c
	}
	c.transition(models.StateRunning)
	c.respawnAttempts.Store(0)
	c.log.Info().Msg("cage running")
	return c
}

func (c *Cage) ID() models.CageID {
	return c.id
}

func (c *Cage) Site() models.SiteID {
	return c.site
}

func (c *Cage) Limits() sandbox.Limits {
	return c.limits
}

func (c *Cage) State() models.CageState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetTransitionHook installs the pool callback. Installation replays the
// current state so the health index never starts stale.
func (c *Cage) SetTransitionHook(hook TransitionHook) {
	c.mu.Lock()
	c.onTransition = hook
	state := c.state
	c.mu.Unlock()
	if hook != nil {
		hook(c.id, state)
	}
}

func (c *Cage) RespawnAttempts() uint32 {
	return c.respawnAttempts.Load()
}

func (c *Cage) LastCrashAt() time.Time {
	nanos := c.lastCrashAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Document is this cage's local replica of the pool's shared state.
func (c *Cage) Document() *crdt.Document {
	return c.doc
}

func (c *Cage) Metrics() models.CageMetrics {
	return models.CageMetrics{
		LiveRequests:  c.live.Load(),
		TotalRequests: c.total.Load(),
		LastLatency:   time.Duration(c.lastLatency.Load()),
		StartedAt:     c.startedAt,
	}
}

func (c *Cage) LiveRequests() int64 {
	return c.live.Load()
}

// Probe runs one bounded health check against the sandbox. It reports
// status only; crash transitions are the caller's decision.
func (c *Cage) Probe(ctx context.Context) (bool, error) {
	c.mu.Lock()
	inst := c.inst
	c.mu.Unlock()
	if inst == nil {
		return false, sandbox.ErrFault
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	healthy, err := inst.Probe(probeCtx)
	if err != nil {
		return false, fmt.Errorf("probe failed: %w", err)
	}
	return healthy, nil
}

// Execute runs one request inside the sandbox, enforcing the cpu timeout
// from the cage's limits. A timeout or engine fault transitions the cage
// to Crashed and is returned as a fault error.
func (c *Cage) Execute(ctx context.Context, req sandbox.Request) (sandbox.Response, error) {
	c.mu.Lock()
	if c.state != models.StateRunning {
		c.mu.Unlock()
		return sandbox.Response{}, ErrNotRunning
	}
	inst := c.inst
	c.mu.Unlock()

	if c.live.Load() >= c.limits.MaxConcurrent {
		return sandbox.Response{}, ErrOverCapacity
	}
	c.live.Add(1)
	defer c.live.Add(-1)

	execCtx, cancel := context.WithTimeout(ctx, c.limits.CPUTimeout)
	defer cancel()

	start := time.Now()
	resp, err := inst.Execute(execCtx, req)
	c.lastLatency.Store(int64(time.Since(start)))
	c.total.Add(1)

	if err != nil {
		c.log.Warn().Err(err).Msg("execution fault")
		c.MarkCrashed()
		return sandbox.Response{}, fmt.Errorf("%w: %v", sandbox.ErrFault, err)
	}
	return resp, nil
}

// MarkCrashed records a crash: Running/Initializing -> Crashed. It is a
// no-op for cages already crashed or terminating.
func (c *Cage) MarkCrashed() {
	c.mu.Lock()
	if c.state != models.StateRunning && c.state != models.StateInitializing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.markCrashed()
}

func (c *Cage) markCrashed() {
	c.lastCrashAt.Store(time.Now().UnixNano())
	c.transition(models.StateCrashed)
}

// Terminate drives the cage to Terminated, releasing sandbox resources.
// Idempotent, and always reaches Terminated even when the engine's
// teardown errors. A crashed cage keeps its crash record.
func (c *Cage) Terminate(ctx context.Context) {
	c.mu.Lock()
	if c.state == models.StateTerminated {
		c.mu.Unlock()
		return
	}
	inst := c.inst
	c.inst = nil
	c.mu.Unlock()

	c.transition(models.StateTerminating)
	if inst != nil {
		if err := inst.Terminate(ctx); err != nil {
			c.log.Warn().Err(err).Msg("sandbox teardown error")
		}
	}
	c.transition(models.StateTerminated)
	c.log.Info().Msg("cage terminated")
}

func (c *Cage) transition(next models.CageState) {
	c.mu.Lock()
	c.state = next
	hook := c.onTransition
	c.mu.Unlock()

	c.log.Debug().Str("state", next.String()).Msg("cage state transition")
	if hook != nil {
		hook(c.id, next)
	}
}
