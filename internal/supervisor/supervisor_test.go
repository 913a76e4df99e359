package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagehost/orchestrator/internal/cage"
	"github.com/cagehost/orchestrator/internal/models"
	"github.com/cagehost/orchestrator/internal/pool"
	"github.com/cagehost/orchestrator/pkg/sandbox"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.PoolEvent
}

func (n *recordingNotifier) Publish(event models.PoolEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) byType(t models.PoolEventType) []models.PoolEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.PoolEvent
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	engine   *sandbox.MockEngine
	registry *pool.Registry
	notifier *recordingNotifier
	sup      *Supervisor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		engine:   sandbox.NewMockEngine(),
		registry: pool.NewRegistry(),
		notifier: &recordingNotifier{},
	}
	f.sup = New(f.registry, f.engine, cfg, f.notifier, nil)
	return f
}

// setClock pins the supervisor's view of time, so backoff eligibility is
// tested without sleeping.
func (f *fixture) setClock(at time.Time) {
	f.sup.now = func() time.Time { return at }
}

func (f *fixture) deploy(t *testing.T, site models.SiteID, target int) *pool.Pool {
	t.Helper()
	p, err := f.registry.Deploy(context.Background(), f.engine, site, cage.Config{Module: []byte("m")}, target)
	require.NoError(t, err)
	return p
}

func TestTickPool_CrashedCageWaitsOutBaseDelay(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.deploy(t, "site-1", 1)

	crashed := p.Replicas()[0]
	crashed.MarkCrashed()
	crashAt := crashed.LastCrashAt()

	f.setClock(crashAt.Add(500 * time.Millisecond))
	f.sup.TickPool(context.Background(), p)

	require.Equal(t, 1, p.Len())
	assert.Equal(t, crashed.ID(), p.Replicas()[0].ID(), "not eligible before the base delay elapses")
	assert.Equal(t, models.StateCrashed, crashed.State())
}

func TestTickPool_RespawnsAfterBaseDelay(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.deploy(t, "site-1", 1)

	crashed := p.Replicas()[0]
	crashed.MarkCrashed()
	f.setClock(crashed.LastCrashAt().Add(1100 * time.Millisecond))

	f.sup.TickPool(context.Background(), p)

	require.Equal(t, 1, p.Len())
	replacement := p.Replicas()[0]
	assert.NotEqual(t, crashed.ID(), replacement.ID(), "a respawn is a fresh cage, never a reused one")
	assert.Equal(t, models.StateRunning, replacement.State())
	assert.Equal(t, uint32(0), replacement.RespawnAttempts())
	assert.Equal(t, models.StateTerminated, crashed.State())

	respawns := f.notifier.byType(models.EventCageRespawned)
	require.Len(t, respawns, 1)
	assert.Equal(t, uint32(1), respawns[0].Attempts)
}

func TestTickPool_BackoffDoublesAfterFailedRespawn(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.deploy(t, "site-1", 1)

	first := p.Replicas()[0]
	first.MarkCrashed()
	f.setClock(first.LastCrashAt().Add(1100 * time.Millisecond))

	// The replacement itself fails to spawn: attempt 1 consumed.
	f.engine.FailNextSpawns(1)
	f.sup.TickPool(context.Background(), p)

	require.Equal(t, 1, p.Len())
	second := p.Replicas()[0]
	require.Equal(t, models.StateCrashed, second.State())
	assert.Equal(t, uint32(1), second.RespawnAttempts())

	// Attempt 2 waits out the doubled delay from the new crash.
	f.setClock(second.LastCrashAt().Add(1900 * time.Millisecond))
	f.sup.TickPool(context.Background(), p)
	assert.Equal(t, second.ID(), p.Replicas()[0].ID(), "2s backoff not yet elapsed")

	f.setClock(second.LastCrashAt().Add(2100 * time.Millisecond))
	f.sup.TickPool(context.Background(), p)

	third := p.Replicas()[0]
	assert.NotEqual(t, second.ID(), third.ID())
	assert.Equal(t, models.StateRunning, third.State())
}

func TestTickPool_GivesUpAtAttemptCeiling(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	p := f.deploy(t, "site-1", 1)
	p.Replicas()[0].MarkCrashed()

	// Every respawn fails, walking attempts up to the ceiling.
	f.engine.FailNextSpawns(100)

	exhausted := p.Replicas()[0]
	for range 2 {
		exhausted = p.Replicas()[0]
		f.setClock(exhausted.LastCrashAt().Add(time.Hour))
		f.sup.TickPool(context.Background(), p)
	}
	exhausted = p.Replicas()[0]
	require.Equal(t, uint32(2), exhausted.RespawnAttempts())

	// Ceiling reached: the slot is retired, not retried.
	f.setClock(exhausted.LastCrashAt().Add(time.Hour))
	f.sup.TickPool(context.Background(), p)

	assert.Equal(t, models.StateTerminated, exhausted.State())
	events := f.notifier.byType(models.EventRespawnExhausted)
	require.Len(t, events, 1)
	assert.Equal(t, exhausted.ID(), events[0].Cage)
	assert.Equal(t, uint32(2), events[0].Attempts)
	for _, e := range f.notifier.byType(models.EventCageRespawned) {
		assert.LessOrEqual(t, e.Attempts, uint32(2), "no attempt past the ceiling")
	}
}

func TestTickPool_OtherReplicasUnaffectedByGiveUp(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	p := f.deploy(t, "site-1", 3)

	doomed := p.Replicas()[0]
	doomed.MarkCrashed()
	f.engine.FailNextSpawns(100)

	f.setClock(doomed.LastCrashAt().Add(time.Hour))
	f.sup.TickPool(context.Background(), p) // attempt 1 fails

	crashed := p.Replicas()[2] // the failed replacement, appended last
	require.Equal(t, models.StateCrashed, crashed.State())
	f.setClock(crashed.LastCrashAt().Add(time.Hour))
	f.sup.TickPool(context.Background(), p) // ceiling: give up

	healthy := p.HealthyCages()
	assert.Len(t, healthy, 2, "pool runs under-replicated, survivors keep serving")
	for _, c := range healthy {
		assert.Equal(t, models.StateRunning, c.State())
	}
}

func TestTickPool_ProbeFailureMarksCrashed(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.deploy(t, "site-1", 1)
	c := p.Replicas()[0]

	f.engine.LastInstance().SetUnhealthy()
	f.setClock(time.Now())
	f.sup.TickPool(context.Background(), p)

	assert.Equal(t, models.StateCrashed, c.State())
	assert.Empty(t, p.HealthyCages())

	crashes := f.notifier.byType(models.EventCageCrashed)
	require.Len(t, crashes, 1)
	assert.Equal(t, c.ID(), crashes[0].Cage)
}

func TestTickPool_ReplenishesToTarget(t *testing.T) {
	f := newFixture(t, Config{})
	p := pool.New("site-1", cage.Config{Module: []byte("m")}, 3)
	p.SpawnReplica(context.Background(), f.engine, 0)

	f.setClock(time.Now())
	f.sup.TickPool(context.Background(), p)

	assert.Equal(t, 3, p.Len())
	assert.Len(t, p.HealthyCages(), 3)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 5 * time.Millisecond})
	f.deploy(t, "site-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sup.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancellation")
	}
}
