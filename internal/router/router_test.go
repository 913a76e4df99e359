package router

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

func newTestPool(t *testing.T, engine *sandbox.MockEngine, site models.SiteID, replicas int) *pool.Pool {
	t.Helper()
	p := pool.New(site, cage.Config{Module: []byte("m")}, replicas)
	for range replicas {
		c := p.SpawnReplica(context.Background(), engine, 0)
		require.Equal(t, models.StateRunning, c.State())
	}
	return p
}

func TestSelect_EmptyPool(t *testing.T) {
	p := pool.New("site-1", cage.Config{}, 3)
	r := New(RoundRobin)

	_, err := r.Select(p)

	assert.ErrorIs(t, err, ErrNoHealthyReplica)
}

func TestSelect_RoundRobinDistributesEvenly(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 3)
	r := New(RoundRobin)

	counts := make(map[models.CageID]int)
	for range 300 {
		c, err := r.Select(p)
		require.NoError(t, err)
		counts[c.ID()]++
	}

	require.Len(t, counts, 3)
	for id, n := range counts {
		assert.Equal(t, 100, n, "cage %s", id)
	}
}

func TestSelect_RoundRobinCyclesInPoolOrder(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 3)
	replicas := p.Replicas()
	r := New(RoundRobin)

	for i := range 6 {
		c, err := r.Select(p)
		require.NoError(t, err)
		assert.Equal(t, replicas[i%3].ID(), c.ID())
	}
}

func TestSelect_RoundRobinCursorIsPerSite(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p1 := newTestPool(t, engine, "site-1", 2)
	p2 := newTestPool(t, engine, "site-2", 2)
	r := New(RoundRobin)

	a, err := r.Select(p1)
	require.NoError(t, err)
	b, err := r.Select(p2)
	require.NoError(t, err)

	assert.Equal(t, p1.Replicas()[0].ID(), a.ID())
	assert.Equal(t, p2.Replicas()[0].ID(), b.ID(), "selections on one site do not advance another site's cursor")
}

func TestSelect_SkipsCrashedReplica(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 3)
	crashed := p.Replicas()[1]
	crashed.MarkCrashed()
	r := New(RoundRobin)

	for range 20 {
		c, err := r.Select(p)
		require.NoError(t, err)
		assert.NotEqual(t, crashed.ID(), c.ID())
		assert.Equal(t, models.StateRunning, c.State())
	}
}

func TestSelect_LeastConnectedPicksIdleReplica(t *testing.T) {
	engine := sandbox.NewMockEngine()
	engine.SetExecDelay(150 * time.Millisecond)
	p := newTestPool(t, engine, "site-1", 3)
	replicas := p.Replicas()
	r := New(LeastConnected)

	// Occupy the first two replicas with in-flight requests.
	var wg sync.WaitGroup
	for _, busy := range replicas[:2] {
		wg.Add(1)
		go func(c *cage.Cage) {
			defer wg.Done()
			_, _ = c.Execute(context.Background(), sandbox.Request{})
		}(busy)
	}
	require.Eventually(t, func() bool {
		return replicas[0].LiveRequests() == 1 && replicas[1].LiveRequests() == 1
	}, time.Second, 5*time.Millisecond)

	c, err := r.Select(p)
	require.NoError(t, err)
	assert.Equal(t, replicas[2].ID(), c.ID())

	wg.Wait()
}

func TestSelect_LeastConnectedTieGoesToEarliestSpawned(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 3)
	r := New(LeastConnected)

	c, err := r.Select(p)
	require.NoError(t, err)
	assert.Equal(t, p.Replicas()[0].ID(), c.ID())
}

func TestSelect_ConcurrentSelectionNeverReturnsCrashedCage(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 5)
	crashed := p.Replicas()[2]
	crashed.MarkCrashed()
	r := New(RoundRobin)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				c, err := r.Select(p)
				if err != nil {
					assert.ErrorIs(t, err, ErrNoHealthyReplica)
					continue
				}
				assert.NotEqual(t, crashed.ID(), c.ID())
			}
		}()
	}
	wg.Wait()
}

func TestDispatch_ExecutesOnSelectedCage(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 2)
	r := New(RoundRobin)

	resp, err := r.Dispatch(context.Background(), p, sandbox.Request{Method: "GET", Path: "/", Body: []byte("ping")})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("ping"), resp.Body)
}

func TestDispatch_FaultIsRetriableNoHealthyReplica(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 1)
	r := New(RoundRobin)

	engine.LastInstance().InjectFault()

	_, err := r.Dispatch(context.Background(), p, sandbox.Request{})
	assert.ErrorIs(t, err, ErrNoHealthyReplica)
	assert.Equal(t, models.StateCrashed, p.Replicas()[0].State(), "the fault crashed the cage; the error stays retriable")
}

func TestDispatch_AnomalyGateRejectsBeforeSelection(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 2)
	r := New(RoundRobin, WithAnomalyGate(scorerFunc(func(sandbox.Request) float64 { return 0.99 }), 0.9))

	_, err := r.Dispatch(context.Background(), p, sandbox.Request{})

	assert.ErrorIs(t, err, ErrRequestRejected)
	for _, c := range p.Replicas() {
		assert.Equal(t, uint64(0), c.Metrics().TotalRequests, "rejected requests never reach a cage")
	}
}

func TestDispatch_AnomalyGateBelowThresholdPasses(t *testing.T) {
	engine := sandbox.NewMockEngine()
	p := newTestPool(t, engine, "site-1", 1)
	r := New(RoundRobin, WithAnomalyGate(scorerFunc(func(sandbox.Request) float64 { return 0.5 }), 0.9))

	_, err := r.Dispatch(context.Background(), p, sandbox.Request{})

	assert.NoError(t, err)
}

type scorerFunc func(req sandbox.Request) float64

func (f scorerFunc) Score(req sandbox.Request) float64 {
	return f(req)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("least-connected")
	require.NoError(t, err)
	assert.Equal(t, LeastConnected, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, s)

	_, err = ParseStrategy("weighted")
	assert.Error(t, err)
}
