package deployment

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

func (n *recordingNotifier) types() []models.PoolEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.PoolEventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func TestExecute_ReplacesEveryReplicaOnce(t *testing.T) {
	engine := sandbox.NewMockEngine()
	registry := pool.NewRegistry()
	notifier := &recordingNotifier{}

	p, err := registry.Deploy(context.Background(), engine, "site-1", cage.Config{Module: []byte("v1")}, 3)
	require.NoError(t, err)

	oldIDs := make(map[models.CageID]bool)
	for _, c := range p.Replicas() {
		oldIDs[c.ID()] = true
	}

	r := NewRollout(registry, engine, notifier, time.Millisecond)
	require.NoError(t, r.Execute(context.Background(), "site-1", []byte("v2")))

	replicas := p.Replicas()
	require.Len(t, replicas, 3, "pool stays at target through the rollout")
	for _, c := range replicas {
		assert.False(t, oldIDs[c.ID()], "old cage %s survived the rollout", c.ID())
		assert.Equal(t, models.StateRunning, c.State())
	}
	assert.Equal(t, []byte("v2"), p.Config().Module)
	assert.Contains(t, notifier.types(), models.EventRolloutCompleted)
}

func TestExecute_AbortsOnFailedReplacement(t *testing.T) {
	engine := sandbox.NewMockEngine()
	registry := pool.NewRegistry()
	notifier := &recordingNotifier{}

	p, err := registry.Deploy(context.Background(), engine, "site-1", cage.Config{Module: []byte("v1")}, 3)
	require.NoError(t, err)

	engine.FailNextSpawns(1)
	r := NewRollout(registry, engine, notifier, time.Millisecond)
	err = r.Execute(context.Background(), "site-1", []byte("v2"))

	require.Error(t, err)
	assert.Contains(t, notifier.types(), models.EventRolloutAborted)
	assert.NotContains(t, notifier.types(), models.EventRolloutCompleted)
	assert.Len(t, p.HealthyCages(), 2, "the untouched old replicas keep serving")
}

func TestExecute_UnknownSite(t *testing.T) {
	engine := sandbox.NewMockEngine()
	r := NewRollout(pool.NewRegistry(), engine, &recordingNotifier{}, time.Millisecond)

	err := r.Execute(context.Background(), "ghost", []byte("v2"))

	assert.ErrorIs(t, err, pool.ErrSiteNotFound)
}

func TestExecute_CancelledContextStopsRollout(t *testing.T) {
	engine := sandbox.NewMockEngine()
	registry := pool.NewRegistry()

	_, err := registry.Deploy(context.Background(), engine, "site-1", cage.Config{Module: []byte("v1")}, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRollout(registry, engine, &recordingNotifier{}, time.Millisecond)
	err = r.Execute(ctx, "site-1", []byte("v2"))

	assert.ErrorIs(t, err, context.Canceled)
}
