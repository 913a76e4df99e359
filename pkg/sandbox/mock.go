package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockEngine is a scriptable in-process engine for tests and local runs.
// By default every spawn succeeds and every execute echoes the request.
type MockEngine struct {
	mu sync.Mutex

	// FailSpawns makes the next N spawns fail.
	failSpawns int
	// ExecDelay is slept inside Execute, to exercise cpu timeouts.
	execDelay time.Duration

	instances []*MockInstance
	spawned   atomic.Int64
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (e *MockEngine) FailNextSpawns(n int) {
	e.mu.Lock()
	e.failSpawns = n
	e.mu.Unlock()
}

func (e *MockEngine) SetExecDelay(d time.Duration) {
	e.mu.Lock()
	e.execDelay = d
	e.mu.Unlock()
}

func (e *MockEngine) SpawnedCount() int64 {
	return e.spawned.Load()
}

// Instances returns every instance handed out so far, in spawn order,
// so tests can script faults on cages that hide their instance.
func (e *MockEngine) Instances() []*MockInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MockInstance, len(e.instances))
	copy(out, e.instances)
	return out
}

func (e *MockEngine) LastInstance() *MockInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.instances) == 0 {
		return nil
	}
	return e.instances[len(e.instances)-1]
}

func (e *MockEngine) Spawn(ctx context.Context, site string, module []byte, limits Limits) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	e.mu.Lock()
	if e.failSpawns > 0 {
		e.failSpawns--
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: scripted failure", ErrSpawnFailure)
	}
	delay := e.execDelay
	e.mu.Unlock()

	e.spawned.Add(1)
	inst := newMockInstance(site)
	inst.delay = delay

	e.mu.Lock()
	e.instances = append(e.instances, inst)
	e.mu.Unlock()
	return inst, nil
}

type MockInstance struct {
	site  string
	delay time.Duration

	healthy    atomic.Bool
	terminated atomic.Bool
	faultNext  atomic.Bool
}

func newMockInstance(site string) *MockInstance {
	inst := &MockInstance{site: site}
	inst.healthy.Store(true)
	return inst
}

// InjectFault makes the next Execute return ErrFault.
func (i *MockInstance) InjectFault() {
	i.faultNext.Store(true)
}

// SetUnhealthy makes subsequent probes fail.
func (i *MockInstance) SetUnhealthy() {
	i.healthy.Store(false)
}

func (i *MockInstance) Probe(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if i.terminated.Load() {
		return false, ErrFault
	}
	return i.healthy.Load(), nil
}

func (i *MockInstance) Execute(ctx context.Context, req Request) (Response, error) {
	if i.terminated.Load() {
		return Response{}, ErrFault
	}
	if i.faultNext.CompareAndSwap(true, false) {
		return Response{}, fmt.Errorf("%w: injected", ErrFault)
	}
	if i.delay > 0 {
		select {
		case <-time.After(i.delay):
		case <-ctx.Done():
			return Response{}, fmt.Errorf("%w: %v", ErrFault, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrFault, err)
	}
	return Response{Status: 200, Body: req.Body}, nil
}

func (i *MockInstance) Terminate(ctx context.Context) error {
	i.terminated.Store(true)
	i.healthy.Store(false)
	return nil
}
