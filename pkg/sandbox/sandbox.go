// Package sandbox defines the contract consumed from the external
// execution engine. The orchestrator never inspects sandbox internals,
// only the four signals below: spawn, probe, execute, terminate.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFault is the engine's crash signal: execution failed, a resource
	// limit was violated, or the instance is gone.
	ErrFault = errors.New("sandbox fault")

	// ErrSpawnFailure means the engine could not initialize an instance.
	ErrSpawnFailure = errors.New("sandbox spawn failure")
)

// Limits are immutable per instance, fixed at spawn time.
type Limits struct {
	MemoryLimitBytes uint64        `json:"memory_limit_bytes"`
	CPUTimeout       time.Duration `json:"cpu_timeout"`
	MaxConcurrent    int64         `json:"max_concurrent_requests"`
	AllowFilesystem  bool          `json:"allow_filesystem"`
	AllowNetwork     bool          `json:"allow_network"`
}

func DefaultLimits() Limits {
	return Limits{
		MemoryLimitBytes: 128 << 20,
		CPUTimeout:       time.Second,
		MaxConcurrent:    100,
		AllowFilesystem:  false,
		AllowNetwork:     false,
	}
}

func (l Limits) Validate() error {
	if l.MemoryLimitBytes < 1<<20 {
		return fmt.Errorf("memory limit must be at least 1MiB, got %d", l.MemoryLimitBytes)
	}
	if l.CPUTimeout <= 0 {
		return fmt.Errorf("cpu timeout must be positive, got %s", l.CPUTimeout)
	}
	if l.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent requests must be positive, got %d", l.MaxConcurrent)
	}
	return nil
}

type Request struct {
	Method string
	Path   string
	Body   []byte
}

type Response struct {
	Status int
	Body   []byte
}

// Engine spawns isolated instances of a site's module artifact.
type Engine interface {
	Spawn(ctx context.Context, site string, module []byte, limits Limits) (Instance, error)
}

// Instance is one live sandbox. All calls are bounded by the caller's
// context; Terminate is idempotent.
type Instance interface {
	Probe(ctx context.Context) (bool, error)
	Execute(ctx context.Context, req Request) (Response, error)
	Terminate(ctx context.Context) error
}
