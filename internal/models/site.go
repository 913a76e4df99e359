package models

import "time"

type SiteID string

func (s SiteID) String() string {
	return string(s)
}

type CageID string

func (c CageID) String() string {
	return string(c)
}

type CageState int8

const (
	StateUnknown CageState = iota
	StateInitializing
	StateRunning
	StateCrashed
	StateTerminating
	StateTerminated
)

func (s CageState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

type CageMetrics struct {
	LiveRequests  int64         `json:"live_requests"`
	TotalRequests uint64        `json:"total_requests"`
	LastLatency   time.Duration `json:"last_latency"`
	StartedAt     time.Time     `json:"started_at"`
}

type CageInfo struct {
	ID              CageID      `json:"cage_id"`
	State           CageState   `json:"-"`
	StateName       string      `json:"state"`
	RespawnAttempts uint32      `json:"respawn_attempts"`
	Metrics         CageMetrics `json:"metrics"`
}

type PoolSnapshot struct {
	SiteID         SiteID     `json:"site_id"`
	Replicas       []CageInfo `json:"replicas"`
	TargetReplicas int        `json:"target_replica_count"`
	HealthyCount   int        `json:"healthy_count"`
	CrashedCount   int        `json:"crashed_count"`
}
