package models

import "time"

type PoolEventType int8

const (
	EventUnknown PoolEventType = iota
	EventSiteDeployed
	EventSiteUndeployed
	EventCageCrashed
	EventCageRespawned
	EventRespawnExhausted
	EventRolloutCompleted
	EventRolloutAborted
)

func (t PoolEventType) String() string {
	switch t {
	case EventSiteDeployed:
		return "site-deployed"
	case EventSiteUndeployed:
		return "site-undeployed"
	case EventCageCrashed:
		return "cage-crashed"
	case EventCageRespawned:
		return "cage-respawned"
	case EventRespawnExhausted:
		return "respawn-exhausted"
	case EventRolloutCompleted:
		return "rollout-completed"
	case EventRolloutAborted:
		return "rollout-aborted"
	}
	return "unknown"
}

// PoolEvent is what the orchestrator tells the outside world about a pool.
type PoolEvent struct {
	Type     PoolEventType `json:"type"`
	Site     SiteID        `json:"site_id"`
	Cage     CageID        `json:"cage_id,omitempty"`
	Attempts uint32        `json:"attempts,omitempty"`
	At       time.Time     `json:"at"`
	Detail   string        `json:"detail,omitempty"`
}

func (t PoolEventType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}
