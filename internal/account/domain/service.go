package domain

import (
	"context"
	"errors"
	"time"
)

// SyncState is the coordinator's position in a cycle.
type SyncState string

const (
	SyncStateIdle           SyncState = "idle"
	SyncStateAuthenticating SyncState = "authenticating"
	SyncStateFetching       SyncState = "fetching"
	SyncStateNormalizing    SyncState = "normalizing"
	SyncStateAggregating    SyncState = "aggregating"
	SyncStatePublished      SyncState = "published"
	SyncStateFailed         SyncState = "failed"
)

// EventType names a notification delivered to subscribers.
type EventType string

const (
	EventSnapshotUpdated EventType = "snapshot_updated"
	EventAuthFailed      EventType = "auth_failed"
	EventCycleFailed     EventType = "cycle_failed"
)

// Event is a notification about a finished cycle.
type Event struct {
	Type    EventType `json:"type"`
	CycleID string    `json:"cycle_id"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

// Status describes the coordinator for consumers.
type Status struct {
	State           SyncState  `json:"state"`
	ReauthRequired  bool       `json:"reauth_required"`
	LastCycleID     string     `json:"last_cycle_id,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	RefreshInterval string     `json:"refresh_interval"`
}

// Service is the consumer boundary of the sync core.
type Service interface {
	Snapshot() *Snapshot
	Refresh()
	RunOnce(context.Context) error
	Status() Status
	Subscribe(ctx context.Context, buffer int) (<-chan Event, func())
	UpdateCredentials(email, secret string) error
}

var (
	ErrNoSnapshot         = errors.New("no_snapshot")
	ErrPropertyNotFound   = errors.New("property_not_found")
	ErrCycleInProgress    = errors.New("cycle_in_progress")
	ErrInvalidCredentials = errors.New("invalid_credentials")
)
