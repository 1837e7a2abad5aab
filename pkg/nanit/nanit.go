// Package nanit provides a public facade re-exporting core types
// for external consumers of this module.
package nanit

import (
	"github.com/trymwestin/nanitd/internal/core/auth"
	"github.com/trymwestin/nanitd/internal/core/poll"
	"github.com/trymwestin/nanitd/internal/core/state"
)

// Re-export core types for external use.
type (
	// Credential holds the access/refresh token pair.
	Credential = auth.Credential
	// Client is the typed Nanit cloud REST client.
	Client = auth.Client
	// TokenManager owns credentials and the login state machine.
	TokenManager = auth.TokenManager
	// SessionStore persists credentials across restarts.
	SessionStore = auth.SessionStore
	// AuthError means credentials were rejected and a re-login is required.
	AuthError = auth.AuthError
	// TransientError wraps transport-level failures.
	TransientError = auth.TransientError
	// InvalidInputError means login credentials or an MFA code were rejected.
	InvalidInputError = auth.InvalidInputError
	// Baby is the per-device snapshot record.
	Baby = state.Baby
	// Snapshot is the complete result of one refresh cycle.
	Snapshot = state.Snapshot
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// EventBus fans out events to subscribers.
	EventBus = state.EventBus
	// SnapshotStore holds the current snapshot.
	SnapshotStore = state.SnapshotStore
	// Coordinator polls the cloud and publishes snapshots.
	Coordinator = poll.Coordinator
)

// Auth state constants.
const (
	StateUnauthenticated = auth.StateUnauthenticated
	StateMFAPending      = auth.StateMFAPending
	StateAuthenticated   = auth.StateAuthenticated
)

// Event type constants.
const (
	EventSnapshotUpdate = state.EventSnapshotUpdate
	EventDeviceOnline   = state.EventDeviceOnline
	EventDeviceOffline  = state.EventDeviceOffline
	EventAuthExpired    = state.EventAuthExpired
	EventRefreshError   = state.EventRefreshError
)
