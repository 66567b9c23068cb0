package scope

import "github.com/zjrosen/scopekit/internal/registry"

// EventKind names the lifecycle transitions a scope can emit.
type EventKind string

const (
	// EventOwnershipRecorded fires when the active scope takes ownership of a key.
	EventOwnershipRecorded EventKind = "ownership-recorded"
	// EventBorrowed fires when a caller resolves a key owned by someone else.
	EventBorrowed EventKind = "borrowed"
	// EventInstallStarted fires when a creator begins an asynchronous install.
	EventInstallStarted EventKind = "install-started"
	// EventInstallSettled fires when an asynchronous install completes, either way.
	EventInstallSettled EventKind = "install-settled"
	// EventTeardownStarted fires when a scope begins disposing its owned keys.
	EventTeardownStarted EventKind = "teardown-started"
	// EventTeardownFinished fires when the reverse-order delete pass completes.
	EventTeardownFinished EventKind = "teardown-finished"
	// EventLateHookFired fires when a straggler install is cleaned up after teardown.
	EventLateHookFired EventKind = "late-hook-fired"
)

// Event is published on the scope broker as lifecycle transitions happen.
type Event struct {
	Kind  EventKind
	Scope ScopeID
	Key   registry.Key
	Err   error
}
