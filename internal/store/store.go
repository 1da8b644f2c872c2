// Package store defines the durable persistence contract behind the hub:
// append-only history, a pending-message queue per instance, and
// ready-to-run locking with single-turn semantics per instance.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/durahub/durahub/internal/orchestration"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// OrchestrationWorkItem is one locked orchestration turn. State carries
// the committed history; NewMessages are the inbound messages (already
// filtered for this execution) that triggered the turn. Receipts are
// the store's delete handles for those messages, index-aligned with
// NewMessages.
type OrchestrationWorkItem struct {
	InstanceID  string
	LockToken   string
	LockedUntil time.Time
	State       *orchestration.RuntimeState
	NewMessages []*v1.TaskMessage
	Receipts    []string
}

// ActivityWorkItem is one locked activity invocation.
type ActivityWorkItem struct {
	SequenceNumber int64
	InstanceID     string
	ExecutionID    string
	LockToken      string
	// Event is the TaskScheduled event; its EventID is the task ID.
	Event *v1.HistoryEvent
}

// Store is the durable backend contract. All blocking operations honor
// ctx and return ctx.Err() on cancellation. Implementations must
// guarantee at most one outstanding orchestration lock per instance.
type Store interface {
	// CreateInstance atomically registers a new instance from an
	// ExecutionStarted message. When an existing record's status is in
	// dedupeStatuses (default PENDING and RUNNING when empty), it fails
	// with v1.ErrDuplicateInstance. A terminal existing record is
	// overwritten.
	CreateInstance(ctx context.Context, msg *v1.TaskMessage, dedupeStatuses []v1.OrchestrationStatus) error

	// AppendMessage delivers a message to the instance it addresses.
	// A non-nil visibleAt defers delivery until that instant. Messages
	// for a terminal instance are dropped (except purged history: an
	// ExecutionStarted for an unknown instance auto-creates it; any
	// other message for an unknown instance is dropped).
	AppendMessage(ctx context.Context, msg *v1.TaskMessage, visibleAt *time.Time) error

	// LockNextOrchestration blocks until an instance is ready to run,
	// then locks it and returns its turn.
	LockNextOrchestration(ctx context.Context) (*OrchestrationWorkItem, error)

	// LockNextActivities blocks until at least one activity invocation
	// is ready, then locks up to max of them in one call.
	LockNextActivities(ctx context.Context, max int) ([]*ActivityWorkItem, error)

	// RenewOrchestrationLock extends the lock of an in-flight turn.
	RenewOrchestrationLock(ctx context.Context, wi *OrchestrationWorkItem) error

	// ReleaseOrchestrationLock returns the instance to idle without
	// committing. It is safe to call after Complete/Abandon; the
	// instance re-enters ready-to-run if messages arrived meanwhile.
	ReleaseOrchestrationLock(ctx context.Context, wi *OrchestrationWorkItem) error

	// CompleteOrchestration atomically commits a turn: persists the
	// state's new events, deletes the consumed messages, enqueues the
	// state's pending tasks, timers, and outbound messages, updates the
	// status row, and clears the lock.
	CompleteOrchestration(ctx context.Context, wi *OrchestrationWorkItem) error

	// AbandonOrchestration returns the turn's messages to the queue so
	// the work item is redelivered. delay defers redelivery.
	AbandonOrchestration(ctx context.Context, wi *OrchestrationWorkItem, delay time.Duration) error

	// CompleteActivity persists the activity's response as an inbound
	// message for its orchestration and deletes the invocation.
	CompleteActivity(ctx context.Context, wi *ActivityWorkItem, response *v1.TaskMessage) error

	// AbandonActivity returns the invocation to the queue. delay defers
	// redelivery.
	AbandonActivity(ctx context.Context, wi *ActivityWorkItem, delay time.Duration) error

	// GetMetadata returns the status row, or v1.ErrNotFound.
	GetMetadata(ctx context.Context, instanceID string) (*v1.OrchestrationMetadata, error)

	// GetHistory returns the committed history in order.
	GetHistory(ctx context.Context, instanceID string) ([]*v1.HistoryEvent, error)

	// Query pages through status rows matching the filter.
	Query(ctx context.Context, req *v1.QueryRequest) (*v1.QueryResponse, error)

	// Purge deletes the state of a terminal instance. Purging a running
	// instance fails with v1.ErrInvalidArgument.
	Purge(ctx context.Context, instanceID string) error

	// PurgeBy deletes terminal instances matching the filter and
	// reports how many were removed.
	PurgeBy(ctx context.Context, filter *v1.QueryFilter) (int, error)

	// WaitForStatus blocks until the instance reaches one of the given
	// statuses (any terminal status when statuses is empty), then
	// returns its metadata.
	WaitForStatus(ctx context.Context, instanceID string, statuses []v1.OrchestrationStatus) (*v1.OrchestrationMetadata, error)

	// Close releases store resources. Blocked Lock* calls return.
	Close() error
}

// Deliverer hands a persisted message to a live dispatcher for the
// instance, if one is registered. Reports whether the message was
// accepted; an undelivered message stays queued and triggers the next
// turn.
type Deliverer interface {
	Deliver(instanceID string, msg *v1.WorkMessage) bool
}

// DelivererSetter is implemented by stores that push newly persisted
// messages for a locked instance into its live session.
type DelivererSetter interface {
	SetDeliverer(d Deliverer)
}

// ErrLockLost is returned when completing or renewing a work item whose
// lock has expired or been taken over.
var ErrLockLost = errors.New("work item lock lost")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// DefaultDedupeStatuses guard instance creation when the caller passes
// none.
var DefaultDedupeStatuses = []v1.OrchestrationStatus{v1.StatusPending, v1.StatusRunning}

// StatusMatches reports whether status is in set, treating an empty set
// as "any terminal status".
func StatusMatches(status v1.OrchestrationStatus, set []v1.OrchestrationStatus) bool {
	if len(set) == 0 {
		return status.IsTerminal()
	}
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
