package fieldsync

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies the operation a queued action performs. The set is
// closed from the engine's point of view; hosts route each kind to a remote
// executor through the ExecutorRegistry.
type ActionKind string

const (
	KindClockIn        ActionKind = "clock-in"
	KindClockOut       ActionKind = "clock-out"
	KindSubmitReport   ActionKind = "submit-report"
	KindUpdateLocation ActionKind = "update-location"
	KindUploadMedia    ActionKind = "upload-media"
	KindSendMessage    ActionKind = "send-message"
)

// KnownKind reports whether kind belongs to the closed kind set.
func KnownKind(kind ActionKind) bool {
	switch kind {
	case KindClockIn, KindClockOut, KindSubmitReport, KindUpdateLocation, KindUploadMedia, KindSendMessage:
		return true
	default:
		return false
	}
}

// Priority orders delivery within a sync pass. Lower values are delivered
// first; Critical actions additionally attempt immediate out-of-band
// delivery at enqueue time when the device is online.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// MaxRetries returns the retry budget derived from the priority. The budget
// is fixed on the action at enqueue time and never recomputed.
func (p Priority) MaxRetries() int {
	switch p {
	case PriorityCritical:
		return 8
	case PriorityHigh:
		return 5
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// ActionStatus is the lifecycle state of a queued action. Actions are
// created pending and exit to exactly one of the other states, always with
// a recorded reason.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusSynced     ActionStatus = "synced"
	StatusFailed     ActionStatus = "failed"
	StatusConflicted ActionStatus = "conflicted"
)

// QueuedAction is a durable record of one user-initiated mutation awaiting
// delivery to the remote system.
type QueuedAction struct {
	// ID is globally unique, assigned at enqueue time, immutable.
	ID string `json:"id"`

	// Kind identifies the operation and selects the remote executor.
	Kind ActionKind `json:"kind"`

	// Payload holds the operation arguments. In memory it is plaintext;
	// at rest it is snappy-compressed and AES-GCM encrypted. It is never
	// serialized onto the observability surface.
	Payload []byte `json:"-"`

	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// RetryCount increments on each failed delivery attempt. MaxRetries is
	// derived from Priority at enqueue time.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// DependsOn lists action ids that must reach synced state before this
	// action may be attempted. Order is preserved from enqueue.
	DependsOn []string `json:"depends_on,omitempty"`

	// Checksum is a hex SHA-256 digest of the plaintext payload, verified
	// after every decrypt.
	Checksum string `json:"checksum"`

	// OwnerID and DeviceID attribute the action for conflict policy.
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id"`

	Status       ActionStatus `json:"status"`
	StatusReason string       `json:"status_reason,omitempty"`

	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`

	// NextAttemptAt is the earliest time the action may be re-attempted
	// after a transient failure. Zero means due immediately.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	SyncedAt time.Time `json:"synced_at,omitempty"`
}

// NewQueuedAction builds a pending action with a fresh id, the retry budget
// for its priority, and deduplicated dependencies in their given order. The
// checksum is set by the store when the payload is persisted.
func NewQueuedAction(kind ActionKind, payload []byte, priority Priority, dependsOn []string) *QueuedAction {
	deps := make([]string, 0, len(dependsOn))
	seen := make(map[string]struct{}, len(dependsOn))
	for _, id := range dependsOn {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		deps = append(deps, id)
	}

	return &QueuedAction{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: priority.MaxRetries(),
		DependsOn:  deps,
		Status:     StatusPending,
	}
}

// RetriesExhausted reports whether the action has used its full retry budget.
func (a *QueuedAction) RetriesExhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

// Due reports whether the action's backoff delay has elapsed at now.
func (a *QueuedAction) Due(now time.Time) bool {
	return a.NextAttemptAt.IsZero() || !a.NextAttemptAt.After(now)
}

// ConflictClass categorizes how the remote state diverged from what the
// queued action assumed.
type ConflictClass string

const (
	// ClassConcurrentUpdate means another writer changed the target record.
	ClassConcurrentUpdate ConflictClass = "concurrent-update"
	// ClassUpdateOfDeleted means the target record no longer exists remotely.
	ClassUpdateOfDeleted ConflictClass = "update-of-deleted"
	// ClassStaleDependency means a prerequisite of the action is no longer
	// deliverable.
	ClassStaleDependency ConflictClass = "stale-dependency"
)

// Resolution is the outcome the conflict resolver selects for a divergence.
type Resolution string

const (
	// ResolutionLocalWins re-delivers the local payload over remote state.
	ResolutionLocalWins Resolution = "local-wins"
	// ResolutionRemoteWins accepts the remote state and discards the local
	// change.
	ResolutionRemoteWins Resolution = "remote-wins"
	// ResolutionMerge delivers a payload combining both sides.
	ResolutionMerge Resolution = "merge"
	// ResolutionManual parks the conflict for a human decision.
	ResolutionManual Resolution = "manual"
)

// SyncConflict records a divergence between a queued action and remote
// state. It is created unresolved and becomes resolved when a resolution
// other than Manual is applied, or when a human decision is recorded.
type SyncConflict struct {
	ID         string     `json:"id"`
	ActionID   string     `json:"action_id"`
	ActionKind ActionKind `json:"action_kind"`

	LocalPayload  []byte `json:"-"`
	RemotePayload []byte `json:"-"`

	Class      ConflictClass `json:"class"`
	Resolution Resolution    `json:"resolution,omitempty"`

	LocalUpdatedAt  time.Time `json:"local_updated_at,omitempty"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// NewSyncConflict builds an unresolved conflict for the given action.
func NewSyncConflict(action *QueuedAction, class ConflictClass, remotePayload []byte, remoteUpdatedAt time.Time) *SyncConflict {
	return &SyncConflict{
		ID:              uuid.New().String(),
		ActionID:        action.ID,
		ActionKind:      action.Kind,
		LocalPayload:    action.Payload,
		RemotePayload:   remotePayload,
		Class:           class,
		LocalUpdatedAt:  action.EnqueuedAt,
		RemoteUpdatedAt: remoteUpdatedAt,
		DetectedAt:      time.Now().UTC(),
	}
}

// Resolved reports whether a resolution has been recorded. Manual conflicts
// stay unresolved until a human decision is applied.
func (c *SyncConflict) Resolved() bool {
	return c.Resolution != "" && c.Resolution != ResolutionManual
}

// SyncStrategy tags a cache category with its refresh urgency. The
// coordinator refreshes Immediate categories first after reconnecting and
// Background categories last.
type SyncStrategy string

const (
	SyncImmediate  SyncStrategy = "immediate"
	SyncBatch      SyncStrategy = "batch"
	SyncLazy       SyncStrategy = "lazy"
	SyncBackground SyncStrategy = "background"
)

// refreshRank orders strategies by urgency for the post-reconnect refresh.
func (s SyncStrategy) refreshRank() int {
	switch s {
	case SyncImmediate:
		return 0
	case SyncBatch:
		return 1
	case SyncLazy:
		return 2
	case SyncBackground:
		return 3
	default:
		return 4
	}
}

// CacheEntry is one piece of downloaded reference data. Its lifecycle is
// independent of the action queue.
type CacheEntry struct {
	Key       string        `json:"key"`
	Category  string        `json:"category"`
	Payload   []byte        `json:"-"`
	StoredAt  time.Time     `json:"stored_at"`
	TTL       time.Duration `json:"ttl"`
	SizeBytes int64         `json:"size_bytes"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.StoredAt) > e.TTL
}
