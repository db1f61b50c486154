package fieldsync

import (
	"encoding/json"
	"sync"
)

// Decision is the resolver's verdict for one divergence. The resolver only
// decides; applying the decision is the executor's job.
type Decision struct {
	Resolution Resolution
	// MergedPayload carries the payload to deliver when Resolution is
	// ResolutionMerge.
	MergedPayload []byte
}

// PolicyFunc maps one conflict to a decision. Implementations must not
// mutate the conflict.
type PolicyFunc func(c *SyncConflict) Decision

// Resolver decides how to resolve divergences, parameterized by action
// kind. Policies for new kinds can be registered without touching the
// dispatch logic.
//
// Default policies: server state is authoritative (RemoteWins) unless a
// more specific rule applies. Location updates and attendance punches keep
// the local version, since the device is the source of truth for position
// and presence. Report submissions weigh content length against
// last-modified timestamps.
type Resolver struct {
	mu       sync.RWMutex
	policies map[ActionKind]PolicyFunc
	fallback PolicyFunc
}

// NewResolver creates a resolver with the default policy table installed.
func NewResolver() *Resolver {
	r := &Resolver{
		policies: make(map[ActionKind]PolicyFunc),
		fallback: func(*SyncConflict) Decision {
			return Decision{Resolution: ResolutionRemoteWins}
		},
	}

	localWins := func(*SyncConflict) Decision {
		return Decision{Resolution: ResolutionLocalWins}
	}
	r.policies[KindUpdateLocation] = localWins
	r.policies[KindClockIn] = localWins
	r.policies[KindClockOut] = localWins
	r.policies[KindSubmitReport] = reportPolicy

	return r
}

// Register installs or replaces the policy for one kind.
func (r *Resolver) Register(kind ActionKind, policy PolicyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[kind] = policy
}

// Resolve returns the decision for a conflict. The conflict is not
// modified.
func (r *Resolver) Resolve(c *SyncConflict) Decision {
	r.mu.RLock()
	policy, ok := r.policies[c.ActionKind]
	r.mu.RUnlock()

	if !ok {
		return r.fallback(c)
	}
	return policy(c)
}

// reportPolicy weighs two signals: content length and last-modified
// timestamps. When the signals agree, or only one of them speaks, the
// preferred side wins. When they point in opposite directions both sides
// hold novel content, so the payloads are merged. When neither signal is
// decisive the conflict needs a human.
func reportPolicy(c *SyncConflict) Decision {
	lengthSignal := compareSignal(int64(len(c.LocalPayload)), int64(len(c.RemotePayload)))

	timeSignal := 0
	if !c.LocalUpdatedAt.IsZero() && !c.RemoteUpdatedAt.IsZero() {
		timeSignal = compareSignal(c.LocalUpdatedAt.UnixNano(), c.RemoteUpdatedAt.UnixNano())
	}

	switch {
	case lengthSignal == 0 && timeSignal == 0:
		return Decision{Resolution: ResolutionManual}
	case lengthSignal == 0:
		return sideDecision(timeSignal)
	case timeSignal == 0 || timeSignal == lengthSignal:
		return sideDecision(lengthSignal)
	}

	merged, ok := mergeJSONObjects(c.RemotePayload, c.LocalPayload)
	if !ok {
		return Decision{Resolution: ResolutionManual}
	}
	return Decision{Resolution: ResolutionMerge, MergedPayload: merged}
}

// compareSignal returns +1 when the local value is larger, -1 when the
// remote value is, and 0 on a tie.
func compareSignal(local, remote int64) int {
	switch {
	case local > remote:
		return 1
	case local < remote:
		return -1
	default:
		return 0
	}
}

func sideDecision(signal int) Decision {
	if signal > 0 {
		return Decision{Resolution: ResolutionLocalWins}
	}
	return Decision{Resolution: ResolutionRemoteWins}
}

// mergeJSONObjects overlays the local object's fields onto the remote
// object. The device's own edits win on colliding keys; fields only the
// server knows are preserved. Payloads that are not JSON objects cannot be
// merged mechanically.
func mergeJSONObjects(remote, local []byte) ([]byte, bool) {
	var base, overlay map[string]any
	if err := json.Unmarshal(remote, &base); err != nil || base == nil {
		return nil, false
	}
	if err := json.Unmarshal(local, &overlay); err != nil || overlay == nil {
		return nil, false
	}

	for k, v := range overlay {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, false
	}
	return merged, true
}
