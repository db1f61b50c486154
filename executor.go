package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Ack is the remote system's acknowledgment of one delivered action.
type Ack struct {
	// RemoteID is the server-side identifier assigned to the applied
	// mutation, when the server reports one.
	RemoteID string `json:"remote_id,omitempty"`
	// Timestamp is the server-side apply time.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RemoteExecutor delivers one action to the remote system. The action
// arrives with its plaintext payload. Implementations must be idempotent
// per action id: retries and conflict re-attempts may resend the same
// action.
//
// Delivery failures are classified by error type: a *Divergence routes the
// action to conflict resolution, a transient error (see IsTransient)
// schedules a retry with backoff, and anything else fails the action
// permanently.
type RemoteExecutor interface {
	Execute(ctx context.Context, action *QueuedAction) (*Ack, error)
}

// ExecutorRegistry routes actions to remote executors by kind.
type ExecutorRegistry struct {
	executors map[ActionKind]RemoteExecutor
	fallback  RemoteExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[ActionKind]RemoteExecutor)}
}

// Register routes one kind to an executor, replacing any previous route.
func (r *ExecutorRegistry) Register(kind ActionKind, exec RemoteExecutor) {
	r.executors[kind] = exec
}

// SetDefault installs the executor used for kinds without an explicit
// route.
func (r *ExecutorRegistry) SetDefault(exec RemoteExecutor) {
	r.fallback = exec
}

func (r *ExecutorRegistry) executorFor(kind ActionKind) (RemoteExecutor, error) {
	if exec, ok := r.executors[kind]; ok {
		return exec, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor for kind %q: %w", kind, ErrUnknownKind)
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	// Skipped is set when the pass did not run at all, with SkipReason
	// saying why (offline, or another pass already in flight).
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`

	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
	// Deferred counts actions left pending because a dependency could not
	// be delivered this pass.
	Deferred int `json:"deferred"`

	Errors     []string `json:"errors,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// SyncExecutor replays scheduled batches of pending actions against the
// registered remote executors, applying retry backoff and conflict
// resolution outcomes to the store.
type SyncExecutor struct {
	store    *ActionStore
	registry *ExecutorRegistry
	resolver *Resolver
	config   SyncConfig
	hub      *EventHub
}

// NewSyncExecutor wires an executor to its collaborators.
func NewSyncExecutor(store *ActionStore, registry *ExecutorRegistry, resolver *Resolver, config SyncConfig) *SyncExecutor {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	return &SyncExecutor{
		store:    store,
		registry: registry,
		resolver: resolver,
		config:   config,
	}
}

// SetEventHub turns on per-action event publication.
func (e *SyncExecutor) SetEventHub(hub *EventHub) {
	e.hub = hub
}

func (e *SyncExecutor) publish(event SyncEvent) {
	if e.hub != nil {
		e.hub.Publish(event)
	}
}

// RunPass replays every due pending action in scheduler order, one batch
// at a time. A batch runs to completion once started; the boundary between
// batches is the only cancellation point. Actions deferred behind an
// unavailable dependency are skipped past rather than ending the pass, so
// younger deliverable work queued behind them still runs. The pass aborts
// on a dependency cycle or an unavailable store; a single damaged action
// does not abort anything.
func (e *SyncExecutor) RunPass(ctx context.Context) *SyncResult {
	result := &SyncResult{}
	start := time.Now()
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	// Actions found undeliverable this pass. Listing around them keeps one
	// backed-off dependency from hiding deliverable work beyond the batch
	// horizon.
	skipped := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, fmt.Sprintf("pass interrupted: %v", ctx.Err()))
			return result
		default:
		}

		// Actions are listed in enqueue order so a dependency is never
		// stranded behind its dependent at a batch boundary; the scheduler
		// applies priority within the batch.
		listed, err := e.store.ListPending(ctx, e.config.BatchSize+len(skipped), OrderByEnqueue)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}
		batch := make([]*QueuedAction, 0, e.config.BatchSize)
		for _, action := range listed {
			if skipped[action.ID] {
				continue
			}
			batch = append(batch, action)
			if len(batch) == e.config.BatchSize {
				break
			}
		}
		if len(batch) == 0 {
			return result
		}

		schedule, err := e.orderBatch(ctx, batch)
		if err != nil {
			// A cycle means the stored graph violates the enqueue-time
			// check. Report it and abort rather than deliver a partial
			// order.
			slog.Error("scheduling failed, aborting pass", "err", err)
			result.Errors = append(result.Errors, err.Error())
			return result
		}

		for _, action := range schedule.Stale {
			if !e.parkStale(ctx, action, result) {
				skipped[action.ID] = true
			}
		}

		if len(schedule.Ready) == 0 {
			for _, action := range schedule.Deferred {
				skipped[action.ID] = true
			}
			result.Deferred += len(schedule.Deferred)
			continue
		}

		for _, action := range schedule.Ready {
			if err := e.deliver(ctx, action, result); err != nil {
				result.Errors = append(result.Errors, err.Error())
				return result
			}
		}
	}
}

// RunOne attempts immediate delivery of a single pending action, outside
// any full pass. The attempt is skipped unless every dependency has
// already synced.
func (e *SyncExecutor) RunOne(ctx context.Context, id string) (*SyncResult, error) {
	result := &SyncResult{}
	start := time.Now()
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	action, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != StatusPending {
		result.Skipped = true
		result.SkipReason = fmt.Sprintf("action is %s", action.Status)
		return result, nil
	}

	if len(action.DependsOn) > 0 {
		statuses, err := e.store.StatusOf(ctx, action.DependsOn)
		if err != nil {
			return nil, err
		}
		for _, dep := range action.DependsOn {
			if st, ok := statuses[dep]; ok && st != StatusSynced {
				result.Skipped = true
				result.SkipReason = fmt.Sprintf("dependency %s is %s", dep, st)
				return result, nil
			}
		}
	}

	if err := e.deliver(ctx, action, result); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	return result, nil
}

// orderBatch resolves out-of-batch dependency statuses and hands the batch
// to the scheduler.
func (e *SyncExecutor) orderBatch(ctx context.Context, batch []*QueuedAction) (*Schedule, error) {
	inBatch := make(map[string]bool, len(batch))
	for _, a := range batch {
		inBatch[a.ID] = true
	}

	var externalIDs []string
	for _, a := range batch {
		for _, dep := range a.DependsOn {
			if !inBatch[dep] {
				externalIDs = append(externalIDs, dep)
			}
		}
	}

	external := map[string]ActionStatus{}
	if len(externalIDs) > 0 {
		var err error
		external, err = e.store.StatusOf(ctx, externalIDs)
		if err != nil {
			return nil, err
		}
	}

	return OrderActions(batch, external)
}

// deliver runs one action through decrypt, verify, dispatch, and outcome
// handling. The returned error is non-nil only for failures that must
// abort the pass; per-action failures are recorded in result and isolated.
func (e *SyncExecutor) deliver(ctx context.Context, action *QueuedAction, result *SyncResult) error {
	payload, err := e.store.LoadPayload(ctx, action.ID)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			// Quarantined by the store; the rest of the batch proceeds.
			slog.Warn("action failed integrity check, quarantined", "action", action.ID, "err", err)
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			e.publish(SyncEvent{Type: EventActionFailed, ActionID: action.ID, Kind: action.Kind, Detail: err.Error()})
			return nil
		}
		return err
	}
	action.Payload = payload

	exec, err := e.registry.executorFor(action.Kind)
	if err != nil {
		if merr := e.store.MarkFailed(ctx, action.ID, err.Error()); merr != nil {
			return merr
		}
		result.Failed++
		result.Errors = append(result.Errors, err.Error())
		e.publish(SyncEvent{Type: EventActionFailed, ActionID: action.ID, Kind: action.Kind, Detail: err.Error()})
		return nil
	}

	ack, err := exec.Execute(ctx, action)
	div, diverged := AsDivergence(err)
	switch {
	case err == nil:
		if merr := e.store.MarkSynced(ctx, action.ID); merr != nil {
			return merr
		}
		slog.Debug("action synced", "action", action.ID, "kind", action.Kind, "remote_id", ackRemoteID(ack))
		result.Successful++
		e.publish(SyncEvent{Type: EventActionSynced, ActionID: action.ID, Kind: action.Kind})
		return nil

	case diverged:
		return e.resolveDivergence(ctx, exec, action, div, result)

	case IsTransient(err):
		return e.retryOrFail(ctx, action, err, result)

	default:
		// Permanent rejection: retrying cannot change the answer.
		reason := fmt.Sprintf("permanent failure: %v", err)
		if merr := e.store.MarkFailed(ctx, action.ID, reason); merr != nil {
			return merr
		}
		slog.Warn("action failed permanently", "action", action.ID, "kind", action.Kind, "err", err)
		result.Failed++
		result.Errors = append(result.Errors, reason)
		e.publish(SyncEvent{Type: EventActionFailed, ActionID: action.ID, Kind: action.Kind, Detail: reason})
		return nil
	}
}

// retryOrFail records the failed attempt and either schedules the next one
// with exponential backoff or, once the budget is spent, fails the action.
func (e *SyncExecutor) retryOrFail(ctx context.Context, action *QueuedAction, cause error, result *SyncResult) error {
	delay := e.backoffDelay(action.RetryCount)
	if err := e.store.IncrementRetry(ctx, action.ID, time.Now().Add(delay)); err != nil {
		return err
	}
	action.RetryCount++

	if action.RetriesExhausted() {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %v", action.RetryCount, cause)
		if err := e.store.MarkFailed(ctx, action.ID, reason); err != nil {
			return err
		}
		slog.Warn("action failed after retry exhaustion", "action", action.ID, "attempts", action.RetryCount, "err", cause)
		result.Failed++
		result.Errors = append(result.Errors, reason)
		e.publish(SyncEvent{Type: EventActionFailed, ActionID: action.ID, Kind: action.Kind, Detail: reason})
		return nil
	}

	slog.Debug("action retry scheduled", "action", action.ID, "attempt", action.RetryCount, "delay", delay)
	return nil
}

// backoffDelay computes base * 2^retryCount, capped at the configured
// maximum.
func (e *SyncExecutor) backoffDelay(retryCount int) time.Duration {
	base := e.config.RetryBackoff
	maxDelay := e.config.MaxRetryBackoff
	if base <= 0 {
		base = 30 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Minute
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// resolveDivergence records the conflict, asks the resolver for a
// decision, and applies it.
func (e *SyncExecutor) resolveDivergence(ctx context.Context, exec RemoteExecutor, action *QueuedAction, div *Divergence, result *SyncResult) error {
	class := div.Class
	if class == "" {
		class = ClassConcurrentUpdate
	}

	conflict := NewSyncConflict(action, class, div.RemotePayload, div.RemoteUpdatedAt)
	decision := e.resolver.Resolve(conflict)
	conflict.Resolution = decision.Resolution
	result.Conflicts++

	slog.Info("divergence detected", "action", action.ID, "kind", action.Kind, "class", class, "resolution", decision.Resolution)

	switch decision.Resolution {
	case ResolutionManual:
		// Park the action; a human decision un-parks it later.
		if err := e.store.MarkConflicted(ctx, action.ID, conflict); err != nil {
			return err
		}
		e.publish(SyncEvent{Type: EventActionConflicted, ActionID: action.ID, Kind: action.Kind, Detail: string(class)})
		return nil

	case ResolutionRemoteWins:
		// Server state stands; the local mutation is superseded.
		conflict.ResolvedAt = time.Now().UTC()
		if err := e.store.RecordConflict(ctx, conflict); err != nil {
			return err
		}
		if err := e.store.MarkSynced(ctx, action.ID); err != nil {
			return err
		}
		e.publish(SyncEvent{Type: EventActionSynced, ActionID: action.ID, Kind: action.Kind, Detail: string(ResolutionRemoteWins)})
		return nil

	case ResolutionMerge:
		conflict.ResolvedAt = time.Now().UTC()
		if err := e.store.RecordConflict(ctx, conflict); err != nil {
			return err
		}
		merged := *action
		merged.Payload = decision.MergedPayload
		return e.redeliver(ctx, exec, &merged, result)

	default: // ResolutionLocalWins
		conflict.ResolvedAt = time.Now().UTC()
		if err := e.store.RecordConflict(ctx, conflict); err != nil {
			return err
		}
		return e.redeliver(ctx, exec, action, result)
	}
}

// redeliver re-attempts delivery after a resolution chose content to push.
// A second divergence on the same attempt parks the action for a human
// rather than looping.
func (e *SyncExecutor) redeliver(ctx context.Context, exec RemoteExecutor, action *QueuedAction, result *SyncResult) error {
	_, err := exec.Execute(ctx, action)
	div, diverged := AsDivergence(err)
	switch {
	case err == nil:
		if merr := e.store.MarkSynced(ctx, action.ID); merr != nil {
			return merr
		}
		result.Successful++
		e.publish(SyncEvent{Type: EventActionSynced, ActionID: action.ID, Kind: action.Kind})
		return nil

	case diverged:
		class := div.Class
		if class == "" {
			class = ClassConcurrentUpdate
		}
		conflict := NewSyncConflict(action, class, div.RemotePayload, div.RemoteUpdatedAt)
		conflict.Resolution = ResolutionManual
		slog.Warn("divergence persisted after resolution, parking for manual review", "action", action.ID)
		if merr := e.store.MarkConflicted(ctx, action.ID, conflict); merr != nil {
			return merr
		}
		e.publish(SyncEvent{Type: EventActionConflicted, ActionID: action.ID, Kind: action.Kind, Detail: string(class)})
		return nil

	case IsTransient(err):
		return e.retryOrFail(ctx, action, err, result)

	default:
		reason := fmt.Sprintf("permanent failure: %v", err)
		if merr := e.store.MarkFailed(ctx, action.ID, reason); merr != nil {
			return merr
		}
		result.Failed++
		result.Errors = append(result.Errors, reason)
		e.publish(SyncEvent{Type: EventActionFailed, ActionID: action.ID, Kind: action.Kind, Detail: reason})
		return nil
	}
}

// parkStale marks an action whose dependency terminally failed. Delivering
// it would build on state that never reached the server, so it waits for a
// human decision. Reports whether the park was recorded.
func (e *SyncExecutor) parkStale(ctx context.Context, action *QueuedAction, result *SyncResult) bool {
	conflict := NewSyncConflict(action, ClassStaleDependency, nil, time.Time{})
	conflict.Resolution = ResolutionManual
	if err := e.store.MarkConflicted(ctx, action.ID, conflict); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return false
	}
	slog.Warn("action parked, dependency failed", "action", action.ID)
	result.Conflicts++
	e.publish(SyncEvent{Type: EventActionConflicted, ActionID: action.ID, Kind: action.Kind, Detail: string(ClassStaleDependency)})
	return true
}

func ackRemoteID(ack *Ack) string {
	if ack == nil {
		return ""
	}
	return ack.RemoteID
}
