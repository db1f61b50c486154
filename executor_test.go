package fieldsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedExecutor is a RemoteExecutor whose outcome per delivery is driven
// by a script: one error per attempt, consumed in order, nil meaning
// success. An action without a script always succeeds.
type scriptedExecutor struct {
	mu        sync.Mutex
	script    map[string][]error
	delivered []string
	payloads  map[string][][]byte
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		script:   make(map[string][]error),
		payloads: make(map[string][][]byte),
	}
}

func (f *scriptedExecutor) plan(id string, outcomes ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[id] = append(f.script[id], outcomes...)
}

func (f *scriptedExecutor) Execute(ctx context.Context, action *QueuedAction) (*Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.delivered = append(f.delivered, action.ID)
	f.payloads[action.ID] = append(f.payloads[action.ID], append([]byte(nil), action.Payload...))

	if q := f.script[action.ID]; len(q) > 0 {
		f.script[action.ID] = q[1:]
		if q[0] != nil {
			return nil, q[0]
		}
	}
	return &Ack{RemoteID: "remote-" + action.ID}, nil
}

func (f *scriptedExecutor) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.delivered {
		if d == id {
			n++
		}
	}
	return n
}

func (f *scriptedExecutor) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func newTestExecutor(t *testing.T, cfg SyncConfig) (*SyncExecutor, *ActionStore, *scriptedExecutor) {
	t.Helper()
	store := newTestStore(t)
	fake := newScriptedExecutor()
	registry := NewExecutorRegistry()
	registry.SetDefault(fake)
	return NewSyncExecutor(store, registry, NewResolver(), cfg), store, fake
}

func TestSyncExecutor_RunPassDeliversAll(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		a := NewQueuedAction(KindSubmitReport, []byte(`{"n":1}`), PriorityNormal, nil)
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids = append(ids, a.ID)
	}

	result := exec.RunPass(ctx)
	if result.Successful != 3 {
		t.Errorf("expected 3 successful, got %d (errors: %v)", result.Successful, result.Errors)
	}
	if result.Failed != 0 || result.Conflicts != 0 {
		t.Errorf("expected clean pass, got failed=%d conflicts=%d", result.Failed, result.Conflicts)
	}
	if len(fake.order()) != 3 {
		t.Errorf("expected 3 deliveries, got %d", len(fake.order()))
	}

	for _, id := range ids {
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusSynced {
			t.Errorf("expected %s synced, got %s", id, got.Status)
		}
	}
}

func TestSyncExecutor_DeliveryRespectsDependencies(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	report := NewQueuedAction(KindSubmitReport, []byte(`{}`), PriorityLow, nil)
	if err := store.Put(ctx, report); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	notify := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityCritical, []string{report.ID})
	if err := store.Put(ctx, notify); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	result := exec.RunPass(ctx)
	if result.Successful != 2 {
		t.Fatalf("expected 2 successful, got %d (errors: %v)", result.Successful, result.Errors)
	}

	order := fake.order()
	if len(order) != 2 || order[0] != report.ID || order[1] != notify.ID {
		t.Errorf("expected dependency-first delivery, got %v", order)
	}
}

func TestSyncExecutor_TransientSchedulesRetry(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10, RetryBackoff: time.Hour})
	ctx := context.Background()

	a := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityNormal, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID, &TransientError{Status: 503})

	result := exec.RunPass(ctx)
	if result.Successful != 0 || result.Failed != 0 {
		t.Errorf("transient failure should neither succeed nor fail, got %+v", result)
	}
	if fake.calls(a.ID) != 1 {
		t.Errorf("expected 1 attempt this pass, got %d", fake.calls(a.ID))
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if !got.NextAttemptAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expected a scheduled backoff, got %v", got.NextAttemptAt)
	}
}

func TestSyncExecutor_RetryExhaustion(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10, RetryBackoff: time.Nanosecond})
	ctx := context.Background()

	// Low priority carries a budget of two attempts.
	a := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityLow, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID, &TransientError{Status: 503}, &TransientError{Status: 503}, &TransientError{Status: 503})

	result := exec.RunPass(ctx)
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d (errors: %v)", result.Failed, result.Errors)
	}
	if fake.calls(a.ID) != 2 {
		t.Errorf("expected exactly the budget of 2 attempts, got %d", fake.calls(a.ID))
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.StatusReason, "retries exhausted") {
		t.Errorf("expected exhaustion reason, got %q", got.StatusReason)
	}
}

func TestSyncExecutor_PermanentFailure(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	a := NewQueuedAction(KindSubmitReport, []byte(`{}`), PriorityHigh, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID, errors.New("validation failed: missing field"))

	result := exec.RunPass(ctx)
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", result.Failed)
	}
	if fake.calls(a.ID) != 1 {
		t.Errorf("permanent rejection must not be retried, got %d attempts", fake.calls(a.ID))
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.StatusReason, "permanent failure") {
		t.Errorf("unexpected reason: %q", got.StatusReason)
	}
	if got.RetryCount != 0 {
		t.Errorf("permanent failure should not consume the retry budget, got %d", got.RetryCount)
	}
}

func TestSyncExecutor_DivergenceRemoteWins(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	// send-message has no specific policy; the fallback keeps remote state.
	a := NewQueuedAction(KindSendMessage, []byte(`{"body":"local"}`), PriorityNormal, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID, &Divergence{
		Class:           ClassConcurrentUpdate,
		RemotePayload:   []byte(`{"body":"remote"}`),
		RemoteUpdatedAt: time.Now(),
	})

	result := exec.RunPass(ctx)
	if result.Conflicts != 1 {
		t.Errorf("expected 1 conflict, got %d", result.Conflicts)
	}
	if result.Successful != 0 {
		t.Errorf("discarding the local write is not a successful delivery, got %d", result.Successful)
	}
	if fake.calls(a.ID) != 1 {
		t.Errorf("remote-wins must not redeliver, got %d attempts", fake.calls(a.ID))
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusSynced {
		t.Errorf("expected synced after remote-wins, got %s", got.Status)
	}

	conflicts, err := store.ListConflicts(ctx, false)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 recorded conflict, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != ResolutionRemoteWins {
		t.Errorf("expected remote-wins, got %s", conflicts[0].Resolution)
	}
	if !conflicts[0].Resolved() {
		t.Error("automatic resolutions should be recorded as resolved")
	}
}

func TestSyncExecutor_DivergenceLocalWinsRedelivers(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	a := NewQueuedAction(KindUpdateLocation, []byte(`{"lat":1}`), PriorityNormal, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID, &Divergence{Class: ClassConcurrentUpdate, RemotePayload: []byte(`{"lat":2}`)}, nil)

	result := exec.RunPass(ctx)
	if result.Conflicts != 1 || result.Successful != 1 {
		t.Errorf("expected conflict then success, got %+v", result)
	}
	if fake.calls(a.ID) != 2 {
		t.Errorf("local-wins should redeliver once, got %d attempts", fake.calls(a.ID))
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusSynced {
		t.Errorf("expected synced, got %s", got.Status)
	}

	conflicts, _ := store.ListConflicts(ctx, false)
	if len(conflicts) != 1 || conflicts[0].Resolution != ResolutionLocalWins {
		t.Errorf("expected a recorded local-wins conflict, got %+v", conflicts)
	}
}

func TestSyncExecutor_DivergenceMergeDeliversMergedPayload(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	// Longer local content but a newer remote edit: the report policy
	// merges rather than picking a side.
	a := NewQueuedAction(KindSubmitReport, []byte(`{"note":"long local draft with detail","status":"done"}`), PriorityNormal, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID, &Divergence{
		Class:           ClassConcurrentUpdate,
		RemotePayload:   []byte(`{"note":"hq","assignee":"dispatch"}`),
		RemoteUpdatedAt: time.Now().Add(time.Hour),
	})

	result := exec.RunPass(ctx)
	if result.Conflicts != 1 || result.Successful != 1 {
		t.Fatalf("expected merge then success, got %+v", result)
	}
	if fake.calls(a.ID) != 2 {
		t.Fatalf("expected redelivery with merged payload, got %d attempts", fake.calls(a.ID))
	}

	fake.mu.Lock()
	merged := string(fake.payloads[a.ID][1])
	fake.mu.Unlock()
	if !strings.Contains(merged, `"status":"done"`) || !strings.Contains(merged, `"assignee":"dispatch"`) {
		t.Errorf("merged payload should carry both sides, got %s", merged)
	}
	if !strings.Contains(merged, "long local draft") {
		t.Errorf("local fields should win on collisions, got %s", merged)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusSynced {
		t.Errorf("expected synced, got %s", got.Status)
	}
}

func TestSyncExecutor_SecondDivergenceParksForManualReview(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	a := NewQueuedAction(KindUpdateLocation, []byte(`{"lat":1}`), PriorityNormal, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID,
		&Divergence{Class: ClassConcurrentUpdate},
		&Divergence{Class: ClassConcurrentUpdate},
	)

	result := exec.RunPass(ctx)
	if result.Conflicts != 1 {
		t.Errorf("expected 1 counted conflict, got %d", result.Conflicts)
	}
	if fake.calls(a.ID) != 2 {
		t.Errorf("expected exactly one redelivery, got %d attempts", fake.calls(a.ID))
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusConflicted {
		t.Errorf("expected the action parked as conflicted, got %s", got.Status)
	}

	unresolved, _ := store.ListConflicts(ctx, true)
	if len(unresolved) != 1 {
		t.Errorf("expected 1 unresolved conflict awaiting a human, got %d", len(unresolved))
	}
}

func TestSyncExecutor_ManualPolicyParks(t *testing.T) {
	store := newTestStore(t)
	fake := newScriptedExecutor()
	registry := NewExecutorRegistry()
	registry.SetDefault(fake)
	resolver := NewResolver()
	resolver.Register(KindSendMessage, func(*SyncConflict) Decision {
		return Decision{Resolution: ResolutionManual}
	})
	exec := NewSyncExecutor(store, registry, resolver, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	a := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityNormal, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fake.plan(a.ID, &Divergence{Class: ClassUpdateOfDeleted, Message: "thread deleted"})

	result := exec.RunPass(ctx)
	if result.Conflicts != 1 {
		t.Errorf("expected 1 conflict, got %d", result.Conflicts)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusConflicted {
		t.Errorf("expected conflicted, got %s", got.Status)
	}

	unresolved, _ := store.ListConflicts(ctx, true)
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved conflict, got %d", len(unresolved))
	}
	if unresolved[0].Class != ClassUpdateOfDeleted {
		t.Errorf("expected the divergence class to be recorded, got %s", unresolved[0].Class)
	}
}

func TestSyncExecutor_IntegrityFailureIsIsolated(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	bad := NewQueuedAction(KindSubmitReport, []byte(`{"n":1}`), PriorityNormal, nil)
	good := NewQueuedAction(KindSubmitReport, []byte(`{"n":2}`), PriorityNormal, nil)
	for _, a := range []*QueuedAction{bad, good} {
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if _, err := store.db.Exec(`UPDATE actions SET payload = ? WHERE id = ?`, []byte("junk"), bad.ID); err != nil {
		t.Fatalf("failed to corrupt payload: %v", err)
	}

	result := exec.RunPass(ctx)
	if result.Failed != 1 || result.Successful != 1 {
		t.Errorf("expected the damaged action isolated, got %+v", result)
	}
	if fake.calls(bad.ID) != 0 {
		t.Error("a damaged payload must never reach the remote executor")
	}

	badGot, _ := store.Get(ctx, bad.ID)
	if badGot.Status != StatusFailed {
		t.Errorf("expected quarantined action failed, got %s", badGot.Status)
	}
	goodGot, _ := store.Get(ctx, good.ID)
	if goodGot.Status != StatusSynced {
		t.Errorf("expected healthy action synced, got %s", goodGot.Status)
	}
}

func TestSyncExecutor_NoExecutorForKind(t *testing.T) {
	store := newTestStore(t)
	exec := NewSyncExecutor(store, NewExecutorRegistry(), NewResolver(), SyncConfig{BatchSize: 10})
	ctx := context.Background()

	a := NewQueuedAction(KindClockIn, []byte(`{}`), PriorityNormal, nil)
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	result := exec.RunPass(ctx)
	if result.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", result.Failed)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.StatusReason, "no executor") {
		t.Errorf("unexpected reason: %q", got.StatusReason)
	}
}

func TestSyncExecutor_StaleDependencyParks(t *testing.T) {
	exec, store, _ := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	dep := NewQueuedAction(KindSubmitReport, []byte(`{}`), PriorityNormal, nil)
	if err := store.Put(ctx, dep); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	dependent := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityNormal, []string{dep.ID})
	if err := store.Put(ctx, dependent); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.MarkFailed(ctx, dep.ID, "endpoint rejected payload"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	result := exec.RunPass(ctx)
	if result.Conflicts != 1 {
		t.Errorf("expected the dependent parked as a conflict, got %+v", result)
	}

	got, _ := store.Get(ctx, dependent.ID)
	if got.Status != StatusConflicted {
		t.Errorf("expected conflicted, got %s", got.Status)
	}

	unresolved, _ := store.ListConflicts(ctx, true)
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved conflict, got %d", len(unresolved))
	}
	if unresolved[0].Class != ClassStaleDependency {
		t.Errorf("expected stale-dependency class, got %s", unresolved[0].Class)
	}
}

func TestSyncExecutor_DeferredDependency(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	dep := NewQueuedAction(KindSubmitReport, []byte(`{}`), PriorityNormal, nil)
	dep.NextAttemptAt = time.Now().Add(time.Hour) // backed off, not due
	if err := store.Put(ctx, dep); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	dependent := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityNormal, []string{dep.ID})
	if err := store.Put(ctx, dependent); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	result := exec.RunPass(ctx)
	if result.Deferred != 1 {
		t.Errorf("expected 1 deferred, got %+v", result)
	}
	if fake.calls(dependent.ID) != 0 {
		t.Error("a dependent must not deliver ahead of its pending dependency")
	}

	got, _ := store.Get(ctx, dependent.ID)
	if got.Status != StatusPending {
		t.Errorf("deferred actions stay pending, got %s", got.Status)
	}
}

func TestSyncExecutor_PassAdvancesPastDeferredBatch(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 2})
	ctx := context.Background()

	dep := NewQueuedAction(KindSubmitReport, []byte(`{}`), PriorityNormal, nil)
	dep.NextAttemptAt = time.Now().Add(time.Hour) // backed off, not due
	if err := store.Put(ctx, dep); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Two dependents fill the head-of-queue batch with deferred work.
	var blocked []string
	for i := 0; i < 2; i++ {
		a := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityNormal, []string{dep.ID})
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		blocked = append(blocked, a.ID)
	}

	// Younger, independent actions queued beyond the batch horizon.
	var deliverable []string
	for i := 0; i < 2; i++ {
		a := NewQueuedAction(KindClockIn, []byte(`{}`), PriorityNormal, nil)
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		deliverable = append(deliverable, a.ID)
	}

	result := exec.RunPass(ctx)
	if result.Successful != 2 {
		t.Errorf("expected the younger actions delivered this pass, got %d (errors: %v)", result.Successful, result.Errors)
	}
	if result.Deferred != 2 {
		t.Errorf("expected 2 deferred, got %d", result.Deferred)
	}

	for _, id := range blocked {
		if fake.calls(id) != 0 {
			t.Errorf("blocked action %s must not deliver", id)
		}
		got, _ := store.Get(ctx, id)
		if got.Status != StatusPending {
			t.Errorf("expected %s pending, got %s", id, got.Status)
		}
	}
	for _, id := range deliverable {
		got, _ := store.Get(ctx, id)
		if got.Status != StatusSynced {
			t.Errorf("expected %s synced, got %s", id, got.Status)
		}
	}
}

func TestSyncExecutor_BatchBoundaries(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := NewQueuedAction(KindClockIn, []byte(`{}`), PriorityNormal, nil)
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	result := exec.RunPass(ctx)
	if result.Successful != 5 {
		t.Errorf("expected all 5 delivered across batches, got %d", result.Successful)
	}
	if len(fake.order()) != 5 {
		t.Errorf("expected 5 deliveries, got %d", len(fake.order()))
	}
}

func TestSyncExecutor_RunOne(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	ctx := context.Background()

	dep := NewQueuedAction(KindSubmitReport, []byte(`{}`), PriorityNormal, nil)
	if err := store.Put(ctx, dep); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	a := NewQueuedAction(KindSendMessage, []byte(`{}`), PriorityCritical, []string{dep.ID})
	if err := store.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Blocked while the dependency is still pending.
	result, err := exec.RunOne(ctx, a.ID)
	if err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}
	if !result.Skipped {
		t.Error("expected the attempt to be skipped")
	}
	if fake.calls(a.ID) != 0 {
		t.Error("blocked action must not be delivered")
	}

	if err := store.MarkSynced(ctx, dep.ID); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	result, err = exec.RunOne(ctx, a.ID)
	if err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}
	if result.Skipped || result.Successful != 1 {
		t.Errorf("expected delivery, got %+v", result)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusSynced {
		t.Errorf("expected synced, got %s", got.Status)
	}

	// Re-running on a non-pending action is a skip, not an error.
	result, err = exec.RunOne(ctx, a.ID)
	if err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}
	if !result.Skipped {
		t.Error("expected skip for an already-synced action")
	}
	if fake.calls(a.ID) != 1 {
		t.Errorf("expected no double delivery, got %d", fake.calls(a.ID))
	}

	if _, err := exec.RunOne(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncExecutor_PublishesEvents(t *testing.T) {
	exec, store, fake := newTestExecutor(t, SyncConfig{BatchSize: 10})
	hub := NewEventHub(StreamConfig{BufferSize: 8})
	exec.SetEventHub(hub)
	ctx := context.Background()

	sub := hub.Subscribe(EventActionSynced, "")
	defer sub.Close()

	ok := NewQueuedAction(KindClockIn, []byte(`{}`), PriorityNormal, nil)
	bad := NewQueuedAction(KindClockOut, []byte(`{}`), PriorityNormal, nil)
	for _, a := range []*QueuedAction{ok, bad} {
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	fake.plan(bad.ID, errors.New("rejected"))

	exec.RunPass(ctx)

	select {
	case event := <-sub.C():
		if event.Type != EventActionSynced {
			t.Errorf("expected synced event, got %s", event.Type)
		}
		if event.ActionID != ok.ID {
			t.Errorf("expected event for %s, got %s", ok.ID, event.ActionID)
		}
	default:
		t.Fatal("expected a synced event to be published")
	}

	// The failure event went to a different type; this subscription
	// filtered it out.
	select {
	case event := <-sub.C():
		t.Errorf("unexpected extra event: %+v", event)
	default:
	}
}

func TestSyncExecutor_PassCancellation(t *testing.T) {
	exec, store, _ := newTestExecutor(t, SyncConfig{BatchSize: 10})

	a := NewQueuedAction(KindClockIn, []byte(`{}`), PriorityNormal, nil)
	if err := store.Put(context.Background(), a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := exec.RunPass(ctx)
	if result.Successful != 0 {
		t.Errorf("cancelled pass should not deliver, got %d", result.Successful)
	}
	if len(result.Errors) == 0 {
		t.Error("expected the interruption to be recorded")
	}
}
