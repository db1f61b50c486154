package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Deps bundles the collaborators the host injects into a Coordinator.
// Connectivity and Identity are required. The others default from the
// configuration: a nil Registry is built around the configured HTTP remote,
// a nil Resolver gets the default policy table, and a nil Downloader uses
// the HTTP reference downloader when a remote endpoint is configured.
type Deps struct {
	Connectivity ConnectivityObserver
	Identity     IdentityProvider
	Registry     *ExecutorRegistry
	Resolver     *Resolver
	Downloader   ReferenceDownloader
}

// Coordinator is the engine's public surface. It owns the single-flight
// sync invariant, reacts to connectivity transitions, and runs background
// maintenance. One Coordinator per process; collaborators are injected at
// construction rather than hidden in globals.
type Coordinator struct {
	config       Config
	store        *ActionStore
	cache        *CacheStore
	executor     *SyncExecutor
	registry     *ExecutorRegistry
	resolver     *Resolver
	connectivity ConnectivityObserver
	identity     IdentityProvider
	downloader   ReferenceDownloader
	hub          *EventHub

	mu             sync.RWMutex
	started        bool
	startedAt      time.Time
	syncInProgress bool
	lastSyncTime   time.Time
	lastResult     *SyncResult

	// Maintenance counters
	purgedActions   int64
	purgedConflicts int64
	sweptEntries    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator opens the stores and wires the engine together. The
// caller must Start it to get background behavior and Stop it to release
// the stores.
func NewCoordinator(config Config, deps Deps) (*Coordinator, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Connectivity == nil {
		return nil, fmt.Errorf("coordinator: a connectivity observer is required")
	}
	if deps.Identity == nil {
		return nil, fmt.Errorf("coordinator: an identity provider is required")
	}

	registry := deps.Registry
	if registry == nil {
		if config.Remote == nil {
			return nil, fmt.Errorf("coordinator: no executor registry and no remote endpoint configured")
		}
		registry = NewExecutorRegistry()
		base := NewHTTPExecutor(*config.Remote)
		registry.SetDefault(base)
		if config.Media != nil {
			mediaStore, err := NewMediaStore(context.Background(), *config.Media)
			if err != nil {
				return nil, fmt.Errorf("coordinator: media store: %w", err)
			}
			registry.Register(KindUploadMedia, NewMediaExecutor(mediaStore, base))
		}
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewResolver()
	}

	downloader := deps.Downloader
	if downloader == nil && config.Remote != nil {
		downloader = NewHTTPReferenceDownloader(*config.Remote)
	}

	store, err := OpenActionStore(config.Store, config.Encryption)
	if err != nil {
		return nil, err
	}
	cache, err := OpenCacheStore(config.Cache, config.Encryption)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := NewEventHub(config.Stream)
	executor := NewSyncExecutor(store, registry, resolver, config.Sync)
	executor.SetEventHub(hub)

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:       config,
		store:        store,
		cache:        cache,
		executor:     executor,
		registry:     registry,
		resolver:     resolver,
		connectivity: deps.Connectivity,
		identity:     deps.Identity,
		downloader:   downloader,
		hub:          hub,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches the background loops: connectivity handling, periodic
// sync, and maintenance.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.wg.Add(3)
	go c.connectivityLoop()
	go c.syncLoop()
	go c.maintenanceLoop()

	slog.Info("sync coordinator started", "state", c.connectivity.State())
}

// Stop halts the background loops and closes the stores.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	cerr := c.cache.Close()
	serr := c.store.Close()
	if serr != nil {
		return serr
	}
	return cerr
}

// Enqueue validates and persists a new action, returning its id. The
// action's identity comes from the IdentityProvider; its retry budget from
// the priority. A Critical action enqueued while online gets an immediate
// out-of-band delivery attempt without waiting for the next pass.
func (c *Coordinator) Enqueue(ctx context.Context, kind ActionKind, payload []byte, priority Priority, dependsOn []string) (string, error) {
	if !KnownKind(kind) {
		return "", fmt.Errorf("enqueue kind %q: %w", kind, ErrUnknownKind)
	}
	if err := c.store.CheckDependencies(ctx, dependsOn); err != nil {
		return "", err
	}

	action := NewQueuedAction(kind, payload, priority, dependsOn)
	action.OwnerID = c.identity.OwnerID()
	action.DeviceID = c.identity.DeviceID()

	if err := c.store.Put(ctx, action); err != nil {
		return "", err
	}

	slog.Debug("action enqueued", "action", action.ID, "kind", kind, "priority", priority)
	c.hub.Publish(SyncEvent{Type: EventActionEnqueued, ActionID: action.ID, Kind: kind})

	if priority == PriorityCritical && c.connectivity.State() == StateOnline {
		// The read lock must cover the Add: once Stop flips started it
		// calls wg.Wait, and an Add racing that Wait is a misuse.
		c.mu.RLock()
		if c.started {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if _, err := c.executor.RunOne(c.ctx, action.ID); err != nil {
					slog.Warn("immediate delivery attempt failed", "action", action.ID, "err", err)
				}
			}()
		}
		c.mu.RUnlock()
	}

	return action.ID, nil
}

// SyncNow runs one full sync pass: scheduler order, batched replay,
// outcome accounting. It no-ops with a skipped result if the device is
// offline or another pass is already in flight.
func (c *Coordinator) SyncNow(ctx context.Context) *SyncResult {
	if c.connectivity.State() != StateOnline {
		return &SyncResult{Skipped: true, SkipReason: "offline"}
	}

	c.mu.Lock()
	if c.syncInProgress {
		c.mu.Unlock()
		return &SyncResult{Skipped: true, SkipReason: "sync already in progress"}
	}
	c.syncInProgress = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncInProgress = false
		c.mu.Unlock()
	}()

	c.hub.Publish(SyncEvent{Type: EventSyncStarted})

	passCtx := ctx
	if c.config.Sync.PassTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, c.config.Sync.PassTimeout)
		defer cancel()
	}

	result := c.executor.RunPass(passCtx)

	c.mu.Lock()
	c.lastSyncTime = time.Now()
	c.lastResult = result
	c.mu.Unlock()

	slog.Info("sync pass completed",
		"successful", result.Successful,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"deferred", result.Deferred,
		"duration_ms", result.DurationMs)
	c.hub.Publish(SyncEvent{Type: EventSyncCompleted, Result: result})

	return result
}

// DownloadLatest refreshes cache-backed reference data, most urgent
// categories first. Failures are logged per category and do not stop the
// refresh.
func (c *Coordinator) DownloadLatest(ctx context.Context) {
	if c.downloader == nil {
		return
	}

	categories := make([]string, 0, len(c.config.Cache.Categories))
	for name := range c.config.Cache.Categories {
		categories = append(categories, name)
	}
	sort.Slice(categories, func(i, j int) bool {
		ri := c.config.Cache.Categories[categories[i]].Strategy.refreshRank()
		rj := c.config.Cache.Categories[categories[j]].Strategy.refreshRank()
		if ri != rj {
			return ri < rj
		}
		return categories[i] < categories[j]
	})

	for _, category := range categories {
		items, err := c.downloader.Download(ctx, category)
		if err != nil {
			slog.Warn("reference download failed", "category", category, "err", err)
			continue
		}
		stored := 0
		for _, item := range items {
			if err := c.cache.Store(ctx, category, item.Key, item.Payload); err != nil {
				slog.Warn("reference store failed", "category", category, "key", item.Key, "err", err)
				continue
			}
			stored++
		}
		slog.Debug("reference data refreshed", "category", category, "items", stored)
		c.hub.Publish(SyncEvent{Type: EventCacheRefreshed, Detail: category})
	}
}

// ResolveConflict records a human decision for a parked conflict and
// applies it to the underlying action: RemoteWins accepts the server state
// and marks the action synced; LocalWins and Merge return it to pending
// for re-delivery. The first decision is final: a replayed call, same
// resolution or not, leaves the action where the first decision put it.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution) error {
	conflict, err := c.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	applied, err := c.store.ResolveConflict(ctx, conflictID, resolution)
	if err != nil {
		return err
	}
	if !applied {
		slog.Debug("conflict already resolved, ignoring", "conflict", conflictID, "requested", resolution)
		return nil
	}
	slog.Info("conflict resolved", "conflict", conflictID, "action", conflict.ActionID, "resolution", resolution)

	switch resolution {
	case ResolutionRemoteWins:
		return c.store.MarkSynced(ctx, conflict.ActionID)
	case ResolutionLocalWins, ResolutionMerge:
		return c.store.Requeue(ctx, conflict.ActionID)
	default:
		return nil
	}
}

// Action returns one queued action's metadata.
func (c *Coordinator) Action(ctx context.Context, id string) (*QueuedAction, error) {
	return c.store.Get(ctx, id)
}

// Pending returns up to limit pending actions in priority order.
func (c *Coordinator) Pending(ctx context.Context, limit int) ([]*QueuedAction, error) {
	return c.store.ListPending(ctx, limit, OrderByPriority)
}

// Failures returns terminally failed actions with their reasons. This is
// the queryable surface the host's notification layer reads.
func (c *Coordinator) Failures(ctx context.Context, limit int) ([]*QueuedAction, error) {
	return c.store.ListFailed(ctx, limit)
}

// Conflicts returns recorded conflicts, optionally only those still
// awaiting a decision.
func (c *Coordinator) Conflicts(ctx context.Context, unresolvedOnly bool) ([]*SyncConflict, error) {
	return c.store.ListConflicts(ctx, unresolvedOnly)
}

// Events returns the hub for subscribing to sync events in-process.
func (c *Coordinator) Events() *EventHub {
	return c.hub
}

// Cache returns the reference-data cache store.
func (c *Coordinator) Cache() *CacheStore {
	return c.cache
}

// Registry returns the executor registry for wiring kind-specific remote
// executors before Start.
func (c *Coordinator) Registry() *ExecutorRegistry {
	return c.registry
}

// Resolver returns the conflict resolver for registering kind policies.
func (c *Coordinator) Resolver() *Resolver {
	return c.resolver
}

// MaintenanceStats counts what the background maintenance has removed.
type MaintenanceStats struct {
	PurgedActions     int64 `json:"purged_actions"`
	PurgedConflicts   int64 `json:"purged_conflicts"`
	SweptCacheEntries int64 `json:"swept_cache_entries"`
}

// CoordinatorStatus is a point-in-time snapshot of the engine.
type CoordinatorStatus struct {
	Connectivity   string           `json:"connectivity"`
	SyncInProgress bool             `json:"sync_in_progress"`
	LastSyncTime   time.Time        `json:"last_sync_time"`
	LastResult     *SyncResult      `json:"last_result,omitempty"`
	Queue          *QueueStats      `json:"queue,omitempty"`
	Cache          *CacheStats      `json:"cache,omitempty"`
	Maintenance    MaintenanceStats `json:"maintenance"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
}

// Status snapshots the engine state, including queue and cache stats.
func (c *Coordinator) Status(ctx context.Context) (*CoordinatorStatus, error) {
	queue, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := c.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &CoordinatorStatus{
		Connectivity:   c.connectivity.State().String(),
		SyncInProgress: c.syncInProgress,
		LastSyncTime:   c.lastSyncTime,
		LastResult:     c.lastResult,
		Queue:          queue,
		Cache:          cache,
		Maintenance: MaintenanceStats{
			PurgedActions:     c.purgedActions,
			PurgedConflicts:   c.purgedConflicts,
			SweptCacheEntries: c.sweptEntries,
		},
	}
	if c.started {
		status.UptimeSeconds = int64(time.Since(c.startedAt).Seconds())
	}
	return status, nil
}

// connectivityLoop reacts to observer transitions. Coming back online
// refreshes reference data first, then syncs; resolving conflicts against
// stale cached assumptions is worse than the extra download.
func (c *Coordinator) connectivityLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-c.connectivity.Events():
			if !ok {
				return
			}
			slog.Info("connectivity transition", "state", event.State)
			c.hub.Publish(SyncEvent{Type: EventConnectivity, Detail: event.State.String(), At: event.At})

			if event.State == StateOnline {
				c.DownloadLatest(c.ctx)
				c.SyncNow(c.ctx)
			}
		}
	}
}

// syncLoop runs a full pass on the configured interval while online.
func (c *Coordinator) syncLoop() {
	defer c.wg.Done()

	c.SyncNow(c.ctx)

	ticker := time.NewTicker(c.config.Sync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.SyncNow(c.ctx)
		}
	}
}

// maintenanceLoop owns the retention purges and the cache expiry sweep.
func (c *Coordinator) maintenanceLoop() {
	defer c.wg.Done()

	retention := time.NewTicker(c.config.Retention.Interval)
	defer retention.Stop()
	sweep := time.NewTicker(c.config.Cache.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-retention.C:
			c.runRetention()
		case <-sweep.C:
			c.runSweep()
		}
	}
}

func (c *Coordinator) runRetention() {
	now := time.Now()

	purged, err := c.store.PurgeSyncedBefore(c.ctx, now.Add(-c.config.Retention.SyncedActionWindow))
	if err != nil {
		slog.Error("retention purge failed", "err", err)
	} else if purged > 0 {
		slog.Info("purged synced actions", "count", purged)
	}

	conflicts, err := c.store.PurgeResolvedConflictsBefore(c.ctx, now.Add(-c.config.Retention.ResolvedConflictWindow))
	if err != nil {
		slog.Error("conflict purge failed", "err", err)
	} else if conflicts > 0 {
		slog.Info("purged resolved conflicts", "count", conflicts)
	}

	c.mu.Lock()
	c.purgedActions += purged
	c.purgedConflicts += conflicts
	c.mu.Unlock()
}

func (c *Coordinator) runSweep() {
	swept, err := c.cache.SweepExpired(c.ctx)
	if err != nil {
		slog.Error("cache sweep failed", "err", err)
		return
	}
	if swept > 0 {
		slog.Debug("swept expired cache entries", "count", swept)
	}

	c.mu.Lock()
	c.sweptEntries += swept
	c.mu.Unlock()
}
