// Package fieldsync provides an offline-first synchronization engine for
// mobile field-service clients.
//
// Fieldsync persists user actions in an encrypted local queue while the
// device is offline, replays them in dependency order once connectivity
// returns, and reconciles conflicts against remote state with per-kind
// policies. Reference data the app reads between syncs lives in a local
// TTL cache with per-category bounds.
//
// # Basic Usage
//
// Create a coordinator with default configuration:
//
//	cfg := fieldsync.DefaultConfig("/data/fieldsync")
//	cfg.Encryption.KeyPassword = os.Getenv("FIELDSYNC_KEY")
//	cfg.Remote = &fieldsync.RemoteConfig{
//	    Endpoint: "https://api.example.com",
//	    AuthType: "bearer",
//	    Token:    token,
//	}
//
//	conn := fieldsync.NewManualConnectivity(fieldsync.StateOffline)
//	co, err := fieldsync.NewCoordinator(cfg, fieldsync.Deps{
//	    Connectivity: conn,
//	    Identity:     fieldsync.StaticIdentity{Owner: "tech-17", Device: "tablet-3"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	co.Start()
//	defer co.Stop()
//
// Enqueue actions regardless of connectivity:
//
//	payload, _ := json.Marshal(map[string]any{"site": "plant-4"})
//	id, err := co.Enqueue(ctx, fieldsync.KindClockIn, payload, fieldsync.PriorityCritical, nil)
//
// Forward reachability changes from the platform; coming back online
// refreshes reference data and runs a sync pass automatically:
//
//	conn.SetState(fieldsync.StateOnline)
//
// # Features
//
// Durable Queue:
//   - SQLite-backed action queue surviving restarts and crashes
//   - Payloads compressed and encrypted at rest (AES-256-GCM)
//   - SHA-256 checksums verified before every delivery
//   - Dependency tracking with cycle rejection at enqueue
//
// Sync Engine:
//   - Topological replay order with priority tie-breaking
//   - Batched delivery with per-action exponential backoff
//   - Priority-scaled retry budgets; exhausted actions fail queryably
//   - Critical actions attempt immediate out-of-band delivery
//   - Single-flight coordination: one pass at a time, always
//
// Conflict Handling:
//   - Pluggable per-kind resolution policies
//   - Built-in local-wins, remote-wins, merge, and manual outcomes
//   - Conflict log with human resolution surface
//
// Integrations:
//   - HTTP remote executor with retry, backoff, and circuit breaking
//   - S3-compatible blob offload for media payloads
//   - Reference-data downloader feeding the local TTL cache
//   - WebSocket event stream and localhost observability API
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := fieldsync.Config{
//	    DataDir: "/data/fieldsync",
//	    Sync: fieldsync.SyncConfig{
//	        BatchSize:    25,
//	        RetryBackoff: 10 * time.Second,
//	    },
//	    Cache: fieldsync.CacheConfig{
//	        Categories: map[string]fieldsync.CategoryConfig{
//	            "work-orders": {TTL: 5 * time.Minute, MaxEntries: 500, Strategy: fieldsync.SyncImmediate},
//	        },
//	    },
//	}
//
// Or use [DefaultConfig] for sensible defaults, or [LoadConfig] to read a
// YAML file.
package fieldsync
