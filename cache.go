package fieldsync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
)

// CacheStore is the bounded, expiring store for downloaded reference data.
// It lives in its own database file so cache pressure never competes with
// the durability of pending actions. Entries are sealed the same way action
// payloads are; a damaged entry is dropped and reported as a miss since
// reference data can always be downloaded again.
type CacheStore struct {
	db     *sql.DB
	config CacheConfig
	enc    *Encryptor
	mu     sync.RWMutex
	closed bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	insertEntry *sql.Stmt
	selectEntry *sql.Stmt
	deleteEntry *sql.Stmt
}

// CategoryStats aggregates one category's footprint.
type CategoryStats struct {
	Entries   int64 `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// CacheStats aggregates cache activity and per-category footprints.
type CacheStats struct {
	Hits       int64                    `json:"hits"`
	Misses     int64                    `json:"misses"`
	Evictions  int64                    `json:"evictions"`
	Entries    int64                    `json:"entries"`
	SizeBytes  int64                    `json:"size_bytes"`
	Categories map[string]CategoryStats `json:"categories"`
}

// OpenCacheStore opens (creating if necessary) the cache store at cfg.Path.
func OpenCacheStore(cfg CacheConfig, encCfg EncryptionConfig) (*CacheStore, error) {
	if cfg.Path == "" {
		return nil, newStorageError(StorageErrorTypeOpen, "cache store path is required", "", nil)
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.Path, 2000, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "failed to open cache store", cfg.Path, err)
	}

	c := &CacheStore{
		db:     db,
		config: cfg,
	}

	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "failed to initialize cache schema", cfg.Path, err)
	}

	enc, err := loadOrCreateEncryptor(db, encCfg)
	if err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "failed to initialize cache encryption", cfg.Path, err)
	}
	c.enc = enc

	if err := c.prepareStatements(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "failed to prepare cache statements", cfg.Path, err)
	}

	return c, nil
}

func (c *CacheStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cache (
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			payload BLOB NOT NULL,
			checksum TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			ttl_nanos INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (category, key)
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_category_age ON cache(category, stored_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

func (c *CacheStore) prepareStatements() error {
	var err error

	c.insertEntry, err = c.db.Prepare(`
		INSERT OR REPLACE INTO cache (category, key, payload, checksum, stored_at, ttl_nanos, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache insert: %w", err)
	}

	c.selectEntry, err = c.db.Prepare(`
		SELECT payload, checksum, stored_at, ttl_nanos, size_bytes
		FROM cache WHERE category = ? AND key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache select: %w", err)
	}

	c.deleteEntry, err = c.db.Prepare(`DELETE FROM cache WHERE category = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache delete: %w", err)
	}

	return nil
}

// categoryConfig resolves the effective configuration for a category,
// falling back to the store-wide defaults.
func (c *CacheStore) categoryConfig(category string) CategoryConfig {
	cfg, ok := c.config.Categories[category]
	if !ok {
		cfg = CategoryConfig{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = c.config.DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = c.config.DefaultMaxEntries
	}
	if cfg.Strategy == "" {
		cfg.Strategy = SyncLazy
	}
	return cfg
}

// Store writes an entry with storedAt set to now and then enforces the
// category's entry bound.
func (c *CacheStore) Store(ctx context.Context, category, key string, payload []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	c.mu.RUnlock()

	cfg := c.categoryConfig(category)

	sealed, err := c.enc.Encrypt(snappy.Encode(nil, payload))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to seal cache entry", c.config.Path, err)
	}

	_, err = c.insertEntry.ExecContext(ctx, category, key, sealed, PayloadChecksum(payload),
		time.Now().UnixNano(), int64(cfg.TTL), int64(len(payload)))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to store cache entry", c.config.Path, err)
	}

	return c.evictCategory(ctx, category, cfg.MaxEntries)
}

// Retrieve returns the entry for (category, key), or ErrNotFound when the
// entry is absent or expired. Expired entries are deleted as a side effect
// of the read, not just hidden.
func (c *CacheStore) Retrieve(ctx context.Context, category, key string) (*CacheEntry, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	c.mu.RUnlock()

	var blob []byte
	var checksum string
	var storedAt, ttlNanos, sizeBytes int64
	err := c.selectEntry.QueryRowContext(ctx, category, key).Scan(&blob, &checksum, &storedAt, &ttlNanos, &sizeBytes)
	if err == sql.ErrNoRows {
		c.misses.Add(1)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read cache entry", c.config.Path, err)
	}

	entry := &CacheEntry{
		Key:       key,
		Category:  category,
		StoredAt:  nanoToTime(storedAt),
		TTL:       time.Duration(ttlNanos),
		SizeBytes: sizeBytes,
	}

	if entry.Expired(time.Now()) {
		c.misses.Add(1)
		if _, derr := c.deleteEntry.ExecContext(ctx, category, key); derr != nil {
			return nil, newStorageError(StorageErrorTypeWrite, "failed to delete expired entry", c.config.Path, derr)
		}
		return nil, ErrNotFound
	}

	compressed, err := c.enc.Decrypt(blob)
	if err == nil {
		entry.Payload, err = snappy.Decode(nil, compressed)
	}
	if err != nil || !VerifyChecksum(entry.Payload, checksum) {
		// Damaged entry. Drop it and report a miss; the data can be
		// downloaded again.
		c.misses.Add(1)
		if _, derr := c.deleteEntry.ExecContext(ctx, category, key); derr != nil {
			return nil, newStorageError(StorageErrorTypeWrite, "failed to delete damaged entry", c.config.Path, derr)
		}
		return nil, ErrNotFound
	}

	c.hits.Add(1)
	return entry, nil
}

// Delete removes one entry. Deleting a missing entry is a no-op.
func (c *CacheStore) Delete(ctx context.Context, category, key string) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	c.mu.RUnlock()

	if _, err := c.deleteEntry.ExecContext(ctx, category, key); err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to delete cache entry", c.config.Path, err)
	}
	return nil
}

// evictCategory deletes the oldest entries by insertion time until the
// category is back under its bound.
func (c *CacheStore) evictCategory(ctx context.Context, category string, maxEntries int) error {
	if maxEntries <= 0 {
		return nil
	}

	res, err := c.db.ExecContext(ctx, `
		DELETE FROM cache WHERE category = ? AND key NOT IN (
			SELECT key FROM cache WHERE category = ? ORDER BY stored_at DESC, key DESC LIMIT ?
		)
	`, category, category, maxEntries)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to evict cache entries", c.config.Path, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.evictions.Add(n)
	}
	return nil
}

// ClearCategory removes every entry in a category and returns the number
// removed.
func (c *CacheStore) ClearCategory(ctx context.Context, category string) (int64, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return 0, ErrClosed
	}
	c.mu.RUnlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE category = ?`, category)
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "failed to clear category", c.config.Path, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepExpired removes every expired entry across all categories and
// returns the number removed. The maintenance loop calls this
// periodically; reads also evict lazily, so the sweep only catches entries
// nobody asked for again.
func (c *CacheStore) SweepExpired(ctx context.Context) (int64, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return 0, ErrClosed
	}
	c.mu.RUnlock()

	res, err := c.db.ExecContext(ctx, `
		DELETE FROM cache WHERE ttl_nanos > 0 AND stored_at + ttl_nanos < ?
	`, time.Now().UnixNano())
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "failed to sweep expired entries", c.config.Path, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns hit/miss/eviction counters and per-category footprints.
func (c *CacheStore) Stats(ctx context.Context) (*CacheStats, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	c.mu.RUnlock()

	stats := &CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Categories: make(map[string]CategoryStats),
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT category, COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache GROUP BY category
	`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read cache stats", c.config.Path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var cs CategoryStats
		if err := rows.Scan(&category, &cs.Entries, &cs.SizeBytes); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to scan cache stats", c.config.Path, err)
		}
		stats.Categories[category] = cs
		stats.Entries += cs.Entries
		stats.SizeBytes += cs.SizeBytes
	}
	return stats, rows.Err()
}

// Close releases the store's resources.
func (c *CacheStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for _, stmt := range []*sql.Stmt{c.insertEntry, c.selectEntry, c.deleteEntry} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return c.db.Close()
}
