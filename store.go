package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// OrderHint lets callers request a storage-level ordering for pending
// listings. It is an efficiency hint only; delivery order is always decided
// by the scheduler.
type OrderHint string

const (
	// OrderByPriority lists by priority, then enqueue time.
	OrderByPriority OrderHint = "priority"
	// OrderByEnqueue lists strictly by enqueue time.
	OrderByEnqueue OrderHint = "enqueued_at"
)

const saltMetaKey = "encryption_salt"

// ActionStore is the durable, tamper-evident store for queued actions and
// sync conflicts. Payloads are snappy-compressed and AES-GCM encrypted
// before they touch disk; a SHA-256 checksum of the plaintext is verified
// after every decrypt. Reads are safe for concurrent use; writes serialize
// on the underlying database.
type ActionStore struct {
	db     *sql.DB
	config StoreConfig
	enc    *Encryptor
	mu     sync.RWMutex
	closed bool

	// Prepared statements for the hot paths
	insertAction   *sql.Stmt
	selectAction   *sql.Stmt
	selectPayload  *sql.Stmt
	updateRetry    *sql.Stmt
	insertConflict *sql.Stmt
}

// OpenActionStore opens (creating if necessary) the action store at
// cfg.Path. When the encryption key is password-derived, the derivation
// salt is persisted in the store so payloads survive restarts.
func OpenActionStore(cfg StoreConfig, encCfg EncryptionConfig) (*ActionStore, error) {
	if cfg.Path == "" {
		return nil, newStorageError(StorageErrorTypeOpen, "action store path is required", "", nil)
	}
	if cfg.CacheSizeKB <= 0 {
		cfg.CacheSizeKB = 2000
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.Path, cfg.CacheSizeKB, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "failed to open action store", cfg.Path, err)
	}

	s := &ActionStore{
		db:     db,
		config: cfg,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "failed to initialize schema", cfg.Path, err)
	}

	enc, err := loadOrCreateEncryptor(db, encCfg)
	if err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "failed to initialize encryption", cfg.Path, err)
	}
	s.enc = enc

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "failed to prepare statements", cfg.Path, err)
	}

	return s, nil
}

func (s *ActionStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			priority INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			depends_on TEXT,
			checksum TEXT NOT NULL,
			owner_id TEXT,
			device_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			status_reason TEXT,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			synced_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			action_id TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			local_payload BLOB,
			remote_payload BLOB,
			class TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT '',
			local_updated_at INTEGER NOT NULL DEFAULT 0,
			remote_updated_at INTEGER NOT NULL DEFAULT 0,
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status, priority, enqueued_at);
		CREATE INDEX IF NOT EXISTS idx_actions_synced_at ON actions(synced_at);
		CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// loadOrCreateEncryptor builds a payload encryptor for a store database.
// When the key is password-derived, the derivation salt is persisted in the
// database's meta table so the same key can be rebuilt on reopen.
func loadOrCreateEncryptor(db *sql.DB, cfg EncryptionConfig) (*Encryptor, error) {
	if len(cfg.Key) > 0 {
		return NewEncryptorWithKey(cfg.Key)
	}
	if cfg.KeyPassword == "" {
		return nil, fmt.Errorf("no encryption key or password provided")
	}

	var salt []byte
	err := db.QueryRow(`SELECT value FROM meta WHERE key = ?`, saltMetaKey).Scan(&salt)
	switch {
	case err == sql.ErrNoRows:
		enc, err := NewEncryptor(EncryptionConfig{KeyPassword: cfg.KeyPassword})
		if err != nil {
			return nil, err
		}
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, saltMetaKey, enc.Salt()); err != nil {
			return nil, fmt.Errorf("failed to persist encryption salt: %w", err)
		}
		return enc, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load encryption salt: %w", err)
	default:
		return NewEncryptorWithSalt(cfg.KeyPassword, salt)
	}
}

func (s *ActionStore) prepareStatements() error {
	var err error

	s.insertAction, err = s.db.Prepare(`
		INSERT INTO actions (id, kind, payload, priority, enqueued_at, retry_count, max_retries,
			depends_on, checksum, owner_id, device_id, status, status_reason, last_attempt_at, next_attempt_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.selectAction, err = s.db.Prepare(`
		SELECT id, kind, priority, enqueued_at, retry_count, max_retries, depends_on, checksum,
			owner_id, device_id, status, status_reason, last_attempt_at, next_attempt_at, synced_at
		FROM actions WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select statement: %w", err)
	}

	s.selectPayload, err = s.db.Prepare(`SELECT payload, checksum FROM actions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare payload statement: %w", err)
	}

	s.updateRetry, err = s.db.Prepare(`
		UPDATE actions SET retry_count = retry_count + 1, last_attempt_at = ?, next_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare retry statement: %w", err)
	}

	s.insertConflict, err = s.db.Prepare(`
		INSERT INTO conflicts (id, action_id, action_kind, local_payload, remote_payload, class,
			resolution, local_updated_at, remote_updated_at, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare conflict statement: %w", err)
	}

	return nil
}

// sealPayload compresses and encrypts a plaintext payload for storage.
func (s *ActionStore) sealPayload(plaintext []byte) ([]byte, error) {
	return s.enc.Encrypt(snappy.Encode(nil, plaintext))
}

// openPayload decrypts and decompresses a stored payload blob.
func (s *ActionStore) openPayload(blob []byte) ([]byte, error) {
	compressed, err := s.enc.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

// Put persists a pending action. The plaintext payload is checksummed,
// compressed, and encrypted before the write; the computed checksum is set
// on the action. A storage failure means the action was not queued.
func (s *ActionStore) Put(ctx context.Context, action *QueuedAction) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	action.Checksum = PayloadChecksum(action.Payload)

	sealed, err := s.sealPayload(action.Payload)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to seal payload", s.config.Path, err)
	}

	var depsJSON []byte
	if len(action.DependsOn) > 0 {
		depsJSON, err = json.Marshal(action.DependsOn)
		if err != nil {
			return newStorageError(StorageErrorTypeWrite, "failed to encode dependencies", s.config.Path, err)
		}
	}

	_, err = s.insertAction.ExecContext(ctx,
		action.ID, string(action.Kind), sealed, int(action.Priority), action.EnqueuedAt.UnixNano(),
		action.RetryCount, action.MaxRetries, depsJSON, action.Checksum,
		action.OwnerID, action.DeviceID, string(action.Status), action.StatusReason,
		timeToNano(action.LastAttemptAt), timeToNano(action.NextAttemptAt), timeToNano(action.SyncedAt))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to persist action", s.config.Path, err)
	}
	return nil
}

// Get returns the action's metadata without its payload. Use LoadPayload
// to decrypt and verify the stored blob.
func (s *ActionStore) Get(ctx context.Context, id string) (*QueuedAction, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	action, err := scanAction(s.selectAction.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read action", s.config.Path, err)
	}
	return action, nil
}

// LoadPayload decrypts the stored payload for id and verifies its checksum.
// On a mismatch the record is quarantined as failed and an IntegrityError
// is returned; the corrupted payload is never handed to a caller.
func (s *ActionStore) LoadPayload(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var blob []byte
	var checksum string
	err := s.selectPayload.QueryRowContext(ctx, id).Scan(&blob, &checksum)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read payload", s.config.Path, err)
	}

	plaintext, err := s.openPayload(blob)
	if err != nil {
		ierr := &IntegrityError{ActionID: id, Expected: checksum, Actual: "undecryptable"}
		if qerr := s.MarkFailed(ctx, id, ierr.Error()); qerr != nil {
			return nil, qerr
		}
		return nil, ierr
	}

	if !VerifyChecksum(plaintext, checksum) {
		ierr := &IntegrityError{ActionID: id, Expected: checksum, Actual: PayloadChecksum(plaintext)}
		if qerr := s.MarkFailed(ctx, id, ierr.Error()); qerr != nil {
			return nil, qerr
		}
		return nil, ierr
	}

	return plaintext, nil
}

// ListPending returns up to limit pending actions whose backoff has
// elapsed, without payloads. Delivery ordering beyond the hint is the
// scheduler's job.
func (s *ActionStore) ListPending(ctx context.Context, limit int, hint OrderHint) ([]*QueuedAction, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	order := "priority, enqueued_at"
	if hint == OrderByEnqueue {
		order = "enqueued_at"
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(`
		SELECT id, kind, priority, enqueued_at, retry_count, max_retries, depends_on, checksum,
			owner_id, device_id, status, status_reason, last_attempt_at, next_attempt_at, synced_at
		FROM actions
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY %s
		LIMIT ?
	`, order)

	rows, err := s.db.QueryContext(ctx, query, time.Now().UnixNano(), limit)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to list pending actions", s.config.Path, err)
	}
	defer rows.Close()

	var actions []*QueuedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to scan action", s.config.Path, err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to list pending actions", s.config.Path, err)
	}
	return actions, nil
}

// ListFailed returns terminally failed actions with their recorded
// reasons, newest first. This is the queryable surface the host uses to
// notify the user.
func (s *ActionStore) ListFailed(ctx context.Context, limit int) ([]*QueuedAction, error) {
	return s.listByStatus(ctx, StatusFailed, limit)
}

func (s *ActionStore) listByStatus(ctx context.Context, status ActionStatus, limit int) ([]*QueuedAction, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, priority, enqueued_at, retry_count, max_retries, depends_on, checksum,
			owner_id, device_id, status, status_reason, last_attempt_at, next_attempt_at, synced_at
		FROM actions
		WHERE status = ?
		ORDER BY last_attempt_at DESC, enqueued_at DESC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to list actions", s.config.Path, err)
	}
	defer rows.Close()

	var actions []*QueuedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to scan action", s.config.Path, err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// StatusOf returns the status of each given id. Missing ids are absent
// from the result rather than an error.
func (s *ActionStore) StatusOf(ctx context.Context, ids []string) (map[string]ActionStatus, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	statuses := make(map[string]ActionStatus, len(ids))
	for _, id := range ids {
		var st string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM actions WHERE id = ?`, id).Scan(&st)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to read action status", s.config.Path, err)
		}
		statuses[id] = ActionStatus(st)
	}
	return statuses, nil
}

// MarkSynced transitions a pending or conflicted action to synced.
// Re-applying the transition is a no-op.
func (s *ActionStore) MarkSynced(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE actions SET status = 'synced', status_reason = '', synced_at = ?
		WHERE id = ? AND status IN ('pending', 'conflicted')
	`, time.Now().UnixNano(), id)
}

// MarkFailed transitions a pending or conflicted action to failed with the
// given reason. Re-applying the transition is a no-op.
func (s *ActionStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, `
		UPDATE actions SET status = 'failed', status_reason = ?
		WHERE id = ? AND status IN ('pending', 'conflicted')
	`, reason, id)
}

// MarkConflicted parks a pending action as conflicted and records the
// conflict in the same transaction. Re-applying the transition is a no-op.
func (s *ActionStore) MarkConflicted(ctx context.Context, id string, conflict *SyncConflict) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to begin transaction", s.config.Path, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE actions SET status = 'conflicted', status_reason = ?
		WHERE id = ? AND status = 'pending'
	`, string(conflict.Class), id)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to mark action conflicted", s.config.Path, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		// Already transitioned (or missing); keep the no-op contract but do
		// not record a duplicate conflict.
		return s.checkExists(ctx, id)
	}

	localSealed, err := s.sealIfPresent(conflict.LocalPayload)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to seal conflict payload", s.config.Path, err)
	}
	remoteSealed, err := s.sealIfPresent(conflict.RemotePayload)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to seal conflict payload", s.config.Path, err)
	}

	_, err = tx.StmtContext(ctx, s.insertConflict).ExecContext(ctx,
		conflict.ID, conflict.ActionID, string(conflict.ActionKind), localSealed, remoteSealed,
		string(conflict.Class), string(conflict.Resolution),
		timeToNano(conflict.LocalUpdatedAt), timeToNano(conflict.RemoteUpdatedAt),
		timeToNano(conflict.DetectedAt), timeToNano(conflict.ResolvedAt))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to record conflict", s.config.Path, err)
	}

	if err := tx.Commit(); err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to commit conflict", s.config.Path, err)
	}
	return nil
}

// RecordConflict persists a conflict without changing the action's state.
// Used for divergences the resolver settled automatically, which are kept
// for the audit window.
func (s *ActionStore) RecordConflict(ctx context.Context, conflict *SyncConflict) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	localSealed, err := s.sealIfPresent(conflict.LocalPayload)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to seal conflict payload", s.config.Path, err)
	}
	remoteSealed, err := s.sealIfPresent(conflict.RemotePayload)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to seal conflict payload", s.config.Path, err)
	}

	_, err = s.insertConflict.ExecContext(ctx,
		conflict.ID, conflict.ActionID, string(conflict.ActionKind), localSealed, remoteSealed,
		string(conflict.Class), string(conflict.Resolution),
		timeToNano(conflict.LocalUpdatedAt), timeToNano(conflict.RemoteUpdatedAt),
		timeToNano(conflict.DetectedAt), timeToNano(conflict.ResolvedAt))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to record conflict", s.config.Path, err)
	}
	return nil
}

func (s *ActionStore) sealIfPresent(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return s.sealPayload(payload)
}

func (s *ActionStore) openIfPresent(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	return s.openPayload(blob)
}

func (s *ActionStore) transition(ctx context.Context, id, query string, args ...any) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to transition action", s.config.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.checkExists(ctx, id)
	}
	return nil
}

// checkExists distinguishes an idempotent re-transition (no-op) from a
// transition on a missing record (ErrNotFound).
func (s *ActionStore) checkExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE id = ? LIMIT 1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return newStorageError(StorageErrorTypeRead, "failed to check action", s.config.Path, err)
	}
	return nil
}

// Requeue returns a conflicted action to pending so the next pass
// re-attempts delivery, clearing any scheduled backoff. Used when a human
// decision picks content to push.
func (s *ActionStore) Requeue(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE actions SET status = 'pending', status_reason = '', next_attempt_at = 0
		WHERE id = ? AND status = 'conflicted'
	`, id)
}

// IncrementRetry bumps the retry counter, records the attempt time, and
// schedules the next attempt. It only applies to pending actions.
func (s *ActionStore) IncrementRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	res, err := s.updateRetry.ExecContext(ctx, time.Now().UnixNano(), timeToNano(nextAttempt), id)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to increment retry", s.config.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.checkExists(ctx, id)
	}
	return nil
}

// CheckDependencies validates the dependency list for a new action: every
// id must exist, and following dependsOn edges from them must not cycle. A
// cycle among persisted actions is reported as a CycleError since it can
// only come from an integrity violation.
func (s *ActionStore) CheckDependencies(ctx context.Context, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	edges, err := s.dependencyEdges(ctx)
	if err != nil {
		return err
	}

	for _, id := range deps {
		if _, ok := edges[id]; !ok {
			return fmt.Errorf("unknown dependency %q: %w", id, ErrNotFound)
		}
	}

	// Walk the closure of the requested dependencies.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(edges))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range edges[id] {
			switch color[dep] {
			case grey:
				cycle := append([]string{}, stack...)
				return &CycleError{Cycle: append(cycle, dep)}
			case white:
				if cerr := visit(dep); cerr != nil {
					return cerr
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range deps {
		if color[id] == white {
			if cerr := visit(id); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}

// dependencyEdges loads the id -> dependsOn adjacency of every stored
// action. Queues are device-scale, so loading the graph whole is cheaper
// than chasing edges row by row.
func (s *ActionStore) dependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, depends_on FROM actions`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to load dependency graph", s.config.Path, err)
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var id string
		var depsJSON sql.NullString
		if err := rows.Scan(&id, &depsJSON); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to scan dependency row", s.config.Path, err)
		}
		var deps []string
		if depsJSON.Valid && depsJSON.String != "" {
			if err := json.Unmarshal([]byte(depsJSON.String), &deps); err != nil {
				return nil, newStorageError(StorageErrorTypeCorruption, "failed to decode dependencies", s.config.Path, err)
			}
		}
		edges[id] = deps
	}
	return edges, rows.Err()
}

// GetConflict returns one conflict with decrypted payloads.
func (s *ActionStore) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, action_id, action_kind, local_payload, remote_payload, class, resolution,
			local_updated_at, remote_updated_at, detected_at, resolved_at
		FROM conflicts WHERE id = ?
	`, id)

	conflict, err := s.scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read conflict", s.config.Path, err)
	}
	return conflict, nil
}

// ListConflicts returns conflicts, optionally only those still awaiting a
// resolution, newest first.
func (s *ActionStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*SyncConflict, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	query := `
		SELECT id, action_id, action_kind, local_payload, remote_payload, class, resolution,
			local_updated_at, remote_updated_at, detected_at, resolved_at
		FROM conflicts
	`
	if unresolvedOnly {
		query += ` WHERE resolved_at = 0`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to list conflicts", s.config.Path, err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		conflict, err := s.scanConflict(rows)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to scan conflict", s.config.Path, err)
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}

// ResolveConflict records a resolution for a conflict and reports whether
// this call applied it. The first resolution is final: resolving an
// already-resolved conflict is a no-op that returns false, whatever
// resolution it asked for.
func (s *ActionStore) ResolveConflict(ctx context.Context, id string, resolution Resolution) (bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false, ErrClosed
	}
	s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET resolution = ?, resolved_at = ?
		WHERE id = ? AND resolved_at = 0
	`, string(resolution), time.Now().UnixNano(), id)
	if err != nil {
		return false, newStorageError(StorageErrorTypeWrite, "failed to resolve conflict", s.config.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conflicts WHERE id = ? LIMIT 1`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		if err != nil {
			return false, newStorageError(StorageErrorTypeRead, "failed to check conflict", s.config.Path, err)
		}
		return false, nil
	}
	return true, nil
}

// PurgeSyncedBefore deletes synced actions older than cutoff and returns
// the number removed.
func (s *ActionStore) PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrClosed
	}
	s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM actions WHERE status = 'synced' AND synced_at > 0 AND synced_at < ?
	`, cutoff.UnixNano())
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "failed to purge synced actions", s.config.Path, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeResolvedConflictsBefore deletes resolved conflicts older than
// cutoff and returns the number removed.
func (s *ActionStore) PurgeResolvedConflictsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrClosed
	}
	s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE resolved_at > 0 AND resolved_at < ?
	`, cutoff.UnixNano())
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "failed to purge resolved conflicts", s.config.Path, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueStats aggregates queue counts for observability.
type QueueStats struct {
	Pending             int64 `json:"pending"`
	Synced              int64 `json:"synced"`
	Failed              int64 `json:"failed"`
	Conflicted          int64 `json:"conflicted"`
	DueNow              int64 `json:"due_now"`
	UnresolvedConflicts int64 `json:"unresolved_conflicts"`
}

// Stats returns aggregate queue counts.
func (s *ActionStore) Stats(ctx context.Context) (*QueueStats, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	stats := &QueueStats{}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read queue stats", s.config.Path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to scan queue stats", s.config.Path, err)
		}
		switch ActionStatus(status) {
		case StatusPending:
			stats.Pending = count
		case StatusSynced:
			stats.Synced = count
		case StatusFailed:
			stats.Failed = count
		case StatusConflicted:
			stats.Conflicted = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read queue stats", s.config.Path, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE status = 'pending' AND next_attempt_at <= ?`, time.Now().UnixNano())
	if err := row.Scan(&stats.DueNow); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read due count", s.config.Path, err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE resolved_at = 0`)
	if err := row.Scan(&stats.UnresolvedConflicts); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read conflict count", s.config.Path, err)
	}

	return stats, nil
}

// Close releases the store's resources.
func (s *ActionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.insertAction, s.selectAction, s.selectPayload, s.updateRetry, s.insertConflict} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*QueuedAction, error) {
	var a QueuedAction
	var kind, status string
	var priority int
	var enqueuedAt, lastAttemptAt, nextAttemptAt, syncedAt int64
	var depsJSON, reason, ownerID, deviceID sql.NullString

	err := row.Scan(&a.ID, &kind, &priority, &enqueuedAt, &a.RetryCount, &a.MaxRetries,
		&depsJSON, &a.Checksum, &ownerID, &deviceID, &status, &reason,
		&lastAttemptAt, &nextAttemptAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	a.Kind = ActionKind(kind)
	a.Priority = Priority(priority)
	a.EnqueuedAt = nanoToTime(enqueuedAt)
	a.OwnerID = ownerID.String
	a.DeviceID = deviceID.String
	a.Status = ActionStatus(status)
	a.StatusReason = reason.String
	a.LastAttemptAt = nanoToTime(lastAttemptAt)
	a.NextAttemptAt = nanoToTime(nextAttemptAt)
	a.SyncedAt = nanoToTime(syncedAt)

	if depsJSON.Valid && depsJSON.String != "" {
		if err := json.Unmarshal([]byte(depsJSON.String), &a.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies: %w", err)
		}
	}
	return &a, nil
}

func (s *ActionStore) scanConflict(row rowScanner) (*SyncConflict, error) {
	var c SyncConflict
	var kind, class, resolution string
	var localBlob, remoteBlob []byte
	var localUpdated, remoteUpdated, detectedAt, resolvedAt int64

	err := row.Scan(&c.ID, &c.ActionID, &kind, &localBlob, &remoteBlob, &class, &resolution,
		&localUpdated, &remoteUpdated, &detectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	c.ActionKind = ActionKind(kind)
	c.Class = ConflictClass(class)
	c.Resolution = Resolution(resolution)
	c.LocalUpdatedAt = nanoToTime(localUpdated)
	c.RemoteUpdatedAt = nanoToTime(remoteUpdated)
	c.DetectedAt = nanoToTime(detectedAt)
	c.ResolvedAt = nanoToTime(resolvedAt)

	if c.LocalPayload, err = s.openIfPresent(localBlob); err != nil {
		return nil, fmt.Errorf("failed to open local payload: %w", err)
	}
	if c.RemotePayload, err = s.openIfPresent(remoteBlob); err != nil {
		return nil, fmt.Errorf("failed to open remote payload: %w", err)
	}
	return &c, nil
}

func timeToNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
