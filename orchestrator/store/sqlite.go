package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
)

// SQLiteStore is a single-file, WAL-mode implementation of Store. It is
// the default backend for a single-process run: zero setup, durable
// across restarts, serialized writes matching the store's single-writer
// design.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and ensures its schema exists. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			goal TEXT NOT NULL,
			phase INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			complexity TEXT NOT NULL,
			depends_on TEXT NOT NULL DEFAULT '[]',
			acceptance_criteria TEXT NOT NULL DEFAULT '[]',
			test_file TEXT NOT NULL DEFAULT '',
			impl_file TEXT NOT NULL DEFAULT '',
			verify_command TEXT NOT NULL DEFAULT '[]',
			module_exports TEXT NOT NULL DEFAULT '[]',
			impl_hints TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('pending','in-progress','passing','complete','blocked','blocked-static-review')),
			claim_worker_id INTEGER NOT NULL DEFAULT 0,
			claim_claimed_at TIMESTAMP,
			claim_expires_at TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_phase_sequence ON tasks(phase, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim_expires ON tasks(claim_expires_at)`,

		`CREATE TABLE IF NOT EXISTS attempts (
			task_id INTEGER NOT NULL,
			stage TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			files_created TEXT NOT NULL DEFAULT '[]',
			files_modified TEXT NOT NULL DEFAULT '[]',
			verifier_stdout TEXT NOT NULL DEFAULT '',
			verifier_stderr TEXT NOT NULL DEFAULT '',
			verifier_exit INTEGER NOT NULL DEFAULT 0,
			prompt_fingerprint TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (task_id, stage, attempt_number)
		)`,

		`CREATE TABLE IF NOT EXISTS workers (
			id INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			registered_at TIMESTAMP NOT NULL,
			last_heartbeat TIMESTAMP NOT NULL,
			current_task_id INTEGER,
			branch TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS heartbeats (
			worker_id INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			task_id INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeats_worker ON heartbeats(worker_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS invocations (
			run_id TEXT NOT NULL,
			worker_id INTEGER NOT NULL,
			task_id INTEGER NOT NULL,
			stage TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id)`,

		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			level TEXT NOT NULL,
			identifier TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('closed','open','half-open')),
			failure_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			half_open_requests INTEGER NOT NULL DEFAULT 0,
			extensions_count INTEGER NOT NULL DEFAULT 0,
			recent_outcomes TEXT NOT NULL DEFAULT '[]',
			opened_at TIMESTAMP,
			last_failure_at TIMESTAMP,
			last_success_at TIMESTAMP,
			last_state_change TIMESTAMP,
			failure_threshold INTEGER NOT NULL DEFAULT 0,
			cooldown_ms INTEGER NOT NULL DEFAULT 0,
			recovery_successes INTEGER NOT NULL DEFAULT 0,
			max_extensions INTEGER NOT NULL DEFAULT 0,
			failure_rate_percent INTEGER NOT NULL DEFAULT 0,
			window_size INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (level, identifier)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_circuits_level_state ON circuit_breakers(level, state)`,

		`CREATE TABLE IF NOT EXISTS circuit_events (
			level TEXT NOT NULL,
			identifier TEXT NOT NULL,
			event_type TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_events_type_time ON circuit_events(event_type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_events_identity ON circuit_events(level, identifier)`,

		`CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_data TEXT NOT NULL,
			emitted_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending ON events_outbox(emitted_at, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sqlite: store is closed")
	}
	return nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}
	dependsOn, _ := json.Marshal(task.DependsOn)
	criteria, _ := json.Marshal(task.AcceptanceCriteria)
	verifyCmd, _ := json.Marshal(task.VerifyCommand)
	exports, _ := json.Marshal(task.ModuleExports)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, task.Key, task.Title, task.Goal, task.Phase, task.Sequence, string(task.Complexity), string(dependsOn), string(criteria), task.TestFile, task.ImplFile, string(verifyCmd), string(exports), task.ImplHints, string(StatusPending))
	if err != nil {
		return Task{}, fmt.Errorf("sqlite: create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, err
	}
	task.ID = id
	task.Status = StatusPending
	task.Version = 1
	return task, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, key string) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
		FROM tasks WHERE key = ?
	`, key)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanTask serves both
// GetTask and ListTasks.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var complexity, dependsOn, criteria, verifyCmd, exports, status string
	var claimWorkerID int64
	var claimedAt, expiresAt sql.NullTime

	err := row.Scan(&t.ID, &t.Key, &t.Title, &t.Goal, &t.Phase, &t.Sequence, &complexity, &dependsOn, &criteria, &t.TestFile, &t.ImplFile, &verifyCmd, &exports, &t.ImplHints, &status, &claimWorkerID, &claimedAt, &expiresAt, &t.Version)
	if err != nil {
		return Task{}, err
	}
	t.Complexity = Complexity(complexity)
	t.Status = Status(status)
	_ = json.Unmarshal([]byte(dependsOn), &t.DependsOn)
	_ = json.Unmarshal([]byte(criteria), &t.AcceptanceCriteria)
	_ = json.Unmarshal([]byte(verifyCmd), &t.VerifyCommand)
	_ = json.Unmarshal([]byte(exports), &t.ModuleExports)
	t.Claim = Claim{WorkerID: claimWorkerID}
	if claimedAt.Valid {
		t.Claim.ClaimedAt = claimedAt.Time
	}
	if expiresAt.Valid {
		t.Claim.ExpiresAt = expiresAt.Time
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, statuses []Status) ([]Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
		FROM tasks
	`
	var args []any
	if len(statuses) > 0 {
		placeholders := ""
		for i, st := range statuses {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + placeholders + ")"
	}
	query += " ORDER BY phase, sequence, key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNext selects the lowest (phase, sequence, key) runnable task inside
// one transaction, so the select-then-update is atomic with respect to
// every other writer against this single-connection database.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID int64, now time.Time, claimTTL time.Duration) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, key, depends_on, claim_worker_id, claim_expires_at
		FROM tasks WHERE status = ? ORDER BY phase, sequence, key
	`, string(StatusPending))
	if err != nil {
		return Task{}, err
	}

	type candidate struct {
		id            int64
		key           string
		dependsOn     []string
		claimWorkerID int64
		expiresAt     sql.NullTime
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var dependsOnJSON string
		if err := rows.Scan(&c.id, &c.key, &dependsOnJSON, &c.claimWorkerID, &c.expiresAt); err != nil {
			rows.Close()
			return Task{}, err
		}
		_ = json.Unmarshal([]byte(dependsOnJSON), &c.dependsOn)
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Task{}, err
	}

	depState, err := s.dependencyStates(ctx, tx)
	if err != nil {
		return Task{}, err
	}

	for _, c := range candidates {
		if c.claimWorkerID != 0 && c.expiresAt.Valid && now.Before(c.expiresAt.Time) {
			continue
		}
		ready := true
		for _, dep := range c.dependsOn {
			st, ok := depState[dep]
			if !ok || (st != StatusPassing && st != StatusComplete) {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		expires := now.Add(claimTTL)
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claim_worker_id = ?, claim_claimed_at = ?, claim_expires_at = ?, version = version + 1
			WHERE id = ?
		`, string(StatusInProgress), workerID, now, expires, c.id)
		if err != nil {
			return Task{}, err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
			FROM tasks WHERE id = ?
		`, c.id)
		task, err := scanTask(row)
		if err != nil {
			return Task{}, err
		}
		if err := tx.Commit(); err != nil {
			return Task{}, err
		}
		return task, nil
	}

	return Task{}, ErrNotFound
}

func (s *SQLiteStore) dependencyStates(ctx context.Context, tx *sql.Tx) (map[string]Status, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, status FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	states := map[string]Status{}
	for rows.Next() {
		var key, status string
		if err := rows.Scan(&key, &status); err != nil {
			return nil, err
		}
		states[key] = Status(status)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) Release(ctx context.Context, taskID int64, expectedVersion int64, outcome Status) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	var currentVersion int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, taskID).Scan(&currentVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	if currentVersion != expectedVersion {
		return Task{}, ErrContention
	}

	clearClaim := outcome != StatusInProgress
	query := `UPDATE tasks SET status = ?, version = version + 1`
	args := []any{string(outcome)}
	if clearClaim {
		query += `, claim_worker_id = 0, claim_claimed_at = NULL, claim_expires_at = NULL`
	}
	query += ` WHERE id = ? AND version = ?`
	args = append(args, taskID, expectedVersion)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return Task{}, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
		FROM tasks WHERE id = ?
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *SQLiteStore) ReapExpiredClaims(ctx context.Context, now time.Time) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, key FROM tasks WHERE status = ? AND claim_expires_at IS NOT NULL AND claim_expires_at < ?
	`, string(StatusInProgress), now)
	if err != nil {
		return nil, err
	}
	type expired struct {
		id  int64
		key string
	}
	var rows2 []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.key); err != nil {
			rows.Close()
			return nil, err
		}
		rows2 = append(rows2, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, e := range rows2 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claim_worker_id = 0, claim_claimed_at = NULL, claim_expires_at = NULL, version = version + 1
			WHERE id = ?
		`, string(StatusPending), e.id); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, e.key)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	filesCreated, _ := json.Marshal(attempt.FilesCreated)
	filesModified, _ := json.Marshal(attempt.FilesModified)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, stage, attempt_number, started_at, completed_at, duration_ms, success, error_message, files_created, files_modified, verifier_stdout, verifier_stderr, verifier_exit, prompt_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, stage, attempt_number) DO UPDATE SET
			completed_at = excluded.completed_at, duration_ms = excluded.duration_ms, success = excluded.success,
			error_message = excluded.error_message, files_created = excluded.files_created, files_modified = excluded.files_modified,
			verifier_stdout = excluded.verifier_stdout, verifier_stderr = excluded.verifier_stderr, verifier_exit = excluded.verifier_exit,
			prompt_fingerprint = excluded.prompt_fingerprint
	`, attempt.TaskID, string(attempt.Stage), attempt.AttemptNumber, attempt.StartedAt, attempt.CompletedAt, attempt.Duration.Milliseconds(), boolToInt(attempt.Success), attempt.ErrorMessage, string(filesCreated), string(filesModified), attempt.VerifierStdout, attempt.VerifierStderr, attempt.VerifierExit, attempt.PromptFingerprint)
	return err
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, taskID int64) ([]Attempt, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, stage, attempt_number, started_at, completed_at, duration_ms, success, error_message, files_created, files_modified, verifier_stdout, verifier_stderr, verifier_exit, prompt_fingerprint
		FROM attempts WHERE task_id = ? ORDER BY stage, attempt_number
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var stage string
		var durationMs int64
		var success int
		var filesCreated, filesModified string
		if err := rows.Scan(&a.TaskID, &stage, &a.AttemptNumber, &a.StartedAt, &a.CompletedAt, &durationMs, &success, &a.ErrorMessage, &filesCreated, &filesModified, &a.VerifierStdout, &a.VerifierStderr, &a.VerifierExit, &a.PromptFingerprint); err != nil {
			return nil, err
		}
		a.Stage = Stage(stage)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.Success = success != 0
		_ = json.Unmarshal([]byte(filesCreated), &a.FilesCreated)
		_ = json.Unmarshal([]byte(filesModified), &a.FilesModified)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *SQLiteStore) RegisterWorker(ctx context.Context, worker Worker) (Worker, error) {
	if err := s.checkOpen(); err != nil {
		return Worker{}, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, status, registered_at, last_heartbeat, current_task_id, branch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, last_heartbeat = excluded.last_heartbeat
	`, worker.ID, string(worker.Status), worker.RegisteredAt, worker.LastHeartbeat, nullableInt64(worker.CurrentTaskID), worker.Branch)
	if err != nil {
		return Worker{}, err
	}
	return worker, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, workerID int64, now time.Time, taskID *int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	status := WorkerActive
	if taskID == nil {
		status = WorkerIdle
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?, status = ?, current_task_id = ? WHERE id = ?
	`, now, string(status), nullableInt64(taskID), workerID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (worker_id, timestamp, status, task_id) VALUES (?, ?, ?, ?)
	`, workerID, now, string(status), nullableInt64(taskID))
	return err
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]Worker, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, registered_at, last_heartbeat, current_task_id, branch FROM workers ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		var status string
		var currentTaskID sql.NullInt64
		if err := rows.Scan(&w.ID, &status, &w.RegisteredAt, &w.LastHeartbeat, &currentTaskID, &w.Branch); err != nil {
			return nil, err
		}
		w.Status = WorkerStatus(status)
		if currentTaskID.Valid {
			id := currentTaskID.Int64
			w.CurrentTaskID = &id
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) MarkWorkerDead(ctx context.Context, workerID int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, string(WorkerDead), workerID)
	return err
}

func (s *SQLiteStore) RecordInvocation(ctx context.Context, inv Invocation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (run_id, worker_id, task_id, stage, timestamp, token_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inv.RunID, inv.WorkerID, inv.TaskID, string(inv.Stage), inv.Timestamp, inv.TokenCount, inv.Duration.Milliseconds())
	return err
}

func (s *SQLiteStore) InvocationsUsed(ctx context.Context, runID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invocations WHERE run_id = ?`, runID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) GetCircuit(ctx context.Context, level BreakerLevel, identifier string, defaults CircuitBreaker) (CircuitBreaker, error) {
	if err := s.checkOpen(); err != nil {
		return CircuitBreaker{}, err
	}
	cb, err := s.scanCircuit(ctx, level, identifier)
	if errors.Is(err, ErrNotFound) {
		defaults.Level = level
		defaults.Identifier = identifier
		defaults.State = StateClosed
		defaults.Version = 1
		return s.insertCircuitDefault(ctx, defaults)
	}
	return cb, err
}

func (s *SQLiteStore) insertCircuitDefault(ctx context.Context, cb CircuitBreaker) (CircuitBreaker, error) {
	outcomes, _ := json.Marshal(cb.RecentOutcomes)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (level, identifier, state, recent_outcomes, failure_threshold, cooldown_ms, recovery_successes, max_extensions, failure_rate_percent, window_size, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(level, identifier) DO NOTHING
	`, string(cb.Level), cb.Identifier, string(cb.State), string(outcomes), cb.FailureThreshold, cb.Cooldown.Milliseconds(), cb.RecoverySuccesses, cb.MaxExtensions, cb.FailureRatePercent, cb.WindowSize)
	if err != nil {
		return CircuitBreaker{}, err
	}
	return s.scanCircuit(ctx, cb.Level, cb.Identifier)
}

func (s *SQLiteStore) scanCircuit(ctx context.Context, level BreakerLevel, identifier string) (CircuitBreaker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT level, identifier, state, failure_count, success_count, half_open_requests, extensions_count, recent_outcomes,
		       opened_at, last_failure_at, last_success_at, last_state_change,
		       failure_threshold, cooldown_ms, recovery_successes, max_extensions, failure_rate_percent, window_size, version
		FROM circuit_breakers WHERE level = ? AND identifier = ?
	`, string(level), identifier)

	var cb CircuitBreaker
	var levelStr, state, outcomes string
	var cooldownMs int64
	var openedAt, lastFailure, lastSuccess, lastChange sql.NullTime

	err := row.Scan(&levelStr, &cb.Identifier, &state, &cb.FailureCount, &cb.SuccessCount, &cb.HalfOpenRequests, &cb.ExtensionsCount, &outcomes,
		&openedAt, &lastFailure, &lastSuccess, &lastChange,
		&cb.FailureThreshold, &cooldownMs, &cb.RecoverySuccesses, &cb.MaxExtensions, &cb.FailureRatePercent, &cb.WindowSize, &cb.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return CircuitBreaker{}, ErrNotFound
	}
	if err != nil {
		return CircuitBreaker{}, err
	}

	cb.Level = BreakerLevel(levelStr)
	cb.State = BreakerState(state)
	cb.Cooldown = time.Duration(cooldownMs) * time.Millisecond
	_ = json.Unmarshal([]byte(outcomes), &cb.RecentOutcomes)
	if openedAt.Valid {
		cb.OpenedAt = openedAt.Time
	}
	if lastFailure.Valid {
		cb.LastFailureAt = lastFailure.Time
	}
	if lastSuccess.Valid {
		cb.LastSuccessAt = lastSuccess.Time
	}
	if lastChange.Valid {
		cb.LastStateChange = lastChange.Time
	}
	return cb, nil
}

func (s *SQLiteStore) CASCircuit(ctx context.Context, level BreakerLevel, identifier string, expectedVersion int64, mutate func(CircuitBreaker) CircuitBreaker) (CircuitBreaker, error) {
	if err := s.checkOpen(); err != nil {
		return CircuitBreaker{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CircuitBreaker{}, err
	}
	defer tx.Rollback()

	current, err := s.scanCircuit(ctx, level, identifier)
	if err != nil {
		return CircuitBreaker{}, err
	}
	if current.Version != expectedVersion {
		return CircuitBreaker{}, ErrContention
	}

	next := mutate(current)
	outcomes, _ := json.Marshal(next.RecentOutcomes)

	res, err := tx.ExecContext(ctx, `
		UPDATE circuit_breakers SET state = ?, failure_count = ?, success_count = ?, half_open_requests = ?, extensions_count = ?, recent_outcomes = ?,
			opened_at = ?, last_failure_at = ?, last_success_at = ?, last_state_change = ?, version = version + 1
		WHERE level = ? AND identifier = ? AND version = ?
	`, string(next.State), next.FailureCount, next.SuccessCount, next.HalfOpenRequests, next.ExtensionsCount, string(outcomes),
		nullableTime(next.OpenedAt), nullableTime(next.LastFailureAt), nullableTime(next.LastSuccessAt), nullableTime(next.LastStateChange),
		string(level), identifier, expectedVersion)
	if err != nil {
		return CircuitBreaker{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return CircuitBreaker{}, err
	}
	if affected == 0 {
		return CircuitBreaker{}, ErrContention
	}
	if err := tx.Commit(); err != nil {
		return CircuitBreaker{}, err
	}

	updated, err := s.scanCircuit(ctx, level, identifier)
	return updated, err
}

func (s *SQLiteStore) ListCircuits(ctx context.Context, level BreakerLevel) ([]CircuitBreaker, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT identifier FROM circuit_breakers WHERE level = ? ORDER BY identifier`, string(level))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	breakers := make([]CircuitBreaker, 0, len(ids))
	for _, id := range ids {
		cb, err := s.scanCircuit(ctx, level, id)
		if err != nil {
			return nil, err
		}
		breakers = append(breakers, cb)
	}
	return breakers, nil
}

func (s *SQLiteStore) RecordCircuitEvent(ctx context.Context, event CircuitEvent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctxJSON, _ := json.Marshal(event.Context)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_events (level, identifier, event_type, from_state, to_state, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(event.Level), event.Identifier, string(event.EventType), string(event.FromState), string(event.ToState), string(ctxJSON), event.At)
	return err
}

func (s *SQLiteStore) ListCircuitEvents(ctx context.Context, level BreakerLevel, identifier string) ([]CircuitEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT level, identifier, event_type, from_state, to_state, context, created_at
		FROM circuit_events WHERE level = ? AND identifier = ? ORDER BY created_at
	`, string(level), identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CircuitEvent
	for rows.Next() {
		var e CircuitEvent
		var levelStr, eventType, from, to, ctxJSON string
		if err := rows.Scan(&levelStr, &e.Identifier, &eventType, &from, &to, &ctxJSON, &e.At); err != nil {
			return nil, err
		}
		e.Level = BreakerLevel(levelStr)
		e.EventType = CircuitEventType(eventType)
		e.FromState = BreakerState(from)
		e.ToState = BreakerState(to)
		_ = json.Unmarshal([]byte(ctxJSON), &e.Context)
		events = append(events, e)
	}
	return events, rows.Err()
}

// QueueEvent persists ev to the transactional outbox, for callers that
// want their emit alongside a store mutation to survive a crash between
// the two.
func (s *SQLiteStore) QueueEvent(ctx context.Context, ev emit.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events_outbox (id, run_id, event_data, created_at) VALUES (?, ?, ?, ?)
	`, ev.ID, ev.RunID, string(data), ev.At)
	return err
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_data FROM events_outbox WHERE emitted_at IS NULL ORDER BY created_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []emit.Event
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var ev emit.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, err
		}
		ev.ID = id
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE events_outbox SET emitted_at = ? WHERE id = ?`, now, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
