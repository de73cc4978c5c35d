package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
)

// MySQLStore is a MySQL/MariaDB implementation of Store for multi-process
// deployments, where several orchestrator instances share one database and
// need real row locking rather than SQLite's single-writer serialization.
//
// DSN format: user:password@tcp(host:port)/dbname?parseTime=true. parseTime
// is required so TIMESTAMP columns scan into time.Time directly.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			task_key VARCHAR(255) NOT NULL,
			title TEXT NOT NULL,
			goal TEXT NOT NULL,
			phase INT NOT NULL,
			sequence INT NOT NULL,
			complexity VARCHAR(16) NOT NULL,
			depends_on JSON NOT NULL,
			acceptance_criteria JSON NOT NULL,
			test_file VARCHAR(1024) NOT NULL DEFAULT '',
			impl_file VARCHAR(1024) NOT NULL DEFAULT '',
			verify_command JSON NOT NULL,
			module_exports JSON NOT NULL,
			impl_hints TEXT,
			status VARCHAR(32) NOT NULL,
			claim_worker_id BIGINT NOT NULL DEFAULT 0,
			claim_claimed_at TIMESTAMP NULL,
			claim_expires_at TIMESTAMP NULL,
			version BIGINT NOT NULL DEFAULT 1,
			UNIQUE KEY unique_task_key (task_key),
			INDEX idx_phase_sequence (phase, sequence),
			INDEX idx_status (status),
			INDEX idx_claim_expires (claim_expires_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS attempts (
			task_id BIGINT NOT NULL,
			stage VARCHAR(16) NOT NULL,
			attempt_number INT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			duration_ms BIGINT NOT NULL,
			success TINYINT NOT NULL,
			error_message TEXT,
			files_created JSON NOT NULL,
			files_modified JSON NOT NULL,
			verifier_stdout MEDIUMTEXT,
			verifier_stderr MEDIUMTEXT,
			verifier_exit INT NOT NULL DEFAULT 0,
			prompt_fingerprint VARCHAR(64) NOT NULL DEFAULT '',
			PRIMARY KEY (task_id, stage, attempt_number)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS workers (
			id BIGINT PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			registered_at TIMESTAMP NOT NULL,
			last_heartbeat TIMESTAMP NOT NULL,
			current_task_id BIGINT NULL,
			branch VARCHAR(255) NOT NULL DEFAULT ''
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS heartbeats (
			worker_id BIGINT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			status VARCHAR(16) NOT NULL,
			task_id BIGINT NULL,
			INDEX idx_worker_time (worker_id, timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS invocations (
			run_id VARCHAR(255) NOT NULL,
			worker_id BIGINT NOT NULL,
			task_id BIGINT NOT NULL,
			stage VARCHAR(16) NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			INDEX idx_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			level VARCHAR(16) NOT NULL,
			identifier VARCHAR(255) NOT NULL,
			state VARCHAR(16) NOT NULL,
			failure_count INT NOT NULL DEFAULT 0,
			success_count INT NOT NULL DEFAULT 0,
			half_open_requests INT NOT NULL DEFAULT 0,
			extensions_count INT NOT NULL DEFAULT 0,
			recent_outcomes JSON NOT NULL,
			opened_at TIMESTAMP NULL,
			last_failure_at TIMESTAMP NULL,
			last_success_at TIMESTAMP NULL,
			last_state_change TIMESTAMP NULL,
			failure_threshold INT NOT NULL DEFAULT 0,
			cooldown_ms BIGINT NOT NULL DEFAULT 0,
			recovery_successes INT NOT NULL DEFAULT 0,
			max_extensions INT NOT NULL DEFAULT 0,
			failure_rate_percent INT NOT NULL DEFAULT 0,
			window_size INT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			PRIMARY KEY (level, identifier),
			INDEX idx_level_state (level, state)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS circuit_events (
			level VARCHAR(16) NOT NULL,
			identifier VARCHAR(255) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			from_state VARCHAR(16) NOT NULL DEFAULT '',
			to_state VARCHAR(16) NOT NULL DEFAULT '',
			context JSON,
			created_at TIMESTAMP NOT NULL,
			INDEX idx_type_time (event_type, created_at),
			INDEX idx_identity (level, identifier)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS events_outbox (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			event_data JSON NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL,
			INDEX idx_pending (emitted_at, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("mysql: store is closed")
	}
	return nil
}

func (s *MySQLStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}
	dependsOn, _ := json.Marshal(task.DependsOn)
	criteria, _ := json.Marshal(task.AcceptanceCriteria)
	verifyCmd, _ := json.Marshal(task.VerifyCommand)
	exports, _ := json.Marshal(task.ModuleExports)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, task.Key, task.Title, task.Goal, task.Phase, task.Sequence, string(task.Complexity), string(dependsOn), string(criteria), task.TestFile, task.ImplFile, string(verifyCmd), string(exports), task.ImplHints, string(StatusPending))
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return Task{}, fmt.Errorf("mysql: create task: %s already exists", task.Key)
		}
		return Task{}, fmt.Errorf("mysql: create task: %w", err)
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

func (s *MySQLStore) GetTask(ctx context.Context, key string) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
		FROM tasks WHERE task_key = ?
	`, key)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (s *MySQLStore) ListTasks(ctx context.Context, statuses []Status) ([]Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, task_key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
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
	query += " ORDER BY phase, sequence, task_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: list tasks: %w", err)
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

// ClaimNext locks every pending row with SELECT ... FOR UPDATE so two
// orchestrator processes racing against the same database cannot both
// claim the same task: MySQL blocks the second transaction's lock
// acquisition until the first commits or rolls back.
func (s *MySQLStore) ClaimNext(ctx context.Context, workerID int64, now time.Time, claimTTL time.Duration) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, task_key, depends_on, claim_worker_id, claim_expires_at
		FROM tasks WHERE status = ? ORDER BY phase, sequence, task_key FOR UPDATE
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
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claim_worker_id = ?, claim_claimed_at = ?, claim_expires_at = ?, version = version + 1
			WHERE id = ?
		`, string(StatusInProgress), workerID, now, expires, c.id); err != nil {
			return Task{}, err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, task_key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
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

func (s *MySQLStore) dependencyStates(ctx context.Context, tx *sql.Tx) (map[string]Status, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_key, status FROM tasks`)
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

func (s *MySQLStore) Release(ctx context.Context, taskID int64, expectedVersion int64, outcome Status) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	var currentVersion int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ? FOR UPDATE`, taskID).Scan(&currentVersion); err != nil {
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
		SELECT id, task_key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version
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

func (s *MySQLStore) ReapExpiredClaims(ctx context.Context, now time.Time) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, task_key FROM tasks WHERE status = ? AND claim_expires_at IS NOT NULL AND claim_expires_at < ? FOR UPDATE
	`, string(StatusInProgress), now)
	if err != nil {
		return nil, err
	}
	type expired struct {
		id  int64
		key string
	}
	var pending []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.key); err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, e := range pending {
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

func (s *MySQLStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	filesCreated, _ := json.Marshal(attempt.FilesCreated)
	filesModified, _ := json.Marshal(attempt.FilesModified)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, stage, attempt_number, started_at, completed_at, duration_ms, success, error_message, files_created, files_modified, verifier_stdout, verifier_stderr, verifier_exit, prompt_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			completed_at = VALUES(completed_at), duration_ms = VALUES(duration_ms), success = VALUES(success),
			error_message = VALUES(error_message), files_created = VALUES(files_created), files_modified = VALUES(files_modified),
			verifier_stdout = VALUES(verifier_stdout), verifier_stderr = VALUES(verifier_stderr), verifier_exit = VALUES(verifier_exit),
			prompt_fingerprint = VALUES(prompt_fingerprint)
	`, attempt.TaskID, string(attempt.Stage), attempt.AttemptNumber, attempt.StartedAt, attempt.CompletedAt, attempt.Duration.Milliseconds(), boolToInt(attempt.Success), attempt.ErrorMessage, string(filesCreated), string(filesModified), attempt.VerifierStdout, attempt.VerifierStderr, attempt.VerifierExit, attempt.PromptFingerprint)
	return err
}

func (s *MySQLStore) ListAttempts(ctx context.Context, taskID int64) ([]Attempt, error) {
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

func (s *MySQLStore) RegisterWorker(ctx context.Context, worker Worker) (Worker, error) {
	if err := s.checkOpen(); err != nil {
		return Worker{}, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, status, registered_at, last_heartbeat, current_task_id, branch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), last_heartbeat = VALUES(last_heartbeat)
	`, worker.ID, string(worker.Status), worker.RegisteredAt, worker.LastHeartbeat, nullableInt64(worker.CurrentTaskID), worker.Branch)
	if err != nil {
		return Worker{}, err
	}
	return worker, nil
}

func (s *MySQLStore) Heartbeat(ctx context.Context, workerID int64, now time.Time, taskID *int64) error {
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

func (s *MySQLStore) ListWorkers(ctx context.Context) ([]Worker, error) {
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

func (s *MySQLStore) MarkWorkerDead(ctx context.Context, workerID int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, string(WorkerDead), workerID)
	return err
}

func (s *MySQLStore) RecordInvocation(ctx context.Context, inv Invocation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (run_id, worker_id, task_id, stage, timestamp, token_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inv.RunID, inv.WorkerID, inv.TaskID, string(inv.Stage), inv.Timestamp, inv.TokenCount, inv.Duration.Milliseconds())
	return err
}

func (s *MySQLStore) InvocationsUsed(ctx context.Context, runID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invocations WHERE run_id = ?`, runID).Scan(&count)
	return count, err
}

func (s *MySQLStore) GetCircuit(ctx context.Context, level BreakerLevel, identifier string, defaults CircuitBreaker) (CircuitBreaker, error) {
	if err := s.checkOpen(); err != nil {
		return CircuitBreaker{}, err
	}
	cb, err := s.scanCircuit(ctx, s.db, level, identifier)
	if errors.Is(err, ErrNotFound) {
		defaults.Level = level
		defaults.Identifier = identifier
		defaults.State = StateClosed
		defaults.Version = 1
		return s.insertCircuitDefault(ctx, defaults)
	}
	return cb, err
}

func (s *MySQLStore) insertCircuitDefault(ctx context.Context, cb CircuitBreaker) (CircuitBreaker, error) {
	outcomes, _ := json.Marshal(cb.RecentOutcomes)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (level, identifier, state, recent_outcomes, failure_threshold, cooldown_ms, recovery_successes, max_extensions, failure_rate_percent, window_size, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON DUPLICATE KEY UPDATE level = level
	`, string(cb.Level), cb.Identifier, string(cb.State), string(outcomes), cb.FailureThreshold, cb.Cooldown.Milliseconds(), cb.RecoverySuccesses, cb.MaxExtensions, cb.FailureRatePercent, cb.WindowSize)
	if err != nil {
		return CircuitBreaker{}, err
	}
	return s.scanCircuit(ctx, s.db, cb.Level, cb.Identifier)
}

// queryRower abstracts over *sql.DB and *sql.Tx so scanCircuit serves both
// the plain read path and the CAS path's locked read.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *MySQLStore) scanCircuit(ctx context.Context, q queryRower, level BreakerLevel, identifier string) (CircuitBreaker, error) {
	row := q.QueryRowContext(ctx, `
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

func (s *MySQLStore) CASCircuit(ctx context.Context, level BreakerLevel, identifier string, expectedVersion int64, mutate func(CircuitBreaker) CircuitBreaker) (CircuitBreaker, error) {
	if err := s.checkOpen(); err != nil {
		return CircuitBreaker{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CircuitBreaker{}, err
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM circuit_breakers WHERE level = ? AND identifier = ? FOR UPDATE`, string(level), identifier).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CircuitBreaker{}, ErrNotFound
		}
		return CircuitBreaker{}, err
	}
	if version != expectedVersion {
		return CircuitBreaker{}, ErrContention
	}

	current, err := s.scanCircuit(ctx, tx, level, identifier)
	if err != nil {
		return CircuitBreaker{}, err
	}

	next := mutate(current)
	outcomes, _ := json.Marshal(next.RecentOutcomes)

	if _, err := tx.ExecContext(ctx, `
		UPDATE circuit_breakers SET state = ?, failure_count = ?, success_count = ?, half_open_requests = ?, extensions_count = ?, recent_outcomes = ?,
			opened_at = ?, last_failure_at = ?, last_success_at = ?, last_state_change = ?, version = version + 1
		WHERE level = ? AND identifier = ? AND version = ?
	`, string(next.State), next.FailureCount, next.SuccessCount, next.HalfOpenRequests, next.ExtensionsCount, string(outcomes),
		nullableTime(next.OpenedAt), nullableTime(next.LastFailureAt), nullableTime(next.LastSuccessAt), nullableTime(next.LastStateChange),
		string(level), identifier, expectedVersion); err != nil {
		return CircuitBreaker{}, err
	}

	updated, err := s.scanCircuit(ctx, tx, level, identifier)
	if err != nil {
		return CircuitBreaker{}, err
	}
	if err := tx.Commit(); err != nil {
		return CircuitBreaker{}, err
	}
	return updated, nil
}

func (s *MySQLStore) ListCircuits(ctx context.Context, level BreakerLevel) ([]CircuitBreaker, error) {
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
		cb, err := s.scanCircuit(ctx, s.db, level, id)
		if err != nil {
			return nil, err
		}
		breakers = append(breakers, cb)
	}
	return breakers, nil
}

func (s *MySQLStore) RecordCircuitEvent(ctx context.Context, event CircuitEvent) error {
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

func (s *MySQLStore) ListCircuitEvents(ctx context.Context, level BreakerLevel, identifier string) ([]CircuitEvent, error) {
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

// QueueEvent persists ev to the transactional outbox.
func (s *MySQLStore) QueueEvent(ctx context.Context, ev emit.Event) error {
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

func (s *MySQLStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
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

func (s *MySQLStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
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

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
