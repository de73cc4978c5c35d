package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

// PostgresStore is a pgx-backed implementation of Store, for deployments
// that already standardize on Postgres for their other services. It uses
// SELECT ... FOR UPDATE the same way MySQLStore does; Postgres additionally
// lets ClaimNext take SKIP LOCKED so a second worker never even waits on a
// row a first worker is mid-claim on, it just moves to the next candidate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connString and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := runPostgresMigrations(connString); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	s := &PostgresStore{pool: pool}
	return s, nil
}

// runPostgresMigrations applies the embedded goose migrations through a
// plain database/sql handle. pgxpool is used for everything else; goose
// only ever talks to database/sql, so this is the one place the stdlib
// pgx driver is registered.
func runPostgresMigrations(connString string) error {
	goose.SetBaseFS(postgresMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	return goose.Up(db, "migrations")
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	dependsOn, _ := json.Marshal(task.DependsOn)
	criteria, _ := json.Marshal(task.AcceptanceCriteria)
	verifyCmd, _ := json.Marshal(task.VerifyCommand)
	exports, _ := json.Marshal(task.ModuleExports)

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (task_key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
		RETURNING id
	`, task.Key, task.Title, task.Goal, task.Phase, task.Sequence, string(task.Complexity), string(dependsOn), string(criteria), task.TestFile, task.ImplFile, string(verifyCmd), string(exports), task.ImplHints, string(StatusPending)).Scan(&id)
	if err != nil {
		return Task{}, fmt.Errorf("postgres: create task: %w", err)
	}
	task.ID = id
	task.Status = StatusPending
	task.Version = 1
	return task, nil
}

// scanPgTask is the pgx.Row counterpart of scanTask in sqlite.go;
// Postgres has its own scan helper since pgx.Row's
// Scan signature differs subtly enough (no error sentinel translation) to
// warrant not sharing scanTask across drivers.
func scanPgTask(row pgx.Row) (Task, error) {
	var t Task
	var complexity, dependsOn, criteria, verifyCmd, exports, status string
	var claimWorkerID int64
	var claimedAt, expiresAt *time.Time

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
	if claimedAt != nil {
		t.Claim.ClaimedAt = *claimedAt
	}
	if expiresAt != nil {
		t.Claim.ExpiresAt = *expiresAt
	}
	return t, nil
}

const taskColumns = `id, task_key, title, goal, phase, sequence, complexity, depends_on, acceptance_criteria, test_file, impl_file, verify_command, module_exports, impl_hints, status, claim_worker_id, claim_claimed_at, claim_expires_at, version`

func (s *PostgresStore) GetTask(ctx context.Context, key string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_key = $1`, key)
	task, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, statuses []Status) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, strs)
	}
	query += ` ORDER BY phase, sequence, task_key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNext uses FOR UPDATE SKIP LOCKED so concurrent claimers never
// block on each other's in-flight transaction, only on genuinely
// conflicting candidates.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID int64, now time.Time, claimTTL time.Duration) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, task_key, depends_on, claim_worker_id, claim_expires_at
		FROM tasks WHERE status = $1 ORDER BY phase, sequence, task_key FOR UPDATE SKIP LOCKED
	`, string(StatusPending))
	if err != nil {
		return Task{}, err
	}

	type candidate struct {
		id            int64
		key           string
		dependsOn     []string
		claimWorkerID int64
		expiresAt     *time.Time
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
		if c.claimWorkerID != 0 && c.expiresAt != nil && now.Before(*c.expiresAt) {
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
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $1, claim_worker_id = $2, claim_claimed_at = $3, claim_expires_at = $4, version = version + 1
			WHERE id = $5
		`, string(StatusInProgress), workerID, now, expires, c.id); err != nil {
			return Task{}, err
		}
		row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, c.id)
		task, err := scanPgTask(row)
		if err != nil {
			return Task{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Task{}, err
		}
		return task, nil
	}

	return Task{}, ErrNotFound
}

func (s *PostgresStore) dependencyStates(ctx context.Context, tx pgx.Tx) (map[string]Status, error) {
	rows, err := tx.Query(ctx, `SELECT task_key, status FROM tasks`)
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

func (s *PostgresStore) Release(ctx context.Context, taskID int64, expectedVersion int64, outcome Status) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback(ctx)

	var currentVersion int64
	if err := tx.QueryRow(ctx, `SELECT version FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&currentVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	if currentVersion != expectedVersion {
		return Task{}, ErrContention
	}

	clearClaim := outcome != StatusInProgress
	query := `UPDATE tasks SET status = $1, version = version + 1`
	if clearClaim {
		query += `, claim_worker_id = 0, claim_claimed_at = NULL, claim_expires_at = NULL`
	}
	query += ` WHERE id = $2 AND version = $3`

	if _, err := tx.Exec(ctx, query, string(outcome), taskID, expectedVersion); err != nil {
		return Task{}, err
	}

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanPgTask(row)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) ReapExpiredClaims(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, task_key FROM tasks WHERE status = $1 AND claim_expires_at IS NOT NULL AND claim_expires_at < $2 FOR UPDATE
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
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $1, claim_worker_id = 0, claim_claimed_at = NULL, claim_expires_at = NULL, version = version + 1
			WHERE id = $2
		`, string(StatusPending), e.id); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, e.key)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
	filesCreated, _ := json.Marshal(attempt.FilesCreated)
	filesModified, _ := json.Marshal(attempt.FilesModified)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO attempts (task_id, stage, attempt_number, started_at, completed_at, duration_ms, success, error_message, files_created, files_modified, verifier_stdout, verifier_stderr, verifier_exit, prompt_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id, stage, attempt_number) DO UPDATE SET
			completed_at = excluded.completed_at, duration_ms = excluded.duration_ms, success = excluded.success,
			error_message = excluded.error_message, files_created = excluded.files_created, files_modified = excluded.files_modified,
			verifier_stdout = excluded.verifier_stdout, verifier_stderr = excluded.verifier_stderr, verifier_exit = excluded.verifier_exit,
			prompt_fingerprint = excluded.prompt_fingerprint
	`, attempt.TaskID, string(attempt.Stage), attempt.AttemptNumber, attempt.StartedAt, attempt.CompletedAt, attempt.Duration.Milliseconds(), attempt.Success, attempt.ErrorMessage, string(filesCreated), string(filesModified), attempt.VerifierStdout, attempt.VerifierStderr, attempt.VerifierExit, attempt.PromptFingerprint)
	return err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, taskID int64) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, stage, attempt_number, started_at, completed_at, duration_ms, success, error_message, files_created, files_modified, verifier_stdout, verifier_stderr, verifier_exit, prompt_fingerprint
		FROM attempts WHERE task_id = $1 ORDER BY stage, attempt_number
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
		var filesCreated, filesModified string
		if err := rows.Scan(&a.TaskID, &stage, &a.AttemptNumber, &a.StartedAt, &a.CompletedAt, &durationMs, &a.Success, &a.ErrorMessage, &filesCreated, &filesModified, &a.VerifierStdout, &a.VerifierStderr, &a.VerifierExit, &a.PromptFingerprint); err != nil {
			return nil, err
		}
		a.Stage = Stage(stage)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		_ = json.Unmarshal([]byte(filesCreated), &a.FilesCreated)
		_ = json.Unmarshal([]byte(filesModified), &a.FilesModified)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) RegisterWorker(ctx context.Context, worker Worker) (Worker, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, status, registered_at, last_heartbeat, current_task_id, branch)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, last_heartbeat = excluded.last_heartbeat
	`, worker.ID, string(worker.Status), worker.RegisteredAt, worker.LastHeartbeat, worker.CurrentTaskID, worker.Branch)
	if err != nil {
		return Worker{}, err
	}
	return worker, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, workerID int64, now time.Time, taskID *int64) error {
	status := WorkerActive
	if taskID == nil {
		status = WorkerIdle
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE workers SET last_heartbeat = $1, status = $2, current_task_id = $3 WHERE id = $4
	`, now, string(status), taskID, workerID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO heartbeats (worker_id, timestamp, status, task_id) VALUES ($1, $2, $3, $4)
	`, workerID, now, string(status), taskID)
	return err
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.pool.Query(ctx, `
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
		if err := rows.Scan(&w.ID, &status, &w.RegisteredAt, &w.LastHeartbeat, &w.CurrentTaskID, &w.Branch); err != nil {
			return nil, err
		}
		w.Status = WorkerStatus(status)
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *PostgresStore) MarkWorkerDead(ctx context.Context, workerID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET status = $1 WHERE id = $2`, string(WorkerDead), workerID)
	return err
}

func (s *PostgresStore) RecordInvocation(ctx context.Context, inv Invocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invocations (run_id, worker_id, task_id, stage, timestamp, token_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inv.RunID, inv.WorkerID, inv.TaskID, string(inv.Stage), inv.Timestamp, inv.TokenCount, inv.Duration.Milliseconds())
	return err
}

func (s *PostgresStore) InvocationsUsed(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invocations WHERE run_id = $1`, runID).Scan(&count)
	return count, err
}

func (s *PostgresStore) GetCircuit(ctx context.Context, level BreakerLevel, identifier string, defaults CircuitBreaker) (CircuitBreaker, error) {
	cb, err := s.scanCircuit(ctx, s.pool, level, identifier)
	if errors.Is(err, ErrNotFound) {
		defaults.Level = level
		defaults.Identifier = identifier
		defaults.State = StateClosed
		defaults.Version = 1
		return s.insertCircuitDefault(ctx, defaults)
	}
	return cb, err
}

func (s *PostgresStore) insertCircuitDefault(ctx context.Context, cb CircuitBreaker) (CircuitBreaker, error) {
	outcomes, _ := json.Marshal(cb.RecentOutcomes)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (level, identifier, state, recent_outcomes, failure_threshold, cooldown_ms, recovery_successes, max_extensions, failure_rate_percent, window_size, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		ON CONFLICT (level, identifier) DO NOTHING
	`, string(cb.Level), cb.Identifier, string(cb.State), string(outcomes), cb.FailureThreshold, cb.Cooldown.Milliseconds(), cb.RecoverySuccesses, cb.MaxExtensions, cb.FailureRatePercent, cb.WindowSize)
	if err != nil {
		return CircuitBreaker{}, err
	}
	return s.scanCircuit(ctx, s.pool, cb.Level, cb.Identifier)
}

// pgQuerier abstracts over *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) scanCircuit(ctx context.Context, q pgQuerier, level BreakerLevel, identifier string) (CircuitBreaker, error) {
	row := q.QueryRow(ctx, `
		SELECT level, identifier, state, failure_count, success_count, half_open_requests, extensions_count, recent_outcomes,
		       opened_at, last_failure_at, last_success_at, last_state_change,
		       failure_threshold, cooldown_ms, recovery_successes, max_extensions, failure_rate_percent, window_size, version
		FROM circuit_breakers WHERE level = $1 AND identifier = $2
	`, string(level), identifier)

	var cb CircuitBreaker
	var levelStr, state, outcomes string
	var cooldownMs int64
	var openedAt, lastFailure, lastSuccess, lastChange *time.Time

	err := row.Scan(&levelStr, &cb.Identifier, &state, &cb.FailureCount, &cb.SuccessCount, &cb.HalfOpenRequests, &cb.ExtensionsCount, &outcomes,
		&openedAt, &lastFailure, &lastSuccess, &lastChange,
		&cb.FailureThreshold, &cooldownMs, &cb.RecoverySuccesses, &cb.MaxExtensions, &cb.FailureRatePercent, &cb.WindowSize, &cb.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return CircuitBreaker{}, ErrNotFound
	}
	if err != nil {
		return CircuitBreaker{}, err
	}

	cb.Level = BreakerLevel(levelStr)
	cb.State = BreakerState(state)
	cb.Cooldown = time.Duration(cooldownMs) * time.Millisecond
	_ = json.Unmarshal([]byte(outcomes), &cb.RecentOutcomes)
	if openedAt != nil {
		cb.OpenedAt = *openedAt
	}
	if lastFailure != nil {
		cb.LastFailureAt = *lastFailure
	}
	if lastSuccess != nil {
		cb.LastSuccessAt = *lastSuccess
	}
	if lastChange != nil {
		cb.LastStateChange = *lastChange
	}
	return cb, nil
}

func (s *PostgresStore) CASCircuit(ctx context.Context, level BreakerLevel, identifier string, expectedVersion int64, mutate func(CircuitBreaker) CircuitBreaker) (CircuitBreaker, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CircuitBreaker{}, err
	}
	defer tx.Rollback(ctx)

	var version int64
	if err := tx.QueryRow(ctx, `SELECT version FROM circuit_breakers WHERE level = $1 AND identifier = $2 FOR UPDATE`, string(level), identifier).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

	if _, err := tx.Exec(ctx, `
		UPDATE circuit_breakers SET state = $1, failure_count = $2, success_count = $3, half_open_requests = $4, extensions_count = $5, recent_outcomes = $6,
			opened_at = $7, last_failure_at = $8, last_success_at = $9, last_state_change = $10, version = version + 1
		WHERE level = $11 AND identifier = $12 AND version = $13
	`, string(next.State), next.FailureCount, next.SuccessCount, next.HalfOpenRequests, next.ExtensionsCount, string(outcomes),
		nullTimePtr(next.OpenedAt), nullTimePtr(next.LastFailureAt), nullTimePtr(next.LastSuccessAt), nullTimePtr(next.LastStateChange),
		string(level), identifier, expectedVersion); err != nil {
		return CircuitBreaker{}, err
	}

	updated, err := s.scanCircuit(ctx, tx, level, identifier)
	if err != nil {
		return CircuitBreaker{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return CircuitBreaker{}, err
	}
	return updated, nil
}

func nullTimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PostgresStore) ListCircuits(ctx context.Context, level BreakerLevel) ([]CircuitBreaker, error) {
	rows, err := s.pool.Query(ctx, `SELECT identifier FROM circuit_breakers WHERE level = $1 ORDER BY identifier`, string(level))
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
		cb, err := s.scanCircuit(ctx, s.pool, level, id)
		if err != nil {
			return nil, err
		}
		breakers = append(breakers, cb)
	}
	return breakers, nil
}

func (s *PostgresStore) RecordCircuitEvent(ctx context.Context, event CircuitEvent) error {
	ctxJSON, _ := json.Marshal(event.Context)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_events (level, identifier, event_type, from_state, to_state, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, string(event.Level), event.Identifier, string(event.EventType), string(event.FromState), string(event.ToState), string(ctxJSON), event.At)
	return err
}

func (s *PostgresStore) ListCircuitEvents(ctx context.Context, level BreakerLevel, identifier string) ([]CircuitEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT level, identifier, event_type, from_state, to_state, context, created_at
		FROM circuit_events WHERE level = $1 AND identifier = $2 ORDER BY created_at
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
func (s *PostgresStore) QueueEvent(ctx context.Context, ev emit.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events_outbox (id, run_id, event_data, created_at) VALUES ($1, $2, $3, $4)
	`, ev.ID, ev.RunID, string(data), ev.At)
	return err
}

func (s *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_data FROM events_outbox WHERE emitted_at IS NULL ORDER BY created_at LIMIT $1
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

func (s *PostgresStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	for _, id := range eventIDs {
		if _, err := tx.Exec(ctx, `UPDATE events_outbox SET emitted_at = $1 WHERE id = $2`, now, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
