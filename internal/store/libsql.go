package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). Checkpoints survive process restarts, which is what lets a polling
// worker resume interrupted runs.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/reprise.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow runs ---

func (s *LibSQLStore) CreateWorkflowRun(ctx context.Context, def *schema.WorkflowDefinition, initialContext, metadata map[string]any) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "definition is nil")
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	ctxJSON, err := marshalMapOrDefault(initialContext)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	metaJSON, err := marshalMapOrDefault(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	runID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeErr("begin create run", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, state, definition, context, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, string(schema.StatePending), string(defJSON), string(ctxJSON), string(metaJSON), now, now,
	); err != nil {
		return "", storeErr("insert workflow", err)
	}
	for _, step := range def.Steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (workflow_id, name, state, input, retries) VALUES (?, ?, ?, ?, 0)`,
			runID, step.Name, string(schema.StatePending), nullRaw(step.Params),
		); err != nil {
			return "", storeErr("insert step", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", storeErr("commit create run", err)
	}
	return runID, nil
}

func (s *LibSQLStore) UpdateWorkflowState(ctx context.Context, runID string, state schema.State, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin run update", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM workflows WHERE id = ?`, runID).Scan(&current)
	if err == sql.ErrNoRows {
		return notFound("run", runID)
	}
	if err != nil {
		return storeErr("read run state", err)
	}
	if err := checkTransition("run", runID, schema.State(current), state); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET state = ?, error = COALESCE(?, error), updated_at = ? WHERE id = ?`,
		string(state), nullStr(errMsg), time.Now().UTC(), runID,
	); err != nil {
		return storeErr("update run state", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit run update", err)
	}
	return nil
}

func (s *LibSQLStore) UpdateStepState(ctx context.Context, runID, step string, state schema.State, output any, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin step update", err)
	}
	defer tx.Rollback()

	var runCtx string
	err = tx.QueryRowContext(ctx, `SELECT context FROM workflows WHERE id = ?`, runID).Scan(&runCtx)
	if err == sql.ErrNoRows {
		return notFound("run", runID)
	}
	if err != nil {
		return storeErr("read run", err)
	}

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM steps WHERE workflow_id = ? AND name = ?`, runID, step,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return notFound("step", step)
	}
	if err != nil {
		return storeErr("read step state", err)
	}
	if err := checkTransition("step", step, schema.State(current), state); err != nil {
		return err
	}

	now := time.Now().UTC()
	sets := []string{"state = ?"}
	args := []any{string(state)}
	if errMsg != "" {
		sets = append(sets, "error = ?")
		args = append(args, errMsg)
	}

	switch state {
	case schema.StateRunning:
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	case schema.StateRetrying:
		sets = append(sets, "retries = retries + 1")
	case schema.StateCompleted, schema.StateFailed:
		sets = append(sets, "finished_at = COALESCE(finished_at, ?)")
		args = append(args, now)
	}
	if state == schema.StateCompleted {
		outJSON, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(outJSON))

		// Publish the output into the run context in the same transaction.
		var cx map[string]any
		if err := json.Unmarshal([]byte(runCtx), &cx); err != nil {
			return fmt.Errorf("unmarshal run context: %w", err)
		}
		if cx == nil {
			cx = map[string]any{}
		}
		cx[step] = output
		cxJSON, err := json.Marshal(cx)
		if err != nil {
			return fmt.Errorf("marshal run context: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET context = ?, updated_at = ? WHERE id = ?`,
			string(cxJSON), now, runID,
		); err != nil {
			return storeErr("update run context", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET updated_at = ? WHERE id = ?`, now, runID,
		); err != nil {
			return storeErr("touch run", err)
		}
	}

	args = append(args, runID, step)
	query := fmt.Sprintf(`UPDATE steps SET %s WHERE workflow_id = ? AND name = ?`, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return storeErr("update step state", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit step update", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflowState(ctx context.Context, runID string) (*WorkflowRun, error) {
	run := &WorkflowRun{ID: runID}
	var (
		state, defJSON, ctxJSON string
		metaJSON, errMsg        sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, definition, context, metadata, error, created_at, updated_at
		 FROM workflows WHERE id = ?`, runID,
	).Scan(&state, &defJSON, &ctxJSON, &metaJSON, &errMsg, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, storeErr("read run", err)
	}

	run.State = schema.State(state)
	run.Error = errMsg.String
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &run.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &run.Metadata)
	}

	steps, err := s.loadSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

func (s *LibSQLStore) loadSteps(ctx context.Context, runID string) (map[string]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, state, input, output, error, started_at, finished_at, retries
		 FROM steps WHERE workflow_id = ?`, runID)
	if err != nil {
		return nil, storeErr("read steps", err)
	}
	defer rows.Close()

	steps := make(map[string]*StepRecord)
	for rows.Next() {
		rec := &StepRecord{}
		var state string
		var input, output, errMsg sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&rec.Name, &state, &input, &output, &errMsg, &startedAt, &finishedAt, &rec.Retries); err != nil {
			return nil, storeErr("scan step", err)
		}
		rec.State = schema.State(state)
		rec.Input = rawOrNil(input)
		rec.Error = errMsg.String
		if output.Valid && output.String != "" {
			_ = json.Unmarshal([]byte(output.String), &rec.Output)
		}
		if startedAt.Valid {
			rec.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			rec.FinishedAt = &finishedAt.Time
		}
		steps[rec.Name] = rec
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) ListActiveWorkflows(ctx context.Context) ([]*WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workflows WHERE state != ? ORDER BY created_at`,
		string(schema.StateCompleted))
	if err != nil {
		return nil, storeErr("list active runs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan run id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list active runs", err)
	}

	runs := make([]*WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetWorkflowState(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// --- Run log ---

func (s *LibSQLStore) AppendLog(ctx context.Context, runID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (workflow_id, message, created_at) VALUES (?, ?, ?)`,
		runID, message, time.Now().UTC())
	if err != nil {
		return storeErr("append log", err)
	}
	return nil
}

func (s *LibSQLStore) GetLogs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message FROM run_logs WHERE workflow_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, storeErr("read logs", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, storeErr("scan log", err)
		}
		lines = append(lines, msg)
	}
	return lines, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires an ID")
	}
	defJSON, err := json.Marshal(job.Definition)
	if err != nil {
		return fmt.Errorf("marshal job definition: %w", err)
	}
	params, err := marshalMapOrDefault(job.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expression, definition, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpression, string(defJSON), string(params),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
		}
		return storeErr("insert scheduled job", err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var defJSON string
	var params, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expression, definition, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Name, &job.CronExpression, &defJSON, &params, &job.Enabled,
		&lastRun, &nextRun, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("scheduled job", id)
	}
	if err != nil {
		return nil, storeErr("read scheduled job", err)
	}
	if err := json.Unmarshal([]byte(defJSON), &job.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal job definition: %w", err)
	}
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &job.Params)
	}
	job.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE scheduled_jobs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return storeErr("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT id FROM scheduled_jobs`
	var args []any
	if filter.Enabled != nil {
		query += ` WHERE enabled = ?`
		args = append(args, *filter.Enabled)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan job id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}

	jobs := make([]*ScheduledJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetScheduledJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeErr(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return notFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
