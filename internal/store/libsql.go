package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/arvensis/weft/pkg/schema"
)

// LibSQLStore implements Store on top of libSQL (an embedded SQLite fork).
// A single connection enforces the single-writer discipline §4.5 assumes;
// reads and writes serialize through the same *sql.DB.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at dbPath ("file:/path/to/db" or
// ":memory:" for tests) and configures it for single-writer WAL mode.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	return &LibSQLStore{db: db}, nil
}

// DB exposes the underlying connection for the event log's hot-path writer.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, template_name, template_version, definition, status, agent_id, parent_run_id, inputs, outputs, error, created_at, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.WorkflowName), nullStr(run.TemplateName), nullStr(run.TemplateVersion),
		string(def), string(run.Status), nullStr(run.AgentID), nullStr(run.ParentRunID),
		string(inputs), nullRaw(run.Outputs), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.EndedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, template_name, template_version, definition, status, agent_id, parent_run_id, inputs, outputs, error, created_at, started_at, ended_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_name, template_name, template_version, definition, status, agent_id, parent_run_id, inputs, outputs, error, created_at, started_at, ended_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// scanner abstracts *sql.Row and *sql.Rows so scanRun serves both GetRun and
// ListRuns without duplicating the column list.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var (
		name, tmplName, tmplVer, agentID, parentID sql.NullString
		defJSON, inputsJSON                        string
		outputsJSON, errorJSON                     sql.NullString
		startedAt, endedAt                         sql.NullTime
		status                                     string
	)
	err := row.Scan(&run.ID, &name, &tmplName, &tmplVer, &defJSON, &status, &agentID, &parentID,
		&inputsJSON, &outputsJSON, &errorJSON, &run.CreatedAt, &startedAt, &endedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.WorkflowName = name.String
	run.TemplateName = tmplName.String
	run.TemplateVersion = tmplVer.String
	run.AgentID = agentID.String
	run.ParentRunID = parentID.String
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &run.Inputs)
	}
	run.Outputs = rawOrNil(outputsJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return run, nil
}

// --- Step executions ---

func (s *LibSQLStore) CreateStep(ctx context.Context, exec *StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (id, run_id, step_id, iteration_index, status, attempt, input, output, error, usage, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RunID, exec.StepID, nullInt(exec.IterationIndex), string(exec.Status), exec.Attempt,
		nullRaw(exec.Input), nullRaw(exec.Output), nullRaw(exec.Error), nullRaw(exec.Usage),
		nullTime(exec.StartedAt), nullTime(exec.EndedAt), exec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) StartStep(ctx context.Context, execID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(schema.StepStatusRunning), time.Now().UTC(), execID, string(schema.StepStatusPending),
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step_execution", execID)
}

func (s *LibSQLStore) CompleteStep(ctx context.Context, execID string, status string, output, errPayload, usage []byte) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, output = ?, error = ?, usage = ?, ended_at = ?,
		   duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		 WHERE id = ?`,
		status, nullRaw(json.RawMessage(output)), nullRaw(json.RawMessage(errPayload)), nullRaw(json.RawMessage(usage)),
		now, now, execID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step_execution", execID)
}

const stepExecutionCols = "id, run_id, step_id, iteration_index, status, attempt, input, output, error, usage, started_at, ended_at, duration_ms"

func scanStepExecution(row scanner) (*StepExecution, error) {
	exec := &StepExecution{}
	var status string
	var input, output, errJSON, usage sql.NullString
	var startedAt, endedAt sql.NullTime
	var iter sql.NullInt64
	if err := row.Scan(&exec.ID, &exec.RunID, &exec.StepID, &iter, &status, &exec.Attempt,
		&input, &output, &errJSON, &usage, &startedAt, &endedAt, &exec.DurationMs); err != nil {
		return nil, err
	}
	exec.Status = schema.StepStatus(status)
	if iter.Valid {
		v := int(iter.Int64)
		exec.IterationIndex = &v
	}
	exec.Input = rawOrNil(input)
	exec.Output = rawOrNil(output)
	exec.Error = rawOrNil(errJSON)
	exec.Usage = rawOrNil(usage)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		exec.EndedAt = &endedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) GetMainStep(ctx context.Context, runID, stepID string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepExecutionCols+` FROM step_executions
		 WHERE run_id = ? AND step_id = ? AND iteration_index IS NULL
		 ORDER BY attempt DESC LIMIT 1`, runID, stepID)
	exec, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_execution", runID+"/"+stepID)
	}
	return exec, err
}

func (s *LibSQLStore) GetStepIterations(ctx context.Context, runID, stepID string, filter IterationFilter) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepExecutionCols+` FROM step_executions
		 WHERE run_id = ? AND step_id = ? AND iteration_index IS NOT NULL
		 ORDER BY iteration_index ASC`, runID, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*StepExecution
	for rows.Next() {
		exec, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		if !filter.IncludeOutput {
			exec.Output = nil
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) CountStepIterations(ctx context.Context, runID, stepID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_executions WHERE run_id = ? AND step_id = ? AND iteration_index IS NOT NULL`,
		runID, stepID,
	).Scan(&n)
	return n, err
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepExecutionCols+` FROM step_executions WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*StepExecution
	for rows.Next() {
		exec, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-run sequence number transactionally,
// mirroring the donor's pattern of deriving ordering from a counted MAX
// rather than trusting wall-clock timestamps for replay order.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	ts := timeOrNow(event.Timestamp)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, agent_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), nullStr(event.AgentID), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, agent_id, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step_id, event_type, payload, agent_id, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, agentID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &agentID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.AgentID = agentID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Run context ---

func (s *LibSQLStore) UpsertRunContext(ctx context.Context, runCtx *RunContext) error {
	now := timeOrNow(runCtx.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_context (run_id, agent_id, original_intent, accumulated_data, agent_notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   agent_id = excluded.agent_id, original_intent = excluded.original_intent,
		   accumulated_data = excluded.accumulated_data, agent_notes = excluded.agent_notes,
		   updated_at = excluded.updated_at`,
		runCtx.RunID, nullStr(runCtx.AgentID), runCtx.OriginalIntent,
		nullRaw(runCtx.AccumulatedData), nullStr(runCtx.AgentNotes),
		timeOrNow(runCtx.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetRunContext(ctx context.Context, runID string) (*RunContext, error) {
	rc := &RunContext{}
	var agentID, notes, accData sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, agent_id, original_intent, accumulated_data, agent_notes, created_at, updated_at
		 FROM run_context WHERE run_id = ?`, runID,
	).Scan(&rc.RunID, &agentID, &rc.OriginalIntent, &accData, &notes, &rc.CreatedAt, &rc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run_context", runID)
	}
	if err != nil {
		return nil, err
	}
	rc.AgentID = agentID.String
	rc.AccumulatedData = rawOrNil(accData)
	rc.AgentNotes = notes.String
	return rc, nil
}

// --- External events / suspensions ---

// StoreEvent records an externally-delivered event as a run event so it
// survives restarts and replays in sequence alongside step execution
// events; resuming a suspended step consults both this trace and the
// suspensions table.
func (s *LibSQLStore) StoreEvent(ctx context.Context, runID, name string, data []byte) error {
	return s.AppendEvent(ctx, &Event{
		RunID:   runID,
		Type:    "external:" + name,
		Payload: json.RawMessage(data),
	})
}

func (s *LibSQLStore) Suspend(ctx context.Context, sp *Suspension) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suspensions (run_id, step_id, event_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET event_name = excluded.event_name`,
		sp.RunID, sp.StepID, sp.EventName, timeOrNow(sp.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSuspendedStepsForEvent(ctx context.Context, name string) ([]*Suspension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, event_name, created_at FROM suspensions WHERE event_name = ?`, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Suspension
	for rows.Next() {
		sp := &Suspension{}
		if err := rows.Scan(&sp.RunID, &sp.StepID, &sp.EventName, &sp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ClearSuspension(ctx context.Context, runID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM suspensions WHERE run_id = ? AND step_id = ?`, runID, stepID)
	return err
}

// --- Pending decisions ---

func (s *LibSQLStore) CreateDecision(ctx context.Context, dec *PendingDecision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_decisions (id, run_id, step_id, agent_id, context, options, fallback, status, timeout_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.RunID, dec.StepID, nullStr(dec.AgentID),
		string(dec.Context), nullRaw(dec.Options), nullStr(dec.Fallback), dec.Status,
		nullTime(dec.TimeoutAt), timeOrNow(dec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ResolveDecision(ctx context.Context, id string, resolution *Resolution) error {
	resJSON, err := json.Marshal(resolution)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_decisions SET resolution = ?, resolved_by = ?, resolved_at = ?, status = 'resolved'
		 WHERE id = ? AND status = 'pending'`,
		string(resJSON), resolution.ResolvedBy, timeOrNow(resolution.ResolvedAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending_decision", id)
}

func (s *LibSQLStore) CancelDecision(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_decisions SET status = 'cancelled' WHERE id = ? AND status = 'pending'`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending_decision", id)
}

func (s *LibSQLStore) ListPendingDecisions(ctx context.Context, filter DecisionFilter) ([]*PendingDecision, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, run_id, step_id, agent_id, context, options, fallback, resolution, resolved_by, resolved_at, timeout_at, status, created_at FROM pending_decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*PendingDecision
	for rows.Next() {
		d := &PendingDecision{}
		var agentID, fallback, resolvedBy, optionsJSON, resolutionJSON sql.NullString
		var contextJSON string
		var timeoutAt, resolvedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.RunID, &d.StepID, &agentID,
			&contextJSON, &optionsJSON, &fallback,
			&resolutionJSON, &resolvedBy, &resolvedAt, &timeoutAt, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.AgentID = agentID.String
		d.Context = json.RawMessage(contextJSON)
		d.Options = rawOrNil(optionsJSON)
		d.Fallback = fallback.String
		d.ResolvedBy = resolvedBy.String
		d.Resolution = rawOrNil(resolutionJSON)
		if timeoutAt.Valid {
			d.TimeoutAt = &timeoutAt.Time
		}
		if resolvedAt.Valid {
			d.ResolvedAt = &resolvedAt.Time
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Memory ---

func (s *LibSQLStore) StoreMemory(ctx context.Context, entry *MemoryEntry) error {
	embedding, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory (id, text, embedding, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET text = excluded.text, embedding = excluded.embedding, metadata = excluded.metadata`,
		entry.ID, entry.Text, string(embedding), nullRaw(entry.Metadata), timeOrNow(entry.CreatedAt),
	)
	return err
}

// SearchMemory ranks every stored entry by cosine similarity in process.
// Nothing in the retrieved stack ships a vector index for embedded SQLite,
// and this store's scale (single-process workflow runs) doesn't call for
// one; a full scan keeps the dependency surface honest about what it does.
func (s *LibSQLStore) SearchMemory(ctx context.Context, embedding []float32, topK int) ([]*MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, embedding, metadata, created_at FROM memory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		entry *MemoryEntry
		score float64
	}
	var all []scored
	for rows.Next() {
		e := &MemoryEntry{}
		var embJSON string
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Text, &embJSON, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(embJSON), &e.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		e.Metadata = rawOrNil(metadata)
		all = append(all, scored{entry: e, score: cosineSimilarity(embedding, e.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 1; i < len(all); i++ {
		v := all[i]
		j := i - 1
		for j >= 0 && all[j].score < v.score {
			all[j+1] = all[j]
			j--
		}
		all[j+1] = v
	}

	if topK > 0 && topK < len(all) {
		all = all[:topK]
	}
	out := make([]*MemoryEntry, len(all))
	for i, sc := range all {
		out[i] = sc.entry
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (sqrtNewton(magA) * sqrtNewton(magB))
}

// sqrtNewton avoids pulling in math for a single call site; Newton's method
// converges to float64 precision in well under 20 iterations for the
// magnitudes embeddings produce.
func sqrtNewton(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *WorkflowTemplate) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal template definition: %w", err)
	}
	now := timeOrNow(tpl.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (name, version, description, definition, input_schema, output_schema, agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   description = excluded.description, definition = excluded.definition,
		   input_schema = excluded.input_schema, output_schema = excluded.output_schema,
		   updated_at = excluded.updated_at`,
		tpl.Name, tpl.Version, nullStr(tpl.Description), string(def),
		nullRaw(tpl.InputSchema), nullRaw(tpl.OutputSchema),
		nullStr(tpl.AgentID), timeOrNow(tpl.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, name string, version string) (*WorkflowTemplate, error) {
	t := &WorkflowTemplate{}
	var desc, agentID, inputSchema, outputSchema sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, description, definition, input_schema, output_schema, agent_id, created_at, updated_at
		 FROM workflow_templates WHERE name = ? AND version = ?`, name, version,
	).Scan(&t.Name, &t.Version, &desc, &defJSON, &inputSchema, &outputSchema, &agentID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", name+":"+version)
	}
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.AgentID = agentID.String
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	t.InputSchema = rawOrNil(inputSchema)
	t.OutputSchema = rawOrNil(outputSchema)
	return t, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*WorkflowTemplate, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}

	query := `SELECT name, version, description, definition, input_schema, output_schema, agent_id, created_at, updated_at FROM workflow_templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		t := &WorkflowTemplate{}
		var desc, agentID, inputSchema, outputSchema sql.NullString
		var defJSON string
		if err := rows.Scan(&t.Name, &t.Version, &desc, &defJSON, &inputSchema, &outputSchema, &agentID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.AgentID = agentID.String
		if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal template definition: %w", err)
		}
		t.InputSchema = rawOrNil(inputSchema)
		t.OutputSchema = rawOrNil(outputSchema)
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, template_name, template_version, cron_expression, params, agent_id, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TemplateName, nullStr(job.TemplateVersion), job.CronExpression,
		nullRaw(job.Params), nullStr(job.AgentID), job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var tmplVer, agentID, lastStatus, params sql.NullString
	var lastRunAt, nextRunAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_name, template_version, cron_expression, params, agent_id, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.TemplateName, &tmplVer, &job.CronExpression, &params, &agentID, &job.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	job.TemplateVersion = tmplVer.String
	job.AgentID = agentID.String
	job.LastRunStatus = lastStatus.String
	job.Params = rawOrNil(params)
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
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

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}

	query := `SELECT id, template_name, template_version, cron_expression, params, agent_id, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var tmplVer, agentID, lastStatus, params sql.NullString
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&job.ID, &job.TemplateName, &tmplVer, &job.CronExpression, &params, &agentID, &job.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.TemplateVersion = tmplVer.String
		job.AgentID = agentID.String
		job.LastRunStatus = lastStatus.String
		job.Params = rawOrNil(params)
		if lastRunAt.Valid {
			job.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			job.NextRunAt = &nextRunAt.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Audit trail ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (run_id, agent_id, action, step_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RunID, nullStr(entry.AgentID), entry.Action, nullStr(entry.StepID), nullRaw(entry.Details), timeOrNow(entry.Timestamp),
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, runID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, agent_id, action, step_id, details, timestamp FROM audit_entries WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var agentID, stepID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &agentID, &e.Action, &stepID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.AgentID = agentID.String
		e.StepID = stepID.String
		e.Details = rawOrNil(details)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
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

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
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
