package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/hermes/internal/model"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workers (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS qualifications (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS granted_qualifications (
    qualification_id TEXT NOT NULL REFERENCES qualifications(id),
    worker_id        TEXT NOT NULL REFERENCES workers(id),
    value            INTEGER NOT NULL,
    granted_at       DATETIME NOT NULL,
    PRIMARY KEY (qualification_id, worker_id)
)`,
	`CREATE TABLE IF NOT EXISTS units (
    id          TEXT PRIMARY KEY,
    task_run_id TEXT NOT NULL,
    unit_index  INTEGER NOT NULL,
    status      TEXT NOT NULL,
    agent_id    TEXT NOT NULL DEFAULT '',
    data        BLOB,
    created_at  DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS agents (
    id          TEXT PRIMARY KEY,
    worker_id   TEXT NOT NULL,
    unit_id     TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS agent_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id   TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    payload    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_events_agent ON agent_events(agent_id, seq)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorker inserts a new worker record.
func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workers (id, name, created_at) VALUES (?, ?, ?)",
		w.ID, w.Name, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	return s.getWorker(ctx, "SELECT id, name, created_at FROM workers WHERE id = ?", id)
}

// GetWorkerByName retrieves a worker by its unique name.
func (s *SQLiteStore) GetWorkerByName(ctx context.Context, name string) (*model.Worker, error) {
	return s.getWorker(ctx, "SELECT id, name, created_at FROM workers WHERE name = ?", name)
}

func (s *SQLiteStore) getWorker(ctx context.Context, query, arg string) (*model.Worker, error) {
	w := &model.Worker{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&w.ID, &w.Name, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// MakeQualification creates a qualification with the given name.
func (s *SQLiteStore) MakeQualification(ctx context.Context, name string) (*model.Qualification, error) {
	q := &model.Qualification{
		ID:        model.NewID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO qualifications (id, name, created_at) VALUES (?, ?, ?)",
		q.ID, q.Name, q.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert qualification: %w", err)
	}
	return q, nil
}

// FindQualificationsByName returns the qualifications registered under name.
// The result is empty, not an error, when none exist.
func (s *SQLiteStore) FindQualificationsByName(ctx context.Context, name string) ([]model.Qualification, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM qualifications WHERE name = ? ORDER BY created_at", name,
	)
	if err != nil {
		return nil, fmt.Errorf("find qualifications: %w", err)
	}
	defer rows.Close()

	var quals []model.Qualification
	for rows.Next() {
		var q model.Qualification
		if err := rows.Scan(&q.ID, &q.Name, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan qualification: %w", err)
		}
		quals = append(quals, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qualifications: %w", err)
	}
	return quals, nil
}

// GrantQualification grants (or re-grants with a new value) a qualification to
// a worker.
func (s *SQLiteStore) GrantQualification(ctx context.Context, qualificationID, workerID string, value int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO granted_qualifications (qualification_id, worker_id, value, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (qualification_id, worker_id)
		DO UPDATE SET value = excluded.value, granted_at = excluded.granted_at`,
		qualificationID, workerID, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("grant qualification: %w", err)
	}
	return nil
}

// RevokeQualification removes a granted qualification. It returns ErrNotFound
// when the worker did not hold it.
func (s *SQLiteStore) RevokeQualification(ctx context.Context, qualificationID, workerID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM granted_qualifications WHERE qualification_id = ? AND worker_id = ?",
		qualificationID, workerID,
	)
	if err != nil {
		return fmt.Errorf("revoke qualification: %w", err)
	}
	return requireAffected(result)
}

// FindGrantedQualifications returns every qualification granted to a worker.
func (s *SQLiteStore) FindGrantedQualifications(ctx context.Context, workerID string) ([]model.GrantedQualification, error) {
	return s.findGranted(ctx,
		`SELECT qualification_id, worker_id, value, granted_at
		FROM granted_qualifications WHERE worker_id = ? ORDER BY granted_at`, workerID)
}

// FindGrantedQualificationsFor returns the grants of one qualification to one worker.
func (s *SQLiteStore) FindGrantedQualificationsFor(ctx context.Context, qualificationID, workerID string) ([]model.GrantedQualification, error) {
	return s.findGranted(ctx,
		`SELECT qualification_id, worker_id, value, granted_at
		FROM granted_qualifications WHERE qualification_id = ? AND worker_id = ?`, qualificationID, workerID)
}

func (s *SQLiteStore) findGranted(ctx context.Context, query string, args ...any) ([]model.GrantedQualification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find granted qualifications: %w", err)
	}
	defer rows.Close()

	var granted []model.GrantedQualification
	for rows.Next() {
		var g model.GrantedQualification
		if err := rows.Scan(&g.QualificationID, &g.WorkerID, &g.Value, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan granted qualification: %w", err)
		}
		granted = append(granted, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate granted qualifications: %w", err)
	}
	return granted, nil
}

// CreateUnit inserts a new unit record.
func (s *SQLiteStore) CreateUnit(ctx context.Context, u *model.Unit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO units (id, task_run_id, unit_index, status, agent_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TaskRunID, u.Index, u.Status, u.AgentID, []byte(u.Data), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

const unitColumns = "id, task_run_id, unit_index, status, agent_id, data, created_at"

func scanUnit(row interface{ Scan(...any) error }) (*model.Unit, error) {
	u := &model.Unit{}
	var data []byte
	if err := row.Scan(&u.ID, &u.TaskRunID, &u.Index, &u.Status, &u.AgentID, &data, &u.CreatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		u.Data = data
	}
	return u, nil
}

// GetUnit retrieves a unit by ID.
func (s *SQLiteStore) GetUnit(ctx context.Context, id string) (*model.Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM units WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

// ListUnits returns the units of a task run ordered by index.
func (s *SQLiteStore) ListUnits(ctx context.Context, taskRunID string) ([]*model.Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+unitColumns+" FROM units WHERE task_run_id = ? ORDER BY unit_index", taskRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []*model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return units, nil
}

// UpdateUnitStatus updates the status of a unit.
func (s *SQLiteStore) UpdateUnitStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE units SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update unit status: %w", err)
	}
	return requireAffected(result)
}

// ClaimUnit atomically assigns the lowest-index launched unit of a task run to
// agentID. It returns ErrNoAvailableUnits when none is left.
func (s *SQLiteStore) ClaimUnit(ctx context.Context, taskRunID, agentID string) (*model.Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx,
		`UPDATE units SET status = ?, agent_id = ?
		WHERE id = (
			SELECT id FROM units WHERE task_run_id = ? AND status = ?
			ORDER BY unit_index LIMIT 1
		)
		RETURNING `+unitColumns,
		model.UnitAssigned, agentID, taskRunID, model.UnitLaunched,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoAvailableUnits
	}
	if err != nil {
		return nil, fmt.Errorf("claim unit: %w", err)
	}
	return u, nil
}

// CreateAgent inserts a new agent record.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, worker_id, unit_id, kind, status, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkerID, a.UnitID, a.Kind, a.Status, a.CreatedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a := &model.Agent{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, worker_id, unit_id, kind, status, created_at, finished_at
		FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.WorkerID, &a.UnitID, &a.Kind, &a.Status, &a.CreatedAt, &a.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// UpdateAgentStatus moves an agent to status. The transition is checked against
// model.ValidTransition; terminal statuses also set finished_at.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM agents WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read agent status: %w", err)
	}
	if current == status {
		return nil
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if model.IsTerminal(status) {
		_, err = tx.ExecContext(ctx,
			"UPDATE agents SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE agents SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}

	return tx.Commit()
}

// InsertAgentEvent appends one observation to an agent's event log.
func (s *SQLiteStore) InsertAgentEvent(ctx context.Context, agentID string, seq int, payload string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO agent_events (agent_id, seq, payload, created_at) VALUES (?, ?, ?, ?)",
		agentID, seq, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert agent event: %w", err)
	}
	return nil
}

// GetAgentEvents returns an agent's event log ordered by sequence number.
func (s *SQLiteStore) GetAgentEvents(ctx context.Context, agentID string) ([]model.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, seq, payload, created_at
		FROM agent_events WHERE agent_id = ? ORDER BY seq`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("get agent events: %w", err)
	}
	defer rows.Close()

	var events []model.AgentEvent
	for rows.Next() {
		var e model.AgentEvent
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Seq, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent events: %w", err)
	}
	return events, nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
