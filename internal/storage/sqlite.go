package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

const taskColumns = `id, agent_type, type, priority, status, input, output, error,
	submitter_id, attempts, created_at, updated_at, started_at, completed_at`

// SQLiteStore implements TaskStore using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Info("Task store opened", zap.String("path", dbPath))
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			submitter_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent_type ON tasks(agent_type);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateTask implements TaskStore.CreateTask
func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskArgs(task)...,
	)
	if err != nil {
		return model.StoreError("create task", err)
	}
	return nil
}

// UpdateTask implements TaskStore.UpdateTask
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, update model.TaskUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StoreError("update task", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
		}
		return model.StoreError("update task", err)
	}

	update.Apply(task, time.Now())

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			output = ?,
			error = ?,
			attempts = ?,
			updated_at = ?,
			started_at = ?,
			completed_at = ?
		WHERE id = ?`,
		task.Status,
		nullJSON(task.Output),
		sql.NullString{String: task.Error, Valid: task.Error != ""},
		task.Attempts,
		task.UpdatedAt.UTC(),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		id,
	)
	if err != nil {
		return model.StoreError("update task", err)
	}

	if err := tx.Commit(); err != nil {
		return model.StoreError("update task", err)
	}
	return nil
}

// GetTask implements TaskStore.GetTask
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
		}
		return nil, model.StoreError("get task", err)
	}
	return task, nil
}

// QueryTasks implements TaskStore.QueryTasks
func (s *SQLiteStore) QueryTasks(ctx context.Context, filters model.TaskFilters) ([]*model.Task, error) {
	var conditions []string
	args := make([]interface{}, 0)

	if filters.AgentType != "" {
		conditions = append(conditions, "agent_type = ?")
		args = append(args, filters.AgentType)
	}
	if filters.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filters.Type)
	}
	if filters.SubmitterID != "" {
		conditions = append(conditions, "submitter_id = ?")
		args = append(args, filters.SubmitterID)
	}
	if len(filters.Status) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(filters.Status))+")")
		for _, status := range filters.Status {
			args = append(args, status)
		}
	}
	if len(filters.Priority) > 0 {
		conditions = append(conditions, "priority IN ("+placeholders(len(filters.Priority))+")")
		for _, priority := range filters.Priority {
			args = append(args, int(priority))
		}
	}
	if !filters.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filters.Since.UTC())
	}
	if !filters.Until.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, filters.Until.UTC())
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.StoreError("query tasks", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, model.StoreError("scan task", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, model.StoreError("query tasks", err)
	}

	return tasks, nil
}

// DeleteBefore implements TaskStore.DeleteBefore
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM tasks WHERE created_at < ? AND status IN (?, ?)",
		before.UTC(), model.TaskStatusCompleted, model.TaskStatusFailed)
	if err != nil {
		return 0, model.StoreError("delete tasks", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// CheckHealth implements TaskStore.CheckHealth
func (s *SQLiteStore) CheckHealth(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return model.StoreError("health check", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return model.StoreError("health check", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var task model.Task
	var priority int
	var input, output, errorStr, submitterID sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.AgentType,
		&task.Type,
		&priority,
		&task.Status,
		&input,
		&output,
		&errorStr,
		&submitterID,
		&task.Attempts,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Priority = model.TaskPriority(priority)
	if input.Valid && input.String != "" {
		task.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		task.Output = json.RawMessage(output.String)
	}
	if errorStr.Valid {
		task.Error = errorStr.String
	}
	if submitterID.Valid {
		task.SubmitterID = submitterID.String
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}

	return &task, nil
}

func taskArgs(t *model.Task) []interface{} {
	return []interface{}{
		t.ID,
		t.AgentType,
		t.Type,
		int(t.Priority),
		t.Status,
		nullJSON(t.Input),
		nullJSON(t.Output),
		sql.NullString{String: t.Error, Valid: t.Error != ""},
		sql.NullString{String: t.SubmitterID, Valid: t.SubmitterID != ""},
		t.Attempts,
		t.CreatedAt.UTC(),
		t.UpdatedAt.UTC(),
		nullTime(t.StartedAt),
		nullTime(t.CompletedAt),
	}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
