package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

const timeLayout = time.RFC3339Nano

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

const sessionColumns = `id, user_id, chain_id, current_task_id, env, status, retry_count, created_at, updated_at, expires_at`

func scanSession(r rowScanner) (*taskchain.Session, error) {
	var (
		s                          taskchain.Session
		env, created, updated, exp string
	)
	if err := r.Scan(&s.ID, &s.UserID, &s.ChainID, &s.CurrentTaskID, &env, &s.Status,
		&s.RetryCount, &created, &updated, &exp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(env), &s.Env); err != nil {
		return nil, fmt.Errorf("decode session env: %w", err)
	}
	var err error
	if s.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = parseTime(exp); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*taskchain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Persistence("get session", err)
	}
	return sess, nil
}

func (s *SQLite) SaveSession(ctx context.Context, sess *taskchain.Session) error {
	env := sess.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return apperr.Persistence("encode session env", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			chain_id = excluded.chain_id,
			current_task_id = excluded.current_task_id,
			env = excluded.env,
			status = excluded.status,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		sess.ID, sess.UserID, sess.ChainID, sess.CurrentTaskID, string(envJSON), sess.Status,
		sess.RetryCount, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), formatTime(sess.ExpiresAt))
	return apperr.Persistence("save session", err)
}

func (s *SQLite) ExpiredSessions(ctx context.Context, now time.Time) ([]*taskchain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?, ?) AND expires_at <> '' AND expires_at < ?
		ORDER BY expires_at`,
		taskchain.SessionActive, taskchain.SessionWaiting, formatTime(now))
	if err != nil {
		return nil, apperr.Persistence("query expired sessions", err)
	}
	defer rows.Close()

	var out []*taskchain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Persistence("scan session", err)
		}
		out = append(out, sess)
	}
	return out, apperr.Persistence("iterate sessions", rows.Err())
}

const chainColumns = `id, session_id, user_id, current_index, version, status, created_at, updated_at`

func scanChain(r rowScanner) (*taskchain.Chain, error) {
	var (
		c                taskchain.Chain
		created, updated string
	)
	if err := r.Scan(&c.ID, &c.SessionID, &c.UserID, &c.CurrentIndex, &c.Version, &c.Status, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLite) CreateChain(ctx context.Context, c *taskchain.Chain, items []*taskchain.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("begin create chain", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO task_chains (`+chainColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.UserID, c.CurrentIndex, c.Version, c.Status,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return apperr.Conflict("chain %s already exists", c.ID)
		}
		return apperr.Persistence("insert chain", err)
	}
	for _, it := range items {
		if err := insertItem(ctx, tx, it); err != nil {
			return err
		}
	}
	return apperr.Persistence("commit create chain", tx.Commit())
}

func (s *SQLite) GetChain(ctx context.Context, id string) (*taskchain.Chain, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM task_chains WHERE id = ?`, id)
	c, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Persistence("get chain", err)
	}
	return c, nil
}

func (s *SQLite) CommitChain(ctx context.Context, c *taskchain.Chain, expectedVersion int64, items ...*taskchain.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("begin commit chain", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE task_chains
		SET current_index = ?, version = ?, status = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.CurrentIndex, c.Version, c.Status, formatTime(c.UpdatedAt), c.ID, expectedVersion)
	if err != nil {
		return apperr.Persistence("update chain", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence("update chain", err)
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM task_chains WHERE id = ?`, c.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chain %s: %w", c.ID, apperr.ErrNotFound)
		}
		if err != nil {
			return apperr.Persistence("read chain version", err)
		}
		return apperr.Conflict("chain %s at version %d, expected %d", c.ID, current, expectedVersion)
	}

	for _, it := range items {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_items
			SET title = ?, description = ?, cmd = ?, undo_cmd = ?, status = ?, retry_count = ?,
				max_retries = ?, result = ?, updated_at = ?
			WHERE id = ? AND chain_id = ?`,
			it.Title, it.Description, it.Command, it.UndoCommand, it.Status, it.RetryCount,
			it.MaxRetries, it.Result, formatTime(it.UpdatedAt), it.ID, c.ID)
		if err != nil {
			return apperr.Persistence("update task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", it.ID, apperr.ErrNotFound)
		}
	}
	return apperr.Persistence("commit chain", tx.Commit())
}

const itemColumns = `id, chain_id, session_id, user_id, title, description, cmd, undo_cmd, status,
	step_order, retry_count, max_retries, result, created_at, updated_at`

func insertItem(ctx context.Context, tx *sql.Tx, it *taskchain.Item) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ChainID, it.SessionID, it.UserID, it.Title, it.Description, it.Command, it.UndoCommand,
		it.Status, it.StepOrder, it.RetryCount, it.MaxRetries, it.Result,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt))
	return apperr.Persistence("insert task", err)
}

func scanItem(r rowScanner) (*taskchain.Item, error) {
	var (
		it               taskchain.Item
		created, updated string
	)
	if err := r.Scan(&it.ID, &it.ChainID, &it.SessionID, &it.UserID, &it.Title, &it.Description,
		&it.Command, &it.UndoCommand, &it.Status, &it.StepOrder, &it.RetryCount, &it.MaxRetries,
		&it.Result, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if it.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *SQLite) GetItem(ctx context.Context, id string) (*taskchain.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM task_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Persistence("get task", err)
	}
	return it, nil
}

func (s *SQLite) ItemsByChain(ctx context.Context, chainID string) ([]*taskchain.Item, error) {
	return s.ItemsByStatus(ctx, chainID)
}

// ItemsByStatus with no statuses returns every item of the chain.
func (s *SQLite) ItemsByStatus(ctx context.Context, chainID string, statuses ...taskchain.ItemStatus) ([]*taskchain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM task_items WHERE chain_id = ?`
	args := []any{chainID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY step_order`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence("query tasks", err)
	}
	defer rows.Close()

	var out []*taskchain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, apperr.Persistence("scan task", err)
		}
		out = append(out, it)
	}
	return out, apperr.Persistence("iterate tasks", rows.Err())
}

func (s *SQLite) FirstItemByStatus(ctx context.Context, chainID string, status taskchain.ItemStatus) (*taskchain.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM task_items
		WHERE chain_id = ? AND status = ? ORDER BY step_order LIMIT 1`, chainID, status)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain %s has no %s task: %w", chainID, status, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Persistence("first task by status", err)
	}
	return it, nil
}

func (s *SQLite) UpdateItemStatus(ctx context.Context, id string, status taskchain.ItemStatus) error {
	return s.execOne(ctx, "update task status", id,
		`UPDATE task_items SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
}

func (s *SQLite) IncrementRetry(ctx context.Context, id string) error {
	return s.execOne(ctx, "increment retry", id,
		`UPDATE task_items SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
}

func (s *SQLite) execOne(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *SQLite) AppendHistory(ctx context.Context, e *taskchain.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO history_logs (id, session_id, user_id, kind, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.UserID, e.Kind, e.Text, formatTime(e.CreatedAt))
	return apperr.Persistence("append history", err)
}

func (s *SQLite) History(ctx context.Context, sessionID string) ([]*taskchain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, kind, text, created_at
		FROM history_logs WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, apperr.Persistence("query history", err)
	}
	defer rows.Close()

	var out []*taskchain.HistoryEntry
	for rows.Next() {
		var (
			e       taskchain.HistoryEntry
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &e.Kind, &e.Text, &created); err != nil {
			return nil, apperr.Persistence("scan history", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, apperr.Persistence("parse history time", err)
		}
		out = append(out, &e)
	}
	return out, apperr.Persistence("iterate history", rows.Err())
}

var _ Store = (*SQLite)(nil)
