// Package queue is the SQLite-backed message table shared by the dispatcher,
// the placement scheduler and the host workers.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return insert(ctx, q.db, req)
}

func insert(ctx context.Context, db execer, req EnqueueRequest) (string, error) {
	if req.Queue == "" {
		return "", fmt.Errorf("queue is empty")
	}
	if req.Method == "" {
		return "", fmt.Errorf("method is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeNotify
	}
	if mode != ModeNotify && mode != ModeRequest {
		return "", fmt.Errorf("invalid mode: %q", mode)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var args any
	if len(req.Args) > 0 {
		args = string(req.Args)
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO message_queue(id, queue, method, args, mode, status, submitted_by, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Queue, req.Method, args, mode, StatusQueued, req.SubmittedBy, now)
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	return id, nil
}

// Forward enqueues next and marks id succeeded with reply in one transaction.
// After a crash either both rows changed or neither did.
func (q *Queue) Forward(ctx context.Context, id string, next EnqueueRequest, reply json.RawMessage) (string, error) {
	if id == "" {
		return "", fmt.Errorf("message id is empty")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nextID, err := insert(ctx, tx, next)
	if err != nil {
		return "", err
	}
	if err := complete(ctx, tx, id, Completion{Status: StatusSucceeded, Reply: reply}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return nextID, nil
}

// Dequeue claims the oldest queued message on queueName and marks it running.
// Returns (nil, nil) if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (*Message, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM message_queue
  WHERE queue = ? AND status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE message_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+messageColumns+`;
`, queueName, StatusQueued, StatusRunning, nowS)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue message: %w", err)
	}
	return m, nil
}

// Get returns one message by id.
func (q *Queue) Get(ctx context.Context, id string) (*Message, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM message_queue WHERE id = ?;", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Depth counts queued messages on queueName.
func (q *Queue) Depth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message_queue WHERE queue = ? AND status = ?;", queueName, StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Running lists messages on queueName a consumer has claimed but not completed.
func (q *Queue) Running(ctx context.Context, queueName string) ([]*Message, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+messageColumns+`
FROM message_queue
WHERE queue = ? AND status = ?
ORDER BY created_at ASC, rowid ASC;
`, queueName, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RequeueRunning puts messages left running by a crashed consumer of
// queueName back to queued. Returns the number recovered.
func (q *Queue) RequeueRunning(ctx context.Context, queueName string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE message_queue
SET status = ?, started_at = NULL
WHERE queue = ? AND status = ?;
`, StatusQueued, queueName, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue running messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue running messages: %w", err)
	}
	return int(n), nil
}

// Expire marks a still-queued message timed_out so no consumer picks it up.
// Reports false when a consumer already claimed it.
func (q *Queue) Expire(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE message_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ? AND status = ?;
`, StatusTimedOut, time.Now().UTC().Format(time.RFC3339Nano), "expired before delivery", id, StatusQueued)
	if err != nil {
		return false, fmt.Errorf("expire message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire message: %w", err)
	}
	return n == 1, nil
}

// Complete marks a message terminal and appends a row to message_log.
func (q *Queue) Complete(ctx context.Context, id string, c Completion) error {
	if id == "" {
		return fmt.Errorf("message id is empty")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := complete(ctx, tx, id, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func complete(ctx context.Context, tx *sql.Tx, id string, c Completion) error {
	if !c.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}

	var (
		queueName   string
		method      string
		submittedBy string
		createdAt   string
	)
	if err := tx.QueryRowContext(ctx, `
SELECT queue, method, submitted_by, created_at
FROM message_queue
WHERE id = ?;
`, id).Scan(&queueName, &method, &submittedBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return fmt.Errorf("load message for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)

	var reply any
	if len(c.Reply) > 0 {
		reply = string(c.Reply)
	}
	_, err := tx.ExecContext(ctx, `
UPDATE message_queue
SET status = ?, completed_at = ?, reply = ?, last_error = ?
WHERE id = ?;
`, c.Status, completedAt, reply, c.LastError, id)
	if err != nil {
		return fmt.Errorf("update message completion: %w", err)
	}

	var stderrVal any
	if c.Stderr != nil {
		s := *c.Stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO message_log(id, queue, method, status, submitted_by, created_at, completed_at, last_error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, queueName, method, c.Status, submittedBy, createdAt, completedAt, c.LastError, stderrVal)
	if err != nil {
		return fmt.Errorf("insert message_log: %w", err)
	}
	return nil
}

const messageColumns = `id, queue, method, args, mode, status, submitted_by, created_at, started_at, completed_at, reply, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m            Message
		args         sql.NullString
		modeS        string
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		reply        sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.Queue, &m.Method, &args, &modeS, &statusS, &m.SubmittedBy,
		&createdAtS, &startedAtS, &completedAtS, &reply, &lastError,
	); err != nil {
		return nil, err
	}

	m.Mode = Mode(modeS)
	m.Status = Status(statusS)
	if args.Valid {
		m.Args = []byte(args.String)
	}
	if reply.Valid {
		m.Reply = []byte(reply.String)
	}
	if lastError.Valid {
		m.LastError = &lastError.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		m.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			m.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			m.CompletedAt = &t
		}
	}
	return &m, nil
}
