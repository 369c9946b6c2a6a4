// Package instance stores the instance records the dispatcher resolves hosts
// from and the worker records blessed and launched VMs into.
package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata keys linking clones to their source.
const (
	MetaBlessedFrom  = "blessed_from"
	MetaLaunchedFrom = "launched_from"
)

// VM states recorded by the worker.
const (
	StateActive  = "active"
	StateBlessed = "blessed"
	StatePaused  = "paused"
	StateError   = "error"
)

var (
	ErrNotFound = errors.New("instance not found")
	ErrExists   = errors.New("instance already registered")
	ErrInvalid  = errors.New("invalid instance record")
)

// Instance is a VM known to the control plane.
type Instance struct {
	UUID         string            `json:"uuid"`
	Name         string            `json:"name"`
	Host         string            `json:"host"`
	InstanceType string            `json:"instance_type"`
	ProjectID    string            `json:"project_id"`
	VMState      string            `json:"vm_state"`
	Metadata     map[string]string `json:"metadata"`
	Deleted      bool              `json:"deleted"`
	CreatedAt    time.Time         `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts or replaces an instance and its metadata.
func (s *Store) Put(ctx context.Context, inst *Instance) error {
	if err := checkRecord(inst); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := put(ctx, tx, inst); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Register records a VM that already runs on a host, so operations can be
// dispatched to it. A missing uuid is generated and a missing state is
// active. A live record with the same uuid is ErrExists; a deleted one is
// replaced.
func (s *Store) Register(ctx context.Context, inst *Instance) (*Instance, error) {
	if inst == nil {
		return nil, fmt.Errorf("%w: instance is empty", ErrInvalid)
	}
	if inst.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalid)
	}
	if inst.UUID == "" {
		inst.UUID = uuid.NewString()
	}
	if inst.VMState == "" {
		inst.VMState = StateActive
	}
	inst.Deleted = false
	inst.CreatedAt = time.Time{}
	if err := checkRecord(inst); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted bool
	err = tx.QueryRowContext(ctx, "SELECT deleted FROM instances WHERE uuid = ?;", inst.UUID).Scan(&deleted)
	switch {
	case err == nil && !deleted:
		return nil, fmt.Errorf("%w: %s", ErrExists, inst.UUID)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("read instance: %w", err)
	}

	if err := put(ctx, tx, inst); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return s.Get(ctx, inst.UUID)
}

func checkRecord(inst *Instance) error {
	if inst == nil || inst.UUID == "" {
		return fmt.Errorf("%w: uuid is empty", ErrInvalid)
	}
	if inst.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalid)
	}
	return nil
}

func put(ctx context.Context, tx *sql.Tx, inst *Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := tx.ExecContext(ctx, `
INSERT INTO instances(uuid, name, host, instance_type, project_id, vm_state, deleted, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET
  name = excluded.name,
  host = excluded.host,
  instance_type = excluded.instance_type,
  project_id = excluded.project_id,
  vm_state = excluded.vm_state,
  deleted = excluded.deleted,
  updated_at = excluded.updated_at;
`, inst.UUID, inst.Name, inst.Host, inst.InstanceType, inst.ProjectID, inst.VMState, inst.Deleted,
		inst.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM instance_metadata WHERE instance_uuid = ?;", inst.UUID); err != nil {
		return fmt.Errorf("clear instance metadata: %w", err)
	}
	for k, v := range inst.Metadata {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO instance_metadata(instance_uuid, key, value) VALUES(?, ?, ?);", inst.UUID, k, v); err != nil {
			return fmt.Errorf("insert instance metadata: %w", err)
		}
	}
	return nil
}

// Get returns the instance with uuid, including deleted ones.
func (s *Store) Get(ctx context.Context, uuid string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT uuid, name, host, instance_type, project_id, vm_state, deleted, created_at
FROM instances
WHERE uuid = ?;
`, uuid)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("read instance: %w", err)
	}
	if inst.Metadata, err = s.metadata(ctx, uuid); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListByMetadata returns non-deleted instances whose metadata key equals value,
// oldest first.
func (s *Store) ListByMetadata(ctx context.Context, key, value string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT i.uuid, i.name, i.host, i.instance_type, i.project_id, i.vm_state, i.deleted, i.created_at
FROM instances i
JOIN instance_metadata m ON m.instance_uuid = i.uuid
WHERE m.key = ? AND m.value = ? AND i.deleted = 0
ORDER BY i.created_at ASC, i.rowid ASC;
`, key, value)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	for _, inst := range out {
		if inst.Metadata, err = s.metadata(ctx, inst.UUID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountActive counts non-deleted instances of a project. An empty
// instanceType counts all types.
func (s *Store) CountActive(ctx context.Context, projectID, instanceType string) (int, error) {
	q := "SELECT COUNT(*) FROM instances WHERE project_id = ? AND deleted = 0"
	args := []any{projectID}
	if instanceType != "" {
		q += " AND instance_type = ?"
		args = append(args, instanceType)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q+";", args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// CountByHost counts non-deleted instances per host.
func (s *Store) CountByHost(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT host, COUNT(*) FROM instances WHERE deleted = 0 GROUP BY host;")
	if err != nil {
		return nil, fmt.Errorf("count by host: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			host string
			n    int
		)
		if err := rows.Scan(&host, &n); err != nil {
			return nil, fmt.Errorf("scan host count: %w", err)
		}
		out[host] = n
	}
	return out, rows.Err()
}

// SetState updates vm_state.
func (s *Store) SetState(ctx context.Context, uuid, state string) error {
	return s.update(ctx, uuid, "UPDATE instances SET vm_state = ?, updated_at = ? WHERE uuid = ?;", state)
}

// MarkDeleted soft-deletes an instance so it drops out of lists and quota usage.
func (s *Store) MarkDeleted(ctx context.Context, uuid string) error {
	return s.update(ctx, uuid, "UPDATE instances SET deleted = ?, updated_at = ? WHERE uuid = ?;", true)
}

func (s *Store) update(ctx context.Context, uuid, stmt string, value any) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, stmt, value, now, uuid)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return nil
}

func (s *Store) metadata(ctx context.Context, uuid string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM instance_metadata WHERE instance_uuid = ?;", uuid)
	if err != nil {
		return nil, fmt.Errorf("read instance metadata: %w", err)
	}
	defer rows.Close()

	md := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan instance metadata: %w", err)
		}
		md[k] = v
	}
	return md, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*Instance, error) {
	var (
		inst       Instance
		createdAtS string
	)
	if err := row.Scan(&inst.UUID, &inst.Name, &inst.Host, &inst.InstanceType, &inst.ProjectID,
		&inst.VMState, &inst.Deleted, &createdAtS); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		inst.CreatedAt = t
	}
	return &inst, nil
}
