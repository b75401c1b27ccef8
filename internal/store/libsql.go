package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/statum/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/statum.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used throughout.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, name, definition, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET name=excluded.name, definition=excluded.definition,
		   active=1, updated_at=excluded.updated_at`,
		def.ID, def.Version, def.Name, string(raw), now, now,
	)
	return err
}

func (s *LibSQLStore) LoadActiveDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, definition FROM workflow_definitions WHERE active = 1 ORDER BY id, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var (
			id      string
			version int
			raw     string
		)
		if err := rows.Scan(&id, &version, &raw); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition %s@%d: %w", id, version, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeactivateDefinition(ctx context.Context, id string, version int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET active = 0, updated_at = ? WHERE id = ? AND version = ?`,
		formatTime(time.Now()), id, version,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", fmt.Sprintf("%s@%d", id, version))
}

// --- Instances ---

const instanceColumns = `id, workflow_id, workflow_version, entity_id, current_state, status, data, history,
	result, cancel_reason, created_at, updated_at, completed_at, cancelled_at, version`

func (s *LibSQLStore) UpsertInstance(ctx context.Context, inst *schema.Instance) error {
	expected := inst.Version
	rec, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	rec.Version = expected + 1

	if expected == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO workflow_instances (`+instanceColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.WorkflowID, rec.WorkflowVersion, rec.EntityID, rec.CurrentState, rec.Status,
			rec.Data, rec.History, rec.Result, nullStr(rec.CancelReason),
			rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt, rec.CancelledAt, rec.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return versionConflict(inst.ID, expected).WithCause(err)
			}
			return err
		}
		inst.Version = rec.Version
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET workflow_id = ?, workflow_version = ?, entity_id = ?, current_state = ?,
		   status = ?, data = ?, history = ?, result = ?, cancel_reason = ?, created_at = ?, updated_at = ?,
		   completed_at = ?, cancelled_at = ?, version = ?
		 WHERE id = ? AND version = ?`,
		rec.WorkflowID, rec.WorkflowVersion, rec.EntityID, rec.CurrentState,
		rec.Status, rec.Data, rec.History, rec.Result, nullStr(rec.CancelReason), rec.CreatedAt, rec.UpdatedAt,
		rec.CompletedAt, rec.CancelledAt, rec.Version,
		rec.ID, expected,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return versionConflict(inst.ID, expected)
	}
	inst.Version = rec.Version
	return nil
}

func (s *LibSQLStore) LoadInstance(ctx context.Context, id string) (*schema.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	return DecodeInstance(rec)
}

func (s *LibSQLStore) QueryInstances(ctx context.Context, filter schema.InstanceFilter) ([]*schema.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	var where []string
	var args []any

	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Instance
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		inst, err := DecodeInstance(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var result, cancelReason, completedAt, cancelledAt sql.NullString
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.WorkflowVersion, &rec.EntityID, &rec.CurrentState,
		&rec.Status, &rec.Data, &rec.History, &result, &cancelReason, &rec.CreatedAt, &rec.UpdatedAt,
		&completedAt, &cancelledAt, &rec.Version)
	if err != nil {
		return nil, err
	}
	rec.Result = strOrNil(result)
	rec.CancelReason = cancelReason.String
	rec.CompletedAt = strOrNil(completedAt)
	rec.CancelledAt = strOrNil(cancelledAt)
	return rec, nil
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

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrNil(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
