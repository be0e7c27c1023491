package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/marketkit/variantd/internal/apperr"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = apperr.ErrNotFound

type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at dbPath and applies pending migrations.
func Open(dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "foreign_keys(1)", "journal_mode(WAL)"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	// The migrate instance is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return apperr.Transient("ping database", s.db.PingContext(ctx))
}

// SizeBytes reports the database size from the page count.
func (s *SQLiteStore) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size)
	if err != nil {
		return 0, apperr.Transient("read database size", err)
	}
	return size, nil
}

const experimentColumns = `id, name, description, status, variants, targeting, primary_metric, secondary_metrics,
	min_sample_size, confidence_level, start_at, end_at, results, created_at, updated_at`

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	row, err := encodeExperiment(exp)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (`+experimentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, exp.Description, string(exp.Status), row.variants, row.targeting,
		exp.PrimaryMetric, row.secondary, exp.MinSampleSize, exp.ConfidenceLevel,
		millisOrNull(exp.StartAt), millisOrNull(exp.EndAt), row.results,
		exp.CreatedAt.UnixMilli(), exp.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("experiment %q already exists", exp.Name)
		}
		return apperr.Transient("insert experiment", err)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	exp, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *SQLiteStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name)
	exp, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// ListExperiments returns one page of experiments, newest first, and the total match count.
func (s *SQLiteStore) ListExperiments(ctx context.Context, opts ListOptions) ([]*Experiment, int, error) {
	where := ""
	var args []any
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Transient("count experiments", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := 0
	if opts.Page > 1 && opts.Limit > 0 {
		offset = (opts.Page - 1) * opts.Limit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments`+where+` ORDER BY created_at DESC, name LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, apperr.Transient("list experiments", err)
	}
	defer rows.Close()

	exps, err := scanExperiments(rows)
	if err != nil {
		return nil, 0, err
	}
	return exps, total, nil
}

func (s *SQLiteStore) ListExperimentsByStatus(ctx context.Context, status Status) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, apperr.Transient("list experiments", err)
	}
	defer rows.Close()
	return scanExperiments(rows)
}

// UpdateExperiment rewrites the definition of exp, provided its stored status
// is one of expected. Status and results are not touched.
func (s *SQLiteStore) UpdateExperiment(ctx context.Context, exp *Experiment, expected []Status) error {
	row, err := encodeExperiment(exp)
	if err != nil {
		return err
	}

	query := `UPDATE experiments SET name = ?, description = ?, variants = ?, targeting = ?, primary_metric = ?,
		secondary_metrics = ?, min_sample_size = ?, confidence_level = ?, start_at = ?, end_at = ?, updated_at = ?
		WHERE id = ?`
	args := []any{
		exp.Name, exp.Description, row.variants, row.targeting, exp.PrimaryMetric,
		row.secondary, exp.MinSampleSize, exp.ConfidenceLevel,
		millisOrNull(exp.StartAt), millisOrNull(exp.EndAt), exp.UpdatedAt.UnixMilli(), exp.ID,
	}
	query, args = withStatusGuard(query, args, expected)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("experiment %q already exists", exp.Name)
		}
		return apperr.Transient("update experiment", err)
	}
	return s.checkGuarded(ctx, result, exp.ID)
}

// TransitionExperiment moves an experiment to status `to` if its current status
// is in from. A non-nil startAt overwrites the stored start time. Status and
// results change in a single statement.
func (s *SQLiteStore) TransitionExperiment(ctx context.Context, id string, to Status, from []Status, startAt *time.Time, results *ResultSet) error {
	var resultsJSON sql.NullString
	if results != nil {
		data, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		resultsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `UPDATE experiments SET status = ?, results = ?, start_at = COALESCE(?, start_at), updated_at = ? WHERE id = ?`
	args := []any{string(to), resultsJSON, millisOrNull(startAt), time.Now().UnixMilli(), id}
	query, args = withStatusGuard(query, args, from)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Transient("update experiment status", err)
	}
	return s.checkGuarded(ctx, result, id)
}

// DeleteExperiment removes an experiment and its assignments. Events are kept.
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string, expected []Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient("begin delete", err)
	}
	defer tx.Rollback()

	query, args := withStatusGuard(`DELETE FROM experiments WHERE id = ?`, []any{id}, expected)

	// Assignments first: the foreign key would reject the experiment delete otherwise.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM assignments WHERE experiment_id IN (SELECT id FROM experiments WHERE id = ?`+guardClause(expected)+`)`,
		args...); err != nil {
		return apperr.Transient("delete assignments", err)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Transient("delete experiment", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperr.Transient("delete experiment", err)
	}
	if affected == 0 {
		tx.Rollback()
		return s.missOrConflict(ctx, id)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Transient("commit delete", err)
	}
	return nil
}

func withStatusGuard(query string, args []any, expected []Status) (string, []any) {
	if len(expected) == 0 {
		return query, args
	}
	for _, st := range expected {
		args = append(args, string(st))
	}
	return query + guardClause(expected), args
}

func guardClause(expected []Status) string {
	if len(expected) == 0 {
		return ""
	}
	return " AND status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(expected)), ",") + ")"
}

func (s *SQLiteStore) checkGuarded(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return apperr.Transient("read rows affected", err)
	}
	if affected == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict tells apart a missing experiment from a failed status guard.
func (s *SQLiteStore) missOrConflict(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return apperr.Transient("read experiment status", err)
	}
	return apperr.Conflict("experiment is %s", status)
}

type experimentRow struct {
	variants  string
	targeting string
	secondary string
	results   sql.NullString
}

func encodeExperiment(exp *Experiment) (experimentRow, error) {
	var row experimentRow

	variants, err := json.Marshal(exp.Variants)
	if err != nil {
		return row, fmt.Errorf("failed to marshal variants: %w", err)
	}
	targeting, err := json.Marshal(exp.Targeting)
	if err != nil {
		return row, fmt.Errorf("failed to marshal targeting: %w", err)
	}
	secondary := exp.SecondaryMetrics
	if secondary == nil {
		secondary = []string{}
	}
	secondaryJSON, err := json.Marshal(secondary)
	if err != nil {
		return row, fmt.Errorf("failed to marshal secondary metrics: %w", err)
	}
	if exp.Results != nil {
		results, err := json.Marshal(exp.Results)
		if err != nil {
			return row, fmt.Errorf("failed to marshal results: %w", err)
		}
		row.results = sql.NullString{String: string(results), Valid: true}
	}

	row.variants = string(variants)
	row.targeting = string(targeting)
	row.secondary = string(secondaryJSON)
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(sc scanner) (*Experiment, error) {
	var exp Experiment
	var status, variantsJSON, targetingJSON, secondaryJSON string
	var resultsJSON sql.NullString
	var startAt, endAt sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(&exp.ID, &exp.Name, &exp.Description, &status, &variantsJSON, &targetingJSON,
		&exp.PrimaryMetric, &secondaryJSON, &exp.MinSampleSize, &exp.ConfidenceLevel,
		&startAt, &endAt, &resultsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Transient("scan experiment", err)
	}

	exp.Status = Status(status)
	if err := json.Unmarshal([]byte(variantsJSON), &exp.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	if err := json.Unmarshal([]byte(targetingJSON), &exp.Targeting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal targeting: %w", err)
	}
	if err := json.Unmarshal([]byte(secondaryJSON), &exp.SecondaryMetrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secondary metrics: %w", err)
	}
	if resultsJSON.Valid {
		exp.Results = &ResultSet{}
		if err := json.Unmarshal([]byte(resultsJSON.String), exp.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	exp.StartAt = timeOrNil(startAt)
	exp.EndAt = timeOrNil(endAt)
	exp.CreatedAt = time.UnixMilli(createdAt)
	exp.UpdatedAt = time.UnixMilli(updatedAt)

	return &exp, nil
}

func scanExperiments(rows *sql.Rows) ([]*Experiment, error) {
	var exps []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate experiments", err)
	}
	return exps, nil
}

func millisOrNull(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
