package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/marketkit/variantd/internal/apperr"
)

// CreateAssignment inserts a. The scoped unique indexes on (experiment, user)
// and (experiment, session) make a concurrent second insert for the same unit
// fail with apperr.ErrConflict.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	if (a.UserID == "") == (a.SessionID == "") {
		return apperr.Validation("unit", "exactly one of user_id and session_id is required")
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (experiment_id, user_id, session_id, variant, user_agent, origin, referrer, assigned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ExperimentID, nullableString(a.UserID), nullableString(a.SessionID), a.Variant,
		a.UserAgent, a.Origin, a.Referrer, a.AssignedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("unit already assigned in experiment %s", a.ExperimentID)
		}
		return apperr.Transient("insert assignment", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return apperr.Transient("read assignment id", err)
	}
	a.ID = id
	return nil
}

// FindAssignment looks the unit up by user id when given, else by session id.
func (s *SQLiteStore) FindAssignment(ctx context.Context, experimentID, userID, sessionID string) (*Assignment, error) {
	column, unit := "session_id", sessionID
	if userID != "" {
		column, unit = "user_id", userID
	}
	if unit == "" {
		return nil, apperr.Validation("unit", "exactly one of user_id and session_id is required")
	}

	var a Assignment
	var user, session sql.NullString
	var assignedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, user_id, session_id, variant, user_agent, origin, referrer, assigned_at
		 FROM assignments WHERE experiment_id = ? AND `+column+` = ?`,
		experimentID, unit,
	).Scan(&a.ID, &a.ExperimentID, &user, &session, &a.Variant, &a.UserAgent, &a.Origin, &a.Referrer, &assignedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Transient("get assignment", err)
	}

	a.UserID = user.String
	a.SessionID = session.String
	a.AssignedAt = time.UnixMilli(assignedAt)
	return &a, nil
}

// CountAssignments returns the number of assigned units per variant.
func (s *SQLiteStore) CountAssignments(ctx context.Context, experimentID string) ([]VariantCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant, COUNT(*) FROM assignments WHERE experiment_id = ? GROUP BY variant ORDER BY variant`,
		experimentID)
	if err != nil {
		return nil, apperr.Transient("count assignments", err)
	}
	defer rows.Close()
	return scanVariantCounts(rows)
}

func scanVariantCounts(rows *sql.Rows) ([]VariantCount, error) {
	var counts []VariantCount
	for rows.Next() {
		var c VariantCount
		if err := rows.Scan(&c.Variant, &c.Count); err != nil {
			return nil, apperr.Transient("scan counts", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate counts", err)
	}
	return counts, nil
}
