package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marketkit/variantd/internal/apperr"
)

// InsertEvents writes a batch of events in one transaction. Either every
// event is stored or none is.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient("begin event batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (kind, user_id, session_id, product_id, seller_id, addon_id, experiment, variant, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperr.Transient("prepare event insert", err)
	}
	defer stmt.Close()

	for _, e := range events {
		metadata := []byte("{}")
		if len(e.Metadata) > 0 {
			metadata, err = json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal event metadata: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, e.Kind, e.UserID, e.SessionID, e.ProductID, e.SellerID, e.AddonID,
			e.Experiment, e.Variant, string(metadata), e.CreatedAt.UnixMilli()); err != nil {
			return apperr.Transient("insert event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Transient("commit event batch", err)
	}
	return nil
}

// QueryEvents returns matching events, oldest first.
func (s *SQLiteStore) QueryEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	where, args := eventWhere(f)
	query := `SELECT id, kind, user_id, session_id, product_id, seller_id, addon_id, experiment, variant, metadata, created_at
		FROM events` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Transient("query events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var metadata string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.UserID, &e.SessionID, &e.ProductID, &e.SellerID, &e.AddonID,
			&e.Experiment, &e.Variant, &metadata, &createdAt); err != nil {
			return nil, apperr.Transient("scan event", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate events", err)
	}
	return events, nil
}

// AggregateEvents counts matching events grouped by product and kind, along
// with the number of distinct units behind them.
func (s *SQLiteStore) AggregateEvents(ctx context.Context, f EventFilter) ([]EventCount, error) {
	where, args := eventWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, kind, COUNT(*), COUNT(DISTINCT `+unitExpr+`)
		 FROM events`+where+` GROUP BY product_id, kind ORDER BY product_id, kind`, args...)
	if err != nil {
		return nil, apperr.Transient("aggregate events", err)
	}
	defer rows.Close()

	var counts []EventCount
	for rows.Next() {
		var c EventCount
		if err := rows.Scan(&c.ProductID, &c.Kind, &c.Count, &c.Units); err != nil {
			return nil, apperr.Transient("scan aggregate", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate aggregate", err)
	}
	return counts, nil
}

// CountConversions counts, per variant, the units assigned in experimentID
// that produced an event of kind tagged with the experiment and their
// variant at or after their assignment. Counting assigned units rather than
// rows absorbs ingestion duplicates, and events left by an earlier
// experiment of the same name never match a newer assignment.
func (s *SQLiteStore) CountConversions(ctx context.Context, experimentID, kind string) ([]VariantCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.variant, COUNT(DISTINCT a.id)
		 FROM assignments a
		 JOIN experiments x ON x.id = a.experiment_id
		 WHERE a.experiment_id = ? AND EXISTS (
		     SELECT 1 FROM events e
		     WHERE e.experiment = x.name AND e.variant = a.variant AND e.kind = ?
		       AND e.created_at >= a.assigned_at
		       AND (e.user_id = a.user_id OR e.session_id = a.session_id))
		 GROUP BY a.variant ORDER BY a.variant`, experimentID, kind)
	if err != nil {
		return nil, apperr.Transient("count conversions", err)
	}
	defer rows.Close()
	return scanVariantCounts(rows)
}

// DeleteEventsBefore purges events created before cutoff and returns how many were removed.
func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, apperr.Transient("delete events", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperr.Transient("read rows affected", err)
	}
	return n, nil
}

// unitExpr identifies the unit behind an event; user and session ids live in
// separate namespaces.
const unitExpr = `CASE WHEN user_id <> '' THEN 'u:' || user_id ELSE 's:' || session_id END`

func eventWhere(f EventFilter) (string, []any) {
	var clauses []string
	var args []any

	if len(f.Kinds) > 0 {
		clauses = append(clauses, "kind IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	for _, eq := range []struct {
		column, value string
	}{
		{"user_id", f.UserID},
		{"session_id", f.SessionID},
		{"product_id", f.ProductID},
		{"seller_id", f.SellerID},
		{"experiment", f.Experiment},
		{"variant", f.Variant},
	} {
		if eq.value != "" {
			clauses = append(clauses, eq.column+" = ?")
			args = append(args, eq.value)
		}
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until.UnixMilli())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
