package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

const maxListLimit = 200

var queryLogColumns = []string{"id", "event_id", "user_id", "query", "response_type", "tool", "created_at"}

type QueryLogEntry struct {
	ID           int64     `json:"id"`
	EventID      string    `json:"event_id"`
	UserID       string    `json:"user_id"`
	Query        string    `json:"query"`
	ResponseType string    `json:"response_type"`
	Tool         string    `json:"tool,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsertQueryLog stores an entry. Inserting the same EventID twice is a no-op.
func (s *Store) InsertQueryLog(ctx context.Context, e QueryLogEntry) error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	q := s.sql.Insert("query_log").
		Columns("event_id", "user_id", "query", "response_type", "tool", "created_at").
		Values(e.EventID, e.UserID, e.Query, e.ResponseType, e.Tool, e.CreatedAt.UTC()).
		Suffix("ON CONFLICT(event_id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query log insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

// ListQueryLog returns the newest entries of a user first.
func (s *Store) ListQueryLog(ctx context.Context, userID string, limit int) ([]QueryLogEntry, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	q := s.sql.Select(queryLogColumns...).
		From("query_log").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	return s.selectQueryLog(ctx, q)
}

func (s *Store) GetQueryLog(ctx context.Context, eventID string) (QueryLogEntry, error) {
	q := s.sql.Select(queryLogColumns...).
		From("query_log").
		Where(sq.Eq{"event_id": eventID})
	entries, err := s.selectQueryLog(ctx, q)
	if err != nil {
		return QueryLogEntry{}, err
	}
	if len(entries) == 0 {
		return QueryLogEntry{}, ErrNotFound
	}
	return entries[0], nil
}

func (s *Store) CountQueryLog(ctx context.Context) (int64, error) {
	sqlStr, args, err := s.sql.Select("COUNT(*)").From("query_log").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query log query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count query log: %w", err)
	}
	return n, nil
}

func (s *Store) selectQueryLog(ctx context.Context, q sq.SelectBuilder) ([]QueryLogEntry, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query log query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select query log: %w", err)
	}
	defer rows.Close()

	out := make([]QueryLogEntry, 0)
	for rows.Next() {
		var e QueryLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.UserID,
			&e.Query,
			&e.ResponseType,
			&e.Tool,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query log row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query log rows: %w", err)
	}
	return out, nil
}
