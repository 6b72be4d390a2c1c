package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// NotificationRecord is one persisted pipeline-stage outcome. Rows are
// created by the notification consumer and never mutated afterwards.
type NotificationRecord struct {
	ID      string
	JobID   string
	Status  string
	SentAt  time.Time
	Details string
}

// InsertNotification persists rec.
func (s *Store) InsertNotification(ctx context.Context, rec *NotificationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, job_id, status, sent_at, details)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.JobID, rec.Status, rec.SentAt, rec.Details)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", rec.ID, err)
	}
	return nil
}

// NotificationFilter narrows ListNotifications. Zero values mean "no filter";
// a zero Limit defaults to 100.
type NotificationFilter struct {
	JobID  string
	Status string
	Limit  uint64
}

// ListNotifications returns notification records matching f, newest first.
func (s *Store) ListNotifications(ctx context.Context, f NotificationFilter) ([]NotificationRecord, error) {
	q := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select("id", "job_id", "status", "sent_at", "details").
		From("notifications").
		OrderBy("sent_at DESC")
	if f.JobID != "" {
		q = q.Where(sq.Eq{"job_id": f.JobID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	limit := f.Limit
	if limit == 0 {
		limit = 100
	}
	q = q.Limit(limit)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list notifications: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var rec NotificationRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Status, &rec.SentAt, &rec.Details); err != nil {
			return nil, fmt.Errorf("list notifications: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}
