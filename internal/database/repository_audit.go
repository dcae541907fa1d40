package database

import (
	"context"
	"fmt"
	"time"

	"capguard/internal/safety"
)

// AuditRepository archives safety events to Postgres. It satisfies
// safety.AuditSink.
type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// RecordEvent inserts one history entry.
func (r *AuditRepository) RecordEvent(ctx context.Context, entry safety.HistoryEntry) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO safety_events (id, kind, from_state, to_state, severity, reason, occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.Kind, entry.From, entry.To,
		entry.Severity.String(), entry.Reason, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting safety event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events for the operator API, newest first.
func (r *AuditRepository) RecentEvents(ctx context.Context, limit int) ([]safety.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, kind, COALESCE(from_state, ''), COALESCE(to_state, ''), severity, COALESCE(reason, ''), occurred_at
		 FROM safety_events
		 ORDER BY occurred_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying safety events: %w", err)
	}
	defer rows.Close()

	var entries []safety.HistoryEntry
	for rows.Next() {
		var (
			entry       safety.HistoryEntry
			severity    string
			occurredAt  time.Time
		)
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.From, &entry.To, &severity, &entry.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning safety event: %w", err)
		}
		sev, err := safety.ParseSeverity(severity)
		if err != nil {
			return nil, err
		}
		entry.Severity = sev
		entry.Timestamp = occurredAt
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// PruneBefore deletes events older than the cutoff, returning the count.
func (r *AuditRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM safety_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning safety events: %w", err)
	}
	return tag.RowsAffected(), nil
}
