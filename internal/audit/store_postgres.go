package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore persists audit events in the frontdesk_audit table.
//
// Schema:
//
//	CREATE TABLE frontdesk_audit (
//	    id         UUID PRIMARY KEY,
//	    timestamp  TIMESTAMPTZ NOT NULL,
//	    action     TEXT NOT NULL,
//	    patient_id TEXT NOT NULL,
//	    visit_id   TEXT NOT NULL,
//	    shard_key  TEXT NOT NULL DEFAULT '',
//	    detail     TEXT NOT NULL DEFAULT ''
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	query := `
		INSERT INTO frontdesk_audit (id, timestamp, action, patient_id, visit_id, shard_key, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New(),
		event.Timestamp,
		string(event.Action),
		event.PatientID,
		event.VisitID,
		event.ShardKey,
		event.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT timestamp, action, patient_id, visit_id, shard_key, detail
		FROM frontdesk_audit
		ORDER BY timestamp DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var action string
		if err := rows.Scan(&event.Timestamp, &action, &event.PatientID, &event.VisitID, &event.ShardKey, &event.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Action = Action(action)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
