package store

import (
	"database/sql"
	"encoding/json"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var closedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.RemoteAddr, &rec.StartedAt, &closedAt, &rec.CloseReason, &rec.Received, &rec.Sent); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	return &rec, nil
}

func scanSessions(rows *sql.Rows) ([]SessionRecord, error) {
	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var detail string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
