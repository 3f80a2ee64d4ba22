package mysql

import (
	"context"
	"database/sql"
	"time"

	"auction-engine/internal/domain"
)

// MySQLEventLogRepository is the analytics audit trail of published events.
type MySQLEventLogRepository struct {
	db *sql.DB
}

func NewMySQLEventLogRepository(db *sql.DB) *MySQLEventLogRepository {
	return &MySQLEventLogRepository{db: db}
}

func (r *MySQLEventLogRepository) SaveEvent(ctx context.Context, event *domain.Event) error {
	query := `
        INSERT INTO bid_events (session_id, event_type, sequence, amount, leader_id, winner_id, winning_price,
            status, participants, timestamp, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		event.SessionID, string(event.Type), event.Sequence, event.Amount, event.LeaderID, event.WinnerID,
		event.WinningPrice, event.Status.String(), event.Participants, event.Timestamp, time.Now())
	return err
}

func (r *MySQLEventLogRepository) GetEvents(ctx context.Context, sessionID string) ([]*domain.Event, error) {
	query := `
        SELECT session_id, event_type, sequence, amount, leader_id, winner_id, winning_price,
            status, participants, timestamp
        FROM bid_events
        WHERE session_id = ?
        ORDER BY id ASC
    `

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var event domain.Event
		var eventType, status string

		err := rows.Scan(&event.SessionID, &eventType, &event.Sequence, &event.Amount, &event.LeaderID,
			&event.WinnerID, &event.WinningPrice, &status, &event.Participants, &event.Timestamp)
		if err != nil {
			return nil, err
		}

		event.Type = domain.EventType(eventType)
		if event.Status, err = domain.ParseSessionStatus(status); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}

	return events, rows.Err()
}
