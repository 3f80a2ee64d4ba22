package mysql

import (
	"context"
	"database/sql"

	"auction-engine/internal/domain"
)

type MySQLParticipantRepository struct {
	db *sql.DB
}

func NewMySQLParticipantRepository(db *sql.DB) *MySQLParticipantRepository {
	return &MySQLParticipantRepository{db: db}
}

func (r *MySQLParticipantRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
        INSERT INTO participants (session_id, user_id, has_deposit, top_bid, joined_at, left_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE has_deposit = VALUES(has_deposit), top_bid = VALUES(top_bid),
            left_at = VALUES(left_at)
    `
	var leftAt sql.NullTime
	if p.LeftAt != nil {
		leftAt = sql.NullTime{Time: *p.LeftAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		p.SessionID, p.UserID, p.HasDeposit, p.TopBid, p.JoinedAt, leftAt)
	return err
}

func (r *MySQLParticipantRepository) ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error) {
	query := `
        SELECT session_id, user_id, has_deposit, top_bid, joined_at, left_at
        FROM participants WHERE session_id = ?
        ORDER BY joined_at ASC
    `
	return r.query(ctx, query, sessionID)
}

func (r *MySQLParticipantRepository) ListParticipationsForUser(ctx context.Context, userID string) ([]*domain.Participant, error) {
	query := `
        SELECT session_id, user_id, has_deposit, top_bid, joined_at, left_at
        FROM participants WHERE user_id = ?
        ORDER BY joined_at DESC
    `
	return r.query(ctx, query, userID)
}

func (r *MySQLParticipantRepository) query(ctx context.Context, query string, arg string) ([]*domain.Participant, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		var p domain.Participant
		var leftAt sql.NullTime

		if err := rows.Scan(&p.SessionID, &p.UserID, &p.HasDeposit, &p.TopBid, &p.JoinedAt, &leftAt); err != nil {
			return nil, err
		}
		if leftAt.Valid {
			p.LeftAt = &leftAt.Time
		}
		participants = append(participants, &p)
	}

	return participants, rows.Err()
}
