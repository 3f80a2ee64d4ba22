package mysql

import (
	"context"
	"database/sql"
	"time"

	"auction-engine/internal/domain"
)

type MySQLSettlementRepository struct {
	db *sql.DB
}

func NewMySQLSettlementRepository(db *sql.DB) *MySQLSettlementRepository {
	return &MySQLSettlementRepository{db: db}
}

// RecordSettlement relies on the primary key on session_id; a second record
// for the same session affects no rows and reports false.
func (r *MySQLSettlementRepository) RecordSettlement(ctx context.Context, s *domain.AuctionSettled) (bool, error) {
	query := `
        INSERT IGNORE INTO settlements (session_id, winner_id, winning_price, status, settled_at, delivered)
        VALUES (?, ?, ?, ?, ?, FALSE)
    `
	var winner sql.NullString
	if s.WinnerID != nil {
		winner = sql.NullString{String: *s.WinnerID, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query, s.SessionID, winner, s.WinningPrice, s.Status.String(), s.SettledAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *MySQLSettlementRepository) MarkDelivered(ctx context.Context, sessionID string) error {
	query := `UPDATE settlements SET delivered = TRUE, delivered_at = ? WHERE session_id = ?`
	_, err := r.db.ExecContext(ctx, query, time.Now(), sessionID)
	return err
}

func (r *MySQLSettlementRepository) GetPendingSettlements(ctx context.Context, limit int) ([]*domain.AuctionSettled, error) {
	query := `
        SELECT session_id, winner_id, winning_price, status, settled_at
        FROM settlements
        WHERE delivered = FALSE
        ORDER BY settled_at ASC
        LIMIT ?
    `

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*domain.AuctionSettled
	for rows.Next() {
		var s domain.AuctionSettled
		var winner sql.NullString
		var status string

		if err := rows.Scan(&s.SessionID, &winner, &s.WinningPrice, &status, &s.SettledAt); err != nil {
			return nil, err
		}
		if winner.Valid {
			s.WinnerID = &winner.String
		}
		if s.Status, err = domain.ParseSessionStatus(status); err != nil {
			return nil, err
		}
		pending = append(pending, &s)
	}

	return pending, rows.Err()
}
