package mysql

import (
	"auction-engine/internal/domain"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const sessionColumns = `id, item_id, seller_id, starting_bid, buy_now_price, bid_increment, required_deposit,
        scheduled_start, scheduled_end, status, current_price, current_leader_id, winner_id, winning_price,
        bid_sequence, buy_now_token, created_at, updated_at`

type MySQLSessionRepository struct {
	db *sql.DB
}

func NewMySQLSessionRepository(db *sql.DB) *MySQLSessionRepository {
	return &MySQLSessionRepository{db: db}
}

func (r *MySQLSessionRepository) CreateSession(ctx context.Context, s *domain.AuctionSession) error {
	query := `
        INSERT INTO auction_sessions (` + sessionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.ItemID, s.SellerID, s.StartingBid, s.BuyNowPrice, s.BidIncrement, s.RequiredDeposit,
		s.ScheduledStart, s.ScheduledEnd, s.Status.String(), s.CurrentPrice, s.CurrentLeaderID,
		s.WinnerID, s.WinningPrice, s.BidSequence, s.BuyNowToken, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *MySQLSessionRepository) GetSession(ctx context.Context, sessionID string) (*domain.AuctionSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM auction_sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSessionState writes the mutable part of a snapshot. Writes carrying
// an older bid sequence than the stored one are ignored.
func (r *MySQLSessionRepository) UpdateSessionState(ctx context.Context, snap *domain.Snapshot) error {
	query := `
        UPDATE auction_sessions
        SET status = ?, current_price = ?, current_leader_id = ?, winner_id = ?, winning_price = ?,
            bid_sequence = ?, buy_now_token = ?, updated_at = ?
        WHERE id = ? AND bid_sequence <= ?
    `
	_, err := r.db.ExecContext(ctx, query,
		snap.Status.String(), snap.CurrentPrice, snap.LeaderID, snap.WinnerID, snap.WinningPrice,
		snap.BidSequence, snap.BuyNowToken, time.Now(), snap.SessionID, snap.BidSequence)
	return err
}

func (r *MySQLSessionRepository) GetSessionsByStatus(ctx context.Context,
	statuses ...domain.SessionStatus) ([]*domain.AuctionSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = status.String()
	}
	query := `SELECT ` + sessionColumns + ` FROM auction_sessions WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY scheduled_start ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.AuctionSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.AuctionSession, error) {
	var s domain.AuctionSession
	var status string

	err := row.Scan(&s.ID, &s.ItemID, &s.SellerID, &s.StartingBid, &s.BuyNowPrice, &s.BidIncrement,
		&s.RequiredDeposit, &s.ScheduledStart, &s.ScheduledEnd, &status, &s.CurrentPrice,
		&s.CurrentLeaderID, &s.WinnerID, &s.WinningPrice, &s.BidSequence, &s.BuyNowToken, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if s.Status, err = domain.ParseSessionStatus(status); err != nil {
		return nil, err
	}
	return &s, nil
}
