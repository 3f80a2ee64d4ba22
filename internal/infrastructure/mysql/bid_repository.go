package mysql

import (
	"context"
	"database/sql"

	"auction-engine/internal/domain"
)

type MySQLBidRepository struct {
	db *sql.DB
}

func NewMySQLBidRepository(db *sql.DB) *MySQLBidRepository {
	return &MySQLBidRepository{db: db}
}

// AppendBid is idempotent on (session_id, sequence_number) so that a retried
// write does not fail.
func (r *MySQLBidRepository) AppendBid(ctx context.Context, bid *domain.Bid) error {
	query := `
        INSERT IGNORE INTO bids (session_id, sequence_number, bidder_id, amount, idempotency_token, accepted_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		bid.SessionID, bid.SequenceNumber, bid.BidderID, bid.Amount, bid.IdempotencyToken, bid.AcceptedAt)
	return err
}

func (r *MySQLBidRepository) ListBids(ctx context.Context, sessionID string) ([]*domain.Bid, error) {
	query := `
        SELECT session_id, sequence_number, bidder_id, amount, idempotency_token, accepted_at
        FROM bids
        WHERE session_id = ?
        ORDER BY sequence_number ASC
    `

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*domain.Bid
	for rows.Next() {
		var bid domain.Bid

		err := rows.Scan(&bid.SessionID, &bid.SequenceNumber, &bid.BidderID, &bid.Amount,
			&bid.IdempotencyToken, &bid.AcceptedAt)
		if err != nil {
			return nil, err
		}

		bids = append(bids, &bid)
	}

	return bids, rows.Err()
}
