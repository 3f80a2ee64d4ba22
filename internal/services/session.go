package services

import (
	"fmt"
	"time"

	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
)

// SessionMachine owns the state of one auction session. It is not safe for
// concurrent use: only the session worker calls Apply.
type SessionMachine struct {
	session      domain.AuctionSession
	bids         []*domain.Bid
	participants map[string]*domain.Participant
	results      map[string]domain.Result
	resultOrder  []string
	policy       BiddingPolicy
	settled      bool
}

func NewSessionMachine(session *domain.AuctionSession, bids []*domain.Bid, participants []*domain.Participant,
	policy BiddingPolicy) *SessionMachine {
	m := &SessionMachine{
		session:      *session,
		participants: make(map[string]*domain.Participant),
		results:      make(map[string]domain.Result),
		policy:       policy,
	}
	if m.session.CurrentPrice.IsZero() {
		m.session.CurrentPrice = m.session.StartingBid
	}
	for _, p := range participants {
		cp := *p
		m.participants[p.UserID] = &cp
	}
	for _, b := range bids {
		bid := *b
		m.bids = append(m.bids, &bid)
		if bid.SequenceNumber > m.session.BidSequence {
			m.session.BidSequence = bid.SequenceNumber
		}
		if bid.IdempotencyToken != "" {
			m.remember(bid.BidderID, bid.IdempotencyToken, domain.Result{
				Accepted: true,
				Price:    bid.Amount,
				Sequence: bid.SequenceNumber,
			})
		}
	}
	if m.session.BuyNowToken != "" && m.session.WinnerID != "" {
		m.remember(m.session.WinnerID, m.session.BuyNowToken, domain.Result{
			Accepted: true,
			Price:    m.session.WinningPrice.Decimal,
			Sequence: m.session.BidSequence,
		})
	}
	m.rebuildTopBids()
	// Sessions restored in a terminal state were settled by an earlier run.
	m.settled = m.session.Status.IsTerminal()
	return m
}

func (m *SessionMachine) Status() domain.SessionStatus {
	return m.session.Status
}

func (m *SessionMachine) Bids() []*domain.Bid {
	out := make([]*domain.Bid, len(m.bids))
	copy(out, m.bids)
	return out
}

func (m *SessionMachine) Participant(userID string) (domain.Participant, bool) {
	p, ok := m.participants[userID]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Apply runs one command against the session. Rejections are returned as
// results; an error means the session state could not be trusted.
func (m *SessionMachine) Apply(cmd domain.Command) (domain.Result, error) {
	now := cmd.At
	if now.IsZero() {
		now = time.Now()
	}

	if cmd.Type == domain.CommandBid || cmd.Type == domain.CommandBuyNow {
		if prev, ok := m.replay(cmd); ok {
			prev.Replayed = true
			prev.Snapshot = m.Snapshot(now)
			return prev, nil
		}
	}

	if m.session.Status.IsTerminal() {
		switch cmd.Type {
		case domain.CommandJoin, domain.CommandLeave, domain.CommandTick:
			return m.result(domain.Result{Accepted: true}, now), nil
		}
		return m.result(domain.Rejected(domain.RejectSessionClosed), now), nil
	}

	switch cmd.Type {
	case domain.CommandVerify:
		return m.verify(now), nil
	case domain.CommandClockStart:
		return m.clockStart(now), nil
	case domain.CommandBid:
		return m.bid(cmd, now)
	case domain.CommandBuyNow:
		return m.buyNow(cmd, now)
	case domain.CommandClockEnd:
		return m.clockEnd(now), nil
	case domain.CommandCancel:
		return m.cancel(now), nil
	case domain.CommandTick:
		return m.tick(now), nil
	case domain.CommandJoin:
		return m.join(cmd, now), nil
	case domain.CommandLeave:
		return m.leave(cmd, now), nil
	}
	return m.result(domain.Rejected(domain.RejectInvalidTransition), now), nil
}

func (m *SessionMachine) verify(now time.Time) domain.Result {
	if m.session.Status != domain.SessionDraft {
		return m.result(domain.Rejected(domain.RejectInvalidTransition), now)
	}
	if !now.Before(m.session.ScheduledEnd) {
		return m.result(domain.Rejected(domain.RejectSessionExpired), now)
	}
	m.session.Status = domain.SessionVerified
	m.session.UpdatedAt = now
	return m.result(domain.Result{Accepted: true}, now)
}

func (m *SessionMachine) clockStart(now time.Time) domain.Result {
	if m.session.Status != domain.SessionVerified {
		return m.result(domain.Rejected(domain.RejectInvalidTransition), now)
	}
	m.session.Status = domain.SessionLive
	m.session.UpdatedAt = now

	res := m.result(domain.Result{Accepted: true}, now)
	res.Events = []domain.Event{{
		Type:      domain.EventSessionLive,
		SessionID: m.session.ID,
		Sequence:  m.session.BidSequence,
		Amount:    m.session.CurrentPrice,
		Remaining: res.Snapshot.Remaining,
		Status:    domain.SessionLive,
		Timestamp: now,
	}}
	return res
}

func (m *SessionMachine) bid(cmd domain.Command, now time.Time) (domain.Result, error) {
	if reason := Validate(m.Snapshot(now), cmd, now, m.policy); reason != domain.RejectNone {
		return m.result(domain.Rejected(reason), now), nil
	}

	increment := cmd.Amount.Sub(m.session.CurrentPrice)
	if increment.LessThan(m.session.BidIncrement) || !increment.IsPositive() {
		return domain.Result{}, fmt.Errorf("%w: bid %s does not raise price %s by %s",
			domain.ErrInvariantViolation, cmd.Amount, m.session.CurrentPrice, m.session.BidIncrement)
	}

	m.session.BidSequence++
	bid := &domain.Bid{
		SessionID:        m.session.ID,
		BidderID:         cmd.UserID,
		Amount:           cmd.Amount,
		AcceptedAt:       now,
		SequenceNumber:   m.session.BidSequence,
		IdempotencyToken: cmd.IdempotencyToken,
	}
	m.bids = append(m.bids, bid)
	m.session.CurrentPrice = cmd.Amount
	m.session.CurrentLeaderID = cmd.UserID
	m.session.UpdatedAt = now

	p := m.ensureParticipant(cmd.UserID, cmd.HasDeposit, now)
	if cmd.Amount.GreaterThan(p.TopBid) {
		p.TopBid = cmd.Amount
	}

	res := m.result(domain.Result{
		Accepted: true,
		Price:    cmd.Amount,
		Sequence: bid.SequenceNumber,
	}, now)
	bidCopy := *bid
	res.Bid = &bidCopy
	bidder := *p
	res.Participant = &bidder
	res.Events = []domain.Event{{
		Type:      domain.EventBidAccepted,
		SessionID: m.session.ID,
		Sequence:  bid.SequenceNumber,
		Amount:    cmd.Amount,
		LeaderID:  cmd.UserID,
		Remaining: res.Snapshot.Remaining,
		Status:    domain.SessionLive,
		Timestamp: now,
	}}
	m.remember(cmd.UserID, cmd.IdempotencyToken, res)
	return res, nil
}

func (m *SessionMachine) buyNow(cmd domain.Command, now time.Time) (domain.Result, error) {
	if reason := Validate(m.Snapshot(now), cmd, now, m.policy); reason != domain.RejectNone {
		return m.result(domain.Rejected(reason), now), nil
	}

	price := m.session.BuyNowPrice.Decimal
	if !price.GreaterThan(m.session.CurrentPrice) {
		return domain.Result{}, fmt.Errorf("%w: buy now price %s does not exceed current price %s",
			domain.ErrInvariantViolation, price, m.session.CurrentPrice)
	}

	m.session.CurrentPrice = price
	m.session.CurrentLeaderID = cmd.UserID
	m.session.BuyNowToken = cmd.IdempotencyToken
	p := m.ensureParticipant(cmd.UserID, cmd.HasDeposit, now)
	if price.GreaterThan(p.TopBid) {
		p.TopBid = price
	}

	res := m.close(domain.SessionEnded, now)
	buyer := *p
	res.Participant = &buyer
	m.remember(cmd.UserID, cmd.IdempotencyToken, res)
	return res, nil
}

func (m *SessionMachine) clockEnd(now time.Time) domain.Result {
	if m.session.Status != domain.SessionLive {
		return m.result(domain.Rejected(domain.RejectInvalidTransition), now)
	}
	return m.close(domain.SessionEnded, now)
}

func (m *SessionMachine) cancel(now time.Time) domain.Result {
	return m.close(domain.SessionCancelled, now)
}

// close moves the session into a terminal state and produces the one
// settlement fact for it.
func (m *SessionMachine) close(status domain.SessionStatus, now time.Time) domain.Result {
	m.session.Status = status
	m.session.UpdatedAt = now
	if status == domain.SessionEnded && m.session.CurrentLeaderID != "" {
		m.session.WinnerID = m.session.CurrentLeaderID
		m.session.WinningPrice = decimal.NewNullDecimal(m.session.CurrentPrice)
	}

	res := m.result(domain.Result{
		Accepted: true,
		Price:    m.session.CurrentPrice,
		Sequence: m.session.BidSequence,
	}, now)
	res.Events = []domain.Event{{
		Type:         domain.EventSessionClosed,
		SessionID:    m.session.ID,
		Sequence:     m.session.BidSequence,
		Amount:       m.session.CurrentPrice,
		LeaderID:     m.session.CurrentLeaderID,
		WinnerID:     m.session.WinnerID,
		WinningPrice: m.session.WinningPrice,
		Status:       status,
		Timestamp:    now,
	}}

	if !m.settled {
		m.settled = true
		settled := &domain.AuctionSettled{
			SessionID:    m.session.ID,
			WinningPrice: m.session.WinningPrice,
			Status:       status,
			SettledAt:    now,
		}
		if m.session.WinnerID != "" {
			winner := m.session.WinnerID
			settled.WinnerID = &winner
		}
		res.Settlement = settled
	}
	return res
}

func (m *SessionMachine) tick(now time.Time) domain.Result {
	res := m.result(domain.Result{Accepted: true}, now)
	if m.session.Status == domain.SessionLive {
		res.Events = []domain.Event{{
			Type:      domain.EventTimeTick,
			SessionID: m.session.ID,
			Sequence:  m.session.BidSequence,
			Remaining: res.Snapshot.Remaining,
			Status:    domain.SessionLive,
			Timestamp: now,
		}}
	}
	return res
}

func (m *SessionMachine) join(cmd domain.Command, now time.Time) domain.Result {
	p, existed := m.participants[cmd.UserID]
	if !existed {
		p = m.ensureParticipant(cmd.UserID, cmd.HasDeposit, now)
	} else {
		p.LeftAt = nil
		if cmd.HasDeposit {
			p.HasDeposit = true
		}
	}

	res := m.result(domain.Result{Accepted: true}, now)
	joined := *p
	res.Participant = &joined
	res.Events = []domain.Event{m.presenceEvent(now)}
	return res
}

func (m *SessionMachine) leave(cmd domain.Command, now time.Time) domain.Result {
	res := m.result(domain.Result{Accepted: true}, now)
	p, ok := m.participants[cmd.UserID]
	if !ok || p.LeftAt != nil {
		return res
	}
	left := now
	p.LeftAt = &left
	res.Snapshot = m.Snapshot(now)
	updated := *p
	res.Participant = &updated
	res.Events = []domain.Event{m.presenceEvent(now)}
	return res
}

func (m *SessionMachine) presenceEvent(now time.Time) domain.Event {
	return domain.Event{
		Type:         domain.EventPresence,
		SessionID:    m.session.ID,
		Sequence:     m.session.BidSequence,
		Status:       m.session.Status,
		Participants: m.activeParticipants(),
		Timestamp:    now,
	}
}

func (m *SessionMachine) ensureParticipant(userID string, hasDeposit bool, now time.Time) *domain.Participant {
	p, ok := m.participants[userID]
	if !ok {
		p = &domain.Participant{
			UserID:     userID,
			SessionID:  m.session.ID,
			HasDeposit: hasDeposit,
			JoinedAt:   now,
			TopBid:     decimal.Zero,
		}
		m.participants[userID] = p
	}
	if hasDeposit {
		p.HasDeposit = true
	}
	return p
}

func (m *SessionMachine) activeParticipants() int {
	n := 0
	for _, p := range m.participants {
		if p.LeftAt == nil {
			n++
		}
	}
	return n
}

func (m *SessionMachine) result(res domain.Result, now time.Time) domain.Result {
	if res.Price.IsZero() {
		res.Price = m.session.CurrentPrice
	}
	if res.Sequence == 0 {
		res.Sequence = m.session.BidSequence
	}
	res.Snapshot = m.Snapshot(now)
	return res
}

func idempotencyKey(userID, token string) string {
	return userID + "|" + token
}

func (m *SessionMachine) remember(userID, token string, res domain.Result) {
	if token == "" {
		return
	}
	key := idempotencyKey(userID, token)
	if _, ok := m.results[key]; ok {
		return
	}
	stored := domain.Result{
		Accepted: res.Accepted,
		Reason:   res.Reason,
		Price:    res.Price,
		Sequence: res.Sequence,
	}
	m.results[key] = stored
	m.resultOrder = append(m.resultOrder, key)
}

func (m *SessionMachine) replay(cmd domain.Command) (domain.Result, bool) {
	if cmd.IdempotencyToken == "" {
		return domain.Result{}, false
	}
	res, ok := m.results[idempotencyKey(cmd.UserID, cmd.IdempotencyToken)]
	return res, ok
}

// Snapshot copies the session state as of now.
func (m *SessionMachine) Snapshot(now time.Time) *domain.Snapshot {
	s := &domain.Snapshot{
		SessionID:       m.session.ID,
		ItemID:          m.session.ItemID,
		SellerID:        m.session.SellerID,
		Status:          m.session.Status,
		StartingBid:     m.session.StartingBid,
		CurrentPrice:    m.session.CurrentPrice,
		BidIncrement:    m.session.BidIncrement,
		BuyNowPrice:     m.session.BuyNowPrice,
		RequiredDeposit: m.session.RequiredDeposit,
		LeaderID:        m.session.CurrentLeaderID,
		WinnerID:        m.session.WinnerID,
		WinningPrice:    m.session.WinningPrice,
		BidSequence:     m.session.BidSequence,
		BuyNowToken:     m.session.BuyNowToken,
		ScheduledStart:  m.session.ScheduledStart,
		ScheduledEnd:    m.session.ScheduledEnd,
		Participants:    m.activeParticipants(),
		TakenAt:         now,
	}
	s.MinimumNextBid = MinimumNextBid(s)
	s.Remaining = s.RemainingAt(now)
	return s
}

type checkpoint struct {
	session     domain.AuctionSession
	bids        int
	results     int
	settled     bool
	participant map[string]domain.Participant
}

func (m *SessionMachine) checkpoint() checkpoint {
	cp := checkpoint{
		session:     m.session,
		bids:        len(m.bids),
		results:     len(m.resultOrder),
		settled:     m.settled,
		participant: make(map[string]domain.Participant, len(m.participants)),
	}
	for id, p := range m.participants {
		cp.participant[id] = *p
	}
	return cp
}

func (m *SessionMachine) rollback(cp checkpoint) {
	m.session = cp.session
	m.bids = m.bids[:cp.bids]
	for _, key := range m.resultOrder[cp.results:] {
		delete(m.results, key)
	}
	m.resultOrder = m.resultOrder[:cp.results]
	m.settled = cp.settled
	m.participants = make(map[string]*domain.Participant, len(cp.participant))
	for id, p := range cp.participant {
		restored := p
		m.participants[id] = &restored
	}
}

// verifyAgainst checks the invariants that must hold between a checkpoint
// and the current state.
func (m *SessionMachine) verifyAgainst(cp checkpoint) error {
	if m.session.CurrentPrice.LessThan(cp.session.CurrentPrice) {
		return fmt.Errorf("%w: price decreased from %s to %s",
			domain.ErrInvariantViolation, cp.session.CurrentPrice, m.session.CurrentPrice)
	}
	if cp.session.Status.IsTerminal() && m.session.Status != cp.session.Status {
		return fmt.Errorf("%w: terminal status %s changed to %s",
			domain.ErrInvariantViolation, cp.session.Status, m.session.Status)
	}
	added := len(m.bids) - cp.bids
	if added < 0 || added > 1 || m.session.BidSequence != cp.session.BidSequence+int64(added) {
		return fmt.Errorf("%w: bid sequence moved from %d to %d with %d new bids",
			domain.ErrInvariantViolation, cp.session.BidSequence, m.session.BidSequence, added)
	}
	if m.session.WinnerID != "" && m.session.Status != domain.SessionEnded {
		return fmt.Errorf("%w: winner set while %s", domain.ErrInvariantViolation, m.session.Status)
	}
	return nil
}

func (m *SessionMachine) rebuildTopBids() {
	for _, p := range m.participants {
		p.TopBid = decimal.Zero
	}
	for _, b := range m.bids {
		p, ok := m.participants[b.BidderID]
		if !ok {
			p = &domain.Participant{UserID: b.BidderID, SessionID: m.session.ID, JoinedAt: b.AcceptedAt}
			m.participants[b.BidderID] = p
		}
		if b.Amount.GreaterThan(p.TopBid) {
			p.TopBid = b.Amount
		}
	}
}
