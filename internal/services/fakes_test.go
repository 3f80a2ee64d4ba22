package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/shopspring/decimal"
)

var errBoom = errors.New("boom")

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestSession(id string, status domain.SessionStatus) *domain.AuctionSession {
	now := time.Now()
	return &domain.AuctionSession{
		ID:             id,
		ItemID:         "item-1",
		SellerID:       "seller-1",
		StartingBid:    dec("1000000"),
		BidIncrement:   dec("50000"),
		ScheduledStart: now.Add(-time.Minute),
		ScheduledEnd:   now.Add(time.Hour),
		Status:         status,
		CurrentPrice:   dec("1000000"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

type memSessionRepo struct {
	sessions map[string]*domain.AuctionSession
	getErr   error
	mutex    sync.Mutex
}

func newMemSessionRepo(sessions ...*domain.AuctionSession) *memSessionRepo {
	r := &memSessionRepo{sessions: make(map[string]*domain.AuctionSession)}
	for _, s := range sessions {
		cp := *s
		r.sessions[s.ID] = &cp
	}
	return r
}

func (r *memSessionRepo) CreateSession(ctx context.Context, session *domain.AuctionSession) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *memSessionRepo) GetSession(ctx context.Context, sessionID string) (*domain.AuctionSession, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.getErr != nil {
		return nil, r.getErr
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) UpdateSessionState(ctx context.Context, snap *domain.Snapshot) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s, ok := r.sessions[snap.SessionID]
	if !ok || s.BidSequence > snap.BidSequence {
		return nil
	}
	s.Status = snap.Status
	s.CurrentPrice = snap.CurrentPrice
	s.CurrentLeaderID = snap.LeaderID
	s.WinnerID = snap.WinnerID
	s.WinningPrice = snap.WinningPrice
	s.BidSequence = snap.BidSequence
	s.BuyNowToken = snap.BuyNowToken
	return nil
}

func (r *memSessionRepo) GetSessionsByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]*domain.AuctionSession, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var out []*domain.AuctionSession
	for _, s := range r.sessions {
		for _, st := range statuses {
			if s.Status == st {
				cp := *s
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (r *memSessionRepo) status(id string) domain.SessionStatus {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.sessions[id].Status
}

type memBidRepo struct {
	bids  map[string]map[int64]*domain.Bid
	gate  chan struct{} // when set, appends wait for it to close
	mutex sync.Mutex
}

func newMemBidRepo() *memBidRepo {
	return &memBidRepo{bids: make(map[string]map[int64]*domain.Bid)}
}

func (r *memBidRepo) AppendBid(ctx context.Context, bid *domain.Bid) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.bids[bid.SessionID] == nil {
		r.bids[bid.SessionID] = make(map[int64]*domain.Bid)
	}
	if _, ok := r.bids[bid.SessionID][bid.SequenceNumber]; ok {
		return nil
	}
	cp := *bid
	r.bids[bid.SessionID][bid.SequenceNumber] = &cp
	return nil
}

func (r *memBidRepo) ListBids(ctx context.Context, sessionID string) ([]*domain.Bid, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]*domain.Bid, 0, len(r.bids[sessionID]))
	for _, b := range r.bids[sessionID] {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

type memParticipantRepo struct {
	participants map[string]*domain.Participant
	mutex        sync.Mutex
}

func newMemParticipantRepo() *memParticipantRepo {
	return &memParticipantRepo{participants: make(map[string]*domain.Participant)}
}

func (r *memParticipantRepo) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cp := *p
	r.participants[p.SessionID+"|"+p.UserID] = &cp
	return nil
}

func (r *memParticipantRepo) ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var out []*domain.Participant
	for _, p := range r.participants {
		if p.SessionID == sessionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memParticipantRepo) ListParticipationsForUser(ctx context.Context, userID string) ([]*domain.Participant, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var out []*domain.Participant
	for _, p := range r.participants {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memSettlementRepo struct {
	records   map[string]*domain.AuctionSettled
	delivered map[string]bool
	recordErr error
	mutex     sync.Mutex
}

func newMemSettlementRepo() *memSettlementRepo {
	return &memSettlementRepo{
		records:   make(map[string]*domain.AuctionSettled),
		delivered: make(map[string]bool),
	}
}

func (r *memSettlementRepo) RecordSettlement(ctx context.Context, s *domain.AuctionSettled) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.recordErr != nil {
		return false, r.recordErr
	}
	if _, ok := r.records[s.SessionID]; ok {
		return false, nil
	}
	cp := *s
	r.records[s.SessionID] = &cp
	return true, nil
}

func (r *memSettlementRepo) MarkDelivered(ctx context.Context, sessionID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.delivered[sessionID] = true
	return nil
}

func (r *memSettlementRepo) GetPendingSettlements(ctx context.Context, limit int) ([]*domain.AuctionSettled, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var out []*domain.AuctionSettled
	for id, s := range r.records {
		if !r.delivered[id] && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSettlementRepo) setRecordErr(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.recordErr = err
}

type memSink struct {
	emitted []*domain.AuctionSettled
	err     error
	mutex   sync.Mutex
}

func (s *memSink) EmitSettlement(ctx context.Context, settled *domain.AuctionSettled) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.err != nil {
		return s.err
	}
	s.emitted = append(s.emitted, settled)
	return nil
}

func (s *memSink) setErr(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.err = err
}

func (s *memSink) count(sessionID string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := 0
	for _, e := range s.emitted {
		if e.SessionID == sessionID {
			n++
		}
	}
	return n
}

type memCache struct {
	snapshots map[string]*domain.Snapshot
	mutex     sync.Mutex
}

func newMemCache() *memCache {
	return &memCache{snapshots: make(map[string]*domain.Snapshot)}
}

func (c *memCache) SetSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	cp := *snap
	c.snapshots[snap.SessionID] = &cp
	return nil
}

func (c *memCache) GetSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	snap, ok := c.snapshots[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

type memLedger struct {
	deposits map[string]bool
	err      error
	lookups  int
	mutex    sync.Mutex
}

func newMemLedger() *memLedger {
	return &memLedger{deposits: make(map[string]bool)}
}

func (l *memLedger) HasDeposit(ctx context.Context, sessionID, userID string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.lookups++
	if l.err != nil {
		return false, l.err
	}
	return l.deposits[sessionID+"|"+userID], nil
}

func (l *memLedger) RecordDeposit(ctx context.Context, sessionID, userID string, hasDeposit bool) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.err != nil {
		return l.err
	}
	l.deposits[sessionID+"|"+userID] = hasDeposit
	return nil
}

type memOwnership struct {
	owners map[string]string
	mutex  sync.Mutex
}

func newMemOwnership() *memOwnership {
	return &memOwnership{owners: make(map[string]string)}
}

func (o *memOwnership) Claim(ctx context.Context, sessionID, instanceID string) (bool, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if cur, ok := o.owners[sessionID]; ok && cur != instanceID {
		return false, nil
	}
	o.owners[sessionID] = instanceID
	return true, nil
}

func (o *memOwnership) Release(ctx context.Context, sessionID, instanceID string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.owners[sessionID] == instanceID {
		delete(o.owners, sessionID)
	}
	return nil
}

func (o *memOwnership) set(sessionID, instanceID string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if instanceID == "" {
		delete(o.owners, sessionID)
		return
	}
	o.owners[sessionID] = instanceID
}

func (o *memOwnership) owner(sessionID string) string {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return o.owners[sessionID]
}

// recordingSinks captures everything the fan-out delivers.
type recordingSinks struct {
	events    []domain.Event
	notified  []string
	published []domain.Event
	failFirst int
	mutex     sync.Mutex
}

func (s *recordingSinks) BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.failFirst > 0 {
		s.failFirst--
		return errBoom
	}
	s.events = append(s.events, *message.(*domain.Event))
	return nil
}

func (s *recordingSinks) NotifyUser(ctx context.Context, userID string, message interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.notified = append(s.notified, userID)
	return nil
}

func (s *recordingSinks) PublishEvent(ctx context.Context, event *domain.Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.published = append(s.published, *event)
	return nil
}

func (s *recordingSinks) broadcast() []domain.Event {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]domain.Event(nil), s.events...)
}

type testEngine struct {
	sessions     *memSessionRepo
	bids         *memBidRepo
	participants *memParticipantRepo
	settlements  *memSettlementRepo
	sink         *memSink
	cache        *memCache
	sinks        *recordingSinks
	bridge       *SettlementBridge
	registry     *SessionRegistry
}

func newTestEngine(sessions ...*domain.AuctionSession) *testEngine {
	log := logger.NewNop()
	e := &testEngine{
		sessions:     newMemSessionRepo(sessions...),
		bids:         newMemBidRepo(),
		participants: newMemParticipantRepo(),
		settlements:  newMemSettlementRepo(),
		sink:         &memSink{},
		cache:        newMemCache(),
		sinks:        &recordingSinks{},
	}
	fanout := NewFanout(e.sinks, e.sinks, 2, time.Millisecond, log, e.sinks)
	e.bridge = NewSettlementBridge(e.settlements, e.sink, 2, time.Millisecond, log)
	e.registry = NewSessionRegistry(e.sessions, e.bids, e.participants, e.cache, fanout, e.bridge,
		RegistryConfig{
			TeardownGrace:   time.Minute,
			PublishAttempts: 2,
			PublishBackoff:  time.Millisecond,
		}, log)
	return e
}

// eventually polls cond until it holds or the deadline passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
