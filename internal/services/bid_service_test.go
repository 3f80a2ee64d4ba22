package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func newTestBidService(t *testing.T, sessions ...*domain.AuctionSession) (*BidService, *memLedger, *testEngine) {
	t.Helper()
	e := newTestEngine(sessions...)
	t.Cleanup(e.registry.Stop)
	ledger := newMemLedger()
	gate := NewDepositGate(ledger, time.Second, logger.NewNop())
	return NewBidService(e.registry, gate, logger.NewNop()), ledger, e
}

func TestBidService_DepositRequiredUntilRecorded(t *testing.T) {
	s := newTestSession("s1", domain.SessionLive)
	s.RequiredDeposit = dec("100000")
	svc, _, _ := newTestBidService(t, s)
	ctx := context.Background()

	res, err := svc.PlaceBid(ctx, "s1", "w", dec("1050000"), "tok-1")
	assert.NoError(t, err)
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectDepositRequired, res.Reason)

	assert.NoError(t, svc.RecordDeposit(ctx, "s1", "w", true))

	res, err = svc.PlaceBid(ctx, "s1", "w", dec("1050000"), "tok-1")
	assert.NoError(t, err)
	assert.True(t, res.Accepted)
	check.False(t, res.Replayed)
	check.Equal(t, "w", res.Snapshot.LeaderID)
}

func TestBidService_LedgerOutageRejectsBid(t *testing.T) {
	s := newTestSession("s1", domain.SessionLive)
	s.RequiredDeposit = dec("100000")
	svc, ledger, _ := newTestBidService(t, s)
	ledger.err = errBoom

	_, err := svc.PlaceBid(context.Background(), "s1", "w", dec("1050000"), "")
	check.True(t, errors.Is(err, domain.ErrDependencyUnavailable))
}

func TestBidService_NoDepositNeeded(t *testing.T) {
	svc, ledger, _ := newTestBidService(t, newTestSession("s1", domain.SessionLive))

	res, err := svc.PlaceBid(context.Background(), "s1", "x", dec("1050000"), "")
	assert.NoError(t, err)
	check.True(t, res.Accepted)
	check.Equal(t, 0, ledger.lookups)
}

func TestBidService_InvalidInput(t *testing.T) {
	svc, _, _ := newTestBidService(t, newTestSession("s1", domain.SessionLive))
	ctx := context.Background()

	_, err := svc.PlaceBid(ctx, "s1", "", dec("10"), "")
	check.True(t, errors.Is(err, domain.ErrInvalidCommand))
	_, err = svc.PlaceBid(ctx, "s1", "x", dec("0"), "")
	check.True(t, errors.Is(err, domain.ErrInvalidCommand))
	_, err = svc.BuyNow(ctx, "s1", "", "")
	check.True(t, errors.Is(err, domain.ErrInvalidCommand))
	_, err = svc.Join(ctx, "s1", "")
	check.True(t, errors.Is(err, domain.ErrInvalidCommand))
	err = svc.RecordDeposit(ctx, "", "x", true)
	check.True(t, errors.Is(err, domain.ErrInvalidCommand))
}

func TestBidService_JoinRecordsDepositFact(t *testing.T) {
	s := newTestSession("s1", domain.SessionLive)
	s.RequiredDeposit = dec("100000")
	svc, ledger, e := newTestBidService(t, s)
	ledger.deposits["s1|a"] = true
	ctx := context.Background()

	res, err := svc.Join(ctx, "s1", "a")
	assert.NoError(t, err)
	assert.True(t, res.Accepted)
	check.Equal(t, 1, res.Snapshot.Participants)

	check.True(t, eventually(func() bool {
		ps, _ := e.participants.ListParticipants(ctx, "s1")
		return len(ps) == 1 && ps[0].HasDeposit
	}))

	res, err = svc.Leave(ctx, "s1", "a")
	assert.NoError(t, err)
	check.Equal(t, 0, res.Snapshot.Participants)
}
