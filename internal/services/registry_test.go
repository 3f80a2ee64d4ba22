package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/domain"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestRegistry_DispatchUnknownSession(t *testing.T) {
	e := newTestEngine()
	defer e.registry.Stop()

	_, err := e.registry.Dispatch(context.Background(), "missing", bid("a", "10"))
	check.True(t, errors.Is(err, domain.ErrSessionNotFound))
	check.Equal(t, 0, len(e.registry.ActiveSessions()))
}

func TestRegistry_PersistsAcceptedBids(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	res, err := e.registry.Dispatch(ctx, "s1", bid("a", "1050000"))
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	check.True(t, eventually(func() bool {
		bids, _ := e.bids.ListBids(ctx, "s1")
		return len(bids) == 1
	}))
	check.True(t, eventually(func() bool {
		s, _ := e.sessions.GetSession(ctx, "s1")
		return s.BidSequence == 1 && s.CurrentLeaderID == "a"
	}))
	check.True(t, eventually(func() bool {
		snap, _ := e.cache.GetSnapshot(ctx, "s1")
		return snap != nil && snap.BidSequence == 1
	}))
	check.True(t, eventually(func() bool {
		for _, ev := range e.sinks.broadcast() {
			if ev.Type == domain.EventBidAccepted && ev.Sequence == 1 {
				return true
			}
		}
		return false
	}))
}

func TestRegistry_AcknowledgesBidAfterStoringIt(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	gate := make(chan struct{})
	e.bids.gate = gate

	done := make(chan *domain.Result, 1)
	go func() {
		res, err := e.registry.Dispatch(ctx, "s1", bid("a", "1050000"))
		check.NoError(t, err)
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("bid acknowledged before it was stored")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)

	select {
	case res := <-done:
		assert.NotNil(t, res)
		check.True(t, res.Accepted)
	case <-time.After(2 * time.Second):
		t.Fatal("bid never acknowledged")
	}

	bids, err := e.bids.ListBids(ctx, "s1")
	assert.NoError(t, err)
	check.Equal(t, 1, len(bids))
	s, err := e.sessions.GetSession(ctx, "s1")
	assert.NoError(t, err)
	check.Equal(t, int64(1), s.BidSequence)
}

func TestRegistry_ConcurrentBidsStayMonotonic(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	const bidders = 20
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := decimal.NewFromInt(1050000 + int64(i)*50000)
			_, err := e.registry.Dispatch(ctx, "s1", domain.Command{
				Type:   domain.CommandBid,
				UserID: fmt.Sprintf("user-%d", i),
				Amount: amount,
			})
			check.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := e.registry.Snapshot(ctx, "s1")
	assert.NoError(t, err)

	var bids []*domain.Bid
	check.True(t, eventually(func() bool {
		bids, _ = e.bids.ListBids(ctx, "s1")
		return int64(len(bids)) == snap.BidSequence
	}))
	check.True(t, len(bids) > 0)
	for i := 1; i < len(bids); i++ {
		check.Equal(t, bids[i-1].SequenceNumber+1, bids[i].SequenceNumber)
		check.True(t, bids[i].Amount.Sub(bids[i-1].Amount).GreaterThanOrEqual(dec("50000")))
	}
	check.Equal(t, bids[len(bids)-1].Amount.String(), snap.CurrentPrice.String())
}

func TestRegistry_SettlesExactlyOnce(t *testing.T) {
	s := newTestSession("s1", domain.SessionLive)
	s.BuyNowPrice = decimal.NewNullDecimal(dec("5000000"))
	e := newTestEngine(s)
	defer e.registry.Stop()
	ctx := context.Background()

	commands := []domain.Command{
		{Type: domain.CommandClockEnd},
		{Type: domain.CommandCancel, ActorID: "admin"},
		{Type: domain.CommandBuyNow, UserID: "y"},
		{Type: domain.CommandBuyNow, UserID: "z"},
		{Type: domain.CommandClockEnd},
	}

	var wg sync.WaitGroup
	accepted := make(chan domain.CommandType, len(commands))
	for _, cmd := range commands {
		wg.Add(1)
		go func(cmd domain.Command) {
			defer wg.Done()
			res, err := e.registry.Dispatch(ctx, "s1", cmd)
			check.NoError(t, err)
			if err == nil && res.Accepted {
				accepted <- cmd.Type
			}
		}(cmd)
	}
	wg.Wait()
	close(accepted)

	n := 0
	for range accepted {
		n++
	}
	check.Equal(t, 1, n)
	check.True(t, eventually(func() bool { return e.sink.count("s1") == 1 }))
	time.Sleep(20 * time.Millisecond)
	check.Equal(t, 1, e.sink.count("s1"))
	check.True(t, e.sessions.status("s1").IsTerminal())
}

func TestRegistry_BuyNowBeatsLaterBid(t *testing.T) {
	s := newTestSession("s1", domain.SessionLive)
	s.BuyNowPrice = decimal.NewNullDecimal(dec("5000000"))
	e := newTestEngine(s)
	defer e.registry.Stop()
	ctx := context.Background()

	res, err := e.registry.Dispatch(ctx, "s1", domain.Command{Type: domain.CommandBuyNow, UserID: "y"})
	assert.NoError(t, err)
	assert.True(t, res.Accepted)
	check.Equal(t, "y", res.Snapshot.WinnerID)

	res, err = e.registry.Dispatch(ctx, "s1", bid("z", "6000000"))
	assert.NoError(t, err)
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectSessionClosed, res.Reason)

	check.True(t, eventually(func() bool {
		e.sinks.mutex.Lock()
		defer e.sinks.mutex.Unlock()
		return len(e.sinks.notified) == 1 && e.sinks.notified[0] == "y"
	}))
}

func TestRegistry_ClockEndsSession(t *testing.T) {
	s := newTestSession("s1", domain.SessionLive)
	s.ScheduledEnd = time.Now().Add(100 * time.Millisecond)
	e := newTestEngine(s)
	defer e.registry.Stop()
	ctx := context.Background()

	res, err := e.registry.Dispatch(ctx, "s1", bid("a", "1050000"))
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	check.True(t, eventually(func() bool {
		return e.sessions.status("s1") == domain.SessionEnded
	}))
	snap, err := e.registry.Snapshot(ctx, "s1")
	assert.NoError(t, err)
	check.Equal(t, domain.SessionEnded, snap.Status)
	check.Equal(t, "a", snap.WinnerID)
	check.Equal(t, time.Duration(0), snap.Remaining)
	check.True(t, eventually(func() bool { return e.sink.count("s1") == 1 }))
}

func TestRegistry_ClockStartsVerifiedSession(t *testing.T) {
	s := newTestSession("s1", domain.SessionVerified)
	s.ScheduledStart = time.Now().Add(50 * time.Millisecond)
	e := newTestEngine(s)
	defer e.registry.Stop()

	assert.NoError(t, e.registry.Restore(context.Background()))
	check.Equal(t, 1, len(e.registry.ActiveSessions()))
	check.True(t, eventually(func() bool {
		return e.sessions.status("s1") == domain.SessionLive
	}))
}

func TestRegistry_FIFOPerSession(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	// Sequential submissions from one caller observe strictly increasing sequences.
	var last int64
	for i := 0; i < 10; i++ {
		user := "a"
		if i%2 == 1 {
			user = "b"
		}
		res, err := e.registry.Dispatch(ctx, "s1", domain.Command{
			Type:   domain.CommandBid,
			UserID: user,
			Amount: decimal.NewFromInt(1050000 + int64(i)*50000),
		})
		assert.NoError(t, err)
		assert.True(t, res.Accepted)
		check.Equal(t, last+1, res.Sequence)
		last = res.Sequence
	}
}

func TestRegistry_ReapAndDetachedTerminal(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	var reaped []string
	e.registry.OnTeardown(func(id string) { reaped = append(reaped, id) })

	res, err := e.registry.Dispatch(ctx, "s1", domain.Command{Type: domain.CommandCancel, ActorID: "admin"})
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	check.Equal(t, 0, e.registry.Reap(time.Now()))
	check.Equal(t, 1, e.registry.Reap(time.Now().Add(2*time.Minute)))
	check.Equal(t, []string{"s1"}, reaped)
	check.Equal(t, 0, len(e.registry.ActiveSessions()))

	check.True(t, eventually(func() bool {
		return e.sessions.status("s1") == domain.SessionCancelled
	}))

	// The torn-down session still answers, without a worker and without a
	// second settlement.
	res, err = e.registry.Dispatch(ctx, "s1", bid("a", "9000000"))
	assert.NoError(t, err)
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectSessionClosed, res.Reason)
	check.Equal(t, 0, len(e.registry.ActiveSessions()))
	check.Equal(t, 1, e.sink.count("s1"))
}

func TestRegistry_BuyNowReplaysAfterReap(t *testing.T) {
	s := newTestSession("s1", domain.SessionLive)
	s.BuyNowPrice = decimal.NewNullDecimal(dec("5000000"))
	e := newTestEngine(s)
	defer e.registry.Stop()
	ctx := context.Background()

	cmd := domain.Command{Type: domain.CommandBuyNow, UserID: "y", IdempotencyToken: "tok-1"}
	res, err := e.registry.Dispatch(ctx, "s1", cmd)
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	check.Equal(t, 1, e.registry.Reap(time.Now().Add(2*time.Minute)))
	check.Equal(t, 0, len(e.registry.ActiveSessions()))

	res, err = e.registry.Dispatch(ctx, "s1", cmd)
	assert.NoError(t, err)
	check.True(t, res.Accepted)
	check.True(t, res.Replayed)
	check.Equal(t, "5000000", res.Price.String())
	check.Equal(t, 1, e.sink.count("s1"))
}

func TestRegistry_ReapsStaleDraft(t *testing.T) {
	s := newTestSession("s1", domain.SessionDraft)
	e := newTestEngine(s)
	defer e.registry.Stop()

	_, err := e.registry.Dispatch(context.Background(), "s1", domain.Command{Type: domain.CommandJoin, UserID: "a"})
	assert.NoError(t, err)

	check.Equal(t, 0, e.registry.Reap(time.Now()))
	check.Equal(t, 1, e.registry.Reap(s.ScheduledEnd.Add(2*time.Minute)))
}

func TestRegistry_SkipsSessionsOwnedElsewhere(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive), newTestSession("s2", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	owners := newMemOwnership()
	owners.set("s1", "other")
	e.registry.SetOwnership(owners, "me")

	_, err := e.registry.Dispatch(ctx, "s1", bid("a", "1050000"))
	check.True(t, errors.Is(err, domain.ErrSessionOwnedElsewhere))

	assert.NoError(t, e.registry.Restore(ctx))
	check.Equal(t, []string{"s2"}, e.registry.ActiveSessions())
	check.Equal(t, "me", owners.owner("s2"))
	check.Equal(t, "other", owners.owner("s1"))

	// Once the other instance lets go, the session is picked up here.
	owners.set("s1", "")
	n, err := e.registry.Adopt(ctx)
	assert.NoError(t, err)
	check.Equal(t, 1, n)
	check.Equal(t, 2, len(e.registry.ActiveSessions()))
	check.Equal(t, "me", owners.owner("s1"))

	bids, _ := e.bids.ListBids(ctx, "s1")
	check.Equal(t, 0, len(bids))
}

func TestRegistry_TerminalSessionOwnedElsewhereAnswers(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionEnded))
	defer e.registry.Stop()

	owners := newMemOwnership()
	owners.set("s1", "other")
	e.registry.SetOwnership(owners, "me")

	res, err := e.registry.Dispatch(context.Background(), "s1", bid("a", "1050000"))
	assert.NoError(t, err)
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectSessionClosed, res.Reason)
	check.Equal(t, "other", owners.owner("s1"))
}

func TestRegistry_ReleasesClaims(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive), newTestSession("s2", domain.SessionLive),
		newTestSession("s3", domain.SessionEnded))
	ctx := context.Background()

	owners := newMemOwnership()
	e.registry.SetOwnership(owners, "me")

	res, err := e.registry.Dispatch(ctx, "s1", domain.Command{Type: domain.CommandCancel, ActorID: "admin"})
	assert.NoError(t, err)
	assert.True(t, res.Accepted)
	_, err = e.registry.Dispatch(ctx, "s2", bid("a", "1050000"))
	assert.NoError(t, err)
	check.Equal(t, "me", owners.owner("s1"))
	check.Equal(t, "me", owners.owner("s2"))

	check.Equal(t, 1, e.registry.Reap(time.Now().Add(2*time.Minute)))
	check.Equal(t, "", owners.owner("s1"))

	// A terminal session answered without a worker keeps no claim.
	_, err = e.registry.Dispatch(ctx, "s3", bid("a", "1050000"))
	assert.NoError(t, err)
	check.Equal(t, "", owners.owner("s3"))

	e.registry.Stop()
	check.Equal(t, "", owners.owner("s2"))
}

func TestRegistry_EvictAfterLostClaim(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	owners := newMemOwnership()
	e.registry.SetOwnership(owners, "me")
	var torn []string
	e.registry.OnTeardown(func(id string) { torn = append(torn, id) })

	_, err := e.registry.Dispatch(ctx, "s1", bid("a", "1050000"))
	assert.NoError(t, err)

	owners.set("s1", "other")
	e.registry.Evict("s1")
	check.Equal(t, 0, len(e.registry.ActiveSessions()))
	check.Equal(t, []string{"s1"}, torn)
	check.Equal(t, "other", owners.owner("s1"))

	_, err = e.registry.Dispatch(ctx, "s1", bid("b", "1100000"))
	check.True(t, errors.Is(err, domain.ErrSessionOwnedElsewhere))

	// Evicting a session that is not resident is a no-op.
	e.registry.Evict("s1")
	check.Equal(t, 1, len(torn))
}

func TestRegistry_SnapshotFallsBackToCacheAndRepo(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionEnded))
	defer e.registry.Stop()
	ctx := context.Background()

	snap, err := e.registry.Snapshot(ctx, "s1")
	assert.NoError(t, err)
	check.Equal(t, domain.SessionEnded, snap.Status)
	check.Equal(t, 0, len(e.registry.ActiveSessions()))

	cached := *snap
	cached.BidSequence = 42
	assert.NoError(t, e.cache.SetSnapshot(ctx, &cached))
	snap, err = e.registry.Snapshot(ctx, "s1")
	assert.NoError(t, err)
	check.Equal(t, int64(42), snap.BidSequence)
}

func TestRegistry_StopRejectsCommands(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	ctx := context.Background()

	_, err := e.registry.Dispatch(ctx, "s1", bid("a", "1050000"))
	assert.NoError(t, err)

	e.registry.Stop()
	_, err = e.registry.Dispatch(ctx, "s1", bid("b", "1100000"))
	check.True(t, errors.Is(err, domain.ErrEngineStopped))

	// Outcomes queued before the stop were still delivered.
	bids, _ := e.bids.ListBids(ctx, "s1")
	check.Equal(t, 1, len(bids))
}

func TestRegistry_RecoversFromPanic(t *testing.T) {
	e := newTestEngine(newTestSession("s1", domain.SessionLive))
	defer e.registry.Stop()
	ctx := context.Background()

	_, err := e.registry.Dispatch(ctx, "s1", bid("a", "1050000"))
	assert.NoError(t, err)

	w, err := e.registry.worker(ctx, "s1")
	assert.NoError(t, err)

	// Corrupt the participants map so the next bid panics inside Apply.
	w.machine.participants = nil
	_, err = e.registry.Dispatch(ctx, "s1", bid("b", "1100000"))
	check.True(t, errors.Is(err, domain.ErrInvariantViolation))

	// The checkpoint restored the map and the worker keeps serving.
	res, err := e.registry.Dispatch(ctx, "s1", bid("b", "1100000"))
	assert.NoError(t, err)
	assert.True(t, res.Accepted)
	check.Equal(t, int64(2), res.Sequence)
}
