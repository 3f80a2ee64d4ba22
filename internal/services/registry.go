package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
)

var errWorkerStopped = errors.New("session worker stopped")

type RegistryConfig struct {
	TickInterval    time.Duration
	TeardownGrace   time.Duration
	InboxSize       int
	OutboxSize      int
	PublishAttempts int
	PublishBackoff  time.Duration
	Policy          BiddingPolicy
}

// SessionRegistry owns one worker per resident session and routes commands
// to it. Workers are loaded on first reference and reaped once terminal.
type SessionRegistry struct {
	sessions     domain.SessionRepository
	bids         domain.BidRepository
	participants domain.ParticipantRepository
	cache        domain.SnapshotCache
	fanout       *Fanout
	bridge       *SettlementBridge
	cfg          RegistryConfig
	now          func() time.Time

	workers  map[string]*sessionWorker
	draining map[string]chan struct{}
	stopped  bool
	mutex    sync.Mutex

	owner      domain.SessionOwnership
	instanceID string

	teardownHooks []func(sessionID string)
	log           logger.Logger
}

func NewSessionRegistry(
	sessions domain.SessionRepository,
	bids domain.BidRepository,
	participants domain.ParticipantRepository,
	cache domain.SnapshotCache,
	fanout *Fanout,
	bridge *SettlementBridge,
	cfg RegistryConfig,
	log logger.Logger,
) *SessionRegistry {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	return &SessionRegistry{
		sessions:     sessions,
		bids:         bids,
		participants: participants,
		cache:        cache,
		fanout:       fanout,
		bridge:       bridge,
		cfg:          cfg,
		now:          time.Now,
		workers:      make(map[string]*sessionWorker),
		draining:     make(map[string]chan struct{}),
		log:          log,
	}
}

// OnTeardown registers fn to run after a session worker has been reaped.
func (r *SessionRegistry) OnTeardown(fn func(sessionID string)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.teardownHooks = append(r.teardownHooks, fn)
}

// SetOwnership makes every worker start conditional on holding the session
// in owner. Without it the registry assumes it is the only instance.
func (r *SessionRegistry) SetOwnership(owner domain.SessionOwnership, instanceID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.owner = owner
	r.instanceID = instanceID
}

// Restore brings every verified or live session into memory so that their
// clocks run without waiting for a command.
func (r *SessionRegistry) Restore(ctx context.Context) error {
	started, err := r.Adopt(ctx)
	if err != nil {
		return err
	}
	r.log.Info("Sessions restored", "count", started)
	return nil
}

// Adopt starts a worker for every open session that has none, skipping the
// ones another instance owns. It returns how many workers it started.
func (r *SessionRegistry) Adopt(ctx context.Context) (int, error) {
	sessions, err := r.sessions.GetSessionsByStatus(ctx, domain.SessionVerified, domain.SessionLive)
	if err != nil {
		return 0, fmt.Errorf("failed to list open sessions: %w", err)
	}

	started := 0
	for _, s := range sessions {
		r.mutex.Lock()
		_, resident := r.workers[s.ID]
		r.mutex.Unlock()
		if resident {
			continue
		}

		w, err := r.worker(ctx, s.ID)
		switch {
		case errors.Is(err, domain.ErrSessionOwnedElsewhere):
			r.log.Debug("Session owned elsewhere", "session_id", s.ID)
		case err != nil:
			r.log.Error("Failed to restore session", "session_id", s.ID, "error", err)
		case w != nil:
			started++
		}
	}
	return started, nil
}

// Dispatch runs cmd on the session's worker and waits for the result.
func (r *SessionRegistry) Dispatch(ctx context.Context, sessionID string, cmd domain.Command) (*domain.Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		w, err := r.worker(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return r.applyDetached(ctx, sessionID, cmd)
		}

		res, err := w.submit(ctx, cmd)
		if errors.Is(err, errWorkerStopped) {
			// Reaped between lookup and submit; the next lookup reloads it.
			continue
		}
		if err != nil {
			return nil, err
		}
		return &res, nil
	}
	return nil, domain.ErrEngineStopped
}

// Snapshot reads the freshest state available without spawning a worker.
func (r *SessionRegistry) Snapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	r.mutex.Lock()
	w, ok := r.workers[sessionID]
	r.mutex.Unlock()
	if ok {
		return w.snapshot(), nil
	}

	if r.cache != nil {
		snap, err := r.cache.GetSnapshot(ctx, sessionID)
		if err != nil {
			r.log.Warn("Snapshot cache read failed", "session_id", sessionID, "error", err)
		} else if snap != nil {
			snap.Remaining = snap.RemainingAt(r.now())
			return snap, nil
		}
	}

	machine, err := r.load(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	return machine.Snapshot(r.now()), nil
}

// ActiveSessions lists the resident session ids.
func (r *SessionRegistry) ActiveSessions() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// Reap tears down workers whose session has been terminal longer than the
// grace period, and drafts that can no longer be verified.
func (r *SessionRegistry) Reap(now time.Time) int {
	var victims []*sessionWorker

	r.mutex.Lock()
	for id, w := range r.workers {
		if !r.expired(w, now) {
			continue
		}
		delete(r.workers, id)
		r.draining[id] = make(chan struct{})
		victims = append(victims, w)
	}
	hooks := append([]func(string){}, r.teardownHooks...)
	r.mutex.Unlock()

	for _, w := range victims {
		r.teardown(w, hooks, true)
		r.log.Info("Session worker reaped", "session_id", w.id)
	}
	return len(victims)
}

// Evict drops a session's worker without giving up its claim. It is used
// when the claim has already passed to another instance.
func (r *SessionRegistry) Evict(sessionID string) {
	r.mutex.Lock()
	w, ok := r.workers[sessionID]
	if !ok {
		r.mutex.Unlock()
		return
	}
	delete(r.workers, sessionID)
	r.draining[sessionID] = make(chan struct{})
	hooks := append([]func(string){}, r.teardownHooks...)
	r.mutex.Unlock()

	r.teardown(w, hooks, false)
	r.log.Warn("Session worker evicted", "session_id", sessionID)
}

func (r *SessionRegistry) teardown(w *sessionWorker, hooks []func(string), release bool) {
	w.stop()
	if release {
		r.release(w.id)
	}

	r.mutex.Lock()
	close(r.draining[w.id])
	delete(r.draining, w.id)
	r.mutex.Unlock()

	for _, hook := range hooks {
		hook(w.id)
	}
}

func (r *SessionRegistry) release(sessionID string) {
	r.mutex.Lock()
	owner, instanceID := r.owner, r.instanceID
	r.mutex.Unlock()
	if owner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := owner.Release(ctx, sessionID, instanceID); err != nil {
		r.log.Warn("Failed to release session", "session_id", sessionID, "error", err)
	}
}

func (r *SessionRegistry) expired(w *sessionWorker, now time.Time) bool {
	if closed, ok := w.closedSince(); ok {
		return now.Sub(closed) >= r.cfg.TeardownGrace
	}
	snap := w.latest.Load()
	return snap.Status == domain.SessionDraft && now.After(snap.ScheduledEnd.Add(r.cfg.TeardownGrace))
}

// Stop rejects new commands and drains every worker.
func (r *SessionRegistry) Stop() {
	r.mutex.Lock()
	r.stopped = true
	workers := make([]*sessionWorker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[string]*sessionWorker)
	r.mutex.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *sessionWorker) {
			defer wg.Done()
			w.stop()
			r.release(w.id)
		}(w)
	}
	wg.Wait()
	r.log.Info("Session registry stopped", "workers", len(workers))
}

// worker returns the resident worker for a session, loading it when needed.
// A nil worker with a nil error means the session is terminal and not resident.
func (r *SessionRegistry) worker(ctx context.Context, sessionID string) (*sessionWorker, error) {
	for {
		r.mutex.Lock()
		if r.stopped {
			r.mutex.Unlock()
			return nil, domain.ErrEngineStopped
		}
		if w, ok := r.workers[sessionID]; ok {
			r.mutex.Unlock()
			return w, nil
		}
		wait, draining := r.draining[sessionID]
		r.mutex.Unlock()

		if !draining {
			break
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	claimed, err := r.claim(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	machine, err := r.load(ctx, sessionID, true)
	if err != nil {
		if claimed {
			r.release(sessionID)
		}
		return nil, err
	}
	if machine.Status().IsTerminal() {
		if claimed {
			r.release(sessionID)
		}
		return nil, nil
	}
	if !claimed {
		return nil, domain.ErrSessionOwnedElsewhere
	}

	w := newSessionWorker(machine, workerConfig{
		tickInterval: r.cfg.TickInterval,
		inboxSize:    r.cfg.InboxSize,
		outboxSize:   r.cfg.OutboxSize,
	}, r.deliver, r.now, r.log)

	r.mutex.Lock()
	if r.stopped {
		r.mutex.Unlock()
		r.release(sessionID)
		return nil, domain.ErrEngineStopped
	}
	if existing, ok := r.workers[sessionID]; ok {
		r.mutex.Unlock()
		return existing, nil
	}
	r.workers[sessionID] = w
	w.start()
	r.mutex.Unlock()

	r.log.Debug("Session worker started", "session_id", sessionID, "status", machine.Status())
	return w, nil
}

// claim reports whether this instance may run the session. It is always true
// without an ownership store.
func (r *SessionRegistry) claim(ctx context.Context, sessionID string) (bool, error) {
	r.mutex.Lock()
	owner, instanceID := r.owner, r.instanceID
	r.mutex.Unlock()
	if owner == nil {
		return true, nil
	}

	claimed, err := owner.Claim(ctx, sessionID, instanceID)
	if err != nil {
		return false, fmt.Errorf("%w: claim session: %v", domain.ErrDependencyUnavailable, err)
	}
	return claimed, nil
}

func (r *SessionRegistry) load(ctx context.Context, sessionID string, withBids bool) (*SessionMachine, error) {
	session, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var bids []*domain.Bid
	if withBids {
		if bids, err = r.bids.ListBids(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to load bids: %w", err)
		}
	}
	participants, err := r.participants.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	return NewSessionMachine(session, bids, participants, r.cfg.Policy), nil
}

// applyDetached answers a command for a terminal session that is no longer
// resident. Terminal sessions cannot change, so nothing is delivered.
func (r *SessionRegistry) applyDetached(ctx context.Context, sessionID string, cmd domain.Command) (*domain.Result, error) {
	machine, err := r.load(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	cmd.At = r.now()
	res, err := machine.Apply(cmd)
	if err != nil {
		return nil, err
	}
	res.Events = nil
	res.Settlement = nil
	res.Bid = nil
	res.Participant = nil
	return &res, nil
}

// deliver runs on the worker's pump goroutine, in apply order. Mutating
// commands are acknowledged only after their writes, so an accepted bid is
// stored before its bidder hears about it.
func (r *SessionRegistry) deliver(ctx context.Context, sessionID string, out outcome) {
	res := out.result

	if res.Bid != nil {
		r.persist(ctx, sessionID, "append bid", func(ctx context.Context) error {
			return r.bids.AppendBid(ctx, res.Bid)
		})
	}
	if res.Participant != nil {
		r.persist(ctx, sessionID, "upsert participant", func(ctx context.Context) error {
			return r.participants.UpsertParticipant(ctx, res.Participant)
		})
	}
	if res.Snapshot != nil && out.command.Mutating() {
		r.persist(ctx, sessionID, "update session", func(ctx context.Context) error {
			return r.sessions.UpdateSessionState(ctx, res.Snapshot)
		})
	}
	answer(out.reply, res, nil)

	if res.Snapshot != nil && out.command != domain.CommandTick {
		if r.cache != nil {
			if err := r.cache.SetSnapshot(ctx, res.Snapshot); err != nil {
				r.log.Warn("Failed to cache snapshot", "session_id", sessionID, "error", err)
			}
		}
	}

	for i := range res.Events {
		r.fanout.Publish(ctx, &res.Events[i])
	}

	if res.Settlement != nil {
		if err := r.bridge.Settle(ctx, res.Settlement); err != nil {
			r.log.Warn("Settlement left pending", "session_id", sessionID, "error", err)
		}
	}
}

func (r *SessionRegistry) persist(ctx context.Context, sessionID, what string, fn func(ctx context.Context) error) {
	err := utils.Retry(ctx, r.cfg.PublishAttempts, r.cfg.PublishBackoff, fn)
	if err != nil {
		r.log.Error("Failed to persist session change", "session_id", sessionID, "op", what, "error", err)
	}
}
