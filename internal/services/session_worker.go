package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
)

type envelope struct {
	cmd   domain.Command
	reply chan reply
}

type reply struct {
	result domain.Result
	err    error
}

// outcome is what a successful apply hands to the delivery pump. A non-nil
// reply is answered by the pump once the change has been stored.
type outcome struct {
	command domain.CommandType
	result  domain.Result
	reply   chan reply
}

func answer(ch chan reply, res domain.Result, err error) {
	if ch != nil {
		ch <- reply{result: res, err: err}
	}
}

type deliverFunc func(ctx context.Context, sessionID string, out outcome)

// sessionWorker serializes every command of one session through a single
// goroutine. A second goroutine delivers outcomes in apply order so that no
// I/O happens while the session is being mutated.
type sessionWorker struct {
	id       string
	machine  *SessionMachine
	clock    *SessionClock
	inbox    chan envelope
	outbox   chan outcome
	deliver  deliverFunc
	latest   atomic.Pointer[domain.Snapshot]
	closedAt atomic.Int64
	restarts int
	now      func() time.Time
	done     chan struct{}
	runDone  chan struct{}
	pumpDone chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      logger.Logger
}

type workerConfig struct {
	tickInterval time.Duration
	inboxSize    int
	outboxSize   int
}

func newSessionWorker(machine *SessionMachine, cfg workerConfig, deliver deliverFunc,
	now func() time.Time, log logger.Logger) *sessionWorker {
	w := &sessionWorker{
		machine:  machine,
		inbox:    make(chan envelope, cfg.inboxSize),
		outbox:   make(chan outcome, cfg.outboxSize),
		deliver:  deliver,
		now:      now,
		done:     make(chan struct{}),
		runDone:  make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	snap := machine.Snapshot(now())
	w.id = snap.SessionID
	w.log = log.With("session_id", w.id)
	w.latest.Store(snap)
	if snap.Status.IsTerminal() {
		w.closedAt.Store(now().UnixNano())
	}
	w.clock = NewSessionClock(cfg.tickInterval, w.enqueue, w.enqueueTick)
	return w
}

func (w *sessionWorker) start() {
	w.wg.Add(2)
	go w.run()
	go w.pump()
	w.clock.Sync(w.latest.Load())
}

// stop halts the clock, lets the pump drain pending outcomes and waits for
// both goroutines.
func (w *sessionWorker) stop() {
	w.stopOnce.Do(func() {
		w.clock.Stop()
		close(w.done)
	})
	w.wg.Wait()
}

// submit queues a command and waits for its result.
func (w *sessionWorker) submit(ctx context.Context, cmd domain.Command) (domain.Result, error) {
	env := envelope{cmd: cmd, reply: make(chan reply, 1)}

	select {
	case w.inbox <- env:
	case <-w.done:
		return domain.Result{}, errWorkerStopped
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	}

	select {
	case rep := <-env.reply:
		return rep.result, rep.err
	case <-w.pumpDone:
		// Every command the worker ran has been answered by now; anything
		// else was still queued when it stopped.
		select {
		case rep := <-env.reply:
			return rep.result, rep.err
		default:
			return domain.Result{}, errWorkerStopped
		}
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	}
}

func (w *sessionWorker) enqueue(cmd domain.Command) {
	select {
	case w.inbox <- envelope{cmd: cmd}:
	case <-w.done:
	}
}

// enqueueTick drops the tick when the inbox is full; the next one carries
// the same information.
func (w *sessionWorker) enqueueTick() {
	select {
	case w.inbox <- envelope{cmd: domain.Command{Type: domain.CommandTick}}:
	default:
	}
}

func (w *sessionWorker) snapshot() *domain.Snapshot {
	snap := *w.latest.Load()
	now := w.now()
	snap.Remaining = snap.RemainingAt(now)
	return &snap
}

// closedSince returns when the session reached a terminal state.
func (w *sessionWorker) closedSince() (time.Time, bool) {
	ns := w.closedAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (w *sessionWorker) run() {
	defer w.wg.Done()
	defer close(w.runDone)

	for {
		select {
		case env := <-w.inbox:
			w.process(env)
		case <-w.done:
			// Commands still queued are refused by submit once the pump exits.
			return
		}
	}
}

func (w *sessionWorker) process(env envelope) {
	env.cmd.At = w.now()
	res, err := w.apply(env.cmd)
	if err == nil && res.Snapshot != nil {
		// Published before the reply so a caller never reads an older snapshot.
		w.latest.Store(res.Snapshot)
		w.clock.Sync(res.Snapshot)
		if res.Snapshot.Status.IsTerminal() && w.closedAt.Load() == 0 {
			w.closedAt.Store(env.cmd.At.UnixNano())
		}
	}
	if err != nil || !w.needsDelivery(env.cmd.Type, res) {
		answer(env.reply, res, err)
		return
	}

	out := outcome{command: env.cmd.Type, result: res}
	if env.cmd.Type.Mutating() {
		out.reply = env.reply
	} else {
		answer(env.reply, res, nil)
	}
	if env.cmd.Type == domain.CommandTick {
		select {
		case w.outbox <- out:
		default:
		}
		return
	}
	// The pump keeps reading until run has exited, so this cannot block
	// past a stop.
	w.outbox <- out
}

func (w *sessionWorker) needsDelivery(cmd domain.CommandType, res domain.Result) bool {
	if res.Replayed || !res.Accepted {
		return false
	}
	return cmd.Mutating() || len(res.Events) > 0 || res.Participant != nil
}

// apply runs the command against the machine. A mutating command that breaks
// an invariant, or panics, restores the checkpoint taken before it ran.
func (w *sessionWorker) apply(cmd domain.Command) (res domain.Result, err error) {
	mutating := cmd.Type.Mutating()
	var cp checkpoint
	if mutating {
		cp = w.machine.checkpoint()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in %s: %v", domain.ErrInvariantViolation, cmd.Type, r)
		}
		if err != nil {
			res = domain.Result{}
			if mutating {
				w.machine.rollback(cp)
			}
			w.restarts++
			w.log.Error("Session restarted from checkpoint", "command", cmd.Type,
				"error", err, "restarts", w.restarts)
		}
	}()

	res, err = w.machine.Apply(cmd)
	if err == nil && mutating {
		err = w.machine.verifyAgainst(cp)
	}
	return res, err
}

func (w *sessionWorker) pump() {
	defer w.wg.Done()
	defer close(w.pumpDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case out := <-w.outbox:
			w.deliver(ctx, w.id, out)
		case <-w.runDone:
			for {
				select {
				case out := <-w.outbox:
					w.deliver(ctx, w.id, out)
				default:
					return
				}
			}
		}
	}
}
