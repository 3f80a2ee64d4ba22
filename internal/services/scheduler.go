package services

import (
	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

type SchedulerSpecs struct {
	JobPoll         string
	Reaper          string
	SettlementRetry string
}

// CronSessionScheduler persists start and end jobs and runs the periodic
// housekeeping: overdue job replay, worker reaping with adoption of orphaned
// sessions, and settlement retry.
// Job replay and settlement retry only run on the elected leader.
type CronSessionScheduler struct {
	cron       *cron.Cron
	repo       domain.SchedulerRepository
	sessionMgr *AuctionManager
	registry   *SessionRegistry
	bridge     *SettlementBridge
	leader     domain.LeaderElection
	instanceID string
	specs      SchedulerSpecs
	log        logger.Logger
}

func NewCronSessionScheduler(repo domain.SchedulerRepository, sessionMgr *AuctionManager,
	registry *SessionRegistry, bridge *SettlementBridge, leader domain.LeaderElection,
	instanceID string, specs SchedulerSpecs, log logger.Logger) *CronSessionScheduler {
	return &CronSessionScheduler{
		cron:       cron.New(cron.WithSeconds()),
		repo:       repo,
		sessionMgr: sessionMgr,
		registry:   registry,
		bridge:     bridge,
		leader:     leader,
		instanceID: instanceID,
		specs:      specs,
		log:        log,
	}
}

func (s *CronSessionScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting session scheduler", "instance_id", s.instanceID)

	if _, err := s.cron.AddFunc(s.specs.JobPoll, func() {
		s.leaderOnly(ctx, "job poll", s.processPendingJobs)
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.specs.Reaper, func() {
		if n := s.registry.Reap(time.Now()); n > 0 {
			s.log.Info("Reaped session workers", "count", n)
		}
		// Sessions whose owner went away are picked up here.
		if n, err := s.registry.Adopt(ctx); err != nil {
			s.log.Error("Failed to adopt open sessions", "error", err)
		} else if n > 0 {
			s.log.Info("Adopted open sessions", "count", n)
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.specs.SettlementRetry, func() {
		s.leaderOnly(ctx, "settlement retry", func(ctx context.Context) {
			if err := s.bridge.RetryPending(ctx); err != nil {
				s.log.Error("Settlement retry failed", "error", err)
			}
		})
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *CronSessionScheduler) Stop() error {
	s.log.Info("Stopping session scheduler")
	<-s.cron.Stop().Done()
	return nil
}

func (s *CronSessionScheduler) ScheduleSessionStart(ctx context.Context, sessionID string, startTime time.Time) error {
	return s.schedule(ctx, sessionID, domain.JobStartSession, startTime)
}

func (s *CronSessionScheduler) ScheduleSessionEnd(ctx context.Context, sessionID string, endTime time.Time) error {
	return s.schedule(ctx, sessionID, domain.JobEndSession, endTime)
}

func (s *CronSessionScheduler) CancelSchedule(ctx context.Context, sessionID string) error {
	return s.repo.CancelJobsForSession(ctx, sessionID)
}

func (s *CronSessionScheduler) schedule(ctx context.Context, sessionID string, jobType domain.JobType,
	runAt time.Time) error {
	job := &domain.ScheduledJob{
		ID:        utils.GenerateID("job"),
		SessionID: sessionID,
		JobType:   jobType,
		RunAt:     runAt,
		Status:    domain.JobPending,
		CreatedAt: time.Now(),
	}

	return s.repo.CreateJob(ctx, job)
}

func (s *CronSessionScheduler) leaderOnly(ctx context.Context, task string, fn func(ctx context.Context)) {
	if s.leader != nil {
		isLeader, err := s.leader.IsLeader(ctx, s.instanceID)
		if err != nil {
			s.log.Warn("Leader check failed", "task", task, "error", err)
			return
		}
		if !isLeader {
			if isLeader, err = s.leader.BecomeLeader(ctx, s.instanceID); err != nil || !isLeader {
				s.log.Debug("Skipping task on follower", "task", task)
				return
			}
			s.log.Info("Acquired leadership", "instance_id", s.instanceID)
		}
	}
	fn(ctx)
}

func (s *CronSessionScheduler) processPendingJobs(ctx context.Context) {
	jobs, err := s.repo.GetPendingJobs(ctx, time.Now())
	if err != nil {
		s.log.Error("Failed to get pending jobs", "error", err)
		return
	}

	for _, job := range jobs {
		s.log.Info("Processing job", "job_id", job.ID, "type", job.JobType, "session_id", job.SessionID)

		var err error
		switch job.JobType {
		case domain.JobStartSession:
			err = s.sessionMgr.StartSession(ctx, job.SessionID)
		case domain.JobEndSession:
			err = s.sessionMgr.EndSession(ctx, job.SessionID)
		}

		if errors.Is(err, domain.ErrSessionNotFound) {
			s.log.Warn("Cancelling job for unknown session", "job_id", job.ID, "session_id", job.SessionID)
			if err := s.repo.UpdateJobStatus(ctx, job.ID, domain.JobCancelled); err != nil {
				s.log.Error("Failed to cancel job", "job_id", job.ID, "error", err)
			}
			continue
		}
		if errors.Is(err, domain.ErrSessionOwnedElsewhere) {
			// The owner's clock fires it; the job stays as the backup.
			s.log.Debug("Job deferred to session owner", "job_id", job.ID, "session_id", job.SessionID)
			continue
		}
		if err != nil {
			// Left pending; the next poll retries it.
			s.log.Error("Failed to execute job", "job_id", job.ID, "error", err)
			continue
		}

		if err := s.repo.UpdateJobStatus(ctx, job.ID, domain.JobExecuted); err != nil {
			s.log.Error("Failed to mark job executed", "job_id", job.ID, "error", err)
		}
	}
}
