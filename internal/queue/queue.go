// Package queue runs durable delayed jobs backed by the storage layer.
//
// A job is a row keyed by the notification id it fires. The poll loop claims
// due rows with a lease and hands them to the handler on a worker pool. The
// row is deleted only after the handler returns nil, so a crash between claim
// and completion re-fires the job once the lease expires. Handlers must be
// idempotent.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"casebot/internal/runtime/supervisor"
	"casebot/internal/storage"
	logx "casebot/pkg/logx"
)

// JobStore is the slice of the storage API the queue needs.
type JobStore interface {
	PutJob(ctx context.Context, id string, runAt time.Time) error
	DeleteJob(ctx context.Context, id string) (bool, error)
	GetJob(ctx context.Context, id string) (*storage.Job, error)
	ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]storage.Job, error)
	CountJobs(ctx context.Context, now time.Time) (storage.JobCounts, error)
}

// Handler executes one due job. A nil return removes the job; an error leaves
// it leased, and it re-fires after the lease expires.
type Handler func(ctx context.Context, jobID string) error

type Config struct {
	PollInterval time.Duration
	Workers      int
	ClaimLease   time.Duration
	BatchLimit   int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 32
	}
	return c
}

type Service struct {
	cfg     Config
	store   JobStore
	handler Handler
	log     logx.Logger

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	started bool
	work    chan storage.Job
}

func New(cfg Config, store JobStore, handler Handler, log logx.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("queue: store is required")
	}
	if handler == nil {
		return nil, errors.New("queue: handler is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: store, handler: handler, log: log}, nil
}

// Schedule arms (or re-arms) the durable job for id at runAt.
func (s *Service) Schedule(ctx context.Context, id string, runAt time.Time) error {
	if id == "" {
		return errors.New("queue: empty job id")
	}
	return s.store.PutJob(ctx, id, runAt)
}

// Remove disarms the job for id. It reports whether a job existed.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	return s.store.DeleteJob(ctx, id)
}

// Get returns the armed job for id, or storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*storage.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Counts reports scheduled vs due jobs at now.
func (s *Service) Counts(ctx context.Context) (storage.JobCounts, error) {
	return s.store.CountJobs(ctx, time.Now())
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("queue: already started")
	}
	s.started = true
	s.work = make(chan storage.Job, s.cfg.Workers*2)
	s.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log),
	)

	s.sup.GoRestart0("queue.poll", func(ctx context.Context) {
		s.pollLoop(ctx)
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart0("queue.worker", func(ctx context.Context) {
			s.workerLoop(ctx)
		},
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	s.log.Info("queue started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("claim_lease", s.cfg.ClaimLease),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.started = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	claimCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	jobs, err := s.store.ClaimDueJobs(claimCtx, time.Now(), s.cfg.ClaimLease, s.cfg.BatchLimit)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("queue claim failed", logx.Err(err))
		}
		return
	}
	for _, j := range jobs {
		select {
		case s.work <- j:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.work:
			s.runJob(ctx, j)
		}
	}
}

func (s *Service) runJob(ctx context.Context, j storage.Job) {
	start := time.Now()
	err := s.handler(ctx, j.ID)
	if err != nil {
		// Leave the row leased; it re-fires after the lease expires.
		s.log.Warn("job handler failed, will re-fire",
			logx.String("job_id", j.ID),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
		return
	}

	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.store.DeleteJob(delCtx, j.ID); err != nil {
		// The handler is idempotent, so the re-fire after lease expiry is a
		// harmless no-op.
		s.log.Warn("job delete failed after success", logx.String("job_id", j.ID), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("job_id", j.ID), logx.Duration("took", time.Since(start)))
}
