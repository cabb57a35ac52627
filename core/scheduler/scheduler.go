package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// TunnelSweeper evicts dead tunnels
type TunnelSweeper interface {
	Sweep() int
}

// WorkflowPurger drops terminal workflows past the retention window
type WorkflowPurger interface {
	PurgeExpired(ctx context.Context, window time.Duration) int
}

// Config holds housekeeping intervals; a zero interval disables the job
type Config struct {
	SweepInterval   time.Duration
	PurgeInterval   time.Duration
	RetentionWindow time.Duration
}

// Scheduler runs periodic housekeeping
type Scheduler struct {
	cron      gocron.Scheduler
	tunnels   TunnelSweeper
	workflows WorkflowPurger
	cfg       Config
	log       *zap.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler creates a new scheduler and registers the housekeeping jobs
func NewScheduler(tunnels TunnelSweeper, workflows WorkflowPurger, cfg Config, log *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	s := &Scheduler{
		cron:      cron,
		tunnels:   tunnels,
		workflows: workflows,
		cfg:       cfg,
		log:       log,
		ctx:       context.Background(),
	}

	if cfg.SweepInterval > 0 && tunnels != nil {
		if err := s.register("tunnel-sweep", cfg.SweepInterval, s.sweepTunnels); err != nil {
			return nil, err
		}
	}
	if cfg.PurgeInterval > 0 && cfg.RetentionWindow > 0 && workflows != nil {
		if err := s.register("workflow-purge", cfg.PurgeInterval, s.purgeWorkflows); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) register(name string, every time.Duration, task func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return nil
}

// Jobs returns the names of the registered jobs
func (s *Scheduler) Jobs() []string {
	jobs := s.cron.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// Start starts the scheduler; ctx bounds the purge job's repository calls
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("Housekeeping started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("purge_interval", s.cfg.PurgeInterval),
		zap.Duration("retention", s.cfg.RetentionWindow))
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) sweepTunnels() {
	if n := s.tunnels.Sweep(); n > 0 {
		s.log.Info("Evicted dead tunnels", zap.Int("count", n))
	}
}

func (s *Scheduler) purgeWorkflows() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.workflows.PurgeExpired(ctx, s.cfg.RetentionWindow)
}
