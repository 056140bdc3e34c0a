package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/tasks"
)

const enqueueTimeout = 5 * time.Second

// Runner executes a task in-process. The scheduler falls back to it when no
// queue is configured.
type Runner interface {
	Run(ctx context.Context, taskType string) error
}

type Scheduler struct {
	cron   *cron.Cron
	queue  *redis.Client
	stream string
	local  Runner
	cfg    config.RetentionConfig
	log    zerolog.Logger
}

func NewScheduler(cfg config.RetentionConfig, queue *redis.Client, stream string, local Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		queue:  queue,
		stream: stream,
		local:  local,
		cfg:    cfg,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil && s.local == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() { s.dispatch(tasks.TypeSweep) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.cfg.SweepSchedule, err)
	}
	if s.cfg.ReconcileSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.ReconcileSchedule, func() { s.dispatch(tasks.TypeReconcile) }); err != nil {
			return fmt.Errorf("reconcile schedule %q: %w", s.cfg.ReconcileSchedule, err)
		}
	}

	s.cron.Start()
	s.log.Info().
		Str("sweep", s.cfg.SweepSchedule).
		Str("reconcile", s.cfg.ReconcileSchedule).
		Bool("queued", s.queue != nil).
		Msg("scheduler started")
	return nil
}

// Stop halts the cron and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with jobs still running")
	}
}

func (s *Scheduler) dispatch(taskType string) {
	if s.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		if err := s.Enqueue(ctx, taskType); err != nil {
			s.log.Error().Err(err).Str("type", taskType).Msg("enqueue task failed")
		}
		return
	}
	if err := s.local.Run(context.Background(), taskType); err != nil {
		s.log.Error().Err(err).Str("type", taskType).Msg("local task failed")
	}
}

func (s *Scheduler) Enqueue(ctx context.Context, taskType string) error {
	if s.queue == nil {
		return nil
	}
	_, err := s.queue.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":        taskType,
			"requestedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	return err
}
