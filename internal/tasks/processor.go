package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/retention"
)

const (
	TypeSweep     = "sweep"
	TypeReconcile = "reconcile"
)

type Sweeper interface {
	Run(ctx context.Context) (retention.Summary, error)
}

type Reconciler interface {
	Run(ctx context.Context) (retention.ReconcileSummary, error)
}

type Processor struct {
	sweeper    Sweeper
	reconciler Reconciler
	logger     zerolog.Logger
}

type TaskPayload struct {
	Type        string `json:"type"`
	RequestedAt string `json:"requestedAt"`
}

// NewProcessor accepts a nil reconciler; reconcile tasks are then dropped.
func NewProcessor(sweeper Sweeper, reconciler Reconciler, logger zerolog.Logger) *Processor {
	return &Processor{
		sweeper:    sweeper,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "tasks").Logger(),
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	var payload TaskPayload
	if err := decodePayload(msg.Values, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return p.Run(ctx, payload.Type)
}

// Run executes one task of the given type.
func (p *Processor) Run(ctx context.Context, taskType string) error {
	start := time.Now()
	switch taskType {
	case TypeSweep:
		return p.handleSweep(ctx, start)
	case TypeReconcile:
		return p.handleReconcile(ctx, start)
	default:
		p.logger.Warn().Str("type", taskType).Msg("unknown task type")
		return nil
	}
}

func decodePayload(values map[string]interface{}, out *TaskPayload) error {
	bytes, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}

func (p *Processor) handleSweep(ctx context.Context, start time.Time) error {
	summary, err := p.sweeper.Run(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	event := p.logger.Info()
	if !summary.OK() {
		event = p.logger.Warn().Strs("failed_keys", summary.FailedKeys)
	}
	event.
		Int("checked", summary.Checked).
		Int("deleted", summary.Deleted).
		Dur("took", time.Since(start)).
		Msg("sweep task done")
	return nil
}

func (p *Processor) handleReconcile(ctx context.Context, start time.Time) error {
	if p.reconciler == nil {
		p.logger.Warn().Msg("reconcile task received but no reconciler is configured")
		return nil
	}
	summary, err := p.reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	p.logger.Info().
		Int("scanned", summary.Scanned).
		Int("orphans", summary.Orphans).
		Int("deleted", summary.Deleted).
		Dur("took", time.Since(start)).
		Msg("reconcile task done")
	return nil
}
