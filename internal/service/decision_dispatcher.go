package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
	"github.com/noah-isme/sma-group-change/pkg/jobs"
)

// JobTypeDecideGroup identifies queued admission cycles.
const JobTypeDecideGroup = "admission.decide_group"

type groupDecider interface {
	Decide(ctx context.Context, groupID string, actor models.Actor) (*DecisionReport, error)
	DecideAll(ctx context.Context, actor models.Actor) ([]*DecisionReport, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) (bool, error)
}

// DecisionWorker runs queued admission cycles as the system actor.
type DecisionWorker struct {
	decider groupDecider
	logger  *zap.Logger
}

// NewDecisionWorker constructs a worker.
func NewDecisionWorker(decider groupDecider, logger *zap.Logger) *DecisionWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionWorker{decider: decider, logger: logger}
}

// Handle processes one queued cycle. Unknown groups are dropped instead of retried.
func (w *DecisionWorker) Handle(ctx context.Context, job jobs.Job) error {
	if job.Type != JobTypeDecideGroup || job.Key == "" {
		w.logger.Warn("ignoring unexpected job", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	report, err := w.decider.Decide(ctx, job.Key, models.SystemActor)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			w.logger.Warn("admission cycle for unknown group", zap.String("group_id", job.Key))
			return nil
		}
		return err
	}
	w.logger.Debug("queued admission cycle finished",
		zap.String("group_id", job.Key),
		zap.Int("approved", len(report.Approved())),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// Sweep decides every group with pending requests; used by the periodic batch.
func (w *DecisionWorker) Sweep(ctx context.Context) {
	reports, err := w.decider.DecideAll(ctx, models.SystemActor)
	if err != nil {
		w.logger.Warn("admission sweep finished with errors", zap.Int("groups", len(reports)), zap.Error(err))
		return
	}
	w.logger.Debug("admission sweep finished", zap.Int("groups", len(reports)))
}

// DecisionScheduler turns submissions into queued admission cycles for the target group.
type DecisionScheduler struct {
	queue jobEnqueuer
}

// NewDecisionScheduler wraps a job queue.
func NewDecisionScheduler(queue jobEnqueuer) *DecisionScheduler {
	return &DecisionScheduler{queue: queue}
}

// Schedule queues a cycle for groupID; repeated calls before it runs collapse into one.
func (s *DecisionScheduler) Schedule(groupID string) error {
	if s == nil || s.queue == nil {
		return nil
	}
	_, err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: JobTypeDecideGroup, Key: groupID})
	return err
}
