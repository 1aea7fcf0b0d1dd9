package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-group-change/internal/clock"
	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

// Reasons recorded when a candidate is rejected outside the validation chain.
const (
	ReasonCommitRace       = "capacity exhausted between validation and commit"
	ReasonSourceEnrollment = "requester is no longer enrolled in the source group"
)

var (
	errCommitSaturated = errors.New("group saturated at commit")
	errSourceMoved     = errors.New("source enrollment missing")
	errStaleRequest    = errors.New("change request modified concurrently")
)

type admissionRequestStore interface {
	FindByID(ctx context.Context, id string) (*models.ChangeRequest, error)
	FindPending(ctx context.Context, groupID string) ([]models.ChangeRequest, error)
	ListPendingGroups(ctx context.Context) ([]string, error)
	Save(ctx context.Context, req *models.ChangeRequest) error
}

type groupLocker interface {
	LockForUpdate(ctx context.Context, groupID string) error
}

type enrollmentMover interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindActiveByStudentAndTerm(ctx context.Context, studentID, termID string) (*models.Enrollment, error)
	MoveToGroup(ctx context.Context, id, groupID string) error
}

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type admissionRecorder interface {
	RecordDecision(outcome string)
	RecordValidationFailure(stage string)
	ObserveAdmissionCycle(duration time.Duration)
	RecordLedgerOperation(op string)
}

type noopRecorder struct{}

func (noopRecorder) RecordDecision(string)               {}
func (noopRecorder) RecordValidationFailure(string)      {}
func (noopRecorder) ObserveAdmissionCycle(time.Duration) {}
func (noopRecorder) RecordLedgerOperation(string)        {}

// DecisionOutcome records what happened to one candidate.
type DecisionOutcome struct {
	RequestID   string                     `json:"request_id"`
	RequesterID string                     `json:"requester_id"`
	Outcome     string                     `json:"outcome"`
	Status      models.ChangeRequestStatus `json:"status"`
	Stage       string                     `json:"stage,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Score       float64                    `json:"score"`
	Rank        int                        `json:"rank,omitempty"`
}

// DecisionReport summarises one admission cycle for a group.
type DecisionReport struct {
	GroupID    string                `json:"group_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Occupancy  models.GroupOccupancy `json:"occupancy"`
	Saturated  bool                  `json:"saturated"`
	Outcomes   []DecisionOutcome     `json:"outcomes"`
}

// Approved lists the IDs approved during the cycle.
func (r *DecisionReport) Approved() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Outcome == OutcomeApproved {
			ids = append(ids, o.RequestID)
		}
	}
	return ids
}

// RevertResult describes an undo of the last enrollment change.
type RevertResult struct {
	StudentID       string `json:"student_id"`
	Reverted        bool   `json:"reverted"`
	EnrollmentID    string `json:"enrollment_id,omitempty"`
	RestoredGroupID string `json:"restored_group_id,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

// AdmissionControllerOption configures the controller.
type AdmissionControllerOption func(*AdmissionController)

// WithAdmissionMetrics records decisions on recorder.
func WithAdmissionMetrics(recorder admissionRecorder) AdmissionControllerOption {
	return func(c *AdmissionController) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// WithDecisionTimeout bounds each cycle; zero disables the deadline.
func WithDecisionTimeout(d time.Duration) AdmissionControllerOption {
	return func(c *AdmissionController) {
		c.timeout = d
	}
}

// WithRequestLocks shares per-request locks with other writers of change requests.
func WithRequestLocks(locks *KeyedMutex) AdmissionControllerOption {
	return func(c *AdmissionController) {
		if locks != nil {
			c.requestLocks = locks
		}
	}
}

// WithAdmissionClock overrides the clock used for snapshots.
func WithAdmissionClock(clk clock.Clock) AdmissionControllerOption {
	return func(c *AdmissionController) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// AdmissionController drives decision cycles: rank, validate, re-check capacity, commit.
type AdmissionController struct {
	requests     admissionRequestStore
	groups       groupLocker
	enrollments  enrollmentMover
	tx           transactor
	oracle       *CapacityOracle
	chain        *ValidationChain
	priority     *PriorityEngine
	machine      *RequestStateMachine
	ledger       UndoLedger
	metrics      admissionRecorder
	clock        clock.Clock
	logger       *zap.Logger
	timeout      time.Duration
	groupLocks   *KeyedMutex
	requestLocks *KeyedMutex
}

// NewAdmissionController wires the controller.
func NewAdmissionController(
	requests admissionRequestStore,
	groups groupLocker,
	enrollments enrollmentMover,
	tx transactor,
	oracle *CapacityOracle,
	chain *ValidationChain,
	priority *PriorityEngine,
	machine *RequestStateMachine,
	ledger UndoLedger,
	logger *zap.Logger,
	opts ...AdmissionControllerOption,
) *AdmissionController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil {
		ledger = NewMemoryUndoLedger()
	}
	c := &AdmissionController{
		requests:     requests,
		groups:       groups,
		enrollments:  enrollments,
		tx:           tx,
		oracle:       oracle,
		chain:        chain,
		priority:     priority,
		machine:      machine,
		ledger:       ledger,
		metrics:      noopRecorder{},
		clock:        clock.NewSystem(),
		logger:       logger,
		groupLocks:   NewKeyedMutex(),
		requestLocks: NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestLocks exposes the per-request lock set for collaborators that mutate requests.
func (c *AdmissionController) RequestLocks() *KeyedMutex {
	return c.requestLocks
}

// Decide runs one admission cycle for groupID.
// Candidates are taken in priority order until the group saturates after an approval or none remain.
func (c *AdmissionController) Decide(ctx context.Context, groupID string, actor models.Actor) (*DecisionReport, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	release, err := c.groupLocks.Lock(ctx, groupID)
	if err != nil {
		return nil, appErrors.Internal(err, "timed out waiting for group lock")
	}
	defer release()

	start := c.clock.Now()
	defer func() { c.metrics.ObserveAdmissionCycle(c.clock.Now().Sub(start)) }()

	occ, err := c.oracle.Occupancy(ctx, groupID)
	if err != nil {
		return nil, err
	}
	report := &DecisionReport{GroupID: groupID, StartedAt: start, Occupancy: occ}

	pending, err := c.requests.FindPending(ctx, groupID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load pending requests")
	}
	ranked, err := c.priority.Rank(ctx, pending)
	if err != nil {
		return nil, err
	}

	for _, candidate := range ranked {
		if err := ctx.Err(); err != nil {
			return report, appErrors.Internal(err, "admission cycle interrupted")
		}
		outcome, err := c.decideCandidate(ctx, candidate.Request.ID, actor, true)
		if err != nil {
			return report, err
		}
		outcome.Score = candidate.Score
		outcome.Rank = candidate.Rank
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Outcome != OutcomeApproved && outcome.Outcome != OutcomeConflict {
			continue
		}
		saturated, err := c.oracle.IsSaturated(ctx, groupID)
		if err != nil {
			return report, err
		}
		if saturated {
			report.Saturated = true
			break
		}
	}

	if occ, err := c.oracle.Occupancy(ctx, groupID); err == nil {
		report.Occupancy = occ
		report.Saturated = occ.Saturated()
	}
	report.FinishedAt = c.clock.Now()
	c.logger.Info("admission cycle finished",
		zap.String("group_id", groupID),
		zap.Int("candidates", len(ranked)),
		zap.Int("approved", len(report.Approved())),
		zap.Bool("saturated", report.Saturated),
	)
	return report, nil
}

// DecideAll runs a cycle for every group with pending requests.
// A failing group does not stop the others; their errors are joined.
func (c *AdmissionController) DecideAll(ctx context.Context, actor models.Actor) ([]*DecisionReport, error) {
	groups, err := c.requests.ListPendingGroups(ctx)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list groups with pending requests")
	}
	reports := make([]*DecisionReport, 0, len(groups))
	var errs []error
	for _, groupID := range groups {
		report, err := c.Decide(ctx, groupID, actor)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", groupID, err))
		}
		if report != nil {
			reports = append(reports, report)
		}
	}
	return reports, errors.Join(errs...)
}

// Admit decides a single request on a reviewer's command.
// Non-approval outcomes are returned together with a typed error describing why.
func (c *AdmissionController) Admit(ctx context.Context, requestID string, actor models.Actor) (*DecisionOutcome, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, mapRequestLookupErr(err)
	}
	if req.Status.IsTerminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("request already %s", req.Status))
	}

	release, err := c.groupLocks.Lock(ctx, req.ToGroupID)
	if err != nil {
		return nil, appErrors.Internal(err, "timed out waiting for group lock")
	}
	defer release()

	outcome, err := c.decideCandidate(ctx, requestID, actor, false)
	if err != nil {
		return nil, err
	}
	switch outcome.Outcome {
	case OutcomeApproved:
		return &outcome, nil
	case OutcomeConflict:
		return &outcome, appErrors.Clone(appErrors.ErrConcurrencyConflict, outcome.Reason)
	case OutcomeSkipped:
		if outcome.Status.IsTerminal() {
			return &outcome, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("request already %s", outcome.Status))
		}
		return &outcome, appErrors.Clone(appErrors.ErrConflict, "request changed concurrently")
	default:
		if outcome.Stage == StageCapacityEligibility {
			return &outcome, appErrors.Clone(appErrors.ErrCapacityExhausted, outcome.Reason)
		}
		return &outcome, appErrors.Clone(appErrors.ErrValidationFailed, outcome.Reason)
	}
}

// decideCandidate runs validation and commit for one request. The caller holds the group lock.
func (c *AdmissionController) decideCandidate(ctx context.Context, requestID string, actor models.Actor, pendingOnly bool) (DecisionOutcome, error) {
	release, err := c.requestLocks.Lock(ctx, requestID)
	if err != nil {
		return DecisionOutcome{}, appErrors.Internal(err, "timed out waiting for request lock")
	}
	defer release()

	req, err := c.requests.FindByID(ctx, requestID)
	if err != nil {
		return DecisionOutcome{}, mapRequestLookupErr(err)
	}
	outcome := DecisionOutcome{RequestID: req.ID, RequesterID: req.RequesterID, Status: req.Status}
	eligible := req.Status == models.ChangeRequestStatusPending ||
		(!pendingOnly && req.Status == models.ChangeRequestStatusUnderReview)
	if !eligible {
		outcome.Outcome = OutcomeSkipped
		c.metrics.RecordDecision(OutcomeSkipped)
		return outcome, nil
	}

	verdict := c.chain.Evaluate(ctx, req)
	if verdict.Err != nil {
		return outcome, appErrors.Internal(verdict.Err, "validation chain failed")
	}
	if !verdict.Pass {
		c.metrics.RecordValidationFailure(verdict.Stage)
		outcome.Stage = verdict.Stage
		return c.reject(ctx, req, actor, verdict.Reason, OutcomeRejected, outcome)
	}

	approved, err := c.commit(ctx, req, actor)
	switch {
	case errors.Is(err, errCommitSaturated):
		outcome.Stage = StageCapacityEligibility
		return c.reject(ctx, req, actor, ReasonCommitRace, OutcomeConflict, outcome)
	case errors.Is(err, errSourceMoved):
		return c.reject(ctx, req, actor, ReasonSourceEnrollment, OutcomeRejected, outcome)
	case errors.Is(err, errStaleRequest):
		outcome.Outcome = OutcomeSkipped
		c.metrics.RecordDecision(OutcomeSkipped)
		return outcome, nil
	case err != nil:
		return outcome, err
	}

	outcome.Outcome = OutcomeApproved
	outcome.Status = approved.Status
	c.metrics.RecordDecision(OutcomeApproved)
	c.logger.Info("change request approved",
		zap.String("request_id", req.ID),
		zap.String("group_id", req.ToGroupID),
		zap.String("outcome", OutcomeApproved),
	)
	return outcome, nil
}

// commit re-checks capacity under the group row lock, snapshots and moves the enrollment,
// then persists the APPROVED transition. All of it lands in one transaction or none of it does.
func (c *AdmissionController) commit(ctx context.Context, req *models.ChangeRequest, actor models.Actor) (*models.ChangeRequest, error) {
	updated := req.Clone()
	pushed := false
	err := c.tx.WithinTx(ctx, func(txCtx context.Context) error {
		if err := c.groups.LockForUpdate(txCtx, req.ToGroupID); err != nil {
			return appErrors.Internal(err, "failed to lock target group")
		}
		occ, err := c.oracle.Occupancy(txCtx, req.ToGroupID)
		if err != nil {
			return err
		}
		if occ.Saturated() {
			return errCommitSaturated
		}
		enrollment, err := c.enrollments.FindActiveByStudentAndTerm(txCtx, req.RequesterID, req.TermID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errSourceMoved
			}
			return appErrors.Internal(err, "failed to load enrollment")
		}
		if enrollment.GroupID != req.FromGroupID {
			return errSourceMoved
		}
		snapshot, err := enrollmentSnapshot(enrollment, req.ID, c.clock.Now())
		if err != nil {
			return appErrors.Internal(err, "failed to encode snapshot")
		}
		if err := c.ledger.Push(txCtx, req.RequesterID, snapshot); err != nil {
			return appErrors.Internal(err, "failed to record undo snapshot")
		}
		pushed = true
		c.metrics.RecordLedgerOperation("push")
		if err := c.enrollments.MoveToGroup(txCtx, enrollment.ID, req.ToGroupID); err != nil {
			return appErrors.Internal(err, "failed to transfer enrollment")
		}
		if err := c.machine.Fire(updated, TransitionInput{Event: EventApprove, Actor: actor}); err != nil {
			return err
		}
		if err := c.requests.Save(txCtx, updated); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errStaleRequest
			}
			return appErrors.Internal(err, "failed to save change request")
		}
		return nil
	})
	if err != nil {
		if pushed {
			if _, popErr := c.ledger.Pop(context.WithoutCancel(ctx), req.RequesterID); popErr != nil {
				c.logger.Warn("failed to discard undo snapshot", zap.String("request_id", req.ID), zap.Error(popErr))
			} else {
				c.metrics.RecordLedgerOperation("discard")
			}
		}
		return nil, err
	}
	return updated, nil
}

func (c *AdmissionController) reject(ctx context.Context, req *models.ChangeRequest, actor models.Actor, reason, kind string, outcome DecisionOutcome) (DecisionOutcome, error) {
	updated := req.Clone()
	if err := c.machine.Fire(updated, TransitionInput{Event: EventReject, Actor: actor, Comment: reason}); err != nil {
		return outcome, err
	}
	if err := c.requests.Save(ctx, updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			outcome.Outcome = OutcomeSkipped
			c.metrics.RecordDecision(OutcomeSkipped)
			return outcome, nil
		}
		return outcome, appErrors.Internal(err, "failed to save change request")
	}
	outcome.Outcome = kind
	outcome.Reason = reason
	outcome.Status = updated.Status
	c.metrics.RecordDecision(kind)
	c.logger.Info("change request rejected",
		zap.String("request_id", req.ID),
		zap.String("group_id", req.ToGroupID),
		zap.String("outcome", kind),
		zap.String("reason", reason),
	)
	return outcome, nil
}

// Revert undoes the most recent enrollment change recorded for studentID.
// An empty ledger is not an error; the result reports Reverted=false.
func (c *AdmissionController) Revert(ctx context.Context, studentID string, actor models.Actor) (*RevertResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := &RevertResult{StudentID: studentID}
	snapshot, err := c.ledger.Pop(ctx, studentID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to read undo ledger")
	}
	if snapshot == nil {
		return result, nil
	}
	c.metrics.RecordLedgerOperation("pop")

	restoreErr := c.restore(ctx, snapshot, result)
	if restoreErr != nil {
		if err := c.ledger.Push(context.WithoutCancel(ctx), studentID, *snapshot); err != nil {
			c.logger.Error("failed to return snapshot to undo ledger", zap.String("student_id", studentID), zap.Error(err))
		}
		return nil, restoreErr
	}
	c.metrics.RecordLedgerOperation("restore")
	c.logger.Info("enrollment change reverted",
		zap.String("student_id", studentID),
		zap.String("group_id", result.RestoredGroupID),
		zap.String("request_id", result.RequestID),
		zap.String("actor_id", actor.ID),
	)
	return result, nil
}

func (c *AdmissionController) restore(ctx context.Context, snapshot *models.Snapshot, result *RevertResult) error {
	if snapshot.Kind != models.SnapshotKindEnrollment {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported snapshot kind %q", snapshot.Kind))
	}
	var payload models.EnrollmentSnapshot
	if err := json.Unmarshal(snapshot.Payload, &payload); err != nil {
		return appErrors.Internal(err, "failed to decode snapshot")
	}

	release, err := c.groupLocks.Lock(ctx, payload.GroupID)
	if err != nil {
		return appErrors.Internal(err, "timed out waiting for group lock")
	}
	defer release()

	return c.tx.WithinTx(ctx, func(txCtx context.Context) error {
		if err := c.groups.LockForUpdate(txCtx, payload.GroupID); err != nil {
			return appErrors.Internal(err, "failed to lock group")
		}
		enrollment, err := c.enrollments.FindByID(txCtx, payload.EnrollmentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
			}
			return appErrors.Internal(err, "failed to load enrollment")
		}
		if enrollment.GroupID != payload.GroupID {
			occ, err := c.oracle.Occupancy(txCtx, payload.GroupID)
			if err != nil {
				return err
			}
			if occ.Saturated() {
				return appErrors.Clone(appErrors.ErrCapacityExhausted, "previous group has no free seat")
			}
			if err := c.enrollments.MoveToGroup(txCtx, enrollment.ID, payload.GroupID); err != nil {
				return appErrors.Internal(err, "failed to restore enrollment")
			}
		}
		result.Reverted = true
		result.EnrollmentID = enrollment.ID
		result.RestoredGroupID = payload.GroupID
		result.RequestID = payload.RequestID
		return nil
	})
}

func (c *AdmissionController) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func enrollmentSnapshot(e *models.Enrollment, requestID string, at time.Time) (models.Snapshot, error) {
	payload, err := json.Marshal(models.EnrollmentSnapshot{
		EnrollmentID: e.ID,
		GroupID:      e.GroupID,
		TermID:       e.TermID,
		RequestID:    requestID,
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{SubjectID: e.StudentID, Kind: models.SnapshotKindEnrollment, Payload: payload, TakenAt: at}, nil
}

func mapRequestLookupErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "change request not found")
	}
	return appErrors.Internal(err, "failed to load change request")
}
