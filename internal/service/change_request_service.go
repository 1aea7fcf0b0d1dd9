package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
	"github.com/noah-isme/sma-group-change/pkg/export"
)

type changeRequestStore interface {
	admissionRequestStore
	Create(ctx context.Context, req *models.ChangeRequest) error
	ListByRequester(ctx context.Context, filter models.ChangeRequestFilter) ([]models.ChangeRequest, int, error)
	HasOpenRequest(ctx context.Context, requesterID, termID string) (bool, error)
}

type activeEnrollmentFinder interface {
	FindActiveByStudentAndTerm(ctx context.Context, studentID, termID string) (*models.Enrollment, error)
}

type submissionRecorder interface {
	RecordSubmission()
}

type decisionScheduler interface {
	Schedule(groupID string) error
}

// SubmitChangeRequestInput is the payload of a new change request.
type SubmitChangeRequestInput struct {
	FromGroupID string `json:"from_group_id" validate:"required"`
	ToGroupID   string `json:"to_group_id" validate:"required,nefield=FromGroupID"`
	Reason      string `json:"reason" validate:"required,max=2000"`
}

// ReviewInput carries a reviewer's action on a request.
type ReviewInput struct {
	Action  string `json:"action" validate:"required,oneof=start_review request_info reject"`
	Comment string `json:"comment" validate:"max=2000"`
}

// UpdateReasonInput amends the reason of a pending request.
type UpdateReasonInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// RequestStatus is the status view returned to callers.
type RequestStatus struct {
	Request *models.ChangeRequest `json:"request"`
	Rank    int                   `json:"rank"`
}

// ChangeRequestServiceOption configures the service.
type ChangeRequestServiceOption func(*ChangeRequestService)

// WithSubmissionMetrics counts submissions on recorder.
func WithSubmissionMetrics(recorder submissionRecorder) ChangeRequestServiceOption {
	return func(s *ChangeRequestService) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithDecisionScheduler queues a decide cycle for the target group after each submission.
func WithDecisionScheduler(scheduler decisionScheduler) ChangeRequestServiceOption {
	return func(s *ChangeRequestService) {
		s.scheduler = scheduler
	}
}

// WithSharedRequestLocks serialises transitions with another writer, usually the admission controller.
func WithSharedRequestLocks(locks *KeyedMutex) ChangeRequestServiceOption {
	return func(s *ChangeRequestService) {
		if locks != nil {
			s.locks = locks
		}
	}
}

// ChangeRequestService exposes the request lifecycle to callers.
type ChangeRequestService struct {
	repo        changeRequestStore
	groups      groupReader
	students    studentReader
	enrollments activeEnrollmentFinder
	machine     *RequestStateMachine
	priority    *PriorityEngine
	validator   *validator.Validate
	metrics     submissionRecorder
	scheduler   decisionScheduler
	locks       *KeyedMutex
	logger      *zap.Logger
}

// NewChangeRequestService constructs ChangeRequestService.
func NewChangeRequestService(
	repo changeRequestStore,
	groups groupReader,
	students studentReader,
	enrollments activeEnrollmentFinder,
	machine *RequestStateMachine,
	priority *PriorityEngine,
	validate *validator.Validate,
	logger *zap.Logger,
	opts ...ChangeRequestServiceOption,
) *ChangeRequestService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ChangeRequestService{
		repo:        repo,
		groups:      groups,
		students:    students,
		enrollments: enrollments,
		machine:     machine,
		priority:    priority,
		validator:   validate,
		locks:       NewKeyedMutex(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Submit creates a PENDING request on behalf of actor.
func (s *ChangeRequestService) Submit(ctx context.Context, actor models.Actor, in SubmitChangeRequestInput) (*models.ChangeRequest, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change request payload")
	}
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if _, err := s.students.FindByID(ctx, actor.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Internal(err, "failed to load student")
	}
	from, err := s.loadGroup(ctx, in.FromGroupID, "source group not found")
	if err != nil {
		return nil, err
	}
	to, err := s.loadGroup(ctx, in.ToGroupID, "target group not found")
	if err != nil {
		return nil, err
	}
	if from.TermID != to.TermID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "groups belong to different terms")
	}
	enrollment, err := s.enrollments.FindActiveByStudentAndTerm(ctx, actor.ID, from.TermID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to load enrollment")
	}
	if enrollment == nil || enrollment.GroupID != from.ID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student is not enrolled in the source group")
	}
	open, err := s.repo.HasOpenRequest(ctx, actor.ID, from.TermID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to check open requests")
	}
	if open {
		return nil, appErrors.Clone(appErrors.ErrConflict, "an open change request already exists for this term")
	}

	req := s.machine.Create(actor.ID, from.ID, to.ID, from.TermID, in.Reason, actor)
	if err := s.repo.Create(ctx, req); err != nil {
		if errors.Is(err, appErrors.ErrConflict) {
			return nil, err
		}
		return nil, appErrors.Internal(err, "failed to create change request")
	}
	if s.metrics != nil {
		s.metrics.RecordSubmission()
	}
	s.logger.Info("change request submitted",
		zap.String("request_id", req.ID),
		zap.String("requester_id", req.RequesterID),
		zap.String("group_id", req.ToGroupID),
	)
	if s.scheduler != nil {
		if err := s.scheduler.Schedule(req.ToGroupID); err != nil {
			s.logger.Warn("failed to schedule admission cycle", zap.String("group_id", req.ToGroupID), zap.Error(err))
		}
	}
	return req, nil
}

// Cancel withdraws a request; only its requester may do so.
func (s *ChangeRequestService) Cancel(ctx context.Context, requestID string, actor models.Actor) (*models.ChangeRequest, error) {
	return s.transition(ctx, requestID, TransitionInput{Event: EventCancel, Actor: actor})
}

// StartReview moves a pending request under active review.
func (s *ChangeRequestService) StartReview(ctx context.Context, requestID string, actor models.Actor, comment string) (*models.ChangeRequest, error) {
	return s.transition(ctx, requestID, TransitionInput{Event: EventStartReview, Actor: actor, Comment: comment})
}

// RequestInfo asks the requester for more information.
func (s *ChangeRequestService) RequestInfo(ctx context.Context, requestID string, actor models.Actor, comment string) (*models.ChangeRequest, error) {
	return s.transition(ctx, requestID, TransitionInput{Event: EventRequestInfo, Actor: actor, Comment: comment})
}

// Reject records an explicit reviewer rejection.
func (s *ChangeRequestService) Reject(ctx context.Context, requestID string, actor models.Actor, comment string) (*models.ChangeRequest, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a rejection needs a comment")
	}
	return s.transition(ctx, requestID, TransitionInput{Event: EventReject, Actor: actor, Comment: comment})
}

// Review dispatches a reviewer action.
func (s *ChangeRequestService) Review(ctx context.Context, requestID string, actor models.Actor, in ReviewInput) (*models.ChangeRequest, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}
	switch RequestEvent(in.Action) {
	case EventStartReview:
		return s.StartReview(ctx, requestID, actor, in.Comment)
	case EventRequestInfo:
		return s.RequestInfo(ctx, requestID, actor, in.Comment)
	default:
		return s.Reject(ctx, requestID, actor, in.Comment)
	}
}

// UpdateReason lets the requester amend the reason while the request is pending.
func (s *ChangeRequestService) UpdateReason(ctx context.Context, requestID string, actor models.Actor, in UpdateReasonInput) (*models.ChangeRequest, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reason")
	}
	return s.transition(ctx, requestID, TransitionInput{Event: EventUpdate, Actor: actor, NewReason: in.Reason})
}

// Status returns a request with its full review history and current rank.
func (s *ChangeRequestService) Status(ctx context.Context, requestID string, actor models.Actor) (*RequestStatus, error) {
	req, err := s.load(ctx, requestID, actor)
	if err != nil {
		return nil, err
	}
	rank, err := s.rankOf(ctx, req)
	if err != nil {
		return nil, err
	}
	return &RequestStatus{Request: req, Rank: rank}, nil
}

// PriorityRank returns the 1-based position among pending requests for the same group, or -1.
func (s *ChangeRequestService) PriorityRank(ctx context.Context, requestID string, actor models.Actor) (int, error) {
	req, err := s.load(ctx, requestID, actor)
	if err != nil {
		return -1, err
	}
	return s.rankOf(ctx, req)
}

// ListMine lists the actor's own requests.
func (s *ChangeRequestService) ListMine(ctx context.Context, actor models.Actor, filter models.ChangeRequestFilter) ([]models.ChangeRequest, *models.Pagination, error) {
	filter.RequesterID = actor.ID
	filter.Limit = models.ClampPageSize(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	items, total, err := s.repo.ListByRequester(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list change requests")
	}
	pagination := &models.Pagination{Page: filter.Offset/filter.Limit + 1, PageSize: filter.Limit, TotalCount: total}
	return items, pagination, nil
}

// ExportHistory renders the review history of a request as CSV or PDF.
func (s *ChangeRequestService) ExportHistory(ctx context.Context, requestID string, actor models.Actor, format string) (*export.Document, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	req, err := s.load(ctx, requestID, actor)
	if err != nil {
		return nil, err
	}
	data := historyDataset(req)
	doc, err := export.Render(f, data, fmt.Sprintf("Change request %s", req.ID))
	if err != nil {
		return nil, appErrors.Internal(err, "failed to render history")
	}
	doc.Filename = fmt.Sprintf("change-request-%s-history.%s", req.ID, f)
	return doc, nil
}

func (s *ChangeRequestService) transition(ctx context.Context, requestID string, in TransitionInput) (*models.ChangeRequest, error) {
	release, err := s.locks.Lock(ctx, requestID)
	if err != nil {
		return nil, appErrors.Internal(err, "timed out waiting for request lock")
	}
	defer release()

	current, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		return nil, mapRequestLookupErr(err)
	}
	updated := current.Clone()
	if err := s.machine.Fire(updated, in); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "request changed concurrently")
		}
		return nil, appErrors.Internal(err, "failed to save change request")
	}
	s.logger.Info("change request transitioned",
		zap.String("request_id", updated.ID),
		zap.String("event", string(in.Event)),
		zap.String("status", string(updated.Status)),
		zap.String("actor_id", in.Actor.ID),
	)
	return updated, nil
}

func (s *ChangeRequestService) load(ctx context.Context, requestID string, actor models.Actor) (*models.ChangeRequest, error) {
	req, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		return nil, mapRequestLookupErr(err)
	}
	if actor.Role == models.RoleStudent && actor.ID != req.RequesterID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to another student")
	}
	return req, nil
}

func (s *ChangeRequestService) rankOf(ctx context.Context, req *models.ChangeRequest) (int, error) {
	if req.Status != models.ChangeRequestStatusPending {
		return -1, nil
	}
	pending, err := s.repo.FindPending(ctx, req.ToGroupID)
	if err != nil {
		return -1, appErrors.Internal(err, "failed to load pending requests")
	}
	return s.priority.Position(ctx, pending, req.ID)
}

func (s *ChangeRequestService) loadGroup(ctx context.Context, id, notFound string) (*models.Group, error) {
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, notFound)
		}
		return nil, appErrors.Internal(err, "failed to load group")
	}
	return group, nil
}

func historyDataset(req *models.ChangeRequest) export.Dataset {
	data := export.Dataset{Headers: []string{"#", "Timestamp", "Actor", "Role", "Action", "Comments"}}
	for _, step := range req.ReviewHistory {
		comments := ""
		if step.Comments != nil {
			comments = *step.Comments
		}
		data.Rows = append(data.Rows, map[string]string{
			"#":         fmt.Sprintf("%d", step.Sequence),
			"Timestamp": step.CreatedAt.UTC().Format(time.RFC3339),
			"Actor":     step.ActorID,
			"Role":      string(step.ActorRole),
			"Action":    string(step.Action),
			"Comments":  comments,
		})
	}
	return data
}
