package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-group-change/internal/clock"
	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

// DefaultCancelGracePeriod bounds how long a request may sit under review and still be cancelled.
const DefaultCancelGracePeriod = 24 * time.Hour

// RequestEvent triggers a lifecycle transition.
type RequestEvent string

const (
	EventStartReview RequestEvent = "start_review"
	EventRequestInfo RequestEvent = "request_info"
	EventUpdate      RequestEvent = "update"
	EventApprove     RequestEvent = "approve"
	EventReject      RequestEvent = "reject"
	EventCancel      RequestEvent = "cancel"
)

// TransitionInput carries the actor and payload of one transition.
type TransitionInput struct {
	Event     RequestEvent
	Actor     models.Actor
	Comment   string
	NewReason string
}

type transitionKey struct {
	from  models.ChangeRequestStatus
	event RequestEvent
}

type transitionGuard func(m *RequestStateMachine, req *models.ChangeRequest, in TransitionInput, now time.Time) error

type transitionRule struct {
	to     models.ChangeRequestStatus
	action models.ReviewAction
	guard  transitionGuard
}

// RequestStateMachine owns the lifecycle of a change request and its audit trail.
// The transition table is fixed; terminal states have no entries.
type RequestStateMachine struct {
	clock       clock.Clock
	gracePeriod time.Duration
	table       map[transitionKey]transitionRule
}

// NewRequestStateMachine builds the machine. A non-positive grace period uses the default.
func NewRequestStateMachine(clk clock.Clock, gracePeriod time.Duration) *RequestStateMachine {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultCancelGracePeriod
	}
	pending := models.ChangeRequestStatusPending
	review := models.ChangeRequestStatusUnderReview
	return &RequestStateMachine{
		clock:       clk,
		gracePeriod: gracePeriod,
		table: map[transitionKey]transitionRule{
			{pending, EventStartReview}: {to: review, action: models.ReviewActionReviewStarted},
			{pending, EventRequestInfo}: {to: review, action: models.ReviewActionInfoRequested},
			{review, EventRequestInfo}:  {to: review, action: models.ReviewActionInfoRequested},
			{pending, EventUpdate}:      {to: pending, action: models.ReviewActionUpdated, guard: guardRequester},
			{pending, EventApprove}:     {to: models.ChangeRequestStatusApproved, action: models.ReviewActionApproved},
			{review, EventApprove}:      {to: models.ChangeRequestStatusApproved, action: models.ReviewActionApproved},
			{pending, EventReject}:      {to: models.ChangeRequestStatusRejected, action: models.ReviewActionRejected},
			{review, EventReject}:       {to: models.ChangeRequestStatusRejected, action: models.ReviewActionRejected},
			{pending, EventCancel}:      {to: models.ChangeRequestStatusCancelled, action: models.ReviewActionCancelled, guard: guardRequester},
			{review, EventCancel}:       {to: models.ChangeRequestStatusCancelled, action: models.ReviewActionCancelled, guard: guardCancelUnderReview},
		},
	}
}

// GracePeriod returns the configured cancellation grace period.
func (m *RequestStateMachine) GracePeriod() time.Duration {
	return m.gracePeriod
}

// Create returns a new PENDING request whose history starts with a CREATED step.
func (m *RequestStateMachine) Create(requesterID, fromGroupID, toGroupID, termID, reason string, actor models.Actor) *models.ChangeRequest {
	now := m.clock.Now()
	req := &models.ChangeRequest{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		FromGroupID: fromGroupID,
		ToGroupID:   toGroupID,
		TermID:      termID,
		Reason:      reason,
		Status:      models.ChangeRequestStatusPending,
		SubmittedAt: now,
	}
	m.appendStep(req, actor, models.ReviewActionCreated, "", now)
	return req
}

// Can reports whether event is defined from the request's current status. Guards are not evaluated.
func (m *RequestStateMachine) Can(status models.ChangeRequestStatus, event RequestEvent) bool {
	_, ok := m.table[transitionKey{status, event}]
	return ok
}

// Fire applies one transition to req in place and appends exactly one review step.
// On error req is left untouched.
func (m *RequestStateMachine) Fire(req *models.ChangeRequest, in TransitionInput) error {
	if req == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "change request not found")
	}
	if req.Status.IsTerminal() {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("request already %s", req.Status))
	}
	rule, ok := m.table[transitionKey{req.Status, in.Event}]
	if !ok {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot %s a %s request", in.Event, req.Status))
	}
	now := m.clock.Now()
	if rule.guard != nil {
		if err := rule.guard(m, req, in, now); err != nil {
			return err
		}
	}

	if last := req.LastStep(); last != nil && now.Before(last.CreatedAt) {
		now = last.CreatedAt
	}
	if in.Event == EventUpdate {
		req.Reason = in.NewReason
	}
	if rule.to == models.ChangeRequestStatusUnderReview && req.ReviewStartedAt == nil {
		started := now
		req.ReviewStartedAt = &started
	}
	if rule.to.IsTerminal() && req.ResolvedAt == nil {
		resolved := now
		req.ResolvedAt = &resolved
	}
	req.Status = rule.to
	m.appendStep(req, in.Actor, rule.action, in.Comment, now)
	return nil
}

func (m *RequestStateMachine) appendStep(req *models.ChangeRequest, actor models.Actor, action models.ReviewAction, comment string, at time.Time) {
	step := models.ReviewStep{
		RequestID: req.ID,
		Sequence:  len(req.ReviewHistory) + 1,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    action,
		CreatedAt: at,
	}
	if comment != "" {
		c := comment
		step.Comments = &c
	}
	req.ReviewHistory = append(req.ReviewHistory, step)
}

func guardRequester(_ *RequestStateMachine, req *models.ChangeRequest, in TransitionInput, _ time.Time) error {
	if in.Actor.ID == "" || in.Actor.ID != req.RequesterID {
		return appErrors.Clone(appErrors.ErrForbidden, "only the requester may change this request")
	}
	return nil
}

func guardCancelUnderReview(m *RequestStateMachine, req *models.ChangeRequest, in TransitionInput, now time.Time) error {
	if err := guardRequester(m, req, in, now); err != nil {
		return err
	}
	if req.ReviewStartedAt != nil && now.Sub(*req.ReviewStartedAt) > m.gracePeriod {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "request has been under review past the cancellation grace period")
	}
	return nil
}
