package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-group-change/internal/clock"
	"github.com/noah-isme/sma-group-change/internal/models"
)

var testNow = time.Date(2024, 8, 12, 9, 0, 0, 0, time.UTC)

// world is an in-memory stand-in for the persistence collaborators.
type world struct {
	mu          sync.Mutex
	groups      map[string]models.Group
	students    map[string]models.Student
	terms       map[string]models.Term
	enrollments map[string]models.Enrollment
	requests    map[string]*models.ChangeRequest

	// outside holds seats taken by writers the transaction cannot roll back.
	outside map[string]int
	// rows are the group row locks taken by LockForUpdate and held until the fake tx ends.
	rows      map[string]chan struct{}
	onLock    func(groupID string)
	saveErr   error
	findErr   error
	createErr error
}

func newWorld() *world {
	opens := testNow.Add(-48 * time.Hour)
	closes := testNow.Add(48 * time.Hour)
	return &world{
		groups:   map[string]models.Group{},
		students: map[string]models.Student{},
		terms: map[string]models.Term{
			"term-1": {ID: "term-1", Name: "Odd 2024", AdjustmentOpensAt: &opens, AdjustmentClosesAt: &closes, IsActive: true},
		},
		enrollments: map[string]models.Enrollment{},
		requests:    map[string]*models.ChangeRequest{},
		outside:     map[string]int{},
		rows:        map[string]chan struct{}{},
	}
}

func (w *world) addGroup(id string, capacity int) {
	w.groups[id] = models.Group{ID: id, Name: id, TermID: "term-1", ProgramID: "science", Capacity: capacity}
}

// addStudent registers a student enrolled in groupID.
func (w *world) addStudent(id string, gpa float64, semester int, groupID string) {
	w.students[id] = models.Student{ID: id, FullName: id, ProgramID: "science", GPA: gpa, Semester: semester, Active: true}
	w.enrollments["enr-"+id] = models.Enrollment{ID: "enr-" + id, StudentID: id, GroupID: groupID, TermID: "term-1", JoinedAt: testNow.Add(-90 * 24 * time.Hour), Status: models.EnrollmentStatusActive}
}

// addPending stores a PENDING request from studentID to toGroup.
func (w *world) addPending(id, studentID, toGroup, reason string, submittedAt time.Time) *models.ChangeRequest {
	enr := w.enrollments["enr-"+studentID]
	req := &models.ChangeRequest{
		ID:          id,
		RequesterID: studentID,
		FromGroupID: enr.GroupID,
		ToGroupID:   toGroup,
		TermID:      "term-1",
		Reason:      reason,
		Status:      models.ChangeRequestStatusPending,
		SubmittedAt: submittedAt,
		Version:     1,
		ReviewHistory: []models.ReviewStep{{
			RequestID: id, Sequence: 1, ActorID: studentID, ActorRole: models.RoleStudent,
			Action: models.ReviewActionCreated, CreatedAt: submittedAt,
		}},
	}
	w.requests[id] = req
	return req.Clone()
}

func (w *world) request(t *testing.T, id string) *models.ChangeRequest {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[id]
	require.True(t, ok, "request %s missing", id)
	return req.Clone()
}

func (w *world) occupancy(groupID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.outside[groupID]
	for _, e := range w.enrollments {
		if e.GroupID == groupID && e.Status == models.EnrollmentStatusActive {
			n++
		}
	}
	return n
}

type fakeGroups struct{ w *world }

func (f fakeGroups) FindByID(_ context.Context, id string) (*models.Group, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	g, ok := f.w.groups[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &g, nil
}

func (f fakeGroups) CountActiveEnrollments(_ context.Context, groupID string) (int, error) {
	return f.w.occupancy(groupID), nil
}

func (f fakeGroups) LockForUpdate(ctx context.Context, groupID string) error {
	f.w.mu.Lock()
	hook := f.w.onLock
	row, ok := f.w.rows[groupID]
	if !ok {
		row = make(chan struct{}, 1)
		f.w.rows[groupID] = row
	}
	f.w.mu.Unlock()
	if hook != nil {
		hook(groupID)
	}

	select {
	case row <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	release := func() { <-row }
	if scope := txScopeFrom(ctx); scope != nil {
		scope.locks = append(scope.locks, release)
		return nil
	}
	release()
	return nil
}

type fakeStudents struct{ w *world }

func (f fakeStudents) FindByID(_ context.Context, id string) (*models.Student, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	s, ok := f.w.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &s, nil
}

type fakeTerms struct{ w *world }

func (f fakeTerms) FindByID(_ context.Context, id string) (*models.Term, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	t, ok := f.w.terms[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &t, nil
}

type fakeEnrollments struct{ w *world }

func (f fakeEnrollments) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	e, ok := f.w.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (f fakeEnrollments) FindActiveByStudentAndTerm(_ context.Context, studentID, termID string) (*models.Enrollment, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, e := range f.w.enrollments {
		if e.StudentID == studentID && e.TermID == termID && e.Status == models.EnrollmentStatusActive {
			found := e
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f fakeEnrollments) MoveToGroup(ctx context.Context, id, groupID string) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	e, ok := f.w.enrollments[id]
	if !ok {
		return sql.ErrNoRows
	}
	prev := e
	txScopeFrom(ctx).onRollback(func() { f.w.enrollments[id] = prev })
	e.GroupID = groupID
	f.w.enrollments[id] = e
	return nil
}

type fakeRequests struct{ w *world }

func (f fakeRequests) FindByID(_ context.Context, id string) (*models.ChangeRequest, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if f.w.findErr != nil {
		return nil, f.w.findErr
	}
	req, ok := f.w.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return req.Clone(), nil
}

func (f fakeRequests) FindPending(_ context.Context, groupID string) ([]models.ChangeRequest, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []models.ChangeRequest
	for _, req := range f.w.requests {
		if req.ToGroupID == groupID && req.Status == models.ChangeRequestStatusPending {
			out = append(out, *req.Clone())
		}
	}
	return out, nil
}

func (f fakeRequests) ListPendingGroups(_ context.Context) ([]string, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, req := range f.w.requests {
		if req.Status == models.ChangeRequestStatusPending && !seen[req.ToGroupID] {
			seen[req.ToGroupID] = true
			out = append(out, req.ToGroupID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f fakeRequests) Save(ctx context.Context, req *models.ChangeRequest) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if f.w.saveErr != nil {
		return f.w.saveErr
	}
	stored, ok := f.w.requests[req.ID]
	if !ok || stored.Version != req.Version {
		return sql.ErrNoRows
	}
	txScopeFrom(ctx).onRollback(func() { f.w.requests[stored.ID] = stored })
	req.Version++
	f.w.requests[req.ID] = req.Clone()
	return nil
}

func (f fakeRequests) Create(_ context.Context, req *models.ChangeRequest) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if f.w.createErr != nil {
		return f.w.createErr
	}
	if _, exists := f.w.requests[req.ID]; exists {
		return errors.New("duplicate id")
	}
	req.Version = 1
	f.w.requests[req.ID] = req.Clone()
	return nil
}

func (f fakeRequests) ListByRequester(_ context.Context, filter models.ChangeRequestFilter) ([]models.ChangeRequest, int, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var out []models.ChangeRequest
	for _, req := range f.w.requests {
		if req.RequesterID == filter.RequesterID {
			out = append(out, *req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, len(out), nil
}

func (f fakeRequests) HasOpenRequest(_ context.Context, requesterID, termID string) (bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, req := range f.w.requests {
		if req.RequesterID == requesterID && req.TermID == termID && !req.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

type txScopeKey struct{}

// txScope tracks the writes and row locks of one fake transaction.
type txScope struct {
	undo  []func()
	locks []func()
}

func txScopeFrom(ctx context.Context) *txScope {
	scope, _ := ctx.Value(txScopeKey{}).(*txScope)
	return scope
}

// onRollback registers an undo step. Callers hold world.mu. A nil scope means no tx.
func (s *txScope) onRollback(fn func()) {
	if s != nil {
		s.undo = append(s.undo, fn)
	}
}

// fakeTx undoes the writes made through its context when fn fails and holds group
// row locks until it ends, like a Postgres transaction.
type fakeTx struct{ w *world }

func (f fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txScopeFrom(ctx) != nil {
		return fn(ctx)
	}
	scope := &txScope{}
	err := fn(context.WithValue(ctx, txScopeKey{}, scope))
	if err != nil {
		f.w.mu.Lock()
		for i := len(scope.undo) - 1; i >= 0; i-- {
			scope.undo[i]()
		}
		f.w.mu.Unlock()
	}
	for i := len(scope.locks) - 1; i >= 0; i-- {
		scope.locks[i]()
	}
	return err
}

type recordingMetrics struct {
	mu        sync.Mutex
	decisions map[string]int
	failures  map[string]int
	cycles    int
	ledger    map[string]int
	submitted int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{decisions: map[string]int{}, failures: map[string]int{}, ledger: map[string]int{}}
}

func (r *recordingMetrics) RecordDecision(outcome string) {
	r.mu.Lock()
	r.decisions[outcome]++
	r.mu.Unlock()
}

func (r *recordingMetrics) RecordValidationFailure(stage string) {
	r.mu.Lock()
	r.failures[stage]++
	r.mu.Unlock()
}

func (r *recordingMetrics) ObserveAdmissionCycle(time.Duration) {
	r.mu.Lock()
	r.cycles++
	r.mu.Unlock()
}

func (r *recordingMetrics) RecordLedgerOperation(op string) {
	r.mu.Lock()
	r.ledger[op]++
	r.mu.Unlock()
}

func (r *recordingMetrics) RecordSubmission() {
	r.mu.Lock()
	r.submitted++
	r.mu.Unlock()
}

type harness struct {
	world      *world
	clock      *clock.Manual
	oracle     *CapacityOracle
	priority   *PriorityEngine
	machine    *RequestStateMachine
	ledger     *MemoryUndoLedger
	metrics    *recordingMetrics
	controller *AdmissionController
	service    *ChangeRequestService
}

func newHarness(w *world, threshold float64) *harness {
	clk := clock.NewManual(testNow)
	groups := fakeGroups{w}
	students := fakeStudents{w}
	oracle := NewCapacityOracle(groups, groups, threshold)
	chain := NewDefaultValidationChain(students, groups, fakeTerms{w}, oracle, clk)
	priority := NewPriorityEngine(DefaultPriorityPolicy(), students, clk)
	machine := NewRequestStateMachine(clk, 24*time.Hour)
	ledger := NewMemoryUndoLedger()
	metrics := newRecordingMetrics()
	controller := NewAdmissionController(fakeRequests{w}, groups, fakeEnrollments{w}, fakeTx{w},
		oracle, chain, priority, machine, ledger, nil,
		WithAdmissionMetrics(metrics), WithAdmissionClock(clk), WithDecisionTimeout(5*time.Second))
	svc := NewChangeRequestService(fakeRequests{w}, groups, students, fakeEnrollments{w}, machine, priority, nil, nil,
		WithSubmissionMetrics(metrics), WithSharedRequestLocks(controller.RequestLocks()))
	return &harness{
		world: w, clock: clk, oracle: oracle, priority: priority, machine: machine,
		ledger: ledger, metrics: metrics, controller: controller, service: svc,
	}
}

var reviewer = models.Actor{ID: "rev-1", Role: models.RoleReviewer}

func studentActor(id string) models.Actor {
	return models.Actor{ID: id, Role: models.RoleStudent}
}
