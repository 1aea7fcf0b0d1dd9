package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/noah-isme/sma-group-change/internal/clock"
	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

// Stage names, in their default evaluation order.
const (
	StageFacultyEligibility  = "faculty_eligibility"
	StageCalendarWindow      = "calendar_window"
	StageCapacityEligibility = "capacity_eligibility"
)

// Failure reasons recorded on the audit trail.
const (
	ReasonFacultyIneligible  = "faculty eligibility failed"
	ReasonCalendarIneligible = "calendar window eligibility failed"
	ReasonCapacityIneligible = "capacity eligibility failed"
)

// Verdict is the outcome of a stage or of the whole chain.
// Err is set only for infrastructure faults; it is never a business rejection.
type Verdict struct {
	Pass   bool
	Stage  string
	Reason string
	Detail string
	Err    error
}

// Passed builds a passing verdict.
func Passed() Verdict {
	return Verdict{Pass: true}
}

// Failed builds a failing verdict for stage.
func Failed(stage, reason, detail string) Verdict {
	return Verdict{Stage: stage, Reason: reason, Detail: detail}
}

// ValidatorFunc evaluates one eligibility rule. It must not mutate the request.
type ValidatorFunc func(ctx context.Context, req *models.ChangeRequest) Verdict

// ValidationStage names a validator so failures can be attributed.
type ValidationStage struct {
	Name  string
	Check ValidatorFunc
}

// ValidationChain runs stages in order and stops at the first failure.
type ValidationChain struct {
	stages []ValidationStage
}

// NewValidationChain composes stages; order is the evaluation order.
func NewValidationChain(stages ...ValidationStage) *ValidationChain {
	return &ValidationChain{stages: append([]ValidationStage(nil), stages...)}
}

// Stages lists stage names in evaluation order.
func (c *ValidationChain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Evaluate returns the first failing verdict, or a pass when every stage passes.
func (c *ValidationChain) Evaluate(ctx context.Context, req *models.ChangeRequest) Verdict {
	for _, stage := range c.stages {
		if err := ctx.Err(); err != nil {
			return Verdict{Stage: stage.Name, Err: err}
		}
		v := stage.Check(ctx, req)
		if v.Err != nil || !v.Pass {
			v.Pass = false
			if v.Stage == "" {
				v.Stage = stage.Name
			}
			return v
		}
	}
	return Passed()
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type termReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

// FacultyEligibilityStage passes when the requester's program is within the target group's scope.
// Groups without a program are open to every program.
func FacultyEligibilityStage(students studentReader, groups groupReader) ValidationStage {
	return ValidationStage{Name: StageFacultyEligibility, Check: func(ctx context.Context, req *models.ChangeRequest) Verdict {
		group, err := groups.FindByID(ctx, req.ToGroupID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Failed(StageFacultyEligibility, ReasonFacultyIneligible, "target group not found")
			}
			return Verdict{Err: fmt.Errorf("load target group: %w", err)}
		}
		if group.ProgramID == "" {
			return Passed()
		}
		student, err := students.FindByID(ctx, req.RequesterID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Failed(StageFacultyEligibility, ReasonFacultyIneligible, "requester profile not found")
			}
			return Verdict{Err: fmt.Errorf("load requester: %w", err)}
		}
		if student.ProgramID != group.ProgramID {
			return Failed(StageFacultyEligibility, ReasonFacultyIneligible,
				fmt.Sprintf("program %q outside group scope %q", student.ProgramID, group.ProgramID))
		}
		return Passed()
	}}
}

// CalendarWindowStage passes while the request's term adjustment window is open.
func CalendarWindowStage(terms termReader, clk clock.Clock) ValidationStage {
	return ValidationStage{Name: StageCalendarWindow, Check: func(ctx context.Context, req *models.ChangeRequest) Verdict {
		term, err := terms.FindByID(ctx, req.TermID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Failed(StageCalendarWindow, ReasonCalendarIneligible, "term not found")
			}
			return Verdict{Err: fmt.Errorf("load term: %w", err)}
		}
		if !term.AdjustmentWindowOpen(clk.Now()) {
			return Failed(StageCalendarWindow, ReasonCalendarIneligible, "adjustment window closed")
		}
		return Passed()
	}}
}

// CapacityEligibilityStage fails when the target group is at or above the near-capacity threshold.
func CapacityEligibilityStage(oracle *CapacityOracle) ValidationStage {
	return ValidationStage{Name: StageCapacityEligibility, Check: func(ctx context.Context, req *models.ChangeRequest) Verdict {
		near, err := oracle.NearCapacity(ctx, req.ToGroupID)
		if err != nil {
			if errors.Is(err, appErrors.ErrNotFound) {
				return Failed(StageCapacityEligibility, ReasonCapacityIneligible, "target group not found")
			}
			return Verdict{Err: err}
		}
		if near {
			return Failed(StageCapacityEligibility, ReasonCapacityIneligible, "target group near or over capacity")
		}
		return Passed()
	}}
}

// NewDefaultValidationChain wires faculty, calendar and capacity stages in that order.
func NewDefaultValidationChain(students studentReader, groups groupReader, terms termReader, oracle *CapacityOracle, clk clock.Clock) *ValidationChain {
	return NewValidationChain(
		FacultyEligibilityStage(students, groups),
		CalendarWindowStage(terms, clk),
		CapacityEligibilityStage(oracle),
	)
}
