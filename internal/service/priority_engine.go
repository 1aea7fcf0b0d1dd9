package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/noah-isme/sma-group-change/internal/clock"
	"github.com/noah-isme/sma-group-change/internal/models"
	"github.com/noah-isme/sma-group-change/pkg/config"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

// MaxPriorityScore is the upper bound of a composite score.
const MaxPriorityScore = 100.0

// UrgencyTier orders keyword classes; higher is more urgent.
type UrgencyTier int

const (
	UrgencyOther UrgencyTier = iota
	UrgencySchedule
	UrgencyPersonal
	UrgencyMedical
)

func (t UrgencyTier) String() string {
	switch t {
	case UrgencyMedical:
		return "medical"
	case UrgencyPersonal:
		return "personal"
	case UrgencySchedule:
		return "schedule"
	default:
		return "other"
	}
}

// weight maps a tier to its [0,1] contribution.
func (t UrgencyTier) weight() float64 {
	switch t {
	case UrgencyMedical:
		return 1
	case UrgencyPersonal:
		return 0.66
	case UrgencySchedule:
		return 0.33
	default:
		return 0
	}
}

// UrgencyLexicon lists keywords (single words or phrases) per tier.
type UrgencyLexicon struct {
	Medical  []string
	Personal []string
	Schedule []string
}

// Classify scans reason for lexicon entries on word boundaries and returns the highest matching tier.
func (l UrgencyLexicon) Classify(reason string) UrgencyTier {
	text := " " + normalizeWords(reason) + " "
	tiers := []struct {
		tier     UrgencyTier
		keywords []string
	}{
		{UrgencyMedical, l.Medical},
		{UrgencyPersonal, l.Personal},
		{UrgencySchedule, l.Schedule},
	}
	for _, entry := range tiers {
		for _, kw := range entry.keywords {
			norm := normalizeWords(kw)
			if norm != "" && strings.Contains(text, " "+norm+" ") {
				return entry.tier
			}
		}
	}
	return UrgencyOther
}

func normalizeWords(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// PriorityPolicy carries the weights and normalisation bounds of the score.
type PriorityPolicy struct {
	WeightStanding  float64
	WeightSeniority float64
	WeightUrgency   float64
	WeightAge       float64
	MaxGPA          float64
	MaxSemester     int
	AgeCeiling      time.Duration
	Lexicon         UrgencyLexicon
}

// DefaultPriorityPolicy returns the stock 0.4/0.2/0.2/0.2 policy.
func DefaultPriorityPolicy() PriorityPolicy {
	return PriorityPolicy{
		WeightStanding:  0.4,
		WeightSeniority: 0.2,
		WeightUrgency:   0.2,
		WeightAge:       0.2,
		MaxGPA:          4.0,
		MaxSemester:     8,
		AgeCeiling:      30 * 24 * time.Hour,
		Lexicon: UrgencyLexicon{
			Medical:  []string{"medical", "emergency", "hospital", "illness", "surgery"},
			Personal: []string{"work", "job", "family", "caregiver"},
			Schedule: []string{"schedule conflict", "conflict", "overlap", "clash"},
		},
	}
}

// PriorityPolicyFromConfig overlays configured values on the defaults.
func PriorityPolicyFromConfig(cfg config.PriorityConfig) PriorityPolicy {
	p := DefaultPriorityPolicy()
	if validWeights(cfg.WeightStanding, cfg.WeightSeniority, cfg.WeightUrgency, cfg.WeightAge) {
		p.WeightStanding = cfg.WeightStanding
		p.WeightSeniority = cfg.WeightSeniority
		p.WeightUrgency = cfg.WeightUrgency
		p.WeightAge = cfg.WeightAge
	}
	if cfg.MaxGPA > 0 {
		p.MaxGPA = cfg.MaxGPA
	}
	if cfg.MaxSemester > 0 {
		p.MaxSemester = cfg.MaxSemester
	}
	if cfg.AgeCeiling > 0 {
		p.AgeCeiling = cfg.AgeCeiling
	}
	if len(cfg.MedicalKeywords) > 0 {
		p.Lexicon.Medical = cfg.MedicalKeywords
	}
	if len(cfg.PersonalKeywords) > 0 {
		p.Lexicon.Personal = cfg.PersonalKeywords
	}
	if len(cfg.ScheduleKeywords) > 0 {
		p.Lexicon.Schedule = cfg.ScheduleKeywords
	}
	return p
}

// PriorityBreakdown exposes each normalised factor for audit and debugging.
type PriorityBreakdown struct {
	Standing  float64     `json:"standing"`
	Seniority float64     `json:"seniority"`
	Urgency   float64     `json:"urgency"`
	Age       float64     `json:"age"`
	Tier      UrgencyTier `json:"tier"`
}

// RankedRequest is a pending request with its score and 1-based position.
type RankedRequest struct {
	Request   models.ChangeRequest
	Score     float64
	Breakdown PriorityBreakdown
	Rank      int
}

// PriorityEngine scores and orders pending requests. It never mutates them.
type PriorityEngine struct {
	policy   PriorityPolicy
	students studentReader
	clock    clock.Clock
}

// NewPriorityEngine constructs the engine.
func NewPriorityEngine(policy PriorityPolicy, students studentReader, clk clock.Clock) *PriorityEngine {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PriorityEngine{policy: policy, students: students, clock: clk}
}

// Policy returns the active policy.
func (e *PriorityEngine) Policy() PriorityPolicy {
	return e.policy
}

// Score computes the composite score of req in [0, MaxPriorityScore].
// A nil student contributes nothing for standing and seniority.
func (e *PriorityEngine) Score(req *models.ChangeRequest, student *models.Student, now time.Time) (float64, PriorityBreakdown) {
	p := e.policy
	var b PriorityBreakdown
	if student != nil {
		if p.MaxGPA > 0 {
			b.Standing = clamp01(student.GPA / p.MaxGPA)
		}
		if p.MaxSemester > 0 {
			b.Seniority = clamp01(float64(student.Semester) / float64(p.MaxSemester))
		}
	}
	b.Tier = p.Lexicon.Classify(req.Reason)
	b.Urgency = b.Tier.weight()
	if p.AgeCeiling > 0 {
		b.Age = clamp01(float64(now.Sub(req.SubmittedAt)) / float64(p.AgeCeiling))
	}

	ws, wn, wu, wa := nonNegative(p.WeightStanding), nonNegative(p.WeightSeniority), nonNegative(p.WeightUrgency), nonNegative(p.WeightAge)
	total := ws + wn + wu + wa
	if total <= 0 {
		return 0, b
	}
	weighted := ws*b.Standing + wn*b.Seniority + wu*b.Urgency + wa*b.Age
	return MaxPriorityScore * clamp01(weighted/total), b
}

// validWeights accepts a weight set only when no weight is negative and at least one is positive.
func validWeights(weights ...float64) bool {
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return false
		}
		sum += w
	}
	return sum > 0
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// Rank scores every PENDING request in pending and returns them in decision order:
// score descending, then submittedAt ascending, then ID ascending.
func (e *PriorityEngine) Rank(ctx context.Context, pending []models.ChangeRequest) ([]RankedRequest, error) {
	now := e.clock.Now()
	profiles := make(map[string]*models.Student)
	ranked := make([]RankedRequest, 0, len(pending))
	for i := range pending {
		req := pending[i]
		if req.Status != models.ChangeRequestStatusPending {
			continue
		}
		student, seen := profiles[req.RequesterID]
		if !seen {
			loaded, err := e.loadProfile(ctx, req.RequesterID)
			if err != nil {
				return nil, err
			}
			profiles[req.RequesterID] = loaded
			student = loaded
		}
		score, breakdown := e.Score(&req, student, now)
		ranked = append(ranked, RankedRequest{Request: req, Score: score, Breakdown: breakdown})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return rankedBefore(ranked[i], ranked[j])
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// Position returns the 1-based rank of requestID in pending, or -1 when absent or not pending.
func (e *PriorityEngine) Position(ctx context.Context, pending []models.ChangeRequest, requestID string) (int, error) {
	ranked, err := e.Rank(ctx, pending)
	if err != nil {
		return -1, err
	}
	for _, r := range ranked {
		if r.Request.ID == requestID {
			return r.Rank, nil
		}
	}
	return -1, nil
}

func (e *PriorityEngine) loadProfile(ctx context.Context, studentID string) (*models.Student, error) {
	if e.students == nil {
		return nil, nil
	}
	student, err := e.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Internal(err, "failed to load requester profile")
	}
	return student, nil
}

func rankedBefore(a, b RankedRequest) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Request.SubmittedAt.Equal(b.Request.SubmittedAt) {
		return a.Request.SubmittedAt.Before(b.Request.SubmittedAt)
	}
	return a.Request.ID < b.Request.ID
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
