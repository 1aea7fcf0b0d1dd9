package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

// DefaultNearCapacityThreshold is used when no threshold is configured.
const DefaultNearCapacityThreshold = 0.8

type groupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
}

type occupancyCounter interface {
	CountActiveEnrollments(ctx context.Context, groupID string) (int, error)
}

// CapacityOracle reports group occupancy from the authoritative enrollment count.
// Every call reads through; nothing is cached between calls.
type CapacityOracle struct {
	groups    groupReader
	counter   occupancyCounter
	threshold float64
}

// NewCapacityOracle constructs the oracle. Thresholds outside (0,1] fall back to the default.
func NewCapacityOracle(groups groupReader, counter occupancyCounter, threshold float64) *CapacityOracle {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultNearCapacityThreshold
	}
	return &CapacityOracle{groups: groups, counter: counter, threshold: threshold}
}

// Threshold returns the configured near-capacity ratio.
func (o *CapacityOracle) Threshold() float64 {
	return o.threshold
}

// Occupancy returns current confirmed occupants and the maximum capacity of a group.
func (o *CapacityOracle) Occupancy(ctx context.Context, groupID string) (models.GroupOccupancy, error) {
	group, err := o.groups.FindByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GroupOccupancy{}, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return models.GroupOccupancy{}, appErrors.Internal(err, "failed to load group")
	}
	current, err := o.counter.CountActiveEnrollments(ctx, group.ID)
	if err != nil {
		return models.GroupOccupancy{}, appErrors.Internal(err, "failed to count group occupancy")
	}
	return models.GroupOccupancy{GroupID: group.ID, Current: current, Max: group.Capacity}, nil
}

// IsNearCapacity reports whether current/max has reached threshold.
func (o *CapacityOracle) IsNearCapacity(ctx context.Context, groupID string, threshold float64) (bool, error) {
	occ, err := o.Occupancy(ctx, groupID)
	if err != nil {
		return false, err
	}
	return occ.Ratio() >= threshold, nil
}

// NearCapacity applies the configured threshold.
func (o *CapacityOracle) NearCapacity(ctx context.Context, groupID string) (bool, error) {
	return o.IsNearCapacity(ctx, groupID, o.threshold)
}

// IsSaturated reports whether the group has no seat left.
func (o *CapacityOracle) IsSaturated(ctx context.Context, groupID string) (bool, error) {
	occ, err := o.Occupancy(ctx, groupID)
	if err != nil {
		return false, err
	}
	return occ.Saturated(), nil
}
