package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

type brokenCounter struct{}

func (brokenCounter) CountActiveEnrollments(context.Context, string) (int, error) {
	return 0, errors.New("timeout")
}

func TestOccupancyCountsConfirmedEnrollmentsAtCallTime(t *testing.T) {
	w := newWorld()
	w.addGroup("g-1", 5)
	w.addStudent("stu-a", 3, 1, "g-1")
	w.addStudent("stu-b", 3, 1, "g-1")
	oracle := NewCapacityOracle(fakeGroups{w}, fakeGroups{w}, 0.8)

	occ, err := oracle.Occupancy(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Equal(t, models.GroupOccupancy{GroupID: "g-1", Current: 2, Max: 5}, occ)

	w.addStudent("stu-c", 3, 1, "g-1")
	occ, err = oracle.Occupancy(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Equal(t, 3, occ.Current)
}

func TestIsNearCapacityThreshold(t *testing.T) {
	w := newWorld()
	w.addGroup("g-1", 5)
	for _, id := range []string{"a", "b", "c", "d"} {
		w.addStudent(id, 3, 1, "g-1")
	}
	oracle := NewCapacityOracle(fakeGroups{w}, fakeGroups{w}, 0)
	assert.Equal(t, DefaultNearCapacityThreshold, oracle.Threshold())

	near, err := oracle.NearCapacity(context.Background(), "g-1")
	require.NoError(t, err)
	assert.True(t, near)

	near, err = oracle.IsNearCapacity(context.Background(), "g-1", 0.9)
	require.NoError(t, err)
	assert.False(t, near)

	saturated, err := oracle.IsSaturated(context.Background(), "g-1")
	require.NoError(t, err)
	assert.False(t, saturated)
}

func TestZeroCapacityGroupIsSaturated(t *testing.T) {
	w := newWorld()
	w.addGroup("g-closed", 0)
	oracle := NewCapacityOracle(fakeGroups{w}, fakeGroups{w}, 0.8)

	saturated, err := oracle.IsSaturated(context.Background(), "g-closed")
	require.NoError(t, err)
	assert.True(t, saturated)
	near, err := oracle.NearCapacity(context.Background(), "g-closed")
	require.NoError(t, err)
	assert.True(t, near)
}

func TestOccupancyErrors(t *testing.T) {
	w := newWorld()
	w.addGroup("g-1", 5)

	_, err := NewCapacityOracle(fakeGroups{w}, fakeGroups{w}, 0.8).Occupancy(context.Background(), "nope")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = NewCapacityOracle(fakeGroups{w}, brokenCounter{}, 0.8).Occupancy(context.Background(), "g-1")
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
}
