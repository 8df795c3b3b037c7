package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    BuildStatus
		to      BuildStatus
		allowed bool
	}{
		{"pending to assigned", BuildStatusPending, BuildStatusAssigned, true},
		{"pending to cancelled", BuildStatusPending, BuildStatusCancelled, true},
		{"pending to building", BuildStatusPending, BuildStatusBuilding, false},
		{"pending to completed", BuildStatusPending, BuildStatusCompleted, false},
		{"pending to failed", BuildStatusPending, BuildStatusFailed, false},
		{"assigned to building", BuildStatusAssigned, BuildStatusBuilding, true},
		{"assigned to completed", BuildStatusAssigned, BuildStatusCompleted, true},
		{"assigned to failed", BuildStatusAssigned, BuildStatusFailed, true},
		{"assigned back to pending", BuildStatusAssigned, BuildStatusPending, true},
		{"assigned to cancelled", BuildStatusAssigned, BuildStatusCancelled, false},
		{"building to completed", BuildStatusBuilding, BuildStatusCompleted, true},
		{"building to failed", BuildStatusBuilding, BuildStatusFailed, true},
		{"building back to pending", BuildStatusBuilding, BuildStatusPending, true},
		{"building to assigned", BuildStatusBuilding, BuildStatusAssigned, false},
		{"building to cancelled", BuildStatusBuilding, BuildStatusCancelled, false},
		{"completed is terminal", BuildStatusCompleted, BuildStatusPending, false},
		{"failed is terminal", BuildStatusFailed, BuildStatusAssigned, false},
		{"cancelled is terminal", BuildStatusCancelled, BuildStatusPending, false},
		{"completed to failed", BuildStatusCompleted, BuildStatusFailed, false},
		{"self transition not in graph", BuildStatusBuilding, BuildStatusBuilding, false},
		{"unknown source", BuildStatus("bogus"), BuildStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidateTransition(t *testing.T) {
	err := ValidateTransition(BuildStatusCompleted, BuildStatusPending)
	require.Error(t, err)
	assert.Equal(t, KindIllegalTransition, KindOf(err))

	assert.NoError(t, ValidateTransition(BuildStatusPending, BuildStatusAssigned))
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []BuildStatus{
		BuildStatusPending, BuildStatusAssigned, BuildStatusBuilding,
		BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s should be rejected", from, to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, BuildStatusAssigned.Active())
	assert.True(t, BuildStatusBuilding.Active())
	assert.False(t, BuildStatusPending.Active())
	assert.False(t, BuildStatusCompleted.Active())

	assert.True(t, BuildStatusCompleted.Terminal())
	assert.True(t, BuildStatusFailed.Terminal())
	assert.True(t, BuildStatusCancelled.Terminal())
	assert.False(t, BuildStatusBuilding.Terminal())
}
