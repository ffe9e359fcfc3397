package digitalkey

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAvailable, StatusAssigned, true},
		{StatusAvailable, StatusDelivered, false},
		{StatusAssigned, StatusDelivered, true},
		{StatusAssigned, StatusAvailable, true},
		{StatusDelivered, StatusAvailable, false},
		{StatusDelivered, StatusAssigned, false},
		{StatusDelivered, StatusRevoked, true},
		{StatusAvailable, StatusRevoked, true},
		{StatusRevoked, StatusAvailable, false},
		{StatusRevoked, StatusRevoked, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransition(t *testing.T) {
	err := CheckTransition(uuid.New(), StatusDelivered, StatusAvailable)
	assert.True(t, errors.Is(err, ierr.ErrInvalidTransition))
	assert.NoError(t, CheckTransition(uuid.New(), StatusAssigned, StatusDelivered))
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusAssigned.Valid())
	assert.False(t, Status("lost").Valid())
	assert.True(t, StatusRevoked.Terminal())
	assert.False(t, StatusDelivered.Terminal())
}
