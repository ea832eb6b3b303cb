package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrAuthFailure,
		ErrNetworkFailure,
		ErrConnectionLost,
		ErrProtocol,
		ErrPrecondition,
	}
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.False(t, errors.Is(sentinels[i], sentinels[j]),
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrAuthFailure, "authentication failed"},
		{ErrNetworkFailure, "network request failed"},
		{ErrConnectionLost, "live connection lost"},
		{ErrProtocol, "malformed payload"},
		{ErrPrecondition, "precondition failed"},
		{ErrNotConnected, "live connection not open: precondition failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestPreconditionErrors_MatchParent(t *testing.T) {
	for _, err := range []error{ErrNoSession, ErrNoPeer, ErrNoConversation, ErrNotConnected} {
		assert.ErrorIs(t, err, ErrPrecondition)
		assert.NotErrorIs(t, err, ErrAuthFailure)
	}
}

func TestPreconditionErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("sending message: %w", ErrNoPeer)
	assert.ErrorIs(t, wrapped, ErrNoPeer)
	assert.ErrorIs(t, wrapped, ErrPrecondition)
	assert.NotErrorIs(t, wrapped, ErrNotConnected)
}
