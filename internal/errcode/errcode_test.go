package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	sentinel := New(SessionNotFound, "session not found")
	err := fmt.Errorf("lookup: %w", Newf(SessionNotFound, "no session %q", "abc"))

	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, New(SessionExpired, "")))
}

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"coded", New(TooManyNames, "too many"), TooManyNames},
		{"wrapped coded", fmt.Errorf("x: %w", New(NoTrial, "none")), NoTrial},
		{"plain", errors.New("disk full"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Of(tt.err))
		})
	}
}

func TestMessageOf_HidesInternalDetail(t *testing.T) {
	assert.Equal(t, "internal error", MessageOf(errors.New("dial tcp 10.0.0.1:5432: refused")))
	assert.Equal(t, "bad", MessageOf(New(InvalidRequest, "bad")))
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Internal, "store failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "store failed")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindClient, KindOf(MissingSessionToken))
	assert.Equal(t, KindAuth, KindOf(TrialNotAvailable))
	assert.Equal(t, KindState, KindOf(SessionExpired))
	assert.Equal(t, KindInternal, KindOf(Internal))
}
