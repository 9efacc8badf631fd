package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusActive, true},
		{StatusCompleted, StatusActive, false},
		{StatusCompleted, StatusExpired, false},
		{StatusExpired, StatusActive, false},
		{StatusExpired, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSession_Transition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("completion requires both gates", func(t *testing.T) {
		s := &Session{Status: StatusActive, StartGatePassed: true}
		err := s.Transition(StatusCompleted, now)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusActive, s.Status)

		s.ValidationPassed = true
		require.NoError(t, s.Transition(StatusCompleted, now))
		assert.Equal(t, StatusCompleted, s.Status)
		require.NotNil(t, s.CompletedAt)
		assert.Equal(t, now, *s.CompletedAt)
	})

	t.Run("expired never reactivates", func(t *testing.T) {
		s := &Session{Status: StatusExpired}
		require.ErrorIs(t, s.Transition(StatusActive, now), ErrInvalidTransition)
	})
}

func TestSession_IsExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{Status: StatusActive, CreatedAt: created, ExpiresAt: created.Add(time.Hour)}

	assert.False(t, s.IsExpired(created.Add(time.Hour)))
	assert.True(t, s.IsExpired(created.Add(time.Hour+time.Second)))
	assert.Equal(t, StatusExpired, s.EffectiveStatus(created.Add(2*time.Hour)))

	s.Status = StatusCompleted
	assert.False(t, s.IsExpired(created.Add(48*time.Hour)))
}

func TestSession_CloneIsDeep(t *testing.T) {
	at := time.Now()
	s := &Session{
		PatternsReturned: []string{"a"},
		LastValidatedAt:  &at,
		LastResult:       &ValidationResult{Issues: []Issue{{Code: "x"}}},
	}
	c := s.Clone()
	c.PatternsReturned[0] = "b"
	c.LastResult.Issues[0].Code = "y"

	assert.Equal(t, "a", s.PatternsReturned[0])
	assert.Equal(t, "x", s.LastResult.Issues[0].Code)
	assert.NotSame(t, s.LastValidatedAt, c.LastValidatedAt)
}

func TestTrialRecord_EffectiveStage(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := &TrialRecord{Stage: StageAnonymous, StartedAt: start, ExpiresAt: start.Add(7 * 24 * time.Hour)}

	assert.Equal(t, StageAnonymous, r.EffectiveStage(start.Add(24*time.Hour)))
	assert.Equal(t, StageExpired, r.EffectiveStage(start.Add(8*24*time.Hour)))

	r.Stage = StageExtended
	assert.Equal(t, StageExpired, r.EffectiveStage(start.Add(8*24*time.Hour)))

	r.Stage = StageConverted
	assert.Equal(t, StageConverted, r.EffectiveStage(start.Add(365*24*time.Hour)))
}
