// Package model holds the records shared by the gate orchestrator, the trial
// ledger and the storage backends.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change would move a record backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// SessionStatus is the lifecycle state of an enforcement session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
)

// Terminal reports whether no transition can leave this status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	return s == StatusActive && (next == StatusCompleted || next == StatusExpired)
}

// Issue is a single itemized validation failure.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the stored outcome of the latest validate call.
type ValidationResult struct {
	Passed      bool      `json:"passed"`
	Issues      []Issue   `json:"issues"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Session is an enforcement session binding one unit of agent work to its gate state.
type Session struct {
	Token   string        `json:"token"`
	Task    string        `json:"task"`
	Subject string        `json:"subject,omitempty"`
	Status  SessionStatus `json:"status"`

	StartGatePassed  bool `json:"startGatePassed"`
	EndGatePassed    bool `json:"endGatePassed"`
	ValidationPassed bool `json:"validationPassed"`

	PatternsReturned   []string          `json:"patternsReturned"`
	PatternsFetched    []string          `json:"patternsFetched,omitempty"`
	ValidationAttempts int               `json:"validationAttempts"`
	LastResult         *ValidationResult `json:"lastResult,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	LastValidatedAt *time.Time `json:"lastValidatedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`

	// Version increments on every persisted write.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.PatternsReturned = append([]string(nil), s.PatternsReturned...)
	c.PatternsFetched = append([]string(nil), s.PatternsFetched...)
	if s.LastResult != nil {
		r := *s.LastResult
		r.Issues = append([]Issue(nil), s.LastResult.Issues...)
		c.LastResult = &r
	}
	if s.LastValidatedAt != nil {
		t := *s.LastValidatedAt
		c.LastValidatedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// IsExpired reports whether the session is expired, either stored or by time.
// Completed sessions never expire.
func (s *Session) IsExpired(now time.Time) bool {
	switch s.Status {
	case StatusExpired:
		return true
	case StatusActive:
		return now.After(s.ExpiresAt)
	default:
		return false
	}
}

// EffectiveStatus is the status a reader should see at now.
func (s *Session) EffectiveStatus(now time.Time) SessionStatus {
	if s.IsExpired(now) {
		return StatusExpired
	}
	return s.Status
}

// LastActivity is the reference point for staleness checks.
func (s *Session) LastActivity() time.Time {
	if s.LastValidatedAt != nil {
		return *s.LastValidatedAt
	}
	return s.CreatedAt
}

// Transition moves the session to next, enforcing the forward-only lifecycle
// and the completion precondition.
func (s *Session) Transition(next SessionStatus, now time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	if next == StatusCompleted && s.Status != StatusCompleted {
		if !s.StartGatePassed || !s.ValidationPassed {
			return fmt.Errorf("%w: completion requires start gate and validation", ErrInvalidTransition)
		}
		completed := now
		s.CompletedAt = &completed
	}
	s.Status = next
	return nil
}
