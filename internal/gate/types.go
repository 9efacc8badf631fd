package gate

import (
	"time"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/model"
	"github.com/fyrsmithlabs/patterngate/internal/validation"
)

// DiscoverRequest opens a session for a task.
type DiscoverRequest struct {
	Credential access.Credential `json:"-"`
	Task       string            `json:"task"`
	Keywords   []string          `json:"keywords,omitempty"`
}

// PatternResult is a disclosed pattern.
type PatternResult struct {
	Name        string `json:"name"`
	Relevance   int    `json:"relevance,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
}

// DiscoverResponse carries the session token and the relevant patterns.
type DiscoverResponse struct {
	Token     string          `json:"token"`
	Patterns  []PatternResult `json:"patterns"`
	CoreRules []string        `json:"coreRules"`
	Message   string          `json:"message"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// FetchRequest asks for patterns by exact name within a session.
type FetchRequest struct {
	Credential access.Credential `json:"-"`
	Token      string            `json:"token"`
	Names      []string          `json:"names"`
}

// FetchResponse reports which names resolved.
type FetchResponse struct {
	Found          []PatternResult `json:"found"`
	NotFound       []string        `json:"notFound"`
	FoundCount     int             `json:"foundCount"`
	RequestedCount int             `json:"requestedCount"`
}

// ValidateRequest submits a completion claim.
type ValidateRequest struct {
	Credential access.Credential `json:"-"`
	Token      string            `json:"token"`
	Claim      validation.Claim  `json:"claim"`
}

// ValidateResponse is the end gate verdict.
type ValidateResponse struct {
	Passed           bool          `json:"passed"`
	Issues           []model.Issue `json:"issues"`
	SessionCompleted bool          `json:"sessionCompleted"`
	Message          string        `json:"message"`
	NextSteps        []string      `json:"nextSteps,omitempty"`
}

// StatusRequest reads a session.
type StatusRequest struct {
	Credential access.Credential `json:"-"`
	Token      string            `json:"token"`
}

// StatusResponse is a read-only view of a session.
type StatusResponse struct {
	Token            string              `json:"token"`
	Task             string              `json:"task"`
	Status           model.SessionStatus `json:"status"`
	StartGatePassed  bool                `json:"startGatePassed"`
	EndGatePassed    bool                `json:"endGatePassed"`
	ValidationPassed bool                `json:"validationPassed"`
	PatternsReturned []string            `json:"patternsReturned"`
	CreatedAt        time.Time           `json:"createdAt"`
	ExpiresAt        time.Time           `json:"expiresAt"`
	IsExpired        bool                `json:"isExpired"`
}
