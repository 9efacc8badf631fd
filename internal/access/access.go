// Package access decides whether a caller may use the gate.
//
// A caller presents either a subscription API key or a device hash. Keys are
// matched by SHA-256 against the configured subscriptions; device hashes are
// answered by the trial ledger.
package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/patterngate/internal/config"
	"github.com/fyrsmithlabs/patterngate/internal/errcode"
	"github.com/fyrsmithlabs/patterngate/internal/trial"
)

// Credential is what a caller presents.
type Credential struct {
	APIKey     string
	DeviceHash string
}

// Kind says which credential granted access.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindTrial        Kind = "trial"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// Reason is set when Allowed is false.
	Reason  errcode.Code
	Subject string
	Kind    Kind
	Trial   *trial.Status
}

// Err converts a denial into a coded error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errcode.New(d.Reason, denialMessage(d.Reason))
}

func denialMessage(c errcode.Code) string {
	switch c {
	case errcode.MissingCredential:
		return "an API key or device hash is required"
	case errcode.InvalidAPIKey:
		return "the API key is not recognised"
	case errcode.AccountSuspended:
		return "the subscription for this API key is suspended"
	case errcode.NoTrial:
		return "no trial exists for this device; start one first"
	case errcode.TrialExpired:
		return "the trial for this device has expired; subscribe to continue"
	case errcode.TrialNotAvailable:
		return "a trial is not available for this device"
	default:
		return "access denied"
	}
}

// Authorizer is consulted by the gate before every operation.
type Authorizer interface {
	Authorize(ctx context.Context, cred Credential) (Decision, error)
}

// TrialStatuser is the part of the trial ledger the checker reads.
type TrialStatuser interface {
	Status(ctx context.Context, deviceHash string) (*trial.Status, error)
}

// Subscription is a known API key holder.
type Subscription struct {
	Subject   string
	Suspended bool
}

// Checker implements Authorizer over static subscriptions and the trial ledger.
type Checker struct {
	subs   map[string]Subscription
	trials TrialStatuser
}

// HashKey returns the lowercase hex SHA-256 of key, the form subscriptions are configured in.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewChecker builds a Checker. trials may be nil, in which case device
// credentials are always refused with NO_TRIAL.
func NewChecker(subs []config.SubscriptionConfig, trials TrialStatuser) (*Checker, error) {
	c := &Checker{subs: make(map[string]Subscription, len(subs)), trials: trials}
	for i, s := range subs {
		h := strings.ToLower(strings.TrimSpace(s.KeySHA256))
		if len(h) != sha256.Size*2 {
			return nil, fmt.Errorf("access.subscriptions[%d]: key_sha256 must be 64 hex characters", i)
		}
		c.subs[h] = Subscription{Subject: s.Subject, Suspended: s.Status == "suspended"}
	}
	return c, nil
}

// Authorize implements Authorizer. An API key takes precedence over a device hash.
func (c *Checker) Authorize(ctx context.Context, cred Credential) (Decision, error) {
	switch {
	case cred.APIKey != "":
		sub, ok := c.subs[HashKey(cred.APIKey)]
		if !ok {
			return Decision{Reason: errcode.InvalidAPIKey, Kind: KindSubscription}, nil
		}
		if sub.Suspended {
			return Decision{Reason: errcode.AccountSuspended, Kind: KindSubscription, Subject: sub.Subject}, nil
		}
		return Decision{Allowed: true, Kind: KindSubscription, Subject: sub.Subject}, nil

	case cred.DeviceHash != "":
		d := Decision{Kind: KindTrial, Subject: "device:" + cred.DeviceHash}
		if c.trials == nil {
			d.Reason = errcode.NoTrial
			return d, nil
		}
		st, err := c.trials.Status(ctx, cred.DeviceHash)
		if err != nil {
			var coded *errcode.Error
			if errors.As(err, &coded) && coded.Code == errcode.NoTrial {
				d.Reason = errcode.NoTrial
				return d, nil
			}
			return Decision{}, fmt.Errorf("checking trial: %w", err)
		}
		d.Trial = st
		switch {
		case st.Flagged:
			d.Reason = errcode.TrialNotAvailable
		case !st.CanAccessPatterns:
			d.Reason = errcode.TrialExpired
		default:
			d.Allowed = true
		}
		return d, nil

	default:
		return Decision{Reason: errcode.MissingCredential}, nil
	}
}

// AllowAll grants every request. It backs single-user local deployments and tests.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(_ context.Context, cred Credential) (Decision, error) {
	subject := "local"
	if cred.DeviceHash != "" {
		subject = "device:" + cred.DeviceHash
	}
	return Decision{Allowed: true, Kind: KindSubscription, Subject: subject}, nil
}
