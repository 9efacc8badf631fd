package model

import "time"

// TrialStage is the stored or derived stage of a device trial.
type TrialStage string

const (
	StageAnonymous TrialStage = "anonymous"
	StageExtended  TrialStage = "extended"
	StageExpired   TrialStage = "expired"
	StageConverted TrialStage = "converted"
)

// TrialMeta is caller context captured when a trial starts.
type TrialMeta struct {
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	Platform      string `json:"platform,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// TrialRecord tracks the free trial of one device hash.
type TrialRecord struct {
	TrialID    string     `json:"trialId"`
	DeviceHash string     `json:"deviceHash"`
	Stage      TrialStage `json:"stage"`
	StartedAt  time.Time  `json:"startedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`

	Flagged    bool   `json:"flagged"`
	FlagReason string `json:"flagReason,omitempty"`

	Meta          TrialMeta  `json:"meta"`
	ExtendedAt    *time.Time `json:"extendedAt,omitempty"`
	ConvertedAt   *time.Time `json:"convertedAt,omitempty"`
	ConversionRef string     `json:"conversionRef,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a copy that shares no pointers with r.
func (r *TrialRecord) Clone() *TrialRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExtendedAt != nil {
		t := *r.ExtendedAt
		c.ExtendedAt = &t
	}
	if r.ConvertedAt != nil {
		t := *r.ConvertedAt
		c.ConvertedAt = &t
	}
	return &c
}

// EffectiveStage derives the stage at now. Expiry is a view over the stored
// timestamps; converted trials never expire.
func (r *TrialRecord) EffectiveStage(now time.Time) TrialStage {
	switch r.Stage {
	case StageConverted, StageExpired:
		return r.Stage
	}
	if now.After(r.ExpiresAt) {
		return StageExpired
	}
	return r.Stage
}
