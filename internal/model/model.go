// Package model defines the domain types used across the application.
package model

import "time"

// DeliveryMode defines how accepted entries reach the recipient.
type DeliveryMode string

// Supported delivery modes.
const (
	ModeImmediate DeliveryMode = "immediate"
	ModeDigest    DeliveryMode = "digest"
	ModeOnDemand  DeliveryMode = "on_demand"
)

// SourceType selects how external ids are derived from feed items.
type SourceType string

// Supported source types.
const (
	SourceRSS             SourceType = "rss"
	SourceYouTubeChannel  SourceType = "youtube_channel"
	SourceYouTubePlaylist SourceType = "youtube_playlist"
)

// Channel identifies the delivery path a record was written for.
type Channel string

// Supported delivery channels.
const (
	ChannelImmediate Channel = "immediate"
	ChannelDigest    Channel = "digest"
	ChannelOnDemand  Channel = "on_demand"
)

// DeliveryStatus is the terminal outcome of one delivery attempt.
type DeliveryStatus string

// Supported delivery statuses.
const (
	StatusOK     DeliveryStatus = "ok"
	StatusFailed DeliveryStatus = "failed"
)

// Recipient is a chat that owns subscriptions. Timezone is an IANA zone
// name and drives digest dispatch timing.
type Recipient struct {
	ID        int64
	ChatID    int64
	Timezone  string
	CreatedAt time.Time
}

// Subscription ties one feed URL to one recipient. DigestTime is a local
// "HH:MM" string and is set iff Mode is digest. ETag and LastModified hold
// the validators cached from the last successful fetch.
type Subscription struct {
	ID              int64
	RecipientID     int64
	URL             string
	SourceType      SourceType
	Name            string
	Mode            DeliveryMode
	DigestTime      string
	IntervalMinutes int
	Enabled         bool
	ETag            string
	LastModified    string
	CreatedAt       time.Time
}

// RuleSet holds the filtering rules for one subscription. Empty include
// sets mean blacklist mode: everything not excluded is accepted. Duration
// bounds are in seconds and nil when unset.
type RuleSet struct {
	ID              int64
	SubscriptionID  int64
	IncludeKeywords []string
	ExcludeKeywords []string
	IncludeRegex    []string
	ExcludeRegex    []string
	RequireAll      bool
	CaseSensitive   bool
	Categories      []string
	MinDurationSec  *int
	MaxDurationSec  *int
	CreatedAt       time.Time
}

// Empty reports whether the ruleset constrains anything at all.
func (r *RuleSet) Empty() bool {
	if r == nil {
		return true
	}
	return len(r.IncludeKeywords) == 0 && len(r.ExcludeKeywords) == 0 &&
		len(r.IncludeRegex) == 0 && len(r.ExcludeRegex) == 0 &&
		len(r.Categories) == 0 && r.MinDurationSec == nil && r.MaxDurationSec == nil
}

// Entry is one normalized feed item. (SubscriptionID, ExternalID) is the
// ingestion dedup key. ContentHash detects in-place edits; DurationSec is
// nil when the source does not expose a duration.
type Entry struct {
	ID             int64
	SubscriptionID int64
	ExternalID     string
	Title          string
	Link           string
	Author         string
	PublishedAt    time.Time
	Categories     []string
	ContentHash    string
	DurationSec    *int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeliveryRecord is the immutable outcome of one delivery attempt. At most
// one StatusOK row may exist per (recipient, subscription, entry, channel).
type DeliveryRecord struct {
	ID             int64
	EntryID        int64
	SubscriptionID int64
	RecipientID    int64
	Channel        Channel
	Status         DeliveryStatus
	Error          string
	SentAt         time.Time
}

// FeedState is per-subscription poll and digest bookkeeping.
type FeedState struct {
	SubscriptionID int64
	LastPollAt     *time.Time
	LastDigestAt   *time.Time
}

// DigestDue pairs a digest-mode subscription with its owner for the
// minute bucket scan.
type DigestDue struct {
	Subscription Subscription
	Recipient    Recipient
	LastDigestAt *time.Time
}
