// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"feedrelay/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	GetOrCreateRecipient(ctx context.Context, chatID int64, defaultTZ string) (*model.Recipient, error)
	GetRecipient(ctx context.Context, id int64) (*model.Recipient, error)
	SetRecipientTimezone(ctx context.Context, id int64, tz string) error

	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, recipientID int64) ([]model.Subscription, error)
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]model.Subscription, error)
	ListDigestSubscriptions(ctx context.Context) ([]model.DigestDue, error)
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, id int64) error

	SetRuleSet(ctx context.Context, rs *model.RuleSet) error
	GetRuleSet(ctx context.Context, subscriptionID int64) (*model.RuleSet, error)
	DeleteRuleSet(ctx context.Context, subscriptionID int64) error

	UpsertEntry(ctx context.Context, e *model.Entry) (isNew, changed bool, err error)
	SeedEntries(ctx context.Context, subscriptionID int64, entries []model.Entry) (int, error)
	ListRecentEntries(ctx context.Context, subscriptionID int64, limit int) ([]model.Entry, error)
	ListUndelivered(ctx context.Context, recipientID, subscriptionID int64, channel model.Channel, limit int) ([]model.Entry, error)

	RecordDelivery(ctx context.Context, rec *model.DeliveryRecord) error
	HasOKDelivery(ctx context.Context, recipientID, subscriptionID, entryID int64, channel model.Channel) (bool, error)

	EnqueueDigest(ctx context.Context, subscriptionID, entryID, recipientID int64, at time.Time) error
	ListDigestPending(ctx context.Context, recipientID int64) ([]model.Entry, error)
	DequeueDigest(ctx context.Context, subscriptionID int64, entryIDs []int64) error

	GetFeedState(ctx context.Context, subscriptionID int64) (*model.FeedState, error)
	SetLastPoll(ctx context.Context, subscriptionID int64, at time.Time) error
	SetLastDigest(ctx context.Context, subscriptionID int64, at time.Time) error

	Close() error
}
