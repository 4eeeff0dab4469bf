// Package delivery routes accepted entries by subscription mode and owns
// the delivery dedup records.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"feedrelay/internal/model"
	"feedrelay/internal/rules"
	"feedrelay/internal/storage"
)

// Coordinator decides what happens to each newly-seen, accepted entry and
// guarantees at most one successful delivery per (recipient, subscription,
// entry, channel).
type Coordinator struct {
	store storage.Storage
	sink  Sink
	log   *slog.Logger

	maxAttempts  int
	initialDelay time.Duration
	sendGap      time.Duration
}

// New creates a Coordinator with default retry settings.
func New(store storage.Storage, sink Sink, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:        store,
		sink:         sink,
		log:          log,
		maxAttempts:  4,
		initialDelay: time.Second,
		sendGap:      50 * time.Millisecond,
	}
}

// SetMaxAttempts overrides the send attempt budget.
func (c *Coordinator) SetMaxAttempts(n int) {
	if n > 0 {
		c.maxAttempts = n
	}
}

// SetInitialDelay overrides the first retry delay.
func (c *Coordinator) SetInitialDelay(d time.Duration) {
	c.initialDelay = d
}

// SetSendGap overrides the pacing pause between consecutive sends.
func (c *Coordinator) SetSendGap(d time.Duration) {
	c.sendGap = d
}

// Route dispatches one newly-seen, accepted entry according to the
// subscription's mode. description is the transient item text used for
// immediate notifications only.
func (c *Coordinator) Route(ctx context.Context, sub *model.Subscription, recipient *model.Recipient, entry *model.Entry, description string) error {
	switch sub.Mode {
	case model.ModeImmediate:
		text := FormatNotification(sub.Name, entry.Title, description, entry.Link)
		_, err := c.Deliver(ctx, sub, recipient, entry, model.ChannelImmediate, text)
		return err
	case model.ModeDigest:
		return c.store.EnqueueDigest(ctx, sub.ID, entry.ID, recipient.ID, time.Now().UTC())
	case model.ModeOnDemand:
		// The persisted entry row is the held state; nothing to do until
		// an explicit pull.
		return nil
	default:
		return fmt.Errorf("unknown delivery mode %q", sub.Mode)
	}
}

// Deliver sends text for one entry on one channel under the dedup guard.
// It returns true when a new ok record was written and false when the
// entry had already been delivered on that channel. A final send failure
// is recorded as a failed delivery and returned.
func (c *Coordinator) Deliver(ctx context.Context, sub *model.Subscription, recipient *model.Recipient, entry *model.Entry, channel model.Channel, text string) (bool, error) {
	already, err := c.store.HasOKDelivery(ctx, recipient.ID, sub.ID, entry.ID, channel)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	if already {
		return false, nil
	}

	if sendErr := c.Send(ctx, recipient.ChatID, text); sendErr != nil {
		rec := &model.DeliveryRecord{
			EntryID:        entry.ID,
			SubscriptionID: sub.ID,
			RecipientID:    recipient.ID,
			Channel:        channel,
			Status:         model.StatusFailed,
			Error:          sendErr.Error(),
			SentAt:         time.Now().UTC(),
		}
		if err := c.store.RecordDelivery(ctx, rec); err != nil {
			c.log.Error("record failed delivery", "entry_id", entry.ID, "error", err)
		}
		c.log.Error("delivery failed",
			"subscription_id", sub.ID, "entry_id", entry.ID, "channel", channel, "error", sendErr)
		return false, sendErr
	}

	rec := &model.DeliveryRecord{
		EntryID:        entry.ID,
		SubscriptionID: sub.ID,
		RecipientID:    recipient.ID,
		Channel:        channel,
		Status:         model.StatusOK,
		SentAt:         time.Now().UTC(),
	}
	if err := c.store.RecordDelivery(ctx, rec); err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return true, nil
}

// Send delivers text to chatID, retrying transient failures with
// exponential backoff and jitter up to the attempt budget. A retry-after
// hint from the sink extends the computed delay when it is longer. Each
// successful send is followed by the pacing gap.
func (c *Coordinator) Send(ctx context.Context, chatID int64, text string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialDelay
	bo.RandomizationFactor = 0.3

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			var te *TransientError
			if errors.As(lastErr, &te) && te.RetryAfter > delay {
				delay = te.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.sink.Send(ctx, chatID, text)
		if lastErr == nil {
			c.pace()
			return nil
		}
		var pe *PermanentError
		if errors.As(lastErr, &pe) {
			return lastErr
		}
	}
	return fmt.Errorf("send failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// Pull delivers held entries of an on-demand subscription, oldest first,
// skipping anything already delivered on the on_demand channel. Entries
// are checked against the current ruleset. Returns how many were sent.
func (c *Coordinator) Pull(ctx context.Context, sub *model.Subscription, recipient *model.Recipient, limit int) (int, error) {
	entries, err := c.store.ListUndelivered(ctx, recipient.ID, sub.ID, model.ChannelOnDemand, limit)
	if err != nil {
		return 0, fmt.Errorf("list undelivered: %w", err)
	}
	rs, err := c.store.GetRuleSet(ctx, sub.ID)
	if err != nil {
		return 0, fmt.Errorf("get ruleset: %w", err)
	}

	sent := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		item := rules.Item{Title: e.Title, Categories: e.Categories, DurationSec: e.DurationSec}
		if !rules.Evaluate(item, rs) {
			continue
		}
		text := FormatNotification(sub.Name, e.Title, "", e.Link)
		delivered, err := c.Deliver(ctx, sub, recipient, e, model.ChannelOnDemand, text)
		if err != nil {
			return sent, err
		}
		if delivered {
			sent++
		}
	}
	return sent, nil
}

// Backfill re-routes up to limit recent entries as if they were newly
// seen, honoring the current ruleset. The dedup guard and the idempotent
// digest queue keep repeated backfills one-time. Returns how many entries
// were routed.
func (c *Coordinator) Backfill(ctx context.Context, sub *model.Subscription, recipient *model.Recipient, limit int) (int, error) {
	entries, err := c.store.ListRecentEntries(ctx, sub.ID, limit)
	if err != nil {
		return 0, fmt.Errorf("list recent entries: %w", err)
	}
	rs, err := c.store.GetRuleSet(ctx, sub.ID)
	if err != nil {
		return 0, fmt.Errorf("get ruleset: %w", err)
	}

	routed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		item := rules.Item{Title: e.Title, Categories: e.Categories, DurationSec: e.DurationSec}
		if !rules.Evaluate(item, rs) {
			continue
		}
		switch sub.Mode {
		case model.ModeImmediate:
			text := FormatNotification(sub.Name, e.Title, "", e.Link)
			delivered, err := c.Deliver(ctx, sub, recipient, e, model.ChannelImmediate, text)
			if err != nil {
				return routed, err
			}
			if delivered {
				routed++
			}
		case model.ModeDigest:
			if err := c.store.EnqueueDigest(ctx, sub.ID, e.ID, recipient.ID, time.Now().UTC()); err != nil {
				return routed, err
			}
			routed++
		case model.ModeOnDemand:
			// Already held; a pull will pick it up.
		}
	}
	return routed, nil
}

// HandleGone disables a subscription whose source is permanently removed
// and notifies the owner. The notification fires only on the enabled →
// disabled transition, so it is produced exactly once.
func (c *Coordinator) HandleGone(ctx context.Context, sub *model.Subscription) error {
	if !sub.Enabled {
		return nil
	}
	sub.Enabled = false
	if err := c.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("disable subscription: %w", err)
	}
	c.log.Warn("subscription source gone", "subscription_id", sub.ID, "url", sub.URL)

	recipient, err := c.store.GetRecipient(ctx, sub.RecipientID)
	if err != nil {
		return fmt.Errorf("get recipient: %w", err)
	}
	text := FormatGoneNotice(sub)
	if err := c.Send(ctx, recipient.ChatID, text); err != nil {
		c.log.Error("notify source gone", "subscription_id", sub.ID, "error", err)
	}
	return nil
}

func (c *Coordinator) pace() {
	// Rate limit: ~20 messages/sec max for Telegram.
	time.Sleep(c.sendGap)
}
