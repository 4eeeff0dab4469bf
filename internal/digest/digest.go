// Package digest batches entries queued for digest delivery and sends
// them at each recipient's local dispatch time.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"feedrelay/internal/delivery"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
)

const (
	minuteSpec            = "* * * * *"
	timezone              = "UTC"
	timezoneOffsetSeconds = 0

	defaultMaxItems = 20
	defaultMaxChars = 3500
)

// Aggregator drains per-recipient digest queues into rendered batches.
// A minute scan picks the subscriptions whose local dispatch time matches
// the current minute; all due subscriptions of one recipient are drained
// in a single pass.
type Aggregator struct {
	store    storage.Storage
	coord    *delivery.Coordinator
	log      *slog.Logger
	cron     *cron.Cron
	maxItems int
	maxChars int
}

func New(store storage.Storage, coord *delivery.Coordinator, log *slog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		coord:    coord,
		log:      log,
		cron:     cron.New(cron.WithLocation(time.FixedZone(timezone, timezoneOffsetSeconds))),
		maxItems: defaultMaxItems,
		maxChars: defaultMaxChars,
	}
}

// SetPageLimits overrides the per-page item and character caps.
func (a *Aggregator) SetPageLimits(items, chars int) {
	a.maxItems = items
	a.maxChars = chars
}

// Start schedules the minute scan. ctx is passed to the storage and send
// calls made by scheduled ticks.
func (a *Aggregator) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc(minuteSpec, func() {
		a.Tick(ctx, time.Now())
	}); err != nil {
		return fmt.Errorf("schedule digest scan: %w", err)
	}

	a.cron.Start()
	return nil
}

// Stop halts the minute scan. A tick already running is not interrupted.
func (a *Aggregator) Stop() {
	a.cron.Stop()
}

// Tick runs one minute pass: every digest subscription whose local
// dispatch time matches now and that has not dispatched today is grouped
// with the rest of its recipient's due subscriptions and drained as one
// batch.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) {
	due, err := a.store.ListDigestSubscriptions(ctx)
	if err != nil {
		a.log.Error("list digest subscriptions", "error", err)
		return
	}

	batches := make(map[int64][]model.Subscription)
	recipients := make(map[int64]model.Recipient)
	for _, d := range due {
		loc, err := recipientLocation(d.Recipient.Timezone)
		if err != nil {
			a.log.Error("load recipient timezone",
				"recipient_id", d.Recipient.ID,
				"timezone", d.Recipient.Timezone,
				"error", err)
			continue
		}

		hour, minute, err := ParseTime(d.Subscription.DigestTime)
		if err != nil {
			a.log.Error("bad digest time",
				"subscription_id", d.Subscription.ID,
				"digest_time", d.Subscription.DigestTime,
				"error", err)
			continue
		}

		local := now.In(loc)
		if local.Hour() != hour || local.Minute() != minute {
			continue
		}
		if d.LastDigestAt != nil && sameLocalDay(*d.LastDigestAt, now, loc) {
			continue
		}

		batches[d.Recipient.ID] = append(batches[d.Recipient.ID], d.Subscription)
		recipients[d.Recipient.ID] = d.Recipient
	}

	for recipientID, subs := range batches {
		recipient := recipients[recipientID]
		if _, err := a.dispatch(ctx, &recipient, subs, now); err != nil {
			a.log.Error("dispatch digest", "recipient_id", recipientID, "error", err)
		}
	}
}

// DispatchNow drains the digest queue for one subscription, or for all of
// the recipient's digest subscriptions when subscriptionID is 0. It reuses
// the scheduled dispatch path, so it counts toward the once-per-day stamp.
// Returns the number of entries delivered.
func (a *Aggregator) DispatchNow(ctx context.Context, recipient *model.Recipient, subscriptionID int64) (int, error) {
	subs, err := a.store.ListSubscriptions(ctx, recipient.ID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	var picked []model.Subscription
	for _, s := range subs {
		if s.Mode != model.ModeDigest {
			continue
		}
		if subscriptionID != 0 && s.ID != subscriptionID {
			continue
		}
		picked = append(picked, s)
	}
	if subscriptionID != 0 && len(picked) == 0 {
		return 0, fmt.Errorf("subscription %d is not in digest mode", subscriptionID)
	}

	return a.dispatch(ctx, recipient, picked, time.Now())
}

// dispatch renders and sends the pending entries of subs as one paged
// digest, writes a delivery record per attempted entry and dequeues it.
// Every listed subscription gets its last-digest stamp even when nothing
// was pending, so the scheduled scan fires at most once per local day.
func (a *Aggregator) dispatch(ctx context.Context, recipient *model.Recipient, subs []model.Subscription, now time.Time) (int, error) {
	if len(subs) == 0 {
		return 0, nil
	}

	names := make(map[int64]string, len(subs))
	for _, s := range subs {
		names[s.ID] = s.Name
	}

	pending, err := a.store.ListDigestPending(ctx, recipient.ID)
	if err != nil {
		return 0, fmt.Errorf("list digest pending: %w", err)
	}

	var batch []model.Entry
	for _, e := range pending {
		if _, ok := names[e.SubscriptionID]; !ok {
			continue
		}

		delivered, err := a.store.HasOKDelivery(ctx, recipient.ID, e.SubscriptionID, e.ID, model.ChannelDigest)
		if err != nil {
			return 0, fmt.Errorf("check delivery: %w", err)
		}
		if delivered {
			// Sent before a crash interrupted the dequeue. Drop it.
			if err := a.store.DequeueDigest(ctx, e.SubscriptionID, []int64{e.ID}); err != nil {
				return 0, fmt.Errorf("dequeue stale entry: %w", err)
			}
			continue
		}

		batch = append(batch, e)
	}

	// A page that fails after the coordinator's retries is recorded as
	// failed and dropped from the queue; pages never attempted stay
	// queued for the next dispatch.
	sent := 0
	var sendErr error
	for _, page := range Paginate(batch, names, a.maxItems, a.maxChars) {
		sendErr = a.coord.Send(ctx, recipient.ChatID, page.Text)

		status := model.StatusOK
		detail := ""
		if sendErr != nil {
			status = model.StatusFailed
			detail = sendErr.Error()
		}
		for i := range page.Entries {
			e := &page.Entries[i]
			rec := &model.DeliveryRecord{
				EntryID:        e.ID,
				SubscriptionID: e.SubscriptionID,
				RecipientID:    recipient.ID,
				Channel:        model.ChannelDigest,
				Status:         status,
				Error:          detail,
				SentAt:         now,
			}
			if err := a.store.RecordDelivery(ctx, rec); err != nil {
				return sent, fmt.Errorf("record delivery: %w", err)
			}
		}

		bySub := make(map[int64][]int64)
		for _, e := range page.Entries {
			bySub[e.SubscriptionID] = append(bySub[e.SubscriptionID], e.ID)
		}
		for subID, ids := range bySub {
			if err := a.store.DequeueDigest(ctx, subID, ids); err != nil {
				return sent, fmt.Errorf("dequeue digest: %w", err)
			}
		}

		if sendErr != nil {
			break
		}
		sent += len(page.Entries)
	}

	for _, s := range subs {
		if err := a.store.SetLastDigest(ctx, s.ID, now); err != nil {
			return sent, fmt.Errorf("stamp digest time: %w", err)
		}
	}

	if sendErr != nil {
		return sent, fmt.Errorf("send digest to chat %d: %w", recipient.ChatID, sendErr)
	}
	return sent, nil
}

// ParseTime parses a local dispatch time in "HH:MM" form.
func ParseTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse digest time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

func recipientLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func sameLocalDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
