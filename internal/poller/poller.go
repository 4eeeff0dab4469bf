// Package poller runs the periodic fetch cycle over enabled subscriptions.
package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"feedrelay/internal/delivery"
	"feedrelay/internal/feed"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/model"
	"feedrelay/internal/rules"
	"feedrelay/internal/storage"
)

// Poller scans for due subscriptions every tick and polls each in its own
// goroutine. A weighted semaphore caps the number of in-flight fetches;
// the inFlight set keeps a slow poll from being started again by the next
// scan.
type Poller struct {
	store     storage.Storage
	fetcher   *fetcher.Fetcher
	parser    *feed.Parser
	coord     *delivery.Coordinator
	log       *slog.Logger
	tick      time.Duration
	seedLimit int
	sem       *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[int64]struct{}
	wg       sync.WaitGroup
}

// New creates a Poller polling through the given fetcher and routing new
// entries through coord.
func New(store storage.Storage, f *fetcher.Fetcher, coord *delivery.Coordinator, log *slog.Logger) *Poller {
	return &Poller{
		store:     store,
		fetcher:   f,
		parser:    feed.NewParser(),
		coord:     coord,
		log:       log,
		tick:      1 * time.Minute,
		seedLimit: 50,
		sem:       semaphore.NewWeighted(3),
		inFlight:  make(map[int64]struct{}),
	}
}

// SetTickInterval overrides the default 1-minute scan interval.
func (p *Poller) SetTickInterval(d time.Duration) {
	p.tick = d
}

// SetSeedLimit overrides how many entries a subscription's first poll
// marks as seen.
func (p *Poller) SetSeedLimit(n int) {
	p.seedLimit = n
}

// SetConcurrency overrides the cap on simultaneously in-flight fetches.
func (p *Poller) SetConcurrency(n int64) {
	p.sem = semaphore.NewWeighted(n)
}

// Run starts the scan loop, blocking until ctx is cancelled. Polls still
// in flight are waited for before returning.
func (p *Poller) Run(ctx context.Context) {
	p.scanDue(ctx)

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.scanDue(ctx)
		}
	}
}

func (p *Poller) scanDue(ctx context.Context) {
	subs, err := p.store.ListDueSubscriptions(ctx, time.Now().UTC())
	if err != nil {
		p.log.Error("list due subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		p.start(ctx, sub)
	}
}

func (p *Poller) start(ctx context.Context, sub model.Subscription) {
	p.mu.Lock()
	if _, busy := p.inFlight[sub.ID]; busy {
		p.mu.Unlock()
		return
	}
	p.inFlight[sub.ID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.clear(sub.ID)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		p.pollOne(ctx, sub)
	}()
}

func (p *Poller) clear(subscriptionID int64) {
	p.mu.Lock()
	delete(p.inFlight, subscriptionID)
	p.mu.Unlock()
}

// PollNow runs one poll cycle for the subscription synchronously,
// bypassing the due check but not the in-flight guard or the fetch cap.
// It returns how many new entries were routed for delivery.
func (p *Poller) PollNow(ctx context.Context, sub model.Subscription) (int, error) {
	p.mu.Lock()
	if _, busy := p.inFlight[sub.ID]; busy {
		p.mu.Unlock()
		return 0, fmt.Errorf("subscription %d is already being polled", sub.ID)
	}
	p.inFlight[sub.ID] = struct{}{}
	p.mu.Unlock()
	defer p.clear(sub.ID)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer p.sem.Release(1)

	return p.pollOne(ctx, sub)
}

// pollOne runs one fetch cycle for a subscription: conditional fetch,
// parse, upsert, rule evaluation and routing, in the feed's published
// order. The poll time is stamped on every outcome except a parse or
// storage failure that leaves the cycle unfinished. It returns how many
// new entries were routed.
func (p *Poller) pollOne(ctx context.Context, sub model.Subscription) (int, error) {
	p.log.Debug("polling subscription", "subscription_id", sub.ID, "name", sub.Name)

	res, err := p.fetcher.Fetch(ctx, sub.URL, fetcher.Validators{
		ETag:         sub.ETag,
		LastModified: sub.LastModified,
	})
	if err != nil {
		p.log.Error("fetch feed", "subscription_id", sub.ID, "url", sub.URL, "error", err)
		p.stampPoll(ctx, sub.ID)
		return 0, fmt.Errorf("fetch feed: %w", err)
	}

	switch res.Status {
	case fetcher.StatusUnchanged:
		p.stampPoll(ctx, sub.ID)
		return 0, nil
	case fetcher.StatusGone:
		if err := p.coord.HandleGone(ctx, &sub); err != nil {
			p.log.Error("handle gone feed", "subscription_id", sub.ID, "error", err)
		}
		p.stampPoll(ctx, sub.ID)
		return 0, nil
	}

	parsed, err := p.parser.Parse(res.Body, sub.SourceType)
	if err != nil {
		// Malformed envelope: skip this cycle, leave validators alone so
		// the next poll refetches the full body.
		p.log.Error("parse feed", "subscription_id", sub.ID, "url", sub.URL, "error", err)
		p.stampPoll(ctx, sub.ID)
		return 0, fmt.Errorf("parse feed: %w", err)
	}
	if parsed.Skipped > 0 {
		p.log.Warn("skipped malformed items", "subscription_id", sub.ID, "count", parsed.Skipped)
	}

	// The subscription may have been disabled or removed while the fetch
	// was in flight; discard the results if so.
	current, err := p.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			p.log.Debug("subscription removed mid-poll", "subscription_id", sub.ID)
			return 0, nil
		}
		p.log.Error("reload subscription", "subscription_id", sub.ID, "error", err)
		return 0, err
	}
	if !current.Enabled {
		p.log.Debug("subscription disabled mid-poll", "subscription_id", sub.ID)
		return 0, nil
	}

	current.ETag = res.Validators.ETag
	current.LastModified = res.Validators.LastModified
	if current.Name == "" && parsed.Title != "" {
		current.Name = parsed.Title
	}
	if err := p.store.UpdateSubscription(ctx, current); err != nil {
		p.log.Error("save validators", "subscription_id", sub.ID, "error", err)
	}

	state, err := p.store.GetFeedState(ctx, sub.ID)
	if err != nil {
		p.log.Error("load feed state", "subscription_id", sub.ID, "error", err)
		return 0, err
	}
	if state.LastPollAt == nil {
		// First successful observation of this feed: mark the current
		// window as seen without delivering anything.
		p.seed(ctx, current, parsed.Items)
		p.stampPoll(ctx, sub.ID)
		return 0, nil
	}

	recipient, err := p.store.GetRecipient(ctx, current.RecipientID)
	if err != nil {
		p.log.Error("load recipient", "subscription_id", sub.ID, "error", err)
		return 0, err
	}
	rs, err := p.store.GetRuleSet(ctx, sub.ID)
	if err != nil {
		p.log.Error("load ruleset", "subscription_id", sub.ID, "error", err)
		return 0, err
	}

	routed := 0
	for _, it := range parsed.Items {
		entry := it.Entry(sub.ID)
		isNew, _, err := p.store.UpsertEntry(ctx, &entry)
		if err != nil {
			p.log.Error("upsert entry", "subscription_id", sub.ID, "external_id", it.ExternalID, "error", err)
			continue
		}
		if !isNew {
			continue
		}

		accepted := rules.Evaluate(rules.Item{
			Title:       entry.Title,
			Description: it.Description,
			Categories:  entry.Categories,
			DurationSec: entry.DurationSec,
		}, rs)
		if !accepted {
			continue
		}

		if err := p.coord.Route(ctx, current, recipient, &entry, it.Description); err != nil {
			p.log.Error("route entry", "subscription_id", sub.ID, "entry_id", entry.ID, "error", err)
			continue
		}
		routed++
	}

	if routed > 0 {
		p.log.Info("routed new entries", "subscription_id", sub.ID, "name", current.Name, "count", routed)
	}

	p.stampPoll(ctx, sub.ID)
	return routed, nil
}

func (p *Poller) seed(ctx context.Context, sub *model.Subscription, items []feed.Item) {
	if len(items) > p.seedLimit {
		items = items[len(items)-p.seedLimit:]
	}

	entries := make([]model.Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, it.Entry(sub.ID))
	}

	n, err := p.store.SeedEntries(ctx, sub.ID, entries)
	if err != nil {
		p.log.Error("seed entries", "subscription_id", sub.ID, "error", err)
		return
	}
	p.log.Info("seeded subscription", "subscription_id", sub.ID, "name", sub.Name, "count", n)
}

func (p *Poller) stampPoll(ctx context.Context, subscriptionID int64) {
	if err := p.store.SetLastPoll(ctx, subscriptionID, time.Now().UTC()); err != nil {
		p.log.Error("stamp poll time", "subscription_id", subscriptionID, "error", err)
	}
}
