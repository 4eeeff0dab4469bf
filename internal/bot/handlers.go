package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedrelay/internal/fetcher"
	"feedrelay/internal/model"
	"feedrelay/internal/rules"
	"feedrelay/internal/youtube"
)

// defaultPullLimit is how many held entries /pull delivers when no count
// is given.
const defaultPullLimit = 5

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to FeedRelay!

Subscribe to RSS/Atom feeds and YouTube channels, filter entries with
rules, and choose how they reach you: immediately, bundled into a daily
digest, or held until you pull them.

Quick start:
1. /add <url> — subscribe to a feed
2. /setrules <id> {"exclude_keywords":["shorts"]} — filter entries
3. /setmode <id> digest time=20:00 — switch to a daily digest

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Subscriptions:
/add <url> [mode=...] [name=...] [interval=N] [time=HH:MM] — subscribe to a feed
/channel <id|@handle|url> — subscribe to a YouTube channel
/playlist <id|url> — subscribe to a YouTube playlist
/list — show all subscriptions
/info <id> — subscription details
/remove <id> — delete a subscription
/rename <id> <name> — rename a subscription
/interval <id> <min> — set poll interval (1-1440)
/mute <id> — pause polling and delivery
/unmute <id> — resume a muted subscription

Delivery:
/setmode <id> <immediate|digest|on_demand> [time=HH:MM] — change delivery mode
/digest [id|all] — send pending digest entries now
/pull <id> [n] — deliver held entries of an on-demand subscription
/backfill <id> [n] — deliver or queue the latest stored entries
/check <id> — poll a subscription now
/tz <zone> — set your timezone for digest scheduling

Rules:
/setrules <id> <json> — replace the subscription's rules
/setrules <id> clear — remove all rules
/rules <id> — show the subscription's rules`)
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	a, err := ParseAddArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	b.subscribe(ctx, chatID, a, model.SourceRSS, a.Target)
}

func (b *Bot) handleChannel(ctx context.Context, chatID int64, args string) {
	a, err := ParseSourceArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /channel <id|@handle|url> [mode=...] [name=...] [interval=N] [time=HH:MM]")
		return
	}

	channelID, err := b.resolver.ResolveChannelID(ctx, a.Target)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Could not resolve channel: %v", err))
		return
	}
	b.subscribe(ctx, chatID, a, model.SourceYouTubeChannel, youtube.ChannelFeedURL(channelID))
}

func (b *Bot) handlePlaylist(ctx context.Context, chatID int64, args string) {
	a, err := ParseSourceArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /playlist <id|url> [mode=...] [name=...] [interval=N] [time=HH:MM]")
		return
	}

	playlistID, err := youtube.PlaylistID(a.Target)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Could not resolve playlist: %v", err))
		return
	}
	b.subscribe(ctx, chatID, a, model.SourceYouTubePlaylist, youtube.PlaylistFeedURL(playlistID))
}

// subscribe validates the feed with one unconditional fetch, saves the
// subscription and marks the feed's current window as seen so only
// entries published afterwards get delivered.
func (b *Bot) subscribe(ctx context.Context, chatID int64, a AddArgs, st model.SourceType, feedURL string) {
	recipient, err := b.store.GetOrCreateRecipient(ctx, chatID, b.cfg.DefaultTimezone)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	res, err := b.fetcher.Fetch(ctx, feedURL, fetcher.Validators{})
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to fetch feed: %v", err))
		return
	}
	if res.Status == fetcher.StatusGone {
		b.reply(chatID, "The feed reports it is gone (HTTP 404/410).")
		return
	}

	parsed, err := b.parser.Parse(res.Body, st)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to parse feed: %v", err))
		return
	}

	mode := a.Mode
	if mode == "" {
		mode = model.ModeImmediate
	}
	digestTime := ""
	if mode == model.ModeDigest {
		digestTime = a.DigestTime
		if digestTime == "" {
			digestTime = b.cfg.DefaultDigestTime
		}
	}
	interval := a.IntervalMinutes
	if interval == 0 {
		interval = b.cfg.DefaultPollIntervalMin
	}
	name := a.Name
	if name == "" {
		name = parsed.Title
	}
	if name == "" {
		name = feedURL
	}

	sub := &model.Subscription{
		RecipientID:     recipient.ID,
		URL:             feedURL,
		SourceType:      st,
		Name:            name,
		Mode:            mode,
		DigestTime:      digestTime,
		IntervalMinutes: interval,
		Enabled:         true,
		ETag:            res.Validators.ETag,
		LastModified:    res.Validators.LastModified,
	}
	if err := b.store.CreateSubscription(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save subscription: %v", err))
		return
	}

	items := parsed.Items
	if len(items) > b.cfg.SeedRecentN {
		items = items[len(items)-b.cfg.SeedRecentN:]
	}
	entries := make([]model.Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, it.Entry(sub.ID))
	}
	if _, err := b.store.SeedEntries(ctx, sub.ID, entries); err != nil {
		b.log.Error("seed entries", "subscription_id", sub.ID, "error", err)
	}
	if err := b.store.SetLastPoll(ctx, sub.ID, time.Now().UTC()); err != nil {
		b.log.Error("stamp poll time", "subscription_id", sub.ID, "error", err)
	}

	b.reply(chatID, fmt.Sprintf("Subscribed!\n#%d %s [%s] (every %d min)\nURL: %s\nUse /setrules %d <json> to filter entries.",
		sub.ID, sub.Name, modeLabel(sub), sub.IntervalMinutes, sub.URL, sub.ID))
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	recipient, err := b.store.GetOrCreateRecipient(ctx, chatID, b.cfg.DefaultTimezone)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	subs, err := b.store.ListSubscriptions(ctx, recipient.ID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	counts := make(map[int64]int)
	for _, s := range subs {
		rs, _ := b.store.GetRuleSet(ctx, s.ID)
		counts[s.ID] = ruleCount(rs)
	}

	b.sendSubscriptionList(chatID, FormatSubscriptionList(subs, counts), subs)
}

func (b *Bot) handleInfo(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /info <id>")
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	rs, _ := b.store.GetRuleSet(ctx, sub.ID)
	state, _ := b.store.GetFeedState(ctx, sub.ID)
	b.reply(chatID, FormatSubscriptionInfo(sub, rs, state))
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <id>")
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}
	b.sendRemoveConfirm(chatID, sub)
}

// removeSubscription performs the deletion behind the confirmation
// keyboard. Entries, rules and delivery history go with the row.
func (b *Bot) removeSubscription(ctx context.Context, chatID, id int64) {
	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	if err := b.store.DeleteSubscription(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error deleting subscription: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Subscription #%d \"%s\" removed.", id, sub.Name))
}

func (b *Bot) handleRename(ctx context.Context, chatID int64, args string) {
	id, name, err := ParseRenameArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	sub.Name = name
	if err := b.store.UpdateSubscription(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Subscription #%d renamed to \"%s\".", id, name))
}

func (b *Bot) handleInterval(ctx context.Context, chatID int64, args string) {
	id, mins, err := ParseIntervalArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	sub.IntervalMinutes = mins
	if err := b.store.UpdateSubscription(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Subscription #%d interval set to %d min.", id, mins))
}

func (b *Bot) handleMute(ctx context.Context, chatID int64, args string) {
	b.setEnabled(ctx, chatID, args, false, "Usage: /mute <id>")
}

func (b *Bot) handleUnmute(ctx context.Context, chatID int64, args string) {
	b.setEnabled(ctx, chatID, args, true, "Usage: /unmute <id>")
}

func (b *Bot) setEnabled(ctx context.Context, chatID int64, args string, enabled bool, usage string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, usage)
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	sub.Enabled = enabled
	if err := b.store.UpdateSubscription(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if enabled {
		b.reply(chatID, fmt.Sprintf("Subscription #%d \"%s\" unmuted.", id, sub.Name))
	} else {
		b.reply(chatID, fmt.Sprintf("Subscription #%d \"%s\" muted.", id, sub.Name))
	}
}

func (b *Bot) handleSetMode(ctx context.Context, chatID int64, args string) {
	id, mode, digestTime, err := ParseSetModeArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	sub.Mode = mode
	if mode == model.ModeDigest {
		if digestTime == "" {
			digestTime = b.cfg.DefaultDigestTime
		}
		sub.DigestTime = digestTime
	} else {
		sub.DigestTime = ""
	}
	if err := b.store.UpdateSubscription(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Subscription #%d \"%s\" switched to %s.", id, sub.Name, modeLabel(sub)))
}

func (b *Bot) handleSetRules(ctx context.Context, chatID int64, args string) {
	id, rs, clear, err := ParseRuleSetArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	if clear {
		if err := b.store.DeleteRuleSet(ctx, id); err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.reply(chatID, fmt.Sprintf("Rules cleared for #%d \"%s\".", id, sub.Name))
		return
	}

	if err := rules.Validate(rs); err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid rules: %v", err))
		return
	}
	if err := b.store.SetRuleSet(ctx, rs); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatRuleSet(sub, rs))
}

func (b *Bot) handleRules(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rules <id>")
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	rs, _ := b.store.GetRuleSet(ctx, sub.ID)
	b.reply(chatID, FormatRuleSet(sub, rs))
}

func (b *Bot) handleDigest(ctx context.Context, chatID int64, args string) {
	recipient, err := b.store.GetOrCreateRecipient(ctx, chatID, b.cfg.DefaultTimezone)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	var subID int64
	if args != "" && args != "all" {
		id, err := ParseIDArg(args)
		if err != nil {
			b.reply(chatID, "Usage: /digest [id|all]")
			return
		}
		if _, _, err := b.ownedSubscription(ctx, chatID, id); err != nil {
			b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
			return
		}
		subID = id
	}

	n, err := b.digests.DispatchNow(ctx, recipient, subID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Digest failed: %v", err))
		return
	}
	if n == 0 {
		b.reply(chatID, "No pending digest entries.")
	}
}

func (b *Bot) handlePull(ctx context.Context, chatID int64, args string) {
	id, count, err := ParseCountArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /pull <id> [n]")
		return
	}
	if count == 0 {
		count = defaultPullLimit
	}

	recipient, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	n, err := b.coord.Pull(ctx, sub, recipient, count)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Pull failed: %v", err))
		return
	}
	if n == 0 {
		b.reply(chatID, fmt.Sprintf("No undelivered entries in #%d \"%s\".", sub.ID, sub.Name))
		return
	}
	b.reply(chatID, fmt.Sprintf("Delivered %d item(s) from #%d \"%s\".", n, sub.ID, sub.Name))
}

func (b *Bot) handleBackfill(ctx context.Context, chatID int64, args string) {
	id, count, err := ParseCountArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /backfill <id> [n]")
		return
	}
	if count == 0 || count > b.cfg.BackfillMaxN {
		count = b.cfg.BackfillMaxN
	}

	recipient, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}

	n, err := b.coord.Backfill(ctx, sub, recipient, count)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Backfill failed: %v", err))
		return
	}
	if n == 0 {
		b.reply(chatID, fmt.Sprintf("Nothing to backfill in #%d \"%s\".", sub.ID, sub.Name))
		return
	}
	b.reply(chatID, fmt.Sprintf("Backfilled %d item(s) from #%d \"%s\".", n, sub.ID, sub.Name))
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /check <id>")
		return
	}

	_, sub, err := b.ownedSubscription(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
		return
	}
	if !sub.Enabled {
		b.reply(chatID, fmt.Sprintf("Subscription #%d \"%s\" is muted. /unmute it first.", sub.ID, sub.Name))
		return
	}

	n, err := b.poller.PollNow(ctx, *sub)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Check failed: %v", err))
		return
	}
	if n == 0 {
		b.reply(chatID, fmt.Sprintf("No new matching entries in #%d \"%s\".", sub.ID, sub.Name))
		return
	}
	b.reply(chatID, fmt.Sprintf("Found %d new item(s) in #%d \"%s\".", n, sub.ID, sub.Name))
}

func (b *Bot) handleTimezone(ctx context.Context, chatID int64, args string) {
	recipient, err := b.store.GetOrCreateRecipient(ctx, chatID, b.cfg.DefaultTimezone)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	tz := strings.TrimSpace(args)
	if tz == "" {
		b.reply(chatID, fmt.Sprintf("Your timezone is %s.\nUsage: /tz <IANA zone>, e.g. /tz Europe/Berlin", recipient.Timezone))
		return
	}
	if _, err := time.LoadLocation(tz); err != nil {
		b.reply(chatID, fmt.Sprintf("Unknown timezone %q. Use an IANA zone like Europe/Berlin.", tz))
		return
	}

	if err := b.store.SetRecipientTimezone(ctx, recipient.ID, tz); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Timezone set to %s. Digests go out at each subscription's local time.", tz))
}

// ownedSubscription loads a subscription and verifies it belongs to the
// recipient behind chatID.
func (b *Bot) ownedSubscription(ctx context.Context, chatID, id int64) (*model.Recipient, *model.Subscription, error) {
	recipient, err := b.store.GetOrCreateRecipient(ctx, chatID, b.cfg.DefaultTimezone)
	if err != nil {
		return nil, nil, err
	}
	sub, err := b.store.GetSubscription(ctx, id)
	if err != nil || sub.RecipientID != recipient.ID {
		return nil, nil, fmt.Errorf("subscription %d not found", id)
	}
	return recipient, sub, nil
}
