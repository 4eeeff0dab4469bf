package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedrelay/internal/model"
	"feedrelay/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetOrCreateRecipient returns the recipient for chatID, registering it
// with the given timezone on first contact.
func (s *SQLite) GetOrCreateRecipient(ctx context.Context, chatID int64, defaultTZ string) (*model.Recipient, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO recipients (chat_id, timezone, created_at) VALUES (?, ?, ?)`,
		chatID, defaultTZ, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert recipient: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, timezone, created_at FROM recipients WHERE chat_id = ?`, chatID,
	)
	return scanRecipient(row)
}

// GetRecipient returns a single recipient by its ID.
func (s *SQLite) GetRecipient(ctx context.Context, id int64) (*model.Recipient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, timezone, created_at FROM recipients WHERE id = ?`, id,
	)
	return scanRecipient(row)
}

// SetRecipientTimezone updates the recipient's IANA timezone.
func (s *SQLite) SetRecipientTimezone(ctx context.Context, id int64, tz string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE recipients SET timezone = ? WHERE id = ?`, tz, id)
	if err != nil {
		return fmt.Errorf("update timezone: %w", err)
	}
	return nil
}

const subscriptionCols = `id, recipient_id, url, source_type, name, mode, digest_time,
	interval_minutes, enabled, etag, last_modified, created_at`

// CreateSubscription inserts a new subscription and populates its ID and CreatedAt.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions
		 (recipient_id, url, source_type, name, mode, digest_time, interval_minutes, enabled, etag, last_modified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.RecipientID, sub.URL, string(sub.SourceType), sub.Name, string(sub.Mode), sub.DigestTime,
		sub.IntervalMinutes, boolToInt(sub.Enabled), sub.ETag, sub.LastModified, now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSubscription returns a single subscription by its ID.
func (s *SQLite) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id,
	)
	return scanSubscription(row)
}

// ListSubscriptions returns all subscriptions belonging to the given recipient.
func (s *SQLite) ListSubscriptions(ctx context.Context, recipientID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE recipient_id = ? ORDER BY id`, recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// ListDueSubscriptions returns all enabled subscriptions whose poll interval
// has elapsed since the last poll recorded in feed_states.
func (s *SQLite) ListDueSubscriptions(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.recipient_id, s.url, s.source_type, s.name, s.mode, s.digest_time,
		        s.interval_minutes, s.enabled, s.etag, s.last_modified, s.created_at
		 FROM subscriptions s
		 LEFT JOIN feed_states fs ON fs.subscription_id = s.id
		 WHERE s.enabled = 1
		   AND (fs.last_poll_at IS NULL
		        OR datetime(fs.last_poll_at, '+' || s.interval_minutes || ' minutes') <= datetime(?))`,
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// ListDigestSubscriptions returns every enabled digest-mode subscription
// together with its owner and last digest dispatch time.
func (s *SQLite) ListDigestSubscriptions(ctx context.Context) ([]model.DigestDue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.recipient_id, s.url, s.source_type, s.name, s.mode, s.digest_time,
		        s.interval_minutes, s.enabled, s.etag, s.last_modified, s.created_at,
		        r.id, r.chat_id, r.timezone, r.created_at, fs.last_digest_at
		 FROM subscriptions s
		 JOIN recipients r ON r.id = s.recipient_id
		 LEFT JOIN feed_states fs ON fs.subscription_id = s.id
		 WHERE s.enabled = 1 AND s.mode = ?
		 ORDER BY s.id`,
		string(model.ModeDigest),
	)
	if err != nil {
		return nil, fmt.Errorf("query digest subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []model.DigestDue
	for rows.Next() {
		var d model.DigestDue
		var subEnabled int
		var subCreated, recCreated sql.NullString
		var lastDigest sql.NullString
		err := rows.Scan(
			&d.Subscription.ID, &d.Subscription.RecipientID, &d.Subscription.URL,
			&d.Subscription.SourceType, &d.Subscription.Name, &d.Subscription.Mode,
			&d.Subscription.DigestTime, &d.Subscription.IntervalMinutes, &subEnabled,
			&d.Subscription.ETag, &d.Subscription.LastModified, &subCreated,
			&d.Recipient.ID, &d.Recipient.ChatID, &d.Recipient.Timezone, &recCreated,
			&lastDigest,
		)
		if err != nil {
			return nil, fmt.Errorf("scan digest subscription: %w", err)
		}
		d.Subscription.Enabled = subEnabled == 1
		if subCreated.Valid {
			d.Subscription.CreatedAt, _ = time.Parse(timeLayout, subCreated.String)
		}
		if recCreated.Valid {
			d.Recipient.CreatedAt, _ = time.Parse(timeLayout, recCreated.String)
		}
		if lastDigest.Valid {
			t, _ := time.Parse(timeLayout, lastDigest.String)
			d.LastDigestAt = &t
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// UpdateSubscription persists changes to an existing subscription.
func (s *SQLite) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET url = ?, name = ?, mode = ?, digest_time = ?, interval_minutes = ?, enabled = ?, etag = ?, last_modified = ?
		 WHERE id = ?`,
		sub.URL, sub.Name, string(sub.Mode), sub.DigestTime, sub.IntervalMinutes,
		boolToInt(sub.Enabled), sub.ETag, sub.LastModified, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription with its ruleset, entries,
// delivery history, digest queue rows and feed state.
func (s *SQLite) DeleteSubscription(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM digest_queue WHERE subscription_id = ?`,
		`DELETE FROM deliveries WHERE subscription_id = ?`,
		`DELETE FROM entries WHERE subscription_id = ?`,
		`DELETE FROM rule_sets WHERE subscription_id = ?`,
		`DELETE FROM feed_states WHERE subscription_id = ?`,
		`DELETE FROM subscriptions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete subscription rows: %w", err)
		}
	}
	return tx.Commit()
}

// SetRuleSet inserts or replaces the ruleset for its subscription and
// populates ID and CreatedAt.
func (s *SQLite) SetRuleSet(ctx context.Context, rs *model.RuleSet) error {
	now := time.Now().UTC().Format(timeLayout)
	incKW, err := marshalList(rs.IncludeKeywords)
	if err != nil {
		return fmt.Errorf("encode include keywords: %w", err)
	}
	excKW, err := marshalList(rs.ExcludeKeywords)
	if err != nil {
		return fmt.Errorf("encode exclude keywords: %w", err)
	}
	incRe, err := marshalList(rs.IncludeRegex)
	if err != nil {
		return fmt.Errorf("encode include regex: %w", err)
	}
	excRe, err := marshalList(rs.ExcludeRegex)
	if err != nil {
		return fmt.Errorf("encode exclude regex: %w", err)
	}
	cats, err := marshalList(rs.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_sets
		 (subscription_id, include_keywords, exclude_keywords, include_regex, exclude_regex,
		  require_all, case_sensitive, categories, min_duration_sec, max_duration_sec, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id) DO UPDATE SET
		   include_keywords = excluded.include_keywords,
		   exclude_keywords = excluded.exclude_keywords,
		   include_regex = excluded.include_regex,
		   exclude_regex = excluded.exclude_regex,
		   require_all = excluded.require_all,
		   case_sensitive = excluded.case_sensitive,
		   categories = excluded.categories,
		   min_duration_sec = excluded.min_duration_sec,
		   max_duration_sec = excluded.max_duration_sec`,
		rs.SubscriptionID, incKW, excKW, incRe, excRe,
		boolToInt(rs.RequireAll), boolToInt(rs.CaseSensitive), cats,
		rs.MinDurationSec, rs.MaxDurationSec, now,
	)
	if err != nil {
		return fmt.Errorf("upsert ruleset: %w", err)
	}

	var created string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM rule_sets WHERE subscription_id = ?`, rs.SubscriptionID,
	).Scan(&rs.ID, &created)
	if err != nil {
		return fmt.Errorf("select ruleset id: %w", err)
	}
	rs.CreatedAt, _ = time.Parse(timeLayout, created)
	return nil
}

// GetRuleSet returns the ruleset for the given subscription, or nil when
// none is configured.
func (s *SQLite) GetRuleSet(ctx context.Context, subscriptionID int64) (*model.RuleSet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subscription_id, include_keywords, exclude_keywords, include_regex, exclude_regex,
		        require_all, case_sensitive, categories, min_duration_sec, max_duration_sec, created_at
		 FROM rule_sets WHERE subscription_id = ?`, subscriptionID,
	)

	var rs model.RuleSet
	var incKW, excKW, incRe, excRe, cats, created string
	var requireAll, caseSensitive int
	var minDur, maxDur sql.NullInt64
	err := row.Scan(&rs.ID, &rs.SubscriptionID, &incKW, &excKW, &incRe, &excRe,
		&requireAll, &caseSensitive, &cats, &minDur, &maxDur, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ruleset: %w", err)
	}

	if rs.IncludeKeywords, err = unmarshalList(incKW); err != nil {
		return nil, fmt.Errorf("decode include keywords: %w", err)
	}
	if rs.ExcludeKeywords, err = unmarshalList(excKW); err != nil {
		return nil, fmt.Errorf("decode exclude keywords: %w", err)
	}
	if rs.IncludeRegex, err = unmarshalList(incRe); err != nil {
		return nil, fmt.Errorf("decode include regex: %w", err)
	}
	if rs.ExcludeRegex, err = unmarshalList(excRe); err != nil {
		return nil, fmt.Errorf("decode exclude regex: %w", err)
	}
	if rs.Categories, err = unmarshalList(cats); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	rs.RequireAll = requireAll == 1
	rs.CaseSensitive = caseSensitive == 1
	if minDur.Valid {
		v := int(minDur.Int64)
		rs.MinDurationSec = &v
	}
	if maxDur.Valid {
		v := int(maxDur.Int64)
		rs.MaxDurationSec = &v
	}
	rs.CreatedAt, _ = time.Parse(timeLayout, created)
	return &rs, nil
}

// DeleteRuleSet removes the ruleset for the given subscription.
func (s *SQLite) DeleteRuleSet(ctx context.Context, subscriptionID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rule_sets WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("delete ruleset: %w", err)
	}
	return nil
}

const entryCols = `id, subscription_id, external_id, title, link, author, published_at,
	categories, content_hash, duration_sec, created_at, updated_at`

// UpsertEntry inserts the entry or, when (subscription, external id) is
// already present, reports whether its content hash changed and refreshes
// the stored fields if so. Populates e.ID either way.
func (s *SQLite) UpsertEntry(ctx context.Context, e *model.Entry) (isNew, changed bool, err error) {
	now := time.Now().UTC().Format(timeLayout)
	cats, err := marshalList(e.Categories)
	if err != nil {
		return false, false, fmt.Errorf("encode categories: %w", err)
	}
	published := e.PublishedAt.UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entries
		 (subscription_id, external_id, title, link, author, published_at, categories, content_hash, duration_sec, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubscriptionID, e.ExternalID, e.Title, e.Link, e.Author, published,
		cats, e.ContentHash, e.DurationSec, now, now,
	)
	if err != nil {
		return false, false, fmt.Errorf("insert entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return false, false, fmt.Errorf("last insert id: %w", err)
		}
		e.ID = id
		e.CreatedAt, _ = time.Parse(timeLayout, now)
		e.UpdatedAt = e.CreatedAt
		return true, false, nil
	}

	var id int64
	var oldHash string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, content_hash FROM entries WHERE subscription_id = ? AND external_id = ?`,
		e.SubscriptionID, e.ExternalID,
	).Scan(&id, &oldHash)
	if err != nil {
		return false, false, fmt.Errorf("select entry: %w", err)
	}
	e.ID = id
	if oldHash == e.ContentHash {
		return false, false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE entries
		 SET title = ?, link = ?, author = ?, published_at = ?, categories = ?, content_hash = ?, duration_sec = ?, updated_at = ?
		 WHERE id = ?`,
		e.Title, e.Link, e.Author, published, cats, e.ContentHash, e.DurationSec, now, id,
	)
	if err != nil {
		return false, false, fmt.Errorf("update entry: %w", err)
	}
	return false, true, nil
}

// SeedEntries marks the given entries as already seen without classifying
// them as new. Returns how many rows were actually inserted.
func (s *SQLite) SeedEntries(ctx context.Context, subscriptionID int64, entries []model.Entry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	inserted := 0
	for i := range entries {
		e := &entries[i]
		cats, err := marshalList(e.Categories)
		if err != nil {
			return 0, fmt.Errorf("encode categories: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entries
			 (subscription_id, external_id, title, link, author, published_at, categories, content_hash, duration_sec, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			subscriptionID, e.ExternalID, e.Title, e.Link, e.Author,
			e.PublishedAt.UTC().Format(timeLayout), cats, e.ContentHash, e.DurationSec, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("seed entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return inserted, nil
}

// ListRecentEntries returns up to limit entries for the subscription,
// newest first.
func (s *SQLite) ListRecentEntries(ctx context.Context, subscriptionID int64, limit int) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM entries
		 WHERE subscription_id = ?
		 ORDER BY published_at DESC, id DESC LIMIT ?`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ListUndelivered returns up to limit entries of the subscription that have
// no successful delivery on the given channel, newest first.
func (s *SQLite) ListUndelivered(ctx context.Context, recipientID, subscriptionID int64, channel model.Channel, limit int) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM entries
		 WHERE subscription_id = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM deliveries d
		     WHERE d.entry_id = entries.id AND d.recipient_id = ? AND d.channel = ? AND d.status = 'ok')
		 ORDER BY published_at DESC, id DESC LIMIT ?`,
		subscriptionID, recipientID, string(channel), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query undelivered entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// RecordDelivery inserts a delivery record. A duplicate ok record for the
// same (recipient, subscription, entry, channel) is silently ignored, which
// keeps the at-most-one-ok invariant under concurrent retries.
func (s *SQLite) RecordDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (entry_id, subscription_id, recipient_id, channel, status, error, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.EntryID, rec.SubscriptionID, rec.RecipientID, string(rec.Channel),
		string(rec.Status), rec.Error, rec.SentAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		if id, err := res.LastInsertId(); err == nil {
			rec.ID = id
		}
	}
	return nil
}

// HasOKDelivery reports whether a successful delivery record exists for the
// given dedup key.
func (s *SQLite) HasOKDelivery(ctx context.Context, recipientID, subscriptionID, entryID int64, channel model.Channel) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries
		 WHERE recipient_id = ? AND subscription_id = ? AND entry_id = ? AND channel = ? AND status = 'ok'`,
		recipientID, subscriptionID, entryID, string(channel),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return count > 0, nil
}

// EnqueueDigest adds an entry to the recipient's pending digest set.
// Re-enqueueing the same entry is a no-op.
func (s *SQLite) EnqueueDigest(ctx context.Context, subscriptionID, entryID, recipientID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO digest_queue (subscription_id, entry_id, recipient_id, enqueued_at)
		 VALUES (?, ?, ?, ?)`,
		subscriptionID, entryID, recipientID, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("enqueue digest: %w", err)
	}
	return nil
}

// ListDigestPending returns the recipient's pending digest entries grouped
// by subscription, oldest published first within each subscription.
func (s *SQLite) ListDigestPending(ctx context.Context, recipientID int64) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.subscription_id, e.external_id, e.title, e.link, e.author, e.published_at,
		        e.categories, e.content_hash, e.duration_sec, e.created_at, e.updated_at
		 FROM digest_queue q
		 JOIN entries e ON e.id = q.entry_id
		 WHERE q.recipient_id = ?
		 ORDER BY e.subscription_id, e.published_at, e.id`,
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("query digest pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// DequeueDigest removes the given entries from the subscription's pending
// digest set.
func (s *SQLite) DequeueDigest(ctx context.Context, subscriptionID int64, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, entryID := range entryIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM digest_queue WHERE subscription_id = ? AND entry_id = ?`,
			subscriptionID, entryID,
		); err != nil {
			return fmt.Errorf("dequeue digest: %w", err)
		}
	}
	return tx.Commit()
}

// GetFeedState returns the poll/digest bookkeeping for a subscription. A
// subscription that has never been polled yields a zero-valued state.
func (s *SQLite) GetFeedState(ctx context.Context, subscriptionID int64) (*model.FeedState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subscription_id, last_poll_at, last_digest_at FROM feed_states WHERE subscription_id = ?`,
		subscriptionID,
	)
	var st model.FeedState
	var lastPoll, lastDigest sql.NullString
	err := row.Scan(&st.SubscriptionID, &lastPoll, &lastDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.FeedState{SubscriptionID: subscriptionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan feed state: %w", err)
	}
	if lastPoll.Valid {
		t, _ := time.Parse(timeLayout, lastPoll.String)
		st.LastPollAt = &t
	}
	if lastDigest.Valid {
		t, _ := time.Parse(timeLayout, lastDigest.String)
		st.LastDigestAt = &t
	}
	return &st, nil
}

// SetLastPoll records the time of the last completed poll cycle.
func (s *SQLite) SetLastPoll(ctx context.Context, subscriptionID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_states (subscription_id, last_poll_at) VALUES (?, ?)
		 ON CONFLICT (subscription_id) DO UPDATE SET last_poll_at = excluded.last_poll_at`,
		subscriptionID, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set last poll: %w", err)
	}
	return nil
}

// SetLastDigest records the time of the last digest dispatch.
func (s *SQLite) SetLastDigest(ctx context.Context, subscriptionID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_states (subscription_id, last_digest_at) VALUES (?, ?)
		 ON CONFLICT (subscription_id) DO UPDATE SET last_digest_at = excluded.last_digest_at`,
		subscriptionID, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set last digest: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalList(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecipient(row scannable) (*model.Recipient, error) {
	var r model.Recipient
	var created sql.NullString
	err := row.Scan(&r.ID, &r.ChatID, &r.Timezone, &created)
	if err != nil {
		return nil, fmt.Errorf("scan recipient: %w", err)
	}
	if created.Valid {
		r.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &r, nil
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var sourceType, mode string
	var enabled int
	var created sql.NullString
	err := row.Scan(&sub.ID, &sub.RecipientID, &sub.URL, &sourceType, &sub.Name, &mode,
		&sub.DigestTime, &sub.IntervalMinutes, &enabled, &sub.ETag, &sub.LastModified, &created)
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.SourceType = model.SourceType(sourceType)
	sub.Mode = model.DeliveryMode(mode)
	sub.Enabled = enabled == 1
	if created.Valid {
		sub.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanEntry(row scannable) (*model.Entry, error) {
	var e model.Entry
	var published, cats string
	var duration sql.NullInt64
	var created, updated sql.NullString
	err := row.Scan(&e.ID, &e.SubscriptionID, &e.ExternalID, &e.Title, &e.Link, &e.Author,
		&published, &cats, &e.ContentHash, &duration, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.PublishedAt, _ = time.Parse(timeLayout, published)
	var decodeErr error
	if e.Categories, decodeErr = unmarshalList(cats); decodeErr != nil {
		return nil, fmt.Errorf("decode categories: %w", decodeErr)
	}
	if duration.Valid {
		v := int(duration.Int64)
		e.DurationSec = &v
	}
	if created.Valid {
		e.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	if updated.Valid {
		e.UpdatedAt, _ = time.Parse(timeLayout, updated.String)
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
