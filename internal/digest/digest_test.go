package digest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedrelay/internal/delivery"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
)

type sentMsg struct {
	chatID int64
	text   string
}

type mockSink struct {
	mu    sync.Mutex
	calls int
	sent  []sentMsg
	errs  []error
}

func (m *mockSink) Send(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, sentMsg{chatID: chatID, text: text})
	return nil
}

func (m *mockSink) getSent() []sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMsg, len(m.sent))
	copy(out, m.sent)
	return out
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestAggregator(t *testing.T, store storage.Storage, sink delivery.Sink) *Aggregator {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := delivery.New(store, sink, log)
	coord.SetInitialDelay(time.Millisecond)
	coord.SetSendGap(0)
	return New(store, coord, log)
}

func seedRecipient(t *testing.T, store storage.Storage, chatID int64, tz string) *model.Recipient {
	t.Helper()
	rec, err := store.GetOrCreateRecipient(context.Background(), chatID, tz)
	if err != nil {
		t.Fatalf("recipient: %v", err)
	}
	return rec
}

func seedDigestSub(t *testing.T, store storage.Storage, recipientID int64, name, digestTime string) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		RecipientID:     recipientID,
		URL:             "https://example.com/" + name,
		SourceType:      model.SourceRSS,
		Name:            name,
		Mode:            model.ModeDigest,
		DigestTime:      digestTime,
		IntervalMinutes: 15,
		Enabled:         true,
	}
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func queueEntry(t *testing.T, store storage.Storage, sub *model.Subscription, recipientID int64, externalID, title string, published time.Time) *model.Entry {
	t.Helper()
	ctx := context.Background()
	e := &model.Entry{
		SubscriptionID: sub.ID,
		ExternalID:     externalID,
		Title:          title,
		Link:           "https://example.com/" + externalID,
		PublishedAt:    published,
		ContentHash:    "hash-" + externalID,
	}
	if _, _, err := store.UpsertEntry(ctx, e); err != nil {
		t.Fatalf("upsert entry: %v", err)
	}
	if err := store.EnqueueDigest(ctx, sub.ID, e.ID, recipientID, time.Now().UTC()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return e
}

func TestDispatchNowBatchesPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "UTC")
	sub := seedDigestSub(t, store, rec.ID, "News", "20:00")
	older := queueEntry(t, store, sub, rec.ID, "g1", "Older Post", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	newer := queueEntry(t, store, sub, rec.ID, "g2", "Newer Post", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))

	n, err := a.DispatchNow(ctx, rec, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 2 {
		t.Errorf("dispatched = %d, want 2", n)
	}

	msgs := sink.getSent()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want one batched digest", len(msgs))
	}
	text := msgs[0].text
	for _, fragment := range []string{"Digest of new entries:", "News:", "Older Post", "Newer Post"} {
		if !strings.Contains(text, fragment) {
			t.Errorf("digest %q missing %q", text, fragment)
		}
	}
	if strings.Index(text, "Older Post") > strings.Index(text, "Newer Post") {
		t.Error("expected entries in published order")
	}

	for _, e := range []*model.Entry{older, newer} {
		ok, err := store.HasOKDelivery(ctx, rec.ID, sub.ID, e.ID, model.ChannelDigest)
		if err != nil {
			t.Fatalf("has ok delivery: %v", err)
		}
		if !ok {
			t.Errorf("entry %q missing ok record", e.Title)
		}
	}

	pending, err := store.ListDigestPending(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after dispatch = %d, want 0", len(pending))
	}

	st, err := store.GetFeedState(ctx, sub.ID)
	if err != nil {
		t.Fatalf("feed state: %v", err)
	}
	if st.LastDigestAt == nil {
		t.Error("expected last digest stamp")
	}

	// Nothing left: a repeat dispatch sends no message.
	n, err = a.DispatchNow(ctx, rec, 0)
	if err != nil {
		t.Fatalf("repeat dispatch: %v", err)
	}
	if n != 0 {
		t.Errorf("repeat dispatched = %d, want 0", n)
	}
	if got := len(sink.getSent()); got != 1 {
		t.Errorf("messages after repeat = %d, want 1", got)
	}
}

func TestDispatchNowEmptyQueueStillStamps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "UTC")
	sub := seedDigestSub(t, store, rec.ID, "News", "20:00")

	n, err := a.DispatchNow(ctx, rec, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
	if got := len(sink.getSent()); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
	st, err := store.GetFeedState(ctx, sub.ID)
	if err != nil {
		t.Fatalf("feed state: %v", err)
	}
	if st.LastDigestAt == nil {
		t.Error("expected last digest stamp even with empty queue")
	}
}

func TestDispatchNowSubscriptionScope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "UTC")
	subA := seedDigestSub(t, store, rec.ID, "Alpha", "20:00")
	subB := seedDigestSub(t, store, rec.ID, "Beta", "20:00")
	queueEntry(t, store, subA, rec.ID, "a1", "Alpha Post", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	held := queueEntry(t, store, subB, rec.ID, "b1", "Beta Post", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	n, err := a.DispatchNow(ctx, rec, subA.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 1 {
		t.Errorf("dispatched = %d, want 1", n)
	}
	msgs := sink.getSent()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "Alpha Post") {
		t.Fatalf("messages = %+v, want only the alpha digest", msgs)
	}
	if strings.Contains(msgs[0].text, "Beta Post") {
		t.Error("beta entry leaked into alpha dispatch")
	}

	// The other subscription keeps its queue and stays unstamped.
	pending, err := store.ListDigestPending(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != held.ID {
		t.Fatalf("pending = %+v, want only the beta entry", pending)
	}
	st, err := store.GetFeedState(ctx, subB.ID)
	if err != nil {
		t.Fatalf("feed state: %v", err)
	}
	if st.LastDigestAt != nil {
		t.Error("expected beta subscription to stay unstamped")
	}

	// Asking for a non-digest subscription is an error.
	imm := &model.Subscription{
		RecipientID: rec.ID, URL: "https://example.com/imm", SourceType: model.SourceRSS,
		Name: "Imm", Mode: model.ModeImmediate, IntervalMinutes: 15, Enabled: true,
	}
	if err := store.CreateSubscription(ctx, imm); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if _, err := a.DispatchNow(ctx, rec, imm.ID); err == nil {
		t.Fatal("expected error for non-digest subscription")
	}
}

func TestDispatchDropsAlreadyDelivered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "UTC")
	sub := seedDigestSub(t, store, rec.ID, "News", "20:00")
	e := queueEntry(t, store, sub, rec.ID, "g1", "Seen Before", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	// Simulate a crash after send but before dequeue.
	rd := model.DeliveryRecord{
		EntryID: e.ID, SubscriptionID: sub.ID, RecipientID: rec.ID,
		Channel: model.ChannelDigest, Status: model.StatusOK, SentAt: time.Now().UTC(),
	}
	if err := store.RecordDelivery(ctx, &rd); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	n, err := a.DispatchNow(ctx, rec, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
	if got := len(sink.getSent()); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
	pending, err := store.ListDigestPending(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want stale entry dropped", len(pending))
	}
}

func TestDispatchFailedSendRecordsAndDrops(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{errs: []error{&delivery.PermanentError{Reason: "blocked"}}}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "UTC")
	sub := seedDigestSub(t, store, rec.ID, "News", "20:00")
	e := queueEntry(t, store, sub, rec.ID, "g1", "Doomed", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	n, err := a.DispatchNow(ctx, rec, 0)
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}

	// The attempt was recorded as failed and dropped from the queue; the
	// entry stays eligible for a later backfill.
	ok, err := store.HasOKDelivery(ctx, rec.ID, sub.ID, e.ID, model.ChannelDigest)
	if err != nil {
		t.Fatalf("has ok delivery: %v", err)
	}
	if ok {
		t.Error("expected no ok record after failed send")
	}
	pending, err := store.ListDigestPending(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want failed entry dropped", len(pending))
	}
}

func TestTickDispatchesAtLocalTime(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "Europe/Berlin")
	sub := seedDigestSub(t, store, rec.ID, "News", "20:00")
	queueEntry(t, store, sub, rec.ID, "g1", "Local News", time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC))

	// 17:00 UTC is 19:00 in Berlin during summer; not due yet.
	a.Tick(ctx, time.Date(2025, 6, 4, 17, 0, 0, 0, time.UTC))
	if got := len(sink.getSent()); got != 0 {
		t.Fatalf("messages before dispatch time = %d, want 0", got)
	}

	// 18:00 UTC is 20:00 in Berlin.
	a.Tick(ctx, time.Date(2025, 6, 4, 18, 0, 0, 0, time.UTC))
	msgs := sink.getSent()
	if len(msgs) != 1 {
		t.Fatalf("messages at dispatch time = %d, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].text, "Local News") {
		t.Errorf("digest %q missing entry", msgs[0].text)
	}
}

func TestTickFiresOncePerLocalDay(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "Europe/Berlin")
	sub := seedDigestSub(t, store, rec.ID, "News", "20:00")
	queueEntry(t, store, sub, rec.ID, "g1", "Day One", time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC))

	first := time.Date(2025, 6, 4, 18, 0, 0, 0, time.UTC)
	a.Tick(ctx, first)
	if got := len(sink.getSent()); got != 1 {
		t.Fatalf("messages after first tick = %d, want 1", got)
	}

	// New entry arrives, but the same local day is already stamped.
	queueEntry(t, store, sub, rec.ID, "g2", "Day One Late", time.Date(2025, 6, 4, 19, 0, 0, 0, time.UTC))
	a.Tick(ctx, first)
	if got := len(sink.getSent()); got != 1 {
		t.Fatalf("messages after repeat tick = %d, want still 1", got)
	}

	// Next local day dispatches again.
	a.Tick(ctx, first.Add(24*time.Hour))
	msgs := sink.getSent()
	if len(msgs) != 2 {
		t.Fatalf("messages after next day = %d, want 2", len(msgs))
	}
	if !strings.Contains(msgs[1].text, "Day One Late") {
		t.Errorf("second digest %q missing held entry", msgs[1].text)
	}
}

func TestTickBatchesRecipientSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &mockSink{}
	a := newTestAggregator(t, store, sink)

	rec := seedRecipient(t, store, 100, "UTC")
	subA := seedDigestSub(t, store, rec.ID, "Alpha", "20:00")
	subB := seedDigestSub(t, store, rec.ID, "Beta", "20:00")
	queueEntry(t, store, subA, rec.ID, "a1", "Alpha Post", time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC))
	queueEntry(t, store, subB, rec.ID, "b1", "Beta Post", time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC))

	a.Tick(ctx, time.Date(2025, 6, 4, 20, 0, 0, 0, time.UTC))

	msgs := sink.getSent()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want one combined digest", len(msgs))
	}
	for _, fragment := range []string{"Alpha:", "Alpha Post", "Beta:", "Beta Post"} {
		if !strings.Contains(msgs[0].text, fragment) {
			t.Errorf("digest %q missing %q", msgs[0].text, fragment)
		}
	}
	for _, sub := range []*model.Subscription{subA, subB} {
		st, err := store.GetFeedState(ctx, sub.ID)
		if err != nil {
			t.Fatalf("feed state: %v", err)
		}
		if st.LastDigestAt == nil {
			t.Errorf("subscription %q missing digest stamp", sub.Name)
		}
	}
}

func TestPaginate(t *testing.T) {
	names := map[int64]string{1: "News", 2: "Videos"}
	entry := func(subID int64, title string, day int) model.Entry {
		return model.Entry{
			SubscriptionID: subID,
			Title:          title,
			Link:           "https://example.com/" + title,
			PublishedAt:    time.Date(2025, 6, day, 9, 0, 0, 0, time.UTC),
		}
	}

	t.Run("single page exact text", func(t *testing.T) {
		pages := Paginate([]model.Entry{entry(1, "hello", 1)}, names, 20, 3500)
		if len(pages) != 1 {
			t.Fatalf("pages = %d, want 1", len(pages))
		}
		want := "Digest of new entries:\n\nNews:\n• hello (2025-06-01)\nhttps://example.com/hello"
		if diff := cmp.Diff(want, pages[0].Text); diff != "" {
			t.Errorf("page text mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("splits on item cap and repeats heading", func(t *testing.T) {
		batch := []model.Entry{entry(1, "one", 1), entry(1, "two", 2), entry(1, "three", 3)}
		pages := Paginate(batch, names, 2, 3500)
		if len(pages) != 2 {
			t.Fatalf("pages = %d, want 2", len(pages))
		}
		if len(pages[0].Entries) != 2 || len(pages[1].Entries) != 1 {
			t.Errorf("page sizes = %d/%d, want 2/1", len(pages[0].Entries), len(pages[1].Entries))
		}
		if !strings.Contains(pages[1].Text, "News:") {
			t.Error("expected subscription heading repeated on the spill page")
		}
		if !strings.HasPrefix(pages[1].Text, "Digest of new entries:") {
			t.Error("expected header on the spill page")
		}
	})

	t.Run("splits on char cap", func(t *testing.T) {
		batch := []model.Entry{
			entry(1, strings.Repeat("a", 40), 1),
			entry(1, strings.Repeat("b", 40), 2),
		}
		pages := Paginate(batch, names, 10, 60)
		if len(pages) != 2 {
			t.Fatalf("pages = %d, want 2", len(pages))
		}
	})

	t.Run("oversized entry still gets a page", func(t *testing.T) {
		pages := Paginate([]model.Entry{entry(1, strings.Repeat("x", 500), 1)}, names, 10, 60)
		if len(pages) != 1 {
			t.Fatalf("pages = %d, want 1", len(pages))
		}
	})

	t.Run("groups subscriptions under headings", func(t *testing.T) {
		batch := []model.Entry{entry(1, "news item", 1), entry(1, "more news", 2), entry(2, "a video", 3)}
		pages := Paginate(batch, names, 20, 3500)
		if len(pages) != 1 {
			t.Fatalf("pages = %d, want 1", len(pages))
		}
		text := pages[0].Text
		if strings.Count(text, "News:") != 1 {
			t.Errorf("heading count = %d, want 1", strings.Count(text, "News:"))
		}
		if !strings.Contains(text, "Videos:") {
			t.Error("missing second subscription heading")
		}
		if strings.Index(text, "more news") > strings.Index(text, "a video") {
			t.Error("expected subscription groups to stay contiguous")
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		if pages := Paginate(nil, names, 20, 3500); len(pages) != 0 {
			t.Errorf("pages = %d, want 0", len(pages))
		}
	})
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in       string
		wantHour int
		wantMin  int
		wantErr  bool
	}{
		{in: "20:00", wantHour: 20},
		{in: "08:05", wantHour: 8, wantMin: 5},
		{in: "23:59", wantHour: 23, wantMin: 59},
		{in: "25:00", wantErr: true},
		{in: "20-00", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			hour, minute, err := ParseTime(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if hour != tt.wantHour || minute != tt.wantMin {
				t.Errorf("ParseTime(%q) = %d:%d, want %d:%d", tt.in, hour, minute, tt.wantHour, tt.wantMin)
			}
		})
	}
}

var _ delivery.Sink = (*mockSink)(nil)
