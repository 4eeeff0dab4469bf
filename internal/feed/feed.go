// Package feed parses raw feed documents into normalized entry candidates.
package feed

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/text/unicode/norm"

	"feedrelay/internal/model"
)

// ParseError reports a feed document whose envelope could not be parsed.
// The whole fetch cycle is skipped; the subscription stays untouched.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Item is one normalized entry candidate. Description is transient: it
// feeds rule evaluation and immediate notifications but is not persisted.
type Item struct {
	ExternalID  string
	Title       string
	Link        string
	Author      string
	Published   time.Time
	Categories  []string
	Description string
	ContentHash string
	DurationSec *int
}

// Entry converts the item into a persistable entry for the subscription.
func (it Item) Entry(subscriptionID int64) model.Entry {
	return model.Entry{
		SubscriptionID: subscriptionID,
		ExternalID:     it.ExternalID,
		Title:          it.Title,
		Link:           it.Link,
		Author:         it.Author,
		PublishedAt:    it.Published,
		Categories:     it.Categories,
		ContentHash:    it.ContentHash,
		DurationSec:    it.DurationSec,
	}
}

// Feed is one parsed document: the feed title and its normalized items in
// published order, oldest first. Skipped counts items dropped because they
// could not be normalized.
type Feed struct {
	Title   string
	Items   []Item
	Skipped int
}

// Identifier derives the stable external id from one raw feed item.
type Identifier interface {
	Identify(item *gofeed.Item) (string, error)
}

// IdentifierFor returns the identifier for a subscription's source type.
func IdentifierFor(st model.SourceType) Identifier {
	switch st {
	case model.SourceYouTubeChannel, model.SourceYouTubePlaylist:
		return youtubeIdentifier{}
	default:
		return rssIdentifier{}
	}
}

type youtubeIdentifier struct{}

// Identify extracts the bare video id from a "yt:video:..." guid or a
// watch link.
func (youtubeIdentifier) Identify(item *gofeed.Item) (string, error) {
	if idx := strings.LastIndex(item.GUID, ":video:"); idx >= 0 {
		if id := item.GUID[idx+len(":video:"):]; id != "" {
			return id, nil
		}
	}
	if item.Link != "" {
		if u, err := url.Parse(item.Link); err == nil {
			if v := u.Query().Get("v"); v != "" {
				return v, nil
			}
		}
	}
	return "", fmt.Errorf("no video id in item %q", item.Title)
}

type rssIdentifier struct{}

// Identify prefers the item GUID, then the link, then a hash of title+link.
func (rssIdentifier) Identify(item *gofeed.Item) (string, error) {
	if item.GUID != "" {
		return item.GUID, nil
	}
	if item.Link != "" {
		return item.Link, nil
	}
	if item.Title == "" {
		return "", fmt.Errorf("item has no guid, link or title")
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16]), nil
}

// Parser converts raw feed bytes into normalized items.
type Parser struct{}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses body and normalizes its items for the given source type. An
// unparseable envelope yields a *ParseError and no items; an item that
// cannot be normalized (no external id, no timestamp) is skipped and
// counted, not fatal.
func (p *Parser) Parse(body []byte, sourceType model.SourceType) (*Feed, error) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	ident := IdentifierFor(sourceType)
	out := &Feed{Title: normalizeText(parsed.Title)}
	for _, raw := range parsed.Items {
		item, err := normalizeItem(raw, ident)
		if err != nil {
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, *item)
	}

	sort.SliceStable(out.Items, func(i, j int) bool {
		return out.Items[i].Published.Before(out.Items[j].Published)
	})
	return out, nil
}

func normalizeItem(raw *gofeed.Item, ident Identifier) (*Item, error) {
	externalID, err := ident.Identify(raw)
	if err != nil {
		return nil, err
	}

	published := raw.PublishedParsed
	if published == nil {
		published = raw.UpdatedParsed
	}
	if published == nil {
		return nil, fmt.Errorf("item %q has no timestamp", raw.Title)
	}

	item := &Item{
		ExternalID:  externalID,
		Title:       normalizeText(raw.Title),
		Link:        strings.TrimSpace(raw.Link),
		Author:      normalizeText(itemAuthor(raw)),
		Published:   published.UTC(),
		Categories:  normalizeCategories(raw.Categories),
		Description: normalizeText(itemDescription(raw)),
		DurationSec: itemDuration(raw),
	}
	if item.Description != "" {
		item.ContentHash = fmt.Sprintf("%x", sha256.Sum256([]byte(item.Description)))
	}
	return item, nil
}

func itemDescription(raw *gofeed.Item) string {
	if raw.Description != "" {
		return raw.Description
	}
	if raw.Content != "" {
		return raw.Content
	}
	// YouTube feeds carry the description inside media:group.
	if media, ok := raw.Extensions["media"]; ok {
		for _, group := range media["group"] {
			for _, d := range group.Children["description"] {
				if d.Value != "" {
					return d.Value
				}
			}
		}
	}
	return ""
}

func itemAuthor(raw *gofeed.Item) string {
	if raw.Author != nil && raw.Author.Name != "" {
		return raw.Author.Name
	}
	for _, a := range raw.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

func itemDuration(raw *gofeed.Item) *int {
	if raw.ITunesExt == nil || raw.ITunesExt.Duration == "" {
		return nil
	}
	secs, err := parseDuration(raw.ITunesExt.Duration)
	if err != nil {
		return nil
	}
	return &secs
}

// parseDuration accepts the "SS", "MM:SS" and "HH:MM:SS" forms used by
// podcast feeds.
func parseDuration(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		total = total*60 + n
	}
	return total, nil
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeCategories(categories []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		c = normalizeText(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
