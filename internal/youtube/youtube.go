// Package youtube resolves channel and playlist references to the feed
// URLs YouTube serves for them.
package youtube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	channelFeedFormat  = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"
	playlistFeedFormat = "https://www.youtube.com/feeds/videos.xml?playlist_id=%s"

	// YouTube serves a stripped page to unknown clients; a browser user
	// agent gets the markup the id extraction relies on.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

	maxBodyBytes = 4 * 1024 * 1024
)

var (
	channelIDRe  = regexp.MustCompile(`^UC[a-zA-Z0-9_-]{22}$`)
	playlistIDRe = regexp.MustCompile(`^(?:PL|UU|FL|OL|RD)[a-zA-Z0-9_-]{10,}$`)
	embeddedIDRe = regexp.MustCompile(`"(?:channelId|externalId|browseId)":"(UC[a-zA-Z0-9_-]{22})"`)
)

// ChannelFeedURL returns the feed URL for a channel id.
func ChannelFeedURL(channelID string) string {
	return fmt.Sprintf(channelFeedFormat, channelID)
}

// PlaylistFeedURL returns the feed URL for a playlist id.
func PlaylistFeedURL(playlistID string) string {
	return fmt.Sprintf(playlistFeedFormat, playlistID)
}

// IsChannelID reports whether s is a raw UC… channel id.
func IsChannelID(s string) bool {
	return channelIDRe.MatchString(s)
}

// PlaylistID accepts a raw playlist id or any YouTube URL carrying a
// list= parameter and returns the playlist id.
func PlaylistID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty playlist reference")
	}
	if playlistIDRe.MatchString(ref) {
		return ref, nil
	}

	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		ref = "https://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse playlist url: %w", err)
	}
	if id := u.Query().Get("list"); playlistIDRe.MatchString(id) {
		return id, nil
	}
	return "", fmt.Errorf("no playlist id in %q", ref)
}

// Resolver turns channel references into canonical channel ids.
type Resolver struct {
	client *http.Client
}

func NewResolver(client *http.Client) *Resolver {
	return &Resolver{client: client}
}

// ResolveChannelID accepts a raw UC… id, an @handle, or any youtube.com
// channel URL and returns the canonical channel id, fetching the channel
// page when the reference alone does not carry it.
func (r *Resolver) ResolveChannelID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty channel reference")
	}
	if channelIDRe.MatchString(ref) {
		return ref, nil
	}

	pageURL, err := normalizeRef(ref)
	if err != nil {
		return "", err
	}
	if id := idFromPath(pageURL); id != "" {
		return id, nil
	}

	return r.fetchChannelID(ctx, pageURL)
}

func normalizeRef(ref string) (string, error) {
	if strings.HasPrefix(ref, "@") {
		return "https://www.youtube.com/" + ref, nil
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		ref = "https://" + ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid channel url %q", ref)
	}
	return u.String(), nil
}

// idFromPath extracts the channel id from /channel/UC… URLs or a bare
// UC… path segment.
func idFromPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "channel" && channelIDRe.MatchString(parts[1]) {
		return parts[1]
	}
	if len(parts) >= 1 && channelIDRe.MatchString(parts[0]) {
		return parts[0]
	}
	return ""
}

func (r *Resolver) fetchChannelID(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch channel page: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch channel page: unexpected status %d", resp.StatusCode)
	}

	// Handle and custom URLs often redirect straight to the canonical
	// /channel/UC… address.
	if id := idFromPath(resp.Request.URL.String()); id != "" {
		return id, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read channel page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create document from reader: %w", err)
	}

	if id, ok := doc.Find("meta[itemprop='channelId']").Attr("content"); ok && channelIDRe.MatchString(id) {
		return id, nil
	}
	if href, ok := doc.Find("link[rel='canonical']").Attr("href"); ok {
		if id := idFromPath(href); id != "" {
			return id, nil
		}
	}
	if m := embeddedIDRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}

	return "", fmt.Errorf("channel id not found at %s", pageURL)
}
