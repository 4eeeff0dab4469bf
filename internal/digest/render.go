package digest

import (
	"strings"
	"unicode/utf8"

	"feedrelay/internal/model"
)

const digestHeader = "Digest of new entries:"

// Page is one rendered digest message together with the entries it covers.
type Page struct {
	Text    string
	Entries []model.Entry
}

// Paginate renders batch into digest pages. Entries are expected in
// (subscription, published) order; each subscription's entries appear
// under a heading with its name. A page is closed when adding the next
// entry would exceed maxItems entries or maxChars runes; a heading is
// repeated when its subscription spills onto a new page. An entry too
// long for the caps still gets a page of its own.
func Paginate(batch []model.Entry, names map[int64]string, maxItems, maxChars int) []Page {
	var (
		pages   []Page
		b       strings.Builder
		entries []model.Entry
		lastSub int64 = -1
	)

	flush := func() {
		if len(entries) == 0 {
			return
		}
		pages = append(pages, Page{Text: b.String(), Entries: entries})
		b.Reset()
		entries = nil
		lastSub = -1
	}

	for _, e := range batch {
		block := entryBlock(&e, names[e.SubscriptionID], e.SubscriptionID != lastSub)
		if len(entries) > 0 {
			full := utf8.RuneCountInString(b.String()) + utf8.RuneCountInString(block)
			if len(entries) >= maxItems || full > maxChars {
				flush()
				block = entryBlock(&e, names[e.SubscriptionID], true)
			}
		}

		if len(entries) == 0 {
			b.WriteString(digestHeader)
		}
		b.WriteString(block)
		entries = append(entries, e)
		lastSub = e.SubscriptionID
	}
	flush()

	return pages
}

func entryBlock(e *model.Entry, name string, withHeading bool) string {
	var b strings.Builder

	if withHeading {
		b.WriteString("\n\n")
		if name != "" {
			b.WriteString(name)
			b.WriteString(":\n")
		}
	} else {
		b.WriteString("\n")
	}

	b.WriteString("• ")
	b.WriteString(e.Title)
	if !e.PublishedAt.IsZero() {
		b.WriteString(e.PublishedAt.UTC().Format(" (2006-01-02)"))
	}
	if e.Link != "" {
		b.WriteString("\n")
		b.WriteString(e.Link)
	}

	return b.String()
}
