package delivery

import (
	"fmt"
	"strings"

	"feedrelay/internal/model"
)

const maxDescriptionRunes = 300

// FormatNotification renders one entry as a single-message notification.
func FormatNotification(feedName, title, description, link string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(feedName)
	b.WriteString("]\n\n")
	b.WriteString(title)
	if description != "" {
		b.WriteString("\n\n")
		b.WriteString(truncate(description, maxDescriptionRunes))
	}
	if link != "" {
		b.WriteString("\n\n")
		b.WriteString(link)
	}
	return b.String()
}

// FormatGoneNotice renders the one-time notice sent when a source is
// permanently removed.
func FormatGoneNotice(sub *model.Subscription) string {
	return fmt.Sprintf("Feed #%d %q is no longer available at its source. The subscription has been disabled; use /remove %d to drop it.",
		sub.ID, sub.Name, sub.ID)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
