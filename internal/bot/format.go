package bot

import (
	"fmt"
	"strings"

	"feedrelay/internal/model"
)

const (
	statusActive = "active"
	statusMuted  = "muted"
)

// FormatSubscriptionList formats a recipient's subscriptions for display.
func FormatSubscriptionList(subs []model.Subscription, ruleCounts map[int64]int) string {
	if len(subs) == 0 {
		return "You have no subscriptions yet. Use /add <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for _, s := range subs {
		status := statusActive
		if !s.Enabled {
			status = statusMuted
		}
		fmt.Fprintf(&b, "\n#%d %s  [%s] (every %d min) [%s]\n",
			s.ID, s.Name, modeLabel(&s), s.IntervalMinutes, status)
		if n := ruleCounts[s.ID]; n == 0 {
			b.WriteString("   no rules\n")
		} else {
			fmt.Fprintf(&b, "   %d rule(s)\n", n)
		}
	}
	return b.String()
}

// FormatSubscriptionInfo formats detailed information about a single
// subscription, including its rules and poll state.
func FormatSubscriptionInfo(sub *model.Subscription, rs *model.RuleSet, state *model.FeedState) string {
	var b strings.Builder
	status := statusActive
	if !sub.Enabled {
		status = statusMuted
	}
	fmt.Fprintf(&b, "#%d %s [%s]\n", sub.ID, sub.Name, status)
	fmt.Fprintf(&b, "Source: %s\n", sourceLabel(sub.SourceType))
	fmt.Fprintf(&b, "URL: %s\n", sub.URL)
	fmt.Fprintf(&b, "Mode: %s\n", modeLabel(sub))
	fmt.Fprintf(&b, "Interval: every %d min\n", sub.IntervalMinutes)
	if state != nil && state.LastPollAt != nil {
		fmt.Fprintf(&b, "Last poll: %s\n", state.LastPollAt.Format("2006-01-02 15:04 UTC"))
	}
	if state != nil && state.LastDigestAt != nil {
		fmt.Fprintf(&b, "Last digest: %s\n", state.LastDigestAt.Format("2006-01-02 15:04 UTC"))
	}
	b.WriteString("\n")
	b.WriteString(FormatRuleSet(sub, rs))
	return b.String()
}

// FormatRuleSet formats a subscription's rule set grouped by rule kind.
func FormatRuleSet(sub *model.Subscription, rs *model.RuleSet) string {
	if rs.Empty() {
		return fmt.Sprintf("No rules for #%d \"%s\".\nUse /setrules %d <json> to add rules.", sub.ID, sub.Name, sub.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rules for #%d \"%s\":\n", sub.ID, sub.Name)

	groups := []struct {
		label  string
		values []string
	}{
		{"Include keywords", rs.IncludeKeywords},
		{"Include regex", rs.IncludeRegex},
		{"Exclude keywords", rs.ExcludeKeywords},
		{"Exclude regex", rs.ExcludeRegex},
		{"Categories", rs.Categories},
	}
	for _, g := range groups {
		if len(g.values) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", g.label)
		for _, v := range g.values {
			fmt.Fprintf(&b, "  %s\n", v)
		}
	}

	if rs.MinDurationSec != nil || rs.MaxDurationSec != nil {
		b.WriteString("\nDuration:\n")
		if rs.MinDurationSec != nil {
			fmt.Fprintf(&b, "  min %ds\n", *rs.MinDurationSec)
		}
		if rs.MaxDurationSec != nil {
			fmt.Fprintf(&b, "  max %ds\n", *rs.MaxDurationSec)
		}
	}

	match := "any include group"
	if rs.RequireAll {
		match = "all include groups"
	}
	caseMode := "insensitive"
	if rs.CaseSensitive {
		caseMode = "sensitive"
	}
	fmt.Fprintf(&b, "\nMatch: %s, case %s\n", match, caseMode)
	return b.String()
}

// ruleCount returns how many individual rules a rule set carries.
func ruleCount(rs *model.RuleSet) int {
	if rs.Empty() {
		return 0
	}
	n := len(rs.IncludeKeywords) + len(rs.ExcludeKeywords) +
		len(rs.IncludeRegex) + len(rs.ExcludeRegex) + len(rs.Categories)
	if rs.MinDurationSec != nil {
		n++
	}
	if rs.MaxDurationSec != nil {
		n++
	}
	return n
}

func modeLabel(sub *model.Subscription) string {
	if sub.Mode == model.ModeDigest && sub.DigestTime != "" {
		return fmt.Sprintf("digest at %s", sub.DigestTime)
	}
	return string(sub.Mode)
}

func sourceLabel(st model.SourceType) string {
	switch st {
	case model.SourceYouTubeChannel:
		return "YouTube channel"
	case model.SourceYouTubePlaylist:
		return "YouTube playlist"
	default:
		return "RSS/Atom"
	}
}
