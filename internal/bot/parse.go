package bot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"mvdan.cc/xurls/v2"

	"feedrelay/internal/digest"
	"feedrelay/internal/model"
)

var urlRe = xurls.Strict()

// AddArgs holds the parsed arguments of a subscribe command.
type AddArgs struct {
	Target          string
	Mode            model.DeliveryMode
	Name            string
	IntervalMinutes int
	DigestTime      string
}

// ParseAddArgs parses /add arguments: a feed URL anywhere in the text
// plus optional key=value settings.
func ParseAddArgs(args string) (AddArgs, error) {
	target := urlRe.FindString(args)
	if target == "" {
		return AddArgs{}, fmt.Errorf("no feed URL found, usage: /add <url> [mode=...] [name=...] [interval=N] [time=HH:MM]")
	}

	rest := strings.Fields(strings.Replace(args, target, "", 1))
	parsed, err := parseSubscribeOpts(rest)
	if err != nil {
		return AddArgs{}, err
	}
	parsed.Target = target
	return parsed, nil
}

// ParseSourceArgs parses /channel and /playlist arguments: an id or link
// first, then optional key=value settings.
func ParseSourceArgs(args string) (AddArgs, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return AddArgs{}, fmt.Errorf("target is required")
	}

	parsed, err := parseSubscribeOpts(fields[1:])
	if err != nil {
		return AddArgs{}, err
	}
	parsed.Target = fields[0]
	return parsed, nil
}

func parseSubscribeOpts(fields []string) (AddArgs, error) {
	var a AddArgs
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return AddArgs{}, fmt.Errorf("unrecognized argument %q, expected key=value", f)
		}
		switch key {
		case "mode":
			mode, err := ParseMode(value)
			if err != nil {
				return AddArgs{}, err
			}
			a.Mode = mode
		case "name", "label":
			a.Name = value
		case "interval":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > 1440 {
				return AddArgs{}, fmt.Errorf("interval must be between 1 and 1440 minutes")
			}
			a.IntervalMinutes = n
		case "time":
			if _, _, err := digest.ParseTime(value); err != nil {
				return AddArgs{}, fmt.Errorf("invalid time %q, expected HH:MM", value)
			}
			a.DigestTime = value
		default:
			return AddArgs{}, fmt.Errorf("unknown option %q", key)
		}
	}
	return a, nil
}

// ParseMode validates a delivery mode argument.
func ParseMode(s string) (model.DeliveryMode, error) {
	switch mode := model.DeliveryMode(s); mode {
	case model.ModeImmediate, model.ModeDigest, model.ModeOnDemand:
		return mode, nil
	}
	return "", fmt.Errorf("invalid mode %q, use: immediate, digest, on_demand", s)
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("subscription ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subscription ID %q", s)
	}
	return id, nil
}

// ParseSetModeArgs parses "<id> <mode> [time=HH:MM]".
func ParseSetModeArgs(args string) (int64, model.DeliveryMode, string, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return 0, "", "", fmt.Errorf("usage: /setmode <id> <mode> [time=HH:MM]")
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("invalid subscription ID %q", parts[0])
	}
	mode, err := ParseMode(parts[1])
	if err != nil {
		return 0, "", "", err
	}

	var digestTime string
	for _, p := range parts[2:] {
		v, ok := strings.CutPrefix(p, "time=")
		if !ok {
			return 0, "", "", fmt.Errorf("unrecognized argument %q", p)
		}
		if _, _, err := digest.ParseTime(v); err != nil {
			return 0, "", "", fmt.Errorf("invalid time %q, expected HH:MM", v)
		}
		digestTime = v
	}
	return id, mode, digestTime, nil
}

// ParseCountArgs parses "<id> [n]" for pull and backfill commands; a
// missing count yields 0.
func ParseCountArgs(args string) (int64, int, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return 0, 0, fmt.Errorf("subscription ID is required")
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subscription ID %q", parts[0])
	}

	count := 0
	if len(parts) > 1 {
		count, err = strconv.Atoi(parts[1])
		if err != nil || count < 1 {
			return 0, 0, fmt.Errorf("count must be a positive number")
		}
	}
	return id, count, nil
}

// ParseRenameArgs extracts a subscription ID and new name.
func ParseRenameArgs(args string) (int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("usage: /rename <id> <new_name>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid subscription ID %q", parts[0])
	}
	name := strings.TrimSpace(parts[1])
	if name == "" {
		return 0, "", fmt.Errorf("new name cannot be empty")
	}
	return id, name, nil
}

// ParseIntervalArgs extracts a subscription ID and poll interval in minutes.
func ParseIntervalArgs(args string) (int64, int, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("usage: /interval <id> <minutes>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subscription ID %q", parts[0])
	}
	mins, err := strconv.Atoi(parts[1])
	if err != nil || mins < 1 || mins > 1440 {
		return 0, 0, fmt.Errorf("interval must be between 1 and 1440 minutes")
	}
	return id, mins, nil
}

// rulesPayload is the JSON shape accepted by /setrules. Unknown fields
// are rejected at this boundary, before anything reaches evaluation.
type rulesPayload struct {
	IncludeKeywords []string `json:"include_keywords"`
	ExcludeKeywords []string `json:"exclude_keywords"`
	IncludeRegex    []string `json:"include_regex"`
	ExcludeRegex    []string `json:"exclude_regex"`
	Categories      []string `json:"categories"`
	RequireAll      bool     `json:"require_all"`
	CaseSensitive   bool     `json:"case_sensitive"`
	MinDurationSec  *int     `json:"min_duration_sec"`
	MaxDurationSec  *int     `json:"max_duration_sec"`
}

// ParseRuleSetArgs parses "/setrules <id> <json|clear>". clear=true means
// the existing rules should be removed.
func ParseRuleSetArgs(args string) (id int64, rs *model.RuleSet, clear bool, err error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 {
		return 0, nil, false, fmt.Errorf("usage: /setrules <id> <json|clear>")
	}

	id, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, nil, false, fmt.Errorf("invalid subscription ID %q", parts[0])
	}

	payload := strings.TrimSpace(parts[1])
	if payload == "clear" {
		return id, nil, true, nil
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	var p rulesPayload
	if err := dec.Decode(&p); err != nil {
		return 0, nil, false, fmt.Errorf("invalid rules JSON: %w", err)
	}

	rs = &model.RuleSet{
		SubscriptionID:  id,
		IncludeKeywords: p.IncludeKeywords,
		ExcludeKeywords: p.ExcludeKeywords,
		IncludeRegex:    p.IncludeRegex,
		ExcludeRegex:    p.ExcludeRegex,
		Categories:      p.Categories,
		RequireAll:      p.RequireAll,
		CaseSensitive:   p.CaseSensitive,
		MinDurationSec:  p.MinDurationSec,
		MaxDurationSec:  p.MaxDurationSec,
	}
	return id, rs, false, nil
}
