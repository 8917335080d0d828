package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FormatSeconds renders a duration as a coarse human string, rounding up
// to whole minutes: "45m", "3h 5m", "2d 4h". Non-positive durations are
// "0m".
func FormatSeconds(d time.Duration) string {
	total := int64(d / time.Second)
	if total <= 0 {
		return "0m"
	}

	minutes := (total + 59) / 60
	hours := minutes / 60
	days := hours / 24
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours%24)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	}
	return fmt.Sprintf("%dm", minutes)
}

// formatTime renders an epoch second in the configured timezone plus its
// distance from now, e.g. "2026-01-05 14:00 CET (in 1h 12m)".
func formatTime(ts int64, loc *time.Location, now time.Time) string {
	t := time.Unix(ts, 0).In(loc)
	return fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04 MST"), relativeTime(ts, now))
}

// relativeTime renders the signed distance from now: "in 2h 5m",
// "ago 3m", or "now".
func relativeTime(ts int64, now time.Time) string {
	delta := ts - now.Unix()
	if delta == 0 {
		return "now"
	}

	suffix := "in"
	if delta < 0 {
		suffix = "ago"
		delta = -delta
	}

	minutes := delta / 60
	hours := minutes / 60
	days := hours / 24
	if days > 0 {
		return fmt.Sprintf("%s %dd %dh", suffix, days, hours%24)
	}
	if hours > 0 {
		return fmt.Sprintf("%s %dh %dm", suffix, hours, minutes%60)
	}
	return fmt.Sprintf("%s %dm", suffix, minutes)
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// splitCamel inserts spaces at lower-to-upper boundaries:
// "FieldronSample" becomes "Fieldron Sample".
func splitCamel(text string) string {
	return camelBoundary.ReplaceAllString(text, "$1 $2")
}

func titleCase(text string) string {
	words := strings.Fields(text)
	for i, word := range words {
		r := []rune(strings.ToLower(word))
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
