package render

import (
	"fmt"
	"strings"
	"time"
)

const (
	separator = "------------------------------"
	credit    = "Thanks to https://browse.wf/about for their great work."
)

// StatusMessage renders a single-entry topic payload as message text.
func StatusMessage(p StatusPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n%s\n", p.Emoji, p.Title, separator)
	fmt.Fprintf(&b, "- 📍 Location: %s\n", p.Location)
	if p.Mission != "" {
		fmt.Fprintf(&b, "- 🧭 Mission: %s\n", p.Mission)
	}
	fmt.Fprintf(&b, "- ⏱ Start: %s\n", p.Start)
	if p.NextChange != "" {
		fmt.Fprintf(&b, "- 🔄 Next change: %s\n", p.NextChange)
	}
	if len(p.Extra) > 0 {
		b.WriteString("- 🧭 Incursions:\n")
		for _, item := range p.Extra {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}
	b.WriteString(separator + "\n")
	b.WriteString(credit + "\n")
	return b.String()
}

// InvasionsMessage renders the invasion payload as message text.
func InvasionsMessage(p InvasionsPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Invasions\n%s\n", separator)
	for _, row := range p.Rows {
		var sides []string
		if row.SideA != "" {
			sides = append(sides, row.SideA)
		}
		if row.SideB != "" {
			sides = append(sides, row.SideB)
		}
		fmt.Fprintf(&b, "🛰 %s - %s\n", row.Location, strings.Join(sides, " | "))
	}
	b.WriteString(separator + "\n")
	b.WriteString("- 🔄 Next check: 5m\n")
	b.WriteString(credit + "\n")
	return b.String()
}

// CyclesMessage renders the open-world cycle payload as message text.
func CyclesMessage(p CyclesPayload, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🌍 Open World Cycles\n%s\n", separator)
	for _, entry := range p.Entries() {
		if entry.TimeLeft != "" {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", entry.Name, entry.State, entry.TimeLeft)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", entry.Name, entry.State)
		}
	}
	fmt.Fprintf(&b, "- 🔄 Next change: %s\n", FormatSeconds(NextCycleDelay(p, now)))
	b.WriteString(separator + "\n")
	b.WriteString(credit + "\n")
	return b.String()
}
