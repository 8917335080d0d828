// Package render builds the structured publish payloads from parsed feed
// rows and formats them as chat messages. Payloads are deterministic:
// equal inputs produce equal payloads, so they can be fingerprinted for
// change detection.
package render

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"wfstatus_bot/internal/model"
	"wfstatus_bot/internal/nodes"
)

// StatusPayload is the render input for the single-entry topics
// (arbitration, incursions).
type StatusPayload struct {
	Title      string
	Emoji      string
	Location   string
	Mission    string
	Start      string
	NextChange string
	Extra      []string
}

// InvasionRow is one invasion with its two competing sides in stable
// (faction-sorted) order.
type InvasionRow struct {
	Location string
	SideA    string
	SideB    string
}

// InvasionsPayload is the render input for the invasion topic.
type InvasionsPayload struct {
	Rows []InvasionRow
}

// CycleEntry is the rendered state of one open world. Expiry is epoch
// seconds, 0 when unknown.
type CycleEntry struct {
	Name     string
	State    string
	TimeLeft string
	Expiry   int64
}

// CyclesPayload is the render input for the open-world cycle topic.
type CyclesPayload struct {
	Earth   CycleEntry
	Cetus   CycleEntry
	Vallis  CycleEntry
	Cambion CycleEntry
}

// Arbitration builds the payload for the active arbitration entry.
func Arbitration(entry model.ArbitrationHour, dir nodes.Directory, loc *time.Location, now time.Time) StatusPayload {
	info, ok := dir.Lookup(entry.NodeID)
	mission := ""
	if ok && info.Mission != "" {
		mission = titleCase(info.Mission)
	}
	return StatusPayload{
		Title:      "Arbitration",
		Emoji:      "⚔️",
		Location:   formatNode(dir, entry.NodeID),
		Mission:    mission,
		Start:      formatTime(entry.StartTS, loc, now),
		NextChange: relativeTime(entry.StartTS+3600, now),
	}
}

// Incursions builds the payload for the active steel path incursion day.
func Incursions(entry model.IncursionDay, dir nodes.Directory, loc *time.Location, now time.Time) StatusPayload {
	extra := make([]string, 0, len(entry.NodeIDs))
	for _, nodeID := range entry.NodeIDs {
		extra = append(extra, formatNodeWithMission(dir, nodeID))
	}
	return StatusPayload{
		Title:      "Steel Path Incursions",
		Emoji:      "🛡️",
		Location:   "Multiple nodes",
		Start:      formatTime(entry.StartTS, loc, now),
		NextChange: relativeTime(entry.StartTS+86400, now),
		Extra:      extra,
	}
}

// Invasions groups the flat side list by invasion id and renders each
// side. Sides are ordered by faction name so the feed's row order never
// shows up as a spurious diff. Rows keep the feed's first-seen invasion
// order.
func Invasions(sides []model.InvasionSide, dir nodes.Directory, dict map[string]string) InvasionsPayload {
	grouped := make(map[string][]model.InvasionSide)
	var order []string
	for _, side := range sides {
		if side.ID == "" {
			continue
		}
		if _, seen := grouped[side.ID]; !seen {
			order = append(order, side.ID)
		}
		grouped[side.ID] = append(grouped[side.ID], side)
	}

	var rows []InvasionRow
	for _, id := range order {
		group := grouped[id]
		sort.SliceStable(group, func(i, j int) bool {
			return factionName(group[i].Ally) < factionName(group[j].Ally)
		})

		row := InvasionRow{Location: formatNode(dir, group[0].Node)}
		if len(group) > 0 {
			row.SideA = formatInvasionSide(group[0], dict)
		}
		if len(group) > 1 {
			row.SideB = formatInvasionSide(group[1], dict)
		}
		rows = append(rows, row)
	}
	return InvasionsPayload{Rows: rows}
}

// OpenWorldCycles builds the payload for the tracked open worlds.
// serverNow is the response Date header when available; the zero value
// falls back to local now for expiry math.
func OpenWorldCycles(cycles map[string]model.WorldCycle, serverNow, now time.Time) CyclesPayload {
	ref := now
	if !serverNow.IsZero() {
		ref = serverNow
	}
	return CyclesPayload{
		Earth:   cycleEntry("Earth", cycles["earthCycle"], ref),
		Cetus:   cycleEntry("Cetus", cycles["cetusCycle"], ref),
		Vallis:  vallisEntry(),
		Cambion: cycleEntry("Cambion", cycles["cambionCycle"], ref),
	}
}

// Entries returns the payload's worlds in display order.
func (p CyclesPayload) Entries() []CycleEntry {
	return []CycleEntry{p.Earth, p.Cetus, p.Vallis, p.Cambion}
}

// NextCycleDelay computes how long to wait before the next cycle poll:
// 5s past the soonest future expiry, at least 30s, or 300s when no world
// has a known future expiry.
func NextCycleDelay(p CyclesPayload, now time.Time) time.Duration {
	const (
		slack       = 5 * time.Second
		floor       = 30 * time.Second
		defaultWait = 300 * time.Second
	)

	nowTS := now.Unix()
	var next int64
	for _, entry := range p.Entries() {
		if entry.Expiry < nowTS || entry.Expiry == 0 {
			continue
		}
		if next == 0 || entry.Expiry < next {
			next = entry.Expiry
		}
	}
	if next == 0 {
		return defaultWait
	}
	delay := time.Duration(next-nowTS)*time.Second + slack
	if delay < floor {
		return floor
	}
	return delay
}

func cycleEntry(name string, cycle model.WorldCycle, ref time.Time) CycleEntry {
	state := cycle.State
	if state == "" {
		if cycle.IsDay {
			state = "day"
		} else {
			state = "night"
		}
	}

	var expiry int64
	if t, err := time.Parse(time.RFC3339, cycle.Expiry); err == nil {
		expiry = t.Unix()
	}

	timeLeft := cycle.TimeLeft
	if timeLeft == "" && expiry != 0 && expiry >= ref.Unix() {
		timeLeft = FormatSeconds(time.Duration(expiry-ref.Unix()) * time.Second)
	}
	if timeLeft == "" {
		timeLeft = "unknown"
	}

	return CycleEntry{
		Name:     name,
		State:    titleCase(state),
		TimeLeft: timeLeft,
		Expiry:   expiry,
	}
}

// The upstream Orb Vallis feed has been stuck for a long time; publish a
// fixed placeholder instead of a bogus countdown.
func vallisEntry() CycleEntry {
	return CycleEntry{Name: "Orb Vallis", State: "Fixing"}
}

func formatNode(dir nodes.Directory, nodeID string) string {
	info, ok := dir.Lookup(nodeID)
	if !ok {
		if nodeID == "" {
			return "Unknown"
		}
		return nodeID
	}
	if info.Planet != "" {
		return info.Name + " (" + info.Planet + ")"
	}
	return info.Name
}

func formatNodeWithMission(dir nodes.Directory, nodeID string) string {
	base := formatNode(dir, nodeID)
	info, ok := dir.Lookup(nodeID)
	if !ok || info.Mission == "" {
		return base
	}
	return base + " - " + titleCase(info.Mission)
}

func formatInvasionSide(side model.InvasionSide, dict map[string]string) string {
	var b strings.Builder
	b.WriteString(factionName(side.Ally))
	b.WriteString(": ")

	missions := make([]string, 0, len(side.Missions))
	for _, m := range side.Missions {
		missions = append(missions, titleCase(splitCamel(m)))
	}
	b.WriteString(strings.Join(missions, " / "))

	if rewards := formatRewards(side.AllyPay, dict); rewards != "" {
		b.WriteString(" - ")
		b.WriteString(rewards)
	}
	return b.String()
}

func formatRewards(items []model.InvasionReward, dict map[string]string) string {
	var rewards []string
	for _, item := range items {
		name := itemName(item.ItemType, dict)
		if name == "" {
			continue
		}
		if item.ItemCount > 1 {
			name += " x" + strconv.Itoa(item.ItemCount)
		}
		rewards = append(rewards, name)
	}
	return strings.Join(rewards, ", ")
}

func itemName(itemType string, dict map[string]string) string {
	if itemType == "" {
		return ""
	}
	if localized, ok := dict[itemType]; ok {
		return localized
	}
	tail := itemType[strings.LastIndex(itemType, "/")+1:]
	return titleCase(splitCamel(tail))
}

var factionNames = map[string]string{
	"FC_CORPUS":      "Corpus",
	"FC_GRINEER":     "Grineer",
	"FC_INFESTATION": "Infestation",
	"FC_OROKIN":      "Orokin",
	"FC_MITW":        "MurMur",
	"FC_SENTIENT":    "Sentient",
}

func factionName(code string) string {
	if code == "" {
		return "Unknown"
	}
	if name, ok := factionNames[code]; ok {
		return name
	}
	return code
}
