// Package parser converts the raw feed formats into typed rows.
//
// The two text feeds are line oriented: arbitrations use
// "epoch_seconds,node_id", incursions use "epoch_seconds;node_id[,node_id...]".
// Malformed lines are skipped individually and never abort the rest of the
// document.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"wfstatus_bot/internal/model"
)

// ParseArbitrations parses the hourly arbitration rotation feed.
func ParseArbitrations(text string) []model.ArbitrationHour {
	var rows []model.ArbitrationHour
	for _, line := range lines(text) {
		parts := splitFields(line, ",")
		if len(parts) != 2 {
			continue
		}
		ts, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || parts[1] == "" {
			continue
		}
		rows = append(rows, model.ArbitrationHour{StartTS: ts, NodeID: parts[1]})
	}
	return rows
}

// ParseIncursions parses the daily steel path incursion feed.
func ParseIncursions(text string) []model.IncursionDay {
	var rows []model.IncursionDay
	for _, line := range lines(text) {
		parts := splitFields(line, ";")
		if len(parts) != 2 {
			continue
		}
		ts, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		var nodes []string
		for _, n := range strings.Split(parts[1], ",") {
			if n = strings.TrimSpace(n); n != "" {
				nodes = append(nodes, n)
			}
		}
		if len(nodes) == 0 {
			continue
		}
		rows = append(rows, model.IncursionDay{StartTS: ts, NodeIDs: nodes})
	}
	return rows
}

// ParseInvasions decodes the live invasions document. The endpoint has
// served both a bare JSON array and an object with an "invasions" key, so
// both shapes are accepted.
func ParseInvasions(data []byte) ([]model.InvasionSide, error) {
	var sides []model.InvasionSide
	if err := json.Unmarshal(data, &sides); err == nil {
		return sides, nil
	}

	var wrapped struct {
		Invasions []model.InvasionSide `json:"invasions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode invasions: %w", err)
	}
	return wrapped.Invasions, nil
}

// ParseWorldCycles decodes the open-world cycle document, keyed by world
// name ("earthCycle", "cetusCycle", ...). Non-object values are dropped.
func ParseWorldCycles(data []byte) (map[string]model.WorldCycle, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode cycles: %w", err)
	}

	cycles := make(map[string]model.WorldCycle, len(raw))
	for key, value := range raw {
		var cycle model.WorldCycle
		if err := json.Unmarshal(value, &cycle); err != nil {
			continue
		}
		cycles[key] = cycle
	}
	return cycles, nil
}

func lines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitFields(line, sep string) []string {
	parts := strings.Split(line, sep)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
