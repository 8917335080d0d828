// Package nodes builds the location directory used to turn internal node
// ids into human-readable name/planet/mission triples.
//
// The export document this is built from has shipped in several layouts
// over time: a flat id-to-record map, a top-level "Nodes" list, and a raw
// export tree with "Nodes" lists nested at arbitrary depth. Detection is
// an ordered list of shape detectors; the first one whose predicate
// matches supplies the extractor.
package nodes

import (
	"strings"

	"wfstatus_bot/internal/model"
)

// Directory is an immutable lookup from node id to display info.
type Directory map[string]model.NodeInfo

// Lookup returns the info for a node id, or false when unknown.
func (d Directory) Lookup(nodeID string) (model.NodeInfo, bool) {
	info, ok := d[nodeID]
	return info, ok
}

type shapeDetector struct {
	name    string
	matches func(map[string]any) bool
	extract func(map[string]any, map[string]string) Directory
}

var detectors = []shapeDetector{
	{
		name:    "node-map",
		matches: looksLikeNodeMap,
		extract: buildFromNodeMap,
	},
	{
		name: "nodes-list",
		matches: func(doc map[string]any) bool {
			_, ok := doc["Nodes"].([]any)
			return ok
		},
		extract: func(doc map[string]any, dict map[string]string) Directory {
			list, _ := doc["Nodes"].([]any)
			return buildFromList(list, dict)
		},
	},
	{
		name:    "export-tree",
		matches: func(map[string]any) bool { return true },
		extract: func(doc map[string]any, dict map[string]string) Directory {
			var found []any
			walkNodeLists(doc, &found)
			return buildFromList(found, dict)
		},
	},
}

// Build merges the export document with an optional localization
// dictionary into a Directory. dict may be nil.
func Build(exports map[string]any, dict map[string]string) Directory {
	for _, d := range detectors {
		if d.matches(exports) {
			return d.extract(exports, dict)
		}
	}
	return Directory{}
}

func looksLikeNodeMap(doc map[string]any) bool {
	for _, value := range doc {
		record, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := record["name"]; ok {
			return true
		}
		if _, ok := record["systemName"]; ok {
			return true
		}
	}
	return false
}

func buildFromNodeMap(doc map[string]any, dict map[string]string) Directory {
	result := Directory{}
	for nodeID, value := range doc {
		record, ok := value.(map[string]any)
		if !ok {
			continue
		}
		name := resolveName(firstKey(record, "name", "Name"), dict)
		if name == "" {
			name = nodeID
		}
		result[nodeID] = model.NodeInfo{
			ID:      nodeID,
			Name:    name,
			Planet:  resolveName(firstKey(record, "systemName", "SystemName"), dict),
			Mission: resolveName(firstKey(record, "missionName", "MissionName"), dict),
		}
	}
	return result
}

func buildFromList(list []any, dict map[string]string) Directory {
	result := Directory{}
	for _, item := range list {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		nodeID := firstKey(record, "Node", "node", "nodeId", "node_id", "NodeId")
		if nodeID == "" {
			continue
		}
		name := resolveName(firstKey(record, "Name", "name", "nodeName", "NodeName", "nameKey"), dict)
		if name == "" {
			name = nodeID
		}
		planet := resolveName(firstKey(record, "systemName", "SystemName", "Planet", "planet", "Region", "region", "system"), dict)
		mission := resolveName(firstKey(record, "missionName", "MissionName", "mission", "Mission"), dict)
		result[nodeID] = model.NodeInfo{ID: nodeID, Name: name, Planet: planet, Mission: mission}
	}
	return result
}

// resolveName localizes a raw identifier: dictionary hit first, then the
// tail of a /Lotus/Language/ path, then the raw value unchanged.
func resolveName(name string, dict map[string]string) string {
	if name == "" {
		return ""
	}
	if localized, ok := dict[name]; ok {
		return localized
	}
	if strings.HasPrefix(name, "/Lotus/Language/") {
		return name[strings.LastIndex(name, "/")+1:]
	}
	return name
}

func firstKey(record map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := record[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func walkNodeLists(value any, found *[]any) {
	switch v := value.(type) {
	case map[string]any:
		if list, ok := v["Nodes"].([]any); ok {
			*found = append(*found, list...)
		}
		for _, child := range v {
			walkNodeLists(child, found)
		}
	case []any:
		for _, child := range v {
			walkNodeLists(child, found)
		}
	}
}
