// Package model defines the domain types used across the application.
package model

// Topic identifies one independently scheduled feed/publish pipeline.
type Topic string

// Known topics.
const (
	TopicArbitrations Topic = "arbitrations"
	TopicIncursions   Topic = "incursions"
	TopicInvasions    Topic = "invasions"
	TopicCycles       Topic = "cycles"
)

// ArbitrationHour is one hourly arbitration rotation entry.
type ArbitrationHour struct {
	StartTS int64
	NodeID  string
}

// Start returns the entry's start as epoch seconds.
func (a ArbitrationHour) Start() int64 { return a.StartTS }

// IncursionDay is one daily set of steel path incursion nodes.
type IncursionDay struct {
	StartTS int64
	NodeIDs []string
}

// Start returns the entry's start as epoch seconds.
func (d IncursionDay) Start() int64 { return d.StartTS }

// CacheMeta carries HTTP validators for a cached remote resource.
// The zero value means no validators are known and the next fetch is
// unconditional.
type CacheMeta struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// IsZero reports whether no validators are present.
func (m CacheMeta) IsZero() bool {
	return m.ETag == "" && m.LastModified == ""
}

// NodeInfo maps an internal location id to its human-readable name.
// Planet and Mission are optional and empty when unknown.
type NodeInfo struct {
	ID      string
	Name    string
	Planet  string
	Mission string
}

// InvasionReward is a single reward item offered by an invasion side.
type InvasionReward struct {
	ItemType  string `json:"ItemType"`
	ItemCount int    `json:"ItemCount"`
}

// InvasionSide is one side of a live invasion as reported by the feed.
// Two rows share an ID, one per competing faction.
type InvasionSide struct {
	ID       string           `json:"id"`
	Node     string           `json:"node"`
	Ally     string           `json:"ally"`
	Missions []string         `json:"missions"`
	AllyPay  []InvasionReward `json:"allyPay"`
}

// WorldCycle is the raw day/night state of one open world.
type WorldCycle struct {
	State      string `json:"state"`
	IsDay      bool   `json:"isDay"`
	TimeLeft   string `json:"timeLeft"`
	Expiry     string `json:"expiry"`
	Activation string `json:"activation"`
}
