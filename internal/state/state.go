// Package state persists the per-topic publish bookkeeping as a single
// JSON document. The whole record is recomputed from memory and rewritten
// on every save; there are no partial updates.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"wfstatus_bot/internal/model"
)

// State is the durable record of everything the bot must remember across
// restarts: the last published fingerprint and tracked message per topic,
// HTTP validators for the cached remote documents, and the ledger of
// message ids this bot has sent per channel.
//
// Empty string fingerprints and zero message ids mean "none".
type State struct {
	LastHashArbitrations string `json:"last_hash_arbitrations,omitempty"`
	LastHashIncursions   string `json:"last_hash_incursions,omitempty"`
	LastHashInvasions    string `json:"last_hash_invasions,omitempty"`
	LastHashCycles       string `json:"last_hash_cycles,omitempty"`

	MessageIDArbitrations int `json:"message_id_arbitrations,omitempty"`
	MessageIDIncursions   int `json:"message_id_incursions,omitempty"`
	MessageIDInvasions    int `json:"message_id_invasions,omitempty"`
	MessageIDCycles       int `json:"message_id_cycles,omitempty"`

	ArbitrationsCache model.CacheMeta `json:"arbitrations_cache,omitzero"`
	IncursionsCache   model.CacheMeta `json:"incursions_cache,omitzero"`
	ExportsCache      model.CacheMeta `json:"exports_cache,omitzero"`
	DictCache         model.CacheMeta `json:"dict_cache,omitzero"`

	// SentLog records every message id this bot has posted, per channel,
	// so a cold start can sweep strays even when the per-topic tracked id
	// was lost between posting and persisting.
	SentLog map[int64][]int `json:"sent_log,omitempty"`
}

// Hash returns the last published fingerprint for a topic.
func (s *State) Hash(topic model.Topic) string {
	switch topic {
	case model.TopicArbitrations:
		return s.LastHashArbitrations
	case model.TopicIncursions:
		return s.LastHashIncursions
	case model.TopicInvasions:
		return s.LastHashInvasions
	case model.TopicCycles:
		return s.LastHashCycles
	}
	return ""
}

// MessageID returns the tracked message id for a topic (0 = none).
func (s *State) MessageID(topic model.Topic) int {
	switch topic {
	case model.TopicArbitrations:
		return s.MessageIDArbitrations
	case model.TopicIncursions:
		return s.MessageIDIncursions
	case model.TopicInvasions:
		return s.MessageIDInvasions
	case model.TopicCycles:
		return s.MessageIDCycles
	}
	return 0
}

// SetPublished records a successful publish for a topic.
func (s *State) SetPublished(topic model.Topic, hash string, messageID int) {
	switch topic {
	case model.TopicArbitrations:
		s.LastHashArbitrations, s.MessageIDArbitrations = hash, messageID
	case model.TopicIncursions:
		s.LastHashIncursions, s.MessageIDIncursions = hash, messageID
	case model.TopicInvasions:
		s.LastHashInvasions, s.MessageIDInvasions = hash, messageID
	case model.TopicCycles:
		s.LastHashCycles, s.MessageIDCycles = hash, messageID
	}
}

// ClearTopic wipes the fingerprint and tracked message of a topic.
func (s *State) ClearTopic(topic model.Topic) {
	s.SetPublished(topic, "", 0)
}

// AppendSent records a message id in the per-channel sent ledger.
func (s *State) AppendSent(channelID int64, messageID int) {
	if s.SentLog == nil {
		s.SentLog = make(map[int64][]int)
	}
	s.SentLog[channelID] = append(s.SentLog[channelID], messageID)
}

// Sent returns the ledgered message ids for a channel.
func (s *State) Sent(channelID int64) []int {
	return s.SentLog[channelID]
}

// ForgetSent drops message ids from a channel's ledger.
func (s *State) ForgetSent(channelID int64, messageIDs ...int) {
	drop := make(map[int]bool, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = true
	}
	var kept []int
	for _, id := range s.SentLog[channelID] {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(s.SentLog, channelID)
		return
	}
	s.SentLog[channelID] = kept
}

// Store reads and writes the state document.
type Store struct {
	path string
}

// NewStore creates a Store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the state document. A missing file yields a zero state.
func (st *Store) Load() (*State, error) {
	data, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", st.path, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", st.path, err)
	}
	return &s, nil
}

// Save rewrites the whole state document atomically: the marshalled
// record goes to a temp file in the same directory, then replaces the
// previous document with a rename.
func (st *Store) Save(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(st.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), st.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
