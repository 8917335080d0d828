// Package engine drives the per-topic reconciliation loop: fetch, parse,
// select the current entry, fingerprint the rendered payload, and decide
// between create, edit, and skip against the topic's tracked message.
//
// Every topic run is contained at this boundary: an error anywhere in a
// cycle is logged with topic context and swallowed, so no topic can
// crash the scheduler. Runs are serialized on a single mutex because
// they all share the state document.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"wfstatus_bot/internal/config"
	"wfstatus_bot/internal/gateway"
	"wfstatus_bot/internal/model"
	"wfstatus_bot/internal/nodes"
	"wfstatus_bot/internal/parser"
	"wfstatus_bot/internal/render"
	"wfstatus_bot/internal/state"
)

const sweepLimit = 200

// feedFetcher is the slice of fetcher.Fetcher the engine needs.
type feedFetcher interface {
	FetchText(ctx context.Context, url string, meta model.CacheMeta) (string, model.CacheMeta, bool, error)
	FetchJSONCached(ctx context.Context, url, cachePath string, meta model.CacheMeta) ([]byte, model.CacheMeta, error)
	FetchDocument(ctx context.Context, url string) ([]byte, time.Time, error)
	FetchWithBackoff(ctx context.Context, url string) (string, error)
}

// publisher is the slice of gateway.Gateway the engine needs.
type publisher interface {
	Send(chatID int64, text string) (int, error)
	Edit(chatID int64, messageID int, text string) (int, error)
	Delete(chatID int64, messageID int) error
	SweepOwn(ctx context.Context, chatID int64, messageIDs []int, limit int) []int
}

// stateStore persists the engine's state document.
type stateStore interface {
	Save(*state.State) error
}

// Engine reconciles each topic's feed against its published message.
type Engine struct {
	cfg   *config.Config
	fetch feedFetcher
	gw    publisher
	store stateStore
	st    *state.State
	log   *slog.Logger
	loc   *time.Location
	now   func() time.Time

	// Serializes every topic run. The scheduler drives topics from
	// separate goroutines, and all of them read and write st (the
	// sent-message ledger in particular), so runs must not interleave.
	runMu sync.Mutex
}

// New creates an Engine. The timezone in cfg must resolve.
func New(cfg *config.Config, fetch feedFetcher, gw publisher, store stateStore, st *state.State, log *slog.Logger) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	return &Engine{
		cfg:   cfg,
		fetch: fetch,
		gw:    gw,
		store: store,
		st:    st,
		log:   log,
		loc:   loc,
		now:   time.Now,
	}, nil
}

// RefreshMain runs the hourly pair: clean the main channel's previous
// messages once, then publish arbitrations and incursions, both forced.
func (e *Engine) RefreshMain(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.cleanupMain(ctx)
	e.runArbitrationsLocked(ctx, true)
	e.runIncursionsLocked(ctx, true)
}

// RefreshInvasions publishes the invasion topic, cleaning its channel
// first when forced.
func (e *Engine) RefreshInvasions(ctx context.Context, force bool) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if force {
		e.cleanupTopic(ctx, model.TopicInvasions, e.cfg.InvasionsChannel)
	}
	e.runInvasionsLocked(ctx, force)
}

// RefreshCycles publishes the open-world cycle topic, cleaning its
// channel first when forced, and returns the delay until the next poll.
func (e *Engine) RefreshCycles(ctx context.Context, force bool) time.Duration {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if force {
		e.cleanupTopic(ctx, model.TopicCycles, e.cfg.CyclesChannel)
	}
	return e.runCyclesLocked(ctx, force)
}

// RunArbitrations reconciles the arbitration topic.
func (e *Engine) RunArbitrations(ctx context.Context, force bool) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.runArbitrationsLocked(ctx, force)
}

func (e *Engine) runArbitrationsLocked(ctx context.Context, force bool) {
	err := e.runTimedTopic(ctx, timedTopicSpec{
		topic:   model.TopicArbitrations,
		url:     e.cfg.ArbitrationsURL,
		chatID:  e.cfg.ChannelID,
		meta:    &e.st.ArbitrationsCache,
		current: e.currentArbitration,
	}, force)
	if err != nil {
		e.log.Error("topic cycle failed", "topic", model.TopicArbitrations, "error", err)
	}
}

// RunIncursions reconciles the incursion topic.
func (e *Engine) RunIncursions(ctx context.Context, force bool) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.runIncursionsLocked(ctx, force)
}

func (e *Engine) runIncursionsLocked(ctx context.Context, force bool) {
	err := e.runTimedTopic(ctx, timedTopicSpec{
		topic:   model.TopicIncursions,
		url:     e.cfg.IncursionsURL,
		chatID:  e.cfg.IncursionsChannelID(),
		meta:    &e.st.IncursionsCache,
		current: e.currentIncursion,
	}, force)
	if err != nil {
		e.log.Error("topic cycle failed", "topic", model.TopicIncursions, "error", err)
	}
}

// timedTopicSpec describes one of the two window-selected text feeds.
type timedTopicSpec struct {
	topic   model.Topic
	url     string
	chatID  int64
	meta    *model.CacheMeta
	current func(ctx context.Context, text string, now time.Time) (render.StatusPayload, bool)
}

func (e *Engine) runTimedTopic(ctx context.Context, spec timedTopicSpec, force bool) error {
	meta := *spec.meta
	if force {
		// A forced run must produce a body even if the remote still
		// matches the stored validators.
		meta = model.CacheMeta{}
	}

	text, newMeta, changed, err := e.fetch.FetchText(ctx, spec.url, meta)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if !changed && !force {
		e.log.Info("feed not modified", "topic", spec.topic)
		return nil
	}
	*spec.meta = newMeta

	payload, ok := spec.current(ctx, text, e.now())
	if !ok {
		e.log.Warn("no current row", "topic", spec.topic)
		return nil
	}

	hash := Fingerprint(payload)
	if hash == e.st.Hash(spec.topic) && !force {
		e.log.Info("payload unchanged", "topic", spec.topic)
		return nil
	}

	messageID, err := e.publishTracked(spec.topic, spec.chatID, render.StatusMessage(payload))
	if err != nil {
		return err
	}
	e.st.SetPublished(spec.topic, hash, messageID)
	e.persist()
	e.log.Info("published", "topic", spec.topic, "message_id", messageID)
	return nil
}

func (e *Engine) currentArbitration(ctx context.Context, text string, now time.Time) (render.StatusPayload, bool) {
	rows := parser.ParseArbitrations(text)
	row, ok := parser.SelectCurrent(rows, time.Hour, now)
	if !ok {
		return render.StatusPayload{}, false
	}
	dir, _ := e.loadNodeDirectory(ctx)
	return render.Arbitration(row, dir, e.loc, now), true
}

func (e *Engine) currentIncursion(ctx context.Context, text string, now time.Time) (render.StatusPayload, bool) {
	rows := parser.ParseIncursions(text)
	row, ok := parser.SelectCurrent(rows, 24*time.Hour, now)
	if !ok {
		return render.StatusPayload{}, false
	}
	dir, _ := e.loadNodeDirectory(ctx)
	return render.Incursions(row, dir, e.loc, now), true
}

// RunInvasions reconciles the invasion topic.
func (e *Engine) RunInvasions(ctx context.Context, force bool) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.runInvasionsLocked(ctx, force)
}

func (e *Engine) runInvasionsLocked(ctx context.Context, force bool) {
	if err := e.runInvasions(ctx, force); err != nil {
		e.log.Error("topic cycle failed", "topic", model.TopicInvasions, "error", err)
	}
}

func (e *Engine) runInvasions(ctx context.Context, force bool) error {
	chatID := e.cfg.InvasionsChannel
	if chatID == 0 {
		e.log.Warn("invasions channel not configured")
		return nil
	}

	// The invasion endpoint has no cache validators, so this path gets
	// the retrying fetch instead of a conditional one.
	body, err := e.fetch.FetchWithBackoff(ctx, e.cfg.InvasionsURL)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	sides, err := parser.ParseInvasions([]byte(body))
	if err != nil {
		return err
	}

	dir, dict := e.loadNodeDirectory(ctx)
	payload := render.Invasions(sides, dir, dict)
	hash := Fingerprint(payload)
	if hash == e.st.Hash(model.TopicInvasions) && !force {
		e.log.Info("payload unchanged", "topic", model.TopicInvasions)
		return nil
	}

	// The list composition changed: clear out the channel before posting
	// so a long roster never leaves stale messages behind.
	if hash != e.st.Hash(model.TopicInvasions) {
		e.sweepChannel(ctx, chatID)
	}

	messageID, err := e.publishTracked(model.TopicInvasions, chatID, render.InvasionsMessage(payload))
	if err != nil {
		return err
	}
	e.st.SetPublished(model.TopicInvasions, hash, messageID)
	e.persist()
	e.log.Info("published", "topic", model.TopicInvasions, "message_id", messageID)
	return nil
}

// RunOpenWorldCycles reconciles the open-world cycle topic and returns
// the delay until the next poll of this topic.
func (e *Engine) RunOpenWorldCycles(ctx context.Context, force bool) time.Duration {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.runCyclesLocked(ctx, force)
}

func (e *Engine) runCyclesLocked(ctx context.Context, force bool) time.Duration {
	delay, err := e.runOpenWorldCycles(ctx, force)
	if err != nil {
		e.log.Error("topic cycle failed", "topic", model.TopicCycles, "error", err)
		return 300 * time.Second
	}
	return delay
}

func (e *Engine) runOpenWorldCycles(ctx context.Context, force bool) (time.Duration, error) {
	chatID := e.cfg.CyclesChannel
	if chatID == 0 {
		e.log.Warn("cycles channel not configured")
		return 300 * time.Second, nil
	}

	body, serverNow, err := e.fetch.FetchDocument(ctx, e.cfg.CyclesURL)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	cycles, err := parser.ParseWorldCycles(body)
	if err != nil {
		return 0, err
	}

	now := e.now()
	payload := render.OpenWorldCycles(cycles, serverNow, now)
	delay := render.NextCycleDelay(payload, now)

	hash := Fingerprint(payload)
	if hash == e.st.Hash(model.TopicCycles) && !force {
		e.log.Info("payload unchanged", "topic", model.TopicCycles)
		return delay, nil
	}

	if hash != e.st.Hash(model.TopicCycles) {
		e.sweepChannel(ctx, chatID)
	}

	messageID, err := e.publishTracked(model.TopicCycles, chatID, render.CyclesMessage(payload, now))
	if err != nil {
		return 0, err
	}
	e.st.SetPublished(model.TopicCycles, hash, messageID)
	e.persist()
	e.log.Info("published", "topic", model.TopicCycles, "message_id", messageID, "next_poll", delay)
	return delay, nil
}

// publishTracked edits the topic's tracked message in place, falling
// back to a fresh send when the message is gone or no message is
// tracked. Sent ids land in the per-channel ledger before the caller
// persists, so a crash mid-publish is recoverable by the startup sweep.
func (e *Engine) publishTracked(topic model.Topic, chatID int64, text string) (int, error) {
	if tracked := e.st.MessageID(topic); tracked != 0 {
		messageID, err := e.gw.Edit(chatID, tracked, text)
		if err == nil {
			return messageID, nil
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return 0, fmt.Errorf("edit: %w", err)
		}
		e.log.Info("tracked message gone, posting new", "topic", topic, "message_id", tracked)
	}

	messageID, err := e.gw.Send(chatID, text)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	e.st.AppendSent(chatID, messageID)
	return messageID, nil
}

// cleanupMain deletes the previous arbitration and incursion messages and
// sweeps the main channel, then forgets both topics' publish state.
func (e *Engine) cleanupMain(ctx context.Context) {
	cleaned := false
	if id := e.st.MessageID(model.TopicArbitrations); id != 0 {
		cleaned = e.deleteTracked(e.cfg.ChannelID, id) || cleaned
	}
	if id := e.st.MessageID(model.TopicIncursions); id != 0 {
		cleaned = e.deleteTracked(e.cfg.IncursionsChannelID(), id) || cleaned
	}
	cleaned = e.sweepChannel(ctx, e.cfg.ChannelID) || cleaned

	e.st.ClearTopic(model.TopicArbitrations)
	e.st.ClearTopic(model.TopicIncursions)
	if cleaned {
		e.persist()
	}
}

// cleanupTopic deletes a topic's tracked message, sweeps its channel,
// and forgets its publish state.
func (e *Engine) cleanupTopic(ctx context.Context, topic model.Topic, chatID int64) {
	if chatID == 0 {
		return
	}
	cleaned := false
	if id := e.st.MessageID(topic); id != 0 {
		cleaned = e.deleteTracked(chatID, id) || cleaned
	}
	cleaned = e.sweepChannel(ctx, chatID) || cleaned

	e.st.ClearTopic(topic)
	if cleaned {
		e.persist()
	}
}

func (e *Engine) deleteTracked(chatID int64, messageID int) bool {
	err := e.gw.Delete(chatID, messageID)
	switch {
	case err == nil:
		e.st.ForgetSent(chatID, messageID)
		return true
	case errors.Is(err, gateway.ErrForbidden):
		e.log.Warn("missing permission to delete message", "chat_id", chatID, "message_id", messageID)
	default:
		e.log.Error("delete tracked message", "chat_id", chatID, "message_id", messageID, "error", err)
	}
	return false
}

// sweepChannel deletes every ledgered bot message in the channel.
func (e *Engine) sweepChannel(ctx context.Context, chatID int64) bool {
	ledger := e.st.Sent(chatID)
	if len(ledger) == 0 {
		return false
	}
	gone := e.gw.SweepOwn(ctx, chatID, ledger, sweepLimit)
	e.st.ForgetSent(chatID, gone...)
	return len(gone) > 0
}

// loadNodeDirectory fetches the export document and the localization
// dictionary (both disk-cached) and builds the node directory. Failures
// degrade to an empty directory so locations fall back to raw ids.
func (e *Engine) loadNodeDirectory(ctx context.Context) (nodes.Directory, map[string]string) {
	metaChanged := false

	exportsPath := filepath.Join(e.cfg.CacheDir, "ExportRegions.json")
	exportsBody, exportsMeta, err := e.fetch.FetchJSONCached(ctx, e.cfg.ExportsURL, exportsPath, e.st.ExportsCache)
	if err != nil {
		e.log.Error("load exports", "error", err)
		return nodes.Directory{}, nil
	}
	if exportsMeta != e.st.ExportsCache {
		e.st.ExportsCache = exportsMeta
		metaChanged = true
	}

	exports, err := decodeObject(exportsBody)
	if err != nil {
		e.log.Error("decode exports", "error", err)
		return nodes.Directory{}, nil
	}

	var dict map[string]string
	if e.cfg.DictURL != "" {
		dictPath := filepath.Join(e.cfg.CacheDir, "dict."+e.cfg.Lang+".json")
		dictBody, dictMeta, err := e.fetch.FetchJSONCached(ctx, e.cfg.DictURL, dictPath, e.st.DictCache)
		if err != nil {
			e.log.Warn("load dictionary", "error", err)
		} else {
			if dictMeta != e.st.DictCache {
				e.st.DictCache = dictMeta
				metaChanged = true
			}
			if err := json.Unmarshal(dictBody, &dict); err != nil {
				e.log.Warn("decode dictionary", "error", err)
				dict = nil
			}
		}
	}

	if metaChanged {
		e.persist()
	}
	return nodes.Build(exports, dict), dict
}

// persist rewrites the state document. A failed write is logged and the
// run continues: the worst case is a duplicate publish next cycle, which
// beats silently losing one.
func (e *Engine) persist() {
	if err := e.store.Save(e.st); err != nil {
		e.log.Error("persist state", "error", err)
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
