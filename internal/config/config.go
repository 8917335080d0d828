// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Default feed endpoints. All of them can be overridden per environment.
const (
	defaultArbitrationsURL = "https://browse.wf/arbys.txt"
	defaultIncursionsURL   = "https://browse.wf/sp-incursions.txt"
	defaultInvasionsURL    = "https://oracle.browse.wf/invasions"
	defaultExportsURL      = "https://browse.wf/warframe-public-export-plus/ExportRegions.json"
	defaultDictURLFormat   = "https://browse.wf/warframe-public-export-plus/dict.%s.json"
	defaultCyclesURL       = "https://api.warframestat.us/pc/"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken  string
	ChannelID         int64
	IncursionsChannel int64
	InvasionsChannel  int64
	CyclesChannel     int64
	Lang              string
	Timezone          string
	PollHourMinute    int
	StatePath         string
	CacheDir          string
	LogLevel          string
	ArbitrationsURL   string
	IncursionsURL     string
	InvasionsURL      string
	ExportsURL        string
	DictURL           string
	CyclesURL         string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	channelID, err := requireInt64("CHANNEL_ID")
	if err != nil {
		return nil, err
	}

	incursionsChannel, err := optionalInt64("INCURSIONS_CHANNEL_ID")
	if err != nil {
		return nil, err
	}
	invasionsChannel, err := optionalInt64("INVASIONS_CHANNEL_ID")
	if err != nil {
		return nil, err
	}
	cyclesChannel, err := optionalInt64("CYCLES_CHANNEL_ID")
	if err != nil {
		return nil, err
	}

	minute := 1
	if raw := os.Getenv("POLL_HOUR_MINUTE"); raw != "" {
		minute, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_HOUR_MINUTE %q: %w", raw, err)
		}
		if minute < 0 || minute > 59 {
			return nil, fmt.Errorf("POLL_HOUR_MINUTE %d out of range [0,59]", minute)
		}
	}

	lang := getenvDefault("LANG_CODE", "es")

	return &Config{
		TelegramBotToken:  token,
		ChannelID:         channelID,
		IncursionsChannel: incursionsChannel,
		InvasionsChannel:  invasionsChannel,
		CyclesChannel:     cyclesChannel,
		Lang:              lang,
		Timezone:          getenvDefault("TZ_NAME", "Europe/Madrid"),
		PollHourMinute:    minute,
		StatePath:         getenvDefault("STATE_PATH", "./data/state.json"),
		CacheDir:          getenvDefault("CACHE_DIR", "./cache"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		ArbitrationsURL:   getenvDefault("ARBITRATIONS_URL", defaultArbitrationsURL),
		IncursionsURL:     getenvDefault("INCURSIONS_URL", defaultIncursionsURL),
		InvasionsURL:      getenvDefault("INVASIONS_URL", defaultInvasionsURL),
		ExportsURL:        getenvDefault("EXPORTS_URL", defaultExportsURL),
		DictURL:           getenvDefault("DICT_URL", fmt.Sprintf(defaultDictURLFormat, lang)),
		CyclesURL:         getenvDefault("CYCLES_URL", defaultCyclesURL),
	}, nil
}

// IncursionsChannelID returns the incursions channel, falling back to the
// main channel when no dedicated one is configured.
func (c *Config) IncursionsChannelID() int64 {
	if c.IncursionsChannel != 0 {
		return c.IncursionsChannel
	}
	return c.ChannelID
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireInt64(key string) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func optionalInt64(key string) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
