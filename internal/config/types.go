package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// Config is the on-disk configuration of talkied (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Speech    SpeechConfig    `json:"speech"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Debug     DebugConfig     `json:"debug"`

	// Premium unlocks the premium feature set for every page.
	Premium bool `json:"premium"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SpeechConfig struct {
	MaxPartLength int           `json:"max_part_length,omitempty"`
	RatePerSec    float64       `json:"rate_per_sec,omitempty"`
	Burst         int           `json:"burst,omitempty"`
	PerChar       string        `json:"per_char,omitempty"` // simulated speaking time per character
	Voices        []VoiceConfig `json:"voices,omitempty"`
	Defaults      VoiceSettings `json:"defaults"`
}

type VoiceConfig struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

type VoiceSettings struct {
	Voice          string   `json:"voice,omitempty"`
	Language       string   `json:"language,omitempty"`
	Rate           float64  `json:"rate,omitempty"`
	Pitch          *float64 `json:"pitch,omitempty"` // nil means 1; 0 is a valid pitch
	SpeakLongTexts bool     `json:"speak_long_texts,omitempty"`
}

type BroadcastConfig struct {
	// Sweep is a cron spec (descriptors allowed) for pruning listeners of dead pages.
	Sweep string `json:"sweep,omitempty"`
}

// DebugConfig controls the introspection HTTP server (pprof + registry views).
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

const DefaultSweep = "@every 1m"

// SweepSpec returns the configured sweep schedule or the default.
func (c *Config) SweepSpec() string {
	if s := strings.TrimSpace(c.Broadcast.Sweep); s != "" {
		return s
	}
	return DefaultSweep
}

// SweepParser accepts 5 or 6 field cron specs and descriptors such as @every 1m.
var SweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSweep(spec string) (cron.Schedule, error) {
	return SweepParser.Parse(spec)
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("speech.per_char", c.Speech.PerChar); err != nil {
		errs = append(errs, err)
	}
	if c.Speech.MaxPartLength < 0 {
		errs = append(errs, errors.New("speech.max_part_length must be >= 0"))
	}
	if c.Speech.RatePerSec < 0 {
		errs = append(errs, errors.New("speech.rate_per_sec must be >= 0"))
	}
	for i, v := range c.Speech.Voices {
		if strings.TrimSpace(v.Name) == "" {
			errs = append(errs, fmt.Errorf("speech.voices[%d].name is required", i))
		}
	}
	if addr := strings.TrimSpace(c.Debug.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	if _, err := ParseSweep(c.SweepSpec()); err != nil {
		errs = append(errs, fmt.Errorf("broadcast.sweep: %w", err))
	}
	return errors.Join(errs...)
}
