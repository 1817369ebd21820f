package app

import (
	"strings"
	"time"

	"talkie/internal/config"
	"talkie/internal/observability/debug"
	"talkie/internal/speech"
	"talkie/internal/storage"
	logx "talkie/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

// speechSetup is everything the speech side takes from config.
type speechSetup struct {
	cfg     speech.Config
	voices  []speech.Voice
	perChar time.Duration
}

func mapSpeechConfig(cfg *config.Config) (speechSetup, error) {
	sc := cfg.Speech
	perChar, err := config.ParseDurationField("speech.per_char", sc.PerChar)
	if err != nil {
		return speechSetup{}, err
	}

	d := sc.Defaults
	pitch := speech.PitchRange.Default
	if d.Pitch != nil {
		pitch = *d.Pitch
	}
	voices := make([]speech.Voice, 0, len(sc.Voices))
	for _, v := range sc.Voices {
		voices = append(voices, speech.Voice{Name: strings.TrimSpace(v.Name), Lang: strings.TrimSpace(v.Lang)})
	}

	return speechSetup{
		cfg: speech.Config{
			Premium:       cfg.Premium,
			MaxPartLength: sc.MaxPartLength,
			RatePerSec:    sc.RatePerSec,
			Burst:         sc.Burst,
			Defaults: speech.Settings{
				VoiceName:      d.Voice,
				LanguageCode:   d.Language,
				Rate:           d.Rate,
				Pitch:          pitch,
				SpeakLongTexts: d.SpeakLongTexts,
			},
		},
		voices:  voices,
		perChar: perChar,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}
