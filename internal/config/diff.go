package config

import (
	"reflect"

	logx "talkie/pkg/logx"
)

// Changed lists the top-level sections that differ between two configs,
// plus a few safe fields for the reload log line.
func Changed(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		sections []string
		fields   []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		sections = append(sections, "logging")
		fields = append(fields, logx.String("logging.level", newCfg.Logging.Level))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		// Storage is opened once; a change only takes effect after restart.
		sections = append(sections, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Speech, newCfg.Speech) || oldCfg.Premium != newCfg.Premium {
		sections = append(sections, "speech")
		fields = append(fields, logx.Bool("premium", newCfg.Premium), logx.Int("speech.voices", len(newCfg.Speech.Voices)))
	}
	if oldCfg.SweepSpec() != newCfg.SweepSpec() {
		sections = append(sections, "broadcast")
		fields = append(fields, logx.String("broadcast.sweep", newCfg.SweepSpec()))
	}
	if oldCfg.Debug != newCfg.Debug {
		// The token is never logged.
		sections = append(sections, "debug")
		fields = append(fields, logx.Bool("debug.enabled", newCfg.Debug.Enabled), logx.String("debug.addr", newCfg.Debug.Addr))
	}
	return sections, fields
}
