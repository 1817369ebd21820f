package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: file
  path: /tmp/talkie.json
speech:
  max_part_length: 120
  per_char: 5ms
  voices:
    - name: Alex
      lang: en-US
  defaults:
    voice: Alex
    pitch: 0
broadcast:
  sweep: "@every 30s"
premium: true
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkie.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, 120, cfg.Speech.MaxPartLength)
	assert.Equal(t, []VoiceConfig{{Name: "Alex", Lang: "en-US"}}, cfg.Speech.Voices)
	require.NotNil(t, cfg.Speech.Defaults.Pitch)
	assert.Equal(t, 0.0, *cfg.Speech.Defaults.Pitch)
	assert.Equal(t, "@every 30s", cfg.SweepSpec())
	assert.True(t, cfg.Premium)
}

func TestDecodeJSONDefaults(t *testing.T) {
	cfg, err := Decode("talkie.json", []byte(`{"logging":{"level":"info"}}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultSweep, cfg.SweepSpec())
	assert.Nil(t, cfg.Speech.Defaults.Pitch)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]struct {
		path string
		data string
	}{
		"unknown field":  {"c.json", `{"telegram":{}}`},
		"trailing data":  {"c.json", `{} {}`},
		"bad yaml":       {"c.yaml", "logging: [\n"},
		"bad duration":   {"c.yaml", "speech:\n  per_char: soon\n"},
		"bad driver":     {"c.yaml", "storage:\n  driver: redis\n"},
		"missing path":   {"c.yaml", "storage:\n  driver: sqlite\n"},
		"bad sweep":      {"c.yaml", "broadcast:\n  sweep: every now and then\n"},
		"unnamed voice":  {"c.yaml", "speech:\n  voices:\n    - lang: en\n"},
		"negative limit": {"c.json", `{"speech":{"rate_per_sec":-1}}`},
		"bad debug addr": {"c.json", `{"debug":{"addr":"6060"}}`},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestChanged(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Premium: true, Broadcast: BroadcastConfig{Sweep: "@every 5m"}}

	sections, fields := Changed(a, b)
	assert.Equal(t, []string{"logging", "speech", "broadcast"}, sections)
	assert.NotEmpty(t, fields)

	sections, _ = Changed(a, &Config{Logging: a.Logging, Debug: DebugConfig{Enabled: true}})
	assert.Equal(t, []string{"debug"}, sections)

	sections, _ = Changed(a, a)
	assert.Empty(t, sections)

	// An explicit default sweep is not a change.
	sections, _ = Changed(&Config{}, &Config{Broadcast: BroadcastConfig{Sweep: DefaultSweep}})
	assert.Empty(t, sections)
}

func TestWatchPublishesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkie.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	rejected := make(chan struct{}, 1)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return assert.AnError
		}
		return nil
	})

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to attach before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "logging:\n  level: trace\n")
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("validator never saw the rejected config")
	}
	assert.Equal(t, "info", m.Get().Logging.Level)

	writeFile(t, path, "logging:\n  level: debug\n")
	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
