package speech

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"talkie/internal/broadcast"
	"talkie/internal/host"
	"talkie/internal/storage"
	logx "talkie/pkg/logx"
)

var testVoices = []Voice{{Name: "Alex", Lang: "en-US"}, {Name: "Alva", Lang: "sv-SE"}}

type fixture struct {
	host  *host.Host
	svc   *Service
	out   *bytes.Buffer
	store storage.Store
}

func newFixture(t *testing.T, cfg Config, synth Synthesizer) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "talkie.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := host.New(logx.Nop())
	out := &bytes.Buffer{}
	if synth == nil {
		synth = NewWriterSynthesizer(out, testVoices)
	}
	svc := New(cfg, h.Broadcaster(), synth, st, logx.Nop())
	require.NoError(t, svc.Register(h.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return &fixture{host: h, svc: svc, out: out, store: st}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) listen(t *testing.T, p *host.Page, events ...string) {
	t.Helper()
	for _, ev := range events {
		_, err := p.Listen(ev, func(_ context.Context, event string, _ any) (any, error) {
			l.mu.Lock()
			l.events = append(l.events, event)
			l.mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
	}
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestSplitParts(t *testing.T) {
	require.Nil(t, SplitParts("   ", 10))
	require.Equal(t, []string{"Hello there."}, SplitParts("  Hello   there. ", 100))
	require.Equal(t,
		[]string{"One two.", "Three four!", "Five?"},
		SplitParts("One two. Three four! Five?", 12))
	require.Equal(t,
		[]string{"One two. Three four!", "Five?"},
		SplitParts("One two. Three four! Five?", 20))
	require.Equal(t,
		[]string{"aaaa", "bbbb", "cc"},
		SplitParts("aaaabbbbcc", 4))
	require.Equal(t,
		[]string{"alpha", "beta", "gamma"},
		SplitParts("alpha beta gamma", 7))

	for _, p := range SplitParts(strings.Repeat("åäö ", 40), 7) {
		require.LessOrEqual(t, len(p), 7)
	}
}

func TestSettingsNormalize(t *testing.T) {
	st := Settings{Rate: 0, Pitch: 5}.Normalize()
	require.Equal(t, 1.0, st.Rate)
	require.Equal(t, 2.0, st.Pitch)

	st = Settings{Rate: 0.04, Pitch: -1}.Normalize()
	require.Equal(t, 0.1, st.Rate)
	require.Equal(t, 0.0, st.Pitch)

	require.Equal(t, 1.3, RateRange.Clamp(1.26))
	require.Equal(t, DefaultSettings(), DefaultSettings().Normalize())
}

func TestSpeakBroadcastsLifecycle(t *testing.T) {
	f := newFixture(t, Config{MaxPartLength: 12, Defaults: Settings{Pitch: 1, SpeakLongTexts: true}}, nil)

	popup := f.host.Open(host.KindPopup)
	var log eventLog
	log.listen(t, popup,
		broadcast.EventBeforeSpeaking,
		broadcast.EventBeforeSpeakingPart,
		broadcast.EventAfterSpeakingPart,
		broadcast.EventAfterSpeaking,
	)
	status, err := host.WatchSpeaking(popup)
	require.NoError(t, err)

	res, err := popup.Broadcast(context.Background(), broadcast.EventSpeakText, SpeakRequest{
		Text:   "Hello world. Bye now.",
		PageID: popup.ID(),
	})
	require.NoError(t, err)
	r := res.(Result)
	require.Equal(t, storage.OutcomeDone, r.Outcome)
	require.Equal(t, 2, r.Parts)

	require.Equal(t, []string{
		broadcast.EventBeforeSpeaking,
		broadcast.EventBeforeSpeakingPart, broadcast.EventAfterSpeakingPart,
		broadcast.EventBeforeSpeakingPart, broadcast.EventAfterSpeakingPart,
		broadcast.EventAfterSpeaking,
	}, log.snapshot())
	require.False(t, status.Speaking())
	require.Equal(t, "[default  rate=1.0 pitch=1.0] Hello world.\n[default  rate=1.0 pitch=1.0] Bye now.\n", f.out.String())

	hist, err := f.svc.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, r.UtteranceID, hist[0].UtteranceID)
	require.Equal(t, popup.ID(), hist[0].PageID)
}

func TestSpeakShortModeKeepsFirstPart(t *testing.T) {
	f := newFixture(t, Config{MaxPartLength: 12}, nil)
	res, err := f.svc.Speak(context.Background(), SpeakRequest{Text: "Hello world. Bye now."})
	require.NoError(t, err)
	require.Equal(t, 1, res.Parts)
	require.NotContains(t, f.out.String(), "Bye now.")
}

func TestSpeakEmptyText(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.svc.Speak(context.Background(), SpeakRequest{Text: " \n"})
	require.ErrorIs(t, err, ErrEmptyText)

	_, err = f.host.Background().Broadcast(context.Background(), broadcast.EventSpeakText, 42)
	var rerr *broadcast.ResponderInvocationError
	require.ErrorAs(t, err, &rerr)
}

type blockingSynth struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingSynth) Voices() []Voice { return nil }

func (b *blockingSynth) SpeakPart(ctx context.Context, _ Utterance, _ string) error {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStopSpeaking(t *testing.T) {
	synth := &blockingSynth{entered: make(chan struct{})}
	f := newFixture(t, Config{}, synth)

	popup := f.host.Open(host.KindPopup)
	status, err := host.WatchSpeaking(popup)
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		res, err := f.svc.Speak(context.Background(), SpeakRequest{Text: "A long story."})
		if err == nil {
			done <- res
		}
		close(done)
	}()

	select {
	case <-synth.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesizer never started")
	}
	require.True(t, status.Speaking())

	stopped, err := popup.Broadcast(context.Background(), broadcast.EventStopSpeaking, nil)
	require.NoError(t, err)
	require.Equal(t, true, stopped)

	res, ok := <-done
	require.True(t, ok)
	require.Equal(t, storage.OutcomeStopped, res.Outcome)
	require.False(t, status.Speaking())
	require.False(t, f.svc.Stop())
}

func TestListenerMaySpeakFromBeforeSpeaking(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	popup := f.host.Open(host.KindPopup)

	var nested atomic.Bool
	inner := make(chan Result, 1)
	_, err := popup.Listen(broadcast.EventBeforeSpeaking, func(ctx context.Context, _ string, _ any) (any, error) {
		if !nested.CompareAndSwap(false, true) {
			return nil, nil
		}
		res, err := popup.Broadcast(ctx, broadcast.EventSpeakText, SpeakRequest{Text: "Inner."})
		if err != nil {
			return nil, err
		}
		inner <- res.(Result)
		return nil, nil
	})
	require.NoError(t, err)

	outer := make(chan Result, 1)
	go func() {
		res, err := f.svc.Speak(context.Background(), SpeakRequest{Text: "Outer."})
		if err == nil {
			outer <- res
		}
		close(outer)
	}()

	select {
	case res, ok := <-outer:
		require.True(t, ok)
		require.Equal(t, storage.OutcomeStopped, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("speaking from a before-speaking listener deadlocked")
	}
	require.Equal(t, storage.OutcomeDone, (<-inner).Outcome)
	require.Contains(t, f.out.String(), "Inner.")
	require.NotContains(t, f.out.String(), "Outer.")
	require.False(t, f.svc.Stop())
}

// gateSynth blocks every part until its utterance is stopped and records how
// many parts were being spoken at once.
type gateSynth struct {
	mu      sync.Mutex
	active  int
	peak    int
	entered chan string
}

func (g *gateSynth) Voices() []Voice { return nil }

func (g *gateSynth) SpeakPart(ctx context.Context, u Utterance, _ string) error {
	g.mu.Lock()
	g.active++
	g.peak = max(g.peak, g.active)
	g.mu.Unlock()
	g.entered <- u.Text
	<-ctx.Done()
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return ctx.Err()
}

func TestNewestOfConcurrentSpeakersWins(t *testing.T) {
	synth := &gateSynth{entered: make(chan string, 8)}
	f := newFixture(t, Config{}, synth)

	results := make(chan Result, 3)
	speak := func(text string) {
		res, err := f.svc.Speak(context.Background(), SpeakRequest{Text: text})
		if err == nil {
			results <- res
		}
	}

	go speak("First.")
	select {
	case <-synth.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesizer never started")
	}
	go speak("Second.")
	go speak("Third.")

	// The first speaker and whichever of the others started earlier are stopped.
	for n := 0; n < 2; n++ {
		select {
		case res := <-results:
			require.Equal(t, storage.OutcomeStopped, res.Outcome)
		case <-time.After(2 * time.Second):
			t.Fatal("a replaced utterance kept speaking")
		}
	}
	select {
	case res := <-results:
		t.Fatalf("newest utterance ended early: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, f.svc.Stop())
	select {
	case res := <-results:
		require.Equal(t, storage.OutcomeStopped, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("newest utterance ignored stop")
	}

	synth.mu.Lock()
	defer synth.mu.Unlock()
	require.Equal(t, 1, synth.peak)
}

func TestShutdownWaitsForRunningUtterance(t *testing.T) {
	synth := &blockingSynth{entered: make(chan struct{})}
	f := newFixture(t, Config{}, synth)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.Speak(context.Background(), SpeakRequest{Text: "Still talking."})
	}()
	select {
	case <-synth.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesizer never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	// History is written before Shutdown returns, so the store can close next.
	hist, err := f.svc.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, storage.OutcomeStopped, hist[0].Outcome)
	<-done

	_, err = f.svc.Speak(context.Background(), SpeakRequest{Text: "Too late."})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFailingListenerFailsUtterance(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	content := f.host.Open(host.KindContent)
	boom := errors.New("boom")
	_, err := content.Listen(broadcast.EventBeforeSpeaking, func(context.Context, string, any) (any, error) {
		return nil, boom
	})
	require.NoError(t, err)

	res, err := f.svc.Speak(context.Background(), SpeakRequest{Text: "Hi."})
	require.ErrorIs(t, err, boom)
	require.Equal(t, storage.OutcomeFailed, res.Outcome)
	require.Empty(t, f.out.String())

	hist, err := f.svc.History(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, storage.OutcomeFailed, hist[0].Outcome)
	require.Contains(t, hist[0].Error, "boom")
}

func TestResponders(t *testing.T) {
	f := newFixture(t, Config{Premium: true}, nil)
	options := f.host.Open(host.KindOptions)
	ctx := context.Background()

	voices, err := options.Broadcast(ctx, broadcast.EventGetVoices, nil)
	require.NoError(t, err)
	require.Equal(t, testVoices, voices)

	premium, err := options.Broadcast(ctx, broadcast.EventIsPremium, nil)
	require.NoError(t, err)
	require.Equal(t, true, premium)

	var changed []Settings
	_, err = options.Listen(broadcast.EventSettingsChanged, func(_ context.Context, _ string, data any) (any, error) {
		changed = append(changed, data.(Settings))
		return nil, nil
	})
	require.NoError(t, err)

	res, err := options.Broadcast(ctx, broadcast.EventSetSettings, Settings{VoiceName: "Alva", LanguageCode: "sv-SE", Rate: 20, Pitch: 1})
	require.NoError(t, err)
	want := Settings{VoiceName: "Alva", LanguageCode: "sv-SE", Rate: 10, Pitch: 1}
	require.Equal(t, want, res)
	require.Equal(t, []Settings{want}, changed)

	got, err := options.Broadcast(ctx, broadcast.EventGetSettings, nil)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// A fresh service restores what was stored.
	other := New(Config{}, f.host.Broadcaster(), NewWriterSynthesizer(&bytes.Buffer{}, nil), f.store, logx.Nop())
	require.NoError(t, other.LoadSettings(ctx))
	require.Equal(t, want, other.Settings())
}

func TestRegisterTwiceRollsBack(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	before := f.host.Broadcaster().Stats().Responders

	other := New(Config{}, f.host.Broadcaster(), NewWriterSynthesizer(&bytes.Buffer{}, nil), nil, logx.Nop())
	err := other.Register(f.host.Background())
	require.ErrorIs(t, err, broadcast.ErrDuplicateResponder)
	require.Equal(t, before, f.host.Broadcaster().Stats().Responders)
}

func TestApplyKeepsSettings(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.svc.UpdateSettings(context.Background(), Settings{VoiceName: "Alex", Rate: 2, Pitch: 1})
	require.NoError(t, err)

	f.svc.Apply(Config{Premium: true, RatePerSec: 5})
	require.True(t, f.svc.Premium())
	require.Equal(t, "Alex", f.svc.Settings().VoiceName)
}
