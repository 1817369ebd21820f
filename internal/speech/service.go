package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"talkie/internal/broadcast"
	"talkie/internal/storage"
	logx "talkie/pkg/logx"
)

var (
	ErrEmptyText = errors.New("speech: nothing to speak")
	ErrClosed    = errors.New("speech: service shut down")
)

const settingsKey = "speech.settings"

// Config tunes the speech service.
type Config struct {
	Premium       bool
	MaxPartLength int
	// RatePerSec limits how many utterances may start per second; Burst allows short spikes.
	RatePerSec float64
	Burst      int
	Defaults   Settings
}

func (c Config) withDefaults() Config {
	if c.MaxPartLength <= 0 {
		c.MaxPartLength = defaultMaxPartLength
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	c.Defaults = c.Defaults.Normalize()
	return c
}

// Publisher is the broadcast side the service needs.
type Publisher interface {
	BroadcastEvent(ctx context.Context, event string, data any) (any, error)
}

// Registrar installs responders on behalf of an execution context.
type Registrar interface {
	Respond(event string, fn broadcast.HandlerFunc) (*broadcast.Revocation, error)
}

// SpeakRequest is the payload of a speak-text broadcast.
type SpeakRequest struct {
	Text   string
	PageID string
}

// Result reports how an utterance ended.
type Result struct {
	UtteranceID string
	Parts       int
	Outcome     string
}

// SpeakingEvent is the payload of before-speaking and after-speaking.
type SpeakingEvent struct {
	UtteranceID string
	Text        string
	Parts       int
	Outcome     string // after-speaking only
}

func (e SpeakingEvent) Utterance() string { return e.UtteranceID }

// PartEvent is the payload of before-speaking-part and after-speaking-part.
type PartEvent struct {
	UtteranceID string
	Index       int
	Text        string
}

func (e PartEvent) Utterance() string { return e.UtteranceID }

// inflight is the utterance currently allowed to speak.
type inflight struct {
	id     string
	cancel context.CancelFunc
}

// Service is the background page's speech pipeline.
type Service struct {
	pub   Publisher
	synth Synthesizer
	store storage.Store
	log   logx.Logger

	mu       sync.Mutex
	cfg      Config
	settings Settings
	limiter  *rate.Limiter
	current  *inflight
	closed   bool
	running  sync.WaitGroup

	// synthSlot is held only around Synthesizer.SpeakPart, never across a
	// broadcast, so a listener may start a new utterance.
	synthSlot chan struct{}
}

func New(cfg Config, pub Publisher, synth Synthesizer, store storage.Store, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		pub:       pub,
		synth:     synth,
		store:     store,
		log:       log,
		cfg:       cfg,
		settings:  cfg.Defaults,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		synthSlot: make(chan struct{}, 1),
	}
}

// Apply swaps config at runtime. Stored user settings are kept.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.Burst)
	s.mu.Unlock()
	s.log.Debug("speech config applied", logx.Bool("premium", cfg.Premium), logx.Int("max_part", cfg.MaxPartLength))
}

func (s *Service) Premium() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Premium
}

func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Service) Voices() []Voice { return s.synth.Voices() }

// LoadSettings restores persisted settings, if any.
func (s *Service) LoadSettings(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	raw, ok, err := s.store.GetSetting(ctx, settingsKey)
	if err != nil || !ok {
		return err
	}
	var st Settings
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return fmt.Errorf("decode stored settings: %w", err)
	}
	s.mu.Lock()
	s.settings = st.Normalize()
	s.mu.Unlock()
	return nil
}

// UpdateSettings normalizes, stores and announces new settings.
func (s *Service) UpdateSettings(ctx context.Context, st Settings) (Settings, error) {
	st = st.Normalize()
	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()

	if s.store != nil {
		b, err := json.Marshal(st)
		if err != nil {
			return st, err
		}
		if err := s.store.PutSetting(ctx, settingsKey, string(b)); err != nil {
			return st, fmt.Errorf("store settings: %w", err)
		}
	}
	if _, err := s.pub.BroadcastEvent(ctx, broadcast.EventSettingsChanged, st); err != nil {
		return st, err
	}
	return st, nil
}

// Register installs the speech responders on r (normally the background page).
// On failure the responders registered so far are revoked.
func (s *Service) Register(r Registrar) error {
	handlers := map[string]broadcast.HandlerFunc{
		broadcast.EventSpeakText: func(ctx context.Context, _ string, data any) (any, error) {
			req, err := speakRequestFrom(data)
			if err != nil {
				return nil, err
			}
			return s.Speak(ctx, req)
		},
		broadcast.EventStopSpeaking: func(context.Context, string, any) (any, error) {
			return s.Stop(), nil
		},
		broadcast.EventGetVoices: func(context.Context, string, any) (any, error) {
			return s.Voices(), nil
		},
		broadcast.EventGetSettings: func(context.Context, string, any) (any, error) {
			return s.Settings(), nil
		},
		broadcast.EventSetSettings: func(ctx context.Context, _ string, data any) (any, error) {
			st, ok := data.(Settings)
			if !ok {
				return nil, fmt.Errorf("set-settings: unexpected payload %T", data)
			}
			return s.UpdateSettings(ctx, st)
		},
		broadcast.EventIsPremium: func(context.Context, string, any) (any, error) {
			return s.Premium(), nil
		},
	}

	var revs []*broadcast.Revocation
	for event, fn := range handlers {
		rev, err := r.Respond(event, fn)
		if err != nil {
			for _, prev := range revs {
				err = multierr.Append(err, prev.Revoke())
			}
			return err
		}
		revs = append(revs, rev)
	}
	return nil
}

func speakRequestFrom(data any) (SpeakRequest, error) {
	switch v := data.(type) {
	case SpeakRequest:
		return v, nil
	case *SpeakRequest:
		if v != nil {
			return *v, nil
		}
	case string:
		return SpeakRequest{Text: v}, nil
	}
	return SpeakRequest{}, fmt.Errorf("speak-text: unexpected payload %T", data)
}

// Stop cancels the utterance in flight and reports whether there was one.
func (s *Service) Stop() bool {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.cancel()
	s.log.Debug("utterance stopped", logx.String("utterance", cur.id))
	return true
}

// Shutdown stops the utterance in flight, refuses new ones and waits until
// running utterances have announced their end and written history.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin makes id the current utterance and cancels the one it replaces.
// The replaced utterance is not waited for: it may be the very broadcast
// whose listener started this one.
func (s *Service) begin(ctx context.Context, id string) (context.Context, *inflight, error) {
	uctx, cancel := context.WithCancel(ctx)
	me := &inflight{id: id, cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, nil, ErrClosed
	}
	prev := s.current
	s.current = me
	s.running.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		s.log.Debug("utterance replaced", logx.String("utterance", prev.id), logx.String("by", id))
	}
	return uctx, me, nil
}

func (s *Service) end(me *inflight) {
	me.cancel()
	s.mu.Lock()
	if s.current == me {
		s.current = nil
	}
	s.mu.Unlock()
	s.running.Done()
}

// Speak runs one utterance through the pipeline, stopping any utterance in flight.
//
// Listeners see before-speaking, then before-speaking-part/after-speaking-part
// for each part, then after-speaking. after-speaking is broadcast even when the
// utterance fails or is stopped, so frontends can reset their status. A stopped
// utterance may announce its end after its replacement has begun; payloads carry
// the utterance id to tell them apart.
func (s *Service) Speak(ctx context.Context, req SpeakRequest) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, ErrEmptyText
	}

	s.mu.Lock()
	lim := s.limiter
	cfg := s.cfg
	settings := s.settings
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("speech rate limit: %w", err)
	}

	parts := SplitParts(text, cfg.MaxPartLength)
	if !settings.SpeakLongTexts && len(parts) > 1 {
		parts = parts[:1]
	}
	u := Utterance{ID: uuid.NewString(), Text: text, Parts: parts, Settings: settings}

	uctx, me, err := s.begin(ctx, u.ID)
	if err != nil {
		return Result{}, err
	}
	defer s.end(me)

	log := s.log.With(logx.String("utterance", u.ID))
	started := time.Now()
	log.Debug("speaking", logx.Int("parts", len(parts)), logx.Int("chars", len(text)))

	err = s.speakParts(uctx, u)
	outcome := storage.OutcomeDone
	switch {
	case err == nil:
	case uctx.Err() != nil && ctx.Err() == nil:
		outcome, err = storage.OutcomeStopped, nil
	default:
		outcome = storage.OutcomeFailed
	}

	// Announce the end even after a stop; the caller's context may be done.
	endCtx := context.WithoutCancel(ctx)
	if _, aerr := s.pub.BroadcastEvent(endCtx, broadcast.EventAfterSpeaking, SpeakingEvent{
		UtteranceID: u.ID, Text: text, Parts: len(parts), Outcome: outcome,
	}); aerr != nil {
		err = multierr.Append(err, aerr)
		outcome = storage.OutcomeFailed
	}

	s.record(endCtx, req, u, outcome, err, time.Since(started))
	if err != nil {
		log.Warn("utterance failed", logx.Err(err))
		return Result{UtteranceID: u.ID, Parts: len(parts), Outcome: outcome}, err
	}
	log.Debug("utterance finished", logx.String("outcome", outcome), logx.Duration("took", time.Since(started)))
	return Result{UtteranceID: u.ID, Parts: len(parts), Outcome: outcome}, nil
}

// speakParts checks ctx between steps. Listeners get a context that survives a
// stop, so an utterance they start is not cancelled along with this one.
func (s *Service) speakParts(ctx context.Context, u Utterance) error {
	lctx := context.WithoutCancel(ctx)
	if _, err := s.pub.BroadcastEvent(lctx, broadcast.EventBeforeSpeaking, SpeakingEvent{
		UtteranceID: u.ID, Text: u.Text, Parts: len(u.Parts),
	}); err != nil {
		return err
	}
	for i, part := range u.Parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := PartEvent{UtteranceID: u.ID, Index: i, Text: part}
		if _, err := s.pub.BroadcastEvent(lctx, broadcast.EventBeforeSpeakingPart, ev); err != nil {
			return err
		}
		if err := s.speakPart(ctx, u, part); err != nil {
			return fmt.Errorf("speak part %d: %w", i, err)
		}
		if _, err := s.pub.BroadcastEvent(lctx, broadcast.EventAfterSpeakingPart, ev); err != nil {
			return err
		}
	}
	return nil
}

// speakPart waits for the synthesizer to be free. The slot is released between
// parts, and a replaced utterance gives it up as soon as its context ends.
func (s *Service) speakPart(ctx context.Context, u Utterance, part string) error {
	select {
	case s.synthSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.synthSlot }()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.synth.SpeakPart(ctx, u, part)
}

func (s *Service) record(ctx context.Context, req SpeakRequest, u Utterance, outcome string, err error, took time.Duration) {
	if s.store == nil {
		return
	}
	e := storage.HistoryEntry{
		At:          time.Now(),
		UtteranceID: u.ID,
		PageID:      req.PageID,
		Voice:       u.Settings.VoiceName,
		Language:    u.Settings.LanguageCode,
		Parts:       len(u.Parts),
		Chars:       len(u.Text),
		Outcome:     outcome,
		TookMS:      took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if serr := s.store.AppendHistory(ctx, e); serr != nil {
		s.log.Warn("history append failed", logx.String("utterance", u.ID), logx.Err(serr))
	}
}

// History returns the most recent utterances, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.HistoryEntry, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.store.RecentHistory(ctx, limit)
}
