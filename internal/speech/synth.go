package speech

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Utterance is one speak request after settings have been resolved.
type Utterance struct {
	ID       string
	Text     string
	Parts    []string
	Settings Settings
}

// Synthesizer turns text parts into speech.
type Synthesizer interface {
	Voices() []Voice
	SpeakPart(ctx context.Context, u Utterance, part string) error
}

// WriterSynthesizer "speaks" by writing each part as a line to w.
type WriterSynthesizer struct {
	mu      sync.Mutex
	w       io.Writer
	voices  []Voice
	perChar atomic.Int64
}

func NewWriterSynthesizer(w io.Writer, voices []Voice) *WriterSynthesizer {
	return &WriterSynthesizer{w: w, voices: append([]Voice(nil), voices...)}
}

// SetPerChar sets the simulated speaking time per character, scaled by the
// utterance rate. Zero writes parts immediately.
func (s *WriterSynthesizer) SetPerChar(d time.Duration) { s.perChar.Store(int64(d)) }

func (s *WriterSynthesizer) SetVoices(voices []Voice) {
	s.mu.Lock()
	s.voices = append([]Voice(nil), voices...)
	s.mu.Unlock()
}

func (s *WriterSynthesizer) Voices() []Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Voice(nil), s.voices...)
}

func (s *WriterSynthesizer) SpeakPart(ctx context.Context, u Utterance, part string) error {
	if d := s.duration(u, part); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	voice := u.Settings.VoiceName
	if voice == "" {
		voice = "default"
	}
	_, err := fmt.Fprintf(s.w, "[%s %s rate=%.1f pitch=%.1f] %s\n",
		voice, u.Settings.LanguageCode, u.Settings.Rate, u.Settings.Pitch, part)
	return err
}

func (s *WriterSynthesizer) duration(u Utterance, part string) time.Duration {
	perChar := time.Duration(s.perChar.Load())
	if perChar <= 0 {
		return 0
	}
	rate := u.Settings.Rate
	if rate <= 0 {
		rate = RateRange.Default
	}
	return time.Duration(float64(perChar) * float64(len(part)) / rate)
}
