package host

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"talkie/internal/broadcast"
)

// SpeakingStatus mirrors the "speaking" indicator a frontend page shows while
// the background page is talking.
type SpeakingStatus struct {
	mu       sync.Mutex
	speaking bool
	current  string
	changes  atomic.Int64
}

func (s *SpeakingStatus) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Changes counts how many speaking events the page has seen.
func (s *SpeakingStatus) Changes() int64 { return s.changes.Load() }

// utterance extracts the utterance id from a lifecycle payload, if it has one.
func utterance(data any) string {
	if u, ok := data.(interface{ Utterance() string }); ok {
		return u.Utterance()
	}
	return ""
}

func (s *SpeakingStatus) set(v bool) broadcast.HandlerFunc {
	return func(_ context.Context, _ string, data any) (any, error) {
		id := utterance(data)
		s.mu.Lock()
		switch {
		case v:
			s.speaking, s.current = true, id
		case id == "" || id == s.current:
			// The end of a replaced utterance must not clear its successor.
			s.speaking, s.current = false, ""
		}
		s.mu.Unlock()
		s.changes.Add(1)
		return nil, nil
	}
}

// WatchSpeaking subscribes p to the speech lifecycle events. The listeners are
// revoked together with the page's other registrations on Unload.
func WatchSpeaking(p *Page) (*SpeakingStatus, error) {
	st := &SpeakingStatus{}
	subs := []struct {
		event string
		fn    broadcast.HandlerFunc
	}{
		{broadcast.EventBeforeSpeaking, st.set(true)},
		{broadcast.EventBeforeSpeakingPart, st.set(true)},
		{broadcast.EventAfterSpeaking, st.set(false)},
	}

	var revs []*broadcast.Revocation
	for _, sub := range subs {
		rev, err := p.Listen(sub.event, sub.fn)
		if err != nil {
			for _, r := range revs {
				err = multierr.Append(err, r.Revoke())
			}
			return nil, err
		}
		revs = append(revs, rev)
	}
	return st, nil
}
