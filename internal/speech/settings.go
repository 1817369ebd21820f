package speech

import "math"

// Voice is a synthesizer voice as exposed to the frontends.
type Voice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// Range bounds a numeric speech parameter.
type Range struct {
	Min     float64
	Default float64
	Max     float64
	Step    float64
}

var (
	RateRange  = Range{Min: 0.1, Default: 1, Max: 10, Step: 0.1}
	PitchRange = Range{Min: 0, Default: 1, Max: 2, Step: 0.1}
)

// Clamp pulls v into the range and rounds it to the step.
func (r Range) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return r.Default
	}
	v = math.Max(r.Min, math.Min(r.Max, v))
	if r.Step > 0 {
		v = math.Round(v/r.Step) * r.Step
		// Undo float noise from the division (0.30000000000000004).
		v = math.Round(v*1e6) / 1e6
	}
	return v
}

// Settings are the user's speech preferences.
type Settings struct {
	VoiceName      string  `json:"voice_name,omitempty"`
	LanguageCode   string  `json:"language_code,omitempty"`
	Rate           float64 `json:"rate"`
	Pitch          float64 `json:"pitch"`
	SpeakLongTexts bool    `json:"speak_long_texts"`
}

func DefaultSettings() Settings {
	return Settings{Rate: RateRange.Default, Pitch: PitchRange.Default}
}

// Normalize clamps rate and pitch. A zero rate is never valid and means "unset".
func (s Settings) Normalize() Settings {
	if s.Rate == 0 {
		s.Rate = RateRange.Default
	}
	s.Rate = RateRange.Clamp(s.Rate)
	s.Pitch = PitchRange.Clamp(s.Pitch)
	return s
}
