package broadcast

// Event names shared by the background page and the frontends.
// The broadcaster itself treats names as opaque keys.
const (
	EventBeforeSpeaking     = "before-speaking"
	EventBeforeSpeakingPart = "before-speaking-part"
	EventAfterSpeakingPart  = "after-speaking-part"
	EventAfterSpeaking      = "after-speaking"
	EventSettingsChanged    = "settings-changed"

	// Request/response events, answered by a single responder.
	EventSpeakText    = "speak-text"
	EventStopSpeaking = "stop-speaking"
	EventGetVoices    = "get-voices"
	EventGetSettings  = "get-settings"
	EventSetSettings  = "set-settings"
	EventIsPremium    = "is-premium"
)
