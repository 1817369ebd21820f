package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled and Open returns a nil Store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome values recorded for an utterance.
const (
	OutcomeDone    = "done"
	OutcomeStopped = "stopped"
	OutcomeFailed  = "failed"
)

// HistoryEntry records one spoken utterance.
type HistoryEntry struct {
	At          time.Time `json:"at"`
	UtteranceID string    `json:"utterance_id"`
	PageID      string    `json:"page_id,omitempty"`
	Voice       string    `json:"voice,omitempty"`
	Language    string    `json:"language,omitempty"`
	Parts       int       `json:"parts"`
	Chars       int       `json:"chars"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
}
