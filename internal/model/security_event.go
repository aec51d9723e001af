package model

import (
	"time"
)

type SecurityEventType string

const (
	SecurityEventTabSwitch           SecurityEventType = "TAB_SWITCH"
	SecurityEventWindowBlur          SecurityEventType = "WINDOW_BLUR"
	SecurityEventCopyPaste           SecurityEventType = "COPY_PASTE"
	SecurityEventRightClick          SecurityEventType = "RIGHT_CLICK"
	SecurityEventFullscreenExit      SecurityEventType = "FULLSCREEN_EXIT"
	SecurityEventNetworkInterruption SecurityEventType = "NETWORK_INTERRUPTION"
	SecurityEventOtherSuspicious     SecurityEventType = "OTHER_SUSPICIOUS"
)

// Valid reports whether t is one of the known event types.
func (t SecurityEventType) Valid() bool {
	switch t {
	case SecurityEventTabSwitch, SecurityEventWindowBlur, SecurityEventCopyPaste,
		SecurityEventRightClick, SecurityEventFullscreenExit,
		SecurityEventNetworkInterruption, SecurityEventOtherSuspicious:
		return true
	}
	return false
}

// DefaultSeverity is used when the client omits a severity.
func (t SecurityEventType) DefaultSeverity() int {
	switch t {
	case SecurityEventCopyPaste, SecurityEventFullscreenExit:
		return 3
	case SecurityEventTabSwitch:
		return 2
	case SecurityEventOtherSuspicious:
		return 4
	default:
		return 1
	}
}

// SecurityEvent is an immutable entry of the session's integrity log.
type SecurityEvent struct {
	Type            SecurityEventType `json:"type"`
	ClientTimestamp time.Time         `json:"client_timestamp"`
	RecordedAt      time.Time         `json:"recorded_at"`
	Severity        int               `json:"severity"`
	Details         map[string]any    `json:"details,omitempty"`
}

// Category returns the details "category" hint used by proctoring clients, if any.
func (e SecurityEvent) Category() string {
	if e.Details == nil {
		return ""
	}
	c, _ := e.Details["category"].(string)
	return c
}
