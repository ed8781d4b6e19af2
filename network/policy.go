package network

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionType classifies the interface carrying traffic.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionWiFi
	ConnectionEthernet
	ConnectionCellular
	ConnectionOther
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionNone:
		return "none"
	case ConnectionWiFi:
		return "wifi"
	case ConnectionEthernet:
		return "ethernet"
	case ConnectionCellular:
		return "cellular"
	case ConnectionOther:
		return "other"
	default:
		return "unknown"
	}
}

// Event is one connectivity classification. Available=false means the
// connection was lost.
type Event struct {
	Available bool
	Type      ConnectionType
	Metered   bool
	Interface string
	At        time.Time
}

// Lost returns the event reported when no usable interface remains.
func Lost(at time.Time) Event {
	return Event{Type: ConnectionNone, At: at}
}

// sameState compares the classification, ignoring the timestamp.
func (e Event) sameState(o Event) bool {
	return e.Available == o.Available && e.Type == o.Type && e.Metered == o.Metered && e.Interface == o.Interface
}

// Policy decides which connections transfers may run on.
type Policy string

const (
	// PolicyAllowAll runs transfers on any available connection.
	PolicyAllowAll Policy = "ALLOW_ALL"
	// PolicyWiFiOnly runs transfers on unmetered WiFi or ethernet only.
	PolicyWiFiOnly Policy = "WIFI_ONLY"
	// PolicyPauseAll keeps every transfer paused.
	PolicyPauseAll Policy = "PAUSE_ALL"
	// PolicyUserPreference applies the PauseOnMetered toggle.
	PolicyUserPreference Policy = "USER_PREFERENCE"
)

// ParsePolicy accepts a policy name in any case, with dashes or underscores.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	switch p {
	case PolicyAllowAll, PolicyWiFiOnly, PolicyPauseAll, PolicyUserPreference:
		return p, nil
	}
	return "", fmt.Errorf("unknown network policy %q", s)
}

// Settings is the user-facing network configuration.
type Settings struct {
	Policy Policy
	// PauseOnMetered pauses transfers on metered connections under
	// PolicyUserPreference.
	PauseOnMetered bool
	// AutoResumeUnmetered resumes transfers paused for a metered connection
	// once an unmetered one is available.
	AutoResumeUnmetered bool
}

// DefaultSettings allows every connection.
func DefaultSettings() Settings {
	return Settings{
		Policy:              PolicyAllowAll,
		PauseOnMetered:      true,
		AutoResumeUnmetered: true,
	}
}

// pauseReason records why the controller paused a transfer.
type pauseReason int

const (
	reasonLost pauseReason = iota
	reasonMetered
	reasonPolicy
)

// verdict returns whether transfers may run on ev under s, and the reason
// when they may not.
func (s Settings) verdict(ev Event) (bool, pauseReason) {
	if s.Policy == PolicyPauseAll {
		return false, reasonPolicy
	}
	if !ev.Available {
		return false, reasonLost
	}
	switch s.Policy {
	case PolicyWiFiOnly:
		if ev.Metered || (ev.Type != ConnectionWiFi && ev.Type != ConnectionEthernet) {
			return false, reasonMetered
		}
	case PolicyUserPreference:
		if ev.Metered && s.PauseOnMetered {
			return false, reasonMetered
		}
	}
	return true, 0
}
