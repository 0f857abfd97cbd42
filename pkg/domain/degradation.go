package domain

import "fmt"

// DegradationLevel describes how far a resolved policy is from a
// guaranteed-fresh fetch. The zero value is not a level; it accompanies
// errors and fails to marshal.
type DegradationLevel int

const (
	// LevelFresh is a cache hit within the fresh TTL or a successful fetch.
	LevelFresh DegradationLevel = iota + 1
	// LevelStale is an expired fresh-tier entry still within the stale window.
	LevelStale
	// LevelLastKnownGood is the most recent validated fetch, of any age.
	LevelLastKnownGood
	// LevelSafeMode is the bundled static fallback policy.
	LevelSafeMode
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelFresh:
		return "FRESH"
	case LevelStale:
		return "STALE"
	case LevelLastKnownGood:
		return "LAST_KNOWN_GOOD"
	case LevelSafeMode:
		return "SAFE_MODE"
	default:
		return "UNKNOWN"
	}
}

// Degraded reports whether downstream checks should be annotated as
// reduced-confidence.
func (l DegradationLevel) Degraded() bool {
	return l != LevelFresh
}

// MarshalText renders the level by name in JSON and YAML output.
func (l DegradationLevel) MarshalText() ([]byte, error) {
	s := l.String()
	if s == "UNKNOWN" {
		return nil, fmt.Errorf("unknown degradation level %d", int(l))
	}
	return []byte(s), nil
}

// UnmarshalText parses a level name.
func (l *DegradationLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "FRESH":
		*l = LevelFresh
	case "STALE":
		*l = LevelStale
	case "LAST_KNOWN_GOOD":
		*l = LevelLastKnownGood
	case "SAFE_MODE":
		*l = LevelSafeMode
	default:
		return fmt.Errorf("unknown degradation level %q", string(text))
	}
	return nil
}
