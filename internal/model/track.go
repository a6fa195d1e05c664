package model

import "fmt"

// Track identifies one of the two independent execution lanes.
type Track int

// Tracks.
const (
	TrackForeground Track = iota
	TrackBackground
)

// Tracks lists every track in a stable order.
var Tracks = []Track{TrackForeground, TrackBackground}

// Entrypoint names invoked inside a freshly started engine.
const (
	EntrypointForeground = "foregroundEntrypoint"
	EntrypointBackground = "backgroundEntrypoint"
)

func (t Track) String() string {
	switch t {
	case TrackForeground:
		return "foreground"
	case TrackBackground:
		return "background"
	default:
		return fmt.Sprintf("track(%d)", int(t))
	}
}

// Valid reports whether t is one of the known tracks.
func (t Track) Valid() bool {
	return t == TrackForeground || t == TrackBackground
}

// Entrypoint returns the engine entrypoint designated for the track.
func (t Track) Entrypoint() string {
	if t == TrackForeground {
		return EntrypointForeground
	}
	return EntrypointBackground
}

// ParseTrack converts a track name into a Track.
func ParseTrack(s string) (Track, error) {
	switch s {
	case "foreground":
		return TrackForeground, nil
	case "background":
		return TrackBackground, nil
	default:
		return 0, fmt.Errorf("unknown track %q", s)
	}
}

// TrackState is the observable state of a track slot.
type TrackState string

// Track state constants.
const (
	StateIdle     TrackState = "idle"
	StateStarting TrackState = "starting"
	StateRunning  TrackState = "running"
)

// Outcome is the result reported to a cycle's completion callback.
type Outcome string

// Outcome constants. The string values match the fetch result names used on
// the wire.
const (
	OutcomeSuccess Outcome = "newData"
	OutcomeNoData  Outcome = "noData"
	OutcomeFailure Outcome = "failed"
)

// OutcomeFor maps an application-reported result onto an Outcome.
func OutcomeFor(succeeded bool) Outcome {
	if succeeded {
		return OutcomeSuccess
	}
	return OutcomeNoData
}

// FinalizeReason records which finalizer claimed a cycle.
type FinalizeReason string

// Finalize reasons.
const (
	FinalizeComplete FinalizeReason = "complete"
	FinalizeExpire   FinalizeReason = "expire"
	FinalizeStop     FinalizeReason = "stop"
	FinalizeExit     FinalizeReason = "exit"
	FinalizeRestart  FinalizeReason = "restart"
)
