package session

import "fmt"

// Phase is the lifecycle state of a session
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseJoining
	PhaseBuffering
	PhaseLive
	PhaseReconnecting
	PhaseStopped
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:         "idle",
	PhaseConnecting:   "connecting",
	PhaseJoining:      "joining",
	PhaseBuffering:    "buffering",
	PhaseLive:         "live",
	PhaseReconnecting: "reconnecting",
	PhaseStopped:      "stopped",
	PhaseFailed:       "failed",
}

// PhaseNames lists every phase name in declaration order
func PhaseNames() []string {
	return phaseNames[:]
}

// String returns the phase name
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Active reports whether the session holds transport or playback resources
func (p Phase) Active() bool {
	switch p {
	case PhaseConnecting, PhaseJoining, PhaseBuffering, PhaseLive, PhaseReconnecting:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from p to next
func (p Phase) CanTransition(next Phase) bool {
	// Explicit stop and unrecoverable failure apply to every active phase
	if p.Active() && (next == PhaseStopped || next == PhaseFailed) {
		return true
	}

	switch p {
	case PhaseIdle:
		return next == PhaseConnecting
	case PhaseConnecting:
		return next == PhaseJoining
	case PhaseJoining:
		return next == PhaseBuffering
	case PhaseBuffering:
		return next == PhaseLive || next == PhaseReconnecting
	case PhaseLive:
		return next == PhaseReconnecting
	case PhaseReconnecting:
		return next == PhaseBuffering
	case PhaseStopped, PhaseFailed:
		return next == PhaseIdle
	}
	return false
}
