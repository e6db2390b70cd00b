package session

import (
	"log/slog"
	"sync"

	"github.com/acardillo/otp-radio/internal/metrics"
)

// Session roles used in logs and metrics
const (
	RoleBroadcaster = "broadcaster"
	RoleListener    = "listener"
)

// PhaseChange describes one transition. Err is set for transitions into
// PhaseFailed and for reconnects caused by a transport error.
type PhaseChange struct {
	From Phase
	To   Phase
	Err  error
}

// machine holds the phase of one session and reports transitions
type machine struct {
	role    string
	station string
	logger  *slog.Logger
	metrics *metrics.Metrics
	onPhase func(PhaseChange)

	mu      sync.RWMutex
	phase   Phase
	lastErr error
}

func newMachine(role, station string, logger *slog.Logger, m *metrics.Metrics, onPhase func(PhaseChange)) *machine {
	mc := &machine{
		role:    role,
		station: station,
		logger:  logger,
		metrics: m,
		onPhase: onPhase,
	}
	m.SetSessionPhase(role, PhaseNames(), PhaseIdle.String())
	return mc
}

// transition moves to next if the state machine allows it
func (mc *machine) transition(next Phase, err error) bool {
	mc.mu.Lock()
	from := mc.phase
	if !from.CanTransition(next) {
		mc.mu.Unlock()
		mc.logger.Debug("Ignoring phase transition",
			slog.String("role", mc.role),
			slog.String("from", from.String()),
			slog.String("to", next.String()))
		return false
	}
	mc.phase = next
	if next == PhaseFailed {
		mc.lastErr = err
	}
	mc.mu.Unlock()

	attrs := []any{
		slog.String("role", mc.role),
		slog.String("station", mc.station),
		slog.String("from", from.String()),
		slog.String("to", next.String()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if next == PhaseFailed {
		mc.logger.Error("Session failed", attrs...)
	} else {
		mc.logger.Info("Session phase changed", attrs...)
	}

	mc.metrics.SetSessionPhase(mc.role, PhaseNames(), next.String())

	if mc.onPhase != nil {
		mc.onPhase(PhaseChange{From: from, To: next, Err: err})
	}
	return true
}

func (mc *machine) current() Phase {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.phase
}

func (mc *machine) err() error {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.lastErr
}
