// Package safety evaluates the machine-enable conditions: operator switch,
// supply-voltage cutoff with debounced hysteresis, and countdown-timer
// expiry. The interlock decides whether the machine may run; it never moves
// hardware itself. The scheduler reacts to a blocked decision by driving the
// actuator into safe state.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/types"
	"go.uber.org/zap"
)

// Reason explains a blocked decision.
type Reason string

const (
	ReasonMachineOff       Reason = "machine_off"
	ReasonLowVoltage       Reason = "low_voltage"
	ReasonTimerExpired     Reason = "timer_expired"
	ReasonStateUnavailable Reason = "state_unavailable"
)

// Decision is the result of one interlock evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allowed() Decision {
	return Decision{Allowed: true}
}

func blocked(r Reason) Decision {
	return Decision{Reason: r}
}

// StateStore is the slice of the data store the interlock needs.
type StateStore interface {
	LoadSystemState(ctx context.Context) (*types.SystemState, error)
	LoadSettings(ctx context.Context) (*types.SystemSettings, error)
	SetMachineState(ctx context.Context, state types.MachineState) error
	ClearTimer(ctx context.Context) error
}

// Readings provides the latest sensor values.
type Readings interface {
	Latest() map[string]float64
}

// SupplyVoltageChannel is the sensor channel the voltage cutoff watches.
const SupplyVoltageChannel = "supply_voltage"

// Interlock owns the low-voltage debounce state. Check is safe to call
// concurrently from the scheduler and the measurement goroutine.
type Interlock struct {
	store    StateStore
	sensors  Readings
	debounce time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	lowSince time.Time
}

func NewInterlock(store StateStore, sensors Readings, debounce time.Duration, logger *zap.Logger) *Interlock {
	return &Interlock{
		store:    store,
		sensors:  sensors,
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
	}
}

// Check loads a fresh state snapshot and evaluates all enable conditions.
// A positive decision has no side effects. Low-voltage and timer expiry
// force the machine state to off before reporting blocked.
func (i *Interlock) Check(ctx context.Context) Decision {
	state, err := i.store.LoadSystemState(ctx)
	if err != nil {
		i.logger.Error("Interlock could not load system state", zap.Error(err))
		return blocked(ReasonStateUnavailable)
	}

	settings, err := i.store.LoadSettings(ctx)
	if err != nil {
		i.logger.Error("Interlock could not load settings", zap.Error(err))
		return blocked(ReasonStateUnavailable)
	}

	if state.MachineState != types.StateOn {
		// A machine that is not running cannot accumulate low-voltage time
		i.resetDebounce()
		return blocked(ReasonMachineOff)
	}

	if d := i.checkVoltage(ctx, settings); !d.Allowed {
		return d
	}

	if state.TimerActive && !state.TimerEndTime.IsZero() && !i.now().Before(state.TimerEndTime) {
		i.logger.Warn("Countdown timer expired, turning machine off",
			zap.Time("end_time", state.TimerEndTime))

		if err := i.store.SetMachineState(ctx, types.StateOff); err != nil {
			i.logger.Error("Failed to turn machine off on timer expiry", zap.Error(err))
		}
		if err := i.store.ClearTimer(ctx); err != nil {
			i.logger.Error("Failed to clear expired timer", zap.Error(err))
		}

		return blocked(ReasonTimerExpired)
	}

	return allowed()
}

// checkVoltage applies the debounced cutoff: the supply must stay below the
// cutoff for the full debounce window before the machine is forced off. One
// sample at or above the cutoff clears the window; the recovery itself is
// not debounced.
func (i *Interlock) checkVoltage(ctx context.Context, settings *types.SystemSettings) Decision {
	voltage, ok := i.sensors.Latest()[SupplyVoltageChannel]
	if !ok || settings.CutoffVoltage <= 0 {
		return allowed()
	}

	if voltage >= settings.CutoffVoltage {
		i.resetDebounce()
		return allowed()
	}

	i.mu.Lock()
	if i.lowSince.IsZero() {
		i.lowSince = i.now()
		i.mu.Unlock()

		i.logger.Warn("Supply voltage below cutoff, debounce started",
			zap.Float64("voltage", voltage),
			zap.Float64("cutoff", settings.CutoffVoltage))
		return allowed()
	}
	elapsed := i.now().Sub(i.lowSince)
	i.mu.Unlock()

	if elapsed < i.debounce {
		return allowed()
	}

	i.logger.Warn("Supply voltage below cutoff past debounce, turning machine off",
		zap.Float64("voltage", voltage),
		zap.Duration("low_for", elapsed))

	if err := i.store.SetMachineState(ctx, types.StateOff); err != nil {
		i.logger.Error("Failed to turn machine off on low voltage", zap.Error(err))
	}

	return blocked(ReasonLowVoltage)
}

func (i *Interlock) resetDebounce() {
	i.mu.Lock()
	i.lowSince = time.Time{}
	i.mu.Unlock()
}
