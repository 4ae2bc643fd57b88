// Package scheduler contains the actuation control loop: the per-station
// cycle runner and the top-level scheduler that paces stations to the
// configured aggregate throughput.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/KevinKickass/SwitchBench/internal/safety"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SwitchCurrentChannel is the sensor channel carrying the switch current.
const SwitchCurrentChannel = "switch_current"

// AbortCancelled marks a cycle cut short by context cancellation rather
// than an interlock condition.
const AbortCancelled = "cancelled"

// AbortNotConnected marks a cycle stopped because the servo bus is not
// connected. A dead bus blocks cycling like an interlock fault; it never
// counts against the switch under test.
const AbortNotConnected = "not_connected"

// Guard is the safety interlock as seen by the control loop.
type Guard interface {
	Check(ctx context.Context) safety.Decision
}

// Motion is the actuator surface the control loop drives.
type Motion interface {
	Command(ctx context.Context, station int, angle float64) error
	Connected() bool
	EnterSafeState() error
	ExitSafeState(ctx context.Context) error
	SafeState() bool
}

// Readings is the sensor surface the measurement goroutine samples.
type Readings interface {
	Latest() map[string]float64
	SampleInterval() time.Duration
}

// CycleRunner drives one station through a single press-and-return cycle
// while a concurrent measurement goroutine tracks the peak switch current.
// The runner only produces the verdict; all station counter updates happen
// in the scheduler.
type CycleRunner struct {
	guard    Guard
	actuator Motion
	sensors  Readings
	cfg      config.ServoConfig
	logger   *zap.Logger
}

func NewCycleRunner(guard Guard, actuator Motion, sensors Readings, cfg config.ServoConfig, logger *zap.Logger) *CycleRunner {
	return &CycleRunner{
		guard:    guard,
		actuator: actuator,
		sensors:  sensors,
		cfg:      cfg,
		logger:   logger,
	}
}

type measureResult struct {
	peak        float64
	abortReason string
}

// Run executes one cycle for the given station. The measurement goroutine is
// always joined before the verdict is produced, including on abort and on
// motion errors.
func (r *CycleRunner) Run(ctx context.Context, station types.Station, settings types.SystemSettings) types.CycleVerdict {
	verdict := types.CycleVerdict{ID: uuid.New(), StationID: station.ID}

	if d := r.guard.Check(ctx); !d.Allowed {
		verdict.AbortReason = string(d.Reason)
		return verdict
	}

	measureCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan measureResult, 1)
	go func() {
		results <- r.measure(measureCtx)
	}()

	motionAbort, motionErr := r.motion(ctx, station.ID)

	// Single join point: no verdict before the measurement finishes
	res := <-results

	if res.abortReason != "" {
		verdict.AbortReason = res.abortReason
		return verdict
	}
	if motionAbort != "" {
		verdict.AbortReason = motionAbort
		return verdict
	}

	verdict.PeakCurrent = res.peak

	if motionErr != nil {
		if errors.Is(motionErr, types.ErrNotConnected) {
			verdict.AbortReason = AbortNotConnected
			return verdict
		}
		// Degraded cycle: the station pass completes with a failed verdict
		r.logger.Error("Motion sequence failed",
			zap.Int("station", station.ID), zap.Error(motionErr))
		return verdict
	}

	verdict.Passed = res.peak >= settings.SwitchCurrentThreshold
	return verdict
}

// measure samples the switch-current channel at the sensor's native interval
// for the full cycle duration, tracking the maximum. Every sample re-checks
// the interlock so a mid-cycle safety fault aborts within one tick.
func (r *CycleRunner) measure(ctx context.Context) measureResult {
	ticker := time.NewTicker(r.sensors.SampleInterval())
	defer ticker.Stop()

	deadline := time.NewTimer(r.cfg.CycleDuration)
	defer deadline.Stop()

	var peak float64
	for {
		select {
		case <-ctx.Done():
			return measureResult{peak: peak, abortReason: AbortCancelled}
		case <-deadline.C:
			return measureResult{peak: peak}
		case <-ticker.C:
			if d := r.guard.Check(ctx); !d.Allowed {
				return measureResult{peak: peak, abortReason: string(d.Reason)}
			}
			if v, ok := r.sensors.Latest()[SwitchCurrentChannel]; ok && v > peak {
				peak = v
			}
		}
	}
}

// motion presses and returns the switch, re-checking the interlock between
// the two strokes. A non-empty abort reason means a safety condition stopped
// the sequence; err reports hardware write failures.
func (r *CycleRunner) motion(ctx context.Context, stationID int) (abortReason string, err error) {
	if err := r.actuator.Command(ctx, stationID, r.cfg.PressAngle); err != nil {
		return "", err
	}
	if !sleepCtx(ctx, r.cfg.PressDuration) {
		return AbortCancelled, nil
	}

	if d := r.guard.Check(ctx); !d.Allowed {
		return string(d.Reason), nil
	}

	if err := r.actuator.Command(ctx, stationID, r.cfg.ReturnAngle); err != nil {
		return "", err
	}
	if !sleepCtx(ctx, r.cfg.ReturnDuration) {
		return AbortCancelled, nil
	}

	return "", nil
}

// sleepCtx waits for d and reports false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
