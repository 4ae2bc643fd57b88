package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/KevinKickass/SwitchBench/internal/metrics"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"go.uber.org/zap"
)

// Store is the data-store surface of the control loop. Stations and settings
// are re-read on every iteration; nothing is cached across passes.
type Store interface {
	LoadStations(ctx context.Context) ([]types.Station, error)
	LoadSettings(ctx context.Context) (*types.SystemSettings, error)
	LoadSystemState(ctx context.Context) (*types.SystemState, error)
	UpdateStation(ctx context.Context, s types.Station) error
	InsertHistory(ctx context.Context, e types.HistoryEntry) error
}

// Notifier receives push updates for the broadcast layer. Both methods must
// not block the control loop.
type Notifier interface {
	StatusChanged()
	CycleCompleted(v types.CycleVerdict)
}

// Scheduler runs the infinite control loop: interlock, station selection,
// pacing, cycle execution and verdict application. It is the only component
// that mutates station records.
type Scheduler struct {
	store    Store
	guard    Guard
	actuator Motion
	runner   *CycleRunner
	notifier Notifier
	cfg      config.SchedulerConfig
	logger   *zap.Logger
}

func NewScheduler(store Store, guard Guard, actuator Motion, runner *CycleRunner,
	notifier Notifier, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		guard:    guard,
		actuator: actuator,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run loops until the context ends. Iteration errors are logged and turned
// into a one-interval delay; the loop itself never terminates on error.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Actuation scheduler started")

	for ctx.Err() == nil {
		if err := s.iterate(ctx); err != nil {
			s.logger.Error("Scheduler iteration failed", zap.Error(err))
			s.waitInterlocked(ctx, s.cfg.RetryInterval)
		}
	}

	// Shutdown leaves the hardware de-energized
	s.enterSafe("shutdown")
	s.logger.Info("Actuation scheduler stopped")
}

func (s *Scheduler) iterate(ctx context.Context) error {
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if d := s.guard.Check(ctx); !d.Allowed {
		s.enterSafe(string(d.Reason))
		s.waitInterlocked(ctx, s.idleInterval(settings))
		return nil
	}

	// A dead servo bus blocks cycling like an interlock fault: no motion,
	// no counter changes, until the hardware answers again.
	if !s.actuator.Connected() {
		s.enterSafe(AbortNotConnected)
		s.waitInterlocked(ctx, s.idleInterval(settings))
		return nil
	}

	stations, err := s.store.LoadStations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stations: %w", err)
	}

	enabled := enabledStations(stations)
	metrics.StationsEnabled.Set(float64(len(enabled)))

	if len(enabled) == 0 {
		s.enterSafe("no_enabled_stations")
		s.waitInterlocked(ctx, s.idleInterval(settings))
		return nil
	}

	if settings.CyclesPerMinute <= 0 {
		return fmt.Errorf("invalid cycles_per_minute %d", settings.CyclesPerMinute)
	}
	interval := stationInterval(settings.CyclesPerMinute, len(enabled))

	if s.actuator.SafeState() {
		if err := s.actuator.ExitSafeState(ctx); err != nil {
			return fmt.Errorf("failed to exit safe state: %w", err)
		}
		metrics.SafeState.Set(0)
		s.statusChanged()
	}

	for _, station := range enabled {
		if d := s.guard.Check(ctx); !d.Allowed {
			// Abort the remaining stations of this pass
			s.enterSafe(string(d.Reason))
			return nil
		}

		start := time.Now()
		verdict := s.runner.Run(ctx, station, *settings)

		if verdict.Aborted() {
			metrics.CyclesAborted.WithLabelValues(verdict.AbortReason).Inc()
			s.enterSafe(verdict.AbortReason)
			return nil
		}

		s.applyVerdict(ctx, station, verdict, settings)
		metrics.CycleDuration.WithLabelValues(strconv.Itoa(station.ID)).
			Observe(time.Since(start).Seconds())

		if !s.waitInterlocked(ctx, interval-time.Since(start)) {
			return nil
		}
	}

	return nil
}

// applyVerdict is the single place station counters change. Cycle count
// increments on every completed cycle, failures only on failed verdicts,
// and the station auto-disables exactly when the failure threshold or the
// cycle limit is reached.
func (s *Scheduler) applyVerdict(ctx context.Context, station types.Station,
	verdict types.CycleVerdict, settings *types.SystemSettings) {

	station.CurrentCycles++
	station.SwitchCurrent = verdict.PeakCurrent
	if !verdict.Passed {
		station.SwitchFailures++
	}

	if settings.SwitchFailureThreshold > 0 &&
		station.SwitchFailures >= settings.SwitchFailureThreshold && station.Enabled {
		station.Enabled = false
		s.logger.Warn("Station disabled after repeated switch failures",
			zap.Int("station", station.ID),
			zap.Int("switch_failures", station.SwitchFailures))
	}
	if settings.CycleLimit > 0 && station.CurrentCycles >= settings.CycleLimit && station.Enabled {
		station.Enabled = false
		s.logger.Info("Station reached its cycle limit",
			zap.Int("station", station.ID),
			zap.Int("current_cycles", station.CurrentCycles))
	}

	if err := s.store.UpdateStation(ctx, station); err != nil {
		s.logger.Error("Failed to persist station",
			zap.Int("station", station.ID), zap.Error(err))
	}

	// System state is read per cycle so every history row carries the
	// supply voltage of its own pass, not a snapshot from the loop start.
	state, err := s.store.LoadSystemState(ctx)
	if err != nil {
		s.logger.Warn("History row recorded without fresh system state", zap.Error(err))
		state = &types.SystemState{}
	}

	entry := types.HistoryEntry{
		ID:             verdict.ID,
		StationID:      station.ID,
		CurrentCycles:  station.CurrentCycles,
		SwitchFailures: station.SwitchFailures,
		SwitchCurrent:  verdict.PeakCurrent,
		Passed:         verdict.Passed,
		SupplyVoltage:  state.SupplyVoltage,
		MachineState:   state.MachineState,
	}
	if err := s.store.InsertHistory(ctx, entry); err != nil {
		s.logger.Error("Failed to record cycle history",
			zap.Int("station", station.ID), zap.Error(err))
	}

	result := "fail"
	if verdict.Passed {
		result = "pass"
	}
	stationLabel := strconv.Itoa(station.ID)
	metrics.CyclesTotal.WithLabelValues(stationLabel, result).Inc()
	metrics.PeakCurrent.WithLabelValues(stationLabel).Observe(verdict.PeakCurrent)

	if s.notifier != nil {
		s.notifier.CycleCompleted(verdict)
	}
	s.statusChanged()
}

// enterSafe drives the actuator into safe state if it is not already there.
func (s *Scheduler) enterSafe(reason string) {
	if s.actuator.SafeState() {
		return
	}

	s.logger.Info("Entering safe state", zap.String("reason", reason))
	if err := s.actuator.EnterSafeState(); err != nil {
		s.logger.Error("Failed to enter safe state", zap.Error(err))
		return
	}
	metrics.SafeState.Set(1)
	s.statusChanged()
}

// waitInterlocked sleeps in short slices, re-checking the interlock each
// slice so a machine-off request takes effect within one slice. Reports
// false if the wait ended early (interlock blocked or context done).
func (s *Scheduler) waitInterlocked(ctx context.Context, d time.Duration) bool {
	slice := s.cfg.PollSlice
	if slice <= 0 {
		slice = 100 * time.Millisecond
	}

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining > slice {
			remaining = slice
		}
		if !sleepCtx(ctx, remaining) {
			return false
		}
		if d := s.guard.Check(ctx); !d.Allowed {
			s.enterSafe(string(d.Reason))
			return false
		}
	}

	return true
}

// idleInterval is the pacing delay while the loop has nothing to run.
func (s *Scheduler) idleInterval(settings *types.SystemSettings) time.Duration {
	if settings.CyclesPerMinute <= 0 {
		return s.cfg.RetryInterval
	}
	return time.Duration(float64(time.Minute) / float64(settings.CyclesPerMinute))
}

func (s *Scheduler) statusChanged() {
	if s.notifier != nil {
		s.notifier.StatusChanged()
	}
}

// stationInterval spreads the aggregate cycles-per-minute target across the
// enabled stations: seconds per station cycle.
func stationInterval(cyclesPerMinute, enabledCount int) time.Duration {
	return time.Duration(float64(time.Minute) /
		float64(cyclesPerMinute) / float64(enabledCount))
}

func enabledStations(stations []types.Station) []types.Station {
	enabled := make([]types.Station, 0, len(stations))
	for _, st := range stations {
		if st.Enabled {
			enabled = append(enabled, st)
		}
	}
	// Fixed visiting order regardless of store ordering
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })
	return enabled
}
