package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/KevinKickass/SwitchBench/internal/safety"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu       sync.Mutex
	stations []types.Station
	settings types.SystemSettings
	state    types.SystemState

	settingsErr error
	stateFn     func(call int) types.SystemState
	stateCalls  int
	updated     []types.Station
	history     []types.HistoryEntry
}

func (s *fakeStore) LoadStations(context.Context) ([]types.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Station(nil), s.stations...), nil
}

func (s *fakeStore) LoadSettings(context.Context) (*types.SystemSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settingsErr != nil {
		return nil, s.settingsErr
	}
	settings := s.settings
	return &settings, nil
}

func (s *fakeStore) LoadSystemState(context.Context) (*types.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateCalls++
	if s.stateFn != nil {
		state := s.stateFn(s.stateCalls)
		return &state, nil
	}
	state := s.state
	return &state, nil
}

func (s *fakeStore) UpdateStation(_ context.Context, station types.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, station)
	return nil
}

func (s *fakeStore) InsertHistory(_ context.Context, e types.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	return nil
}

func (s *fakeStore) updatedStations() []types.Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Station(nil), s.updated...)
}

func (s *fakeStore) historyEntries() []types.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.HistoryEntry(nil), s.history...)
}

// benchSettings packs a high throughput target so test intervals stay in the
// low-millisecond range.
func benchSettings() types.SystemSettings {
	return types.SystemSettings{
		CyclesPerMinute:        6000,
		SwitchCurrentThreshold: 5.0,
		SwitchFailureThreshold: 10,
		CycleLimit:             100000,
	}
}

func newTestScheduler(store *fakeStore, guard *fakeGuard, motion *fakeMotion,
	sensors *fakeSensors) *Scheduler {

	logger := zap.NewNop()
	runner := NewCycleRunner(guard, motion, sensors, testServoConfig(), logger)

	return NewScheduler(store, guard, motion, runner, nil, config.SchedulerConfig{
		PollSlice:     time.Millisecond,
		RetryInterval: time.Millisecond,
	}, logger)
}

func TestStationIntervalMatchesThroughputTarget(t *testing.T) {
	tests := []struct {
		cyclesPerMinute int
		enabledCount    int
		want            time.Duration
	}{
		{6, 2, 5 * time.Second},
		{6, 1, 10 * time.Second},
		{60, 4, 250 * time.Millisecond},
		{1, 1, time.Minute},
	}

	for _, tt := range tests {
		if got := stationInterval(tt.cyclesPerMinute, tt.enabledCount); got != tt.want {
			t.Errorf("stationInterval(%d, %d) = %v, want %v",
				tt.cyclesPerMinute, tt.enabledCount, got, tt.want)
		}
	}
}

func TestIterateAppliesVerdictsPerStation(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{
			{ID: 1, Enabled: true},
			{ID: 2, Enabled: true},
		},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn, SupplyVoltage: 12.6},
	}
	guard := &fakeGuard{}
	motion := &fakeMotion{}

	// Station 1 draws a passing current, station 2 a failing one
	sensors := &fakeSensors{}
	sensors.valueFn = func() float64 {
		if motion.lastStation() == 2 {
			return 2.0
		}
		return 6.0
	}

	s := newTestScheduler(store, guard, motion, sensors)
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}

	updated := store.updatedStations()
	if len(updated) != 2 {
		t.Fatalf("updated %d stations, want 2", len(updated))
	}

	if got := updated[0]; got.ID != 1 || got.CurrentCycles != 1 || got.SwitchFailures != 0 {
		t.Errorf("station 1 = %+v, want cycles 1 failures 0", got)
	}
	if got := updated[1]; got.ID != 2 || got.CurrentCycles != 1 || got.SwitchFailures != 1 {
		t.Errorf("station 2 = %+v, want cycles 1 failures 1", got)
	}

	history := store.historyEntries()
	if len(history) != 2 {
		t.Fatalf("recorded %d history rows, want 2", len(history))
	}
	if !history[0].Passed || history[1].Passed {
		t.Errorf("history pass flags = %v/%v, want true/false",
			history[0].Passed, history[1].Passed)
	}
	if history[0].SupplyVoltage != 12.6 {
		t.Errorf("history supply voltage = %v, want 12.6", history[0].SupplyVoltage)
	}
}

func TestIterateVisitsStationsInAscendingOrder(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{
			{ID: 3, Enabled: true},
			{ID: 1, Enabled: true},
			{ID: 2, Enabled: false},
		},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn},
	}
	motion := &fakeMotion{}

	s := newTestScheduler(store, &fakeGuard{}, motion, &fakeSensors{current: 6.0})
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}

	updated := store.updatedStations()
	if len(updated) != 2 || updated[0].ID != 1 || updated[1].ID != 3 {
		t.Errorf("station visit order = %v, want 1 then 3 with 2 skipped", updated)
	}
}

func TestAutoDisableExactlyAtThreshold(t *testing.T) {
	settings := benchSettings()
	settings.SwitchFailureThreshold = 3

	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: true, SwitchFailures: 1}},
		settings: settings,
		state:    types.SystemState{MachineState: types.StateOn},
	}
	s := newTestScheduler(store, &fakeGuard{}, &fakeMotion{}, &fakeSensors{current: 2.0})

	// Failure 2 of 3: still enabled
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	first := store.updatedStations()[0]
	if !first.Enabled || first.SwitchFailures != 2 {
		t.Fatalf("station after second failure = %+v, want still enabled", first)
	}

	store.mu.Lock()
	store.stations[0] = first
	store.mu.Unlock()

	// Failure 3 of 3: disabled on exactly this pass
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	second := store.updatedStations()[1]
	if second.Enabled || second.SwitchFailures != 3 {
		t.Errorf("station after third failure = %+v, want disabled", second)
	}
}

func TestDisconnectedBusIsSafetyBlocked(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: true}},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn},
	}
	motion := &fakeMotion{disconnected: true}

	s := newTestScheduler(store, &fakeGuard{}, motion, &fakeSensors{current: 6.0})

	// A dead bus with the machine on must park the loop, not burn cycles
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	if got := store.updatedStations(); len(got) != 0 {
		t.Errorf("disconnected bus mutated station records: %v", got)
	}
	if got := store.historyEntries(); len(got) != 0 {
		t.Errorf("disconnected bus recorded history: %v", got)
	}
	if got := motion.commandLog(); len(got) != 0 {
		t.Errorf("motion commanded over a dead bus: %v", got)
	}
	if !motion.SafeState() {
		t.Error("disconnected bus left the actuator armed")
	}

	// Still blocked on the next pass, without re-entering safe state
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	motion.mu.Lock()
	defer motion.mu.Unlock()
	if motion.enterCalls != 1 {
		t.Errorf("enterCalls = %d, want 1", motion.enterCalls)
	}
	if len(store.updatedStations()) != 0 {
		t.Error("second blocked pass mutated station records")
	}
}

func TestHistoryRowsCarryFreshSystemState(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{
			{ID: 1, Enabled: true},
			{ID: 2, Enabled: true},
		},
		settings: benchSettings(),
		stateFn: func(call int) types.SystemState {
			return types.SystemState{
				MachineState:  types.StateOn,
				SupplyVoltage: 12.0 + float64(call)/10,
			}
		},
	}

	s := newTestScheduler(store, &fakeGuard{}, &fakeMotion{}, &fakeSensors{current: 6.0})
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}

	history := store.historyEntries()
	if len(history) != 2 {
		t.Fatalf("recorded %d history rows, want 2", len(history))
	}
	if history[0].SupplyVoltage == history[1].SupplyVoltage {
		t.Errorf("both rows carry voltage %v, want a fresh reading per cycle",
			history[0].SupplyVoltage)
	}
}

func TestBlockedIterationEntersSafeState(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: true}},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOff},
	}
	guard := &fakeGuard{blocked: true, reason: safety.ReasonMachineOff}
	motion := &fakeMotion{}

	s := newTestScheduler(store, guard, motion, &fakeSensors{})

	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	if !motion.SafeState() {
		t.Fatal("blocked iteration left the actuator armed")
	}
	if len(store.updatedStations()) != 0 {
		t.Error("blocked iteration mutated station records")
	}

	// Second blocked pass must not re-enter safe state
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	motion.mu.Lock()
	defer motion.mu.Unlock()
	if motion.enterCalls != 1 {
		t.Errorf("enterCalls = %d, want 1", motion.enterCalls)
	}
}

func TestMidCycleAbortEntersSafeStateWithoutCounterChanges(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: true}},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn},
	}
	guard := &fakeGuard{}
	guard.blockAfter(10*time.Millisecond, safety.ReasonMachineOff)
	motion := &fakeMotion{}

	s := newTestScheduler(store, guard, motion, &fakeSensors{current: 6.0})

	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	if !motion.SafeState() {
		t.Fatal("aborted cycle left the actuator armed")
	}
	if got := store.updatedStations(); len(got) != 0 {
		t.Errorf("aborted cycle mutated station records: %v", got)
	}
	if got := store.historyEntries(); len(got) != 0 {
		t.Errorf("aborted cycle recorded history: %v", got)
	}
}

func TestIterateExitsSafeStateBeforeMotion(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: true}},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn},
	}
	motion := &fakeMotion{safe: true}

	s := newTestScheduler(store, &fakeGuard{}, motion, &fakeSensors{current: 6.0})
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}

	motion.mu.Lock()
	defer motion.mu.Unlock()
	if motion.exitCalls != 1 {
		t.Errorf("exitCalls = %d, want 1", motion.exitCalls)
	}
	if len(motion.commands) != 2 {
		t.Errorf("commands = %v, want press and return after arming", motion.commands)
	}
}

func TestIterateSurfacesExitSafeStateFailure(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: true}},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn},
	}
	motion := &fakeMotion{safe: true, exitErr: errors.New("servo 2 torque write failed")}

	s := newTestScheduler(store, &fakeGuard{}, motion, &fakeSensors{})
	if err := s.iterate(context.Background()); err == nil {
		t.Fatal("iterate() swallowed exit-safe-state failure")
	}
	if !motion.SafeState() {
		t.Error("failed arming left safe state")
	}
	if got := motion.commandLog(); len(got) != 0 {
		t.Errorf("motion issued while safe: %v", got)
	}
}

func TestIterateIdlesOnEmptyEnabledSet(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: false}},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn},
	}
	motion := &fakeMotion{}

	s := newTestScheduler(store, &fakeGuard{}, motion, &fakeSensors{})
	if err := s.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	if !motion.SafeState() {
		t.Error("empty enabled set left the actuator armed")
	}
}

func TestIterateReturnsSettingsError(t *testing.T) {
	store := &fakeStore{settingsErr: errors.New("relation does not exist")}

	s := newTestScheduler(store, &fakeGuard{}, &fakeMotion{}, &fakeSensors{})
	if err := s.iterate(context.Background()); err == nil {
		t.Fatal("iterate() ignored settings load failure")
	}
}

func TestRunStopsOnContextAndEntersSafeState(t *testing.T) {
	store := &fakeStore{
		stations: []types.Station{{ID: 1, Enabled: true}},
		settings: benchSettings(),
		state:    types.SystemState{MachineState: types.StateOn},
	}
	motion := &fakeMotion{}
	s := newTestScheduler(store, &fakeGuard{}, motion, &fakeSensors{current: 6.0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if !motion.SafeState() {
		t.Error("shutdown left the actuator armed")
	}
}
