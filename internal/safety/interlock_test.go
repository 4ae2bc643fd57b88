package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/types"
	"go.uber.org/zap"
)

type fakeStore struct {
	state    types.SystemState
	settings types.SystemSettings
	loadErr  error

	setStates    []types.MachineState
	timerCleared bool
}

func (s *fakeStore) LoadSystemState(context.Context) (*types.SystemState, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	state := s.state
	return &state, nil
}

func (s *fakeStore) LoadSettings(context.Context) (*types.SystemSettings, error) {
	settings := s.settings
	return &settings, nil
}

func (s *fakeStore) SetMachineState(_ context.Context, state types.MachineState) error {
	s.setStates = append(s.setStates, state)
	s.state.MachineState = state
	return nil
}

func (s *fakeStore) ClearTimer(context.Context) error {
	s.timerCleared = true
	s.state.TimerActive = false
	return nil
}

type fakeReadings struct {
	values map[string]float64
}

func (r *fakeReadings) Latest() map[string]float64 {
	return r.values
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestInterlock(store *fakeStore, readings *fakeReadings) (*Interlock, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	il := NewInterlock(store, readings, 5*time.Second, zap.NewNop())
	il.now = clock.now
	return il, clock
}

func runningStore() *fakeStore {
	return &fakeStore{
		state:    types.SystemState{MachineState: types.StateOn},
		settings: types.SystemSettings{CutoffVoltage: 11.1},
	}
}

func TestCheckAllowsRunningMachine(t *testing.T) {
	store := runningStore()
	il, _ := newTestInterlock(store, &fakeReadings{values: map[string]float64{
		SupplyVoltageChannel: 12.6,
	}})

	if d := il.Check(context.Background()); !d.Allowed {
		t.Fatalf("Check() blocked with reason %q", d.Reason)
	}
	if len(store.setStates) != 0 {
		t.Errorf("machine state written on a clean check: %v", store.setStates)
	}
}

func TestCheckBlocksWhenMachineOff(t *testing.T) {
	store := runningStore()
	store.state.MachineState = types.StateOff

	il, _ := newTestInterlock(store, &fakeReadings{})

	d := il.Check(context.Background())
	if d.Allowed || d.Reason != ReasonMachineOff {
		t.Fatalf("Check() = %+v, want blocked machine_off", d)
	}
}

func TestLowVoltageDebounce(t *testing.T) {
	store := runningStore()
	readings := &fakeReadings{values: map[string]float64{SupplyVoltageChannel: 10.5}}
	il, clock := newTestInterlock(store, readings)

	// First low sample starts the window but does not block
	if d := il.Check(context.Background()); !d.Allowed {
		t.Fatalf("first low sample blocked: %+v", d)
	}

	// Still low just inside the window
	clock.advance(4900 * time.Millisecond)
	if d := il.Check(context.Background()); !d.Allowed {
		t.Fatalf("4.9s of low voltage blocked early: %+v", d)
	}

	// One good sample clears the window
	readings.values[SupplyVoltageChannel] = 12.6
	if d := il.Check(context.Background()); !d.Allowed {
		t.Fatalf("recovered voltage blocked: %+v", d)
	}

	// Low again, full window this time
	readings.values[SupplyVoltageChannel] = 10.5
	if d := il.Check(context.Background()); !d.Allowed {
		t.Fatalf("restarted window blocked immediately: %+v", d)
	}
	clock.advance(5 * time.Second)

	d := il.Check(context.Background())
	if d.Allowed || d.Reason != ReasonLowVoltage {
		t.Fatalf("Check() = %+v, want blocked low_voltage", d)
	}
	if len(store.setStates) != 1 || store.setStates[0] != types.StateOff {
		t.Errorf("machine state writes = %v, want single off", store.setStates)
	}
}

func TestLowVoltageIgnoredWithoutReading(t *testing.T) {
	store := runningStore()
	il, clock := newTestInterlock(store, &fakeReadings{})

	for i := 0; i < 3; i++ {
		if d := il.Check(context.Background()); !d.Allowed {
			t.Fatalf("Check() without voltage reading blocked: %+v", d)
		}
		clock.advance(10 * time.Second)
	}
}

func TestTimerExpiryForcesOff(t *testing.T) {
	store := runningStore()
	il, clock := newTestInterlock(store, &fakeReadings{values: map[string]float64{
		SupplyVoltageChannel: 12.6,
	}})

	store.state.TimerActive = true
	store.state.TimerEndTime = clock.t.Add(time.Minute)

	if d := il.Check(context.Background()); !d.Allowed {
		t.Fatalf("armed timer blocked before expiry: %+v", d)
	}

	clock.advance(time.Minute)

	d := il.Check(context.Background())
	if d.Allowed || d.Reason != ReasonTimerExpired {
		t.Fatalf("Check() = %+v, want blocked timer_expired", d)
	}
	if len(store.setStates) != 1 || store.setStates[0] != types.StateOff {
		t.Errorf("machine state writes = %v, want single off", store.setStates)
	}
	if !store.timerCleared {
		t.Error("expired timer not cleared")
	}
}

func TestMachineOffResetsDebounce(t *testing.T) {
	store := runningStore()
	readings := &fakeReadings{values: map[string]float64{SupplyVoltageChannel: 10.5}}
	il, clock := newTestInterlock(store, readings)

	il.Check(context.Background()) // window starts

	store.state.MachineState = types.StateOff
	clock.advance(time.Hour)
	il.Check(context.Background()) // off, window must reset

	store.state.MachineState = types.StateOn
	if d := il.Check(context.Background()); !d.Allowed {
		t.Fatalf("stale debounce window survived machine off: %+v", d)
	}
}

func TestCheckBlocksOnStoreError(t *testing.T) {
	store := runningStore()
	store.loadErr = errors.New("connection refused")

	il, _ := newTestInterlock(store, &fakeReadings{})

	d := il.Check(context.Background())
	if d.Allowed || d.Reason != ReasonStateUnavailable {
		t.Fatalf("Check() = %+v, want blocked state_unavailable", d)
	}
}
