package hal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/KevinKickass/SwitchBench/internal/dynamixel"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"go.uber.org/zap"
)

type busWrite struct {
	id    uint8
	addr  uint16
	value uint32
}

// fakeBus records every register write and can inject per-register failures.
// Reads answer with a fixed present position, rest by default.
type fakeBus struct {
	mu       sync.Mutex
	writes   []busWrite
	pings    []uint8
	fail     func(id uint8, addr uint16) error
	pingErr  func(id uint8) error
	position uint32
	readErr  error
}

func (b *fakeBus) Ping(_ context.Context, id uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pingErr != nil {
		if err := b.pingErr(id); err != nil {
			return err
		}
	}
	b.pings = append(b.pings, id)
	return nil
}

func (b *fakeBus) ReadUint32(_ context.Context, id uint8, addr uint16) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.position, nil
}

func (b *fakeBus) write(id uint8, addr uint16, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail != nil {
		if err := b.fail(id, addr); err != nil {
			return err
		}
	}
	b.writes = append(b.writes, busWrite{id: id, addr: addr, value: value})
	return nil
}

func (b *fakeBus) WriteByte(_ context.Context, id uint8, addr uint16, value uint8) error {
	return b.write(id, addr, uint32(value))
}

func (b *fakeBus) WriteUint16(_ context.Context, id uint8, addr uint16, value uint16) error {
	return b.write(id, addr, uint32(value))
}

func (b *fakeBus) WriteUint32(_ context.Context, id uint8, addr uint16, value uint32) error {
	return b.write(id, addr, value)
}

func (b *fakeBus) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

func (b *fakeBus) writesTo(addr uint16) []busWrite {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []busWrite
	for _, w := range b.writes {
		if w.addr == addr {
			out = append(out, w)
		}
	}
	return out
}

func testProfile() *Profile {
	return &Profile{
		Name: "test-bench",
		Stations: []ServoMapping{
			{Station: 1, ServoID: 1},
			{Station: 2, ServoID: 2},
		},
	}
}

func testServoConfig() config.ServoConfig {
	return config.ServoConfig{
		PressAngle:          100,
		ReturnAngle:         0,
		PressDuration:       time.Millisecond,
		ReturnDuration:      time.Millisecond,
		CycleDuration:       5 * time.Millisecond,
		SettleDuration:      time.Millisecond,
		CurrentLimitPercent: 50,
	}
}

func newTestActuator(bus *fakeBus) *Actuator {
	return NewActuator(bus, testProfile(), testServoConfig(), zap.NewNop())
}

func TestConnectConfiguresEveryServo(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(bus)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if !a.Connected() {
		t.Error("Connected() = false after successful setup")
	}
	if a.SafeState() {
		t.Error("SafeState() = true after connect, want armed")
	}

	// Setup sequence per servo: torque off, mode, current limit, torque on
	if got := bus.writeCount(); got != 8 {
		t.Errorf("write count = %d, want 8", got)
	}
	if got := len(bus.writesTo(dynamixel.AddrGoalCurrent)); got != 2 {
		t.Errorf("goal current writes = %d, want 2", got)
	}
}

func TestConnectFailsWhenServoSilent(t *testing.T) {
	bus := &fakeBus{
		pingErr: func(id uint8) error {
			if id == 2 {
				return errors.New("timeout")
			}
			return nil
		},
	}
	a := newTestActuator(bus)

	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded with a silent servo")
	}
	if a.Connected() {
		t.Error("Connected() = true with a silent servo")
	}
	if got := bus.writeCount(); got != 0 {
		t.Errorf("Connect wrote %d registers before the chain answered", got)
	}
}

func TestConnectFailsClosedOnPartialSetup(t *testing.T) {
	bus := &fakeBus{
		fail: func(id uint8, addr uint16) error {
			if id == 2 && addr == dynamixel.AddrOperatingMode {
				return errors.New("no response")
			}
			return nil
		},
	}
	a := newTestActuator(bus)

	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded with a failing servo")
	}
	if a.Connected() {
		t.Error("Connected() = true after failed setup")
	}

	err := a.Command(context.Background(), 1, 100)
	if !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Command() error = %v, want ErrNotConnected", err)
	}
}

func TestCommandScalesAndClampsAngle(t *testing.T) {
	tests := []struct {
		angle    float64
		position uint32
	}{
		{0, 0},
		{100, 1137},
		{180, 2048},
		{360, 4095}, // clamped to valid range
		{-10, 0},    // clamped to valid range
		{400, 4095}, // clamped to valid range
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0f degrees", tt.angle), func(t *testing.T) {
			bus := &fakeBus{}
			a := newTestActuator(bus)
			if err := a.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error: %v", err)
			}

			if err := a.Command(context.Background(), 1, tt.angle); err != nil {
				t.Fatalf("Command() error: %v", err)
			}

			writes := bus.writesTo(dynamixel.AddrGoalPosition)
			if len(writes) != 1 {
				t.Fatalf("goal position writes = %d, want 1", len(writes))
			}
			if writes[0].id != 1 {
				t.Errorf("servo id = %d, want 1", writes[0].id)
			}
			if writes[0].value != tt.position {
				t.Errorf("position = %d, want %d", writes[0].value, tt.position)
			}
		})
	}
}

func TestCommandFailsClosedInSafeState(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(bus)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := a.EnterSafeState(); err != nil {
		t.Fatalf("EnterSafeState() error: %v", err)
	}

	before := bus.writeCount()
	err := a.Command(context.Background(), 1, 100)
	if !errors.Is(err, types.ErrSafeState) {
		t.Errorf("Command() error = %v, want ErrSafeState", err)
	}
	if bus.writeCount() != before {
		t.Error("Command() wrote to the bus while in safe state")
	}
}

func TestEnterSafeStateIsIdempotent(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(bus)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := a.EnterSafeState(); err != nil {
		t.Fatalf("EnterSafeState() error: %v", err)
	}
	if !a.SafeState() {
		t.Fatal("SafeState() = false after EnterSafeState")
	}

	before := bus.writeCount()
	if err := a.EnterSafeState(); err != nil {
		t.Fatalf("second EnterSafeState() error: %v", err)
	}
	if got := bus.writeCount(); got != before {
		t.Errorf("second EnterSafeState performed %d writes, want 0", got-before)
	}
}

func TestEnterSafeStateWithoutConnection(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(bus)

	if err := a.EnterSafeState(); err != nil {
		t.Fatalf("EnterSafeState() error: %v", err)
	}
	if !a.SafeState() {
		t.Fatal("SafeState() = false while the bus is down")
	}
	if got := bus.writeCount(); got != 0 {
		t.Errorf("EnterSafeState wrote %d registers over a dead bus", got)
	}

	if err := a.Command(context.Background(), 1, 100); !errors.Is(err, types.ErrSafeState) {
		t.Errorf("Command() error = %v, want ErrSafeState", err)
	}
	if err := a.ExitSafeState(context.Background()); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("ExitSafeState() error = %v, want ErrNotConnected", err)
	}
}

func TestEnterSafeStateWaitsOutSettleOnReadFailure(t *testing.T) {
	bus := &fakeBus{readErr: errors.New("read timeout")}
	a := NewActuator(bus, testProfile(), config.ServoConfig{
		ReturnAngle:    0,
		SettleDuration: 30 * time.Millisecond,
	}, zap.NewNop())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	start := time.Now()
	if err := a.EnterSafeState(); err != nil {
		t.Fatalf("EnterSafeState() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("safe-state sweep finished after %v, want the full settle window", elapsed)
	}

	var torqueOff int
	for _, w := range bus.writesTo(dynamixel.AddrTorqueEnable) {
		if w.value == dynamixel.TorqueDisable {
			torqueOff++
		}
	}
	if torqueOff < 2 {
		t.Errorf("torque-disable writes = %d, want at least 2", torqueOff)
	}
}

func TestEnterSafeStateSweepsPastFailures(t *testing.T) {
	bus := &fakeBus{
		fail: func(id uint8, addr uint16) error {
			if id == 1 && addr == dynamixel.AddrGoalPosition {
				return errors.New("write timeout")
			}
			return nil
		},
	}
	a := newTestActuator(bus)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := a.EnterSafeState(); err != nil {
		t.Fatalf("EnterSafeState() error: %v", err)
	}
	if !a.SafeState() {
		t.Error("SafeState() = false, sweep must complete despite write failures")
	}

	// Servo 2 still reached rest, and both servos had torque removed
	if got := len(bus.writesTo(dynamixel.AddrGoalPosition)); got != 1 {
		t.Errorf("rest position writes = %d, want 1 (servo 2 only)", got)
	}

	var torqueOff int
	for _, w := range bus.writesTo(dynamixel.AddrTorqueEnable) {
		if w.value == dynamixel.TorqueDisable {
			torqueOff++
		}
	}
	if torqueOff < 2 {
		t.Errorf("torque-disable writes = %d, want at least 2", torqueOff)
	}
}

func TestExitSafeStateIsAllOrNothing(t *testing.T) {
	var failSetup bool
	bus := &fakeBus{
		fail: func(id uint8, addr uint16) error {
			if failSetup && id == 2 && addr == dynamixel.AddrGoalCurrent {
				return errors.New("no response")
			}
			return nil
		},
	}
	a := newTestActuator(bus)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := a.EnterSafeState(); err != nil {
		t.Fatalf("EnterSafeState() error: %v", err)
	}

	failSetup = true
	if err := a.ExitSafeState(context.Background()); err == nil {
		t.Fatal("ExitSafeState() succeeded with a failing servo")
	}
	if !a.SafeState() {
		t.Error("SafeState() = false after failed re-arm, want safe")
	}

	failSetup = false
	if err := a.ExitSafeState(context.Background()); err != nil {
		t.Fatalf("ExitSafeState() retry error: %v", err)
	}
	if a.SafeState() {
		t.Error("SafeState() = true after successful re-arm")
	}
}

func TestExitSafeStateIsIdempotentWhenArmed(t *testing.T) {
	bus := &fakeBus{}
	a := newTestActuator(bus)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	before := bus.writeCount()
	if err := a.ExitSafeState(context.Background()); err != nil {
		t.Fatalf("ExitSafeState() error: %v", err)
	}
	if got := bus.writeCount(); got != before {
		t.Errorf("ExitSafeState while armed performed %d writes, want 0", got-before)
	}
}
