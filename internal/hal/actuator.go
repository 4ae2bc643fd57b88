package hal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/KevinKickass/SwitchBench/internal/dynamixel"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"go.uber.org/zap"
)

// ServoBus is the byte-level transport the actuator talks through.
// Implemented by dynamixel.Client.
type ServoBus interface {
	Ping(ctx context.Context, id uint8) error
	WriteByte(ctx context.Context, id uint8, addr uint16, value uint8) error
	WriteUint16(ctx context.Context, id uint8, addr uint16, value uint16) error
	WriteUint32(ctx context.Context, id uint8, addr uint16, value uint32) error
	ReadUint32(ctx context.Context, id uint8, addr uint16) (uint32, error)
}

// Actuator owns one servo per station and the fail-safe state machine.
//
// Two states: armed (servos configured for motion) and safe (all servos at
// rest with holding torque removed). The safe-state flag is owned exclusively
// by this module; state transitions are serialized by the scheduler, so the
// mutex only guards flag reads against concurrent status snapshots.
type Actuator struct {
	bus      ServoBus
	servoIDs map[int]uint8
	stations []int // fixed sweep order, ascending
	cfg      config.ServoConfig
	logger   *zap.Logger

	mu        sync.Mutex
	connected bool
	safeState bool
}

func NewActuator(bus ServoBus, profile *Profile, cfg config.ServoConfig, logger *zap.Logger) *Actuator {
	servoIDs := profile.ServoIDs()

	stations := make([]int, 0, len(servoIDs))
	for station := range servoIDs {
		stations = append(stations, station)
	}
	sort.Ints(stations)

	return &Actuator{
		bus:      bus,
		servoIDs: servoIDs,
		stations: stations,
		cfg:      cfg,
		logger:   logger,
	}
}

// Connect pings the whole servo chain, then configures every servo for
// current-based position control. The module only reports connected if every
// unit answers and completes setup; a partial bench fails closed.
func (a *Actuator) Connect(ctx context.Context) error {
	for _, station := range a.stations {
		id := a.servoIDs[station]
		if err := a.bus.Ping(ctx, id); err != nil {
			return fmt.Errorf("servo %d (station %d) does not answer: %w", id, station, err)
		}
	}

	for _, station := range a.stations {
		id := a.servoIDs[station]
		if err := a.setupServo(ctx, id); err != nil {
			return fmt.Errorf("failed to set up servo %d (station %d): %w", id, station, err)
		}
	}

	a.mu.Lock()
	a.connected = true
	a.safeState = false
	a.mu.Unlock()

	a.logger.Info("All servos configured",
		zap.Int("count", len(a.stations)),
		zap.Float64("current_limit_percent", a.cfg.CurrentLimitPercent))

	return nil
}

// Disconnect removes holding torque from every servo, best effort.
func (a *Actuator) Disconnect() {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.mu.Unlock()

	ctx := context.Background()
	for _, station := range a.stations {
		id := a.servoIDs[station]
		if err := a.bus.WriteByte(ctx, id, dynamixel.AddrTorqueEnable, dynamixel.TorqueDisable); err != nil {
			a.logger.Warn("Failed to disable torque during disconnect",
				zap.Uint8("servo_id", id), zap.Error(err))
		}
	}

	a.logger.Info("Actuator disconnected")
}

// Connected reports whether every servo completed setup.
func (a *Actuator) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// SafeState reports the safe-state flag.
func (a *Actuator) SafeState() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.safeState
}

// Command moves a station's servo to the given angle in degrees. Fails
// closed without a hardware write if the module is in safe state or not
// connected.
func (a *Actuator) Command(ctx context.Context, station int, angle float64) error {
	a.mu.Lock()
	safeState, connected := a.safeState, a.connected
	a.mu.Unlock()

	if safeState {
		return types.ErrSafeState
	}
	if !connected {
		return types.ErrNotConnected
	}

	id, ok := a.servoIDs[station]
	if !ok {
		return fmt.Errorf("station %d: %w", station, types.ErrNoServo)
	}

	position := degreesToPosition(angle)
	if err := a.bus.WriteUint32(ctx, id, dynamixel.AddrGoalPosition, position); err != nil {
		return fmt.Errorf("failed to command servo %d to %.1f°: %w", id, angle, err)
	}

	a.logger.Debug("Servo commanded",
		zap.Int("station", station),
		zap.Float64("angle", angle),
		zap.Uint32("position", position))

	return nil
}

// EnterSafeState moves every servo to the rest position, waits for mechanical
// travel, then removes holding torque. Idempotent: a second call performs no
// hardware writes. Per-servo write failures are logged and skipped so the
// sweep always covers all servos; leaving some energized is worse than one
// failed write. Once initiated the sweep runs to completion; it is never
// cancelled. With no bus connection the flag is set without a sweep: commands
// are already refused and there is no hardware to drive.
func (a *Actuator) EnterSafeState() error {
	a.mu.Lock()
	if a.safeState {
		a.mu.Unlock()
		return nil
	}
	if !a.connected {
		a.safeState = true
		a.mu.Unlock()
		a.logger.Warn("Safe state flagged without sweep, servo bus not connected")
		return nil
	}
	a.mu.Unlock()

	a.logger.Warn("Entering safe state: rest position, then torque off")

	ctx := context.Background()
	restPosition := degreesToPosition(a.cfg.ReturnAngle)

	for _, station := range a.stations {
		id := a.servoIDs[station]
		if err := a.bus.WriteUint32(ctx, id, dynamixel.AddrGoalPosition, restPosition); err != nil {
			a.logger.Error("Failed to move servo to rest position",
				zap.Uint8("servo_id", id), zap.Error(err))
			continue
		}
	}

	// Allow mechanical travel before removing torque
	a.waitForRest(ctx, restPosition)

	for _, station := range a.stations {
		id := a.servoIDs[station]
		if err := a.bus.WriteByte(ctx, id, dynamixel.AddrTorqueEnable, dynamixel.TorqueDisable); err != nil {
			a.logger.Error("Failed to disable torque",
				zap.Uint8("servo_id", id), zap.Error(err))
			continue
		}
	}

	a.mu.Lock()
	a.safeState = true
	a.mu.Unlock()

	a.logger.Warn("Safe state reached: all servos at rest, torque disabled")
	return nil
}

// waitForRest polls present position until every servo sits near the rest
// position, capped by the settle duration. A read failure falls back to
// waiting out the remaining settle time; torque removal must not be skipped
// because the readback path is down.
func (a *Actuator) waitForRest(ctx context.Context, restPosition uint32) {
	const tolerance = 20 // position ticks, just under 2 degrees

	deadline := time.Now().Add(a.cfg.SettleDuration)
	for time.Now().Before(deadline) {
		settled := true
		for _, station := range a.stations {
			id := a.servoIDs[station]
			position, err := a.bus.ReadUint32(ctx, id, dynamixel.AddrPresentPosition)
			if err != nil {
				time.Sleep(time.Until(deadline))
				return
			}
			if positionDelta(position, restPosition) > tolerance {
				settled = false
				break
			}
		}
		if settled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func positionDelta(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// ExitSafeState re-runs the full setup sequence for every servo. All or
// nothing: if any servo fails, the module stays in safe state and the error
// is returned, so the bench never reports ready with a half-configured chain.
func (a *Actuator) ExitSafeState(ctx context.Context) error {
	a.mu.Lock()
	if !a.safeState {
		a.mu.Unlock()
		return nil
	}
	if !a.connected {
		a.mu.Unlock()
		return types.ErrNotConnected
	}
	a.mu.Unlock()

	for _, station := range a.stations {
		id := a.servoIDs[station]
		if err := a.setupServo(ctx, id); err != nil {
			return fmt.Errorf("failed to re-arm servo %d (station %d): %w", id, station, err)
		}
	}

	a.mu.Lock()
	a.safeState = false
	a.mu.Unlock()

	a.logger.Info("Safe state cleared: all servos reconfigured and ready")
	return nil
}

// setupServo configures one servo for current-based position control:
// torque off, operating mode, current limit, torque on.
func (a *Actuator) setupServo(ctx context.Context, id uint8) error {
	if err := a.bus.WriteByte(ctx, id, dynamixel.AddrTorqueEnable, dynamixel.TorqueDisable); err != nil {
		return fmt.Errorf("disable torque: %w", err)
	}

	if err := a.bus.WriteByte(ctx, id, dynamixel.AddrOperatingMode, dynamixel.CurrentBasedPositionMode); err != nil {
		return fmt.Errorf("set operating mode: %w", err)
	}

	limit := currentLimitValue(a.cfg.CurrentLimitPercent)
	if err := a.bus.WriteUint16(ctx, id, dynamixel.AddrGoalCurrent, limit); err != nil {
		return fmt.Errorf("set current limit: %w", err)
	}

	if err := a.bus.WriteByte(ctx, id, dynamixel.AddrTorqueEnable, dynamixel.TorqueEnable); err != nil {
		return fmt.Errorf("enable torque: %w", err)
	}

	return nil
}

// degreesToPosition scales 0-360° linearly onto the servo's position range
// and clamps to valid values.
func degreesToPosition(degrees float64) uint32 {
	position := int(degrees * dynamixel.PositionResolution / 360.0)
	if position < 0 {
		position = 0
	}
	if position > dynamixel.PositionResolution-1 {
		position = dynamixel.PositionResolution - 1
	}
	return uint32(position)
}

// currentLimitValue converts a percentage to the goal-current register value.
func currentLimitValue(percent float64) uint16 {
	value := int(percent * dynamixel.MaxGoalCurrent / 100.0)
	if value < 0 {
		value = 0
	}
	if value > dynamixel.MaxGoalCurrent {
		value = dynamixel.MaxGoalCurrent
	}
	return uint16(value)
}
