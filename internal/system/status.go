package system

import (
	"context"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/api/websocket"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"go.uber.org/zap"
)

// StatusSnapshot is the bench status served over REST and pushed over the
// WebSocket after every scheduler pass and safety transition.
type StatusSnapshot struct {
	MachineState      types.MachineState   `json:"machine_state"`
	SupplyVoltage     float64              `json:"supply_voltage"`
	TimerActive       bool                 `json:"timer_active"`
	TimerEndTime      time.Time            `json:"timer_end_time,omitzero"`
	SafeState         bool                 `json:"safe_state"`
	ServoBusConnected bool                 `json:"servo_bus_connected"`
	Stations          []types.Station      `json:"stations"`
	Settings          types.SystemSettings `json:"settings"`
	Readings          map[string]float64   `json:"readings"`
	Timestamp         time.Time            `json:"timestamp"`
}

// GetStatus assembles the snapshot from the store and the live components.
// Store errors degrade the snapshot instead of failing it.
func (lm *LifecycleManager) GetStatus() any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snapshot := StatusSnapshot{
		SafeState:         lm.actuator.SafeState(),
		ServoBusConnected: lm.actuator.Connected(),
		Readings:          lm.sensors.Latest(),
		Timestamp:         time.Now(),
	}

	if state, err := lm.storage.LoadSystemState(ctx); err != nil {
		lm.logger.Warn("Status snapshot without system state", zap.Error(err))
	} else {
		snapshot.MachineState = state.MachineState
		snapshot.SupplyVoltage = state.SupplyVoltage
		snapshot.TimerActive = state.TimerActive
		snapshot.TimerEndTime = state.TimerEndTime
	}

	if stations, err := lm.storage.LoadStations(ctx); err != nil {
		lm.logger.Warn("Status snapshot without stations", zap.Error(err))
	} else {
		snapshot.Stations = stations
	}

	if settings, err := lm.storage.LoadSettings(ctx); err != nil {
		lm.logger.Warn("Status snapshot without settings", zap.Error(err))
	} else {
		snapshot.Settings = *settings
	}

	return snapshot
}

// StatusChanged pushes a fresh snapshot to all WebSocket clients. Called by
// the scheduler after every pass and safety transition, and after every
// mutating API call.
func (lm *LifecycleManager) StatusChanged() {
	lm.wsHub.Broadcast(websocket.NewStatusMessage(lm.GetStatus()))
}

// CycleCompleted pushes one completed cycle verdict to all clients.
func (lm *LifecycleManager) CycleCompleted(v types.CycleVerdict) {
	lm.wsHub.Broadcast(websocket.NewCycleMessage(v))
}

// The REST controller surface: thin delegations to the store, each followed
// by a status broadcast so connected UIs see the change immediately.

func (lm *LifecycleManager) SetMachineState(ctx context.Context, state types.MachineState) error {
	if err := lm.storage.SetMachineState(ctx, state); err != nil {
		return err
	}
	lm.logger.Info("Machine state changed via API", zap.String("state", string(state)))
	lm.StatusChanged()
	return nil
}

func (lm *LifecycleManager) SetTimer(ctx context.Context, end time.Time) error {
	if err := lm.storage.SetTimer(ctx, end); err != nil {
		return err
	}
	lm.logger.Info("Countdown timer armed", zap.Time("end_time", end))
	lm.StatusChanged()
	return nil
}

func (lm *LifecycleManager) ClearTimer(ctx context.Context) error {
	if err := lm.storage.ClearTimer(ctx); err != nil {
		return err
	}
	lm.StatusChanged()
	return nil
}

func (lm *LifecycleManager) SetStationEnabled(ctx context.Context, id int, enabled bool) error {
	if err := lm.storage.SetStationEnabled(ctx, id, enabled); err != nil {
		return err
	}
	lm.StatusChanged()
	return nil
}

func (lm *LifecycleManager) ResetStation(ctx context.Context, id int) error {
	if err := lm.storage.ResetStation(ctx, id); err != nil {
		return err
	}
	lm.logger.Info("Station counters reset", zap.Int("station", id))
	lm.StatusChanged()
	return nil
}

func (lm *LifecycleManager) UpdateSettings(ctx context.Context, settings types.SystemSettings) error {
	if err := lm.storage.UpdateSettings(ctx, settings); err != nil {
		return err
	}
	lm.logger.Info("Settings updated",
		zap.Int("cycles_per_minute", settings.CyclesPerMinute),
		zap.Float64("cutoff_voltage", settings.CutoffVoltage))
	lm.StatusChanged()
	return nil
}

func (lm *LifecycleManager) ListHistory(ctx context.Context, stationID, limit int) ([]types.HistoryEntry, error) {
	return lm.storage.ListHistory(ctx, stationID, limit)
}
