package types

import (
	"time"

	"github.com/google/uuid"
)

// MachineState is the operator-facing machine state. Only StateOn permits
// servo motion; StateOff and StateDisabled both demand safe state.
type MachineState string

const (
	StateOn       MachineState = "on"
	StateOff      MachineState = "off"
	StateDisabled MachineState = "disabled"
)

// Station is one test position: a servo pressing one keyswitch, with its
// life-cycle counters.
type Station struct {
	ID             int       `json:"id"`
	Enabled        bool      `json:"enabled"`
	CurrentCycles  int       `json:"current_cycles"`
	SwitchCurrent  float64   `json:"switch_current"` // last peak reading, amps
	SwitchFailures int       `json:"switch_failures"`
	LastUpdated    time.Time `json:"last_updated"`
}

// SystemSettings is the operator-tunable configuration, re-read by the
// scheduler on every iteration so changes take effect without a restart.
type SystemSettings struct {
	CyclesPerMinute        int     `json:"cycles_per_minute"` // aggregate across enabled stations
	CutoffVoltage          float64 `json:"cutoff_voltage"`
	SwitchCurrentThreshold float64 `json:"switch_current_threshold"` // amps, >= passes
	SwitchFailureThreshold int     `json:"switch_failure_threshold"` // auto-disable count
	CycleLimit             int     `json:"cycle_limit"`
}

// SystemState is the machine-level runtime record: machine state, the last
// supply-voltage reading and the countdown timer.
type SystemState struct {
	MachineState  MachineState `json:"machine_state"`
	SupplyVoltage float64      `json:"supply_voltage"`
	TimerActive   bool         `json:"timer_active"`
	TimerEndTime  time.Time    `json:"timer_end_time"`
}

// CycleVerdict is the ephemeral result of one station cycle. It is consumed
// immediately by the scheduler to update the Station record and emit history;
// it is never stored as its own entity.
type CycleVerdict struct {
	ID          uuid.UUID `json:"id"`
	StationID   int       `json:"station_id"`
	PeakCurrent float64   `json:"peak_current"`
	Passed      bool      `json:"passed"`
	AbortReason string    `json:"abort_reason,omitempty"`
}

// Aborted reports whether the cycle was interrupted by a safety condition
// before a pass/fail decision could be made.
func (v CycleVerdict) Aborted() bool {
	return v.AbortReason != ""
}

// HistoryEntry is one persisted per-cycle snapshot row.
type HistoryEntry struct {
	ID             uuid.UUID    `json:"id"`
	StationID      int          `json:"station_id"`
	CurrentCycles  int          `json:"current_cycles"`
	SwitchFailures int          `json:"switch_failures"`
	SwitchCurrent  float64      `json:"switch_current"`
	Passed         bool         `json:"passed"`
	SupplyVoltage  float64      `json:"supply_voltage"`
	MachineState   MachineState `json:"machine_state"`
	RecordedAt     time.Time    `json:"recorded_at"`
}
