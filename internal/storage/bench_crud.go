package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/types"
	"github.com/google/uuid"
)

// LoadStations returns all stations in ascending ID order. The scheduler
// visits stations in exactly this order.
func (p *PostgresClient) LoadStations(ctx context.Context) ([]types.Station, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, enabled, current_cycles, switch_current, switch_failures, last_updated
		FROM stations
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	stations := make([]types.Station, 0)

	for rows.Next() {
		var s types.Station
		err := rows.Scan(&s.ID, &s.Enabled, &s.CurrentCycles, &s.SwitchCurrent,
			&s.SwitchFailures, &s.LastUpdated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		stations = append(stations, s)
	}

	return stations, rows.Err()
}

// UpdateStation writes back a station's counters after a completed cycle.
// A single statement so the write cannot interleave with an API update.
func (p *PostgresClient) UpdateStation(ctx context.Context, s types.Station) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE stations
		SET enabled = $2,
		    current_cycles = $3,
		    switch_current = $4,
		    switch_failures = $5,
		    last_updated = now()
		WHERE id = $1
	`, s.ID, s.Enabled, s.CurrentCycles, s.SwitchCurrent, s.SwitchFailures)

	if err != nil {
		return fmt.Errorf("failed to update station %d: %w", s.ID, err)
	}
	return nil
}

// SetStationEnabled flips a station's enable flag (API surface).
func (p *PostgresClient) SetStationEnabled(ctx context.Context, id int, enabled bool) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE stations SET enabled = $2, last_updated = now() WHERE id = $1
	`, id, enabled)

	if err != nil {
		return fmt.Errorf("failed to set station %d enabled=%t: %w", id, enabled, err)
	}
	return nil
}

// ResetStation zeroes a station's life-cycle counters.
func (p *PostgresClient) ResetStation(ctx context.Context, id int) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE stations
		SET current_cycles = 0, switch_failures = 0, switch_current = 0, last_updated = now()
		WHERE id = $1
	`, id)

	if err != nil {
		return fmt.Errorf("failed to reset station %d: %w", id, err)
	}
	return nil
}

// LoadSettings returns the singleton settings row.
func (p *PostgresClient) LoadSettings(ctx context.Context) (*types.SystemSettings, error) {
	var s types.SystemSettings
	err := p.pool.QueryRow(ctx, `
		SELECT cycles_per_minute, cutoff_voltage, switch_current_threshold,
		       switch_failure_threshold, cycle_limit
		FROM system_settings WHERE id = 1
	`).Scan(&s.CyclesPerMinute, &s.CutoffVoltage, &s.SwitchCurrentThreshold,
		&s.SwitchFailureThreshold, &s.CycleLimit)

	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &s, nil
}

// UpdateSettings replaces the operator-tunable settings.
func (p *PostgresClient) UpdateSettings(ctx context.Context, s types.SystemSettings) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE system_settings
		SET cycles_per_minute = $1,
		    cutoff_voltage = $2,
		    switch_current_threshold = $3,
		    switch_failure_threshold = $4,
		    cycle_limit = $5
		WHERE id = 1
	`, s.CyclesPerMinute, s.CutoffVoltage, s.SwitchCurrentThreshold,
		s.SwitchFailureThreshold, s.CycleLimit)

	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}

// LoadPINHash returns the Argon2id hash of the operator PIN.
func (p *PostgresClient) LoadPINHash(ctx context.Context) (string, error) {
	var hash string
	err := p.pool.QueryRow(ctx,
		`SELECT pin_hash FROM system_settings WHERE id = 1`).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("failed to load pin hash: %w", err)
	}
	return hash, nil
}

// SetPINHash stores a new PIN hash.
func (p *PostgresClient) SetPINHash(ctx context.Context, hash string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE system_settings SET pin_hash = $1 WHERE id = 1`, hash)
	if err != nil {
		return fmt.Errorf("failed to set pin hash: %w", err)
	}
	return nil
}

// LoadSystemState returns the singleton machine-state row.
func (p *PostgresClient) LoadSystemState(ctx context.Context) (*types.SystemState, error) {
	var s types.SystemState
	var machineState string
	var timerEnd *time.Time

	err := p.pool.QueryRow(ctx, `
		SELECT machine_state, supply_voltage, timer_active, timer_end_time
		FROM system_state WHERE id = 1
	`).Scan(&machineState, &s.SupplyVoltage, &s.TimerActive, &timerEnd)

	if err != nil {
		return nil, fmt.Errorf("failed to load system state: %w", err)
	}

	s.MachineState = types.MachineState(machineState)
	if timerEnd != nil {
		s.TimerEndTime = *timerEnd
	}
	return &s, nil
}

// SetMachineState transitions the machine state.
func (p *PostgresClient) SetMachineState(ctx context.Context, state types.MachineState) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE system_state SET machine_state = $1 WHERE id = 1`, string(state))
	if err != nil {
		return fmt.Errorf("failed to set machine state: %w", err)
	}
	return nil
}

// UpdateSupplyVoltage records the latest supply-voltage reading.
func (p *PostgresClient) UpdateSupplyVoltage(ctx context.Context, voltage float64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE system_state SET supply_voltage = $1 WHERE id = 1`, voltage)
	if err != nil {
		return fmt.Errorf("failed to update supply voltage: %w", err)
	}
	return nil
}

// SetTimer arms the countdown timer.
func (p *PostgresClient) SetTimer(ctx context.Context, end time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE system_state SET timer_active = true, timer_end_time = $1 WHERE id = 1
	`, end)
	if err != nil {
		return fmt.Errorf("failed to set timer: %w", err)
	}
	return nil
}

// ClearTimer disarms the countdown timer.
func (p *PostgresClient) ClearTimer(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE system_state SET timer_active = false, timer_end_time = NULL WHERE id = 1
	`)
	if err != nil {
		return fmt.Errorf("failed to clear timer: %w", err)
	}
	return nil
}

// InsertHistory appends one per-cycle snapshot row.
func (p *PostgresClient) InsertHistory(ctx context.Context, e types.HistoryEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO cycle_history
			(id, station_id, current_cycles, switch_failures, switch_current,
			 passed, supply_voltage, machine_state, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, e.ID, e.StationID, e.CurrentCycles, e.SwitchFailures, e.SwitchCurrent,
		e.Passed, e.SupplyVoltage, string(e.MachineState))

	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// ListHistory returns the most recent snapshot rows for one station.
func (p *PostgresClient) ListHistory(ctx context.Context, stationID, limit int) ([]types.HistoryEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, station_id, current_cycles, switch_failures, switch_current,
		       passed, supply_voltage, machine_state, recorded_at
		FROM cycle_history
		WHERE station_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := make([]types.HistoryEntry, 0)

	for rows.Next() {
		var e types.HistoryEntry
		var machineState string
		err := rows.Scan(&e.ID, &e.StationID, &e.CurrentCycles, &e.SwitchFailures,
			&e.SwitchCurrent, &e.Passed, &e.SupplyVoltage, &machineState, &e.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.MachineState = types.MachineState(machineState)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
