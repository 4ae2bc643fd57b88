// Package system wires the bench together: config, storage, servo bus,
// sensor hub, safety interlock, scheduler and the API surfaces, with a
// graceful start/stop sequence that always ends in safe state.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/api/rest"
	"github.com/KevinKickass/SwitchBench/internal/api/websocket"
	"github.com/KevinKickass/SwitchBench/internal/auth"
	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/KevinKickass/SwitchBench/internal/dynamixel"
	"github.com/KevinKickass/SwitchBench/internal/hal"
	"github.com/KevinKickass/SwitchBench/internal/metrics"
	"github.com/KevinKickass/SwitchBench/internal/safety"
	"github.com/KevinKickass/SwitchBench/internal/scheduler"
	"github.com/KevinKickass/SwitchBench/internal/sensorhub"
	"github.com/KevinKickass/SwitchBench/internal/storage"
	"go.uber.org/zap"
)

type LifecycleManager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger

	profile     *hal.Profile
	bus         *dynamixel.Client
	hub         *sensorhub.Client
	actuator    *hal.Actuator
	sensors     *hal.Sensors
	interlock   *safety.Interlock
	sched       *scheduler.Scheduler
	wsHub       *websocket.Hub
	restServer  *rest.Server
	authService *auth.Service

	schedCancel context.CancelFunc
	schedDone   chan struct{}
	voltageStop chan struct{}
	voltageDone chan struct{}

	shutdownOnce sync.Once
}

func NewLifecycleManager(store *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	loader, err := hal.NewProfileLoader(cfg.Hardware.ProfileSearch)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}
	profile, err := loader.Load(cfg.Hardware.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load hardware profile: %w", err)
	}

	bus := dynamixel.NewClient(cfg.Hardware.BusAddress, cfg.Hardware.BusTimeout)
	actuator := hal.NewActuator(bus, profile, cfg.Servo, logger)

	ports := make(map[string]int, len(profile.Channels))
	for _, ch := range profile.Channels {
		ports[ch.Name] = ch.Port
	}
	hub := sensorhub.NewClient(cfg.Hardware.HubAddress, cfg.Hardware.BusTimeout, ports, logger)
	sensors := hal.NewSensors(hub, profile, cfg.Sensors, logger)

	interlock := safety.NewInterlock(store, sensors, cfg.Safety.LowVoltageDebounce, logger)

	authService := auth.NewService(store, auth.NewPINHasher(),
		auth.NewSessionHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.SessionTTL), logger)

	lm := &LifecycleManager{
		config:      cfg,
		storage:     store,
		logger:      logger,
		profile:     profile,
		bus:         bus,
		hub:         hub,
		actuator:    actuator,
		sensors:     sensors,
		interlock:   interlock,
		wsHub:       websocket.NewHub(logger),
		authService: authService,
	}

	runner := scheduler.NewCycleRunner(interlock, actuator, sensors, cfg.Servo, logger)
	lm.sched = scheduler.NewScheduler(store, interlock, actuator, runner, lm, cfg.Scheduler, logger)

	lm.wsHub.SetStatusProvider(lm)
	lm.restServer = rest.NewServer(cfg, lm, logger, lm.wsHub, authService)

	return lm, nil
}

// Start brings the whole bench up. Hardware connection failures are logged
// and tolerated: the scheduler runs anyway and treats a dead bus as a
// permanent safety block instead of crash-looping.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting SwitchBench",
		zap.String("profile", lm.profile.Name),
		zap.Int("stations", len(lm.profile.Stations)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := lm.storage.EnsureSchema(ctx, len(lm.profile.Stations)); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	if err := lm.authService.EnsureDefaultPIN(ctx, lm.config.Auth.DefaultPIN); err != nil {
		return fmt.Errorf("failed to seed pin: %w", err)
	}

	lm.connectHardware(ctx)

	go lm.wsHub.Run()

	schedCtx, schedCancel := context.WithCancel(context.Background())
	lm.schedCancel = schedCancel
	lm.schedDone = make(chan struct{})
	go func() {
		defer close(lm.schedDone)
		lm.sched.Run(schedCtx)
	}()

	lm.voltageStop = make(chan struct{})
	lm.voltageDone = make(chan struct{})
	go lm.syncSupplyVoltage()

	if err := lm.restServer.Start(); err != nil {
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.logger.Info("SwitchBench started",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("servo_bus_connected", lm.actuator.Connected()))

	return nil
}

// connectHardware opens the servo bus and sensor hub, best effort. A failed
// connection is surfaced once here, not retried in a loop.
func (lm *LifecycleManager) connectHardware(ctx context.Context) {
	if err := lm.bus.Connect(); err != nil {
		lm.logger.Error("Servo bus unavailable, bench stays in safe state", zap.Error(err))
	} else if err := lm.actuator.Connect(ctx); err != nil {
		lm.logger.Error("Servo setup failed, bench stays in safe state", zap.Error(err))
	}

	if err := lm.hub.Connect(); err != nil {
		lm.logger.Error("Sensor hub unavailable, no readings will arrive", zap.Error(err))
		return
	}

	if err := lm.sensors.Start(); err != nil {
		lm.logger.Error("Failed to start sensor module", zap.Error(err))
		return
	}
	if lm.config.Sensors.Mode == hal.SensorModePush {
		if err := lm.hub.StartStream(); err != nil {
			lm.logger.Error("Failed to enable hub streaming", zap.Error(err))
		}
	}
}

// syncSupplyVoltage mirrors the latest supply reading into the system_state
// row and the metrics gauge once per second.
func (lm *LifecycleManager) syncSupplyVoltage() {
	defer close(lm.voltageDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-lm.voltageStop:
			return
		case <-ticker.C:
			voltage, ok := lm.sensors.Latest()[safety.SupplyVoltageChannel]
			if !ok {
				continue
			}

			metrics.SupplyVoltage.Set(voltage)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := lm.storage.UpdateSupplyVoltage(ctx, voltage); err != nil {
				lm.logger.Warn("Failed to persist supply voltage", zap.Error(err))
			}
			cancel()
		}
	}
}

// Shutdown stops the bench: scheduler first so the actuator reaches safe
// state while the bus is still open, then the API surfaces and hardware.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down SwitchBench")

		if lm.schedCancel != nil {
			lm.schedCancel()
			select {
			case <-lm.schedDone:
			case <-ctx.Done():
				shutdownErr = fmt.Errorf("scheduler did not stop in time")
			}
		}

		if lm.voltageStop != nil {
			close(lm.voltageStop)
			<-lm.voltageDone
		}

		if lm.restServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				lm.logger.Error("REST shutdown failed", zap.Error(err))
			}
			cancel()
		}

		lm.sensors.Stop()
		lm.actuator.Disconnect()
		if err := lm.bus.Close(); err != nil {
			lm.logger.Warn("Servo bus close failed", zap.Error(err))
		}

		lm.logger.Info("SwitchBench stopped")
	})

	return shutdownErr
}
