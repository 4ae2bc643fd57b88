package hal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/config"
	"go.uber.org/zap"
)

// Sensor operating modes. In push mode the backend calls HandleVoltage on
// every change; in pull mode a background poller reads every channel on the
// configured interval.
const (
	SensorModePush = "push"
	SensorModePull = "pull"
)

// VoltageBackend is the sensing hardware behind the sensor module. Push-mode
// backends additionally invoke the handler registered via OnVoltageChange.
type VoltageBackend interface {
	ReadVoltage(ctx context.Context, channel string) (float64, error)
	Close() error
}

// PushBackend is implemented by backends that deliver readings on change.
type PushBackend interface {
	VoltageBackend
	OnVoltageChange(handler func(channel string, voltage float64))
}

// Sensors keeps the last-known reading per channel. Raw voltages pass
// through the channel's conversion before storage; channels without one
// store the raw value unchanged.
type Sensors struct {
	backend  VoltageBackend
	channels []string
	convert  map[string]func(float64) float64
	mode     string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	latest map[string]float64

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSensors(backend VoltageBackend, profile *Profile, cfg config.SensorConfig, logger *zap.Logger) *Sensors {
	channels := make([]string, 0, len(profile.Channels))
	convert := make(map[string]func(float64) float64)

	for _, ch := range profile.Channels {
		channels = append(channels, ch.Name)
		if c := ch.Conversion; c != nil && c.Sensitivity != 0 {
			offset, sensitivity := c.Offset, c.Sensitivity
			convert[ch.Name] = func(v float64) float64 {
				return (v - offset) / sensitivity
			}
		}
	}

	return &Sensors{
		backend:  backend,
		channels: channels,
		convert:  convert,
		mode:     cfg.Mode,
		interval: cfg.SampleInterval,
		logger:   logger,
		latest:   make(map[string]float64),
	}
}

// Start begins delivering readings. In push mode the handler capability is
// registered with the backend and no goroutine is started.
func (s *Sensors) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}

	switch s.mode {
	case SensorModePush:
		push, ok := s.backend.(PushBackend)
		if !ok {
			return fmt.Errorf("backend does not support push mode")
		}
		push.OnVoltageChange(s.HandleVoltage)
		s.logger.Info("Sensors running in push mode")

	case SensorModePull:
		s.stopChan = make(chan struct{})
		s.wg.Add(1)
		go s.pollLoop()
		s.logger.Info("Sensor polling started", zap.Duration("interval", s.interval))

	default:
		return fmt.Errorf("unknown sensor mode: %s", s.mode)
	}

	s.running = true
	return nil
}

// Stop cancels the polling task and releases sensor handles. Safe to call
// even if the module was never started.
func (s *Sensors) Stop() {
	s.runMu.Lock()
	if s.running && s.stopChan != nil {
		close(s.stopChan)
		s.wg.Wait()
		s.stopChan = nil
	}
	s.running = false
	s.runMu.Unlock()

	if err := s.backend.Close(); err != nil {
		s.logger.Warn("Failed to close sensor backend", zap.Error(err))
	}

	s.logger.Info("Sensor module stopped")
}

// HandleVoltage records one raw reading for a channel, applying its
// conversion. Exported as the capability handed to push-mode backends.
func (s *Sensors) HandleVoltage(channel string, voltage float64) {
	value := voltage
	if convert, ok := s.convert[channel]; ok {
		value = convert(voltage)
	}

	s.mu.Lock()
	s.latest[channel] = value
	s.mu.Unlock()
}

// Latest returns a copy of the last-known reading per channel. Non-blocking;
// empty before the first reading arrives.
func (s *Sensors) Latest() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// SampleInterval is the sensor's native sampling interval.
func (s *Sensors) SampleInterval() time.Duration {
	return s.interval
}

func (s *Sensors) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.pollChannels()
		}
	}
}

func (s *Sensors) pollChannels() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	// One bad channel never blocks the others
	for _, channel := range s.channels {
		voltage, err := s.backend.ReadVoltage(ctx, channel)
		if err != nil {
			s.logger.Error("Sensor read failed",
				zap.String("channel", channel), zap.Error(err))
			continue
		}
		s.HandleVoltage(channel, voltage)
	}
}
