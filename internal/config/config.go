package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Servo     ServoConfig     `mapstructure:"servo"`
	Sensors   SensorConfig    `mapstructure:"sensors"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Hardware  HardwareConfig  `mapstructure:"hardware"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv string        `mapstructure:"jwt_secret_env"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	DefaultPIN   string        `mapstructure:"default_pin"` // seeded on first boot only
}

// ServoConfig carries the per-run actuation constants.
type ServoConfig struct {
	PressAngle          float64       `mapstructure:"press_angle"`   // degrees
	ReturnAngle         float64       `mapstructure:"return_angle"`  // degrees, rest position
	PressDuration       time.Duration `mapstructure:"press_duration"`
	ReturnDuration      time.Duration `mapstructure:"return_duration"`
	CycleDuration       time.Duration `mapstructure:"cycle_duration"` // measurement window
	SettleDuration      time.Duration `mapstructure:"settle_duration"`
	CurrentLimitPercent float64       `mapstructure:"current_limit_percent"`
}

type SensorConfig struct {
	Mode           string        `mapstructure:"mode"` // "push" or "pull"
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type SafetyConfig struct {
	LowVoltageDebounce time.Duration `mapstructure:"low_voltage_debounce"`
}

type SchedulerConfig struct {
	PollSlice     time.Duration `mapstructure:"poll_slice"`     // interlock check granularity during waits
	RetryInterval time.Duration `mapstructure:"retry_interval"` // back-off after a failed iteration
}

type HardwareConfig struct {
	BusAddress    string        `mapstructure:"bus_address"` // servo bus serial-to-TCP bridge
	HubAddress    string        `mapstructure:"hub_address"` // analog sensor hub bridge
	BusTimeout    time.Duration `mapstructure:"bus_timeout"`
	Profile       string        `mapstructure:"profile"` // hardware profile name
	ProfileSearch []string      `mapstructure:"profile_search_paths"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// Defaults setzen
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("servo.press_angle", 100.0)
	viper.SetDefault("servo.return_angle", 0.0)
	viper.SetDefault("servo.press_duration", "500ms")
	viper.SetDefault("servo.return_duration", "500ms")
	viper.SetDefault("servo.cycle_duration", "1200ms")
	viper.SetDefault("servo.settle_duration", "1s")
	viper.SetDefault("servo.current_limit_percent", 50.0)
	viper.SetDefault("sensors.mode", "pull")
	viper.SetDefault("sensors.sample_interval", "10ms")
	viper.SetDefault("safety.low_voltage_debounce", "5s")
	viper.SetDefault("scheduler.poll_slice", "100ms")
	viper.SetDefault("scheduler.retry_interval", "1s")
	viper.SetDefault("hardware.bus_timeout", "1s")
	viper.SetDefault("hardware.profile", "bench-4")
	viper.SetDefault("hardware.profile_search_paths", []string{"configs/profiles"})

	// Auth Defaults
	viper.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	viper.SetDefault("auth.session_ttl", "60m")
	viper.SetDefault("auth.default_pin", "0000")

	// Environment Variables automatisch binden (Viper Feature)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SWB") // Environment Variables mit Prefix SWB_

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}
