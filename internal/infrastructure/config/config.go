package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the I2C driver template.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig holds the timing and sizing constants a device/API driver
// pair needs. They are runtime-overridable so a single binary can drive
// several peripheral instances with different timing budgets.
type DeviceConfig struct {
	// Name is the human-readable identifier used in logs, MQTT topics and
	// published error reports (GenericError.AOName).
	Name string `yaml:"name"`

	// SlaveAddress is the 7-bit I2C address of the peripheral.
	SlaveAddress uint8 `yaml:"slave_address"`

	// QueueSize bounds each active object's event channel.
	QueueSize int `yaml:"queue_size"`

	// DeferredQueueSize bounds the API driver's deferred-event FIFO.
	DeferredQueueSize int `yaml:"deferred_queue_size"`

	// BufferSize bounds register read/write payloads.
	BufferSize int `yaml:"buffer_size"`

	// LockupTimeMS bounds a single I2C transaction (device AO, Read/Write states).
	LockupTimeMS int `yaml:"lockup_time_ms"`

	// InitLockupTimeMSDevice bounds the device AO's Starting state.
	InitLockupTimeMSDevice int `yaml:"init_lockup_time_ms_device"`

	// InitLockupTimeMSAPI bounds the API AO's Starting state.
	InitLockupTimeMSAPI int `yaml:"init_lockup_time_ms_api"`

	// BusyTimeMSDevice bounds the device AO's Busy superstate.
	BusyTimeMSDevice int `yaml:"busy_time_ms_device"`

	// BusyTimeMSAPI bounds the API AO's Busy superstate (per-request watchdog).
	BusyTimeMSAPI int `yaml:"busy_time_ms_api"`

	// RetryMax bounds the number of I2C retries per operation.
	RetryMax int `yaml:"retry_max"`

	// StartingDebugLevel is loaded from YAML but read by no component;
	// verbosity is set by Logging.Level.
	StartingDebugLevel int `yaml:"starting_debug_level"`
}

// DatabaseConfig contains SQLite database settings, used by internal/txlog
// to persist a rolling transaction history for field diagnostics.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings, backing
// internal/bus.MQTT when the device and API drivers run in separate
// processes.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings, used by
// internal/telemetry to record per-AO idle/busy timing statistics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: I2CHSM_SECTION_KEY.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:                    "i2c-device",
			QueueSize:               10,
			DeferredQueueSize:       5,
			BufferSize:              20,
			LockupTimeMS:            20,
			InitLockupTimeMSDevice:  500,
			InitLockupTimeMSAPI:     1000,
			BusyTimeMSDevice:        100,
			BusyTimeMSAPI:           250,
			RetryMax:                10,
			StartingDebugLevel:      1,
		},
		Database: DatabaseConfig{
			Path:        "./data/txlog.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "i2c-hsm",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: I2CHSM_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("I2CHSM_DEVICE_NAME"); v != "" {
		cfg.Device.Name = v
	}
	if v := os.Getenv("I2CHSM_DEVICE_SLAVE_ADDRESS"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 8); err == nil {
			cfg.Device.SlaveAddress = uint8(n)
		}
	}
	if v := os.Getenv("I2CHSM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("I2CHSM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("I2CHSM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("I2CHSM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("I2CHSM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.Name == "" {
		errs = append(errs, "device.name is required")
	}
	if c.Device.QueueSize < 1 {
		errs = append(errs, "device.queue_size must be >= 1")
	}
	if c.Device.DeferredQueueSize < 1 {
		errs = append(errs, "device.deferred_queue_size must be >= 1")
	}
	if c.Device.BufferSize < 1 {
		errs = append(errs, "device.buffer_size must be >= 1")
	}
	if c.Device.LockupTimeMS < 1 {
		errs = append(errs, "device.lockup_time_ms must be >= 1")
	}
	if c.Device.InitLockupTimeMSDevice < 1 {
		errs = append(errs, "device.init_lockup_time_ms_device must be >= 1")
	}
	if c.Device.InitLockupTimeMSAPI < 1 {
		errs = append(errs, "device.init_lockup_time_ms_api must be >= 1")
	}
	if c.Device.BusyTimeMSDevice < 1 {
		errs = append(errs, "device.busy_time_ms_device must be >= 1")
	}
	if c.Device.BusyTimeMSAPI < 1 {
		errs = append(errs, "device.busy_time_ms_api must be >= 1")
	}
	if c.Device.RetryMax < 1 {
		errs = append(errs, "device.retry_max must be >= 1")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// LockupTime returns the device AO's per-operation lockup timeout as a Duration.
func (c *Config) LockupTime() time.Duration {
	return time.Duration(c.Device.LockupTimeMS) * time.Millisecond
}

// InitLockupTimeDevice returns the device AO's startup lockup timeout as a Duration.
func (c *Config) InitLockupTimeDevice() time.Duration {
	return time.Duration(c.Device.InitLockupTimeMSDevice) * time.Millisecond
}

// InitLockupTimeAPI returns the API AO's startup lockup timeout as a Duration.
func (c *Config) InitLockupTimeAPI() time.Duration {
	return time.Duration(c.Device.InitLockupTimeMSAPI) * time.Millisecond
}

// BusyTimeDevice returns the device AO's busy-superstate watchdog as a Duration.
func (c *Config) BusyTimeDevice() time.Duration {
	return time.Duration(c.Device.BusyTimeMSDevice) * time.Millisecond
}

// BusyTimeAPI returns the API AO's busy-superstate watchdog as a Duration.
func (c *Config) BusyTimeAPI() time.Duration {
	return time.Duration(c.Device.BusyTimeMSAPI) * time.Millisecond
}
