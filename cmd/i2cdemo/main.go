// Command i2cdemo runs the two-layer I2C driver template against either a
// real peripheral over a Linux I2C bus or an in-memory fake, wiring every
// ambient and domain collaborator the rest of the module builds: SQLite
// transaction history, InfluxDB timing telemetry, and an MQTT-or-local
// publish/subscribe bus between the device and API active objects.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/kestrel-embedded/i2c-hsm/migrations"

	"github.com/kestrel-embedded/i2c-hsm/internal/apidriver"
	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/devicedriver"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/i2ccontroller"
	"github.com/kestrel-embedded/i2c-hsm/internal/i2ccontroller/fakehal"
	"github.com/kestrel-embedded/i2c-hsm/internal/i2chal"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/config"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/database"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/influxdb"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/logging"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/mqtt"
	"github.com/kestrel-embedded/i2c-hsm/internal/telemetry"
	"github.com/kestrel-embedded/i2c-hsm/internal/txlog"
)

var (
	version = "dev"
	commit  = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getConfigPath(), "path to config.yaml")
	useHW := flag.String("i2c-dev", "", "Linux I2C device (e.g. /dev/i2c-1) to drive a real peripheral instead of the in-memory fake")
	useMQTTBus := flag.Bool("mqtt-bus", false, "carry device/API status and transaction reports over MQTT instead of the in-process bus")
	flag.Parse()

	if err := run(ctx, *configPath, *useHW, *useMQTTBus); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if path := os.Getenv("I2CHSM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run wires and starts every component, then blocks until ctx is cancelled.
// Returning an error lets main control the exit code; the bulk of the
// wiring exposes what would otherwise be compile-time timing constants as
// runtime configuration via config.Config.
func run(ctx context.Context, configPath, i2cDev string, useMQTTBus bool) error {
	log := logging.Default()
	log.Info("starting i2c-hsm", "version", version, "commit", commit)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("closing database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path())

	eventBus, mqttClient, err := buildBus(cfg, useMQTTBus, log)
	if err != nil {
		return fmt.Errorf("building event bus: %w", err)
	}
	if mqttClient != nil {
		defer func() {
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("closing mqtt client", "error", closeErr)
			}
		}()
	}

	hal, err := buildHAL(i2cDev)
	if err != nil {
		return fmt.Errorf("opening i2c bus: %w", err)
	}
	defer hal.Close() //nolint:errcheck // best-effort cleanup on shutdown

	controllerName := cfg.Device.Name + "-controller"
	controller := i2ccontroller.New(i2ccontroller.Config{
		HAL:         hal,
		StatusBus:   eventBus,
		StatusTopic: i2ccontroller.BusStatusTopic(controllerName),
		QueueSize:   cfg.Device.QueueSize,
		Logger:      log,
	})
	controller.Start(ctx)

	deviceName := cfg.Device.Name + "-device"
	device, err := devicedriver.New(devicedriver.Config{
		Name:           deviceName,
		SlaveAddress:   cfg.Device.SlaveAddress,
		QueueSize:      cfg.Device.QueueSize,
		LockupTime:     cfg.LockupTime(),
		InitLockupTime: cfg.InitLockupTimeDevice(),
		BusyTime:       cfg.BusyTimeDevice(),
		RetryMax:       cfg.Device.RetryMax,
		Controller:     controller,
		ControllerName: controllerName,
		StatusBus:      eventBus,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("constructing device driver: %w", err)
	}
	device.Start(ctx)

	apiName := cfg.Device.Name + "-api"
	api, err := apidriver.New(apidriver.Config{
		Name:              apiName,
		DeviceName:        deviceName,
		QueueSize:         cfg.Device.QueueSize,
		DeferredQueueSize: cfg.Device.DeferredQueueSize,
		InitLockupTime:    cfg.InitLockupTimeAPI(),
		BusyTime:          cfg.BusyTimeAPI(),
		RetryMax:          cfg.Device.RetryMax,
		Device:            device,
		Bus:               eventBus,
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("constructing api driver: %w", err)
	}
	api.Start(ctx)

	txStore := txlog.New(db)
	txWatcher := txlog.NewWatcher(txStore, log)
	if err := txWatcher.Watch(eventBus, apidriver.TransactionTopic(apiName)); err != nil {
		return fmt.Errorf("subscribing transaction log: %w", err)
	}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to influxdb: %w", influxErr)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("closing influxdb client", "error", closeErr)
			}
		}()

		recorder := telemetry.New(telemetry.Config{Writer: influxClient, Logger: log})
		recorder.Register(apiName, func() (time.Duration, time.Duration) {
			t := api.Timings()
			return t.Idle, t.Busy
		})
		if err := recorder.Watch(eventBus, apiName, apidriver.TransactionTopic(apiName)); err != nil {
			return fmt.Errorf("subscribing telemetry recorder: %w", err)
		}
		recorder.Start(ctx)
		log.Info("telemetry recording enabled", "bucket", cfg.InfluxDB.Bucket)
	}

	api.Post(hsm.Event{Signal: apidriver.SigEnable})

	log.Info("i2c-hsm running", "device", deviceName, "api", apiName, "i2c_dev", i2cDev)
	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// buildBus constructs the publish/subscribe bus the device and API drivers
// share. By default it is in-process (bus.Local); -mqtt-bus swaps in
// bus.MQTT so the two layers could be split across processes or machines,
// connected to the broker in cfg.MQTT.
func buildBus(cfg *config.Config, useMQTT bool, log *logging.Logger) (bus.Bus, *mqtt.Client, error) {
	if !useMQTT {
		return bus.NewLocal(), nil, nil
	}
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mqtt broker: %w", err)
	}
	log.Info("mqtt bus connected", "host", cfg.MQTT.Broker.Host, "port", cfg.MQTT.Broker.Port)
	return bus.NewMQTT(client, byte(cfg.MQTT.QoS)), client, nil
}

// buildHAL returns a real periph.io-backed I2C bus when dev is non-empty,
// otherwise an in-memory fake so the demo runs without hardware attached.
func buildHAL(dev string) (i2chal.Bus, error) {
	if dev == "" {
		return fakehal.New(), nil
	}
	return i2chal.Open(dev)
}
