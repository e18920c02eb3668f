// Package telemetry records per-AO timing statistics and transaction
// outcomes to InfluxDB. It is a periodic sampler paired with an
// event-driven writer: Start polls idle/busy accumulators on a fixed
// interval, while Watch writes one point per completed transaction as
// soon as it is published.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
)

const defaultSampleInterval = 10 * time.Second

// Writer is the subset of *influxdb.Client telemetry depends on, narrowed
// for testability.
type Writer interface {
	WriteAOTimings(aoName string, idle, busy time.Duration)
	WriteTransaction(aoName, op, outcome string, duration time.Duration, retries int)
}

// TimingsSource is anything telemetry can periodically sample for
// cumulative idle/busy time. cmd/i2cdemo adapts apidriver.Driver's
// Timings() accessor to it; devicedriver.Driver has no such accessor and
// is not sampled.
type TimingsSource func() (idle, busy time.Duration)

type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Config collects a Recorder's dependencies.
type Config struct {
	Writer         Writer
	SampleInterval time.Duration
	Logger         Logger
}

// Recorder periodically samples registered TimingsSources and listens on a
// bus for TransactionReport values, translating both into InfluxDB points.
type Recorder struct {
	writer   Writer
	interval time.Duration
	logger   Logger

	mu      sync.Mutex
	sources map[string]TimingsSource
}

// New constructs a Recorder. Call Start to begin the periodic sample loop,
// and Watch to subscribe to a driver's transaction topic for outcome
// recording.
func New(cfg Config) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Recorder{
		writer:   cfg.Writer,
		interval: interval,
		logger:   logger,
		sources:  make(map[string]TimingsSource),
	}
}

// Register adds a named AO to the periodic sample loop. Calling Register
// again with the same name replaces its source.
func (r *Recorder) Register(aoName string, source TimingsSource) {
	r.mu.Lock()
	r.sources[aoName] = source
	r.mu.Unlock()
}

// Watch subscribes to aoName's transaction topic on b (see
// apidriver.TransactionTopic), recording every published
// driverevents.TransactionReport as a completed-transaction point.
func (r *Recorder) Watch(b bus.Subscriber, aoName string, transactionTopic string) error {
	return b.Subscribe(transactionTopic, driverevents.TransactionReport{}, func(v any) {
		report, ok := v.(driverevents.TransactionReport)
		if !ok {
			return
		}
		outcome := report.Outcome
		if report.Code != "" {
			outcome = string(report.Code)
		}
		r.writer.WriteTransaction(aoName, report.Op, outcome, time.Duration(report.Duration)*time.Microsecond, report.Retries)
	})
}

// Start runs the periodic sample loop until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample()
			}
		}
	}()
}

func (r *Recorder) sample() {
	r.mu.Lock()
	sources := make(map[string]TimingsSource, len(r.sources))
	for name, src := range r.sources {
		sources[name] = src
	}
	r.mu.Unlock()

	for name, src := range sources {
		idle, busy := src()
		r.writer.WriteAOTimings(name, idle, busy)
		r.logger.Debug("sampled ao timings", "ao", name, "idle", idle, "busy", busy)
	}
}
