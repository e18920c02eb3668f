package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteAOTimings writes a single idle/busy accumulator sample for an active
// object, tagged by name so device and API AO timing can be compared
// side-by-side in a dashboard. internal/telemetry calls this periodically
// with each driver's idle/busy totals.
func (c *Client) WriteAOTimings(aoName string, idle, busy time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"ao_timings",
		map[string]string{
			"ao": aoName,
		},
		map[string]interface{}{
			"idle_ms": float64(idle.Microseconds()) / 1000,
			"busy_ms": float64(busy.Microseconds()) / 1000,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTransaction writes one completed I2C transaction's outcome and
// duration, tagged by AO name and operation kind.
func (c *Client) WriteTransaction(aoName, op, outcome string, duration time.Duration, retries int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"i2c_transaction",
		map[string]string{
			"ao":      aoName,
			"op":      op,
			"outcome": outcome,
		},
		map[string]interface{}{
			"duration_ms": float64(duration.Microseconds()) / 1000,
			"retries":     retries,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods above.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
