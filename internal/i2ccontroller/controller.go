package i2ccontroller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
	"github.com/kestrel-embedded/i2c-hsm/internal/i2chal"
	"github.com/kestrel-embedded/i2c-hsm/internal/replyable"
)

// BusStatusTopic returns the bus topic a controller named name publishes its
// BusStatusEvent values to. Exported so collaborators such as devicedriver
// can subscribe without duplicating the naming convention.
func BusStatusTopic(name string) string {
	return fmt.Sprintf("i2c/%s/controller-status", name)
}

// Logger is the narrow logging interface the controller depends on, mirrored
// from internal/ao so packages in this tree never need to agree on a
// concrete logging type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type job struct {
	req   CommRequest
	id    uint64
	reply replyable.Request
}

// Controller is the I2C controller AO. Unlike the device and API drivers it
// has no hierarchical state machine of its own — it is a fixed-behavior
// collaborator, not a state-tracked driver — but it keeps the same
// active-object shape: one goroutine, one queue, and no shared mutable
// state touched from any other goroutine except the mutex-guarded bus
// status that Status reads.
type Controller struct {
	hal       i2chal.Bus
	statusBus bus.Publisher
	statusTop string
	logger    Logger

	queue chan job

	mu     sync.Mutex
	status BusStatus
}

// Config collects Controller's dependencies.
type Config struct {
	HAL         i2chal.Bus
	StatusBus   bus.Publisher
	StatusTopic string
	QueueSize   int
	Logger      Logger
}

// New constructs a Controller. It does not start its goroutine; call Start.
func New(cfg Config) *Controller {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Controller{
		hal:       cfg.HAL,
		statusBus: cfg.StatusBus,
		statusTop: cfg.StatusTopic,
		logger:    logger,
		queue:     make(chan job, size),
		status:    BusUnknown,
	}
}

// Start publishes an initial BusReady status and begins processing
// submitted requests. It returns once the background goroutine is running;
// ctx cancellation stops the goroutine.
func (c *Controller) Start(ctx context.Context) {
	c.setStatus(BusReady)
	go c.run(ctx)
}

// Submit enqueues req for processing, tagging the eventual reply with id and
// delivering it to reply.Requester. It returns false without enqueueing if
// the controller's queue is full, mirroring every other AO's non-blocking
// Post semantics: a full queue is a drop, never a block.
func (c *Controller) Submit(req CommRequest, id uint64, reply replyable.Request) bool {
	select {
	case c.queue <- job{req: req, id: id, reply: reply}:
		return true
	default:
		c.logger.Warn("i2c controller queue full, dropping request", "id", id)
		return false
	}
}

// Status returns the controller's last-known bus status.
func (c *Controller) Status() BusStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(s BusStatus) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()

	if changed && c.statusBus != nil && c.statusTop != "" {
		if err := c.statusBus.Publish(c.statusTop, BusStatusEvent{Status: s}); err != nil {
			c.logger.Warn("publishing i2c bus status failed", "error", err)
		}
	}
}

func (c *Controller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			c.process(ctx, j)
		}
	}
}

func (c *Controller) process(ctx context.Context, j job) {
	for _, txn := range j.req.Transactions {
		var tx, rx []byte
		if txn.Op == OpWrite {
			tx = txn.Buf
		} else {
			rx = txn.Buf
		}

		if err := c.hal.Transact(ctx, j.req.SlaveAddr, txn.UseRegAddr, txn.RegAddr, tx, rx); err != nil {
			c.setStatus(BusFailed)
			code, msg := int32(-1), err.Error()
			var halErr *i2chal.HALError
			if errors.As(err, &halErr) {
				code, msg = halErr.Code, halErr.Message
			}
			j.reply.Deliver(hsm.Event{
				Signal: SigCommError,
				Payload: CommError{
					ID:              j.id,
					HALErrorCode:    code,
					HALErrorMessage: msg,
				},
			})
			return
		}
	}

	c.setStatus(BusReady)
	j.reply.Deliver(hsm.Event{Signal: SigCommComplete, Payload: CommComplete{ID: j.id}})
}
