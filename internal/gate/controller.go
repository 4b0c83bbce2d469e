// Package gate drives a barrier gate over a device link.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/protocol"
	"parking-service/internal/utils"
)

// Mode selects when the controller believes the gate moved
type Mode string

const (
	// ModeOptimistic flips state as soon as the command is acknowledged
	ModeOptimistic Mode = "optimistic"
	// ModeConfirm waits for STATUS:GATE_OPENED / STATUS:GATE_CLOSED
	ModeConfirm Mode = "confirm"
)

const (
	statusOpened = "GATE_OPENED"
	statusClosed = "GATE_CLOSED"

	DefaultAutoClose      = 30 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
)

var (
	ErrNotConfirmed = errors.New("gate did not confirm movement")
	ErrDisposed     = errors.New("gate controller disposed")
)

// GateError reports a failed actuation
type GateError struct {
	GateID string
	Op     string
	Err    error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate %s: %s failed: %v", e.GateID, e.Op, e.Err)
}

func (e *GateError) Unwrap() error { return e.Err }

// AuditRecorder persists audit records
type AuditRecorder interface {
	Record(ctx context.Context, record *model.AuditRecord) error
}

// Status is the controller's view of the gate
type Status struct {
	GateID     string     `json:"gateId"`
	IsOpen     bool       `json:"isOpen"`
	Pending    bool       `json:"pending"`
	Mode       Mode       `json:"mode"`
	LastChange *time.Time `json:"lastChange,omitempty"`
	AutoClose  *time.Time `json:"autoCloseAt,omitempty"`
}

// Options configures a Controller
type Options struct {
	GateID         string
	Mode           Mode
	AutoCloseAfter time.Duration
	ConfirmTimeout time.Duration
	Clock          clockwork.Clock
	Logger         *zap.Logger
	Audit          AuditRecorder
	// OnChange is called after every state change. It must not block.
	OnChange func(Status)
}

// Controller opens and closes one gate. Open and Close are serialized, so
// concurrent opens result in a single OPEN_GATE command.
type Controller struct {
	link  protocol.Link
	opts  Options
	audit *utils.AuditLogger

	// op serializes actuation
	op sync.Mutex

	mu          sync.Mutex
	isOpen      bool
	lastChange  *time.Time
	timer       clockwork.Timer
	timerGen    uint64
	autoCloseAt *time.Time
	inFlight    bool
	confirm     chan bool
	disposed    bool
}

// NewController creates a controller bound to link. The gate is assumed closed.
func NewController(link protocol.Link, opts Options) *Controller {
	if opts.GateID == "" {
		opts.GateID = link.DeviceID()
	}
	if opts.Mode == "" {
		opts.Mode = ModeOptimistic
	}
	if opts.AutoCloseAfter <= 0 {
		opts.AutoCloseAfter = DefaultAutoClose
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.With(zap.String("gate_id", opts.GateID))

	c := &Controller{
		link:  link,
		opts:  opts,
		audit: utils.NewAuditLogger(opts.Logger),
	}
	link.OnMessage(protocol.PrefixStatus, c.handleStatus)
	return c
}

// Status returns the current gate state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	return Status{
		GateID:     c.opts.GateID,
		IsOpen:     c.isOpen,
		Pending:    c.inFlight,
		Mode:       c.opts.Mode,
		LastChange: c.lastChange,
		AutoClose:  c.autoCloseAt,
	}
}

// Open raises the gate and arms the auto-close timer. Opening an open gate is
// a recorded no-op.
func (c *Controller) Open(ctx context.Context, actor string) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return &GateError{GateID: c.opts.GateID, Op: "open", Err: ErrDisposed}
	}
	if c.isOpen {
		c.mu.Unlock()
		c.opts.Logger.Warn("Gate already open")
		c.record(ctx, model.AuditGateOpen, actor, model.AuditNoop, nil)
		return nil
	}
	c.mu.Unlock()

	status, err := c.actuate(ctx, protocol.CommandOpenGate, true)
	if err != nil {
		gerr := &GateError{GateID: c.opts.GateID, Op: "open", Err: err}
		c.record(ctx, model.AuditGateOpen, actor, model.AuditFailed, gerr)
		return gerr
	}

	c.record(ctx, model.AuditGateOpen, actor, model.AuditSuccess, nil)
	c.changed(status)
	return nil
}

// Close lowers the gate and cancels any pending auto-close. Closing a closed
// gate is a recorded no-op.
func (c *Controller) Close(ctx context.Context, actor string) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.closeLocked(ctx, actor)
}

func (c *Controller) closeLocked(ctx context.Context, actor string) error {
	c.mu.Lock()
	c.disarmLocked()
	if !c.isOpen {
		c.mu.Unlock()
		c.record(ctx, model.AuditGateClose, actor, model.AuditNoop, nil)
		return nil
	}
	c.mu.Unlock()

	status, err := c.actuate(ctx, protocol.CommandCloseGate, false)
	if err != nil {
		gerr := &GateError{GateID: c.opts.GateID, Op: "close", Err: err}
		c.record(ctx, model.AuditGateClose, actor, model.AuditFailed, gerr)

		// Still open: try again after another auto-close period
		c.mu.Lock()
		if !c.disposed {
			c.armLocked()
		}
		c.mu.Unlock()
		return gerr
	}

	c.record(ctx, model.AuditGateClose, actor, model.AuditSuccess, nil)
	c.changed(status)
	return nil
}

// Dispose cancels the auto-close timer and rejects further commands. The
// link is left to its owner.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	c.disarmLocked()
}

// actuate sends cmd and, in confirm mode, waits for the matching status frame.
// On success the new state is committed before status frames are reconciled
// again.
func (c *Controller) actuate(ctx context.Context, cmd string, open bool) (Status, error) {
	var confirm chan bool
	c.mu.Lock()
	c.inFlight = true
	if c.opts.Mode == ModeConfirm {
		confirm = make(chan bool, 4)
		c.confirm = confirm
	}
	c.mu.Unlock()

	err := c.await(ctx, cmd, open, confirm)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.confirm = nil
	if err != nil {
		return Status{}, err
	}
	c.setLocked(open)
	if open {
		c.armLocked()
	}
	return c.statusLocked(), nil
}

func (c *Controller) await(ctx context.Context, cmd string, open bool, confirm chan bool) error {
	if _, err := c.link.SendCommand(ctx, cmd); err != nil {
		return err
	}
	if confirm == nil {
		return nil
	}

	timeout := c.opts.Clock.After(c.opts.ConfirmTimeout)
	for {
		select {
		case opened := <-confirm:
			if opened == open {
				return nil
			}
		case <-timeout:
			return ErrNotConfirmed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) handleStatus(payload string) {
	var opened bool
	switch payload {
	case statusOpened:
		opened = true
	case statusClosed:
		opened = false
	default:
		return
	}

	c.mu.Lock()
	if c.inFlight {
		if c.confirm != nil {
			select {
			case c.confirm <- opened:
			default:
			}
		}
		c.mu.Unlock()
		return
	}

	if c.isOpen == opened || c.disposed {
		c.mu.Unlock()
		return
	}

	// Moved without a command from us, e.g. a manual key switch
	c.setLocked(opened)
	if opened {
		c.armLocked()
	} else {
		c.disarmLocked()
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.opts.Logger.Warn("Gate moved without a command", zap.Bool("is_open", opened))
	c.changed(status)
}

func (c *Controller) setLocked(open bool) {
	now := c.opts.Clock.Now()
	c.isOpen = open
	c.lastChange = &now
}

func (c *Controller) armLocked() {
	c.disarmLocked()
	c.timerGen++
	gen := c.timerGen
	at := c.opts.Clock.Now().Add(c.opts.AutoCloseAfter)
	c.autoCloseAt = &at
	c.timer = c.opts.Clock.AfterFunc(c.opts.AutoCloseAfter, func() { c.autoClose(gen) })
}

func (c *Controller) disarmLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.autoCloseAt = nil
	c.timerGen++
}

func (c *Controller) autoClose(gen uint64) {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	stale := gen != c.timerGen || c.disposed
	c.mu.Unlock()
	if stale {
		return
	}

	c.opts.Logger.Info("Auto-closing gate", zap.Duration("after", c.opts.AutoCloseAfter))
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConfirmTimeout+protocol.DefaultAckTimeout)
	defer cancel()
	if err := c.closeLocked(ctx, model.ActorAutoClose); err != nil {
		c.opts.Logger.Error("Auto-close failed", zap.Error(err))
	}
}

func (c *Controller) record(ctx context.Context, action model.AuditAction, actor string, result model.AuditResult, err error) {
	record := model.NewAuditRecord(action, model.EntityGate, c.opts.GateID, actor, result, c.opts.Clock.Now())
	if err != nil {
		record.Detail = model.JSONObject{"error": err.Error()}
	}
	c.audit.LogGateAction(c.opts.GateID, string(action), record.Actor, string(result), err)

	if c.opts.Audit == nil {
		return
	}
	// Audit must outlive a cancelled request
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := c.opts.Audit.Record(auditCtx, record); aerr != nil {
		c.opts.Logger.Error("Failed to record gate audit", zap.Error(aerr), zap.String("action", string(action)))
	}
}

func (c *Controller) changed(status Status) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(status)
	}
}
