// Package orchestrator runs the lane sequences: scan, bill and actuate at the
// exit, issue and actuate at the entry.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/printer"
	"parking-service/internal/session"
	"parking-service/internal/utils"
)

// Stage is the position of a sequence in the lane state machine
type Stage string

const (
	StageIdle      Stage = "IDLE"
	StageResolving Stage = "RESOLVING"
	StageBilling   Stage = "BILLING"
	StageActuating Stage = "ACTUATING"
	StageDone      Stage = "DONE"
	StageFailed    Stage = "FAILED"
)

// Flow tells entry and exit sequences apart
type Flow string

const (
	FlowEntry Flow = "entry"
	FlowExit  Flow = "exit"
)

const DefaultActuateTimeout = 15 * time.Second

// Gate opens the lane barrier
type Gate interface {
	Open(ctx context.Context, actor string) error
}

// Printer prints tickets and receipts
type Printer interface {
	Print(ctx context.Context, job printer.Job) error
}

// PhotoCapturer stores evidence of a vehicle leaving
type PhotoCapturer interface {
	Capture(ctx context.Context, session *model.Session) error
}

// Sessions is the ticket lifecycle the orchestrator drives
type Sessions interface {
	CreateSession(ctx context.Context, plate string, vehicleType model.VehicleType) (*model.Session, error)
	LookupSession(ctx context.Context, code string) (*model.Session, error)
	CompleteSession(ctx context.Context, code string) (*session.Completion, error)
}

// EntryRequest asks for a ticket at the entry lane
type EntryRequest struct {
	PlateNumber string            `json:"plateNumber" binding:"required"`
	VehicleType model.VehicleType `json:"vehicleType" binding:"required"`
}

// Outcome records how one sequence ended. Err aborts the sequence before any
// device moves; GateErr, PrintErr and PhotoErr are side-effect failures after
// the session changed.
type Outcome struct {
	SequenceID string
	Flow       Flow
	Stage      Stage
	Code       string
	Session    *model.Session
	Err        error
	GateErr    error
	PrintErr   error
	PhotoErr   error
	StartedAt  time.Time
	FinishedAt time.Time
}

// OK reports whether the session transition succeeded
func (o Outcome) OK() bool {
	return o.Stage == StageDone && o.Err == nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MarshalJSON renders errors as strings
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SequenceID string         `json:"sequenceId"`
		Flow       Flow           `json:"flow"`
		Stage      Stage          `json:"stage"`
		Code       string         `json:"code,omitempty"`
		Session    *model.Session `json:"session,omitempty"`
		Error      string         `json:"error,omitempty"`
		GateError  string         `json:"gateError,omitempty"`
		PrintError string         `json:"printError,omitempty"`
		PhotoError string         `json:"photoError,omitempty"`
		StartedAt  time.Time      `json:"startedAt"`
		FinishedAt time.Time      `json:"finishedAt"`
	}{
		o.SequenceID, o.Flow, o.Stage, o.Code, o.Session,
		errString(o.Err), errString(o.GateErr), errString(o.PrintErr), errString(o.PhotoErr),
		o.StartedAt, o.FinishedAt,
	})
}

// Stats counts sequences by result
type Stats struct {
	Sequences     int64 `json:"sequences"`
	Completed     int64 `json:"completed"`
	Issued        int64 `json:"issued"`
	Rejected      int64 `json:"rejected"`
	GateFailures  int64 `json:"gate_failures"`
	PrintFailures int64 `json:"print_failures"`
	PhotoFailures int64 `json:"photo_failures"`
}

// Options configures an Orchestrator. Printer and Photo are optional.
type Options struct {
	Gate    Gate
	Printer Printer
	Photo   PhotoCapturer
	Clock   clockwork.Clock
	Logger  *zap.Logger
	// Actor is recorded on gate audits for automatic sequences
	Actor string
	// ActuateTimeout bounds the concurrent device actions of one sequence
	ActuateTimeout time.Duration
}

// Orchestrator sequences sessions and lane devices
type Orchestrator struct {
	sessions Sessions
	opts     Options
	logger   *zap.Logger

	mu        sync.RWMutex
	completed []func(model.Session)
	created   []func(model.Session)
	outcomes  []func(Outcome)

	sequences, done, issued, rejected atomic.Int64
	gateFails, printFails, photoFails atomic.Int64
}

// New creates an orchestrator
func New(sessions Sessions, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Actor == "" {
		opts.Actor = model.ActorSystem
	}
	if opts.ActuateTimeout <= 0 {
		opts.ActuateTimeout = DefaultActuateTimeout
	}
	return &Orchestrator{
		sessions: sessions,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "orchestrator")),
	}
}

// OnSessionCompleted registers a callback run after every paid exit. Callbacks
// run on the sequence goroutine and must not block.
func (o *Orchestrator) OnSessionCompleted(fn func(model.Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, fn)
}

// OnSessionCreated registers a callback run after every entry
func (o *Orchestrator) OnSessionCreated(fn func(model.Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, fn)
}

// OnOutcome registers a callback run after every sequence
func (o *Orchestrator) OnOutcome(fn func(Outcome)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, fn)
}

// Stats returns sequence counters
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Sequences:     o.sequences.Load(),
		Completed:     o.done.Load(),
		Issued:        o.issued.Load(),
		Rejected:      o.rejected.Load(),
		GateFailures:  o.gateFails.Load(),
		PrintFailures: o.printFails.Load(),
		PhotoFailures: o.photoFails.Load(),
	}
}

// Run handles scans one at a time until ctx is cancelled or events closes
func (o *Orchestrator) Run(ctx context.Context, events <-chan model.ScanEvent) {
	o.logger.Info("Orchestrator started")
	defer o.logger.Info("Orchestrator stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			o.HandleScan(ctx, event)
		}
	}
}

// OnScan runs the exit sequence for a code that did not come from the lane
// scanner, such as an operator or the remote client
func (o *Orchestrator) OnScan(ctx context.Context, code string) Outcome {
	return o.HandleScan(ctx, model.ScanEvent{Code: code, Timestamp: o.opts.Clock.Now()})
}

// HandleScan runs the exit sequence for one scanned ticket. Unknown and
// already paid tickets stop before any device is touched.
func (o *Orchestrator) HandleScan(ctx context.Context, event model.ScanEvent) Outcome {
	out := o.begin(FlowExit, event.Code)
	oplog := utils.NewOperationLogger(o.logger, string(FlowExit), out.SequenceID)
	oplog.Start(zap.String("code", event.Code), zap.String("device_id", event.DeviceID))

	o.stage(&out, oplog, StageResolving)
	if _, err := o.sessions.LookupSession(ctx, event.Code); err != nil {
		return o.fail(out, oplog, err)
	}

	o.stage(&out, oplog, StageBilling)
	completion, err := o.sessions.CompleteSession(ctx, event.Code)
	if err != nil {
		return o.fail(out, oplog, err)
	}
	closed := completion.Session
	out.Session = closed

	o.stage(&out, oplog, StageActuating)
	rate := completion.Rate
	o.actuate(ctx, &out, oplog, printer.Job{Kind: printer.KindExitReceipt, Session: *closed, Rate: &rate})

	o.done.Add(1)
	o.finish(&out, oplog)

	o.mu.RLock()
	callbacks := o.completed
	o.mu.RUnlock()
	for _, fn := range callbacks {
		fn(*closed)
	}
	o.report(out)
	return out
}

// HandleEntry issues a ticket and lets the vehicle in. A plate that is
// already parked gets its existing ticket reprinted.
func (o *Orchestrator) HandleEntry(ctx context.Context, req EntryRequest) Outcome {
	out := o.begin(FlowEntry, "")
	oplog := utils.NewOperationLogger(o.logger, string(FlowEntry), out.SequenceID)
	oplog.Start(zap.String("plate_number", req.PlateNumber), zap.String("vehicle_type", string(req.VehicleType)))

	o.stage(&out, oplog, StageResolving)
	ticket, err := o.sessions.CreateSession(ctx, req.PlateNumber, req.VehicleType)
	if err != nil {
		return o.fail(out, oplog, err)
	}
	out.Session = ticket
	out.Code = ticket.ID

	o.stage(&out, oplog, StageActuating)
	o.actuate(ctx, &out, oplog, printer.Job{Kind: printer.KindEntryTicket, Session: *ticket})

	o.issued.Add(1)
	o.finish(&out, oplog)

	o.mu.RLock()
	callbacks := o.created
	o.mu.RUnlock()
	for _, fn := range callbacks {
		fn(*ticket)
	}
	o.report(out)
	return out
}

// actuate opens the gate, prints and captures concurrently and waits for all
// of them. Devices keep going if the caller's context is cancelled since the
// session has already changed.
func (o *Orchestrator) actuate(ctx context.Context, out *Outcome, oplog *utils.OperationLogger, job printer.Job) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ActuateTimeout)
	defer cancel()

	var wg sync.WaitGroup
	if o.opts.Gate != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.GateErr = o.opts.Gate.Open(actx, o.opts.Actor)
		}()
	}
	if o.opts.Printer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.PrintedAt = o.opts.Clock.Now()
			out.PrintErr = o.opts.Printer.Print(actx, job)
		}()
	}
	if o.opts.Photo != nil && out.Flow == FlowExit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.PhotoErr = o.opts.Photo.Capture(actx, out.Session)
		}()
	}
	wg.Wait()

	if out.GateErr != nil {
		o.gateFails.Add(1)
		oplog.Warn("Gate did not open", out.GateErr)
	}
	if out.PrintErr != nil {
		o.printFails.Add(1)
		oplog.Warn("Print failed", out.PrintErr)
	}
	if out.PhotoErr != nil {
		o.photoFails.Add(1)
		oplog.Warn("Photo capture failed", out.PhotoErr)
	}
}

func (o *Orchestrator) begin(flow Flow, code string) Outcome {
	o.sequences.Add(1)
	return Outcome{
		SequenceID: uuid.New().String(),
		Flow:       flow,
		Stage:      StageIdle,
		Code:       code,
		StartedAt:  o.opts.Clock.Now(),
	}
}

func (o *Orchestrator) stage(out *Outcome, oplog *utils.OperationLogger, stage Stage) {
	out.Stage = stage
	oplog.Stage(string(stage))
}

func (o *Orchestrator) fail(out Outcome, oplog *utils.OperationLogger, err error) Outcome {
	o.rejected.Add(1)
	out.Err = err
	failedAt := out.Stage
	out.Stage = StageFailed
	out.FinishedAt = o.opts.Clock.Now()

	if errors.Is(err, context.Canceled) {
		oplog.Warn("Sequence cancelled", err, zap.String("at_stage", string(failedAt)))
	} else {
		oplog.Error(err, zap.String("at_stage", string(failedAt)))
	}
	o.report(out)
	return out
}

func (o *Orchestrator) finish(out *Outcome, oplog *utils.OperationLogger) {
	out.Stage = StageDone
	out.FinishedAt = o.opts.Clock.Now()
	fields := []zap.Field{zap.String("ticket_id", out.Session.ID)}
	if out.Session.Fee != nil {
		fields = append(fields, zap.Int64("fee", *out.Session.Fee))
	}
	oplog.Success(fields...)
}

func (o *Orchestrator) report(out Outcome) {
	o.mu.RLock()
	callbacks := o.outcomes
	o.mu.RUnlock()
	for _, fn := range callbacks {
		fn(out)
	}
}
