package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"parking-service/internal/model"
	"parking-service/internal/protocol"
)

type auditLog struct {
	mu      sync.Mutex
	records []*model.AuditRecord
}

func (a *auditLog) Record(ctx context.Context, record *model.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return nil
}

func (a *auditLog) results(action model.AuditAction) []model.AuditResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.AuditResult
	for _, r := range a.records {
		if r.Action == action {
			out = append(out, r.Result)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// blockUntil waits for the fake clock to hold exactly n timers
func blockUntil(t *testing.T, clk clockwork.FakeClock, n int) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		clk.BlockUntil(n)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("fake clock never reached %d timers", n)
	}
}

type fixture struct {
	gate   *Controller
	device *protocol.SimulatedDevice
	clock  clockwork.FakeClock
	audit  *auditLog
}

func newFixture(t *testing.T, mode Mode) *fixture {
	t.Helper()
	device := protocol.NewSimulatedDevice(model.DeviceKindGate)
	link := protocol.NewLineLink(device.Opener(), protocol.LinkOptions{DeviceID: "GATE_01", AckTimeout: time.Second})
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { link.Disconnect() })

	clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	audit := &auditLog{}
	gate := NewController(link, Options{
		Mode:           mode,
		AutoCloseAfter: 30 * time.Second,
		ConfirmTimeout: 2 * time.Second,
		Clock:          clk,
		Audit:          audit,
	})
	t.Cleanup(gate.Dispose)
	return &fixture{gate: gate, device: device, clock: clk, audit: audit}
}

func TestOpenTwiceSendsOneCommand(t *testing.T) {
	f := newFixture(t, ModeOptimistic)
	ctx := context.Background()

	if err := f.gate.Open(ctx, "op-1"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := f.gate.Open(ctx, "op-1"); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	if n := f.device.CountCommand(protocol.CommandOpenGate); n != 1 {
		t.Fatalf("OPEN_GATE sent %d times, want 1", n)
	}
	if !f.gate.Status().IsOpen {
		t.Fatal("gate should be open")
	}
	got := f.audit.results(model.AuditGateOpen)
	if len(got) != 2 || got[0] != model.AuditSuccess || got[1] != model.AuditNoop {
		t.Fatalf("audit results = %v, want [SUCCESS NOOP]", got)
	}
}

func TestConcurrentOpensSendOneCommand(t *testing.T) {
	f := newFixture(t, ModeOptimistic)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.gate.Open(context.Background(), model.ActorSystem); err != nil {
				t.Errorf("Open: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.device.CountCommand(protocol.CommandOpenGate); n != 1 {
		t.Fatalf("OPEN_GATE sent %d times, want 1", n)
	}
	if n := len(f.audit.results(model.AuditGateOpen)); n != 10 {
		t.Fatalf("audited %d open attempts, want 10", n)
	}
}

func TestAutoCloseFiresOnce(t *testing.T) {
	f := newFixture(t, ModeOptimistic)

	if err := f.gate.Open(context.Background(), "op-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.gate.Status().AutoClose == nil {
		t.Fatal("auto-close should be armed")
	}

	f.clock.Advance(29 * time.Second)
	if f.device.CountCommand(protocol.CommandCloseGate) != 0 {
		t.Fatal("closed before the auto-close period elapsed")
	}

	f.clock.Advance(time.Second)
	waitFor(t, time.Second, func() bool { return len(f.audit.results(model.AuditGateClose)) == 1 })
	if f.gate.Status().IsOpen {
		t.Fatal("gate should be closed")
	}
	if n := f.device.CountCommand(protocol.CommandCloseGate); n != 1 {
		t.Fatalf("CLOSE_GATE sent %d times, want 1", n)
	}

	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if n := f.device.CountCommand(protocol.CommandCloseGate); n != 1 {
		t.Fatalf("CLOSE_GATE sent %d times after auto-close, want 1", n)
	}

	f.audit.mu.Lock()
	last := f.audit.records[len(f.audit.records)-1]
	f.audit.mu.Unlock()
	if last.Action != model.AuditGateClose || last.Actor != model.ActorAutoClose {
		t.Fatalf("last audit = %+v, want auto-close", last)
	}
}

func TestManualCloseCancelsAutoClose(t *testing.T) {
	f := newFixture(t, ModeOptimistic)
	ctx := context.Background()

	if err := f.gate.Open(ctx, "op-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.gate.Close(ctx, "op-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	blockUntil(t, f.clock, 0)

	f.clock.Advance(time.Minute)
	if n := f.device.CountCommand(protocol.CommandCloseGate); n != 1 {
		t.Fatalf("CLOSE_GATE sent %d times, want 1", n)
	}
}

func TestCloseWhenClosedIsNoop(t *testing.T) {
	f := newFixture(t, ModeOptimistic)

	if err := f.gate.Close(context.Background(), "op-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(f.device.Commands()) != 0 {
		t.Fatalf("commands = %v, want none", f.device.Commands())
	}
	if got := f.audit.results(model.AuditGateClose); len(got) != 1 || got[0] != model.AuditNoop {
		t.Fatalf("audit results = %v", got)
	}
}

func TestOpenFailureKeepsGateClosed(t *testing.T) {
	f := newFixture(t, ModeOptimistic)
	f.device.FailWrites(1)

	err := f.gate.Open(context.Background(), "op-1")
	var gerr *GateError
	if !errors.As(err, &gerr) || gerr.Op != "open" {
		t.Fatalf("err = %v, want GateError", err)
	}
	if !protocol.IsIO(err) {
		t.Fatalf("err = %v should wrap the link error", err)
	}
	if f.gate.Status().IsOpen {
		t.Fatal("gate must stay closed after a failed open")
	}
	if got := f.audit.results(model.AuditGateOpen); len(got) != 1 || got[0] != model.AuditFailed {
		t.Fatalf("audit results = %v", got)
	}
}

func TestConfirmModeWaitsForStatus(t *testing.T) {
	f := newFixture(t, ModeConfirm)

	if err := f.gate.Open(context.Background(), "op-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !f.gate.Status().IsOpen {
		t.Fatal("gate should be open after GATE_OPENED")
	}
}

func TestConfirmModeTimesOut(t *testing.T) {
	f := newFixture(t, ModeConfirm)
	f.device.SetSilent(true)

	errs := make(chan error, 1)
	go func() { errs <- f.gate.Open(context.Background(), "op-1") }()

	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)

	err := <-errs
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("err = %v, want ErrNotConfirmed", err)
	}
	if f.gate.Status().IsOpen {
		t.Fatal("unconfirmed open must not flip state")
	}
	if n := f.device.CountCommand(protocol.CommandOpenGate); n != 1 {
		t.Fatalf("OPEN_GATE sent %d times", n)
	}
}

func TestUnsolicitedStatusReconciles(t *testing.T) {
	f := newFixture(t, ModeOptimistic)

	var mu sync.Mutex
	var changes []Status
	f.gate.opts.OnChange = func(s Status) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	}

	f.device.Inject("STATUS:GATE_OPENED")
	waitFor(t, time.Second, func() bool { return f.gate.Status().IsOpen })

	if f.gate.Status().AutoClose == nil {
		t.Fatal("a gate opened by hand should still auto-close")
	}

	f.device.Inject("STATUS:GATE_CLOSED")
	waitFor(t, time.Second, func() bool { return !f.gate.Status().IsOpen })

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
}

func TestDisposeRejectsCommands(t *testing.T) {
	f := newFixture(t, ModeOptimistic)
	if err := f.gate.Open(context.Background(), "op-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.gate.Dispose()

	blockUntil(t, f.clock, 0)
	if err := f.gate.Open(context.Background(), "op-1"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("err = %v, want ErrDisposed", err)
	}
}
