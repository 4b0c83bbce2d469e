package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"parking-service/internal/model"
)

// ErrSimulatedFailure is returned by a simulated device told to fail
var ErrSimulatedFailure = errors.New("simulated device failure")

// SimulatedDevice emulates lane controller firmware in process. It is the
// Port behind links of installations configured as simulated, and the fake
// used by tests.
type SimulatedDevice struct {
	kind model.DeviceKind

	mu          sync.Mutex
	cond        *sync.Cond
	inbound     bytes.Buffer
	closed      bool
	lineBuf     []byte
	written     [][]byte
	commands    []string
	failOpens   int
	failWrites  int
	shortWrites int
	silent      bool
	opens       int
	generation  int
}

// NewSimulatedDevice creates a simulated device of the given kind. Gates and
// scanners answer line commands; printers only record what they receive.
func NewSimulatedDevice(kind model.DeviceKind) *SimulatedDevice {
	d := &SimulatedDevice{kind: kind, closed: true}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Opener returns an Opener that reopens this device
func (d *SimulatedDevice) Opener() Opener {
	return func(ctx context.Context) (Port, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failOpens > 0 {
			d.failOpens--
			return nil, fmt.Errorf("open %s: %w", d.kind, ErrSimulatedFailure)
		}
		d.closed = false
		d.opens++
		d.generation++
		d.inbound.Reset()
		return &simulatedPort{device: d, generation: d.generation}, nil
	}
}

// Inject queues a frame as if the device had sent it
func (d *SimulatedDevice) Inject(frame string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit(frame)
}

// FailOpens makes the next n connection attempts fail
func (d *SimulatedDevice) FailOpens(n int) {
	d.mu.Lock()
	d.failOpens = n
	d.mu.Unlock()
}

// FailWrites makes the next n writes fail
func (d *SimulatedDevice) FailWrites(n int) {
	d.mu.Lock()
	d.failWrites = n
	d.mu.Unlock()
}

// ShortWrites makes the next n writes stop halfway
func (d *SimulatedDevice) ShortWrites(n int) {
	d.mu.Lock()
	d.shortWrites = n
	d.mu.Unlock()
}

// SetSilent stops the device from answering commands
func (d *SimulatedDevice) SetSilent(silent bool) {
	d.mu.Lock()
	d.silent = silent
	d.mu.Unlock()
}

// Drop simulates the remote end going away
func (d *SimulatedDevice) Drop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Commands returns the line commands received so far
func (d *SimulatedDevice) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// CountCommand returns how many times cmd was received
func (d *SimulatedDevice) CountCommand(cmd string) int {
	n := 0
	for _, c := range d.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Writes returns every successful write batch
func (d *SimulatedDevice) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	for i, w := range d.written {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Opens returns how many times the device was opened
func (d *SimulatedDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *SimulatedDevice) emit(frame string) {
	d.inbound.WriteString(frame)
	d.inbound.WriteByte('\n')
	d.cond.Broadcast()
}

func (d *SimulatedDevice) read(generation int, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.inbound.Len() == 0 && !d.closed && d.generation == generation {
		d.cond.Wait()
	}
	if d.closed || d.generation != generation {
		return 0, io.EOF
	}
	return d.inbound.Read(p)
}

func (d *SimulatedDevice) write(generation int, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.generation != generation {
		return 0, io.ErrClosedPipe
	}
	if d.failWrites > 0 {
		d.failWrites--
		return 0, ErrSimulatedFailure
	}
	if d.shortWrites > 0 {
		d.shortWrites--
		return len(p) / 2, nil
	}

	d.written = append(d.written, append([]byte(nil), p...))
	if d.kind == model.DeviceKindPrinter {
		return len(p), nil
	}

	for _, c := range p {
		if c != '\n' {
			d.lineBuf = append(d.lineBuf, c)
			continue
		}
		cmd := strings.TrimRight(string(d.lineBuf), "\r")
		d.lineBuf = d.lineBuf[:0]
		d.commands = append(d.commands, cmd)
		if !d.silent {
			d.respond(cmd)
		}
	}
	return len(p), nil
}

func (d *SimulatedDevice) respond(cmd string) {
	switch {
	case cmd == CommandOpenGate:
		d.emit("STATUS:GATE_OPENED")
	case cmd == CommandCloseGate:
		d.emit("STATUS:GATE_CLOSED")
	case cmd == CommandTest:
		d.emit("TEST:OK")
	case cmd == CommandStatus:
		d.emit("STATUS:HEALTH:OK")
		d.emit("VOLTAGE:5.02")
		d.emit("MEMORY:1536,2048")
	case strings.HasPrefix(cmd, PrefixConfig+":"):
		d.emit("STATUS:READY")
	}
}

func (d *SimulatedDevice) close(generation int) error {
	d.mu.Lock()
	if d.generation == generation {
		d.closed = true
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	return nil
}

type simulatedPort struct {
	device     *SimulatedDevice
	generation int
}

func (p *simulatedPort) Read(b []byte) (int, error)  { return p.device.read(p.generation, b) }
func (p *simulatedPort) Write(b []byte) (int, error) { return p.device.write(p.generation, b) }
func (p *simulatedPort) Close() error                { return p.device.close(p.generation) }
