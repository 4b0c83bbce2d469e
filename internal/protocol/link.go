// internal/protocol/link.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"parking-service/internal/utils"
)

const (
	// DefaultAckTimeout bounds the wait for a command to be written
	DefaultAckTimeout = 5 * time.Second

	commandQueueSize = 32
	readBufferSize   = 256
)

// LineLink implements Link over a newline-framed byte stream
type LineLink struct {
	id         string
	opener     Opener
	ackTimeout time.Duration
	logger     *utils.DeviceLogger

	mu         sync.Mutex
	state      ConnectionState
	conn       *connection
	connecting chan struct{}
	connectErr error

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
	listeners  []StateListener

	// correlation table of commands awaiting their ack, keyed by command id
	pendingMu sync.Mutex
	pending   map[uint64]*pendingCommand
	nextID    atomic.Uint64

	statsMu sync.Mutex
	stats   Stats
}

// connection is the state owned by one successful Connect
type connection struct {
	port  Port
	queue chan *pendingCommand
	done  chan struct{}
	once  sync.Once
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}

type pendingCommand struct {
	id        uint64
	label     string
	data      []byte
	result    chan error
	cancelled atomic.Bool
}

// LinkOptions configures a LineLink
type LinkOptions struct {
	DeviceID   string
	AckTimeout time.Duration
	Logger     *utils.DeviceLogger
}

// NewLineLink creates a disconnected link that opens its port with opener
func NewLineLink(opener Opener, opts LinkOptions) *LineLink {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDeviceLogger(zap.NewNop(), opts.DeviceID, "", "")
	}

	return &LineLink{
		id:         opts.DeviceID,
		opener:     opener,
		ackTimeout: opts.AckTimeout,
		logger:     opts.Logger,
		state:      StateDisconnected,
		handlers:   make(map[string][]Handler),
		pending:    make(map[uint64]*pendingCommand),
	}
}

// DeviceID returns the configured device identifier
func (l *LineLink) DeviceID() string {
	return l.id
}

// State returns the current connection state
func (l *LineLink) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnMessage registers h for frames carrying prefix. Several handlers may share
// a prefix; they run in registration order.
func (l *LineLink) OnMessage(prefix string, h Handler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers[prefix] = append(l.handlers[prefix], h)
}

// OnStateChange registers a listener for state transitions
func (l *LineLink) OnStateChange(listener StateListener) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Connect opens the port. Only one attempt runs at a time; concurrent callers
// wait for the attempt in flight and share its result.
func (l *LineLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateConnected {
		l.mu.Unlock()
		return nil
	}
	if l.connecting != nil {
		inflight := l.connecting
		l.mu.Unlock()
		select {
		case <-inflight:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.connectErr
	}

	l.connecting = make(chan struct{})
	from := l.state
	l.state = StateConnecting
	l.mu.Unlock()
	l.notify(from, StateConnecting)
	l.bumpStats(func(s *Stats) { s.ConnectAttempts++ })

	port, err := l.opener(ctx)

	l.mu.Lock()
	if err != nil {
		l.state = StateDisconnected
		l.connectErr = newLinkError(ErrorIO, l.id, "connect", err)
		close(l.connecting)
		l.connecting = nil
		connectErr := l.connectErr
		l.mu.Unlock()

		l.bumpStats(func(s *Stats) { s.FailedConnects++ })
		l.logger.LogConnection("connect", false, err)
		l.notify(StateConnecting, StateDisconnected)
		return connectErr
	}

	conn := &connection{
		port:  port,
		queue: make(chan *pendingCommand, commandQueueSize),
		done:  make(chan struct{}),
	}
	l.conn = conn
	l.state = StateConnected
	l.connectErr = nil
	close(l.connecting)
	l.connecting = nil
	l.mu.Unlock()

	go l.readLoop(conn)
	go l.writeLoop(conn)

	l.logger.LogConnection("connect", true, nil)
	l.notify(StateConnecting, StateConnected)
	return nil
}

// Disconnect closes the port. Commands still queued fail with an IO error.
func (l *LineLink) Disconnect() error {
	l.mu.Lock()
	for l.connecting != nil {
		inflight := l.connecting
		l.mu.Unlock()
		<-inflight
		l.mu.Lock()
	}

	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return nil
	}
	from := l.state
	l.conn = nil
	l.state = StateDisconnected
	conn.close()
	l.mu.Unlock()

	err := conn.port.Close()
	l.logger.LogConnection("disconnect", err == nil, err)
	l.notify(from, StateDisconnected)
	if err != nil {
		return fmt.Errorf("failed to close port: %w", err)
	}
	return nil
}

// SendCommand writes cmd plus the line terminator and waits for the ack
func (l *LineLink) SendCommand(ctx context.Context, cmd string) (Ack, error) {
	cmd = strings.TrimRight(cmd, "\r\n")
	return l.send(ctx, cmd, []byte(cmd+"\n"))
}

// SendRaw writes data unchanged as one batch and waits for the ack
func (l *LineLink) SendRaw(ctx context.Context, data []byte) (Ack, error) {
	return l.send(ctx, fmt.Sprintf("raw(%d bytes)", len(data)), data)
}

func (l *LineLink) send(ctx context.Context, label string, data []byte) (Ack, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return Ack{}, newLinkError(ErrorNotConnected, l.id, label, ErrNotConnected)
	}

	cmd := &pendingCommand{
		id:     l.nextID.Add(1),
		label:  label,
		data:   data,
		result: make(chan error, 1),
	}
	l.track(cmd)
	defer l.untrack(cmd.id)

	start := time.Now()
	timer := time.NewTimer(l.ackTimeout)
	defer timer.Stop()

	select {
	case conn.queue <- cmd:
	case <-conn.done:
		return Ack{}, newLinkError(ErrorIO, l.id, label, ErrConnectionLost)
	case <-timer.C:
		cmd.cancelled.Store(true)
		return Ack{}, l.finish(cmd, start, newLinkError(ErrorTimeout, l.id, label, ErrAckTimeout))
	case <-ctx.Done():
		cmd.cancelled.Store(true)
		return Ack{}, ctx.Err()
	}

	var err error
	select {
	case err = <-cmd.result:
	case <-conn.done:
		select {
		case err = <-cmd.result:
		default:
			err = newLinkError(ErrorIO, l.id, label, ErrConnectionLost)
		}
	case <-timer.C:
		cmd.cancelled.Store(true)
		err = newLinkError(ErrorTimeout, l.id, label, ErrAckTimeout)
	case <-ctx.Done():
		cmd.cancelled.Store(true)
		return Ack{}, ctx.Err()
	}

	if err := l.finish(cmd, start, err); err != nil {
		return Ack{}, err
	}
	return Ack{ID: cmd.id, Command: label, Duration: time.Since(start)}, nil
}

func (l *LineLink) finish(cmd *pendingCommand, start time.Time, err error) error {
	duration := time.Since(start)
	l.logger.LogCommand(cmd.label, cmd.id, duration, err)
	l.bumpStats(func(s *Stats) {
		s.CommandCount++
		if err != nil {
			s.ErrorCount++
			return
		}
		if s.AverageLatency == 0 {
			s.AverageLatency = duration
		} else {
			s.AverageLatency = (s.AverageLatency + duration) / 2
		}
	})
	return err
}

func (l *LineLink) track(cmd *pendingCommand) {
	l.pendingMu.Lock()
	l.pending[cmd.id] = cmd
	l.pendingMu.Unlock()
}

func (l *LineLink) untrack(id uint64) {
	l.pendingMu.Lock()
	delete(l.pending, id)
	l.pendingMu.Unlock()
}

// resolve delivers a write result to the waiter registered under id
func (l *LineLink) resolve(id uint64, err error) {
	l.pendingMu.Lock()
	cmd, ok := l.pending[id]
	l.pendingMu.Unlock()
	if ok {
		cmd.result <- err
	}
}

// writeLoop is the single writer of a connection, so commands never interleave
func (l *LineLink) writeLoop(conn *connection) {
	for {
		select {
		case <-conn.done:
			l.failQueued(conn)
			return
		case cmd := <-conn.queue:
			if cmd.cancelled.Load() {
				continue
			}
			err := l.write(conn, cmd.data)
			if err != nil {
				err = newLinkError(ErrorIO, l.id, cmd.label, err)
			}
			l.resolve(cmd.id, err)
			if err != nil {
				l.fail(conn, err)
				l.failQueued(conn)
				return
			}
		}
	}
}

func (l *LineLink) write(conn *connection, data []byte) error {
	n, err := conn.port.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(data))
	}
	if d, ok := conn.port.(drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
	l.bumpStats(func(s *Stats) {
		s.BytesWritten += int64(n)
		s.LastActivity = time.Now()
	})
	return nil
}

func (l *LineLink) failQueued(conn *connection) {
	for {
		select {
		case cmd := <-conn.queue:
			l.resolve(cmd.id, newLinkError(ErrorIO, l.id, cmd.label, ErrConnectionLost))
		default:
			return
		}
	}
}

func (l *LineLink) readLoop(conn *connection) {
	var lines lineBuffer
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.port.Read(buf)
		if n > 0 {
			complete, dropped := lines.feed(buf[:n])
			l.bumpStats(func(s *Stats) {
				s.BytesRead += int64(n)
				s.FramesDropped += int64(dropped)
				s.LastActivity = time.Now()
			})
			for _, line := range complete {
				l.dispatch(line)
			}
		}

		select {
		case <-conn.done:
			return
		default:
		}

		if err != nil {
			l.fail(conn, newLinkError(ErrorIO, l.id, "read", err))
			return
		}
	}
}

func (l *LineLink) dispatch(line string) {
	frame, ok := ParseFrame(line)
	if !ok {
		l.bumpStats(func(s *Stats) { s.FramesDropped++ })
		return
	}

	l.handlersMu.RLock()
	handlers := l.handlers[frame.Prefix]
	l.handlersMu.RUnlock()

	if len(handlers) == 0 {
		l.logger.Debug("Dropping frame with unhandled prefix", zap.String("prefix", frame.Prefix))
		l.bumpStats(func(s *Stats) { s.FramesDropped++ })
		return
	}

	l.bumpStats(func(s *Stats) { s.FramesRead++ })
	for _, h := range handlers {
		h(frame.Payload)
	}
}

// fail moves a live connection through ERROR to DISCONNECTED
func (l *LineLink) fail(conn *connection, err error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateDisconnected
	conn.close()
	l.mu.Unlock()

	conn.port.Close()
	l.bumpStats(func(s *Stats) { s.ErrorCount++ })
	l.logger.LogConnection("connection_lost", false, err)

	l.notify(StateConnected, StateError)
	l.notify(StateError, StateDisconnected)
}

func (l *LineLink) notify(from, to ConnectionState) {
	l.handlersMu.RLock()
	listeners := append([]StateListener(nil), l.listeners...)
	l.handlersMu.RUnlock()

	for _, listener := range listeners {
		listener(from, to)
	}
}

func (l *LineLink) bumpStats(update func(*Stats)) {
	l.statsMu.Lock()
	update(&l.stats)
	l.statsMu.Unlock()
}

// Stats returns a snapshot of link statistics
func (l *LineLink) Stats() Stats {
	l.statsMu.Lock()
	stats := l.stats
	l.statsMu.Unlock()

	l.pendingMu.Lock()
	stats.PendingCommands = len(l.pending)
	l.pendingMu.Unlock()

	stats.State = l.State()
	return stats
}

// IsConnectionError reports whether err means the link must be reconnected
func IsConnectionError(err error) bool {
	var le *LinkError
	if !errors.As(err, &le) {
		return false
	}
	return le.Kind == ErrorIO || le.Kind == ErrorNotConnected
}
