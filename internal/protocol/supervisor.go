package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrReconnectExhausted is reported when a supervisor gives up on a link
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// SupervisorOptions configures the reconnect policy layered over a Link
type SupervisorOptions struct {
	MaxAttempts int
	Delay       time.Duration
	Clock       clockwork.Clock
	Logger      *zap.Logger
	// OnConnected runs after every successful (re)connect, e.g. to push config
	OnConnected func(ctx context.Context)
	// OnExhausted runs once per outage when all attempts failed
	OnExhausted func(err error)
}

// Supervisor keeps a Link connected with a fixed delay between attempts and a
// bounded number of attempts per outage. Links never reconnect on their own.
type Supervisor struct {
	link Link
	opts SupervisorOptions

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewSupervisor wraps link with a reconnect policy
func NewSupervisor(link Link, opts SupervisorOptions) *Supervisor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Supervisor{
		link:    link,
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}
	link.OnStateChange(s.onStateChange)
	return s
}

// Start connects in the background and reconnects after every lost link until
// ctx is cancelled or Close is called
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
	s.kick()
}

// Close stops reconnecting and waits for the loop to exit. It does not close
// the link.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Reconnect re-arms the policy after it was exhausted
func (s *Supervisor) Reconnect() {
	s.kick()
}

func (s *Supervisor) onStateChange(from, to ConnectionState) {
	if to != StateError {
		return
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.kick()
	}
}

func (s *Supervisor) kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		}

		if err := s.reconnect(ctx, first); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.opts.Logger.Error("Giving up on device link",
				zap.String("device_id", s.link.DeviceID()),
				zap.Int("attempts", s.opts.MaxAttempts),
				zap.Error(err),
			)
			if s.opts.OnExhausted != nil {
				s.opts.OnExhausted(err)
			}
		}
		first = false
	}
}

func (s *Supervisor) reconnect(ctx context.Context, immediate bool) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if !immediate || attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.opts.Clock.After(s.opts.Delay):
			}
		}

		err := s.link.Connect(ctx)
		if err == nil {
			s.opts.Logger.Info("Device link connected",
				zap.String("device_id", s.link.DeviceID()),
				zap.Int("attempt", attempt),
			)
			if s.opts.OnConnected != nil {
				s.opts.OnConnected(ctx)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		s.opts.Logger.Warn("Device link connect failed",
			zap.String("device_id", s.link.DeviceID()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.opts.MaxAttempts),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
}
