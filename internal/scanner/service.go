// Package scanner turns BARCODE frames into scan events.
package scanner

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/protocol"
)

const DefaultBuffer = 32

// Options configures a Service
type Options struct {
	Buffer int
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Stats counts scans seen by the service
type Stats struct {
	Scans   int64 `json:"scans"`
	Empty   int64 `json:"empty"`
	Dropped int64 `json:"dropped"`
}

// Service re-emits barcode reads from one scanner link
type Service struct {
	deviceID string
	clock    clockwork.Clock
	logger   *zap.Logger
	events   chan model.ScanEvent

	mu          sync.RWMutex
	subscribers []func(model.ScanEvent)

	scans, empty, dropped atomic.Int64
}

// New registers the BARCODE handler on link
func New(link protocol.Link, opts Options) *Service {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Service{
		deviceID: link.DeviceID(),
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("device_id", link.DeviceID())),
		events:   make(chan model.ScanEvent, opts.Buffer),
	}
	link.OnMessage(protocol.PrefixBarcode, s.handleBarcode)
	return s
}

// Events returns the bounded stream of scans. It is never closed.
func (s *Service) Events() <-chan model.ScanEvent {
	return s.events
}

// Subscribe registers an observer called for every scan on the link reader
func (s *Service) Subscribe(fn func(model.ScanEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Stats returns scan counters
func (s *Service) Stats() Stats {
	return Stats{Scans: s.scans.Load(), Empty: s.empty.Load(), Dropped: s.dropped.Load()}
}

func (s *Service) handleBarcode(payload string) {
	code := strings.TrimSpace(payload)
	if code == "" {
		s.empty.Add(1)
		s.logger.Debug("Ignoring empty barcode")
		return
	}

	event := model.ScanEvent{Code: code, Timestamp: s.clock.Now(), DeviceID: s.deviceID}
	s.scans.Add(1)

	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Scan buffer full, dropping barcode", zap.String("code", code))
	}

	s.mu.RLock()
	subscribers := s.subscribers
	s.mu.RUnlock()
	for _, fn := range subscribers {
		fn(event)
	}
}
