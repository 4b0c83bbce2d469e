// internal/handler/event_bus.go
package handler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/protocol"
)

// AllEvents subscribes to every event type
const AllEvents model.EventType = "*"

// EventBus fans events out to subscribers without ever blocking publishers
type EventBus struct {
	subscribers map[model.EventType][]chan model.Event
	events      chan model.Event
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[model.EventType][]chan model.Event),
		events:      make(chan model.Event, 1000),
		logger:      logger.With(zap.String("component", "event_bus")),
	}
}

// Start distributes events until ctx is cancelled
func (eb *EventBus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.events:
			eb.distributeEvent(event)
		}
	}
}

// Publish queues an event, dropping it when the bus is full
func (eb *EventBus) Publish(event model.Event) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Subscribe subscribes to events of a specific type, or AllEvents
func (eb *EventBus) Subscribe(eventType model.EventType) <-chan model.Event {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.Event, 100)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

func (eb *EventBus) distributeEvent(event model.Event) {
	eb.mutex.RLock()
	subscribers := append(append([]chan model.Event(nil), eb.subscribers[event.Type]...), eb.subscribers[AllEvents]...)
	eb.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			eb.logger.Debug("Slow subscriber, skipping event", zap.String("event_type", string(event.Type)))
		}
	}
}

// DeviceEventHandler turns device link and health callbacks into events
type DeviceEventHandler struct {
	bus    *EventBus
	logger *zap.Logger
}

// NewDeviceEventHandler creates a new device event handler
func NewDeviceEventHandler(bus *EventBus, logger *zap.Logger) *DeviceEventHandler {
	return &DeviceEventHandler{
		bus:    bus,
		logger: logger,
	}
}

// StateListener returns a link state listener for deviceID
func (deh *DeviceEventHandler) StateListener(deviceID string) protocol.StateListener {
	return func(from, to protocol.ConnectionState) {
		event := model.NewEvent(model.EventDeviceState, deviceID, map[string]interface{}{
			"old_state": from,
			"new_state": to,
		})
		if to == protocol.StateError {
			event.Severity = "ERROR"
			deh.logger.Warn("Device link failed", zap.String("device_id", deviceID), zap.String("from", string(from)))
		}
		deh.bus.Publish(event)
	}
}

// OnDeviceHealth publishes a health snapshot. Critical snapshots are also
// published as device errors.
func (deh *DeviceEventHandler) OnDeviceHealth(deviceID string, status model.HealthStatus) {
	event := model.NewEvent(model.EventHealthUpdate, deviceID, status)
	switch status.Status {
	case model.HealthDegraded:
		event.Severity = "WARNING"
	case model.HealthCriticalError:
		event.Severity = "CRITICAL"
		failure := model.NewEvent(model.EventDeviceError, deviceID, status.Errors)
		failure.Severity = "CRITICAL"
		deh.bus.Publish(failure)
	}
	deh.bus.Publish(event)
}
