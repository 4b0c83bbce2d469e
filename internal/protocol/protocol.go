// internal/protocol/protocol.go
package protocol

import (
	"context"
	"time"
)

// Frame prefixes sent by lane controllers
const (
	PrefixBarcode = "BARCODE"
	PrefixError   = "ERROR"
	PrefixStatus  = "STATUS"
	PrefixTest    = "TEST"
	PrefixVoltage = "VOLTAGE"
	PrefixMemory  = "MEMORY"
	PrefixConfig  = "CONFIG"
)

// Outbound commands understood by lane controllers
const (
	CommandOpenGate  = "OPEN_GATE"
	CommandCloseGate = "CLOSE_GATE"
	CommandTest      = "TEST"
	CommandStatus    = "STATUS"
)

// ConnectionState is the lifecycle state of a device link
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateError        ConnectionState = "ERROR"
)

// Handler receives the payload of a frame. Handlers run on the link's read
// loop and must not block.
type Handler func(payload string)

// StateListener observes link state transitions
type StateListener func(from, to ConnectionState)

// Ack confirms that a command was written and drained to the device
type Ack struct {
	ID       uint64        `json:"id"`
	Command  string        `json:"command"`
	Duration time.Duration `json:"duration"`
}

// Link is a framed line-protocol connection to one device
type Link interface {
	DeviceID() string
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState

	// SendCommand writes cmd followed by a newline and waits for the ack
	SendCommand(ctx context.Context, cmd string) (Ack, error)
	// SendRaw writes data unchanged as one batch and waits for the ack
	SendRaw(ctx context.Context, data []byte) (Ack, error)

	OnMessage(prefix string, h Handler)
	OnStateChange(l StateListener)
	Stats() Stats
}

// Stats provides link-level statistics
type Stats struct {
	State           ConnectionState `json:"state"`
	BytesWritten    int64           `json:"bytes_written"`
	BytesRead       int64           `json:"bytes_read"`
	FramesRead      int64           `json:"frames_read"`
	FramesDropped   int64           `json:"frames_dropped"`
	CommandCount    int64           `json:"command_count"`
	ErrorCount      int64           `json:"error_count"`
	ConnectAttempts int64           `json:"connect_attempts"`
	FailedConnects  int64           `json:"failed_connects"`
	PendingCommands int             `json:"pending_commands"`
	LastActivity    time.Time       `json:"last_activity"`
	AverageLatency  time.Duration   `json:"average_latency"`
}
