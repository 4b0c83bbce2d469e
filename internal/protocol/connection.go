// internal/protocol/connection.go
package protocol

import (
	"context"
	"io"
	"time"
)

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port        string        `json:"port"`
	BaudRate    int           `json:"baud_rate"`
	DataBits    int           `json:"data_bits"`
	StopBits    int           `json:"stop_bits"`
	Parity      string        `json:"parity"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// Port is the byte stream under a link. A Read returning (0, nil) is treated
// as a read timeout, which is how go.bug.st/serial reports one.
type Port interface {
	io.ReadWriteCloser
}

// drainer is implemented by ports that can block until output is transmitted
type drainer interface {
	Drain() error
}

// Opener opens a fresh Port for a connection attempt
type Opener func(ctx context.Context) (Port, error)
