// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"fmt"

	"go.bug.st/serial"
)

// SerialOpener returns an Opener for a physical serial port
func SerialOpener(config SerialConfig) Opener {
	return func(ctx context.Context) (Port, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mode, err := serialMode(config)
		if err != nil {
			return nil, err
		}

		port, err := serial.Open(config.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", config.Port, err)
		}

		// Reads must wake up periodically so the read loop can observe shutdown
		if config.ReadTimeout > 0 {
			if err := port.SetReadTimeout(config.ReadTimeout); err != nil {
				port.Close()
				return nil, fmt.Errorf("failed to set read timeout: %w", err)
			}
		}

		return port, nil
	}
}

func serialMode(config SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
	}

	switch config.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", config.StopBits)
	}

	switch config.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", config.Parity)
	}

	return mode, nil
}

// ListPorts enumerates serial ports visible to the host
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
