package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// DeviceSettings is the runtime configuration pushed to a lane controller
// with a CONFIG:<json> command
type DeviceSettings struct {
	GateOpenTime     int     `json:"gateOpenTime"`
	BuzzerVolume     int     `json:"buzzerVolume"`
	ScannerTimeout   int64   `json:"scannerTimeout"`
	GateTimeout      int64   `json:"gateTimeout"`
	VoltageThreshold float64 `json:"voltageThreshold"`
	AutoRetry        bool    `json:"autoRetry"`
	MaxRetries       int     `json:"maxRetries"`
}

// ConfigCommand renders settings as a CONFIG line
func ConfigCommand(settings DeviceSettings) (string, error) {
	payload, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("failed to encode device settings: %w", err)
	}
	return PrefixConfig + ":" + string(payload), nil
}

// PushConfig sends settings to the device behind link
func PushConfig(ctx context.Context, link Link, settings DeviceSettings) error {
	cmd, err := ConfigCommand(settings)
	if err != nil {
		return err
	}
	if _, err := link.SendCommand(ctx, cmd); err != nil {
		return fmt.Errorf("failed to push config to %s: %w", link.DeviceID(), err)
	}
	return nil
}
