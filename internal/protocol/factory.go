// internal/protocol/factory.go
package protocol

import (
	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/model"
	"parking-service/internal/utils"
)

// Device bundles the link of one configured device with its simulator, which
// is nil for physical devices
type Device struct {
	Kind      model.DeviceKind
	Link      *LineLink
	Simulator *SimulatedDevice
}

// NewDevice builds the link for one configured device. The simulated variant
// is chosen by configuration, never as a silent fallback.
func NewDevice(cfg config.SerialDeviceConfig, kind model.DeviceKind, simulated bool, logger *zap.Logger) *Device {
	device := &Device{Kind: kind}

	var opener Opener
	port := cfg.Port
	if cfg.IsSimulated(simulated) {
		device.Simulator = NewSimulatedDevice(kind)
		opener = device.Simulator.Opener()
		port = "simulated"
	} else {
		opener = SerialOpener(SerialConfig{
			Port:        cfg.Port,
			BaudRate:    cfg.BaudRate,
			DataBits:    cfg.DataBits,
			StopBits:    cfg.StopBits,
			Parity:      cfg.Parity,
			ReadTimeout: cfg.ReadTimeout,
		})
	}

	device.Link = NewLineLink(opener, LinkOptions{
		DeviceID:   cfg.ID,
		AckTimeout: cfg.AckTimeout,
		Logger:     utils.NewDeviceLogger(logger, cfg.ID, string(kind), port),
	})

	if device.Simulator != nil {
		logger.Warn("Using simulated device",
			zap.String("device_id", cfg.ID),
			zap.String("kind", string(kind)),
		)
	}
	return device
}
