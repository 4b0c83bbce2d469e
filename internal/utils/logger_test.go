package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"parking-service/internal/config"
)

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "parking.log")
	logger, err := NewLogger(&config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     path,
		MaxSize:    1,
		MaxBackups: 1,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	NewDeviceLogger(logger, "GATE_01", "gate", "/dev/ttyUSB0").LogConnection("connect", true, nil)
	if err := CloseLogger(logger); err != nil {
		t.Fatalf("CloseLogger: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, line)
	}
	if entry["message"] != "Device connection event" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["device_id"] != "GATE_01" || entry["component"] != "device" {
		t.Errorf("device fields missing: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp key missing")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(&config.LoggingConfig{Level: "verbose", Output: "stdout"})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}
