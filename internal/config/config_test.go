package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func defaultsOnly(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := decode(defaultsOnly(t))
	if err != nil {
		t.Fatalf("decode defaults: %v", err)
	}

	if cfg.Gate.AutoCloseAfter != 30*time.Second {
		t.Errorf("auto close = %v, want 30s", cfg.Gate.AutoCloseAfter)
	}
	if cfg.Gate.Mode != "optimistic" {
		t.Errorf("gate mode = %q, want optimistic", cfg.Gate.Mode)
	}
	if cfg.Devices.Gate.AckTimeout != 5*time.Second {
		t.Errorf("ack timeout = %v, want 5s", cfg.Devices.Gate.AckTimeout)
	}
	if cfg.Channel.ReconnectDelay != 5*time.Second || cfg.Channel.MaxAttempts != 5 {
		t.Errorf("channel reconnect = %v/%d, want 5s/5", cfg.Channel.ReconnectDelay, cfg.Channel.MaxAttempts)
	}
	if cfg.Printer.RetryAttempts != 3 {
		t.Errorf("printer retries = %d, want 3", cfg.Printer.RetryAttempts)
	}
	if cfg.Health.Interval != 5*time.Minute {
		t.Errorf("health interval = %v, want 5m", cfg.Health.Interval)
	}
	if cfg.HasDatabase() {
		t.Error("database should be unset by default")
	}
	if !cfg.HandlesEntry() || !cfg.HandlesExit() {
		t.Error("default lane should handle entry and exit")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
		want string
	}{
		{"environment", "app.environment", "qa", "app.environment"},
		{"log level", "logging.level", "trace", "logging.level"},
		{"gate mode", "gate.mode", "eventual", "gate.mode"},
		{"role", "facility.role", "valet", "facility.role"},
		{"driver", "database.driver", "mysql", "database.driver"},
		{"parity", "devices.printer.parity", "mark", "devices.printer.parity"},
		{"ack timeout", "devices.gate.ack_timeout", "0s", "devices.gate.ack_timeout"},
		{"missing port", "devices.scanner.port", "", "devices.scanner.port"},
		{"retries", "printer.retry_attempts", 0, "printer.retry_attempts"},
		{"jwt", "security.operator_auth_enabled", true, "security.jwt_secret"},
		{"duplicate id", "devices.printer.id", "GATE_01", "id duplicates"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := defaultsOnly(t)
			v.Set(tt.key, tt.val)

			_, err := decode(v)
			if err == nil {
				t.Fatalf("expected validation error for %s", tt.key)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestSimulatedDevicesNeedNoPort(t *testing.T) {
	v := defaultsOnly(t)
	v.Set("devices.simulated", true)
	v.Set("devices.gate.port", "")
	v.Set("devices.scanner.port", "")
	v.Set("devices.printer.port", "")

	if _, err := decode(v); err != nil {
		t.Fatalf("simulated install should validate: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PARKING_SERVICE_GATE_MODE", "confirm")
	t.Setenv("PARKING_SERVICE_FACILITY_ROLE", "exit")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gate.Mode != "confirm" {
		t.Errorf("gate mode = %q, want confirm", cfg.Gate.Mode)
	}
	if cfg.HandlesEntry() {
		t.Error("exit lane should not handle entry")
	}
}

func TestGetDatabaseDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", DBName: "parking", SSLMode: "disable",
	}}
	want := "host=db port=5432 user=u password=p dbname=parking sslmode=disable"
	if got := cfg.GetDatabaseDSN(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}
