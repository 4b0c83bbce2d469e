package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"parking-service/internal/channel"
	"parking-service/internal/config"
	"parking-service/internal/model"
)

func TestInitializeCacheToleratesUnreachableRedis(t *testing.T) {
	app := &Application{
		config: &config.Config{Redis: config.RedisConfig{
			Enabled:    true,
			Host:       "127.0.0.1",
			Port:       1,
			SessionTTL: time.Hour,
		}},
		logger: zap.NewNop(),
		ctx:    context.Background(),
	}

	if err := app.initializeCache(); err != nil {
		t.Fatalf("initializeCache: %v", err)
	}
	if app.cache == nil || app.redis == nil {
		t.Fatal("cache should be wired even while redis is away")
	}
	app.redis.Close()
}

func TestInitializeCacheRejectsEmptyHost(t *testing.T) {
	app := &Application{
		config: &config.Config{Redis: config.RedisConfig{Enabled: true}},
		logger: zap.NewNop(),
		ctx:    context.Background(),
	}
	if err := app.initializeCache(); err == nil {
		t.Fatal("expected an error for an empty redis host")
	}
}

func TestNotifyDoesNotBlockOnDisconnectedChannel(t *testing.T) {
	client := channel.NewClient(channel.Options{URL: "ws://127.0.0.1:1/unused", MaxAttempts: 1})
	defer client.Close()
	app := &Application{logger: zap.NewNop(), channel: client}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			app.notify(channel.EventDeviceHealth, model.HealthStatus{DeviceID: "GATE_01"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked the caller")
	}
}
