package main

import (
	"testing"

	"github.com/leakwatch/leakwatch/internal/config"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger, err := newLogger("warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	_ = logger.Sync()
}

func TestBuildQueuesSelectsMemoryVariant(t *testing.T) {
	logger, err := newLogger("error")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	cfg := &config.Config{ProcessingQueueSize: 16}
	raw, processed, broker := buildQueues(cfg, logger)
	if broker != nil {
		t.Fatal("no redis configured, broker client must be nil")
	}
	if raw.Cap() != 16 {
		t.Fatalf("raw capacity = %d, want 16", raw.Cap())
	}
	if processed.Cap() != 0 {
		t.Fatalf("processed queue must be unbounded, cap = %d", processed.Cap())
	}
}

func TestBuildQueuesSelectsRedisVariant(t *testing.T) {
	logger, err := newLogger("error")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	cfg := &config.Config{Redis: &config.RedisConfig{Host: "localhost", Port: 6379}}
	raw, _, broker := buildQueues(cfg, logger)
	if broker == nil {
		t.Fatal("redis configured, broker client expected")
	}
	defer func() {
		_ = broker.Close()
	}()
	if raw.Cap() != 0 {
		t.Fatalf("broker-backed queue reports no capacity bound, got %d", raw.Cap())
	}
}
