package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("ROOM_IDLE_TTL", "90s")
	t.Setenv("JWT_EXPIRY", "not-a-duration")

	cfg := Load()
	if cfg.ServerAddr != ":9999" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.RedisDB != 3 || cfg.RedisEnabled {
		t.Errorf("redis config = db %d enabled %v", cfg.RedisDB, cfg.RedisEnabled)
	}
	if cfg.RoomIdleTTL != 90*time.Second {
		t.Errorf("RoomIdleTTL = %s", cfg.RoomIdleTTL)
	}
	if cfg.JWTExpiry != 7*24*time.Hour {
		t.Errorf("invalid JWT_EXPIRY should fall back, got %s", cfg.JWTExpiry)
	}
	if cfg.RoomSweepInterval != 30*time.Second {
		t.Errorf("RoomSweepInterval = %s", cfg.RoomSweepInterval)
	}
}
