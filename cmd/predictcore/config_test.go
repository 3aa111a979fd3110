package main

import (
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Intake.MinRevealDelay != 800*time.Millisecond {
		t.Errorf("min reveal delay = %s", cfg.Intake.MinRevealDelay)
	}
}

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PREDICT_REVEAL_WINDOW", "90s")
	t.Setenv("PREDICT_MAX_BATCH_SIZE", "7")
	t.Setenv("PREDICT_REPLAY_RESULT_TAIL", "false")
	t.Setenv("PREDICT_SNAPSHOT_INTERVAL", "not-a-number")

	cfg := DefaultConfig()
	if cfg.Intake.RevealWindow != 90*time.Second {
		t.Errorf("reveal window = %s", cfg.Intake.RevealWindow)
	}
	if cfg.Intake.MaxBatchSize != 7 {
		t.Errorf("max batch size = %d", cfg.Intake.MaxBatchSize)
	}
	if cfg.ReplayResultTail {
		t.Errorf("replay result tail not read")
	}
	if cfg.SnapshotEvery != 1_000 {
		t.Errorf("bad value should fall back to default, got %d", cfg.SnapshotEvery)
	}
}

func TestConfig_ValidateRejectsBadIntake(t *testing.T) {
	t.Setenv("PREDICT_REVEAL_WINDOW", "100ms")
	if err := DefaultConfig().Validate(); err == nil {
		t.Fatalf("reveal window below min reveal delay accepted")
	}
}
