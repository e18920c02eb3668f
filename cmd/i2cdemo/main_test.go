package main

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestRun_InvalidConfigPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := run(ctx, "/nonexistent/path/config.yaml", "", false)
	if err == nil {
		t.Fatal("run() should fail with a missing config file")
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("I2CHSM_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Fatalf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
}

func TestGetConfigPath_Override(t *testing.T) {
	t.Setenv("I2CHSM_CONFIG", "/etc/i2c-hsm/config.yaml")
	if got := getConfigPath(); got != "/etc/i2c-hsm/config.yaml" {
		t.Fatalf("getConfigPath() = %q, want override", got)
	}
}

func TestBuildHAL_DefaultsToFake(t *testing.T) {
	hal, err := buildHAL("")
	if err != nil {
		t.Fatalf("buildHAL: %v", err)
	}
	defer hal.Close() //nolint:errcheck // test cleanup

	if err := hal.Transact(context.Background(), 0x48, false, 0, nil, make([]byte, 1)); err != nil {
		t.Fatalf("fake HAL Transact: %v", err)
	}
}

func TestBuildHAL_MissingDeviceErrors(t *testing.T) {
	if _, err := os.Stat("/dev/i2c-253"); err == nil {
		t.Skip("unexpected real device present at /dev/i2c-253")
	}
	if _, err := buildHAL("/dev/i2c-253"); err == nil {
		t.Fatal("buildHAL should fail opening a nonexistent device")
	}
}
