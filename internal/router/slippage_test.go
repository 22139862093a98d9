package router

import (
	"testing"
	"time"

	"orderflow/config"
)

func monitorConfig() config.SlippageConfig {
	return config.SlippageConfig{
		CapBps:             50,
		Window:             time.Minute,
		ViolationThreshold: 3,
		Cooldown:           10 * time.Minute,
		SizeScale:          0.5,
	}
}

func TestSlippageUnderCapIsIgnored(t *testing.T) {
	m := NewSlippageMonitor(monitorConfig())
	for i := 0; i < 10; i++ {
		m.Observe("BTCUSDT", 10)
	}
	if m.Cooling("BTCUSDT") {
		t.Fatal("under-cap slippage must not trigger cutback")
	}
	if m.Scale("BTCUSDT") != 1 {
		t.Fatalf("scale: got %v", m.Scale("BTCUSDT"))
	}
}

func TestCutbackEngagesAtThreshold(t *testing.T) {
	m := NewSlippageMonitor(monitorConfig())

	m.Observe("BTCUSDT", 80)
	m.Observe("BTCUSDT", 90)
	if m.Cooling("BTCUSDT") {
		t.Fatal("cutback before threshold")
	}
	m.Observe("BTCUSDT", 100)
	if !m.Cooling("BTCUSDT") {
		t.Fatal("cutback should engage at the third violation")
	}
	if m.Scale("BTCUSDT") != 0.5 {
		t.Fatalf("scale: got %v", m.Scale("BTCUSDT"))
	}
	if m.Cooling("ETHUSDT") {
		t.Fatal("cutback must be per symbol")
	}
}

func TestCutbackExpiresAfterCooldown(t *testing.T) {
	m := NewSlippageMonitor(monitorConfig())
	base := time.Now()
	m.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		m.Observe("BTCUSDT", 100)
	}
	if !m.Cooling("BTCUSDT") {
		t.Fatal("cutback should be engaged")
	}

	m.now = func() time.Time { return base.Add(11 * time.Minute) }
	if m.Cooling("BTCUSDT") {
		t.Fatal("cutback should auto-expire after the cooldown")
	}
}

func TestViolationWindowPrunes(t *testing.T) {
	m := NewSlippageMonitor(monitorConfig())
	base := time.Now()
	m.now = func() time.Time { return base }

	m.Observe("BTCUSDT", 100)
	m.Observe("BTCUSDT", 100)

	// Old violations roll out before the third arrives.
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	m.Observe("BTCUSDT", 100)
	if m.Cooling("BTCUSDT") {
		t.Fatal("stale violations must not count toward the threshold")
	}
}
