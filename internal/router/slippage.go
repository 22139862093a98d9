package router

import (
	"sync"
	"time"

	"orderflow/config"
	"orderflow/logger"
)

type violation struct {
	at time.Time
}

type symbolState struct {
	violations []violation
	cooledTo   time.Time
}

// SlippageMonitor tracks realized slippage per symbol and scales order
// size down for a cool-down period once a symbol accumulates enough
// cap violations inside the rolling window. State auto-expires; there
// is no manual reset.
type SlippageMonitor struct {
	mu      sync.Mutex
	cfg     config.SlippageConfig
	symbols map[string]*symbolState
	now     func() time.Time
	log     *logger.Entry
}

// NewSlippageMonitor builds a monitor. A zero CapBps disables it.
func NewSlippageMonitor(cfg config.SlippageConfig) *SlippageMonitor {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.SizeScale <= 0 || cfg.SizeScale > 1 {
		cfg.SizeScale = 0.5
	}
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = 3
	}
	return &SlippageMonitor{
		cfg:     cfg,
		symbols: make(map[string]*symbolState),
		now:     time.Now,
		log:     logger.GetLogger().WithComponent("slippage"),
	}
}

// Observe records one fill's slippage. Crossing the violation
// threshold inside the window starts a cool-down for the symbol.
func (m *SlippageMonitor) Observe(symbol string, bps float64) {
	if m.cfg.CapBps <= 0 || bps <= m.cfg.CapBps {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.symbols[symbol]
	if !ok {
		st = &symbolState{}
		m.symbols[symbol] = st
	}

	now := m.now()
	st.violations = append(st.violations, violation{at: now})
	cutoff := now.Add(-m.cfg.Window)
	for len(st.violations) > 0 && st.violations[0].at.Before(cutoff) {
		st.violations = st.violations[1:]
	}

	if len(st.violations) >= m.cfg.ViolationThreshold && now.After(st.cooledTo) {
		st.cooledTo = now.Add(m.cfg.Cooldown)
		st.violations = nil
		m.log.WithFields(logger.Fields{
			"symbol":       symbol,
			"slippage_bps": bps,
			"cap_bps":      m.cfg.CapBps,
			"cooldown":     m.cfg.Cooldown.String(),
		}).Warn("slippage cutback engaged")
	}
}

// Scale returns the size multiplier for a symbol: SizeScale while it is
// cooling down, 1 otherwise.
func (m *SlippageMonitor) Scale(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.symbols[symbol]
	if !ok || !m.now().Before(st.cooledTo) {
		return 1
	}
	return m.cfg.SizeScale
}

// Cooling reports whether a symbol is currently in cutback.
func (m *SlippageMonitor) Cooling(symbol string) bool {
	return m.Scale(symbol) < 1
}
