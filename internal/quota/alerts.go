package quota

import (
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Severity ranks a threshold alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityExceeded Severity = "exceeded"
)

// Alert describes one threshold crossing on a quota counter.
type Alert struct {
	Severity  Severity          `json:"severity"`
	Scope     domain.QuotaScope `json:"scope"`
	Key       string            `json:"key"`
	Period    string            `json:"period"`
	Percent   float64           `json:"percent"`
	Current   int64             `json:"current"`
	Limit     int64             `json:"limit"`
	Timestamp time.Time         `json:"timestamp"`
}

// AlertHandler receives dispatched alerts. Handlers must not block.
type AlertHandler func(Alert)

// AlerterConfig sets the thresholds and suppression window.
type AlerterConfig struct {
	WarningPercent  float64
	CriticalPercent float64
	Suppression     time.Duration
	HistorySize     int
}

func DefaultAlerterConfig() AlerterConfig {
	return AlerterConfig{
		WarningPercent:  75,
		CriticalPercent: 90,
		Suppression:     5 * time.Minute,
		HistorySize:     100,
	}
}

// Alerter raises warning, critical, and exceeded alerts as counters
// cross their thresholds. Repeat alerts for the same counter and
// severity are suppressed inside the suppression window, so a tenant
// hovering at 91% does not page on every request. History is a bounded
// ring; old entries fall off.
type Alerter struct {
	mu       sync.Mutex
	config   AlerterConfig
	lastSent map[string]time.Time
	history  []Alert
	handlers []AlertHandler
	now      func() time.Time
}

func NewAlerter(cfg AlerterConfig, handlers ...AlertHandler) *Alerter {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultAlerterConfig().HistorySize
	}
	return &Alerter{
		config:   cfg,
		lastSent: make(map[string]time.Time),
		handlers: handlers,
		now:      time.Now,
	}
}

// Observe evaluates one counter against the thresholds and dispatches
// an alert if a threshold is crossed and not suppressed. Counters with
// no ceiling are ignored.
func (a *Alerter) Observe(scope domain.QuotaScope, key, period string, current, limit int64) {
	if limit <= 0 {
		return
	}

	percent := float64(current) / float64(limit) * 100

	var severity Severity
	switch {
	case percent >= 100:
		severity = SeverityExceeded
	case percent >= a.config.CriticalPercent:
		severity = SeverityCritical
	case percent >= a.config.WarningPercent:
		severity = SeverityWarning
	default:
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	dedupeKey := string(scope) + ":" + key + ":" + period + ":" + string(severity)
	if sent, ok := a.lastSent[dedupeKey]; ok && now.Sub(sent) < a.config.Suppression {
		return
	}
	a.lastSent[dedupeKey] = now

	alert := Alert{
		Severity:  severity,
		Scope:     scope,
		Key:       key,
		Period:    period,
		Percent:   percent,
		Current:   current,
		Limit:     limit,
		Timestamp: now,
	}

	a.history = append(a.history, alert)
	if len(a.history) > a.config.HistorySize {
		a.history = a.history[len(a.history)-a.config.HistorySize:]
	}

	for _, h := range a.handlers {
		h(alert)
	}
}

// History returns a copy of the retained alerts, oldest first.
func (a *Alerter) History() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Alert, len(a.history))
	copy(out, a.history)
	return out
}
