package quota

import (
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func TestAlerterSeverities(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		want    Severity
		none    bool
	}{
		{name: "below warning", current: 500, none: true},
		{name: "warning", current: 750, want: SeverityWarning},
		{name: "critical", current: 900, want: SeverityCritical},
		{name: "exceeded", current: 1000, want: SeverityExceeded},
		{name: "over", current: 1200, want: SeverityExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []Alert
			a := NewAlerter(DefaultAlerterConfig(), func(alert Alert) {
				got = append(got, alert)
			})

			a.Observe(domain.ScopeTenant, "tenant1", "daily", tt.current, 1000)

			if tt.none {
				if len(got) != 0 {
					t.Fatalf("alerts = %d, want 0", len(got))
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("alerts = %d, want 1", len(got))
			}
			if got[0].Severity != tt.want {
				t.Errorf("severity = %v, want %v", got[0].Severity, tt.want)
			}
		})
	}
}

func TestAlerterSuppressesRepeats(t *testing.T) {
	sent := 0
	a := NewAlerter(AlerterConfig{
		WarningPercent:  75,
		CriticalPercent: 90,
		Suppression:     time.Hour,
		HistorySize:     10,
	}, func(Alert) { sent++ })

	a.Observe(domain.ScopeTenant, "tenant1", "daily", 800, 1000)
	a.Observe(domain.ScopeTenant, "tenant1", "daily", 810, 1000)
	a.Observe(domain.ScopeTenant, "tenant1", "daily", 820, 1000)

	if sent != 1 {
		t.Errorf("alerts sent = %d, want 1 (repeats suppressed)", sent)
	}

	// A higher severity is a different dedupe key and fires immediately.
	a.Observe(domain.ScopeTenant, "tenant1", "daily", 950, 1000)
	if sent != 2 {
		t.Errorf("alerts sent = %d, want 2 after escalation", sent)
	}
}

func TestAlerterSendsAgainAfterSuppressionWindow(t *testing.T) {
	sent := 0
	a := NewAlerter(AlerterConfig{
		WarningPercent:  75,
		CriticalPercent: 90,
		Suppression:     time.Minute,
		HistorySize:     10,
	}, func(Alert) { sent++ })

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.Observe(domain.ScopeTenant, "tenant1", "daily", 800, 1000)
	now = now.Add(2 * time.Minute)
	a.Observe(domain.ScopeTenant, "tenant1", "daily", 810, 1000)

	if sent != 2 {
		t.Errorf("alerts sent = %d, want 2 after window elapsed", sent)
	}
}

func TestAlerterHistoryIsBounded(t *testing.T) {
	a := NewAlerter(AlerterConfig{
		WarningPercent:  75,
		CriticalPercent: 90,
		Suppression:     0,
		HistorySize:     3,
	})

	for i := 0; i < 10; i++ {
		a.Observe(domain.ScopeProvider, "openai", "daily", 800, 1000)
	}

	if got := len(a.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}
