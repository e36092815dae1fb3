package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/quota"
)

const sendTimeout = 10 * time.Second

// QuotaAlertHandler adapts a Notifier into a quota alert handler. The
// send happens off the request path; failures are logged and dropped.
func QuotaAlertHandler(notifier Notifier) quota.AlertHandler {
	return func(alert quota.Alert) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			n := Notification{
				Type: typeForSeverity(alert.Severity),
				Message: fmt.Sprintf("%s %s at %.1f%% of %s token limit (%d/%d)",
					alert.Scope, alert.Key, alert.Percent, alert.Period, alert.Current, alert.Limit),
				Data: map[string]interface{}{
					"period":  alert.Period,
					"percent": alert.Percent,
					"current": alert.Current,
					"limit":   alert.Limit,
				},
			}
			switch alert.Scope {
			case domain.ScopeTenant:
				n.TenantID = alert.Key
			case domain.ScopeProvider:
				n.Provider = alert.Key
			}

			if err := notifier.Send(ctx, n); err != nil {
				slog.Error("quota alert delivery failed",
					"scope", alert.Scope,
					"key", alert.Key,
					"severity", alert.Severity,
					"error", err,
				)
			}
		}()
	}
}

func typeForSeverity(s quota.Severity) NotificationType {
	switch s {
	case quota.SeverityExceeded:
		return NotificationQuotaExceeded
	case quota.SeverityCritical:
		return NotificationQuotaCritical
	default:
		return NotificationQuotaWarning
	}
}
