package provider

import (
	"errors"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// MetricsSnapshot is a point-in-time copy of an adapter's rolling
// metrics.
type MetricsSnapshot struct {
	Requests       int64
	Successes      int64
	Failures       int64
	ConsumedTokens int64
	AvgLatency     time.Duration
	ErrorRate      float64
	LastError      string
	LastUsedAt     time.Time
}

type rollingMetrics struct {
	mu             sync.Mutex
	requests       int64
	successes      int64
	failures       int64
	consumedTokens int64
	totalLatency   time.Duration
	lastError      string
	lastUsedAt     time.Time
	status         Availability
}

func newRollingMetrics() *rollingMetrics {
	return &rollingMetrics{status: StatusAvailable}
}

func (m *rollingMetrics) record(latency time.Duration, tokens int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.totalLatency += latency
	m.lastUsedAt = time.Now()

	if err == nil {
		m.successes++
		m.consumedTokens += int64(tokens)
		m.status = StatusAvailable
		return
	}

	m.failures++
	m.lastError = err.Error()
	m.status = statusFromError(err)
}

func statusFromError(err error) Availability {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return StatusError
	}
	switch perr.Kind {
	case domain.KindRateLimit:
		return StatusRateLimited
	case domain.KindQuota:
		return StatusQuotaExceeded
	case domain.KindUpstream:
		if perr.Status == 503 {
			return StatusMaintenance
		}
		return StatusError
	default:
		return StatusError
	}
}

func (m *rollingMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Requests:       m.requests,
		Successes:      m.successes,
		Failures:       m.failures,
		ConsumedTokens: m.consumedTokens,
		LastError:      m.lastError,
		LastUsedAt:     m.lastUsedAt,
	}
	if m.requests > 0 {
		snap.AvgLatency = m.totalLatency / time.Duration(m.requests)
		snap.ErrorRate = float64(m.failures) / float64(m.requests)
	}
	return snap
}

func (m *rollingMetrics) availability() Availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
