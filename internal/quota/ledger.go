// Package quota enforces and tracks usage ceilings per tenant and per
// provider at daily and monthly granularity. Counters are process-local
// accounting, not a ledger of record.
//
// Authorize checks headroom without reserving it: concurrent in-flight
// requests each pass against the same remaining headroom, and their
// commits can land past the ceiling by up to the overlapping usage.
// Ceilings here are admission control; Commit records what actually
// happened.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Period names a reset granularity.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Limits holds the ceilings applied to one scope key. A zero value
// means the corresponding ceiling is not enforced.
type Limits struct {
	DailyTokens   int64
	MonthlyTokens int64
	DailyRequests int64
}

type counter struct {
	mu sync.Mutex

	limits Limits

	dailyTokens   int64
	monthlyTokens int64
	dailyRequests int64

	lastDailyReset   time.Time
	lastMonthlyReset time.Time
}

// Ledger authorizes prospective requests against remaining headroom and
// records actual consumption after successful dispatch. Counter updates
// are atomic per scope key.
type Ledger struct {
	mu        sync.RWMutex
	tenants   map[string]*counter
	providers map[string]*counter

	limitsFor func(tenantID string) Limits
	alerter   *Alerter
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTenantLimits installs the resolver mapping a tenant to its plan
// ceilings. Without it every tenant gets the zero (unenforced) limits.
func WithTenantLimits(fn func(tenantID string) Limits) Option {
	return func(l *Ledger) { l.limitsFor = fn }
}

// WithAlerter attaches threshold alerting to commits.
func WithAlerter(a *Alerter) Option {
	return func(l *Ledger) { l.alerter = a }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		tenants:   make(map[string]*counter),
		providers: make(map[string]*counter),
		limitsFor: func(string) Limits { return Limits{} },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterProvider installs the global ceilings for one provider,
// taken from its descriptor.
func (l *Ledger) RegisterProvider(id string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	l.providers[id] = &counter{
		limits:           limits,
		lastDailyReset:   now,
		lastMonthlyReset: now,
	}
}

func (l *Ledger) tenantCounter(tenantID string) *counter {
	l.mu.RLock()
	c, ok := l.tenants[tenantID]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.tenants[tenantID]; ok {
		return c
	}

	now := l.now().UTC()
	c = &counter{
		limits:           l.limitsFor(tenantID),
		lastDailyReset:   now,
		lastMonthlyReset: now,
	}
	l.tenants[tenantID] = c
	return c
}

func (l *Ledger) providerCounter(providerID string) *counter {
	l.mu.RLock()
	c, ok := l.providers[providerID]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.providers[providerID]; ok {
		return c
	}

	now := l.now().UTC()
	c = &counter{
		lastDailyReset:   now,
		lastMonthlyReset: now,
	}
	l.providers[providerID] = c
	return c
}

// Authorize checks the prospective total against every applicable
// ceiling and returns a *domain.QuotaError naming the first ceiling
// that would be breached. The check is conservative: it denies when
// current + needed would exceed the ceiling, never after the fact. No
// headroom is reserved; see the package comment for the concurrency
// window this leaves open.
func (l *Ledger) Authorize(ctx context.Context, tenantID, providerID string, tokensNeeded int) error {
	needed := int64(tokensNeeded)

	tc := l.tenantCounter(tenantID)
	tc.mu.Lock()
	switch {
	case tc.limits.DailyTokens > 0 && tc.dailyTokens+needed > tc.limits.DailyTokens:
		err := &domain.QuotaError{
			Reason:    domain.ReasonTenantDaily,
			Key:       tenantID,
			Limit:     tc.limits.DailyTokens,
			Current:   tc.dailyTokens,
			Requested: needed,
		}
		tc.mu.Unlock()
		return err
	case tc.limits.MonthlyTokens > 0 && tc.monthlyTokens+needed > tc.limits.MonthlyTokens:
		err := &domain.QuotaError{
			Reason:    domain.ReasonTenantMonthly,
			Key:       tenantID,
			Limit:     tc.limits.MonthlyTokens,
			Current:   tc.monthlyTokens,
			Requested: needed,
		}
		tc.mu.Unlock()
		return err
	case tc.limits.DailyRequests > 0 && tc.dailyRequests+1 > tc.limits.DailyRequests:
		err := &domain.QuotaError{
			Reason:    domain.ReasonTenantRequests,
			Key:       tenantID,
			Limit:     tc.limits.DailyRequests,
			Current:   tc.dailyRequests,
			Requested: 1,
		}
		tc.mu.Unlock()
		return err
	}
	tc.mu.Unlock()

	pc := l.providerCounter(providerID)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	switch {
	case pc.limits.DailyTokens > 0 && pc.dailyTokens+needed > pc.limits.DailyTokens:
		return &domain.QuotaError{
			Reason:    domain.ReasonProviderDaily,
			Key:       providerID,
			Limit:     pc.limits.DailyTokens,
			Current:   pc.dailyTokens,
			Requested: needed,
		}
	case pc.limits.MonthlyTokens > 0 && pc.monthlyTokens+needed > pc.limits.MonthlyTokens:
		return &domain.QuotaError{
			Reason:    domain.ReasonProviderMonthly,
			Key:       providerID,
			Limit:     pc.limits.MonthlyTokens,
			Current:   pc.monthlyTokens,
			Requested: needed,
		}
	}
	return nil
}

// Commit records actual consumption after a successful dispatch. This
// is the only place counters are incremented; it runs exactly once per
// completed request, with the real token usage.
func (l *Ledger) Commit(ctx context.Context, tenantID, providerID string, tokensUsed int) {
	used := int64(tokensUsed)

	tc := l.tenantCounter(tenantID)
	tc.mu.Lock()
	tc.dailyTokens += used
	tc.monthlyTokens += used
	tc.dailyRequests++
	tDaily, tDailyLimit := tc.dailyTokens, tc.limits.DailyTokens
	tMonthly, tMonthlyLimit := tc.monthlyTokens, tc.limits.MonthlyTokens
	tc.mu.Unlock()

	pc := l.providerCounter(providerID)
	pc.mu.Lock()
	pc.dailyTokens += used
	pc.monthlyTokens += used
	pc.dailyRequests++
	pDaily, pDailyLimit := pc.dailyTokens, pc.limits.DailyTokens
	pMonthly, pMonthlyLimit := pc.monthlyTokens, pc.limits.MonthlyTokens
	pc.mu.Unlock()

	if l.alerter != nil {
		l.alerter.Observe(domain.ScopeTenant, tenantID, string(PeriodDaily), tDaily, tDailyLimit)
		l.alerter.Observe(domain.ScopeTenant, tenantID, string(PeriodMonthly), tMonthly, tMonthlyLimit)
		l.alerter.Observe(domain.ScopeProvider, providerID, string(PeriodDaily), pDaily, pDailyLimit)
		l.alerter.Observe(domain.ScopeProvider, providerID, string(PeriodMonthly), pMonthly, pMonthlyLimit)
	}
}

// OnPeriodElapsed resets the counters for one period. The scheduler
// collaborator invokes it at UTC day and month boundaries; the ledger
// holds no timer logic of its own. Resets are idempotent per period:
// a counter already reset inside the current period is left alone, so
// daily and monthly resets never interfere with each other.
func (l *Ledger) OnPeriodElapsed(period Period) {
	now := l.now().UTC()

	l.mu.RLock()
	all := make([]*counter, 0, len(l.tenants)+len(l.providers))
	for _, c := range l.tenants {
		all = append(all, c)
	}
	for _, c := range l.providers {
		all = append(all, c)
	}
	l.mu.RUnlock()

	reset := 0
	for _, c := range all {
		c.mu.Lock()
		switch period {
		case PeriodDaily:
			if !sameDay(c.lastDailyReset, now) {
				c.dailyTokens = 0
				c.dailyRequests = 0
				c.lastDailyReset = now
				reset++
			}
		case PeriodMonthly:
			if !sameMonth(c.lastMonthlyReset, now) {
				c.monthlyTokens = 0
				c.lastMonthlyReset = now
				reset++
			}
		}
		c.mu.Unlock()
	}

	slog.Info("quota period reset", "period", period, "counters_reset", reset)
}

// Usage reports a tenant's current consumption. For status surfaces.
func (l *Ledger) Usage(tenantID string) (daily, monthly, requests int64, limits Limits) {
	tc := l.tenantCounter(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.dailyTokens, tc.monthlyTokens, tc.dailyRequests, tc.limits
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return ay == by && am == bm
}
