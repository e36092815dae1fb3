// Package stream manages live streaming sessions. Each session owns a
// typed event channel carrying exactly one terminal event (complete,
// error, or stopped) after zero or more chunks.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/provider"
)

type EventType string

const (
	EventStart    EventType = "start"
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventStopped  EventType = "stopped"
)

// Event is one item on a session's channel. Exactly one of Delta,
// Response, or Err is set depending on Type.
type Event struct {
	Type      EventType                `json:"type"`
	SessionID string                   `json:"session_id"`
	Delta     *domain.StreamDelta      `json:"delta,omitempty"`
	Response  *domain.ResponseEnvelope `json:"response,omitempty"`
	Err       string                   `json:"error,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

func terminal(t EventType) bool {
	return t == EventComplete || t == EventError || t == EventStopped
}

// Dispatcher runs a streaming generation and forwards output into the
// sink. Satisfied by the orchestrator.
type Dispatcher interface {
	DispatchStream(ctx context.Context, req domain.RequestEnvelope, sink provider.Sink) error
}

// Config bounds session lifetime and buffering.
type Config struct {
	IdleTimeout   time.Duration // a session silent this long is force-stopped
	SweepInterval time.Duration
	EventBuffer   int
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 30 * time.Second,
		EventBuffer:   64,
	}
}

type session struct {
	id       string
	tenantID string
	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	done         bool
	stopped      bool
}

// emit delivers one event, enforcing the single-terminal-event rule.
// Delivery blocks until the consumer reads or the session is canceled;
// the idle sweep reclaims sessions nobody is reading.
func (s *session) emit(ev Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if terminal(ev.Type) {
		s.done = true
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.deliver(ev)
}

// deliver pushes one event to the consumer. Once the session context is
// canceled a terminal event falls back to a best-effort buffered send,
// so a consumer that stopped reading cannot block teardown.
func (s *session) deliver(ev Event) {
	metrics.RecordStreamEvent(string(ev.Type))

	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		if !terminal(ev.Type) {
			return
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

// markStopped claims the terminal slot for a stop request without
// touching the event channel. Returns false when the session already
// carries a terminal event.
func (s *session) markStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.stopped = true
	s.lastActivity = time.Now()
	return true
}

func (s *session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// sessionSink bridges provider output into session events.
type sessionSink struct {
	s *session
}

func (k sessionSink) Delta(d domain.StreamDelta) {
	delta := d
	k.s.emit(Event{
		Type:      EventChunk,
		SessionID: k.s.id,
		Delta:     &delta,
		Timestamp: time.Now(),
	})
}

func (k sessionSink) Complete(resp *domain.ResponseEnvelope) {
	k.s.emit(Event{
		Type:      EventComplete,
		SessionID: k.s.id,
		Response:  resp,
		Timestamp: time.Now(),
	})
}

// Manager tracks live sessions and reclaims idle ones.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*session
	dispatcher Dispatcher
	config     Config
}

func NewManager(dispatcher Dispatcher, cfg Config) *Manager {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		sessions:   make(map[string]*session),
		dispatcher: dispatcher,
		config:     cfg,
	}
}

// Start validates the request, registers a session, and begins the
// dispatch in the background. The returned channel delivers the start
// event first and is closed after the terminal event.
func (m *Manager) Start(ctx context.Context, req domain.RequestEnvelope) (string, <-chan Event, error) {
	if err := req.Validate(); err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	req.SessionID = id

	// The session outlives the initiating request context; Stop and
	// the idle sweep own cancellation.
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           id,
		tenantID:     req.TenantID,
		events:       make(chan Event, m.config.EventBuffer),
		ctx:          sctx,
		cancel:       cancel,
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.StreamStarted()
	s.emit(Event{Type: EventStart, SessionID: id, Timestamp: time.Now()})

	go m.run(s, req)

	slog.Info("stream session started", "session_id", id, "tenant_id", req.TenantID)
	return id, s.events, nil
}

func (m *Manager) run(s *session, req domain.RequestEnvelope) {
	defer func() {
		close(s.events)
		m.remove(s.id)
		metrics.StreamEnded()
	}()

	err := m.dispatcher.DispatchStream(s.ctx, req, sessionSink{s})

	// A stop request claimed the terminal slot; the runner delivers the
	// stopped event so no channel write can race the close below.
	if s.stopRequested() {
		s.deliver(Event{Type: EventStopped, SessionID: s.id, Timestamp: time.Now()})
		return
	}
	if err == nil {
		return
	}

	s.emit(Event{
		Type:      EventError,
		SessionID: s.id,
		Err:       err.Error(),
		Timestamp: time.Now(),
	})
}

// Stop terminates a session: the upstream call is canceled and the
// stopped event follows as the session's only terminal event. Stop
// never writes to the event channel itself, so it returns promptly even
// when the consumer is gone and the buffer is full. Stopping an unknown
// or already finished session is a no-op.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if !s.markStopped() {
		return
	}

	s.cancel()

	slog.Info("stream session stopped", "session_id", id, "tenant_id", s.tenantID)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run sweeps idle sessions until the context is canceled. Sessions
// with no event activity past the idle ceiling are stopped as if the
// client had asked.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var idle []*session
	for _, s := range m.sessions {
		if s.idleSince(now) > m.config.IdleTimeout {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		slog.Warn("stream session idle, stopping", "session_id", s.id, "tenant_id", s.tenantID)
		m.Stop(s.id)
		// A session whose terminal delivery is stuck on a gone consumer
		// is already done, which makes Stop a no-op; the cancel is what
		// unblocks it. Idempotent.
		s.cancel()
	}
}
