// Package alerts routes operational notifications to configured sinks.
// Delivery is best effort and asynchronous; a down sink never blocks the
// trading path.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
)

// Severity orders alerts for sink filtering.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	Severity  Severity
	Component string
	Title     string
	Body      string
	At        time.Time
}

// Sink delivers alerts somewhere external.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

// Manager fans alerts out to sinks from a single background worker. The
// queue is bounded; when a sink backs up, new alerts are dropped and counted
// rather than stalling callers.
type Manager struct {
	sinks []Sink
	queue chan Alert
	log   zerolog.Logger

	mu      sync.Mutex
	dropped int64

	done chan struct{}
}

const queueDepth = 128

// NewManager builds a manager over the given sinks. Call Run to start
// delivery and Close to drain on shutdown.
func NewManager(sinks ...Sink) *Manager {
	return &Manager{
		sinks: sinks,
		queue: make(chan Alert, queueDepth),
		log:   config.NewLogger("alerts"),
		done:  make(chan struct{}),
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.queue:
			m.deliver(ctx, a)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, a Alert) {
	for _, s := range m.sinks {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.Deliver(dctx, a)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Str("sink", s.Name()).Str("title", a.Title).
				Msg("alert delivery failed")
		}
	}
}

// Notify enqueues an alert without blocking.
func (m *Manager) Notify(severity Severity, component, title, body string) {
	a := Alert{
		Severity:  severity,
		Component: component,
		Title:     title,
		Body:      body,
		At:        time.Now().UTC(),
	}
	select {
	case m.queue <- a:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.log.Warn().Str("title", title).Msg("alert queue full, dropping")
	}
}

// Notifyf is Notify with a formatted body.
func (m *Manager) Notifyf(severity Severity, component, title, format string, args ...any) {
	m.Notify(severity, component, title, fmt.Sprintf(format, args...))
}

// Dropped returns the count of alerts discarded due to backpressure.
func (m *Manager) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
