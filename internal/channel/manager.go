package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/sticker/internal/message"
)

// Manager owns connected sessions and routes outbound messages to them.
type Manager struct {
	registry *Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session
	order    []string
}

// NewManager creates a Manager over registry.
func NewManager(log *slog.Logger, registry *Registry) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry: registry,
		sessions: map[string]Session{},
		logger:   log.With(slog.String("component", "channel")),
	}
}

// Connect opens a session for every config. A failed session is logged and
// skipped; the joined error reports all failures.
func (m *Manager) Connect(ctx context.Context, configs []SessionConfig) error {
	var errs []error
	for _, cfg := range configs {
		if err := m.connectOne(ctx, cfg); err != nil {
			m.logger.Error("session connect failed",
				slog.String("session", cfg.ID),
				slog.String("channel", cfg.Type.String()),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", cfg.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) connectOne(ctx context.Context, cfg SessionConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	connector, ok := m.registry.GetConnector(cfg.Type)
	if !ok {
		return fmt.Errorf("unsupported channel type: %s", cfg.Type)
	}
	session, err := connector.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	return m.Add(session)
}

// Add registers an already connected session.
func (m *Manager) Add(session Session) error {
	if session == nil {
		return fmt.Errorf("session is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := session.ID()
	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("session already connected: %s", id)
	}
	m.sessions[id] = session
	m.order = append(m.order, id)
	m.logger.Info("session connected", slog.String("session", id), slog.String("channel", session.Kind().String()))
	return nil
}

// Sessions returns every session in connection order.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		items = append(items, m.sessions[id])
	}
	return items
}

// Session returns the session with id.
func (m *Manager) Session(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[strings.TrimSpace(id)]
	return s, ok
}

// Capabilities returns the capabilities of the session's platform.
func (m *Manager) Capabilities(sessionID string) (Capabilities, bool) {
	session, ok := m.Session(sessionID)
	if !ok {
		return Capabilities{}, false
	}
	return m.registry.GetCapabilities(session.Kind())
}

// Bind returns a sender fixed to one session and target.
func (m *Manager) Bind(sessionID, target string) *BoundSender {
	return NewBoundSender(m, sessionID, target)
}

// Send delivers segments to target through session sessionID.
func (m *Manager) Send(ctx context.Context, sessionID, target string, segments []message.Segment, reply message.ReplyRef) error {
	session, ok := m.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("target is required")
	}
	policy := m.resolveOutboundPolicy(session.Kind())
	msg := OutboundMessage{
		Target:   target,
		Segments: chunkSegments(segments, policy),
		Reply:    reply,
	}
	if msg.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	if caps, ok := m.registry.GetCapabilities(session.Kind()); ok {
		if err := validateCapabilities(caps, msg); err != nil {
			return err
		}
		if !caps.Reply {
			msg.Reply = message.ReplyRef{}
		}
	}
	m.logger.Debug("send outbound", slog.String("channel", session.Kind().String()), slog.String("session", sessionID))
	if err := m.sendWithRetry(ctx, session, msg, policy); err != nil {
		m.logger.Error("send outbound failed", slog.String("channel", session.Kind().String()), slog.String("session", sessionID), slog.Any("error", err))
		return err
	}
	return nil
}

func (m *Manager) resolveOutboundPolicy(channelType ChannelType) OutboundPolicy {
	policy, ok := m.registry.GetOutboundPolicy(channelType)
	if !ok {
		policy = OutboundPolicy{}
	}
	return NormalizeOutboundPolicy(policy)
}

// Shutdown closes every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.sessions = map[string]Session{}
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("session close failed", slog.String("session", s.ID()), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
