package channel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/memohai/sticker/internal/media"
)

var (
	// ErrSessionClosed is returned when sending through a closed session.
	ErrSessionClosed  = errors.New("channel session closed")
	ErrUnknownSession = errors.New("unknown session")
)

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type           ChannelType
	DisplayName    string
	Capabilities   Capabilities
	OutboundPolicy OutboundPolicy
}

// Connector is an adapter able to open sessions.
type Connector interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// MediaSource loads sticker bytes for platforms that upload media.
// *media.Fetcher satisfies it.
type MediaSource interface {
	Fetch(ctx context.Context, storageKey, ref string) (media.Payload, error)
}

// Session is one live login on a platform.
type Session interface {
	ID() string
	Kind() ChannelType
	Ready() bool
	Send(ctx context.Context, msg OutboundMessage) error
	Close(ctx context.Context) error
}

// BaseSession carries the identity and readiness shared by adapter sessions.
type BaseSession struct {
	id    string
	kind  ChannelType
	ready atomic.Bool
	stop  func(ctx context.Context) error
}

// NewBaseSession creates a BaseSession for cfg. It starts not ready.
func NewBaseSession(cfg SessionConfig, stop func(ctx context.Context) error) *BaseSession {
	return &BaseSession{id: cfg.ID, kind: cfg.Type, stop: stop}
}

// ID returns the configured session id.
func (s *BaseSession) ID() string { return s.id }

// Kind returns the platform of the session.
func (s *BaseSession) Kind() ChannelType { return s.kind }

// Ready reports whether the session finished its initial handshake.
func (s *BaseSession) Ready() bool { return s.ready.Load() }

// SetReady flips readiness.
func (s *BaseSession) SetReady(ready bool) { s.ready.Store(ready) }

// Close marks the session not ready and runs its stop function.
func (s *BaseSession) Close(ctx context.Context) error {
	s.ready.Store(false)
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}
