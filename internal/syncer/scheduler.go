// Package syncer keeps the sticker catalog in step with the emote packs of
// every connected chat session. One startup pass waits for sessions to come
// up; a periodic loop re-syncs them. All catalog writes are serialized by a
// single lock shared by both tasks.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memohai/sticker/internal/channel"
)

const (
	DefaultInterval        = 180 * time.Second
	DefaultStartupPoll     = time.Second
	DefaultStartupAttempts = 30
)

// ErrSessionNotReady is returned by SyncOne for sessions still logging in.
var ErrSessionNotReady = errors.New("session not ready")

// Session is a sync target.
type Session interface {
	ID() string
	Kind() channel.ChannelType
	Ready() bool
}

// HasClient is a session that can enumerate its rooms.
type HasClient interface {
	JoinedRooms(ctx context.Context) ([]string, error)
}

// HasMediaSync is a session that imports platform media into the catalog.
// ResetAvailable and SyncUserMedia must be no-ops after their first
// successful call.
type HasMediaSync interface {
	ResetAvailable(ctx context.Context) error
	SyncUserMedia(ctx context.Context) (int, error)
	SyncRoomMedia(ctx context.Context, room string) (int, error)
}

// Source lists the current sessions. *channel.Manager satisfies it.
type Source interface {
	Sessions() []channel.Session
}

// Options configures a Scheduler. Zero values take the defaults.
type Options struct {
	Interval        time.Duration
	StartupPoll     time.Duration
	StartupAttempts int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.StartupPoll <= 0 {
		o.StartupPoll = DefaultStartupPoll
	}
	if o.StartupAttempts <= 0 {
		o.StartupAttempts = DefaultStartupAttempts
	}
	return o
}

// Report summarizes one session sync.
type Report struct {
	Session string `json:"session"`
	Rooms   int    `json:"rooms"`
	Changed int    `json:"changed"`
	Failed  int    `json:"failed"`
}

// sessionState records the one-time steps done for a session.
type sessionState struct {
	reset      bool
	userSynced bool
}

// Scheduler runs catalog syncs.
type Scheduler struct {
	source Source
	opts   Options
	logger *slog.Logger
	lock   chan struct{}

	// guarded by lock
	state map[string]*sessionState

	hookMu   sync.RWMutex
	onSynced []func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// New creates a Scheduler over source.
func New(log *slog.Logger, source Source, opts Options) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		source: source,
		opts:   opts.withDefaults(),
		logger: log.With(slog.String("service", "sticker_sync")),
		lock:   make(chan struct{}, 1),
		state:  map[string]*sessionState{},
	}
}

// OnSynced registers fn to run after any sync that changed the catalog.
func (s *Scheduler) OnSynced(fn func()) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.onSynced = append(s.onSynced, fn)
	s.hookMu.Unlock()
}

func (s *Scheduler) fireSynced() {
	s.hookMu.RLock()
	hooks := append([]func(){}, s.onSynced...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *Scheduler) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) release() {
	<-s.lock
}

// SyncOne syncs one session while holding the shared lock. A failing room
// is logged and counted; the remaining rooms are still synced.
func (s *Scheduler) SyncOne(ctx context.Context, sess Session) (Report, error) {
	report := Report{Session: sess.ID()}
	if err := s.acquire(ctx); err != nil {
		return report, err
	}
	defer s.release()

	if !sess.Ready() {
		return report, ErrSessionNotReady
	}
	media, ok := sess.(HasMediaSync)
	if !ok {
		return report, nil
	}
	log := s.logger.With(slog.String("session", sess.ID()), slog.String("channel", sess.Kind().String()))

	st := s.state[sess.ID()]
	if st == nil {
		st = &sessionState{}
		s.state[sess.ID()] = st
	}
	if !st.reset {
		if err := media.ResetAvailable(ctx); err != nil {
			log.Warn("reset available failed", slog.Any("error", err))
		} else {
			st.reset = true
		}
	}
	if !st.userSynced {
		n, err := media.SyncUserMedia(ctx)
		if err != nil {
			log.Warn("user media sync failed", slog.Any("error", err))
		} else {
			st.userSynced = true
		}
		report.Changed += n
	}

	if client, ok := sess.(HasClient); ok {
		rooms, err := client.JoinedRooms(ctx)
		if err != nil {
			s.notify(report)
			return report, fmt.Errorf("list rooms: %w", err)
		}
		for _, room := range rooms {
			if err := ctx.Err(); err != nil {
				s.notify(report)
				return report, err
			}
			report.Rooms++
			n, err := media.SyncRoomMedia(ctx, room)
			if err != nil {
				report.Failed++
				log.Warn("room sync failed", slog.String("room", room), slog.Any("error", err))
				continue
			}
			report.Changed += n
		}
	}
	s.notify(report)
	log.Debug("session synced", slog.Int("rooms", report.Rooms), slog.Int("changed", report.Changed), slog.Int("failed", report.Failed))
	return report, nil
}

func (s *Scheduler) notify(report Report) {
	if report.Changed > 0 {
		s.fireSynced()
	}
}

// SyncAll syncs every session in order. Sessions that are not ready are
// skipped; other failures are joined into the returned error.
func (s *Scheduler) SyncAll(ctx context.Context) ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for _, sess := range s.source.Sessions() {
		report, err := s.SyncOne(ctx, sess)
		if err != nil {
			if errors.Is(err, ErrSessionNotReady) {
				s.logger.Debug("session not ready, skipped", slog.String("session", sess.ID()))
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return reports, ctxErr
			}
			errs = append(errs, fmt.Errorf("%s: %w", sess.ID(), err))
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

func (s *Scheduler) anyReady() bool {
	for _, sess := range s.source.Sessions() {
		if sess.Ready() {
			return true
		}
	}
	return false
}

// StartupPass waits for the first ready session, then syncs all sessions
// once. If none comes up in time it syncs anyway.
func (s *Scheduler) StartupPass(ctx context.Context) error {
	ready := false
	for attempt := 0; attempt < s.opts.StartupAttempts; attempt++ {
		if s.anyReady() {
			ready = true
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.StartupPoll):
		}
	}
	if !ready {
		s.logger.Warn("no session ready after startup wait, syncing anyway", slog.Int("attempts", s.opts.StartupAttempts))
	}
	if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("startup sync failed", slog.Any("error", err))
	}
	return nil
}

// PeriodicLoop syncs all sessions every Interval until ctx is done.
func (s *Scheduler) PeriodicLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic sync failed", slog.Any("error", err))
			}
		}
	}
}

// Start launches the startup pass and the periodic loop. They outlive ctx
// and run until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.StartupPass(gctx) })
	g.Go(func() error { return s.PeriodicLoop(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	s.cancel = cancel
	s.done = done
	s.logger.Info("sticker sync started", slog.Duration("interval", s.opts.Interval))
	return nil
}

// Stop cancels both tasks and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		s.logger.Info("sticker sync stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
