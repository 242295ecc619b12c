package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/healthcheck"
)

const checkTypeChannelSession = "channel.session"

// SessionObserver lists the connected sessions. *channel.Manager satisfies it.
type SessionObserver interface {
	Sessions() []channel.Session
}

// Checker reports whether each chat session finished logging in.
type Checker struct {
	logger   *slog.Logger
	observer SessionObserver
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, observer SessionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		observer: observer,
	}
}

// ListChecks returns one check per session.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelSession + ".service",
				Type:    checkTypeChannelSession,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel manager is not available.",
				Detail:  "session observer is nil",
			},
		}
	}

	sessions := c.observer.Sessions()
	if len(sessions) == 0 {
		return []healthcheck.CheckResult{}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Kind() == sessions[j].Kind() {
			return sessions[i].ID() < sessions[j].ID()
		}
		return sessions[i].Kind() < sessions[j].Kind()
	})

	checks := make([]healthcheck.CheckResult, 0, len(sessions))
	for idx, session := range sessions {
		channelType := strings.TrimSpace(session.Kind().String())
		if channelType == "" {
			channelType = "unknown"
		}
		item := healthcheck.CheckResult{
			ID:       buildCheckID(session.ID(), idx),
			Type:     checkTypeChannelSession,
			Subtitle: buildSubtitle(channelType, session.ID()),
			Status:   healthcheck.StatusError,
			Summary:  fmt.Sprintf("Channel %s session is not ready.", channelType),
			Metadata: map[string]any{
				"session_id":   session.ID(),
				"channel_type": channelType,
				"ready":        session.Ready(),
			},
		}
		if session.Ready() {
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Channel %s is connected.", channelType)
		}
		checks = append(checks, item)
	}
	return checks
}

func buildCheckID(sessionID string, idx int) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		return checkTypeChannelSession + "." + sessionID
	}
	return fmt.Sprintf("%s.unknown_%d", checkTypeChannelSession, idx+1)
}

func buildSubtitle(channelType, sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return channelType
	}
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return channelType + " (" + sessionID + ")"
}
