package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/containrrr/shoutrrr"

	"github.com/samblam/edgemesh/internal/logger"
)

// NotificationService fans operator alerts out to shoutrrr service URLs
// (slack://, discord://, smtp://, generic+https://...). A nil service or one
// without URLs drops every message.
type NotificationService struct {
	urls []string
	wg   sync.WaitGroup
}

// NewNotificationService keeps the non-empty URLs.
func NewNotificationService(urls []string) *NotificationService {
	s := &NotificationService{}
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			s.urls = append(s.urls, u)
		}
	}
	return s
}

// Enabled reports whether any destination is configured.
func (s *NotificationService) Enabled() bool {
	return s != nil && len(s.urls) > 0
}

// Notify sends in the background. Failures are logged, never returned, so an
// unreachable chat service cannot fail a health report or a revocation.
func (s *NotificationService) Notify(title, message string) {
	if !s.Enabled() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.NotifySync(title, message)
	}()
}

// NotifySync sends to every destination and returns the first error.
func (s *NotificationService) NotifySync(title, message string) error {
	if !s.Enabled() {
		return nil
	}
	msg := fmt.Sprintf("%s\n\n%s", title, message)
	var first error
	for _, u := range s.urls {
		if err := shoutrrr.Send(u, msg); err != nil {
			logger.ForComponent("notify").
				WithField("scheme", scheme(u)).
				WithError(err).
				Warn("failed to send notification")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Wait blocks until background sends finish.
func (s *NotificationService) Wait() {
	if s != nil {
		s.wg.Wait()
	}
}

// scheme returns the service part of a URL so credentials never reach logs.
func scheme(u string) string {
	if i := strings.Index(u, "://"); i > 0 {
		return u[:i]
	}
	return "unknown"
}
