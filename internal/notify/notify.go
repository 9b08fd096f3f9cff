// Package notify delivers operator alerts to a Slack incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

// Level orders alert severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "info"
	}
}

func (l Level) emoji() string {
	switch l {
	case LevelWarning:
		return "⚠️"
	case LevelCritical:
		return "🚨"
	default:
		return "✅"
	}
}

// Alert is one operator notification.
type Alert struct {
	Level  Level
	Title  string
	Camera string
	Detail string
}

// Text renders the alert as Slack mrkdwn.
func (a Alert) Text() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s *%s*", a.Level.emoji(), a.Title)
	if a.Camera != "" {
		fmt.Fprintf(&b, "\nCamera: `%s`", a.Camera)
	}
	if a.Detail != "" {
		fmt.Fprintf(&b, "\n%s", a.Detail)
	}
	return b.String()
}

// Notifier sends alerts. Implementations must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Slack posts alerts to a webhook in the background. With an empty webhook
// alerts are only logged.
type Slack struct {
	webhook string
	client  *http.Client
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewSlack creates a Slack notifier.
func NewSlack(webhook string) *Slack {
	return &Slack{
		webhook: webhook,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  cclog.WithComponent("notify"),
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

// Notify logs the alert and posts it without waiting for delivery.
func (s *Slack) Notify(ctx context.Context, a Alert) {
	ev := s.logger.Info()
	if a.Level >= LevelWarning {
		ev = s.logger.Warn()
	}
	ev.Str(cclog.FieldEvent, "notify.alert").
		Str("level", a.Level.String()).
		Str(cclog.FieldCamera, a.Camera).
		Msg(a.Title)

	if s.webhook == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Send(ctx, a.Text()); err != nil {
			s.logger.Error().Err(err).Msg("failed to send Slack alert")
		}
	}()
}

// Send posts text synchronously.
func (s *Slack) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until queued deliveries finish.
func (s *Slack) Wait() { s.wg.Wait() }

// Discard drops every alert.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Alert) {}
