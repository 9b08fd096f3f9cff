package main

import (
	"fmt"
	"time"

	"github.com/mmuteeullah/CoreCam/internal/history"
	"github.com/mmuteeullah/CoreCam/internal/monitor"
	"github.com/mmuteeullah/CoreCam/internal/recovery"
	"github.com/mmuteeullah/CoreCam/internal/statusfeed"
)

// eventSink fans component hooks out to the history store and the status
// feed. All methods are safe to call from component goroutines.
type eventSink struct {
	store *history.Store
	feed  *statusfeed.Hub
}

func (s *eventSink) streamRestarted(id, cause string, count int, delay time.Duration) {
	now := time.Now()
	s.store.RecordAsync(history.Event{
		At:      now,
		Camera:  id,
		Kind:    history.KindStreamRestart,
		Reason:  cause,
		Detail:  fmt.Sprintf("restart %d after %s", count, delay),
		Success: true,
	})
	s.feed.Publish(statusfeed.Message{
		Type:   statusfeed.TypeEvent,
		Camera: id,
		Status: "Stream restarting",
		Reason: cause,
		At:     now,
	})
}

func (s *eventSink) monitorEvent(e monitor.Event) {
	kind := ""
	success := e.Err == nil
	switch e.Kind {
	case monitor.EventReload:
		kind = history.KindMonitorReload
	case monitor.EventMediaRecovery:
		kind = history.KindMonitorRecovery
	case monitor.EventEscalate:
		kind = history.KindEscalation
	case monitor.EventEscalateFailed:
		kind = history.KindEscalation
		success = false
	}

	if kind != "" {
		detail := fmt.Sprintf("retry %d", e.RetryCount)
		if e.Err != nil {
			detail = e.Err.Error()
		}
		s.store.RecordAsync(history.Event{
			At:      e.At,
			Camera:  e.Camera,
			Kind:    kind,
			Reason:  e.Reason,
			Detail:  detail,
			Success: success,
		})
	}
	s.feed.Publish(statusfeed.Message{
		Type:   statusfeed.TypeEvent,
		Camera: e.Camera,
		Status: string(e.Kind),
		Reason: e.Reason,
		At:     e.At,
	})
}

func (s *eventSink) monitorStatus(id, status string) {
	s.feed.Publish(statusfeed.Message{
		Type:   statusfeed.TypeStatus,
		Camera: id,
		Status: status,
		At:     time.Now(),
	})
}

func (s *eventSink) recoveryAction(a recovery.Action) {
	detail := ""
	if a.Err != nil {
		detail = a.Err.Error()
	}
	s.store.RecordAsync(history.Event{
		At:      a.At,
		Camera:  a.Camera,
		Kind:    history.KindRecovery,
		Reason:  a.Action,
		Detail:  detail,
		Success: a.Success,
	})
	s.feed.Publish(statusfeed.Message{
		Type:   statusfeed.TypeEvent,
		Camera: a.Camera,
		Status: "Recovery: " + a.Action,
		At:     a.At,
	})
}
