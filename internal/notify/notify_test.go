package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertText(t *testing.T) {
	a := Alert{Level: LevelCritical, Title: "Camera Offline", Camera: "front", Detail: "Manual intervention required"}
	assert.Equal(t, "🚨 *Camera Offline*\nCamera: `front`\nManual intervention required", a.Text())
	assert.Equal(t, "✅ *Recovered*", Alert{Title: "Recovered"}.Text())
}

func TestSlackPostsWebhook(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var msg slackMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		got = append(got, msg.Text)
		mu.Unlock()
	}))
	defer srv.Close()

	s := NewSlack(srv.URL)
	s.Notify(context.Background(), Alert{Level: LevelWarning, Title: "Disk Usage WARNING"})
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"⚠️ *Disk Usage WARNING*"}, got)
}

func TestSlackSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlack(srv.URL).Send(context.Background(), "hi")
	assert.ErrorContains(t, err, "status 403")
}

func TestSlackWithoutWebhookOnlyLogs(t *testing.T) {
	s := NewSlack("")
	s.Notify(context.Background(), Alert{Title: "noop"})
	s.Wait()
}
