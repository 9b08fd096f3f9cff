package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	for i, e := range []Event{
		{At: base, Camera: "front", Kind: KindMonitorReload, Reason: "stalled", Success: true},
		{At: base.Add(time.Second), Camera: "yard", Kind: KindStreamRestart, Reason: "exited", Success: true},
		{At: base.Add(2 * time.Second), Camera: "front", Kind: KindEscalation, Detail: "retry_count=3", Success: false},
	} {
		id, err := s.Record(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}

	all, err := s.Recent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, KindEscalation, all[0].Kind)

	front, err := s.Recent(ctx, 10, "front")
	require.NoError(t, err)
	want := []Event{
		{ID: 3, At: base.Add(2 * time.Second), Camera: "front", Kind: KindEscalation, Detail: "retry_count=3"},
		{ID: 1, At: base, Camera: "front", Kind: KindMonitorReload, Reason: "stalled", Success: true},
	}
	if diff := cmp.Diff(want, front, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("Recent mismatch (-want +got):\n%s", diff)
	}

	one, err := s.Recent(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestPrune(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now()
	_, err := s.Record(ctx, Event{At: now.Add(-40 * 24 * time.Hour), Camera: "front", Kind: KindRecovery})
	require.NoError(t, err)
	_, err = s.Record(ctx, Event{At: now, Camera: "front", Kind: KindRecovery})
	require.NoError(t, err)

	n, err := s.Prune(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Recent(ctx, 0, "")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestRecordAsync(t *testing.T) {
	s := openTest(t)
	s.RecordAsync(Event{Camera: "front", Kind: KindRecorder, Reason: "restart", Success: true})
	s.asyncWG.Wait()

	events, err := s.Recent(context.Background(), 10, "front")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.WithinDuration(t, time.Now(), events[0].At, 5*time.Second)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Event{Camera: "front", Kind: KindRecovery})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	events, err := s.Recent(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
