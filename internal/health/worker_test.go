package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/metafs/internal/fscache"
)

type fakeChecker struct {
	runs       atomic.Int32
	unrepaired int
}

func (f *fakeChecker) CheckAndRepair() fscache.Report {
	f.runs.Add(1)
	return fscache.Report{
		ID:           "report",
		NodesScanned: 3,
		Repaired:     1,
		Unrepaired:   f.unrepaired,
	}
}

func TestWorker_RunNowRecordsReport(t *testing.T) {
	checker := &fakeChecker{unrepaired: 2}
	w := NewWorker(checker, WorkerConfig{}, nil)

	report := w.RunNow(context.Background())
	assert.False(t, report.OK())

	stats := w.GetStats()
	assert.Equal(t, int64(1), stats.TotalRunsCompleted)
	assert.Equal(t, int64(1), stats.TotalRepaired)
	assert.Equal(t, int64(2), stats.TotalUnrepaired)
	require.NotNil(t, stats.LastReport)
	assert.Equal(t, "report", stats.LastReport.ID)
	assert.NotNil(t, stats.LastRunTime)
}

func TestWorker_DisabledSchedule(t *testing.T) {
	w := NewWorker(&fakeChecker{}, WorkerConfig{}, nil)

	require.NoError(t, w.Start(context.Background()))
	assert.False(t, w.IsRunning())
	assert.Equal(t, WorkerStatusStopped, w.GetStatus())
	assert.Error(t, w.Stop())
}

func TestWorker_InvalidSchedule(t *testing.T) {
	w := NewWorker(&fakeChecker{}, WorkerConfig{Schedule: "not a schedule"}, nil)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid repair schedule")
	assert.False(t, w.IsRunning())
}

func TestWorker_ScheduledRuns(t *testing.T) {
	checker := &fakeChecker{}
	w := NewWorker(checker, WorkerConfig{Schedule: "@every 1s"}, nil)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Equal(t, WorkerStatusRunning, w.GetStatus())
	assert.Error(t, w.Start(context.Background()))

	stats := w.GetStats()
	require.NotNil(t, stats.NextRunTime)
	assert.Equal(t, "@every 1s", stats.Schedule)

	assert.Eventually(t, func() bool {
		return checker.runs.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	assert.Equal(t, WorkerStatusStopped, w.GetStatus())
	assert.Nil(t, w.GetStats().NextRunTime)
}

func TestWorker_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(&fakeChecker{}, WorkerConfig{Schedule: "@every 1h"}, nil)

	require.NoError(t, w.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		return !w.IsRunning()
	}, time.Second, 10*time.Millisecond)
}
