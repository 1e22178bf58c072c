// Package health runs the cache consistency check on a cron schedule.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/javi11/metafs/internal/fscache"
)

// WorkerStatus represents the current status of the health worker
type WorkerStatus string

const (
	WorkerStatusStopped  WorkerStatus = "stopped"
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusRunning  WorkerStatus = "running"
	WorkerStatusStopping WorkerStatus = "stopping"
)

// WorkerStats represents statistics about the health worker
type WorkerStats struct {
	Status             WorkerStatus    `json:"status"`
	Schedule           string          `json:"schedule"`
	LastRunTime        *time.Time      `json:"last_run_time,omitempty"`
	NextRunTime        *time.Time      `json:"next_run_time,omitempty"`
	TotalRunsCompleted int64           `json:"total_runs_completed"`
	TotalRepaired      int64           `json:"total_repaired"`
	TotalUnrepaired    int64           `json:"total_unrepaired"`
	LastReport         *fscache.Report `json:"last_report,omitempty"`
}

// Checker is the consistency pass the worker schedules.
type Checker interface {
	CheckAndRepair() fscache.Report
}

// WorkerConfig holds configuration for the health worker
type WorkerConfig struct {
	// Schedule is a standard cron spec or descriptor such as "@every 1h".
	// Empty disables scheduled runs.
	Schedule string
}

// Worker runs CheckAndRepair on a schedule and keeps the outcome of the last
// run for the API.
type Worker struct {
	checker Checker
	config  WorkerConfig
	logger  *slog.Logger

	// Worker state
	status  WorkerStatus
	running bool
	cron    *cron.Cron
	entry   cron.EntryID
	stopCtx context.CancelFunc
	mu      sync.RWMutex

	// Serializes scheduled and manual runs
	runMu sync.Mutex

	stats   WorkerStats
	statsMu sync.RWMutex
}

// NewWorker creates a worker. The schedule is parsed on Start.
func NewWorker(checker Checker, config WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		checker: checker,
		config:  config,
		logger:  logger.With("component", "health-worker"),
		status:  WorkerStatusStopped,
		stats: WorkerStats{
			Status:   WorkerStatusStopped,
			Schedule: config.Schedule,
		},
	}
}

// Start schedules the check. It returns immediately; runs happen on the cron
// goroutine until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("health worker already running")
	}

	if w.config.Schedule == "" {
		w.logger.InfoContext(ctx, "Scheduled consistency checks are disabled in configuration")
		return nil
	}

	w.setStatus(WorkerStatusStarting)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	id, err := c.AddFunc(w.config.Schedule, func() {
		w.RunNow(ctx)
	})
	if err != nil {
		w.setStatus(WorkerStatusStopped)
		return fmt.Errorf("invalid repair schedule %q: %w", w.config.Schedule, err)
	}

	w.cron = c
	w.entry = id
	w.running = true
	c.Start()

	ctx, cancel := context.WithCancel(ctx)
	w.stopCtx = cancel
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()

	w.setStatus(WorkerStatusRunning)
	w.logger.InfoContext(ctx, "Health worker started", "schedule", w.config.Schedule)
	return nil
}

// Stop waits for a run in progress and stops scheduling new ones.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return fmt.Errorf("health worker not running")
	}

	w.setStatus(WorkerStatusStopping)
	w.running = false
	w.stopCtx()
	<-w.cron.Stop().Done()
	w.cron = nil

	w.setStatus(WorkerStatusStopped)
	w.updateStats(func(s *WorkerStats) {
		s.NextRunTime = nil
	})

	w.logger.Info("Health worker stopped")
	return nil
}

// IsRunning returns whether the health worker is currently scheduling runs
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStatus returns the current worker status
func (w *Worker) GetStatus() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() WorkerStats {
	w.mu.RLock()
	if w.running {
		next := w.cron.Entry(w.entry).Next
		if !next.IsZero() {
			w.updateStats(func(s *WorkerStats) {
				s.NextRunTime = &next
			})
		}
	}
	w.mu.RUnlock()

	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

// RunNow runs one consistency pass synchronously and records its report.
func (w *Worker) RunNow(ctx context.Context) fscache.Report {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	report := w.checker.CheckAndRepair()
	now := time.Now()

	w.updateStats(func(s *WorkerStats) {
		s.LastRunTime = &now
		s.TotalRunsCompleted++
		s.TotalRepaired += int64(report.Repaired)
		s.TotalUnrepaired += int64(report.Unrepaired)
		s.LastReport = &report
	})

	if report.OK() {
		w.logger.DebugContext(ctx, "Consistency check finished",
			"report_id", report.ID,
			"nodes", report.NodesScanned,
			"repaired", report.Repaired)
	} else {
		w.logger.ErrorContext(ctx, "Consistency check left violations unrepaired",
			"report_id", report.ID,
			"nodes", report.NodesScanned,
			"repaired", report.Repaired,
			"unrepaired", report.Unrepaired)
	}

	return report
}

func (w *Worker) setStatus(status WorkerStatus) {
	w.status = status
	w.updateStats(func(s *WorkerStats) {
		s.Status = status
	})
}

func (w *Worker) updateStats(updateFunc func(*WorkerStats)) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	updateFunc(&w.stats)
}
