// Package host adapts application lifecycle events and OS task-scheduler
// callbacks into coordinator operations.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/vesper/internal/coordinator"
	"github.com/seantiz/vesper/internal/model"
)

// RefreshTaskID is the identifier of the periodic refresh task.
const RefreshTaskID = "dev.vesper.background.refresh"

// Defaults for Options.
const (
	DefaultRefreshDelay  = 15 * time.Minute
	DefaultFetchInterval = 15 * time.Minute
)

// Begin reasons recorded on cycles started by the adapter.
const (
	ReasonLaunch = "launch"
	ReasonFetch  = "fetch"
	ReasonTask   = "task"
)

// Lifecycle is the subset of the coordinator the adapter drives.
type Lifecycle interface {
	Begin(ctx context.Context, track model.Track, reason string, opts ...coordinator.Option) (coordinator.CycleInfo, error)
}

// SettingsLoader reads the persisted settings.
type SettingsLoader interface {
	Load(ctx context.Context) (model.Settings, error)
}

// Options configures an Adapter.
type Options struct {
	// RefreshDelay is how far out the next refresh task is requested.
	RefreshDelay time.Duration
	// FetchInterval is the period of fetch opportunities driven by Run.
	// Zero disables them.
	FetchInterval time.Duration
}

// Adapter turns host lifecycle events into coordinator operations.
type Adapter struct {
	lifecycle Lifecycle
	settings  SettingsLoader
	scheduler *Scheduler
	logger    *slog.Logger
	opts      Options
}

// NewAdapter creates an adapter. A non-positive RefreshDelay uses
// DefaultRefreshDelay.
func NewAdapter(lc Lifecycle, settings SettingsLoader, scheduler *Scheduler, logger *slog.Logger, opts Options) *Adapter {
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	return &Adapter{
		lifecycle: lc,
		settings:  settings,
		scheduler: scheduler,
		logger:    logger,
		opts:      opts,
	}
}

// Scheduler returns the task scheduler the adapter registers with.
func (a *Adapter) Scheduler() *Scheduler {
	return a.scheduler
}

// OnAppLaunch registers the refresh task and, when auto-start is persisted,
// begins the foreground track. It reports whether a foreground cycle began.
func (a *Adapter) OnAppLaunch(ctx context.Context) (bool, error) {
	a.scheduler.Register(RefreshTaskID, a.OnScheduledTaskOpportunity)

	s, err := a.settings.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}
	if !s.AutoStart {
		return false, nil
	}

	_, err = a.lifecycle.Begin(ctx, model.TrackForeground, ReasonLaunch)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		return false, nil
	default:
		return false, fmt.Errorf("auto-start foreground: %w", err)
	}
}

// OnAppBackground requests the next refresh task.
func (a *Adapter) OnAppBackground(_ context.Context) (Request, error) {
	return a.scheduleRefresh()
}

func (a *Adapter) scheduleRefresh() (Request, error) {
	req := Request{
		Identifier:    RefreshTaskID,
		EarliestBegin: time.Now().UTC().Add(a.opts.RefreshDelay),
	}
	if err := a.scheduler.Submit(req); err != nil {
		return Request{}, fmt.Errorf("schedule refresh: %w", err)
	}
	return req, nil
}

// OnFetchOpportunity begins the background track with completion. If the
// engine cannot start, completion receives OutcomeFailure right away.
func (a *Adapter) OnFetchOpportunity(ctx context.Context, completion coordinator.Completion) (coordinator.CycleInfo, error) {
	info, err := a.lifecycle.Begin(ctx, model.TrackBackground, ReasonFetch, coordinator.WithCompletion(completion))
	if err != nil {
		a.logger.Error("fetch opportunity could not begin", "error", err)
		if completion != nil {
			completion(model.OutcomeFailure)
		}
		return coordinator.CycleInfo{}, err
	}
	return info, nil
}

// OnScheduledTaskOpportunity requests the following refresh, then begins the
// background track bound to task. If the engine cannot start, task is
// completed as failed.
func (a *Adapter) OnScheduledTaskOpportunity(ctx context.Context, task *Task) {
	if _, err := a.scheduleRefresh(); err != nil {
		a.logger.Warn("next refresh not scheduled", "task_id", task.ID(), "error", err)
	}

	if _, err := a.lifecycle.Begin(ctx, model.TrackBackground, ReasonTask, coordinator.WithTaskToken(task)); err != nil {
		a.logger.Error("scheduled task could not begin", "task_id", task.ID(), "error", err)
		task.SetTaskCompleted(false)
	}
}

// Run delivers a fetch opportunity every FetchInterval until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	if a.opts.FetchInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(a.opts.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			started := time.Now()
			a.OnFetchOpportunity(ctx, func(outcome model.Outcome) {
				a.logger.Info("fetch completed",
					"outcome", string(outcome),
					"duration_ms", time.Since(started).Milliseconds(),
				)
			})
		}
	}
}
