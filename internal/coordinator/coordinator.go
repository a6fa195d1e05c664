package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/vesper/internal/engine"
	"github.com/seantiz/vesper/internal/model"
	"github.com/seantiz/vesper/internal/protocol"
)

// DefaultTeardownTimeout bounds how long a finalizer waits for an engine to
// be destroyed.
const DefaultTeardownTimeout = 10 * time.Second

var (
	// ErrAlreadyRunning is returned by Begin when the track cannot start a
	// new cycle because one is already running or starting.
	ErrAlreadyRunning = errors.New("already running")

	// ErrEngineStart is returned by Begin when the engine could not be started.
	ErrEngineStart = errors.New("engine start failure")

	// ErrNotRunning is returned when an operation needs an active cycle.
	ErrNotRunning = errors.New("track not running")

	// ErrInvalidTrack is returned for a track outside the known set.
	ErrInvalidTrack = errors.New("invalid track")

	// ErrClosed is returned by Begin once Shutdown has started.
	ErrClosed = errors.New("coordinator closed")
)

// TaskToken is an OS-issued, time-bounded grant to keep running.
type TaskToken interface {
	ID() string
	// SetTaskCompleted finalizes the grant. Only the first call counts.
	SetTaskCompleted(success bool)
	// OnExpire installs fn as the expiration handler. If the grant already
	// expired, fn is called right away.
	OnExpire(fn func())
}

// Origin identifies the engine a channel call came from.
type Origin struct {
	Track   model.Track
	CycleID string
}

// EngineHandler answers the calls engines make on their channels.
type EngineHandler interface {
	HandleEngineCall(ctx context.Context, origin Origin, method string, args json.RawMessage) (any, error)
}

// Completion receives the outcome of a cycle. It is called at most once.
type Completion func(model.Outcome)

// Option configures a Begin call.
type Option func(*beginOptions)

type beginOptions struct {
	completion Completion
	token      TaskToken
}

// WithCompletion attaches a single-use completion callback to the cycle.
func WithCompletion(fn Completion) Option {
	return func(o *beginOptions) {
		o.completion = fn
	}
}

// WithTaskToken binds token to the cycle as it is created, so a result
// reported by a fast engine cannot arrive before the token is registered.
func WithTaskToken(token TaskToken) Option {
	return func(o *beginOptions) {
		o.token = token
	}
}

// CycleInfo describes a started cycle.
type CycleInfo struct {
	ID        string    `json:"id"`
	Track     string    `json:"track"`
	EngineID  string    `json:"engine_id"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"started_at"`
}

// TrackStatus is a point-in-time view of a track.
type TrackStatus struct {
	Track       string           `json:"track"`
	State       model.TrackState `json:"state"`
	Running     bool             `json:"running"`
	Cycle       *CycleInfo       `json:"cycle,omitempty"`
	TaskTokenID string           `json:"task_token_id,omitempty"`
}

type cycle struct {
	info       CycleInfo
	track      model.Track
	handle     engine.Handle
	completion Completion
	token      TaskToken
	claimed    bool
}

type slot struct {
	state model.TrackState
	cycle *cycle
}

// Coordinator runs at most one cycle per track.
type Coordinator struct {
	launcher        engine.Launcher
	handler         EngineHandler
	logger          *slog.Logger
	teardownTimeout time.Duration

	mu     sync.Mutex
	slots  [2]slot
	closed bool

	wg sync.WaitGroup
}

// New creates a coordinator with both tracks idle. Calls arriving from
// engines are passed to handler.
func New(launcher engine.Launcher, handler EngineHandler, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		launcher:        launcher,
		handler:         handler,
		logger:          logger,
		teardownTimeout: DefaultTeardownTimeout,
	}
	for i := range c.slots {
		c.slots[i].state = model.StateIdle
	}
	return c
}

// SetTeardownTimeout overrides DefaultTeardownTimeout. The same bound applies
// to requests written to an engine, so an engine that stops reading its
// channel cannot stall Stop or Relay.
func (c *Coordinator) SetTeardownTimeout(d time.Duration) {
	if d > 0 {
		c.teardownTimeout = d
	}
}

// Begin starts a cycle on track. A foreground track that is already running
// returns ErrAlreadyRunning without side effects. A background track that is
// already running is torn down first; the abandoned cycle's completion is
// never invoked. If the engine fails to start the track stays idle and the
// returned error wraps ErrEngineStart.
func (c *Coordinator) Begin(ctx context.Context, track model.Track, reason string, opts ...Option) (CycleInfo, error) {
	if !track.Valid() {
		return CycleInfo{}, fmt.Errorf("begin: %w", ErrInvalidTrack)
	}
	var o beginOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.token != nil && track != model.TrackBackground {
		return CycleInfo{}, fmt.Errorf("begin %s: task tokens are background only: %w", track, ErrInvalidTrack)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return CycleInfo{}, fmt.Errorf("begin %s: %w", track, ErrClosed)
	}
	s := &c.slots[track]
	if s.state == model.StateStarting || (track == model.TrackForeground && s.cycle != nil) {
		c.mu.Unlock()
		cyclesTotal.WithLabelValues(track.String(), resultAlreadyRunning).Inc()
		c.logger.Debug("begin ignored, track already running", "track", track.String(), "reason", reason)
		return CycleInfo{}, ErrAlreadyRunning
	}
	var abandoned *cycle
	if s.cycle != nil {
		abandoned = s.cycle
		c.claimLocked(abandoned)
	}
	s.state = model.StateStarting
	// Shutdown waits for a Begin in flight, so an engine that finishes
	// starting after Shutdown began is still torn down.
	c.wg.Add(1)
	defer c.wg.Done()
	c.mu.Unlock()

	if abandoned != nil {
		c.logger.Warn("restarting background track, previous cycle abandoned",
			"track", track.String(),
			"cycle_id", abandoned.info.ID,
			"reason", reason,
		)
		c.finalize(abandoned, model.FinalizeRestart, model.OutcomeFailure, false)
	}

	info := CycleInfo{
		ID:        model.NewID(),
		Track:     track.String(),
		EngineID:  model.NewID(),
		Reason:    reason,
		StartedAt: time.Now().UTC(),
	}

	start := time.Now()
	h, err := c.launcher.Start(ctx, engine.Spec{
		ID:         info.EngineID,
		Track:      track,
		Entrypoint: track.Entrypoint(),
	})
	engineStartDuration.WithLabelValues(track.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		c.mu.Lock()
		s.state = model.StateIdle
		c.mu.Unlock()

		cyclesTotal.WithLabelValues(track.String(), resultStartFailed).Inc()
		c.logger.Error("engine failed to start", "track", track.String(), "reason", reason, "error", err)
		return CycleInfo{}, fmt.Errorf("begin %s: %w: %w", track, ErrEngineStart, err)
	}

	cyc := &cycle{
		info:       info,
		track:      track,
		handle:     h,
		completion: o.completion,
		token:      o.token,
	}

	c.mu.Lock()
	if c.closed {
		s.state = model.StateIdle
		c.mu.Unlock()

		c.logger.Warn("engine started during shutdown, tearing it down",
			"track", track.String(),
			"engine_id", info.EngineID,
			"reason", reason,
		)
		c.destroy(h, info)
		cyclesTotal.WithLabelValues(track.String(), resultStartFailed).Inc()
		return CycleInfo{}, fmt.Errorf("begin %s: %w", track, ErrClosed)
	}
	s.cycle = cyc
	s.state = model.StateRunning
	// Counted before any finalizer can see the cycle and decrement.
	activeEngines.WithLabelValues(track.String()).Inc()
	c.wg.Go(func() { c.serve(cyc) })
	c.wg.Go(func() { c.watch(cyc) })
	c.mu.Unlock()

	cyclesTotal.WithLabelValues(track.String(), resultStarted).Inc()

	c.logger.Info("cycle started",
		"track", track.String(),
		"cycle_id", info.ID,
		"engine_id", info.EngineID,
		"reason", reason,
	)
	if o.token != nil {
		o.token.OnExpire(func() {
			c.expire(cyc, o.token)
		})
	}
	return info, nil
}

// RegisterTaskToken attaches an OS task token to the running background
// cycle and installs its expiration watcher. A token registered while another
// is pending replaces it; the replaced token is finalized as failed.
func (c *Coordinator) RegisterTaskToken(token TaskToken) error {
	c.mu.Lock()
	cyc := c.slots[model.TrackBackground].cycle
	if cyc == nil {
		c.mu.Unlock()
		return fmt.Errorf("register task token %s: %w", token.ID(), ErrNotRunning)
	}
	replaced := cyc.token
	cyc.token = token
	c.mu.Unlock()

	if replaced != nil && replaced != token {
		replaced.SetTaskCompleted(false)
	}

	token.OnExpire(func() {
		c.expire(cyc, token)
	})

	c.logger.Debug("task token registered", "cycle_id", cyc.info.ID, "token_id", token.ID())
	return nil
}

// expire is the expiration watcher of token on cyc.
func (c *Coordinator) expire(cyc *cycle, token TaskToken) {
	c.mu.Lock()
	if cyc.token != token || !c.claimLocked(cyc) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Warn("task token expired before completion",
		"track", cyc.track.String(),
		"cycle_id", cyc.info.ID,
		"token_id", token.ID(),
	)
	c.finalize(cyc, model.FinalizeExpire, model.OutcomeFailure, true)
}

// Complete finalizes the current cycle on track with the application's
// result. It reports false when the track has no active cycle.
func (c *Coordinator) Complete(track model.Track, succeeded bool) bool {
	return c.completeMatching(track, "", succeeded)
}

// CompleteCycle is Complete restricted to the cycle with the given ID, so a
// late message from a torn-down engine cannot finalize its successor.
func (c *Coordinator) CompleteCycle(track model.Track, cycleID string, succeeded bool) bool {
	return c.completeMatching(track, cycleID, succeeded)
}

func (c *Coordinator) completeMatching(track model.Track, cycleID string, succeeded bool) bool {
	if !track.Valid() {
		return false
	}
	c.mu.Lock()
	cyc := c.slots[track].cycle
	if cyc == nil || (cycleID != "" && cyc.info.ID != cycleID) || !c.claimLocked(cyc) {
		c.mu.Unlock()
		c.logger.Debug("stale completion ignored", "track", track.String(), "cycle_id", cycleID)
		return false
	}
	c.mu.Unlock()

	c.finalize(cyc, model.FinalizeComplete, model.OutcomeFor(succeeded), true)
	return true
}

// Stop asks the engine on track to stop and tears it down. A pending
// completion is resolved as failed. It reports false when the track is idle.
func (c *Coordinator) Stop(track model.Track) bool {
	if !track.Valid() {
		return false
	}
	c.mu.Lock()
	cyc := c.slots[track].cycle
	if cyc == nil || !c.claimLocked(cyc) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if err := c.invoke(cyc, protocol.MethodStop, nil); err != nil {
		c.logger.Debug("stop request not delivered", "cycle_id", cyc.info.ID, "error", err)
	}
	c.finalize(cyc, model.FinalizeStop, model.OutcomeFailure, true)
	return true
}

// Relay forwards payload to the engine on track as onReceiveData. Payloads
// for an idle track are dropped and Relay reports false. So is a payload the
// engine does not read within the teardown timeout; that engine's channel is
// closed.
func (c *Coordinator) Relay(track model.Track, payload json.RawMessage) bool {
	if !track.Valid() {
		return false
	}
	c.mu.Lock()
	cyc := c.slots[track].cycle
	c.mu.Unlock()

	if cyc == nil {
		relayDroppedTotal.WithLabelValues(track.String()).Inc()
		return false
	}
	if err := c.invoke(cyc, protocol.MethodOnReceiveData, payload); err != nil {
		relayDroppedTotal.WithLabelValues(track.String()).Inc()
		c.logger.Debug("relay dropped", "track", track.String(), "cycle_id", cyc.info.ID, "error", err)
		return false
	}
	return true
}

// IsRunning reports whether track currently holds an engine.
func (c *Coordinator) IsRunning(track model.Track) bool {
	if !track.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[track].cycle != nil
}

// Status returns a snapshot of track.
func (c *Coordinator) Status(track model.Track) TrackStatus {
	st := TrackStatus{Track: track.String(), State: model.StateIdle}
	if !track.Valid() {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slots[track]
	st.State = s.state
	if s.cycle != nil {
		info := s.cycle.info
		st.Running = true
		st.Cycle = &info
		if s.cycle.token != nil {
			st.TaskTokenID = s.cycle.token.ID()
		}
	}
	return st
}

// Shutdown stops both tracks and waits for every engine goroutine to return.
// Begin fails with ErrClosed afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, track := range model.Tracks {
		c.Stop(track)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}
}

// claimLocked marks cyc as finalized and frees its track. It reports false if
// cyc is no longer the track's current cycle or was already claimed.
// c.mu must be held.
func (c *Coordinator) claimLocked(cyc *cycle) bool {
	s := &c.slots[cyc.track]
	if cyc.claimed || s.cycle != cyc {
		return false
	}
	cyc.claimed = true
	s.cycle = nil
	s.state = model.StateIdle
	return true
}

// finalize resolves the claimed cycle: completion first, then the task token,
// then engine teardown. Only the claimant of cyc may call it.
func (c *Coordinator) finalize(cyc *cycle, reason model.FinalizeReason, outcome model.Outcome, invoke bool) {
	if invoke && cyc.completion != nil {
		cyc.completion(outcome)
	}
	if cyc.token != nil {
		cyc.token.SetTaskCompleted(outcome == model.OutcomeSuccess)
	}

	c.destroy(cyc.handle, cyc.info)

	outcomeLabel := string(outcome)
	if !invoke {
		outcomeLabel = outcomeAbandoned
	}
	activeEngines.WithLabelValues(cyc.track.String()).Dec()
	finalizationsTotal.WithLabelValues(cyc.track.String(), string(reason), outcomeLabel).Inc()

	c.logger.Info("cycle finalized",
		"track", cyc.track.String(),
		"cycle_id", cyc.info.ID,
		"engine_id", cyc.info.EngineID,
		"finalize_reason", string(reason),
		"outcome", outcomeLabel,
		"duration_ms", time.Since(cyc.info.StartedAt).Milliseconds(),
	)
}

// invoke writes a request to the cycle's engine within the teardown timeout.
// An engine that does not read in time loses its channel.
func (c *Coordinator) invoke(cyc *cycle, method string, args any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout)
	defer cancel()
	return cyc.handle.Channel().InvokeContext(ctx, method, args)
}

// destroy tears down an engine within the teardown timeout.
func (c *Coordinator) destroy(h engine.Handle, info CycleInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout)
	defer cancel()
	if err := h.Destroy(ctx); err != nil {
		c.logger.Error("engine teardown failed", "cycle_id", info.ID, "engine_id", info.EngineID, "error", err)
	}
}

// serve runs the engine channel's read loop, routing calls to the handler
// tagged with the cycle they came from.
func (c *Coordinator) serve(cyc *cycle) {
	origin := Origin{Track: cyc.track, CycleID: cyc.info.ID}
	err := cyc.handle.Channel().Serve(context.Background(), func(ctx context.Context, method string, args json.RawMessage) (any, error) {
		if c.handler == nil {
			return nil, fmt.Errorf("%q: %w", method, protocol.ErrUnknownMethod)
		}
		return c.handler.HandleEngineCall(ctx, origin, method, args)
	})
	if err != nil {
		c.logger.Warn("engine channel closed with error", "cycle_id", cyc.info.ID, "error", err)
	}
}

// watch finalizes the cycle if its engine exits before any other finalizer
// claims it.
func (c *Coordinator) watch(cyc *cycle) {
	<-cyc.handle.Done()

	c.mu.Lock()
	claimed := c.claimLocked(cyc)
	c.mu.Unlock()
	if !claimed {
		return
	}

	c.logger.Warn("engine exited before the cycle was finalized",
		"track", cyc.track.String(),
		"cycle_id", cyc.info.ID,
		"engine_id", cyc.info.EngineID,
	)
	c.finalize(cyc, model.FinalizeExit, model.OutcomeFailure, true)
}
