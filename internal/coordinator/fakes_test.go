package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/vesper/internal/coordinator"
	"github.com/seantiz/vesper/internal/engine"
	"github.com/seantiz/vesper/internal/model"
)

// peerCall is a call received by the engine end of a fake handle.
type peerCall struct {
	method string
	args   json.RawMessage
}

// fakeHandle is an engine whose far end is driven by the test.
type fakeHandle struct {
	id    string
	spec  engine.Spec
	ch    *engine.Channel
	peer  *engine.Channel
	calls chan peerCall

	done      chan struct{}
	doneOnce  sync.Once
	destroyed atomic.Int32
	log       *eventLog
}

func (h *fakeHandle) ID() string               { return h.id }
func (h *fakeHandle) Channel() *engine.Channel { return h.ch }
func (h *fakeHandle) Done() <-chan struct{}    { return h.done }
func (h *fakeHandle) exit()                    { h.doneOnce.Do(func() { close(h.done) }) }
func (h *fakeHandle) Destroy(_ context.Context) error {
	h.log.add("destroy:" + h.id)
	h.destroyed.Add(1)
	h.ch.Close()
	h.peer.Close()
	h.exit()
	return nil
}

// eventLog records launcher and handle events in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeLauncher hands out fakeHandles connected through net.Pipe.
type fakeLauncher struct {
	mu      sync.Mutex
	fail    error
	handles []*fakeHandle
	log     eventLog

	// deaf engines never read their channel.
	deaf    bool
	// When gate is set, Start signals entered and blocks until gate closes.
	gate    chan struct{}
	entered chan struct{}
}

func (l *fakeLauncher) Start(_ context.Context, spec engine.Spec) (engine.Handle, error) {
	if l.gate != nil {
		l.entered <- struct{}{}
		<-l.gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail != nil {
		l.log.add("start-failed:" + spec.ID)
		return nil, l.fail
	}

	hostConn, engineConn := net.Pipe()
	h := &fakeHandle{
		id:    spec.ID,
		spec:  spec,
		ch:    engine.NewChannel(hostConn),
		peer:  engine.NewChannel(engineConn),
		calls: make(chan peerCall, 16),
		done:  make(chan struct{}),
		log:   &l.log,
	}
	if !l.deaf {
		go h.peer.Serve(context.Background(), func(_ context.Context, method string, args json.RawMessage) (any, error) {
			h.calls <- peerCall{method: method, args: args}
			return nil, nil
		})
	}

	l.log.add("start:" + spec.ID)
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *fakeLauncher) last(t *testing.T) *fakeHandle {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		t.Fatal("no engine was started")
	}
	return l.handles[len(l.handles)-1]
}

var errBootFailed = errors.New("boot failed")

// fakeToken is a TaskToken recording every finalization it receives.
type fakeToken struct {
	id string

	mu       sync.Mutex
	results  []bool
	onExpire func()
}

func newFakeToken(id string) *fakeToken {
	return &fakeToken{id: id}
}

func (t *fakeToken) ID() string { return t.id }

func (t *fakeToken) SetTaskCompleted(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, success)
}

func (t *fakeToken) OnExpire(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// expire fires the installed expiration handler, as the OS would.
func (t *fakeToken) expire() {
	t.mu.Lock()
	fn := t.onExpire
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeToken) finalizations() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.results...)
}

// recordingHandler records calls arriving from engines.
type recordingHandler struct {
	mu    sync.Mutex
	calls []coordinator.Origin
	seen  chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(chan string, 16)}
}

func (h *recordingHandler) HandleEngineCall(_ context.Context, origin coordinator.Origin, method string, _ json.RawMessage) (any, error) {
	h.mu.Lock()
	h.calls = append(h.calls, origin)
	h.mu.Unlock()
	h.seen <- method
	return true, nil
}

// completionRecorder collects outcomes passed to a completion callback.
type completionRecorder struct {
	mu       sync.Mutex
	outcomes []model.Outcome
}

func (r *completionRecorder) fn(outcome model.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *completionRecorder) snapshot() []model.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Outcome(nil), r.outcomes...)
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}
