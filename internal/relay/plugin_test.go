package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/vesper/internal/coordinator"
	"github.com/seantiz/vesper/internal/engine"
	"github.com/seantiz/vesper/internal/guest"
	"github.com/seantiz/vesper/internal/model"
	"github.com/seantiz/vesper/internal/protocol"
	"github.com/seantiz/vesper/internal/settings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestPlugin wires a plugin to an in-memory settings store and in-process
// engines running callbacks.
func newTestPlugin(t *testing.T, callbacks *guest.Callbacks) *Plugin {
	t.Helper()
	logger := testLogger()

	store, err := settings.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	reg := engine.NewRegistry()
	guest.RegisterEntrypoints(reg, callbacks, logger)
	p := NewPlugin(store, engine.NewFuncLauncher(reg, logger), logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		store.Close()
	})
	return p
}

// blockingCallback signals started and runs until the engine is stopped.
func blockingCallback(started chan<- struct{}) guest.Callback {
	return func(ctx context.Context, rt *guest.Runtime) error {
		started <- struct{}{}
		<-ctx.Done()
		return nil
	}
}

func call(t *testing.T, p *Plugin, method, args string) any {
	t.Helper()
	var raw json.RawMessage
	if args != "" {
		raw = json.RawMessage(args)
	}
	result, err := p.HandleMainCall(context.Background(), method, raw)
	if err != nil {
		t.Fatalf("%s(%s): %v", method, args, err)
	}
	return result
}

func waitSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestConfigureAutoStart(t *testing.T) {
	started := make(chan struct{}, 1)
	callbacks := guest.NewCallbacks()
	callbacks.Register(42, blockingCallback(started))
	p := newTestPlugin(t, callbacks)

	got := call(t, p, protocol.MethodConfigure, `{"foreground_handle":42,"background_handle":99,"auto_start":true}`)
	if got != true {
		t.Errorf("configure = %v, want true", got)
	}

	s, err := p.Settings().Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ForegroundHandle == nil || *s.ForegroundHandle != 42 ||
		s.BackgroundHandle == nil || *s.BackgroundHandle != 99 || !s.AutoStart {
		t.Errorf("persisted settings = %+v, want 42/99/true", s)
	}

	if !p.Coordinator().IsRunning(model.TrackForeground) {
		t.Fatal("foreground not running after configure with auto_start")
	}
	if call(t, p, protocol.MethodIsServiceRunning, "") != true {
		t.Error("isServiceRunning = false, want true")
	}

	// The engine resolved handle 42 through getForegroundHandler.
	waitSignal(t, started, "foreground callback")
}

func TestConfigureWithoutAutoStart(t *testing.T) {
	p := newTestPlugin(t, guest.NewCallbacks())

	call(t, p, protocol.MethodConfigure, `{"foreground_handle":1,"auto_start":false}`)
	if p.Coordinator().IsRunning(model.TrackForeground) {
		t.Error("foreground running after configure without auto_start")
	}
}

func TestStartTwiceReportsAlreadyRunning(t *testing.T) {
	started := make(chan struct{}, 1)
	callbacks := guest.NewCallbacks()
	callbacks.Register(1, blockingCallback(started))
	p := newTestPlugin(t, callbacks)

	call(t, p, protocol.MethodConfigure, `{"foreground_handle":1}`)
	if got := call(t, p, protocol.MethodStart, ""); got != true {
		t.Fatalf("first start = %v, want true", got)
	}
	before := p.Coordinator().Status(model.TrackForeground).Cycle.ID

	if got := call(t, p, protocol.MethodStart, ""); got != false {
		t.Errorf("second start = %v, want false", got)
	}
	if after := p.Coordinator().Status(model.TrackForeground).Cycle.ID; after != before {
		t.Errorf("cycle changed from %s to %s on second start", before, after)
	}
}

func TestStopService(t *testing.T) {
	started := make(chan struct{}, 1)
	callbacks := guest.NewCallbacks()
	callbacks.Register(1, blockingCallback(started))
	p := newTestPlugin(t, callbacks)

	call(t, p, protocol.MethodConfigure, `{"foreground_handle":1,"auto_start":true}`)
	waitSignal(t, started, "foreground callback")

	if got := call(t, p, protocol.MethodStopService, ""); got != true {
		t.Errorf("stopService = %v, want true", got)
	}
	if p.Coordinator().IsRunning(model.TrackForeground) {
		t.Error("foreground still running after stopService")
	}
	if got := call(t, p, protocol.MethodStopService, ""); got != false {
		t.Errorf("second stopService = %v, want false", got)
	}
}

func TestMainSendDataReachesForegroundEngine(t *testing.T) {
	ready := make(chan struct{}, 1)
	received := make(chan json.RawMessage, 1)
	callbacks := guest.NewCallbacks()
	callbacks.Register(1, func(ctx context.Context, rt *guest.Runtime) error {
		rt.OnData(func(payload json.RawMessage) { received <- payload })
		ready <- struct{}{}
		<-ctx.Done()
		return nil
	})
	p := newTestPlugin(t, callbacks)

	// Idle track: dropped.
	if got := call(t, p, protocol.MethodSendData, `{"x":0}`); got != false {
		t.Errorf("sendData to idle track = %v, want false", got)
	}

	call(t, p, protocol.MethodConfigure, `{"foreground_handle":1,"auto_start":true}`)
	waitSignal(t, ready, "foreground callback")

	if got := call(t, p, protocol.MethodSendData, `{"x":1}`); got != true {
		t.Errorf("sendData = %v, want true", got)
	}
	if payload := waitSignal(t, received, "onReceiveData"); string(payload) != `{"x":1}` {
		t.Errorf("engine received %s", payload)
	}
}

func TestBackgroundRefreshPublishesAndCompletes(t *testing.T) {
	callbacks := guest.NewCallbacks()
	callbacks.Register(guest.RefreshHandle, guest.Refresh)
	p := newTestPlugin(t, callbacks)

	events, unsub := p.Broker().Subscribe()
	defer unsub()

	call(t, p, protocol.MethodConfigure, `{"background_handle":2}`)

	outcomes := make(chan model.Outcome, 1)
	_, err := p.Coordinator().Begin(context.Background(), model.TrackBackground, "fetch",
		coordinator.WithCompletion(func(o model.Outcome) { outcomes <- o }))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	ev := waitSignal(t, events, "refresh event")
	if ev.Track != "background" || ev.Seq == 0 || ev.CycleID == "" {
		t.Errorf("event = %+v", ev)
	}

	if o := waitSignal(t, outcomes, "completion"); o != model.OutcomeSuccess {
		t.Errorf("outcome = %q, want %q", o, model.OutcomeSuccess)
	}
	if p.Coordinator().IsRunning(model.TrackBackground) {
		t.Error("background still running after completion")
	}
}

func TestMainSetBackgroundFetchResult(t *testing.T) {
	started := make(chan struct{}, 1)
	callbacks := guest.NewCallbacks()
	callbacks.Register(5, blockingCallback(started))
	p := newTestPlugin(t, callbacks)

	call(t, p, protocol.MethodConfigure, `{"background_handle":5}`)

	outcomes := make(chan model.Outcome, 1)
	if _, err := p.Coordinator().Begin(context.Background(), model.TrackBackground, "fetch",
		coordinator.WithCompletion(func(o model.Outcome) { outcomes <- o })); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitSignal(t, started, "background callback")

	if got := call(t, p, protocol.MethodSetBackgroundFetchResult, "false"); got != true {
		t.Errorf("setBackgroundFetchResult = %v, want true", got)
	}
	if o := waitSignal(t, outcomes, "completion"); o != model.OutcomeNoData {
		t.Errorf("outcome = %q, want %q", o, model.OutcomeNoData)
	}
	if got := call(t, p, protocol.MethodSetBackgroundFetchResult, "true"); got != false {
		t.Errorf("stale setBackgroundFetchResult = %v, want false", got)
	}
}

func TestEngineStopServiceStopsForeground(t *testing.T) {
	callbacks := guest.NewCallbacks()
	callbacks.Register(1, func(ctx context.Context, rt *guest.Runtime) error {
		return rt.StopService()
	})
	p := newTestPlugin(t, callbacks)

	call(t, p, protocol.MethodConfigure, `{"foreground_handle":1,"auto_start":true}`)

	deadline := time.Now().Add(3 * time.Second)
	for p.Coordinator().IsRunning(model.TrackForeground) {
		if time.Now().After(deadline) {
			t.Fatal("foreground still running after engine stopService")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForegroundEngineCannotCompleteBackground(t *testing.T) {
	started := make(chan struct{}, 1)
	callbacks := guest.NewCallbacks()
	callbacks.Register(5, blockingCallback(started))
	p := newTestPlugin(t, callbacks)

	call(t, p, protocol.MethodConfigure, `{"background_handle":5}`)
	if _, err := p.Coordinator().Begin(context.Background(), model.TrackBackground, "fetch"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	waitSignal(t, started, "background callback")

	origin := coordinator.Origin{Track: model.TrackForeground, CycleID: "not-the-background-cycle"}
	got, err := p.HandleEngineCall(context.Background(), origin, protocol.MethodSetBackgroundFetchResult, json.RawMessage("true"))
	if err != nil {
		t.Fatalf("HandleEngineCall: %v", err)
	}
	if got != false {
		t.Errorf("result = %v, want false", got)
	}
	if !p.Coordinator().IsRunning(model.TrackBackground) {
		t.Error("background cycle finalized by a foreign engine")
	}
}

func TestMainCallSchemaErrors(t *testing.T) {
	p := newTestPlugin(t, guest.NewCallbacks())
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		args   string
		want   error
	}{
		{"unknown method", "reboot", "", protocol.ErrUnknownMethod},
		{"engine-only method", protocol.MethodGetForegroundHandler, "", protocol.ErrUnknownMethod},
		{"configure unknown field", protocol.MethodConfigure, `{"autoStart":true}`, protocol.ErrInvalidArgs},
		{"configure not object", protocol.MethodConfigure, `[1]`, protocol.ErrInvalidArgs},
		{"sendData not object", protocol.MethodSendData, `"hi"`, protocol.ErrInvalidArgs},
		{"fetch result not bool", protocol.MethodSetBackgroundFetchResult, `"yes"`, protocol.ErrInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args json.RawMessage
			if tt.args != "" {
				args = json.RawMessage(tt.args)
			}
			_, err := p.HandleMainCall(ctx, tt.method, args)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEngineCallRejectsMainOnlyMethods(t *testing.T) {
	p := newTestPlugin(t, guest.NewCallbacks())
	origin := coordinator.Origin{Track: model.TrackForeground, CycleID: "c1"}

	for _, method := range []string{protocol.MethodConfigure, protocol.MethodStart, protocol.MethodIsServiceRunning} {
		if _, err := p.HandleEngineCall(context.Background(), origin, method, nil); !errors.Is(err, protocol.ErrUnknownMethod) {
			t.Errorf("%s error = %v, want ErrUnknownMethod", method, err)
		}
	}
}
