// Package relay implements the method-call surfaces between the application
// and the lifecycle coordinator: the main channel used by the application and
// the engine channels used by running engines.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/vesper/internal/coordinator"
	"github.com/seantiz/vesper/internal/engine"
	"github.com/seantiz/vesper/internal/model"
	"github.com/seantiz/vesper/internal/protocol"
	"github.com/seantiz/vesper/internal/settings"
)

// Begin reasons recorded on cycles started through the main channel.
const (
	ReasonConfigure = "configure"
	ReasonStart     = "start"
)

// Compile-time interface satisfaction check.
var _ coordinator.EngineHandler = (*Plugin)(nil)

// Plugin owns the coordinator, the settings store and the event broker.
type Plugin struct {
	store  settings.Store
	coord  *coordinator.Coordinator
	broker *EventBroker
	logger *slog.Logger
}

// NewPlugin creates a plugin whose coordinator starts engines with launcher
// and routes their calls back to the plugin.
func NewPlugin(store settings.Store, launcher engine.Launcher, logger *slog.Logger) *Plugin {
	p := &Plugin{
		store:  store,
		broker: NewEventBroker(),
		logger: logger,
	}
	p.coord = coordinator.New(launcher, p, logger)
	return p
}

// Coordinator returns the plugin's lifecycle coordinator.
func (p *Plugin) Coordinator() *coordinator.Coordinator {
	return p.coord
}

// Broker returns the broker carrying onReceiveData events to the main channel.
func (p *Plugin) Broker() *EventBroker {
	return p.broker
}

// Settings returns the settings store.
func (p *Plugin) Settings() settings.Store {
	return p.store
}

// HandleMainCall answers a method call from the application's main channel.
func (p *Plugin) HandleMainCall(ctx context.Context, method string, args json.RawMessage) (any, error) {
	result, err := p.handleMain(ctx, method, args)
	mainCallsTotal.WithLabelValues(metricMethod(method), callResult(err)).Inc()
	if err != nil {
		p.logger.Warn("main channel call failed", "method", method, "error", err)
	}
	return result, err
}

func (p *Plugin) handleMain(ctx context.Context, method string, args json.RawMessage) (any, error) {
	call, err := protocol.DecodeCall(method, args)
	if err != nil {
		return nil, err
	}

	switch c := call.(type) {
	case protocol.Configure:
		return p.configure(ctx, c)
	case protocol.Start:
		return p.beginForeground(ctx, ReasonStart)
	case protocol.SendData:
		return p.coord.Relay(model.TrackForeground, c.Payload), nil
	case protocol.IsServiceRunning:
		return p.coord.IsRunning(model.TrackForeground), nil
	case protocol.SetBackgroundFetchResult:
		return p.coord.Complete(model.TrackBackground, c.Succeeded), nil
	case protocol.StopService:
		return p.coord.Stop(model.TrackForeground), nil
	default:
		return nil, fmt.Errorf("%q on main channel: %w", method, protocol.ErrUnknownMethod)
	}
}

// configure persists the settings and, when auto-start is set, begins the
// foreground track.
func (p *Plugin) configure(ctx context.Context, c protocol.Configure) (any, error) {
	s := model.Settings{
		ForegroundHandle: c.ForegroundHandle,
		BackgroundHandle: c.BackgroundHandle,
		AutoStart:        c.AutoStart,
	}
	if err := p.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	p.logger.Info("settings saved",
		"foreground_handle", handleAttr(s.ForegroundHandle),
		"background_handle", handleAttr(s.BackgroundHandle),
		"auto_start", s.AutoStart,
	)

	if s.AutoStart {
		if _, err := p.beginForeground(ctx, ReasonConfigure); err != nil {
			return nil, err
		}
	}
	return true, nil
}

// beginForeground begins the foreground track. It reports false when the
// track was already running.
func (p *Plugin) beginForeground(ctx context.Context, reason string) (bool, error) {
	_, err := p.coord.Begin(ctx, model.TrackForeground, reason)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		return false, nil
	default:
		return false, err
	}
}

// HandleEngineCall answers a method call from a running engine.
func (p *Plugin) HandleEngineCall(ctx context.Context, origin coordinator.Origin, method string, args json.RawMessage) (any, error) {
	result, err := p.handleEngine(ctx, origin, method, args)
	engineCallsTotal.WithLabelValues(origin.Track.String(), metricMethod(method), callResult(err)).Inc()
	if err != nil {
		p.logger.Warn("engine call failed",
			"track", origin.Track.String(),
			"cycle_id", origin.CycleID,
			"method", method,
			"error", err,
		)
	}
	return result, err
}

func (p *Plugin) handleEngine(ctx context.Context, origin coordinator.Origin, method string, args json.RawMessage) (any, error) {
	call, err := protocol.DecodeCall(method, args)
	if err != nil {
		return nil, err
	}

	switch c := call.(type) {
	case protocol.GetForegroundHandler:
		s, err := p.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		return s.ForegroundHandle, nil
	case protocol.GetBackgroundHandler:
		s, err := p.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		return s.BackgroundHandle, nil
	case protocol.SendData:
		p.broker.Publish(Event{
			Track:   origin.Track.String(),
			CycleID: origin.CycleID,
			Payload: c.Payload,
		})
		return nil, nil
	case protocol.SetBackgroundFetchResult:
		// Only the background cycle that is still current can be completed.
		return p.coord.CompleteCycle(model.TrackBackground, origin.CycleID, c.Succeeded), nil
	case protocol.StopService:
		return p.coord.Stop(model.TrackForeground), nil
	default:
		return nil, fmt.Errorf("%q on engine channel: %w", method, protocol.ErrUnknownMethod)
	}
}

// Shutdown stops both tracks and closes every event subscription.
func (p *Plugin) Shutdown(ctx context.Context) error {
	err := p.coord.Shutdown(ctx)
	p.broker.Close()
	return err
}

// metricMethod bounds the method label to the known schema.
func metricMethod(method string) string {
	switch method {
	case protocol.MethodConfigure, protocol.MethodStart, protocol.MethodSendData,
		protocol.MethodIsServiceRunning, protocol.MethodSetBackgroundFetchResult,
		protocol.MethodStopService, protocol.MethodGetForegroundHandler,
		protocol.MethodGetBackgroundHandler:
		return method
	default:
		return "unknown"
	}
}

func handleAttr(h *int64) any {
	if h == nil {
		return nil
	}
	return *h
}
