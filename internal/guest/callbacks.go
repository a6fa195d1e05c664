package guest

import (
	"context"
	"sync"
	"time"
)

// Callback is application code run inside an engine.
type Callback func(ctx context.Context, rt *Runtime) error

// Callbacks maps callback handle IDs to callbacks.
type Callbacks struct {
	mu sync.RWMutex
	m  map[int64]Callback
}

// NewCallbacks creates an empty callback table.
func NewCallbacks() *Callbacks {
	return &Callbacks{m: make(map[int64]Callback)}
}

// Register stores cb under id.
func (c *Callbacks) Register(id int64, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = cb
}

// Lookup returns the callback registered under id.
func (c *Callbacks) Lookup(id int64) (Callback, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cb, ok := c.m[id]
	return cb, ok
}

// Handles of the callbacks shipped with the vesper binary.
const (
	HeartbeatHandle int64 = 1
	RefreshHandle   int64 = 2
)

const heartbeatInterval = 5 * time.Second

// Builtins returns the callback table shipped with the vesper binary.
func Builtins() *Callbacks {
	cb := NewCallbacks()
	cb.Register(HeartbeatHandle, Heartbeat(heartbeatInterval))
	cb.Register(RefreshHandle, Refresh)
	return cb
}

// Heartbeat sends a numbered beat to the main channel every interval until
// the engine is stopped.
func Heartbeat(interval time.Duration) Callback {
	return func(ctx context.Context, rt *Runtime) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for beat := 1; ; beat++ {
			if err := rt.SendData(map[string]any{
				"heartbeat": beat,
				"at":        time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

// Refresh announces a refresh on the main channel and reports success.
func Refresh(_ context.Context, rt *Runtime) error {
	if err := rt.SendData(map[string]any{
		"refreshed_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return rt.SetBackgroundFetchResult(true)
}
