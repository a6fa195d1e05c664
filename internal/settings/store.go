// Package settings persists the service configuration written by configure:
// the two callback handles and the auto-start flag.
package settings

import (
	"context"
	"fmt"
	"strconv"

	"github.com/seantiz/vesper/internal/model"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Store defines the persistence operations for settings. A store that has
// never been written returns zero Settings.
type Store interface {
	Load(ctx context.Context) (model.Settings, error)
	Save(ctx context.Context, s model.Settings) error
	Close() error
}

// Open opens the store for driver at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(path)
	case DriverBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown settings driver %q", driver)
	}
}

// encode flattens s into the persisted key/value pairs. A nil handle is
// stored as an empty value.
func encode(s model.Settings) map[string]string {
	return map[string]string{
		model.KeyForegroundHandle: formatHandle(s.ForegroundHandle),
		model.KeyBackgroundHandle: formatHandle(s.BackgroundHandle),
		model.KeyAutoStart:        strconv.FormatBool(s.AutoStart),
	}
}

// decode rebuilds Settings from persisted key/value pairs. Missing keys keep
// their zero value.
func decode(kv map[string]string) (model.Settings, error) {
	var s model.Settings
	var err error
	if s.ForegroundHandle, err = parseHandle(kv[model.KeyForegroundHandle]); err != nil {
		return model.Settings{}, fmt.Errorf("decode %s: %w", model.KeyForegroundHandle, err)
	}
	if s.BackgroundHandle, err = parseHandle(kv[model.KeyBackgroundHandle]); err != nil {
		return model.Settings{}, fmt.Errorf("decode %s: %w", model.KeyBackgroundHandle, err)
	}
	if v := kv[model.KeyAutoStart]; v != "" {
		if s.AutoStart, err = strconv.ParseBool(v); err != nil {
			return model.Settings{}, fmt.Errorf("decode %s: %w", model.KeyAutoStart, err)
		}
	}
	return s, nil
}

func formatHandle(h *int64) string {
	if h == nil {
		return ""
	}
	return strconv.FormatInt(*h, 10)
}

func parseHandle(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
