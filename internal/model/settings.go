package model

import "time"

// Settings keys persisted by the settings store.
const (
	KeyForegroundHandle = "foreground_callback_handle"
	KeyBackgroundHandle = "background_callback_handle"
	KeyAutoStart        = "auto_start"
)

// Settings holds the durable service configuration written by configure and
// read back on relaunch.
type Settings struct {
	ForegroundHandle *int64    `json:"foreground_handle,omitempty"`
	BackgroundHandle *int64    `json:"background_handle,omitempty"`
	AutoStart        bool      `json:"auto_start"`
	UpdatedAt        time.Time `json:"updated_at,omitzero"`
}
