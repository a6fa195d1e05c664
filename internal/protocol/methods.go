package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Method names recognized on the main channel and engine channels.
const (
	MethodConfigure                = "configure"
	MethodStart                    = "start"
	MethodSendData                 = "sendData"
	MethodIsServiceRunning         = "isServiceRunning"
	MethodSetBackgroundFetchResult = "setBackgroundFetchResult"
	MethodStopService              = "stopService"
	MethodGetForegroundHandler     = "getForegroundHandler"
	MethodGetBackgroundHandler     = "getBackgroundHandler"

	// Host to engine.
	MethodOnReceiveData = "onReceiveData"
	MethodStop          = "stop"
)

var (
	// ErrUnknownMethod is returned for a method outside the recognized schema.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrInvalidArgs is returned when a method's arguments do not match its schema.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Call is a decoded, validated method call. The concrete types below form a
// closed set.
type Call interface {
	Method() string
}

// Configure persists the callback handles and the auto-start flag.
type Configure struct {
	ForegroundHandle *int64 `json:"foreground_handle"`
	BackgroundHandle *int64 `json:"background_handle"`
	AutoStart        bool   `json:"auto_start"`
}

// Start begins the foreground track.
type Start struct{}

// SendData carries an opaque JSON object to the other side.
type SendData struct {
	Payload json.RawMessage
}

// IsServiceRunning queries the foreground track.
type IsServiceRunning struct{}

// SetBackgroundFetchResult reports the result of background work.
type SetBackgroundFetchResult struct {
	Succeeded bool
}

// StopService tears down the foreground track.
type StopService struct{}

// GetForegroundHandler reads the persisted foreground callback handle.
type GetForegroundHandler struct{}

// GetBackgroundHandler reads the persisted background callback handle.
type GetBackgroundHandler struct{}

func (Configure) Method() string                { return MethodConfigure }
func (Start) Method() string                    { return MethodStart }
func (SendData) Method() string                 { return MethodSendData }
func (IsServiceRunning) Method() string         { return MethodIsServiceRunning }
func (SetBackgroundFetchResult) Method() string { return MethodSetBackgroundFetchResult }
func (StopService) Method() string              { return MethodStopService }
func (GetForegroundHandler) Method() string     { return MethodGetForegroundHandler }
func (GetBackgroundHandler) Method() string     { return MethodGetBackgroundHandler }

// DecodeCall validates args against the schema of method and returns the
// typed call.
func DecodeCall(method string, args json.RawMessage) (Call, error) {
	switch method {
	case MethodConfigure:
		var c Configure
		if err := decodeObject(args, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return c, nil
	case MethodStart:
		return Start{}, nil
	case MethodSendData:
		if !isObject(args) {
			return nil, fmt.Errorf("%s: payload must be a JSON object: %w", method, ErrInvalidArgs)
		}
		return SendData{Payload: args}, nil
	case MethodIsServiceRunning:
		return IsServiceRunning{}, nil
	case MethodSetBackgroundFetchResult:
		// A missing result counts as false.
		var ok bool
		if len(bytes.TrimSpace(args)) > 0 {
			if err := json.Unmarshal(args, &ok); err != nil {
				return nil, fmt.Errorf("%s: expected boolean: %w", method, ErrInvalidArgs)
			}
		}
		return SetBackgroundFetchResult{Succeeded: ok}, nil
	case MethodStopService:
		return StopService{}, nil
	case MethodGetForegroundHandler:
		return GetForegroundHandler{}, nil
	case MethodGetBackgroundHandler:
		return GetBackgroundHandler{}, nil
	default:
		return nil, fmt.Errorf("%q: %w", method, ErrUnknownMethod)
	}
}

func decodeObject(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		return nil
	}
	if !isObject(args) {
		return fmt.Errorf("expected JSON object: %w", ErrInvalidArgs)
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidArgs)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
