package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a single hook script invocation.
const DefaultScriptTimeout = 30 * time.Second

// StarlarkHandler runs a Starlark script's on_event(event, payload) function
// for each dispatched event. Scripts are sandboxed: no filesystem, no
// network, print routed to the logger, wall-clock timeout enforced.
type StarlarkHandler struct {
	name    string
	path    string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkHandler creates a handler for the script at path. A zero
// timeout uses DefaultScriptTimeout.
func NewStarlarkHandler(path string, timeout time.Duration, logger zerolog.Logger) *StarlarkHandler {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkHandler{
		name:    strings.TrimSuffix(filepath.Base(path), ".star"),
		path:    path,
		timeout: timeout,
		logger:  logger,
	}
}

func (h *StarlarkHandler) Name() string {
	return h.name
}

// Handle executes the script's on_event function with the event name and a
// payload dict. The script is re-read on every invocation so edits take
// effect without a restart.
func (h *StarlarkHandler) Handle(ctx context.Context, event string, payload map[string]interface{}) error {
	script, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("failed to read hook script: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "hook:" + h.name,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Info().Str("hook", h.name).Msg(msg)
		},
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- h.run(thread, string(script), event, payload)
	}()

	select {
	case <-evalCtx.Done():
		// Cancel stops the interpreter; the goroutine drains into the
		// buffered channel.
		thread.Cancel("timeout")
		return fmt.Errorf("hook script %s timed out after %v", h.name, h.timeout)
	case err := <-resultCh:
		return err
	}
}

// run performs the actual Starlark execution synchronously.
func (h *StarlarkHandler) run(thread *starlark.Thread, script, event string, payload map[string]interface{}) error {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"log":    starlark.NewBuiltin("log", h.builtinLog),
	}

	globals, err := starlark.ExecFile(thread, h.path, script, predeclared)
	if err != nil {
		return fmt.Errorf("hook script failed: %w", err)
	}

	fn, ok := globals["on_event"]
	if !ok {
		return fmt.Errorf("hook script %s defines no on_event function", h.name)
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return fmt.Errorf("hook script %s: on_event is not callable", h.name)
	}

	payloadVal, err := toStarlarkValue(payload)
	if err != nil {
		return fmt.Errorf("failed to convert payload: %w", err)
	}

	result, err := starlark.Call(thread, callable, starlark.Tuple{
		starlark.String(event),
		payloadVal,
	}, nil)
	if err != nil {
		return fmt.Errorf("on_event failed: %w", err)
	}

	if result != nil && result != starlark.None {
		goResult, convErr := fromStarlarkValue(result)
		if convErr == nil {
			h.logger.Debug().
				Str("hook", h.name).
				Str("event", event).
				Interface("result", goResult).
				Msg("Hook script returned a value")
		}
	}

	return nil
}

// builtinLog lets scripts emit structured log lines: log("message").
func (h *StarlarkHandler) builtinLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	h.logger.Info().Str("hook", h.name).Msg(msg)
	return starlark.None, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Duration:
		return starlark.String(val.String()), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
