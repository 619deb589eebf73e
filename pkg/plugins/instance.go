package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// Lifecycle export names a plugin wasm binary must provide. rollback is
// optional; the loader only advertises rollback support when it is present.
const (
	exportValidate  = "validate"
	exportConfigure = "configure"
	exportVerify    = "verify"
	exportRollback  = "rollback"
)

// stageRequest is the JSON payload passed to a lifecycle export.
type stageRequest struct {
	Stage  string `json:"stage"`
	DryRun bool   `json:"dry_run"`
}

// stageResponse is the JSON payload a lifecycle export returns. An empty
// response counts as success; otherwise ok must be true.
type stageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Instance wraps one instantiated plugin module. Lifecycle exports follow
// the packed-pointer convention: fn(input_ptr, input_len) -> u64 with the
// result pointer in the upper 32 bits and its length in the lower 32, both
// referring to guest memory allocated through the guest's own malloc/free.
type Instance struct {
	name      string
	mod       api.Module
	memory    api.Memory
	malloc    api.Function
	free      api.Function
	validate  api.Function
	configure api.Function
	verify    api.Function
	rollback  api.Function
	timeout   time.Duration
}

// newInstance resolves the plugin's required exports.
func newInstance(name string, mod api.Module, timeout time.Duration) (*Instance, error) {
	i := &Instance{
		name:    name,
		mod:     mod,
		timeout: timeout,
	}

	i.memory = mod.Memory()
	if i.memory == nil {
		return nil, fmt.Errorf("wasm module does not export memory")
	}

	i.malloc = mod.ExportedFunction("malloc")
	if i.malloc == nil {
		return nil, fmt.Errorf("wasm module does not export malloc")
	}
	i.free = mod.ExportedFunction("free")
	if i.free == nil {
		return nil, fmt.Errorf("wasm module does not export free")
	}

	i.validate = mod.ExportedFunction(exportValidate)
	if i.validate == nil {
		return nil, fmt.Errorf("wasm module does not export %s", exportValidate)
	}
	i.configure = mod.ExportedFunction(exportConfigure)
	if i.configure == nil {
		return nil, fmt.Errorf("wasm module does not export %s", exportConfigure)
	}
	i.verify = mod.ExportedFunction(exportVerify)
	if i.verify == nil {
		return nil, fmt.Errorf("wasm module does not export %s", exportVerify)
	}

	i.rollback = mod.ExportedFunction(exportRollback)

	return i, nil
}

// HasRollback reports whether the plugin exports a rollback function.
func (i *Instance) HasRollback() bool {
	return i.rollback != nil
}

// CallStage invokes one lifecycle export with the stage envelope.
func (i *Instance) CallStage(ctx context.Context, stage string, dryRun bool) error {
	var fn api.Function
	switch stage {
	case exportValidate:
		fn = i.validate
	case exportConfigure:
		fn = i.configure
	case exportVerify:
		fn = i.verify
	case exportRollback:
		fn = i.rollback
	default:
		return fmt.Errorf("unknown plugin stage %q", stage)
	}
	if fn == nil {
		return fmt.Errorf("plugin %s does not export %s", i.name, stage)
	}

	input, err := json.Marshal(stageRequest{Stage: stage, DryRun: dryRun})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", stage, err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	output, err := i.call(ctx, fn, input)
	if err != nil {
		return fmt.Errorf("plugin %s %s failed: %w", i.name, stage, err)
	}

	if err := decodeStageResponse(output); err != nil {
		return fmt.Errorf("plugin %s %s failed: %w", i.name, stage, err)
	}
	return nil
}

// call runs one packed-pointer export: allocate and write the input in guest
// memory, invoke, then read back and free the result buffer.
func (i *Instance) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := i.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer i.deallocate(ctx, ptr)

		if !i.memory.Write(ptr, input) {
			return nil, fmt.Errorf("failed to write input to wasm memory")
		}
		inputPtr = ptr
		inputLen = uint32(len(input))
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("wasm call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("wasm call returned no result")
	}

	outputPtr, outputLen := splitPacked(results[0])
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := i.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read result from wasm memory")
	}

	// Read returns a view into guest memory; copy before freeing it.
	output := append([]byte(nil), view...)
	i.deallocate(ctx, outputPtr)

	return output, nil
}

// allocate reserves size bytes in guest memory via the guest's malloc.
func (i *Instance) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := i.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned no memory")
	}
	return uint32(results[0]), nil
}

// deallocate returns a guest buffer. A failing free is not actionable once
// the data has been read, so the error is dropped.
func (i *Instance) deallocate(ctx context.Context, ptr uint32) {
	_, _ = i.free.Call(ctx, uint64(ptr))
}

// Close releases the plugin module.
func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// splitPacked unpacks a (ptr << 32 | len) result value.
func splitPacked(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

// decodeStageResponse interprets a lifecycle export's JSON reply.
func decodeStageResponse(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var resp stageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("invalid plugin response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return errors.New("plugin reported failure")
	}
	return nil
}
