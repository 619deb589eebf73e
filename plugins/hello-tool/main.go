// Command hello-tool is the example workstation plugin. It installs
// nothing real; it exercises the full plugin ABI: lifecycle exports driven
// by JSON envelopes, host logging, and config lookup under
// modules.hello-tool.*.
//
// Build as a WASI reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o hello-tool.wasm .
package main

import (
	"encoding/json"
	"unsafe"
)

// Host functions provided by the installer runtime.
//
//go:wasmimport env log
func hostLog(level, ptr, size uint32)

//go:wasmimport env config_get
func hostConfigGet(keyPtr, keyLen, outPtr, outCap uint32) uint32

// Log levels understood by the host.
const (
	levelDebug uint32 = 0
	levelInfo  uint32 = 1
	levelWarn  uint32 = 2
	levelError uint32 = 3
)

// configMiss is what config_get returns for an absent key.
const configMiss = ^uint32(0)

// request is the stage envelope the host sends.
type request struct {
	Stage  string `json:"stage"`
	DryRun bool   `json:"dry_run"`
}

// response is the reply envelope the host expects.
type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// configured tracks whether configure ran, so verify can check it.
var configured bool

// buffers pins malloc'd blocks while the host owns them. The Go collector
// must not reclaim a block between malloc and free.
var buffers = map[uint32][]byte{}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	buffers[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(buffers, ptr)
}

//go:wasmexport validate
func validate(ptr, size uint32) uint64 {
	req, errReply := parseRequest(ptr, size)
	if errReply != 0 {
		return errReply
	}

	greeting := configString("greeting", "hello")
	if greeting == "" {
		return fail("greeting must not be empty")
	}

	logMsg(levelDebug, "hello-tool validated, stage="+req.Stage)
	return ok()
}

//go:wasmexport configure
func configure(ptr, size uint32) uint64 {
	req, errReply := parseRequest(ptr, size)
	if errReply != 0 {
		return errReply
	}

	greeting := configString("greeting", "hello")
	if req.DryRun {
		logMsg(levelInfo, "dry-run: would log greeting "+greeting)
		return ok()
	}

	logMsg(levelInfo, greeting+" from hello-tool")
	configured = true
	return ok()
}

//go:wasmexport verify
func verify(ptr, size uint32) uint64 {
	req, errReply := parseRequest(ptr, size)
	if errReply != 0 {
		return errReply
	}

	if req.DryRun {
		return ok()
	}
	if !configured {
		return fail("configure has not run")
	}
	return ok()
}

//go:wasmexport rollback
func rollback(ptr, size uint32) uint64 {
	if _, errReply := parseRequest(ptr, size); errReply != 0 {
		return errReply
	}

	configured = false
	logMsg(levelWarn, "hello-tool rolled back")
	return ok()
}

// parseRequest decodes the stage envelope. The second return value is a
// non-zero packed error reply when decoding failed.
func parseRequest(ptr, size uint32) (request, uint64) {
	var req request
	if err := json.Unmarshal(readMem(ptr, size), &req); err != nil {
		return req, fail("invalid request: " + err.Error())
	}
	return req, 0
}

func ok() uint64 {
	return reply(response{OK: true})
}

func fail(msg string) uint64 {
	return reply(response{Error: msg})
}

// reply allocates the JSON response in a pinned buffer and packs its
// location. The host reads it and calls free.
func reply(resp response) uint64 {
	data, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	ptr := malloc(uint32(len(data)))
	if ptr == 0 {
		return 0
	}
	copy(buffers[ptr], data)
	return uint64(ptr)<<32 | uint64(len(data))
}

// readMem views a host-provided region of linear memory.
func readMem(ptr, size uint32) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), int(size))
}

// configString fetches a plugin setting, falling back to def when the key
// is absent or not a string.
func configString(key, def string) string {
	raw, found := configGet(key)
	if !found {
		return def
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return def
	}
	return s
}

// configGet fetches the JSON-encoded value of one setting, growing the
// buffer when the first call reports a longer value.
func configGet(key string) ([]byte, bool) {
	out := make([]byte, 256)
	n := rawConfigGet(key, out)
	if n == configMiss {
		return nil, false
	}
	if int(n) > len(out) {
		out = make([]byte, n)
		if rawConfigGet(key, out) != n {
			return nil, false
		}
	}
	return out[:n], true
}

func rawConfigGet(key string, out []byte) uint32 {
	keyBytes := []byte(key)
	return hostConfigGet(
		uint32(uintptr(unsafe.Pointer(&keyBytes[0]))), uint32(len(keyBytes)),
		uint32(uintptr(unsafe.Pointer(&out[0]))), uint32(len(out)),
	)
}

func logMsg(level uint32, msg string) {
	if msg == "" {
		return
	}
	b := []byte(msg)
	hostLog(level, uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b)))
}

// main is required to link; a reactor build never calls it.
func main() {}
