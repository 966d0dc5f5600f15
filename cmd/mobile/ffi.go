// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libagentx.so (Android) / agentx.framework (iOS)
// with -buildmode=c-shared or c-archive.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"sync"
	"unsafe"

	"github.com/kimhsiao/agentx/backend/internal/app"
)

var (
	lastErr string
	lastMu  sync.RWMutex
)

//export Init
// Init opens the sync core and starts background sync. configPath may be
// empty; dataDir and remoteURL override the config when non-empty.
// Returns 0 on success, -1 on failure (see GetLastError).
func Init(configPath, dataDir, remoteURL *C.char) int32 {
	err := initCore(C.GoString(configPath), C.GoString(dataDir), C.GoString(remoteURL), app.Options{})
	if err != nil {
		setLastError(err)
		return -1
	}
	return 0
}

//export Cleanup
// Cleanup stops background sync and closes the database.
func Cleanup() {
	if err := closeCore(); err != nil {
		setLastError(err)
	}
}

//export GetLastError
// GetLastError returns the last error as {"code","message"} JSON.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()

	return C.CString(lastErr)
}

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = errorJSON(err)
}

// call runs fn against the open core and returns its result as a JSON C
// string, or nil with the last error set.
func call(fn func(ctx context.Context, b *bridge) (any, error)) *C.char {
	b, err := current()
	if err != nil {
		setLastError(err)
		return nil
	}
	v, err := fn(context.Background(), b)
	if err != nil {
		setLastError(err)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(err)
		return nil
	}
	return C.CString(string(data))
}

//export FreeString
// FreeString frees a C string returned by this library.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {
	// Required for c-shared build mode; never executed as a library.
}
