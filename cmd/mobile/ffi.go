// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libinvoicesync.so (Android) / invoicesync.framework (iOS)
// All exported functions use C calling convention and can be called from Dart FFI.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"sync"
	"unsafe"

	"github.com/kimhsiao/invoicesync/internal/app"
	"github.com/kimhsiao/invoicesync/internal/errors"
)

var (
	mu      sync.Mutex
	current *bridge
	lastErr string
	lastMu  sync.RWMutex
)

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}

//export Init
// Init opens the invoice store under dataDir and starts background sync.
// configPath may be empty. Returns 0 on success, -1 on error (see GetLastError).
func Init(configPath, dataDir *C.char) C.int {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return 0
	}

	b, err := openBridge(C.GoString(configPath), C.GoString(dataDir), app.Options{})
	if err != nil {
		setLastError(err)
		return -1
	}
	current = b
	return 0
}

//export Cleanup
// Cleanup stops background sync and closes the store.
func Cleanup() {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return
	}
	if err := current.close(); err != nil {
		setLastError(err)
	}
	current = nil
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export GetLastErrorCode
// GetLastErrorCode returns the code of the last error, e.g. NOT_FOUND.
// Returns a C string that must be freed by the caller.
func GetLastErrorCode() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastCode)
}

var lastCode string

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err.Error()
	lastCode = string(errors.CodeOf(err))
}

func active() *bridge {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		setLastError(errors.New(errors.ErrInternal, "invoicesync not initialized"))
	}
	return current
}

// call runs fn against the active bridge and converts the JSON result.
func call(fn func(b *bridge) (string, error)) *C.char {
	b := active()
	if b == nil {
		return nil
	}
	out, err := fn(b)
	if err != nil {
		setLastError(err)
		return nil
	}
	return C.CString(out)
}

// =====================================================
// Invoice Operations
// =====================================================

//export CreateInvoice
// CreateInvoice records a queued invoice from {"customerName":..,"items":[..]}.
// Returns the record as JSON that must be freed by the caller.
func CreateInvoice(requestJSON *C.char) *C.char {
	req := C.GoString(requestJSON)
	return call(func(b *bridge) (string, error) {
		return b.createInvoice(context.Background(), req)
	})
}

//export ListInvoices
// ListInvoices lists invoices. filter is "", "due" or a status name.
// Returns JSON that must be freed by the caller.
func ListInvoices(filter *C.char) *C.char {
	f := C.GoString(filter)
	return call(func(b *bridge) (string, error) {
		return b.listInvoices(context.Background(), f)
	})
}

//export RetryInvoice
// RetryInvoice requeues a failed invoice.
// Returns the record as JSON that must be freed by the caller.
func RetryInvoice(id *C.char) *C.char {
	invoiceID := C.GoString(id)
	return call(func(b *bridge) (string, error) {
		return b.retryInvoice(context.Background(), invoiceID)
	})
}

// =====================================================
// Sync Operations
// =====================================================

//export RunSyncPass
// RunSyncPass runs a manual pass and blocks until it ends. Call it off the UI thread.
// Returns {"result":..,"summary":..} as JSON that must be freed by the caller.
func RunSyncPass() *C.char {
	return call(func(b *bridge) (string, error) {
		return b.runSyncPass(context.Background())
	})
}

//export GetSyncStatus
// GetSyncStatus returns store, reachability and scheduler status as JSON.
func GetSyncStatus() *C.char {
	return call(func(b *bridge) (string, error) {
		return b.status(context.Background())
	})
}

//export PollEvents
// PollEvents returns and clears the queued pass and reachability events as a JSON array.
func PollEvents() *C.char {
	return call(func(b *bridge) (string, error) {
		return b.pollEvents()
	})
}

//export SetRemoteToken
// SetRemoteToken stores the endpoint bearer token; an empty token removes it.
// Returns 0 on success, -1 on error.
func SetRemoteToken(token *C.char) C.int {
	b := active()
	if b == nil {
		return -1
	}
	if err := b.app.SetToken(context.Background(), C.GoString(token)); err != nil {
		setLastError(err)
		return -1
	}
	return 0
}

// =====================================================
// Reachability
// =====================================================

//export IsReachable
// IsReachable returns 1 when the network is believed reachable, 0 otherwise.
func IsReachable() C.int {
	b := active()
	if b == nil || !b.app.Monitor.IsReachable() {
		return 0
	}
	return 1
}

//export ForceCheckReachability
// ForceCheckReachability probes now and returns 1 when reachable.
func ForceCheckReachability() C.int {
	b := active()
	if b == nil || !b.app.Monitor.ForceCheck(context.Background()) {
		return 0
	}
	return 1
}

//export NotifyConnectivityChanged
// NotifyConnectivityChanged forwards the OS connectivity callback (1 connected, 0 not).
func NotifyConnectivityChanged(connected C.int) {
	b := active()
	if b == nil {
		return
	}
	b.app.Monitor.NotifyOSChange(context.Background(), connected != 0)
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
