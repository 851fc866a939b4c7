// Package testutil provides an in-process fake of the remote invoice endpoint.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kimhsiao/invoicesync/internal/models"
)

// StoredInvoice is an invoice the fake endpoint has accepted.
type StoredInvoice struct {
	ServerID     string
	Key          string
	CustomerName string
	Items        []models.LineItem
}

// Call records one request to POST /invoices.
type Call struct {
	Key           string
	Authorization string
	Status        int // 0 when the response was dropped
}

type fault struct {
	status    int
	lose      bool // accept, then drop the connection
	malformed bool // accept, then return an unusable 2xx body
}

// FakeEndpoint de-duplicates by Idempotency-Key like the real server.
type FakeEndpoint struct {
	Server *httptest.Server

	mu      sync.Mutex
	byKey   map[string]*StoredInvoice
	calls   []Call
	faults  map[string][]fault
	always  int
	status  string
	token   string
	hold    chan struct{}
	arrived chan string
	nextID  int
}

// NewFakeEndpoint starts a fake endpoint that is closed when the test ends.
func NewFakeEndpoint(t testing.TB) *FakeEndpoint {
	f := &FakeEndpoint{
		byKey:   make(map[string]*StoredInvoice),
		faults:  make(map[string][]fault),
		status:  "stamped",
		arrived: make(chan string, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/invoices", f.handleCreate)
	f.Server = httptest.NewUnstartedServer(mux)
	// Fresh connection per request: the client transport would otherwise
	// replay an Idempotency-Key request on a reused connection and hide a lost response.
	f.Server.Config.SetKeepAlivesEnabled(false)
	f.Server.Start()
	t.Cleanup(func() {
		f.Release()
		f.Server.Close()
	})
	return f
}

// URL returns the endpoint base URL.
func (f *FakeEndpoint) URL() string {
	return f.Server.URL
}

// FailNext makes the next requests for key answer with the given statuses, in order.
func (f *FakeEndpoint) FailNext(key string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range statuses {
		f.faults[key] = append(f.faults[key], fault{status: s})
	}
}

// LoseResponse makes the next request for key succeed server-side but drop
// the connection before the client sees the response.
func (f *FakeEndpoint) LoseResponse(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[key] = append(f.faults[key], fault{lose: true})
}

// MalformNext makes the next request for key succeed server-side but return an unparseable body.
func (f *FakeEndpoint) MalformNext(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[key] = append(f.faults[key], fault{malformed: true})
}

// FailAll makes every request answer with status until FailAll(0).
func (f *FakeEndpoint) FailAll(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always = status
}

// RespondStatus sets the status string returned on success.
func (f *FakeEndpoint) RespondStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// RequireToken makes requests without "Bearer <token>" fail with 401.
func (f *FakeEndpoint) RequireToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

// Hold blocks requests until Release is called. Arrived reports each blocked request.
func (f *FakeEndpoint) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold == nil {
		f.hold = make(chan struct{})
	}
}

// Release unblocks held requests.
func (f *FakeEndpoint) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold != nil {
		close(f.hold)
		f.hold = nil
	}
}

// Arrived receives the idempotency key of each request as it reaches the server.
func (f *FakeEndpoint) Arrived() <-chan string {
	return f.arrived
}

// Calls returns every request seen, in arrival order.
func (f *FakeEndpoint) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallKeys returns the idempotency key of each request, in arrival order.
func (f *FakeEndpoint) CallKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.calls))
	for i, c := range f.calls {
		keys[i] = c.Key
	}
	return keys
}

// Created returns the number of distinct invoices stored.
func (f *FakeEndpoint) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

// Invoice returns the stored invoice for key.
func (f *FakeEndpoint) Invoice(key string) (StoredInvoice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byKey[key]
	if !ok {
		return StoredInvoice{}, false
	}
	return *inv, true
}

func (f *FakeEndpoint) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.Header.Get("Idempotency-Key")

	select {
	case f.arrived <- key:
	default:
	}

	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	call := Call{Key: key, Authorization: r.Header.Get("Authorization")}

	if f.token != "" && call.Authorization != "Bearer "+f.token {
		call.Status = http.StatusUnauthorized
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if key == "" {
		call.Status = http.StatusBadRequest
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		http.Error(w, `{"error":"missing Idempotency-Key"}`, http.StatusBadRequest)
		return
	}

	var ft fault
	if queued := f.faults[key]; len(queued) > 0 {
		ft = queued[0]
		f.faults[key] = queued[1:]
	} else if f.always != 0 {
		ft = fault{status: f.always}
	}
	if ft.status != 0 {
		call.Status = ft.status
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		http.Error(w, fmt.Sprintf(`{"error":"injected %d"}`, ft.status), ft.status)
		return
	}

	var body struct {
		CustomerName string            `json:"customerName"`
		Items        []models.LineItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		call.Status = http.StatusBadRequest
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	inv, exists := f.byKey[key]
	if !exists {
		f.nextID++
		inv = &StoredInvoice{
			ServerID:     fmt.Sprintf("srv-%04d", f.nextID),
			Key:          key,
			CustomerName: body.CustomerName,
			Items:        body.Items,
		}
		f.byKey[key] = inv
	}
	status := f.status
	serverID := inv.ServerID

	switch {
	case ft.lose:
		call.Status = 0
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	case ft.malformed:
		call.Status = http.StatusOK
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"invoiceId":`))
		return
	}

	code := http.StatusCreated
	if exists {
		code = http.StatusOK
	}
	call.Status = code
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"invoiceId": serverID, "status": status})
}
