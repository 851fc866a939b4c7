package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kimhsiao/invoicesync/internal/app"
	"github.com/kimhsiao/invoicesync/internal/config"
	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/logging"
	"github.com/kimhsiao/invoicesync/internal/models"
	syncpkg "github.com/kimhsiao/invoicesync/internal/sync"
	"github.com/kimhsiao/invoicesync/internal/sync/scheduler"
)

// maxQueuedEvents bounds the events held between two PollEvents calls.
const maxQueuedEvents = 256

// bridgeEvent is one entry returned by PollEvents.
type bridgeEvent struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data"`
	Summary string      `json:"summary,omitempty"`
}

// eventQueue buffers events for the host app, which polls instead of
// receiving callbacks. The oldest events are dropped when full.
type eventQueue struct {
	mu     sync.Mutex
	events []bridgeEvent
}

func (q *eventQueue) push(ev bridgeEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == maxQueuedEvents {
		q.events = q.events[1:]
	}
	q.events = append(q.events, ev)
}

func (q *eventQueue) drain() []bridgeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	if out == nil {
		out = []bridgeEvent{}
	}
	return out
}

// PassCompleted queues the aggregate pass outcome.
func (q *eventQueue) PassCompleted(result syncpkg.PassResult) {
	q.push(bridgeEvent{Type: "pass_completed", Data: result, Summary: scheduler.Summary(result)})
}

// ReachabilityChanged queues a reachability transition.
func (q *eventQueue) ReachabilityChanged(reachable bool) {
	q.push(bridgeEvent{Type: "reachability_changed", Data: map[string]bool{"reachable": reachable}})
}

// OnSyncEvent queues per-record failures so the host can flag them.
func (q *eventQueue) OnSyncEvent(event syncpkg.SyncEvent) {
	if event.Type == syncpkg.EventRecordFailed {
		q.push(bridgeEvent{Type: string(event.Type), Data: event})
	}
}

// bridge owns the runtime behind the exported functions.
type bridge struct {
	app    *app.App
	events *eventQueue
	cancel context.CancelFunc
	done   chan error
}

// openBridge loads config, opens the store under dataDir and starts the
// background monitor and scheduler.
func openBridge(configPath, dataDir string, opts app.Options) (*bridge, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	// stderr reaches both logcat and the iOS console.
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	events := &eventQueue{}
	opts.Notifier = events
	a, err := app.New(context.Background(), cfg, opts)
	if err != nil {
		return nil, err
	}
	a.Orchestrator.SetEventHandler(events)

	ctx, cancel := context.WithCancel(context.Background())
	b := &bridge{app: a, events: events, cancel: cancel, done: make(chan error, 1)}
	go func() {
		b.done <- a.Run(ctx)
	}()
	return b, nil
}

func (b *bridge) close() error {
	b.cancel()
	if err := <-b.done; err != nil {
		logging.Error("background sync stopped with error", err)
	}
	return b.app.Close()
}

// createInvoiceRequest is the JSON accepted by CreateInvoice.
type createInvoiceRequest struct {
	CustomerName string            `json:"customerName"`
	Items        []models.LineItem `json:"items"`
}

func (b *bridge) createInvoice(ctx context.Context, requestJSON string) (string, error) {
	var req createInvoiceRequest
	if err := json.Unmarshal([]byte(requestJSON), &req); err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "decode invoice request", err)
	}
	rec, err := b.app.CreateInvoice(ctx, strings.TrimSpace(req.CustomerName), req.Items)
	if err != nil {
		return "", err
	}
	return marshal(rec)
}

// listInvoices accepts "", "due" or a status name.
func (b *bridge) listInvoices(ctx context.Context, filter string) (string, error) {
	var (
		recs []*models.InvoiceRecord
		err  error
	)
	status := models.InvoiceStatus(filter)
	switch {
	case filter == "":
		recs, err = b.app.Store.ListAll(ctx)
	case filter == "due":
		recs, err = b.app.Store.ListDue(ctx, b.app.Now())
	case status.Valid():
		recs, err = b.app.Store.ListAll(ctx)
	default:
		return "", errors.Newf(errors.ErrInvalid, "unknown filter %q", filter)
	}
	if err != nil {
		return "", err
	}

	items := make([]*models.InvoiceRecord, 0, len(recs))
	for _, rec := range recs {
		if !status.Valid() || rec.Status == status {
			items = append(items, rec)
		}
	}
	return marshal(map[string]interface{}{"items": items, "total": len(items)})
}

func (b *bridge) retryInvoice(ctx context.Context, id string) (string, error) {
	if err := b.app.Orchestrator.Retry(ctx, id); err != nil {
		return "", err
	}
	rec, err := b.app.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return marshal(rec)
}

func (b *bridge) runSyncPass(ctx context.Context) (string, error) {
	res, err := b.app.Scheduler.SyncNow(ctx)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{"result": res, "summary": scheduler.Summary(res)})
}

func (b *bridge) status(ctx context.Context) (string, error) {
	st, err := b.app.Orchestrator.Status(ctx)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"status":    st,
		"scheduler": b.app.Scheduler.GetStatus(),
		"deviceId":  b.app.DeviceID,
	})
}

func (b *bridge) pollEvents() (string, error) {
	return marshal(b.events.drain())
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return string(data), nil
}
