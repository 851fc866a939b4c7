package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/invoicesync/internal/app"
	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/models"
	"github.com/kimhsiao/invoicesync/internal/testutil"
)

type staticProber bool

func (p staticProber) Probe(context.Context) bool { return bool(p) }

const widgetRequest = `{"customerName":"ACME","items":[{"description":"Widget","quantity":2,"unitPrice":50,"vatRate":0.16}]}`

func openTestBridge(t *testing.T) (*bridge, *testutil.FakeEndpoint) {
	t.Helper()
	fake := testutil.NewFakeEndpoint(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("remote:\n  base_url: %s\nscheduler:\n  sync_on_start: false\n", fake.URL())
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	b, err := openBridge(path, filepath.Join(dir, "data"), app.Options{Prober: staticProber(true)})
	require.NoError(t, err)
	t.Cleanup(func() { b.close() })

	// Gaining reachability at startup runs one auto pass; let it finish.
	require.Eventually(t, func() bool {
		return b.app.Scheduler.GetStatus().LastResult != nil && !b.app.Orchestrator.Running()
	}, 5*time.Second, 10*time.Millisecond)
	b.events.drain()
	return b, fake
}

func TestBridge_createAndList(t *testing.T) {
	b, fake := openTestBridge(t)
	ctx := context.Background()

	out, err := b.createInvoice(ctx, widgetRequest)
	require.NoError(t, err)
	var rec models.InvoiceRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.InDelta(t, 116.0, rec.Total, 0.001)
	assert.Empty(t, fake.Calls())

	var list struct {
		Items []models.InvoiceRecord `json:"items"`
		Total int                    `json:"total"`
	}
	for _, filter := range []string{"", "due", "queued"} {
		out, err = b.listInvoices(ctx, filter)
		require.NoError(t, err, filter)
		require.NoError(t, json.Unmarshal([]byte(out), &list))
		assert.Equal(t, 1, list.Total, filter)
	}

	out, err = b.listInvoices(ctx, "stamped")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, 0, list.Total)
	assert.NotNil(t, list.Items)

	_, err = b.listInvoices(ctx, "everything")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestBridge_createInvalid(t *testing.T) {
	b, _ := openTestBridge(t)

	_, err := b.createInvoice(context.Background(), `{"items":`)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = b.createInvoice(context.Background(), `{"items":[]}`)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestBridge_syncAndEvents(t *testing.T) {
	b, fake := openTestBridge(t)
	ctx := context.Background()

	_, err := b.createInvoice(ctx, widgetRequest)
	require.NoError(t, err)

	out, err := b.runSyncPass(ctx)
	require.NoError(t, err)
	var pass struct {
		Result struct {
			Synced  int    `json:"synced"`
			Trigger string `json:"trigger"`
		} `json:"result"`
		Summary string `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &pass))
	assert.Equal(t, 1, pass.Result.Synced)
	assert.Equal(t, "manual", pass.Result.Trigger)
	assert.Equal(t, "1 invoice synced", pass.Summary)
	assert.Equal(t, 1, fake.Created())

	out, err = b.pollEvents()
	require.NoError(t, err)
	var events []bridgeEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "pass_completed", events[0].Type)
	assert.Equal(t, "1 invoice synced", events[0].Summary)

	out, err = b.pollEvents()
	require.NoError(t, err)
	assert.Equal(t, "[]", out, "poll drains the queue")
}

func TestBridge_failedAndRetry(t *testing.T) {
	b, fake := openTestBridge(t)
	ctx := context.Background()

	out, err := b.createInvoice(ctx, widgetRequest)
	require.NoError(t, err)
	var rec models.InvoiceRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	fake.FailNext(rec.ID, 400)

	_, err = b.runSyncPass(ctx)
	require.NoError(t, err)

	events := b.events.drain()
	require.Len(t, events, 2)
	assert.Equal(t, "record_failed", events[0].Type)
	assert.Equal(t, "pass_completed", events[1].Type)
	assert.Equal(t, "1 invoice failed", events[1].Summary)

	out, err = b.retryInvoice(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, models.StatusQueued, rec.Status)

	_, err = b.retryInvoice(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestBridge_status(t *testing.T) {
	b, _ := openTestBridge(t)

	out, err := b.status(context.Background())
	require.NoError(t, err)
	var st struct {
		DeviceID  string `json:"deviceId"`
		Scheduler struct {
			IsRunning bool `json:"isRunning"`
			IsOnline  bool `json:"isOnline"`
		} `json:"scheduler"`
		Status struct {
			Reachable bool `json:"reachable"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, b.app.DeviceID, st.DeviceID)
	assert.True(t, st.Scheduler.IsRunning)
	assert.True(t, st.Scheduler.IsOnline)
	assert.True(t, st.Status.Reachable)
}

func TestBridge_close(t *testing.T) {
	fake := testutil.NewFakeEndpoint(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote:\n  base_url: "+fake.URL()+"\n"), 0o600))

	b, err := openBridge(path, filepath.Join(dir, "data"), app.Options{Prober: staticProber(false)})
	require.NoError(t, err)
	require.NoError(t, b.close())
	assert.False(t, b.app.Scheduler.IsRunning())
}

func TestBridge_badConfig(t *testing.T) {
	_, err := openBridge(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir(), app.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestEventQueue_bounded(t *testing.T) {
	q := &eventQueue{}
	for i := 0; i < maxQueuedEvents+10; i++ {
		q.ReachabilityChanged(i%2 == 0)
	}
	events := q.drain()
	assert.Len(t, events, maxQueuedEvents)
	assert.Empty(t, q.drain())
}
