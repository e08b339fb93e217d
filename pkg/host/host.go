// Package host implements the daemon process wrapped around a *kernel.Kernel:
// the select loop that feeds it external events and adapter receipts,
// drives the adapter set and real-time timer scheduler, and checkpoints
// state on an interval. One long-lived goroutine owns the select loop;
// adapters run as worker goroutines reporting back over channels.
package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentoshq/agentos/internal/telemetry"
	"github.com/agentoshq/agentos/pkg/adapter"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/governance"
	"github.com/agentoshq/agentos/pkg/internaleffects"
	"github.com/agentoshq/agentos/pkg/kernel"
	"github.com/agentoshq/agentos/pkg/snapshot"
)

// Host wires a kernel to the outside world: the adapter set for
// dispatching external effect intents, the timer scheduler for
// "timer.set" firings, and a periodic snapshot checkpoint.
type Host struct {
	Kernel     *kernel.Kernel
	Adapters   *adapter.Set
	Workspace  *internaleffects.Workspace
	Governance *governance.Engine
	Telemetry  *telemetry.Provider
	Log        *slog.Logger

	// SnapshotIntervalTicks is the number of idle-drain cycles between
	// automatic checkpoints. Zero disables automatic snapshotting; the
	// control channel's "snapshot" command still works on demand.
	SnapshotIntervalTicks int

	eventCh   chan kernel.Event
	receiptCh chan effect.Receipt

	ticksSinceSnapshot int
}

// New builds a Host. Call RehydrateTimers after a snapshot restore and
// before Run, if the kernel was rebuilt from a checkpoint.
func New(k *kernel.Kernel, adapters *adapter.Set, ws *internaleffects.Workspace, gov *governance.Engine, tel *telemetry.Provider, log *slog.Logger, snapshotIntervalTicks int) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		Kernel: k, Adapters: adapters, Workspace: ws, Governance: gov,
		Telemetry: tel, Log: log, SnapshotIntervalTicks: snapshotIntervalTicks,
		eventCh:   make(chan kernel.Event, 64),
		receiptCh: make(chan effect.Receipt, 64),
	}
}

// InjectEvent queues an external domain event for the next drain cycle.
// Safe to call concurrently with Run; used by the control channel's
// send-event command.
func (h *Host) InjectEvent(schema string, payloadCBOR []byte) {
	h.eventCh <- kernel.Event{Schema: schema, PayloadCBOR: payloadCBOR}
}

// InjectReceipt queues an externally-produced receipt (e.g. from the
// control channel's inject-receipt command, used in tests and for
// adapters that report back out-of-process).
func (h *Host) InjectReceipt(r effect.Receipt) {
	h.receiptCh <- r
}

// RehydrateTimers rebuilds the timer min-heap from the effect manager's
// inflight "timer.set" intents after a snapshot restore, per Section
// 4.15's recovery path.
func (h *Host) RehydrateTimers() error {
	intents := h.Kernel.Effects().InflightByKind("timer.set")
	pending := make([]adapter.PendingReceiptContext, len(intents))
	for i, in := range intents {
		pending[i] = adapter.PendingReceiptContext{IntentHash: in.IntentHash, EffectKind: in.Kind, ParamsCBOR: in.ParamsCBOR}
	}
	return h.Adapters.Timers().RehydrateFromPending(pending)
}

// timerPollInterval bounds how long a due timer can sit before the host
// notices it -- the real-time clock driving "timer.set" firings has no
// other wakeup source, unlike events and receipts which arrive on
// channels.
const timerPollInterval = 25 * time.Millisecond

// Run drives the host's select loop until ctx is canceled. It returns
// the context's error on a clean shutdown.
func (h *Host) Run(ctx context.Context) error {
	h.Log.Info("host: starting", "snapshot_interval_ticks", h.SnapshotIntervalTicks)

	ticker := time.NewTicker(timerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Log.Info("host: shutting down")
			return ctx.Err()

		case ev := <-h.eventCh:
			h.Kernel.InjectEvent(ev.Schema, ev.PayloadCBOR)
			h.drain(ctx)

		case r := <-h.receiptCh:
			h.Kernel.InjectReceipt(r)
			h.drain(ctx)

		case now := <-ticker.C:
			h.fireDueTimers(ctx, now.UnixNano())
		}
	}
}

// drain runs the kernel to idle, dispatches whatever external intents
// that produced, and checkpoints if the snapshot interval elapsed.
func (h *Host) drain(ctx context.Context) {
	tickCtx, done := h.Telemetry.TrackTick(ctx)
	err := h.Kernel.TickUntilIdle(tickCtx)
	done(err)
	if err != nil {
		h.Log.Error("host: tick failed", "error", err)
		return
	}

	h.dispatchPendingIntents(ctx)
	h.maybeSnapshot(ctx)
}

// dispatchPendingIntents hands every intent the tick loop emitted this
// cycle to the adapter set, each in its own goroutine so a slow adapter
// never blocks the kernel's next tick. "timer.set" intents are pushed
// onto the timer heap synchronously by Dispatch and produce no immediate
// receipt.
func (h *Host) dispatchPendingIntents(ctx context.Context) {
	for _, intent := range h.Kernel.DrainPendingExternalIntents() {
		intent := intent
		go func() {
			receipt, ok, err := h.Adapters.Dispatch(ctx, intent)
			h.Telemetry.RecordIntentEnqueued(ctx, intent.Kind)
			if err != nil {
				h.Log.Error("host: dispatch failed", "kind", intent.Kind, "error", err)
				return
			}
			if !ok {
				return
			}
			h.Telemetry.RecordReceiptHandled(ctx, receipt.AdapterID, string(receipt.Status))
			select {
			case h.receiptCh <- receipt:
			case <-ctx.Done():
			}
		}()
	}
}

// fireDueTimers delivers every "timer.set" firing whose deadline has
// passed, synthesizing the Ok receipt the module that set it expects.
func (h *Host) fireDueTimers(ctx context.Context, nowNs int64) {
	due := h.Adapters.Timers().PopDue(nowNs)
	if len(due) == 0 {
		return
	}
	for _, e := range due {
		r, err := adapter.DeliveredReceipt(e, nowNs)
		if err != nil {
			h.Log.Error("host: timer receipt encode failed", "error", err)
			continue
		}
		h.Kernel.InjectReceipt(r)
	}
	h.drain(ctx)
}

// maybeSnapshot checkpoints the kernel once SnapshotIntervalTicks idle
// drains have elapsed since the last one.
func (h *Host) maybeSnapshot(ctx context.Context) {
	if h.SnapshotIntervalTicks <= 0 {
		return
	}
	h.ticksSinceSnapshot++
	if h.ticksSinceSnapshot < h.SnapshotIntervalTicks {
		return
	}
	h.ticksSinceSnapshot = 0
	if _, err := h.Snapshot(ctx); err != nil {
		h.Log.Error("host: periodic snapshot failed", "error", err)
	}
}

// Snapshot checkpoints the kernel's current state on demand, for the
// control channel's "snapshot" command and the periodic checkpoint.
func (h *Host) Snapshot(ctx context.Context) (string, error) {
	hash, err := snapshot.Take(ctx, h.Kernel, h.Workspace, true)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}
