package adapter

import (
	"context"
	"testing"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/effect"
)

type stubNetAdapter struct{ executed int }

func (a *stubNetAdapter) Kind() string { return "net.http" }

func (a *stubNetAdapter) Execute(ctx context.Context, intent effect.Intent) (effect.Receipt, error) {
	a.executed++
	return effect.Receipt{IntentHash: intent.IntentHash, AdapterID: "net.http", Status: effect.StatusOk}, nil
}

type stubEgressPolicy struct{ allowed map[string]bool }

func (p stubEgressPolicy) IsHostAllowed(host string) bool { return p.allowed[host] }

func TestDispatchEgressPolicyDeniesHost(t *testing.T) {
	a := &stubNetAdapter{}
	s := NewSet()
	s.Register(a)
	s.SetEgressPolicy(stubEgressPolicy{allowed: map[string]bool{"good.example.com": true}})

	deniedParams, err := canon.Encode(struct {
		Host string `cbor:"host"`
	}{"evil.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	intent := effect.Intent{Kind: "net.http", IntentHash: canon.HashBytes([]byte("i1")), ParamsCBOR: deniedParams}
	if _, _, err := s.Dispatch(context.Background(), intent); err == nil {
		t.Fatal("expected egress policy to deny evil.example.com")
	}
	if a.executed != 0 {
		t.Fatalf("adapter should not have executed a denied intent, executed=%d", a.executed)
	}

	allowedParams, err := canon.Encode(struct {
		Host string `cbor:"host"`
	}{"good.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	intent = effect.Intent{Kind: "net.http", IntentHash: canon.HashBytes([]byte("i2")), ParamsCBOR: allowedParams}
	if _, _, err := s.Dispatch(context.Background(), intent); err != nil {
		t.Fatalf("expected allowed host to dispatch, got %v", err)
	}
	if a.executed != 1 {
		t.Fatalf("expected adapter to execute the allowed intent once, executed=%d", a.executed)
	}
}

// TestTimerRehydrate: given pending
// reducer-receipt contexts containing a timer.set with deliver_at_ns =
// 12345, after RehydrateFromPending the scheduler's length must be 1 and
// the sole entry's deliver_at_ns must equal 12345.
func TestTimerRehydrate(t *testing.T) {
	params, err := canon.Encode(struct {
		DeliverAtNs int64  `cbor:"deliver_at_ns"`
		Key         string `cbor:"key,omitempty"`
	}{12345, "test-key"})
	if err != nil {
		t.Fatal(err)
	}

	s := NewTimerScheduler()
	pending := []PendingReceiptContext{
		{IntentHash: canon.HashBytes([]byte("intent-1")), EffectKind: "timer.set", ParamsCBOR: params},
		{IntentHash: canon.HashBytes([]byte("intent-2")), EffectKind: "http.out", ParamsCBOR: nil},
	}
	if err := s.RehydrateFromPending(pending); err != nil {
		t.Fatal(err)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	deadline, ok := s.NextDeadline(0)
	if !ok {
		t.Fatal("expected a deadline")
	}
	if deadline != 12345 {
		t.Fatalf("deliver_at_ns = %d, want 12345", deadline)
	}
}

func TestTimerScheduleOrdering(t *testing.T) {
	s := NewTimerScheduler()
	s.Push(TimerEntry{DeliverAtNs: 200, IntentHash: canon.HashBytes([]byte("b"))})
	s.Push(TimerEntry{DeliverAtNs: 100, IntentHash: canon.HashBytes([]byte("a"))})
	s.Push(TimerEntry{DeliverAtNs: 100, IntentHash: canon.HashBytes([]byte("z"))})

	due := s.PopDue(150)
	if len(due) != 2 {
		t.Fatalf("PopDue(150) returned %d entries, want 2", len(due))
	}
	// Same deliver_at_ns: tie-break by ascending intent hash bytes.
	if due[0].DeliverAtNs != 100 || due[1].DeliverAtNs != 100 {
		t.Fatalf("expected both due entries at 100, got %+v", due)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() after PopDue = %d, want 1", s.Len())
	}
}

func TestDeliveredReceiptCorrelatesIntentHash(t *testing.T) {
	h := canon.HashBytes([]byte("timer-intent"))
	entry := TimerEntry{DeliverAtNs: 42, Key: "k", IntentHash: h}
	r, err := DeliveredReceipt(entry, 43)
	if err != nil {
		t.Fatal(err)
	}
	if r.IntentHash != h {
		t.Fatalf("receipt intent hash = %s, want %s", r.IntentHash, h)
	}
	if r.Status != "Ok" {
		t.Fatalf("status = %s, want Ok", r.Status)
	}
}
