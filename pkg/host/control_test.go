package host

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentoshq/agentos/internal/telemetry"
	"github.com/agentoshq/agentos/pkg/adapter"
	"github.com/agentoshq/agentos/pkg/cellindex"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/internaleffects"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernel"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/runtime"
	"github.com/agentoshq/agentos/pkg/schema/envelope"
	"github.com/agentoshq/agentos/pkg/store"
)

type nullModule struct{}

func (nullModule) Step(ctx context.Context, call runtime.CallContext, stateBytes, eventCBOR []byte) (runtime.Output, error) {
	return runtime.Output{StateBytes: stateBytes}, nil
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemStore()
	j := journal.NewMemJournal()
	idx := cellindex.New(s)

	moduleHash, err0 := s.PutNode(ctx, map[string]interface{}{"kind": "native", "name": "counter"})
	if err0 != nil {
		t.Fatal(err0)
	}

	m := manifest.Manifest{
		AirVersion: "1.0.0",
		Routing:    []manifest.Route{{EventSchema: "tick", TargetModule: "counter"}},
		Modules:    []manifest.NamedRef{{Name: "counter", Hash: moduleHash}},
		Defaults:   manifest.Defaults{DefaultPolicy: "default"},
	}.Canonical()
	h, err := m.Hash()
	if err != nil {
		t.Fatal(err)
	}

	eff := effect.New(effect.Config{Store: s, Journal: j, Evaluator: &policy.Evaluator{}})
	k := kernel.New(kernel.Config{
		Store: s, Journal: j, CellIndex: idx, Effects: eff,
		Manifest: m, ManifestHash: h,
		Modules: map[string]kernel.ModuleEntry{
			"counter": {Kind: kernel.KindReducer, Module: nullModule{}, Version: "v1"},
		},
	})

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	return New(k, adapter.NewSet(), internaleffects.NewWorkspace(s), nil, tel, nil, 0)
}

// dialControlLine opens a unix socket connection, writes one NDJSON
// request line, and returns the decoded response.
func dialControlLine(t *testing.T, socketPath string, req request) response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		t.Fatal(err)
	}

	var resp response
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		t.Fatalf("no response line: %v", sc.Err())
	}
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestControlServerUnknownCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewControlServer(newTestHost(t), nil, nil)
	sockPath := filepath.Join(t.TempDir(), "agentosd.sock")
	go srv.Serve(ctx, sockPath)
	waitForSocket(t, sockPath)

	resp := dialControlLine(t, sockPath, request{V: 1, ID: "1", Cmd: "frobnicate"})
	if resp.OK {
		t.Fatal("expected unknown command to fail")
	}
	if resp.Error == nil || resp.Error.Code != "unknown_method" {
		t.Fatalf("expected unknown_method, got %+v", resp.Error)
	}
}

func TestControlServerSendEventAndStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewControlServer(newTestHost(t), nil, nil)
	sockPath := filepath.Join(t.TempDir(), "agentosd.sock")
	go srv.Serve(ctx, sockPath)
	waitForSocket(t, sockPath)

	sendPayload, _ := json.Marshal(sendEventPayload{Schema: "tick"})
	resp := dialControlLine(t, sockPath, request{V: 1, ID: "1", Cmd: "send-event", Payload: sendPayload})
	if !resp.OK {
		t.Fatalf("send-event failed: %+v", resp.Error)
	}

	resp = dialControlLine(t, sockPath, request{V: 1, ID: "2", Cmd: "step"})
	if !resp.OK {
		t.Fatalf("step failed: %+v", resp.Error)
	}
}

func TestControlServerRateLimiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewControlServer(newTestHost(t), nil, nil)
	srv.RateLimit = rate.Limit(1)
	srv.RateBurst = 1
	sockPath := filepath.Join(t.TempDir(), "agentosd.sock")
	go srv.Serve(ctx, sockPath)
	waitForSocket(t, sockPath)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	enc := json.NewEncoder(conn)
	sc := bufio.NewScanner(conn)

	for i := 0; i < 2; i++ {
		if err := enc.Encode(request{V: 1, ID: "step", Cmd: "step"}); err != nil {
			t.Fatal(err)
		}
	}
	var first, second response
	if !sc.Scan() {
		t.Fatal("expected first response")
	}
	json.Unmarshal(sc.Bytes(), &first)
	if !sc.Scan() {
		t.Fatal("expected second response")
	}
	json.Unmarshal(sc.Bytes(), &second)

	if !first.OK {
		t.Fatalf("expected first request to succeed, got %+v", first.Error)
	}
	if second.OK || second.Error == nil || second.Error.Code != "query.rate_limited" {
		t.Fatalf("expected second request to be rate limited, got %+v", second)
	}
}

func TestControlServerDefsLsAndDefsGet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewControlServer(newTestHost(t), nil, nil)
	sockPath := filepath.Join(t.TempDir(), "agentosd.sock")
	go srv.Serve(ctx, sockPath)
	waitForSocket(t, sockPath)

	resp := dialControlLine(t, sockPath, request{V: 1, ID: "1", Cmd: "defs-ls"})
	if !resp.OK {
		t.Fatalf("defs-ls failed: %+v", resp.Error)
	}
	grouped, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected defs-ls result shape: %#v", resp.Result)
	}
	modules, ok := grouped["modules"].([]interface{})
	if !ok || len(modules) != 1 {
		t.Fatalf("expected one module in defs-ls result, got %#v", grouped["modules"])
	}

	getPayload, _ := json.Marshal(defsGetPayload{Kind: "modules", Name: "counter"})
	resp = dialControlLine(t, sockPath, request{V: 1, ID: "2", Cmd: "defs-get", Payload: getPayload})
	if !resp.OK {
		t.Fatalf("defs-get failed: %+v", resp.Error)
	}

	missingPayload, _ := json.Marshal(defsGetPayload{Kind: "modules", Name: "nope"})
	resp = dialControlLine(t, sockPath, request{V: 1, ID: "3", Cmd: "defs-get", Payload: missingPayload})
	if resp.OK {
		t.Fatal("expected defs-get of an undeclared name to fail")
	}
}

func TestControlServerJournalTailFiltersByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewControlServer(newTestHost(t), nil, nil)
	sockPath := filepath.Join(t.TempDir(), "agentosd.sock")
	go srv.Serve(ctx, sockPath)
	waitForSocket(t, sockPath)

	sendPayload, _ := json.Marshal(sendEventPayload{Schema: "tick"})
	resp := dialControlLine(t, sockPath, request{V: 1, ID: "1", Cmd: "send-event", Payload: sendPayload})
	if !resp.OK {
		t.Fatalf("send-event failed: %+v", resp.Error)
	}
	resp = dialControlLine(t, sockPath, request{V: 1, ID: "2", Cmd: "step"})
	if !resp.OK {
		t.Fatalf("step failed: %+v", resp.Error)
	}

	tailPayload, _ := json.Marshal(journalTailPayload{Kinds: []string{"domain_event"}})
	resp = dialControlLine(t, sockPath, request{V: 1, ID: "3", Cmd: "journal-tail", Payload: tailPayload})
	if !resp.OK {
		t.Fatalf("journal-tail failed: %+v", resp.Error)
	}
	entries, ok := resp.Result.([]interface{})
	if !ok || len(entries) == 0 {
		t.Fatalf("expected at least one domain_event entry, got %#v", resp.Result)
	}
	for _, e := range entries {
		m, ok := e.(map[string]interface{})
		if !ok || m["kind"] != "domain_event" {
			t.Fatalf("journal-tail kinds filter leaked a non-matching entry: %#v", e)
		}
	}
}

func TestControlServerEnvelopeValidationRejectsMalformedPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := envelope.NewCache()
	schemaDoc := []byte(`{
		"type": "object",
		"properties": {"schema": {"type": "string", "minLength": 1}},
		"required": ["schema"]
	}`)
	if err := cache.Register("control.request.send-event", schemaDoc); err != nil {
		t.Fatal(err)
	}

	srv := NewControlServer(newTestHost(t), nil, nil)
	srv.Envelope = cache
	sockPath := filepath.Join(t.TempDir(), "agentosd.sock")
	go srv.Serve(ctx, sockPath)
	waitForSocket(t, sockPath)

	badPayload, _ := json.Marshal(map[string]string{"schema": ""})
	resp := dialControlLine(t, sockPath, request{V: 1, ID: "1", Cmd: "send-event", Payload: badPayload})
	if resp.OK {
		t.Fatal("expected envelope validation to reject an empty schema field")
	}
	if resp.Error == nil || resp.Error.Code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %+v", resp.Error)
	}

	goodPayload, _ := json.Marshal(sendEventPayload{Schema: "tick"})
	resp = dialControlLine(t, sockPath, request{V: 1, ID: "2", Cmd: "send-event", Payload: goodPayload})
	if !resp.OK {
		t.Fatalf("expected a conforming envelope to pass validation: %+v", resp.Error)
	}
}

func TestControlServerEnvelopeValidationSkipsUnregisteredCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewControlServer(newTestHost(t), nil, nil)
	srv.Envelope = envelope.NewCache()
	sockPath := filepath.Join(t.TempDir(), "agentosd.sock")
	go srv.Serve(ctx, sockPath)
	waitForSocket(t, sockPath)

	sendPayload, _ := json.Marshal(sendEventPayload{Schema: "tick"})
	resp := dialControlLine(t, sockPath, request{V: 1, ID: "1", Cmd: "send-event", Payload: sendPayload})
	if !resp.OK {
		t.Fatalf("expected no-schema-registered to skip validation: %+v", resp.Error)
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never became available", path)
}
