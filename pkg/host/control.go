// Control channel: an NDJSON request/response protocol over a Unix
// domain socket, the daemon's single local control surface. Each line
// is one {v, id, cmd, payload} envelope answered by one {v, id, ok,
// result|error} reply.
package host

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/time/rate"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/host/controlauth"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernel/query"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/schema/envelope"
)

// envelopeSchemaPrefix names the registered envelope schema for a given
// command: "control.request.<cmd>". A command with no registered schema
// skips envelope validation entirely.
const envelopeSchemaPrefix = "control.request."

// DefaultControlRateLimit and DefaultControlRateBurst bound the control
// channel's request rate per connection.
const (
	DefaultControlRateLimit = rate.Limit(200)
	DefaultControlRateBurst = 400
)

// request is one line of the control channel's request envelope.
type request struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// response is one line of the control channel's response envelope.
type response struct {
	V      int            `json:"v"`
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Result interface{}    `json:"result,omitempty"`
	Error  *responseError `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ControlServer listens for NDJSON control connections on a Unix socket
// and dispatches each request line to the wrapped Host.
type ControlServer struct {
	Host     *Host
	Auth     *controlauth.Validator // nil disables auth
	Envelope *envelope.Cache        // nil disables outer-envelope validation
	Log      *slog.Logger
	listener net.Listener

	// RateLimit and RateBurst configure a per-connection token bucket
	// guarding the request dispatch loop; zero RateLimit disables
	// limiting entirely.
	RateLimit rate.Limit
	RateBurst int
}

// NewControlServer builds a server bound to no socket yet; call Serve.
// It applies the package's default per-connection rate limit.
func NewControlServer(h *Host, auth *controlauth.Validator, log *slog.Logger) *ControlServer {
	if log == nil {
		log = slog.Default()
	}
	return &ControlServer{
		Host: h, Auth: auth, Log: log,
		RateLimit: DefaultControlRateLimit, RateBurst: DefaultControlRateBurst,
	}
}

// Serve listens on socketPath (removing a stale socket file left behind
// by an unclean shutdown) and accepts connections until ctx is canceled.
func (s *ControlServer) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("host: listen %s: %w", socketPath, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("host: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(conn)

	var limiter *rate.Limiter
	if s.RateLimit > 0 {
		limiter = rate.NewLimiter(s.RateLimit, s.RateBurst)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{V: 1, OK: false, Error: &responseError{Code: string(kernelerr.CodeInvalidRequest), Message: err.Error()}})
			continue
		}
		if limiter != nil && !limiter.Allow() {
			_ = enc.Encode(errResponse(req.ID, kernelerr.CodeRateLimited, "control channel request rate exceeded"))
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.Log.Error("host: control write failed", "error", err)
			return
		}
	}
}

func (s *ControlServer) dispatch(ctx context.Context, req request) response {
	if s.Auth != nil {
		if _, err := s.Auth.ValidateScope(req.Token, req.Cmd); err != nil {
			return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
		}
	}

	if s.Envelope != nil && len(req.Payload) > 0 {
		schemaName := envelopeSchemaPrefix + req.Cmd
		if s.Envelope.Registered(schemaName) {
			if err := s.Envelope.Validate(ctx, schemaName, req.Payload); err != nil {
				return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
			}
		}
	}

	switch req.Cmd {
	case "send-event":
		return s.cmdSendEvent(req)
	case "inject-receipt":
		return s.cmdInjectReceipt(req)
	case "snapshot":
		return s.cmdSnapshot(ctx, req)
	case "step":
		return s.cmdStep(ctx, req)
	case "query-state":
		return s.cmdQueryState(ctx, req)
	case "defs-get":
		return s.cmdDefsGet(ctx, req)
	case "defs-ls":
		return s.cmdDefsLs(req)
	case "journal-tail":
		return s.cmdJournalTail(ctx, req)
	case "workspace-get":
		return s.cmdWorkspaceGet(ctx, req)
	case "workspace-put":
		return s.cmdWorkspacePut(ctx, req)
	case "workspace-delete":
		return s.cmdWorkspaceDelete(ctx, req)
	case "put-blob":
		return s.cmdPutBlob(ctx, req)
	case "shutdown":
		return response{V: 1, ID: req.ID, OK: true, Result: map[string]string{"status": "shutting_down"}}
	default:
		return errResponse(req.ID, kernelerr.CodeUnknownMethod, fmt.Sprintf("unknown command %q", req.Cmd))
	}
}

func errResponse(id string, code kernelerr.Code, msg string) response {
	return response{V: 1, ID: id, OK: false, Error: &responseError{Code: string(code), Message: msg}}
}

func okResponse(id string, result interface{}) response {
	return response{V: 1, ID: id, OK: true, Result: result}
}

type sendEventPayload struct {
	Schema      string `json:"schema"`
	PayloadCBOR []byte `json:"payload_cbor"`
}

func (s *ControlServer) cmdSendEvent(req request) response {
	var p sendEventPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	s.Host.InjectEvent(p.Schema, p.PayloadCBOR)
	return okResponse(req.ID, map[string]bool{"queued": true})
}

type injectReceiptPayload struct {
	IntentHash  string `json:"intent_hash"`
	AdapterID   string `json:"adapter_id"`
	Status      string `json:"status"`
	PayloadCBOR []byte `json:"payload_cbor"`
}

func (s *ControlServer) cmdInjectReceipt(req request) response {
	var p injectReceiptPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	h, err := canon.ParseHash(p.IntentHash)
	if err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	s.Host.InjectReceipt(effect.Receipt{
		IntentHash: h, AdapterID: p.AdapterID, Status: effect.Status(p.Status), PayloadCBOR: p.PayloadCBOR,
	})
	return okResponse(req.ID, map[string]bool{"queued": true})
}

func (s *ControlServer) cmdSnapshot(ctx context.Context, req request) response {
	hash, err := s.Host.Snapshot(ctx)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	return okResponse(req.ID, map[string]string{"snapshot_hash": hash})
}

// cmdStep runs one tick-to-idle cycle synchronously and reports the
// resulting quiescence state, for test harnesses and CLIs that want
// deterministic single-stepping instead of the host's event-driven loop.
func (s *ControlServer) cmdStep(ctx context.Context, req request) response {
	for drained := false; !drained; {
		select {
		case ev := <-s.Host.eventCh:
			s.Host.Kernel.InjectEvent(ev.Schema, ev.PayloadCBOR)
		case r := <-s.Host.receiptCh:
			s.Host.Kernel.InjectReceipt(r)
		default:
			drained = true
		}
	}
	if err := s.Host.Kernel.TickUntilIdle(ctx); err != nil {
		return errFromKernelErr(req.ID, err)
	}
	s.Host.dispatchPendingIntents(ctx)
	report := s.Host.Kernel.Quiescent()
	return okResponse(req.ID, report)
}

type queryStatePayload struct {
	Module      string `json:"module"`
	Key         string `json:"key"`
	Consistency string `json:"consistency"`
	Target      uint64 `json:"target,omitempty"`
}

func (s *ControlServer) cmdQueryState(ctx context.Context, req request) response {
	var p queryStatePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	mode, err := parseConsistency(p.Consistency)
	if err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	snap, err := query.GetWorkflowState(ctx, s.Host.Kernel, p.Module, p.Key, mode, p.Target)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	return okResponse(req.ID, snap)
}

func parseConsistency(s string) (query.Consistency, error) {
	switch s {
	case "", "head":
		return query.ReadHead, nil
	case "at_least":
		return query.ReadAtLeast, nil
	case "exact":
		return query.ReadExact, nil
	default:
		return 0, fmt.Errorf("unknown consistency %q", s)
	}
}

type defsGetPayload struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func (s *ControlServer) cmdDefsGet(ctx context.Context, req request) response {
	var p defsGetPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	ref, node, err := query.DefsGet(ctx, s.Host.Kernel, p.Kind, p.Name)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	return okResponse(req.ID, map[string]interface{}{
		"name": ref.Name, "hash": ref.Hash.String(), "value": node,
	})
}

type defsLsPayload struct {
	Kinds  []string `json:"kinds,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

func (s *ControlServer) cmdDefsLs(req request) response {
	var p defsLsPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
		}
	}
	m, _ := query.GetManifest(s.Host.Kernel)
	grouped := query.DefsLs(m, p.Kinds, p.Prefix)
	out := make(map[string][]defRefWire, len(grouped))
	for kind, refs := range grouped {
		wire := make([]defRefWire, len(refs))
		for i, r := range refs {
			wire[i] = defRefWire{Name: r.Name, Hash: r.Hash.String()}
		}
		out[kind] = wire
	}
	return okResponse(req.ID, out)
}

type defRefWire struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type journalTailPayload struct {
	From  uint64   `json:"from,omitempty"`
	Limit int      `json:"limit"`
	Kinds []string `json:"kinds,omitempty"`
}

func (s *ControlServer) cmdJournalTail(ctx context.Context, req request) response {
	var p journalTailPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
		}
	}
	head, err := s.Host.Kernel.Journal().NextSeq(ctx)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	from := p.From
	if p.Limit > 0 && uint64(p.Limit) < head-from {
		from = head - uint64(p.Limit)
	}
	entries, err := s.Host.Kernel.Journal().ReadRange(ctx, from, head)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	entries = filterEntriesByKind(entries, p.Kinds)
	return okResponse(req.ID, entriesToWire(entries))
}

// filterEntriesByKind keeps only entries whose Kind appears in kinds; an
// empty/nil kinds list means no filtering, per the control channel's
// journal-tail{kinds?} contract.
func filterEntriesByKind(entries []journal.Entry, kinds []string) []journal.Entry {
	if len(kinds) == 0 {
		return entries
	}
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := entries[:0:0]
	for _, e := range entries {
		if want[string(e.Kind)] {
			out = append(out, e)
		}
	}
	return out
}

type wireEntry struct {
	Seq            uint64 `json:"seq"`
	Kind           string `json:"kind"`
	Payload        []byte `json:"payload"`
	PrevHash       string `json:"prev_hash"`
	CumulativeHash string `json:"cumulative_hash"`
}

func entriesToWire(entries []journal.Entry) []wireEntry {
	out := make([]wireEntry, len(entries))
	for i, e := range entries {
		out[i] = wireEntry{
			Seq: e.Seq, Kind: string(e.Kind), Payload: e.Payload,
			PrevHash: e.PrevHash.String(), CumulativeHash: e.CumulativeHash.String(),
		}
	}
	return out
}

type workspacePathPayload struct {
	Path string `json:"path"`
}

func (s *ControlServer) cmdWorkspaceGet(ctx context.Context, req request) response {
	var p workspacePathPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	data, ok, err := s.Host.Workspace.Get(ctx, p.Path)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	if !ok {
		return errResponse(req.ID, kernelerr.CodeQueryError, fmt.Sprintf("no workspace entry at %q", p.Path))
	}
	return okResponse(req.ID, map[string]string{"data_b64": base64.StdEncoding.EncodeToString(data)})
}

type workspacePutPayload struct {
	Path   string `json:"path"`
	DataB64 string `json:"data_b64"`
}

func (s *ControlServer) cmdWorkspacePut(ctx context.Context, req request) response {
	var p workspacePutPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	data, err := base64.StdEncoding.DecodeString(p.DataB64)
	if err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	h, err := s.Host.Workspace.Put(ctx, p.Path, data)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	return okResponse(req.ID, map[string]string{"root": h.String()})
}

func (s *ControlServer) cmdWorkspaceDelete(ctx context.Context, req request) response {
	var p workspacePathPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	h, ok, err := s.Host.Workspace.Delete(ctx, p.Path)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	return okResponse(req.ID, map[string]interface{}{"root": h.String(), "deleted": ok})
}

type putBlobPayload struct {
	DataB64 string `json:"data_b64"`
}

func (s *ControlServer) cmdPutBlob(ctx context.Context, req request) response {
	var p putBlobPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	data, err := base64.StdEncoding.DecodeString(p.DataB64)
	if err != nil {
		return errResponse(req.ID, kernelerr.CodeInvalidRequest, err.Error())
	}
	h, err := s.Host.Kernel.Store().PutBlob(ctx, data)
	if err != nil {
		return errFromKernelErr(req.ID, err)
	}
	return okResponse(req.ID, map[string]string{"hash": h.String()})
}

func errFromKernelErr(id string, err error) response {
	var kerr *kernelerr.Error
	if errors.As(err, &kerr) {
		return errResponse(id, kerr.Code, kerr.Message)
	}
	return errResponse(id, kernelerr.CodeInvalidRequest, err.Error())
}
