// Package registry implements the JSON-RPC request/response correlation
// layer used by a single LSP client connection (spec §4.2, component C2). It
// assigns monotonic request ids, tracks one pending entry per in-flight
// call, times calls out, and routes inbound messages — responses to their
// waiting caller, notifications to registered handlers, unmatched messages
// to a warning log.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// minDeadline is substituted for any deadline <= 0 passed to Call, so a
// caller cannot block forever by leaving a zero-value time.Duration.
const minDeadline = time.Millisecond

// ErrCanceled is the error delivered to every pending call when CancelAll is
// invoked, e.g. because the owning client crashed or was disposed.
var ErrCanceled = errors.New("registry: canceled")

// ErrTimeout is returned by Call when a response does not arrive before its
// deadline elapses.
var ErrTimeout = errors.New("registry: timed out waiting for response")

// RawMessage is the decoded envelope shape shared by responses and
// notifications arriving over the transport. Exactly one of Result/Error is
// set for a response; Method/Params is set for a notification or a
// server-to-client request.
type RawMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// envelope is the wire shape written for outgoing requests/notifications.
type envelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Sender writes one encoded JSON-RPC message to the wire. Implementations
// must be safe for concurrent use; internal/transport.Writer satisfies this
// once its payload is marshaled.
type Sender interface {
	Send(payload []byte) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(payload []byte) error

func (f SenderFunc) Send(payload []byte) error { return f(payload) }

// NotificationHandler processes one inbound notification's raw params.
type NotificationHandler func(params json.RawMessage)

// pending tracks one in-flight call. Exactly one of its terminal paths
// (deliver, timeout, cancel) may complete it; completion is guarded by
// once so a late response racing a timeout never completes it a second time.
type pending struct {
	done chan struct{}
	once sync.Once
	ch   chan result
}

type result struct {
	raw json.RawMessage
	err error
}

func newPending() *pending {
	return &pending{done: make(chan struct{}), ch: make(chan result, 1)}
}

func (p *pending) complete(r result) {
	p.once.Do(func() {
		p.ch <- r
		close(p.done)
	})
}

// Registry is the per-connection request/response correlation table for one
// LSP client. The zero value is not usable; construct with New.
type Registry struct {
	logger *zap.Logger
	sender Sender

	nextID int64 // atomic, started from 0, first id assigned is 1

	mu      sync.Mutex
	pending map[int64]*pending
	closed  bool

	notifyMu sync.RWMutex
	notify   map[string]NotificationHandler
}

// New constructs a Registry that writes outgoing frames via sender and logs
// through logger. logger must not be nil; pass zap.NewNop() in tests.
func New(sender Sender, logger *zap.Logger) *Registry {
	return &Registry{
		sender:  sender,
		logger:  logger,
		pending: make(map[int64]*pending),
		notify:  make(map[string]NotificationHandler),
	}
}

// OnNotification registers handler for inbound notifications with the given
// method name, replacing any previously registered handler for that method.
// textDocument/publishDiagnostics is the one notification spec §4.2 requires
// every client wire up; callers are free to register others.
func (r *Registry) OnNotification(method string, handler NotificationHandler) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notify[method] = handler
}

// Call sends a request and blocks until a matching response arrives, ctx is
// canceled, deadline elapses, or CancelAll is invoked. deadline <= 0 is
// treated as minDeadline rather than "no timeout".
func (r *Registry) Call(ctx context.Context, method string, params interface{}, deadline time.Duration) (json.RawMessage, error) {
	if deadline <= 0 {
		deadline = minDeadline
	}

	id := atomic.AddInt64(&r.nextID, 1)

	p := newPending()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrCanceled
	}
	r.pending[id] = p
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}

	payload, err := json.Marshal(envelope{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("registry: marshal request %s: %w", method, err)
	}

	if err := r.sender.Send(payload); err != nil {
		cleanup()
		return nil, fmt.Errorf("registry: send request %s: %w", method, err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		cleanup()
		return res.raw, res.err
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("registry: call %s (id=%d): %w", method, id, ErrTimeout)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-p.done:
		// completed via CancelAll between send and select setup
		res := <-p.ch
		cleanup()
		return res.raw, res.err
	}
}

// Notify sends a fire-and-forget notification; there is no id and no
// response to correlate.
func (r *Registry) Notify(method string, params interface{}) error {
	payload, err := json.Marshal(envelope{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("registry: marshal notification %s: %w", method, err)
	}
	return r.sender.Send(payload)
}

// OnIncoming dispatches one inbound frame: a response is matched to its
// pending call by id; a notification is routed to its registered handler, if
// any; anything else (unmatched id, unregistered method) is logged and
// dropped — the gateway is never a language client surface itself, so there
// is no reasonable reply to send back.
func (r *Registry) OnIncoming(raw []byte) {
	var msg RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.logger.Warn("registry: dropping unparseable message", zap.Error(err))
		return
	}

	if len(msg.ID) > 0 && msg.Method == "" {
		r.deliverResponse(msg)
		return
	}

	if msg.Method != "" {
		r.dispatchNotification(msg)
		return
	}

	r.logger.Warn("registry: dropping message with neither id nor method")
}

func (r *Registry) deliverResponse(msg RawMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		r.logger.Warn("registry: response id is not a number", zap.ByteString("id", msg.ID))
		return
	}

	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		// Already timed out, already delivered, or never ours — drop silently.
		r.logger.Debug("registry: no pending call for response id", zap.Int64("id", id))
		return
	}

	if msg.Error != nil {
		p.complete(result{err: msg.Error})
		return
	}
	p.complete(result{raw: msg.Result})
}

func (r *Registry) dispatchNotification(msg RawMessage) {
	r.notifyMu.RLock()
	handler, ok := r.notify[msg.Method]
	r.notifyMu.RUnlock()

	if !ok {
		r.logger.Debug("registry: no handler for notification", zap.String("method", msg.Method))
		return
	}
	handler(msg.Params)
}

// CancelAll completes every pending call with reason and marks the registry
// closed: subsequent Call invocations fail immediately. Used when the owning
// client crashes or is disposed so no caller blocks until its deadline.
func (r *Registry) CancelAll(reason error) {
	if reason == nil {
		reason = ErrCanceled
	}

	r.mu.Lock()
	r.closed = true
	toCancel := make([]*pending, 0, len(r.pending))
	for id, p := range r.pending {
		toCancel = append(toCancel, p)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, p := range toCancel {
		p.complete(result{err: reason})
	}
}

// Reopen clears the closed flag so a restarted client can reuse its
// registry. The id counter is never reset, per spec §4.2: ids already
// issued before a restart must never be reissued.
func (r *Registry) Reopen(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
	r.sender = sender
}
