package appserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/draftnote/turnwire"
)

// Conn multiplexes the wire protocol over newline-delimited JSON: outbound
// requests and notifications through a mutex-serialized writer, inbound
// frames classified once at the codec boundary and dispatched from ReadLoop.
//
// Request ids are decimal strings from a counter starting at 1. Inbound
// server-request ids are opaque — the host may use numbers for its own
// counter — so they are keyed by a normalized form and echoed back raw.
//
// All handlers must be registered before ReadLoop starts.
type Conn struct {
	mu  sync.Mutex
	enc *json.Encoder

	nextID  atomic.Int64
	pending map[string]chan wireReply

	notifyHandlers map[string]func(json.RawMessage)
	methodHandlers map[string]func(json.RawMessage) (any, error)
	onBadLine      func(line string)

	requestTimeout time.Duration
	scanner        *bufio.Scanner

	closed  atomic.Bool
	termErr atomic.Value // error set by failPending
	done    chan struct{}
}

// wireReply settles one pending request: a decoded response frame, or a
// synthetic local error (exit, disposal).
type wireReply struct {
	result json.RawMessage
	rpcErr *wireError
	err    error
}

type connConfig struct {
	requestTimeout time.Duration
	maxLineSize    int
	onBadLine      func(line string)
}

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxLineSize    = 4 << 20 // single JSON frame cap
)

func newConn(r io.Reader, w io.Writer, cfg connConfig) *Conn {
	if cfg.requestTimeout <= 0 {
		cfg.requestTimeout = defaultRequestTimeout
	}
	if cfg.maxLineSize <= 0 {
		cfg.maxLineSize = defaultMaxLineSize
	}
	c := &Conn{
		enc:            json.NewEncoder(w),
		pending:        make(map[string]chan wireReply),
		notifyHandlers: make(map[string]func(json.RawMessage)),
		methodHandlers: make(map[string]func(json.RawMessage) (any, error)),
		onBadLine:      cfg.onBadLine,
		requestTimeout: cfg.requestTimeout,
		done:           make(chan struct{}),
	}
	c.scanner = bufio.NewScanner(r)
	initCap := min(4096, cfg.maxLineSize)
	c.scanner.Buffer(make([]byte, 0, initCap), cfg.maxLineSize)
	return c
}

// OnNotification registers a handler for inbound notifications.
// Must be called before ReadLoop starts.
func (c *Conn) OnNotification(method string, h func(json.RawMessage)) {
	c.notifyHandlers[method] = h
}

// OnMethod registers a handler for inbound server requests. The handler runs
// in a dedicated goroutine; its result or error is sent back keyed on the
// request's raw id. Must be called before ReadLoop starts.
func (c *Conn) OnMethod(method string, h func(json.RawMessage) (any, error)) {
	c.methodHandlers[method] = h
}

// Call sends a request and blocks until the matching response arrives, the
// per-request timeout fires, or ctx expires. Settlement is at-most-once: the
// pending entry is removed by whichever path wins.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	if c.closed.Load() {
		return c.closedErr(method)
	}

	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan wireReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := outboundRequest{ID: id, Method: method, Params: params}
	if err := c.send(req); err != nil {
		c.unregister(id)
		return fmt.Errorf("appserver: send %s: %w", method, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return c.settle(reply, method, result)
	case <-timer.C:
		c.unregister(id)
		// The response may have landed just before the timer fired.
		select {
		case reply := <-ch:
			return c.settle(reply, method, result)
		default:
		}
		return fmt.Errorf("appserver: %s: no response within %s: %w",
			method, c.requestTimeout, turnwire.ErrTimeout)
	case <-ctx.Done():
		c.unregister(id)
		select {
		case reply := <-ch:
			return c.settle(reply, method, result)
		default:
		}
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget notification (no id, no pending entry).
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return c.closedErr(method)
	}
	return c.send(outboundRequest{Method: method, Params: params})
}

// settle maps a wireReply to the caller's result and error.
func (c *Conn) settle(reply wireReply, method string, result any) error {
	if reply.err != nil {
		return fmt.Errorf("appserver: %s: %w", method, reply.err)
	}
	if reply.rpcErr != nil {
		return &turnwire.RemoteError{Code: reply.rpcErr.Code, Message: reply.rpcErr.Message}
	}
	if result != nil && len(reply.result) > 0 {
		if err := json.Unmarshal(reply.result, result); err != nil {
			return fmt.Errorf("appserver: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Conn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) closedErr(method string) error {
	if v := c.termErr.Load(); v != nil {
		return fmt.Errorf("appserver: %s: %w", method, v.(error))
	}
	return fmt.Errorf("appserver: %s: %w", method, turnwire.ErrNotRunning)
}

// ReadLoop reads and dispatches inbound frames until the reader closes.
// Must be called exactly once. The caller owns post-exit cleanup
// (failPending) — ReadLoop itself only signals completion via Done.
func (c *Conn) ReadLoop() {
	defer close(c.done)

	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg wireMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed protocol traffic is diagnostic, not fatal.
			if c.onBadLine != nil {
				c.onBadLine(string(line))
			}
			continue
		}
		c.dispatch(&msg)
	}
}

// Done is closed when ReadLoop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

// failPending marks the connection dead and settles every outstanding
// request with err. Idempotent; later Calls fail fast with the same error.
func (c *Conn) failPending(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.termErr.Store(err)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- wireReply{err: err}
		delete(c.pending, id)
	}
}

// Wire protocol error codes (JSON-RPC-compatible).
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// --- Internal ---

func (c *Conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

// inboundKind is the tagged classification of a parsed inbound frame.
// Classification happens once here; downstream code never re-inspects
// field presence.
type inboundKind int

const (
	kindResponse inboundKind = iota
	kindServerRequest
	kindNotification
	kindUnrecognized
)

func classify(m *wireMsg) inboundKind {
	switch {
	case len(m.ID) > 0 && (len(m.Result) > 0 || m.Error != nil):
		return kindResponse
	case len(m.ID) > 0 && m.Method != "":
		return kindServerRequest
	case m.Method != "":
		return kindNotification
	default:
		return kindUnrecognized
	}
}

func (c *Conn) dispatch(msg *wireMsg) {
	switch classify(msg) {
	case kindResponse:
		c.handleResponse(msg)
	case kindServerRequest:
		c.handleServerRequest(msg)
	case kindNotification:
		if h, ok := c.notifyHandlers[msg.Method]; ok {
			h(msg.Params)
		}
	case kindUnrecognized:
		// Matches no inbound shape — ignore.
	}
}

func (c *Conn) handleResponse(msg *wireMsg) {
	id := rawIDKey(msg.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return // duplicate or unsolicited response
	}
	ch <- wireReply{result: msg.Result, rpcErr: msg.Error}
}

// handleServerRequest runs the registered handler in a dedicated goroutine
// and guarantees a reply on the inbound id: handler result, handler error as
// an internal-error frame, panic as an internal-error frame, or
// method-not-found when nothing is registered.
func (c *Conn) handleServerRequest(msg *wireMsg) {
	h, ok := c.methodHandlers[msg.Method]
	if !ok {
		c.sendError(msg.ID, codeMethodNotFound, "method not supported: "+msg.Method)
		return
	}
	id := msg.ID
	method := msg.Method
	params := msg.Params
	go func() {
		result, err := safeHandle(h, params)
		if err != nil {
			c.sendError(id, codeInternalError, method+": "+err.Error())
			return
		}
		c.sendResult(id, result)
	}()
}

// safeHandle converts a handler panic into an error so the inbound request
// is still answered.
func safeHandle(h func(json.RawMessage) (any, error), params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(params)
}

// sendResult and sendError are best-effort: they run after ReadLoop may have
// observed EOF, and the host times out on its side if the pipe is gone.
func (c *Conn) sendResult(id json.RawMessage, result any) {
	_ = c.send(outboundReply{ID: id, Result: result})
}

func (c *Conn) sendError(id json.RawMessage, code int, message string) {
	_ = c.send(outboundReply{ID: id, Error: &wireError{Code: code, Message: message}})
}

// rawIDKey normalizes a raw JSON id to a map key: numbers and strings
// collapse to the same decimal text.
func rawIDKey(raw json.RawMessage) string {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// --- Wire envelope types ---

// outboundRequest is a request (ID set) or notification (ID empty).
type outboundRequest struct {
	ID     string `json:"id,omitempty"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// outboundReply answers an inbound server request, echoing its raw id.
type outboundReply struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// wireMsg is a generic inbound frame prior to classification.
type wireMsg struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
