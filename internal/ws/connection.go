package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gateway/internal/dispatch"
	"gateway/internal/gqlerr"
	"gateway/internal/livequery"
	"gateway/internal/plan"
)

// QueryType tags the request dialect fixed at handshake from the URL
// path.
type QueryType int

const (
	QueryTypeHasura QueryType = iota
	QueryTypeRelay
)

func (q QueryType) String() string {
	if q == QueryTypeRelay {
		return "relay"
	}
	return "hasura"
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024
	sendBufferSize = 256
)

// Connection owns one accepted WebSocket: its protocol state, operation
// registry, outbound queue, and the keepalive and token-expiry tasks.
type Connection struct {
	id        string
	srv       *Server
	sock      *websocket.Conn
	errStyle  gqlerr.Style
	queryType QueryType

	state atomic.Pointer[connState]
	ops   *operationRegistry

	// asyncOps tracks async-only subscription ids; they live on the
	// poller's async queue but have no live-query handle, so the
	// registry cannot carry them.
	asyncMu  sync.Mutex
	asyncOps map[string]struct{}

	// send carries encoded frames to the single writer. It is never
	// closed; producers race it against done instead.
	send chan []byte
	// done closes exactly once when the connection is torn down.
	done      chan struct{}
	closeOnce sync.Once

	// initialised closes when the connection reaches the Initialised
	// state; the token-expiry task blocks on it.
	initialised chan struct{}
	initOnce    sync.Once

	// currentOpID is the id of the start being handled. Handlers are
	// serialized on the reader goroutine, so a plain field suffices.
	currentOpID string

	logger *zap.Logger
}

func newConnection(srv *Server, sock *websocket.Conn, style gqlerr.Style, qt QueryType, headers http.Header, ip string) *Connection {
	c := &Connection{
		id:          uuid.NewString(),
		srv:         srv,
		sock:        sock,
		errStyle:    style,
		queryType:   qt,
		ops:         newOperationRegistry(),
		asyncOps:    make(map[string]struct{}),
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		initialised: make(chan struct{}),
	}
	c.state.Store(notInitialised(headers, ip))
	c.logger = srv.env.Logger.With(zap.String("ws_id", c.id))
	return c
}

// run starts the per-connection tasks and blocks in the reader until the
// socket dies. Handlers run on the reader goroutine only, so onMessage
// is never re-entered concurrently for one connection.
func (c *Connection) run() {
	go c.writePump()
	go c.keepAlive()
	go c.watchTokenExpiry()
	c.readPump()
}

// readPump drains the socket and dispatches one message at a time.
func (c *Connection) readPump() {
	defer c.close("reader exited")

	c.sock.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected socket close", zap.Error(err))
			}
			return
		}
		if terminate := c.srv.onMessage(c, data); terminate {
			return
		}
	}
}

// writePump is the single consumer of the outbound queue; it gives the
// connection its total message order.
func (c *Connection) writePump() {
	defer c.sock.Close()
	for {
		select {
		case data := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("socket write failed", zap.Error(err))
				c.close("write failed")
				return
			}
			c.srv.env.Metrics.MessageSent()
		case <-c.done:
			return
		}
	}
}

// keepAlive enqueues a ka frame on the configured interval, in every
// connection state.
func (c *Connection) keepAlive() {
	ticker := time.NewTicker(c.srv.env.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.enqueue(ServerMessage{Type: MsgConnectionKA})
		case <-c.done:
			return
		}
	}
}

// watchTokenExpiry blocks until the connection is initialised with a
// token expiry, then closes the socket at that instant. A nil expiry
// keeps the task blocked for the connection's lifetime.
func (c *Connection) watchTokenExpiry() {
	select {
	case <-c.initialised:
	case <-c.done:
		return
	}
	st := c.state.Load()
	if st.tokenExpiry == nil {
		return
	}
	timer := time.NewTimer(time.Until(*st.tokenExpiry))
	defer timer.Stop()
	select {
	case <-timer.C:
		c.logger.Info("closing connection: JWT expired")
		c.close("JWT expired")
	case <-c.done:
	}
}

// enqueue encodes and queues one frame for the writer, dropping it
// silently once the connection is closed.
func (c *Connection) enqueue(msg ServerMessage) {
	data, err := EncodeServerMessage(msg)
	if err != nil {
		c.logger.Error("message encode failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	}
}

// Data implements dispatch.Emitter.
func (c *Connection) Data(opID string, payload json.RawMessage) {
	c.enqueue(ServerMessage{Type: MsgData, ID: opID, Payload: payload})
}

// DataErr implements dispatch.Emitter: a data frame carrying the
// rendered error payload, used for per-poll subscription failures.
func (c *Connection) DataErr(opID string, err error) {
	c.enqueue(ServerMessage{Type: MsgData, ID: opID, Payload: gqlerr.Render(c.errStyle, err)})
}

// Error implements dispatch.Emitter.
func (c *Connection) Error(opID string, err error) {
	c.enqueue(ServerMessage{Type: MsgError, ID: opID, Payload: gqlerr.Render(c.errStyle, err)})
}

// Complete implements dispatch.Emitter.
func (c *Connection) Complete(opID string) {
	c.enqueue(ServerMessage{Type: MsgComplete, ID: opID})
}

// Record implements dispatch.SubscriptionHost: the atomic registry
// insert for a freshly registered live query.
func (c *Connection) Record(id livequery.ID, opName string) error {
	// The duplicate check ran before dispatch and handlers are
	// serialized, so a conflict here means a protocol invariant broke.
	if !c.ops.insert(c.currentOpID, registryEntry{liveQueryID: id, operationName: opName}) {
		return gqlerr.Newf(gqlerr.CodeInternal, gqlerr.CategoryInternal, "operation %q registered concurrently", c.currentOpID)
	}
	return nil
}

// RecordAsync implements dispatch.SubscriptionHost for async-only
// subscriptions.
func (c *Connection) RecordAsync(opID string) {
	c.asyncMu.Lock()
	c.asyncOps[opID] = struct{}{}
	c.asyncMu.Unlock()
}

// dropAsync forgets an async-only operation, reporting whether it was
// tracked.
func (c *Connection) dropAsync(opID string) bool {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	if _, ok := c.asyncOps[opID]; !ok {
		return false
	}
	delete(c.asyncOps, opID)
	return true
}

func (c *Connection) asyncLive(opID string) bool {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	_, ok := c.asyncOps[opID]
	return ok
}

// Replace implements dispatch.SubscriptionHost: swaps the live-query
// handle after an async-action restart, removing the superseded one.
func (c *Connection) Replace(opID string, id livequery.ID) bool {
	old, ok := c.ops.replace(opID, id)
	if !ok {
		return false
	}
	if err := c.srv.env.Poller.Remove(old); err != nil {
		c.logger.Error("stale live query removal failed",
			zap.String("op_id", opID), zap.Error(err))
	}
	return true
}

// connectionError enqueues a connection-scoped error frame.
func (c *Connection) connectionError(err error) {
	c.enqueue(ServerMessage{Type: MsgConnectionError, Payload: gqlerr.Render(c.errStyle, err)})
}

// handleInit processes connection_init. Allowed only before the first
// init; repeats are ignored silently.
func (c *Connection) handleInit(msg *ClientMessage) {
	st := c.state.Load()
	if st.status != statusNotInitialised {
		return
	}

	headers := cloneHeader(st.headers)
	if len(msg.Payload) > 0 {
		var payload InitPayload
		if err := jsonfast.Unmarshal(msg.Payload, &payload); err != nil {
			c.failInit(fmt.Sprintf("parsing connection_init payload failed: %v", err))
			return
		}
		for name, value := range payload.Headers {
			headers.Set(name, value)
		}
	}

	user, expiry, err := c.srv.env.Auth.Resolve(context.Background(), headers)
	if err != nil {
		c.failInit(err.Error())
		return
	}

	c.state.Store(st.toInitialised(user, expiry, headers))
	c.initOnce.Do(func() { close(c.initialised) })

	c.enqueue(ServerMessage{Type: MsgConnectionAck})
	c.enqueue(ServerMessage{Type: MsgConnectionKA})
	c.logger.Info("connection initialised",
		zap.String("role", user.Role),
		zap.Bool("has_expiry", expiry != nil))
}

func (c *Connection) failInit(msg string) {
	st := c.state.Load()
	c.state.Store(st.toInitError(msg))
	c.logEvent("connection_error", zap.String("msg", msg))
	c.connectionError(gqlerr.New(gqlerr.CodeInitFailed, gqlerr.CategoryAuth, msg))
}

// handleStart runs the start preconditions in order, then dispatches.
func (c *Connection) handleStart(msg *ClientMessage) {
	opID := msg.ID
	if opID == "" {
		c.connectionError(gqlerr.New(gqlerr.CodeParseFailed, gqlerr.CategoryProtocol, "start message without id"))
		return
	}

	// Duplicate ids must not clobber the live operation: error only, no
	// complete, existing entry untouched.
	if c.ops.exists(opID) || c.asyncLive(opID) {
		c.logOperation(opID, "proto_err", zap.String("reason", "duplicate operation id"))
		c.Error(opID, gqlerr.Newf(gqlerr.CodeDuplicateOpID, gqlerr.CategoryProtocol, "an operation already exists with this id: %s", opID))
		return
	}

	st := c.state.Load()
	switch st.status {
	case statusInitError:
		c.logOperation(opID, "proto_err", zap.String("reason", "connection init failed"))
		c.Error(opID, gqlerr.Newf(gqlerr.CodeStartBeforeInit, gqlerr.CategoryProtocol, "cannot start as connection_init failed with: %s", st.initErr))
		c.Complete(opID)
		return
	case statusNotInitialised:
		c.logOperation(opID, "proto_err", zap.String("reason", "start before init"))
		c.Error(opID, gqlerr.New(gqlerr.CodeStartBeforeInit, gqlerr.CategoryProtocol, "start received before the connection is initialised"))
		c.Complete(opID)
		return
	}

	var payload StartPayload
	if err := jsonfast.Unmarshal(msg.Payload, &payload); err != nil {
		c.logOperation(opID, "query_err", zap.Error(err))
		c.Error(opID, gqlerr.Wrap(gqlerr.CodeParseFailed, gqlerr.CategoryValidation, "parsing start payload failed", err))
		c.Complete(opID)
		return
	}

	requestID := uuid.NewString()
	op := dispatch.Operation{
		WSID:      c.id,
		OpID:      opID,
		RequestID: requestID,
		User:      st.user,
		Headers:   st.forwardedHeaders,
		Request: plan.Request{
			Query:         payload.Query,
			Variables:     payload.Variables,
			OperationName: payload.OperationName,
		},
	}

	c.logOperation(opID, "started",
		zap.String("request_id", requestID),
		zap.String("operation_name", payload.OperationName),
		zap.String("query_type", c.queryType.String()))
	c.srv.env.Metrics.OperationStarted()

	c.currentOpID = opID
	kind, err := c.srv.env.Engine.Execute(context.Background(), op, c, c)
	c.currentOpID = ""
	if err != nil {
		c.logOperation(opID, "query_err", zap.String("request_id", requestID), zap.Error(err))
		c.Error(opID, err)
		c.Complete(opID)
		return
	}
	if kind != plan.KindSubscription {
		c.logOperation(opID, "completed", zap.String("request_id", requestID))
	}
}

// handleStop removes the operation and its poller registration. A miss
// is expected for completed queries/mutations and raced completions.
func (c *Connection) handleStop(msg *ClientMessage) {
	entry, ok := c.ops.remove(msg.ID)
	if !ok {
		if c.dropAsync(msg.ID) {
			c.logOperation(msg.ID, "stopped")
			c.srv.env.Poller.RemoveAsyncAction(livequery.OperationKey{WSID: c.id, OpID: msg.ID})
			return
		}
		c.logger.Debug("stop for unknown operation", zap.String("op_id", msg.ID))
		return
	}
	c.logOperation(msg.ID, "stopped", zap.String("operation_name", entry.operationName))
	if err := c.srv.env.Poller.Remove(entry.liveQueryID); err != nil {
		c.logger.Error("live query removal failed",
			zap.String("op_id", msg.ID), zap.Error(err))
	}
	c.srv.env.Poller.RemoveAsyncAction(livequery.OperationKey{WSID: c.id, OpID: msg.ID})
}

// close tears the connection down exactly once: closed log event first
// (so it reflects the pre-close registry), then live-query removals,
// then the gauge decrement.
func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.logEvent("closed",
			zap.String("reason", reason),
			zap.Int("live_queries", c.ops.size()))

		for opID, entry := range c.ops.drain() {
			if err := c.srv.env.Poller.Remove(entry.liveQueryID); err != nil {
				c.logger.Error("live query removal on close failed",
					zap.String("op_id", opID), zap.Error(err))
			}
			c.srv.env.Poller.RemoveAsyncAction(livequery.OperationKey{WSID: c.id, OpID: opID})
		}

		c.asyncMu.Lock()
		asyncOps := c.asyncOps
		c.asyncOps = make(map[string]struct{})
		c.asyncMu.Unlock()
		for opID := range asyncOps {
			c.srv.env.Poller.RemoveAsyncAction(livequery.OperationKey{WSID: c.id, OpID: opID})
		}

		close(c.done)
		c.sock.Close()
		c.srv.dropConnection(c)
		c.srv.env.Metrics.ConnectionClosed()
	})
}

// logEvent emits one structured connection event record.
func (c *Connection) logEvent(event string, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("event", event)}, fields...)
	c.logger.Info("websocket event", all...)
}

// logOperation emits one structured operation event record.
func (c *Connection) logOperation(opID, opType string, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("event", "operation"),
		zap.String("type", opType),
		zap.String("op_id", opID),
	}, fields...)
	c.logger.Info("websocket event", all...)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	return out
}
