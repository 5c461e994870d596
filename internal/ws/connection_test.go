package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"

	"gateway/internal/auth"
	"gateway/internal/dispatch"
	"gateway/internal/livequery"
	"gateway/internal/metrics"
	"gateway/internal/plan"
	"gateway/internal/schemacache"
)

// fakeAuth accepts every connection as role user, or fails when reject
// is set.
type fakeAuth struct {
	reject atomic.Bool
	calls  int
	mu     sync.Mutex
}

func (a *fakeAuth) Resolve(_ context.Context, _ http.Header) (*auth.UserInfo, *time.Time, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.reject.Load() {
		return nil, nil, auth.ErrMissingAuth
	}
	return &auth.UserInfo{Role: "user", SessionVars: map[string]string{auth.VarRole: "user"}}, nil, nil
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakePoller records registrations and lets tests push results.
type fakePoller struct {
	mu       sync.Mutex
	subs     map[livequery.ID]livequery.Subscriber
	removed  []livequery.ID
	asyncSub map[livequery.OperationKey]livequery.AsyncSubscriber
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		subs:     make(map[livequery.ID]livequery.Subscriber),
		asyncSub: make(map[livequery.OperationKey]livequery.AsyncSubscriber),
	}
}

func (p *fakePoller) Add(_ context.Context, sub livequery.Subscriber) (livequery.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := ulid.Make()
	p.subs[id] = sub
	return id, nil
}

func (p *fakePoller) Remove(id livequery.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, id)
	p.removed = append(p.removed, id)
	return nil
}

func (p *fakePoller) AddAsyncAction(_ context.Context, sub livequery.AsyncSubscriber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asyncSub[sub.Key] = sub
	return nil
}

func (p *fakePoller) RemoveAsyncAction(key livequery.OperationKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.asyncSub, key)
}

func (p *fakePoller) push(res livequery.Result) {
	p.mu.Lock()
	subs := make([]livequery.Subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	for _, s := range subs {
		s.OnChange(res)
	}
}

func (p *fakePoller) removedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.removed)
}

func (p *fakePoller) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// fakePlanner plans {foo} style queries as one raw field and
// subscriptions as a trivial source-backed live query. It counts DB-step
// plans through the recording executor below.
type fakePlanner struct{}

func (fakePlanner) Plan(_ context.Context, _ *auth.UserInfo, _ *ast.Schema, req *plan.ParsedRequest) (string, *plan.RootPlan, error) {
	kind := req.OperationKind()
	p := &plan.RootPlan{Kind: kind}
	for _, sel := range req.Operation.SelectionSet {
		f, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		p.Fields = append(p.Fields, plan.Field{
			Name: f.Name,
			Step: plan.Step{Raw: &plan.RawStep{Value: json.RawMessage(`"bar"`)}},
		})
	}
	if kind == plan.KindSubscription {
		source := plan.SourceConfig{Name: "default", Backend: plan.BackendPostgres}
		p.Subscription = &plan.SubscriptionPlan{
			Source: source,
			BuildLiveQuery: func(map[string]json.RawMessage) (*plan.LiveQuery, error) {
				return &plan.LiveQuery{Source: source, SQL: "SELECT 1"}, nil
			},
		}
	}
	return "hash-" + req.Raw.Query, p, nil
}

type testHarness struct {
	server  *httptest.Server
	ws      *Server
	poller  *fakePoller
	auth    *fakeAuth
	metrics *metrics.Registry
}

func newHarness(t *testing.T, mutate func(*Env)) *testHarness {
	t.Helper()
	poller := newFakePoller()
	fa := &fakeAuth{}
	m := metrics.New()
	env := Env{
		Logger:            zap.NewNop(),
		Poller:            poller,
		Auth:              fa,
		Metrics:           m,
		KeepAliveInterval: time.Hour, // keep kas out of scenario streams
	}
	env.Engine = dispatch.New(dispatch.Config{
		Logger:  zap.NewNop(),
		Planner: fakePlanner{},
		Schema:  schemacache.New(nil),
		Poller:  poller,
	})
	if mutate != nil {
		mutate(&env)
	}
	wsrv := CreateServer(env)
	h := &testHarness{
		server:  httptest.NewServer(wsrv),
		ws:      wsrv,
		poller:  poller,
		auth:    fa,
		metrics: m,
	}
	t.Cleanup(h.server.Close)
	return h
}

func (h *testHarness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(h.server.URL, "http://", "ws://", 1) + path
	header := http.Header{"Sec-WebSocket-Protocol": []string{Subprotocol}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.Equal(t, Subprotocol, resp.Header.Get("Sec-Websocket-Protocol"))
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func recv(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func initConn(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, `{"type":"connection_init","payload":{}}`)
	require.Equal(t, MsgConnectionAck, recv(t, conn).Type)
	require.Equal(t, MsgConnectionKA, recv(t, conn).Type)
}

func TestHappyPathQuery(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")

	initConn(t, conn)
	send(t, conn, `{"type":"start","id":"q1","payload":{"query":"{ foo }"}}`)

	data := recv(t, conn)
	assert.Equal(t, MsgData, data.Type)
	assert.Equal(t, "q1", data.ID)
	assert.JSONEq(t, `{"data":{"foo":"bar"}}`, string(data.Payload))

	complete := recv(t, conn)
	assert.Equal(t, MsgComplete, complete.Type)
	assert.Equal(t, "q1", complete.ID)

	// Queries never enter the registry.
	assert.Equal(t, 0, h.poller.liveCount())
}

func TestStartBeforeInit(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")

	send(t, conn, `{"type":"start","id":"q1","payload":{"query":"{ foo }"}}`)

	errFrame := recv(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)
	assert.Equal(t, "q1", errFrame.ID)
	assert.Contains(t, string(errFrame.Payload), "start received before the connection is initialised")

	complete := recv(t, conn)
	assert.Equal(t, MsgComplete, complete.Type)
	assert.Equal(t, "q1", complete.ID)

	// No auth call was made.
	assert.Equal(t, 0, h.auth.callCount())
}

func TestStartAfterInitError(t *testing.T) {
	h := newHarness(t, nil)
	h.auth.reject.Store(true)
	conn := h.dial(t, "/v1/graphql")

	send(t, conn, `{"type":"connection_init","payload":{}}`)
	ce := recv(t, conn)
	require.Equal(t, MsgConnectionError, ce.Type)

	send(t, conn, `{"type":"start","id":"q1","payload":{"query":"{ foo }"}}`)
	errFrame := recv(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)
	assert.Contains(t, string(errFrame.Payload), "cannot start as connection_init failed with")
	assert.Equal(t, MsgComplete, recv(t, conn).Type)
}

func TestDuplicateOperationID(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")
	initConn(t, conn)

	send(t, conn, `{"type":"start","id":"s1","payload":{"query":"subscription { ticks }"}}`)
	require.Eventually(t, func() bool { return h.poller.liveCount() == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, `{"type":"start","id":"s1","payload":{"query":"subscription { ticks }"}}`)
	errFrame := recv(t, conn)
	assert.Equal(t, MsgError, errFrame.Type)
	assert.Equal(t, "s1", errFrame.ID)
	assert.Contains(t, string(errFrame.Payload), "an operation already exists with this id: s1")

	// No complete follows, and the original subscription still delivers.
	h.poller.push(livequery.Result{Data: json.RawMessage(`{"ticks":1}`)})
	data := recv(t, conn)
	assert.Equal(t, MsgData, data.Type)
	assert.Equal(t, "s1", data.ID)
	assert.Equal(t, 1, h.poller.liveCount())
}

func TestSubscriptionAddRemove(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")
	initConn(t, conn)

	send(t, conn, `{"type":"start","id":"s1","payload":{"query":"subscription { ticks }"}}`)
	require.Eventually(t, func() bool { return h.poller.liveCount() == 1 }, time.Second, 5*time.Millisecond)

	h.poller.push(livequery.Result{Data: json.RawMessage(`{"ticks":1}`), ExecTime: 2 * time.Millisecond})
	h.poller.push(livequery.Result{Data: json.RawMessage(`{"ticks":2}`)})

	first := recv(t, conn)
	assert.Equal(t, MsgData, first.Type)
	assert.Equal(t, "s1", first.ID)
	assert.Contains(t, string(first.Payload), `"ticks":1`)
	second := recv(t, conn)
	assert.Equal(t, MsgData, second.Type)
	assert.Contains(t, string(second.Payload), `"ticks":2`)

	send(t, conn, `{"type":"stop","id":"s1"}`)
	require.Eventually(t, func() bool { return h.poller.removedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.poller.liveCount())

	// Pushes after stop reach nobody; no complete is emitted for stop.
	h.poller.push(livequery.Result{Data: json.RawMessage(`{"ticks":3}`)})
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var f frame
	err := conn.ReadJSON(&f)
	assert.Error(t, err, "expected no further frames after stop, got %+v", f)
}

func TestCloseCleansUpEverySubscription(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")
	initConn(t, conn)

	for _, id := range []string{"s1", "s2", "s3"} {
		send(t, conn, `{"type":"start","id":"`+id+`","payload":{"query":"subscription { ticks }"}}`)
	}
	require.Eventually(t, func() bool { return h.poller.liveCount() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), h.metrics.ActiveConnections())

	conn.Close()

	require.Eventually(t, func() bool { return h.poller.removedCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.poller.liveCount())
	require.Eventually(t, func() bool { return h.metrics.ActiveConnections() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnectionTerminateClosesSocket(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")
	initConn(t, conn)

	send(t, conn, `{"type":"connection_terminate"}`)
	require.Eventually(t, func() bool { return h.ws.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBadFrameKeepsSocketOpen(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")

	send(t, conn, `not json`)
	ce := recv(t, conn)
	assert.Equal(t, MsgConnectionError, ce.Type)

	// The socket survived; init still works.
	initConn(t, conn)
}

func TestRepeatInitIgnoredSilently(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1/graphql")
	initConn(t, conn)

	send(t, conn, `{"type":"connection_init","payload":{}}`)
	// No ack, no error: the next frame we see is for the started query.
	send(t, conn, `{"type":"start","id":"q1","payload":{"query":"{ foo }"}}`)
	data := recv(t, conn)
	assert.Equal(t, MsgData, data.Type)
	assert.Equal(t, "q1", data.ID)
	assert.Equal(t, 1, h.auth.callCount())
}

func TestUnknownPathIs404(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.server.URL + "/v2/graphql")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSAllowlistRejects(t *testing.T) {
	h := newHarness(t, func(env *Env) {
		env.CORS = CORSConfig{Mode: CORSAllowedOrigins, Domains: []string{"example.com"}}
	})

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/v1/graphql", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	// No socket opened, no accepted connection.
	assert.Equal(t, 0, h.ws.ConnectionCount())
	assert.Equal(t, int64(0), h.metrics.ActiveConnections())
}

func TestCORSAllowlistAdmits(t *testing.T) {
	h := newHarness(t, func(env *Env) {
		env.CORS = CORSConfig{Mode: CORSAllowedOrigins, Domains: []string{"example.com"}, Wildcards: []string{"trusted.io"}}
	})

	url := strings.Replace(h.server.URL, "http://", "ws://", 1) + "/v1/graphql"
	header := http.Header{
		"Sec-WebSocket-Protocol": []string{Subprotocol},
		"Origin":                 []string{"https://app.trusted.io"},
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestKeepAliveTicks(t *testing.T) {
	h := newHarness(t, func(env *Env) {
		env.KeepAliveInterval = 30 * time.Millisecond
	})
	conn := h.dial(t, "/v1/graphql")

	// Keepalive runs regardless of connection state.
	f := recv(t, conn)
	assert.Equal(t, MsgConnectionKA, f.Type)
}

func TestLegacyErrorStyleOnAlphaPath(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "/v1alpha1/graphql")

	send(t, conn, `{"type":"start","id":"q1","payload":{"query":"{ foo }"}}`)
	errFrame := recv(t, conn)
	require.Equal(t, MsgError, errFrame.Type)

	var legacy struct {
		Code  string `json:"code"`
		Path  string `json:"path"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(errFrame.Payload, &legacy))
	assert.Equal(t, "$", legacy.Path)
	assert.NotEmpty(t, legacy.Error)
	assert.Equal(t, MsgComplete, recv(t, conn).Type)
}
