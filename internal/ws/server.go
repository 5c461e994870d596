package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gateway/internal/auth"
	"gateway/internal/dispatch"
	"gateway/internal/gqlerr"
	"gateway/internal/livequery"
	"gateway/internal/metrics"
)

// Env is the process-wide environment injected into every connection.
type Env struct {
	Logger            *zap.Logger
	Engine            *dispatch.Engine
	Poller            livequery.Poller
	Auth              auth.Authenticator
	Metrics           *metrics.Registry
	KeepAliveInterval time.Duration
	CORS              CORSConfig
}

// route fixes the error style and query type for one URL path.
type route struct {
	style gqlerr.Style
	qt    QueryType
}

var routes = map[string]route{
	"/v1alpha1/graphql": {style: gqlerr.StyleLegacy, qt: QueryTypeHasura},
	"/v1/graphql":       {style: gqlerr.StyleCompliant, qt: QueryTypeHasura},
	"/v1beta1/relay":    {style: gqlerr.StyleCompliant, qt: QueryTypeRelay},
}

// Server accepts WebSocket upgrades on the GraphQL paths and owns every
// live connection.
type Server struct {
	env      Env
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// CreateServer builds the transport server around the environment. The
// connection handlers (onConnect, onMessage, onClose) are methods of the
// returned server. onConnect and onMessage run on the owning connection's
// reader goroutine, and onMessage is never re-entered concurrently for one
// connection; onClose (dropConnection) runs from whichever task closes the
// connection (reader, writer, token-expiry task or Shutdown).
func CreateServer(env Env) *Server {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.KeepAliveInterval <= 0 {
		env.KeepAliveInterval = 5 * time.Second
	}
	if env.Metrics == nil {
		env.Metrics = metrics.New()
	}
	s := &Server{
		env:   env,
		conns: make(map[string]*Connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{Subprotocol},
		// Origin enforcement happens before the upgrade so the
		// rejection carries a machine-readable 400 body.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// ServeHTTP routes the three GraphQL paths and performs the handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := routes[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	shuttingDown := s.closed
	s.mu.Unlock()
	if shuttingDown {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if err := s.env.CORS.checkOrigin(r); err != nil {
		s.env.Logger.Info("websocket event",
			zap.String("event", "rejected"),
			zap.String("origin", r.Header.Get("Origin")),
			zap.String("qerr", err.Error()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		body, _ := jsonfast.Marshal(gqlerr.Render(rt.style, err))
		w.Write(body)
		return
	}

	headers := s.env.CORS.filterHeaders(r.Header, s.env.Logger)

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.env.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(s, sock, rt.style, rt.qt, headers, r.RemoteAddr)
	s.onConnect(conn)
	conn.run()
}

// onConnect registers the accepted connection.
func (s *Server) onConnect(c *Connection) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.env.Metrics.ConnectionOpened()
	c.logEvent("accepted",
		zap.String("ip", c.state.Load().ipAddress),
		zap.String("query_type", c.queryType.String()),
		zap.String("error_style", c.errStyle.String()))
}

// onMessage decodes one inbound frame and dispatches it by type. The
// return value reports whether the reader should stop (terminate only);
// a single bad frame never closes the socket.
func (s *Server) onMessage(c *Connection, data []byte) (terminate bool) {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		c.connectionError(err)
		return false
	}
	switch msg.Type {
	case MsgConnectionInit:
		c.handleInit(msg)
	case MsgStart:
		c.handleStart(msg)
	case MsgStop:
		c.handleStop(msg)
	case MsgConnectionTerminate:
		c.close("terminated by client")
		return true
	}
	return false
}

// dropConnection is the onClose handler: it forgets the connection after
// its own close path ran.
func (s *Server) dropConnection(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every accepted connection and waits for their close
// paths to finish or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.close("server shutting down")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.ConnectionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
