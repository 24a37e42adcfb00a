// Package gateway serves the real-time chat surface: a WebSocket endpoint
// whose JSON frames are dispatched by event name to the message router and
// the presence hub.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/chatd/chatd/internal/auth"
	"github.com/chatd/chatd/internal/chat"
	"github.com/chatd/chatd/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultPingPeriod is how often the server pings each client. A client
// that misses pongs for three periods is disconnected.
const DefaultPingPeriod = 10 * time.Second

// Options configure a Gateway.
type Options struct {
	// AllowedOrigins lists browser origins that may connect. Requests
	// without an Origin header are accepted; "*" accepts any origin.
	AllowedOrigins []string
	PingPeriod     time.Duration
}

// Gateway is the WebSocket endpoint.
type Gateway struct {
	chat     *chat.Service
	state    realtime.State
	jwt      *auth.JWT
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	opts     Options
	log      *zap.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a gateway.
func New(svc *chat.Service, state realtime.State, jwt *auth.JWT, opts Options, log *zap.Logger) *Gateway {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		chat:  svc,
		state: state,
		jwt:   jwt,
		opts:  opts,
		log:   log,
		conns: make(map[string]*conn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	g.handlers = g.routes()
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(g.opts.AllowedOrigins, "*") || slices.Contains(g.opts.AllowedOrigins, origin)
}

// ServeHTTP authenticates the request, upgrades it and serves frames until
// the client goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.jwt.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !g.checkOrigin(r) {
		g.log.Warn("rejected origin", zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws, g.opts.PingPeriod, g.log)
	g.track(c)
	defer g.untrack(c)

	log := c.log.With(zap.String("token_subject", claims.UserID()))
	log.Info("connection opened", zap.String("remote", r.RemoteAddr))
	defer log.Info("connection closed")

	go c.writeLoop()
	g.serve(r.Context(), c, &session{conn: c, claims: claims})
}

func (g *Gateway) serve(ctx context.Context, c *conn, s *session) {
	defer func() {
		g.state.Unregister(c.id)
		c.close(websocket.CloseNormalClosure, "")
	}()

	pongWait := 3 * g.opts.PingPeriod
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	// Pongs only keep the socket open. Presence needs register, ping or
	// another client event.
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.Send(errorAck("", fmt.Errorf("%w: frame is not valid JSON", chat.ErrValidation)))
			continue
		}
		reply := g.Dispatch(ctx, s, in)
		if reply.Payload.(ack)["status"] == "error" {
			c.log.Debug("event rejected", zap.String("type", in.Type), zap.String("user_id", s.userID), zap.Any("ack", reply.Payload))
		}
		c.Send(reply)
	}
}

func (g *Gateway) track(c *conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}

// Connections reports how many sockets are open.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// CloseAll disconnects every client. Used at shutdown, since the HTTP
// server does not track hijacked connections.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
