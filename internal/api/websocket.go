package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bansheerubber/xcom-clone-sub000/internal/metrics"
	"github.com/bansheerubber/xcom-clone-sub000/internal/server"
	"github.com/bansheerubber/xcom-clone-sub000/internal/transport/ws"
)

const (
	// MaxWSConnectionsTotal is the maximum number of replication sockets allowed
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the maximum replication sockets per IP
	MaxWSConnectionsPerIP = 10
)

// SocketHandler upgrades requests into replication sessions on a host
type SocketHandler struct {
	host     *server.Host
	limiter  *ConnectionLimiter
	origins  OriginPolicy
	socket   ws.Config
	upgrader websocket.Upgrader
}

// NewSocketHandler creates the /ws handler with DoS protection
func NewSocketHandler(host *server.Host, limiter *ConnectionLimiter, origins OriginPolicy, socket ws.Config) *SocketHandler {
	if limiter == nil {
		limiter = NewConnectionLimiter(MaxWSConnectionsTotal, MaxWSConnectionsPerIP)
	}
	h := &SocketHandler{
		host:    host,
		limiter: limiter,
		origins: origins,
		socket:  socket,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if h.origins.Allow(origin) {
				return true
			}

			// Log rejected origin for security monitoring
			log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
			metrics.RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// Limiter returns the connection limiter in use
func (h *SocketHandler) Limiter() *ConnectionLimiter { return h.limiter }

// ServeHTTP handles one upgrade and then runs the session until it ends
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if ok, reason := h.limiter.Acquire(ip); !ok {
		log.Printf("⚠️ WebSocket connection rejected from %s: %s", ip, reason)
		metrics.RecordConnectionRejected(reason)
		if reason == "ws_limit" {
			http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		} else {
			http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		}
		return
	}
	defer h.limiter.Release(ip)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	ws.Serve(conn, h.host, ip, h.socket)
}
