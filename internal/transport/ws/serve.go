package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
	"github.com/bansheerubber/xcom-clone-sub000/internal/server"
)

// Serve runs one accepted socket against the host until either side closes
// it. It blocks, so callers run it on the connection's own goroutine.
func Serve(ws *websocket.Conn, h *server.Host, addr string, cfg Config) {
	c := NewConn(ws, cfg)

	var conn *replica.Connection
	if !h.Do(func(*replica.Runtime) { conn = h.Accept(c, addr) }) || conn == nil {
		c.Close()
		return
	}

	ws.SetPongHandler(func(string) error {
		at := time.Now()
		h.Post(func() { h.Pong(conn, at) })
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		msg := string(data)
		if !h.Post(func() { h.Receive(conn, msg) }) {
			break
		}
	}

	c.Close()
	h.Post(func() { h.Close(conn) })
}
