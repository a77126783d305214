package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bansheerubber/xcom-clone-sub000/internal/client"
)

// Dialer keeps a client Network connected to an authority URL
type Dialer struct {
	URL    string
	Header http.Header
	Config Config

	net    *client.Network
	dialer *websocket.Dialer
}

// NewDialer creates a dialer for net. Compression is negotiated when the
// authority offers it.
func NewDialer(url string, net *client.Network) *Dialer {
	return &Dialer{
		URL:    url,
		Config: DefaultConfig(),
		net:    net,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
	}
}

// Run dials, pumps frames into the network and redials after transport
// errors until ctx ends or the session closes cleanly. The network loop
// must already be running.
func (d *Dialer) Run(ctx context.Context) error {
	logger := d.net.Runtime().Logger()
	delay := d.net.Config().ReconnectDelay

	for {
		d.net.Post(d.net.Connecting)

		ws, _, err := d.dialer.DialContext(ctx, d.URL, d.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Printf("⚠️ Dial %s failed: %v, retrying in %s", d.URL, err, delay)
			retry := true
			d.net.Exec(func() { retry = d.net.Detach(err) })
			if !retry {
				return err
			}
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		logger.Printf("✅ Connected to %s", d.URL)
		c := NewConn(ws, d.Config)
		d.net.Post(func() { d.net.Attach(c) })

		readErr := d.read(ws)
		c.Close()

		if cleanClose(readErr) || ctx.Err() != nil {
			readErr = nil
		}
		retry := false
		d.net.Exec(func() { retry = d.net.Detach(readErr) })
		if !retry {
			return nil
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (d *Dialer) read(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		msg := string(data)
		if !d.net.Post(func() { d.net.Receive(msg) }) {
			return context.Canceled
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
