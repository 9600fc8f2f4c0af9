package socket

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// DefaultHandshakeTimeout is the default timeout for the WebSocket handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// Dialer opens ndt7 WebSocket connections.
type Dialer struct {
	// UserAgent is sent with the upgrade request.
	UserAgent string
	// NoVerify disables the TLS certificate verification.
	NoVerify bool
	// HandshakeTimeout defaults to DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration
}

// Dial connects to u requesting the ndt7 WebSocket subprotocol.
func (d *Dialer) Dial(ctx context.Context, u *url.URL) (*Socket, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: d.NoVerify,
		},
		ReadBufferSize:  spec.MaxScaledMessageSize,
		WriteBufferSize: spec.MaxScaledMessageSize,
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	if d.UserAgent != "" {
		headers.Add("User-Agent", d.UserAgent)
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(spec.MaxMessageSize)
	log.Debug("connected", "host", u.Host, "path", u.Path, "local", conn.LocalAddr(), "remote", conn.RemoteAddr())
	return New(conn), nil
}
