// Package ndt7test provides an in-process ndt7 server for tests. It speaks
// the server side of the download, upload and round-trip subtests and can be
// configured to misbehave.
package ndt7test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
	"github.com/m-lab/tcp-info/tcp"
)

// Mode selects how the server behaves once the connection is upgraded.
type Mode int

const (
	// Normal runs the subtest for Config.Duration and closes normally.
	Normal Mode = iota
	// Stall never sends anything and never closes the connection.
	Stall
	// Abort closes the TCP connection abruptly right after the upgrade.
	Abort
)

// Config configures a Server.
type Config struct {
	// Duration is how long the server runs each subtest before closing.
	Duration time.Duration
	// MessageSize is the size of the binary messages sent during download.
	MessageSize int
	// RTT and MinRTT are reported in the server's TCPInfo, in microseconds.
	RTT    uint32
	MinRTT uint32
	// SRTT is reported in round-trip requests, in microseconds.
	SRTT int64
	// UploadProbes makes the server send round-trip requests during the
	// upload subtest.
	UploadProbes bool
	// Mode is the server's behavior.
	Mode Mode
}

// Server is an httptest.Server serving the ndt7 endpoints.
type Server struct {
	*httptest.Server

	cfg Config

	pathsMu sync.Mutex
	paths   []string

	repliesMu sync.Mutex
	replies   []model.RoundTripReply

	bytesReceived atomic.Int64
	userAgent     atomic.Value
}

// New starts a cleartext Server with the given configuration. Zero values
// are replaced with defaults.
func New(cfg Config) *Server {
	if cfg.Duration == 0 {
		cfg.Duration = time.Second
	}
	if cfg.MessageSize == 0 {
		cfg.MessageSize = 1 << 13
	}
	if cfg.RTT == 0 {
		cfg.RTT = 20000
	}
	if cfg.MinRTT == 0 {
		cfg.MinRTT = 15000
	}
	if cfg.SRTT == 0 {
		cfg.SRTT = 18000
	}
	s := &Server{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc(spec.DownloadPath, s.download)
	mux.HandleFunc(spec.UploadPath, s.upload)
	mux.HandleFunc(spec.RoundTripPath, s.roundTrip)
	s.Server = httptest.NewServer(mux)
	return s
}

// Paths returns the request paths received so far, in order.
func (s *Server) Paths() []string {
	s.pathsMu.Lock()
	defer s.pathsMu.Unlock()
	return append([]string(nil), s.paths...)
}

// Replies returns the round-trip replies received so far.
func (s *Server) Replies() []model.RoundTripReply {
	s.repliesMu.Lock()
	defer s.repliesMu.Unlock()
	return append([]model.RoundTripReply(nil), s.replies...)
}

// BytesReceived returns the number of binary bytes received during uploads.
func (s *Server) BytesReceived() int64 {
	return s.bytesReceived.Load()
}

// UserAgent returns the User-Agent of the last upgrade request.
func (s *Server) UserAgent() string {
	ua, _ := s.userAgent.Load().(string)
	return ua
}

// Upgrade takes a HTTP request and upgrades the connection to WebSocket.
// Returns a websocket Conn if the upgrade succeeded, and an error otherwise.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	// We expect WebSocket's subprotocol to be ndt7's. The same subprotocol is
	// added as a header on the response.
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  spec.MaxScaledMessageSize,
		WriteBufferSize: spec.MaxScaledMessageSize,
	}
	return u.Upgrade(w, r, h)
}

// accept records the request and upgrades it. It returns nil when the
// handler must not go on, either because the upgrade failed or because the
// configured Mode already handled the connection.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	s.pathsMu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.pathsMu.Unlock()
	s.userAgent.Store(r.Header.Get("User-Agent"))

	conn, err := Upgrade(w, r)
	if err != nil {
		log.Debug("upgrade failed", "path", r.URL.Path, "err", err)
		return nil
	}
	conn.SetReadLimit(spec.MaxMessageSize)
	switch s.cfg.Mode {
	case Stall:
		discard(conn, nil)
		conn.Close()
		return nil
	case Abort:
		conn.UnderlyingConn().Close()
		return nil
	}
	return conn
}

// discard reads from conn until it fails. Textual messages are passed to
// onText, when not nil, and binary bytes are added to every counter.
func discard(conn *websocket.Conn, onText func([]byte), counters ...*atomic.Int64) {
	for {
		kind, reader, err := conn.NextReader()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			n, err := io.Copy(io.Discard, reader)
			for _, c := range counters {
				c.Add(n)
			}
			if err != nil {
				return
			}
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			if onText != nil {
				onText(data)
			}
		}
	}
}

func (s *Server) recordReply(data []byte) {
	var reply model.RoundTripReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return
	}
	s.repliesMu.Lock()
	s.replies = append(s.replies, reply)
	s.repliesMu.Unlock()
}

func (s *Server) measurement(test spec.TestKind, start time.Time, numBytes int64) model.Measurement {
	elapsed := time.Since(start).Microseconds()
	return model.Measurement{
		AppInfo: &model.AppInfo{
			ElapsedTime: elapsed,
			NumBytes:    numBytes,
		},
		TCPInfo: &model.TCPInfo{
			LinuxTCPInfo: tcp.LinuxTCPInfo{
				RTT:          s.cfg.RTT,
				MinRTT:       s.cfg.MinRTT,
				AdvMSS:       1448,
				BytesSent:    numBytes,
				BytesRetrans: numBytes / 100,
			},
			ElapsedTime: elapsed,
		},
		Origin: model.OriginServer,
		Test:   test,
	}
}

func newTicker(ctx context.Context) *memoryless.Ticker {
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      100 * time.Millisecond,
		Expected: spec.MeasureInterval,
		Max:      400 * time.Millisecond,
	})
	// This can only error if min/expected/max above are set to invalid
	// values. Since they are constants, we panic here.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")
	return t
}

// measurementTicks relays the ticks of a memoryless ticker with blocking
// sends, so that a tick is not lost while the handler is busy writing.
func measurementTicks(ctx context.Context) <-chan struct{} {
	ticks := make(chan struct{})
	ticker := newTicker(ctx)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case <-ctx.Done():
				return
			case ticks <- struct{}{}:
			}
		}
	}()
	return ticks
}

// closeNormally sends a close frame and waits for the reader to observe the
// peer's close reply.
func closeNormally(conn *websocket.Conn, readerDone <-chan struct{}) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done sending")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil {
		log.Debug("WriteControl failed", "err", err)
		return
	}
	select {
	case <-readerDone:
	case <-time.After(spec.CloseTimeout):
	}
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Duration)
	defer cancel()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		discard(conn, nil)
		cancel()
	}()

	data := make([]byte, s.cfg.MessageSize)
	rand.Read(data)
	message, err := websocket.NewPreparedMessage(websocket.BinaryMessage, data)
	rtx.PanicOnError(err, "cannot prepare message")

	ticks := measurementTicks(ctx)
	start := time.Now()
	var sent int64
	for {
		select {
		case <-ctx.Done():
			closeNormally(conn, readerDone)
			return
		case <-ticks:
			if err := conn.WriteJSON(s.measurement(spec.TestDownload, start, sent)); err != nil {
				return
			}
		default:
			if err := conn.WritePreparedMessage(message); err != nil {
				return
			}
			sent += int64(s.cfg.MessageSize)
		}
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Duration)
	defer cancel()
	var received atomic.Int64
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		discard(conn, s.recordReply, &received, &s.bytesReceived)
		cancel()
	}()

	ticks := measurementTicks(ctx)
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			closeNormally(conn, readerDone)
			return
		case <-ticks:
			if err := conn.WriteJSON(s.measurement(spec.TestUpload, start, received.Load())); err != nil {
				return
			}
			if !s.cfg.UploadProbes {
				continue
			}
			st := time.Since(start).Microseconds()
			if err := conn.WriteJSON(model.RoundTripRequest{ST: &st, SRTT: s.cfg.SRTT}); err != nil {
				return
			}
		}
	}
}

func (s *Server) roundTrip(w http.ResponseWriter, r *http.Request) {
	conn := s.accept(w, r)
	if conn == nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Duration)
	defer cancel()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		discard(conn, s.recordReply)
		cancel()
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			closeNormally(conn, readerDone)
			return
		case <-ticker.C:
			st := time.Since(start).Microseconds()
			if err := conn.WriteJSON(model.RoundTripRequest{ST: &st, SRTT: s.cfg.SRTT}); err != nil {
				return
			}
		}
	}
}
