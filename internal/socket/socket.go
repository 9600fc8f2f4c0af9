// Package socket wraps a gorilla/websocket connection into a socket with
// asynchronous sends and an observable send buffer, so that callers can pace
// their writes on the amount of data still waiting to be written.
package socket

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// ErrClosed is returned when sending on a closing or closed socket.
var ErrClosed = errors.New("socket is closed")

// Message is a message received from the peer. Data is only retained for
// textual messages, binary messages are discarded after reading their size.
type Message struct {
	Kind int
	Size int64
	Data []byte
}

type frame struct {
	kind int
	data []byte
}

// Socket is a WebSocket connection with a reader goroutine delivering
// messages over a channel and a writer goroutine draining a send queue.
//
// Messages() is closed once the connection terminates. After that, Err()
// returns nil if the connection was closed normally or by a local Close or
// Abort, and the connection error otherwise.
type Socket struct {
	conn *websocket.Conn

	messages chan Message
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}

	queueMu sync.Mutex
	queue   []frame

	buffered atomic.Int64
	closing  atomic.Bool

	once sync.Once
	err  error
}

// New returns a Socket using conn. It starts the reader and writer
// goroutines, which run until the connection terminates.
func New(conn *websocket.Conn) *Socket {
	s := &Socket{
		conn:     conn,
		messages: make(chan Message, 100),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Messages returns the channel of received messages.
func (s *Socket) Messages() <-chan Message {
	return s.messages
}

// Done is closed when the connection has terminated.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated the connection. It is only
// meaningful after Done is closed.
func (s *Socket) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// BufferedAmount returns the number of bytes queued by Send that have not
// been written to the connection yet.
func (s *Socket) BufferedAmount() int64 {
	return s.buffered.Load()
}

// Send enqueues a message without blocking.
func (s *Socket) Send(kind int, data []byte) error {
	if s.closing.Load() {
		return ErrClosed
	}
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	s.buffered.Add(int64(len(data)))
	s.queueMu.Lock()
	s.queue = append(s.queue, frame{kind: kind, data: data})
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// SendText enqueues data as a textual message.
func (s *Socket) SendText(data []byte) error {
	return s.Send(websocket.TextMessage, data)
}

// Close discards pending messages and starts the closing handshake. The
// connection terminates when the peer answers or after spec.CloseTimeout.
func (s *Socket) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.dropQueue()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(spec.CloseTimeout)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	if err != nil {
		log.Debug("close frame not sent", "remote", s.remote(), "err", err)
		s.terminate(nil)
		return err
	}
	// The reader keeps running until the peer's close frame arrives.
	s.conn.UnderlyingConn().SetReadDeadline(deadline)
	return nil
}

// Abort tears the connection down immediately, without any handshake.
func (s *Socket) Abort() {
	s.closing.Store(true)
	s.terminate(nil)
}

func (s *Socket) remote() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Socket) dropQueue() {
	s.queueMu.Lock()
	var dropped int64
	for _, f := range s.queue {
		dropped += int64(len(f.data))
	}
	s.queue = nil
	s.queueMu.Unlock()
	s.buffered.Add(-dropped)
}

func (s *Socket) pop() (frame, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return frame{}, false
	}
	f := s.queue[0]
	s.queue[0] = frame{}
	s.queue = s.queue[1:]
	return f, true
}

// terminate records the terminal error, stops the writer and closes the
// underlying connection. Only the first call has any effect.
func (s *Socket) terminate(err error) {
	s.once.Do(func() {
		if err != nil && !s.closing.Load() &&
			!websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			s.err = err
		}
		close(s.quit)
		s.conn.Close()
		close(s.done)
	})
}

func (s *Socket) readLoop() {
	var err error
	defer func() {
		s.terminate(err)
		close(s.messages)
	}()
	for {
		kind, reader, rerr := s.conn.NextReader()
		if rerr != nil {
			err = rerr
			return
		}
		m := Message{Kind: kind}
		switch kind {
		case websocket.BinaryMessage:
			m.Size, err = io.Copy(io.Discard, reader)
		case websocket.TextMessage:
			m.Data, err = io.ReadAll(reader)
			m.Size = int64(len(m.Data))
		}
		if err != nil {
			return
		}
		select {
		case s.messages <- m:
		case <-s.quit:
			return
		}
	}
}

func (s *Socket) writeLoop() {
	for {
		f, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		err := s.conn.WriteMessage(f.kind, f.data)
		s.buffered.Add(-int64(len(f.data)))
		if err != nil {
			if !s.closing.Load() {
				log.Debug("write failed", "remote", s.remote(), "err", err)
			}
			// The reader sees the broken connection and terminates the
			// socket with the read error, which may be a normal close.
			s.conn.UnderlyingConn().Close()
			return
		}
	}
}
