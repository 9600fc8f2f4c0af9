// Package worker implements the ndt7 subtest workers. Each worker owns one
// WebSocket connection and communicates with its caller only through the
// channels returned by Start.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/m-lab/ndt7-client/internal/socket"
	"github.com/m-lab/ndt7-client/pkg/clock"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// ErrUnexpectedBinary is returned by the round-trip worker when the server
// sends a binary message.
var ErrUnexpectedBinary = errors.New("unexpected message type")

// Params are the inputs of a worker.
type Params struct {
	// BaseURL is the http(s) base URL of the server. Its query, if any, is
	// kept in the WebSocket URL.
	BaseURL *url.URL
	// Dialer opens the WebSocket connection.
	Dialer *socket.Dialer
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Worker runs one subtest.
//
// Start returns immediately. Measurements are delivered in order on the
// first channel, which is closed when the subtest terminates. If the
// subtest fails, exactly one error is sent on the second channel before the
// first one is closed. Cancelling ctx tears the connection down without any
// closing handshake.
type Worker interface {
	Start(ctx context.Context, p Params) (<-chan model.Measurement, <-chan error)
}

// For returns the worker for the given subtest kind.
func For(kind spec.TestKind) (Worker, error) {
	switch kind {
	case spec.TestDownload:
		return Download{}, nil
	case spec.TestUpload:
		return Upload{}, nil
	case spec.TestRoundTrip:
		return RoundTrip{}, nil
	default:
		return nil, fmt.Errorf("unknown test kind %q", kind)
	}
}

// URL returns the WebSocket URL of the given subtest. https maps to wss and
// anything else to ws.
func URL(base *url.URL, kind spec.TestKind) *url.URL {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = kind.Path()
	u.RawPath = ""
	u.Fragment = ""
	return &u
}

type loopFunc func(ctx context.Context, s *session) error

// session is the state shared by a running worker and its loop.
type session struct {
	kind  spec.TestKind
	sock  *socket.Socket
	clock clock.Clock
	out   chan<- model.Measurement
}

// emit delivers m unless ctx is done.
func (s *session) emit(ctx context.Context, m model.Measurement) bool {
	select {
	case s.out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// relay decodes a server measurement and delivers it. Malformed messages are
// skipped.
func (s *session) relay(ctx context.Context, data []byte) bool {
	var m model.Measurement
	if err := json.Unmarshal(data, &m); err != nil {
		log.Debug("skipping malformed server message", "test", s.kind, "err", err)
		return true
	}
	m.Origin = model.OriginServer
	m.Test = s.kind
	return s.emit(ctx, m)
}

// wait consumes the remaining messages until the connection terminates,
// relaying server measurements, and returns the connection error.
func (s *session) wait(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-s.sock.Messages():
			if !ok {
				return s.sock.Err()
			}
			if msg.Data != nil && !s.relay(ctx, msg.Data) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func start(ctx context.Context, kind spec.TestKind, p Params, loop loopFunc) (<-chan model.Measurement, <-chan error) {
	out := make(chan model.Measurement, 64)
	errCh := make(chan error, 1)
	go func() {
		err := run(ctx, kind, p, out, loop)
		if err != nil {
			errCh <- err
		}
		close(out)
	}()
	return out, errCh
}

func run(ctx context.Context, kind spec.TestKind, p Params, out chan<- model.Measurement, loop loopFunc) error {
	dialer := p.Dialer
	if dialer == nil {
		dialer = &socket.Dialer{}
	}
	sock, err := dialer.Dial(ctx, URL(p.BaseURL, kind))
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, sock.Abort)
	defer stop()
	defer sock.Abort()
	return loop(ctx, &session{
		kind:  kind,
		sock:  sock,
		clock: clock.OrReal(p.Clock),
		out:   out,
	})
}
