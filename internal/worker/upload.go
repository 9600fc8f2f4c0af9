package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/ndt7-client/internal/metrics"
	"github.com/m-lab/ndt7-client/internal/socket"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// Upload sends binary messages paced by a FlowController and stops after
// spec.MaxUploadDuration by closing the connection. Server measurements are
// relayed and the server's round-trip requests are answered.
type Upload struct{}

// Start implements Worker.
func (Upload) Start(ctx context.Context, p Params) (<-chan model.Measurement, <-chan error) {
	return start(ctx, spec.TestUpload, p, upload)
}

func upload(ctx context.Context, s *session) error {
	begin := s.clock.Now()
	fc := NewFlowController(begin)
	defer func() {
		metrics.UploadMessageSize.Observe(float64(fc.MessageSize()))
	}()
	size := fc.MessageSize()
	for {
		st, err := fc.Step(s.clock.Now(), s.sock)
		if errors.Is(err, socket.ErrClosed) {
			return s.wait(ctx)
		}
		if err != nil {
			return err
		}
		if fc.MessageSize() != size {
			size = fc.MessageSize()
			log.Debug("upload message size scaled", "size", size)
		}
		if st.Measurement != nil && !s.emit(ctx, *st.Measurement) {
			return ctx.Err()
		}
		if st.Done {
			log.Debug("upload duration elapsed, closing", "bytes", fc.Total())
			s.sock.Close()
			return s.wait(ctx)
		}
		timer := s.clock.NewTimer(st.NextDelay)
		select {
		case <-timer.C():
		case msg, ok := <-s.sock.Messages():
			timer.Stop()
			if !ok {
				return s.sock.Err()
			}
			if msg.Data != nil && !s.handleText(ctx, begin, msg.Data) {
				return ctx.Err()
			}
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// handleText answers round-trip requests and relays anything else as a
// server measurement.
func (s *session) handleText(ctx context.Context, begin time.Time, data []byte) bool {
	var req model.RoundTripRequest
	if err := json.Unmarshal(data, &req); err == nil && req.ST != nil {
		if _, err := s.reply(begin, *req.ST); err != nil {
			log.Debug("cannot reply to round-trip request", "test", s.kind, "err", err)
		}
		return true
	}
	return s.relay(ctx, data)
}
