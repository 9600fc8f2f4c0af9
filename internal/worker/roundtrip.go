package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// RoundTrip answers every server request with a RoundTripReply and emits a
// server measurement carrying the server's smoothed RTT.
type RoundTrip struct{}

// Start implements Worker.
func (RoundTrip) Start(ctx context.Context, p Params) (<-chan model.Measurement, <-chan error) {
	return start(ctx, spec.TestRoundTrip, p, roundTrip)
}

// reply answers a request sent at server time st. Times are relative to the
// beginning of the subtest.
func (s *session) reply(begin time.Time, st int64) (model.RoundTripReply, error) {
	rt := s.clock.Now().Sub(begin).Microseconds()
	r := model.RoundTripReply{
		STE: st,
		STD: rt - st,
		RT:  rt,
	}
	data, err := json.Marshal(r)
	if err != nil {
		return r, err
	}
	return r, s.sock.SendText(data)
}

func roundTrip(ctx context.Context, s *session) error {
	begin := s.clock.Now()
	for {
		select {
		case msg, ok := <-s.sock.Messages():
			if !ok {
				return s.sock.Err()
			}
			if msg.Kind == websocket.BinaryMessage {
				return ErrUnexpectedBinary
			}
			var req model.RoundTripRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.ST == nil {
				log.Debug("skipping malformed round-trip request", "err", err)
				continue
			}
			r, err := s.reply(begin, *req.ST)
			if err != nil {
				return s.wait(ctx)
			}
			m := model.Measurement{
				AppInfo: &model.AppInfo{
					ElapsedTime: r.RT,
					SRTT:        req.SRTT,
				},
				Origin: model.OriginServer,
				Test:   spec.TestRoundTrip,
			}
			if !s.emit(ctx, m) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
