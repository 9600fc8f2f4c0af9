package worker

import (
	"context"

	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// Download receives the server's messages and emits a client measurement of
// the received bytes at most every spec.MeasureInterval. Server
// measurements are relayed with OriginServer.
type Download struct{}

// Start implements Worker.
func (Download) Start(ctx context.Context, p Params) (<-chan model.Measurement, <-chan error) {
	return start(ctx, spec.TestDownload, p, download)
}

func download(ctx context.Context, s *session) error {
	begin := s.clock.Now()
	previous := begin
	var total int64
	for {
		select {
		case msg, ok := <-s.sock.Messages():
			if !ok {
				return s.sock.Err()
			}
			total += msg.Size
			if msg.Data != nil && !s.relay(ctx, msg.Data) {
				return ctx.Err()
			}
			now := s.clock.Now()
			if now.Sub(previous) < spec.MeasureInterval {
				continue
			}
			previous = now
			m := model.Measurement{
				AppInfo: &model.AppInfo{
					ElapsedTime: now.Sub(begin).Microseconds(),
					NumBytes:    total,
				},
				Origin: model.OriginClient,
				Test:   spec.TestDownload,
			}
			if !s.emit(ctx, m) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
