package worker

import (
	"math"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// Sender is the part of a socket driven by the FlowController.
type Sender interface {
	Send(kind int, data []byte) error
	BufferedAmount() int64
}

// Step is the decision taken by FlowController.Step.
type Step struct {
	// Done is true once the upload has lasted spec.MaxUploadDuration. The
	// caller must close the connection and stop calling Step.
	Done bool
	// NextDelay is when the next Step is due. It is always finite, positive
	// and at most spec.MeasureInterval.
	NextDelay time.Duration
	// Measurement is the client measurement to emit, if any.
	Measurement *model.Measurement
}

// FlowController paces an upload: it keeps the socket's send buffer between
// empty and spec.BufferingMultiplier messages and grows the message size
// while the link drains it fast enough.
//
// The sizing and pacing formulas are heuristics. They keep the link busy
// without unbounded buffering but are not optimal.
type FlowController struct {
	begin    time.Time
	previous time.Time
	total    int64
	message  []byte
	rnd      *rand.Rand
}

// NewFlowController returns a FlowController for an upload that started at
// begin.
func NewFlowController(begin time.Time) *FlowController {
	f := &FlowController{
		begin:    begin,
		previous: begin,
		rnd:      rand.New(rand.NewSource(begin.UnixNano())),
	}
	f.message = f.newMessage(spec.InitialMessageSize)
	return f
}

func (f *FlowController) newMessage(size int) []byte {
	data := make([]byte, size)
	f.rnd.Read(data)
	return data
}

// MessageSize returns the current message size.
func (f *FlowController) MessageSize() int {
	return len(f.message)
}

// Total returns the number of bytes enqueued so far.
func (f *FlowController) Total() int64 {
	return f.total
}

// drainTime returns the projected time needed to drain the buffer at the
// rate observed so far, or false when that rate cannot be estimated yet.
func (f *FlowController) drainTime(elapsed time.Duration, buffered int64) (time.Duration, bool) {
	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	if elapsedMs <= 0 {
		return 0, false
	}
	drain := float64(f.total-buffered) / elapsedMs // bytes per ms
	if drain <= 0 || math.IsNaN(drain) || math.IsInf(drain, 0) {
		return 0, false
	}
	ms := float64(buffered) / drain
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// Step runs one scheduling tick at time now.
func (f *FlowController) Step(now time.Time, s Sender) (Step, error) {
	elapsed := now.Sub(f.begin)
	if elapsed > spec.MaxUploadDuration {
		return Step{Done: true}, nil
	}
	buffered := s.BufferedAmount()
	delay := spec.FallbackUploadDelay
	if drain, ok := f.drainTime(elapsed, buffered); ok {
		delay = drain / 2
		if drain < spec.ScalingTarget && len(f.message) < spec.MaxScaledMessageSize {
			f.message = f.newMessage(len(f.message) * 2)
		}
	}
	if delay <= 0 {
		delay = spec.FallbackUploadDelay
	}
	if delay > spec.MeasureInterval {
		delay = spec.MeasureInterval
	}

	// Fill the buffer up to the headroom, counting what we enqueue so that
	// the loop ends even if the sender reports a stale buffered amount.
	size := int64(len(f.message))
	for pending := buffered; pending < spec.BufferingMultiplier*size; pending += size {
		if err := s.Send(websocket.BinaryMessage, f.message); err != nil {
			return Step{}, err
		}
		f.total += size
	}

	st := Step{NextDelay: delay}
	if now.Sub(f.previous) >= spec.MeasureInterval {
		f.previous = now
		drained := f.total - s.BufferedAmount()
		if drained < 0 {
			drained = 0
		}
		st.Measurement = &model.Measurement{
			AppInfo: &model.AppInfo{
				ElapsedTime: elapsed.Microseconds(),
				NumBytes:    drained,
			},
			Origin: model.OriginClient,
			Test:   spec.TestUpload,
		}
	}
	return st, nil
}
