package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
	"github.com/m-lab/ndt7-client/pkg/results"
)

// Emitter is an interface for emitting results.
type Emitter interface {
	// OnStarting is called when the run starts.
	OnStarting()
	// OnServerURL is called with the server base URL.
	OnServerURL(url string)
	// OnTestStarting is called when a subtest starts.
	OnTestStarting(header model.Outcome)
	// OnMeasurement is called on every Measurement.
	OnMeasurement(m model.Measurement)
	// OnTestComplete is called after a subtest completes.
	OnTestComplete(o model.Outcome)
	// OnSummary is called with the final report.
	OnSummary(r *results.OONIMeasurement)
	// OnError is called on errors.
	OnError(err error)
}

// CallbacksFromEmitter returns Callbacks forwarding to e. The optional
// onMeasurement is called before e.OnMeasurement, e.g. to feed an
// aggregator.
func CallbacksFromEmitter(e Emitter, onMeasurement func(model.Measurement)) Callbacks {
	return Callbacks{
		OnStarting:     e.OnStarting,
		OnServerURL:    e.OnServerURL,
		OnTestStarting: e.OnTestStarting,
		OnTestMeasurement: func(m model.Measurement) {
			if onMeasurement != nil {
				onMeasurement(m)
			}
			e.OnMeasurement(m)
		},
		OnTestComplete: e.OnTestComplete,
	}
}

// HumanReadable prints human-readable output to Out, or stdout if nil.
// It can be configured to include server measurements, too.
type HumanReadable struct {
	Out   io.Writer
	Debug bool
}

func (e HumanReadable) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

// OnStarting prints a banner.
func (e HumanReadable) OnStarting() {
	fmt.Fprintf(e.out(), "Starting ndt7 test\n")
}

// OnServerURL prints the server.
func (e HumanReadable) OnServerURL(url string) {
	fmt.Fprintf(e.out(), "Server: %s\n", url)
}

// OnTestStarting prints the subtest kind.
func (e HumanReadable) OnTestStarting(header model.Outcome) {
	fmt.Fprintf(e.out(), "Starting %s\n", header.Test)
}

// OnMeasurement prints the speed of client measurements and, in debug mode,
// the RTT of server measurements.
func (e HumanReadable) OnMeasurement(m model.Measurement) {
	switch {
	case m.Origin == model.OriginClient && m.AppInfo != nil && m.AppInfo.ElapsedTime > 0:
		mbps := float64(m.AppInfo.NumBytes) * 8 / float64(m.AppInfo.ElapsedTime)
		fmt.Fprintf(e.out(), "  %s: %7.2f Mbit/s\n", m.Test, mbps)
	case e.Debug && m.Test == spec.TestRoundTrip && m.AppInfo != nil:
		fmt.Fprintf(e.out(), "  %s: srtt %.2fms\n", m.Test, float64(m.AppInfo.SRTT)/1000)
	case e.Debug && m.TCPInfo != nil:
		fmt.Fprintf(e.out(), "  %s (server): rtt %.2fms, minrtt %.2fms\n",
			m.Test, float64(m.TCPInfo.RTT)/1000, float64(m.TCPInfo.MinRTT)/1000)
	}
}

// OnTestComplete prints the subtest result.
func (e HumanReadable) OnTestComplete(o model.Outcome) {
	if o.Failed() {
		fmt.Fprintf(e.out(), "%s failed after %.2fs: %s\n", o.Test, float64(o.ElapsedTime)/1e6, o.Error)
		return
	}
	fmt.Fprintf(e.out(), "%s complete (%.2fs)\n", o.Test, float64(o.ElapsedTime)/1e6)
}

func formatFloat(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

// OnSummary prints the summary of the report.
func (e HumanReadable) OnSummary(r *results.OONIMeasurement) {
	s := r.TestKeys.Summary
	w := e.out()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test results:\n")
	fmt.Fprintf(w, "  Download: %s Mbit/s\n", formatFloat(mbit(s.Download), "%.2f"))
	fmt.Fprintf(w, "  Upload:   %s Mbit/s\n", formatFloat(mbit(s.Upload), "%.2f"))
	fmt.Fprintf(w, "  RTT:      %s ms (min %s, max %s)\n", formatFloat(s.AvgRTT, "%.2f"),
		formatFloat(s.MinRTT, "%.2f"), formatFloat(s.MaxRTT, "%.2f"))
	fmt.Fprintf(w, "  Retrans:  %s %%\n", formatFloat(percent(s.RetransmitRate), "%.2f"))
	if rt := s.RoundTrip; rt != nil {
		fmt.Fprintf(w, "  SRTT:     median %.2f ms, p90 %.2f ms (%d samples)\n", rt.Median, rt.P90, rt.Samples)
	}
}

func mbit(kbps *float64) *float64 {
	if kbps == nil {
		return nil
	}
	v := *kbps / 1000
	return &v
}

func percent(rate *float64) *float64 {
	if rate == nil {
		return nil
	}
	v := *rate * 100
	return &v
}

// OnError prints the error.
func (e HumanReadable) OnError(err error) {
	fmt.Fprintf(e.out(), "Error: %v\n", err)
}

// JSON writes one JSON object per event to Out, or stdout if nil.
type JSON struct {
	Out io.Writer
}

type jsonEvent struct {
	Key   string
	Value interface{} `json:",omitempty"`
}

func (e JSON) emit(key string, value interface{}) {
	out := e.Out
	if out == nil {
		out = os.Stdout
	}
	// Encoding only fails for unsupported values, which are never emitted.
	json.NewEncoder(out).Encode(jsonEvent{Key: key, Value: value})
}

// OnStarting implements Emitter.
func (e JSON) OnStarting() { e.emit("starting", nil) }

// OnServerURL implements Emitter.
func (e JSON) OnServerURL(url string) { e.emit("serverURL", url) }

// OnTestStarting implements Emitter.
func (e JSON) OnTestStarting(header model.Outcome) { e.emit("testStarting", header) }

// OnMeasurement implements Emitter.
func (e JSON) OnMeasurement(m model.Measurement) { e.emit("measurement", m) }

// OnTestComplete implements Emitter.
func (e JSON) OnTestComplete(o model.Outcome) { e.emit("testComplete", o) }

// OnSummary implements Emitter.
func (e JSON) OnSummary(r *results.OONIMeasurement) { e.emit("summary", r) }

// OnError implements Emitter.
func (e JSON) OnError(err error) { e.emit("error", err.Error()) }

// Checks that the emitters implement Emitter.
var (
	_ Emitter = HumanReadable{}
	_ Emitter = JSON{}
)
