package results

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/m-lab/ndt7-client/pkg/clock"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// ErrUnknownTest is returned by Update for measurements of unknown subtests.
var ErrUnknownTest = errors.New("unknown test")

// SRTT values recorded in the round-trip histogram, in microseconds.
const (
	minSRTT     = 1
	maxSRTT     = 60 * 1000 * 1000
	srttSigFigs = 3
)

// Aggregator folds the measurements of an ndt7 run into an OONIMeasurement.
// It is not safe for concurrent use.
type Aggregator struct {
	clock clock.Clock
	start time.Time

	header OONIMeasurement
	keys   TestKeys
	srtt   *hdrhistogram.Histogram
}

// NewAggregator returns an Aggregator whose report identifies the software
// with the given name and version. The run starts now according to c, which
// defaults to the real clock.
func NewAggregator(softwareName, softwareVersion string, c clock.Clock) *Aggregator {
	c = clock.OrReal(c)
	start := c.Now()
	startTime := start.UTC().Format(TimeFormat)
	return &Aggregator{
		clock: c,
		start: start,
		header: OONIMeasurement{
			Annotations: map[string]string{
				"real_data_format_version": RealDataFormatVersion,
			},
			DataFormatVersion:    DataFormatVersion,
			MeasurementStartTime: startTime,
			ProbeASN:             "AS0",
			ProbeCC:              "ZZ",
			ProbeIP:              "127.0.0.1",
			ResolverASN:          "AS0",
			ResolverIP:           "127.0.0.1",
			ResolverNetworkName:  "",
			SoftwareName:         softwareName,
			SoftwareVersion:      softwareVersion,
			TestName:             TestName,
			TestStartTime:        startTime,
			TestVersion:          TestVersion,
		},
		keys: TestKeys{
			Download: []model.Measurement{},
			Upload:   []model.Measurement{},
		},
		srtt: hdrhistogram.New(minSRTT, maxSRTT, srttSigFigs),
	}
}

// Annotate adds an annotation to the report.
func (a *Aggregator) Annotate(key, value string) {
	a.header.Annotations[key] = value
}

// SetFailure records the failure of the run. Only the first failure is kept.
func (a *Aggregator) SetFailure(failure string) {
	if a.keys.Failure == nil && failure != "" {
		a.keys.Failure = &failure
	}
}

// computeSpeed returns the speed in kbit/s, or false if no time elapsed.
func computeSpeed(ai *model.AppInfo) (float64, bool) {
	if ai.ElapsedTime <= 0 {
		return 0, false
	}
	ms := float64(ai.ElapsedTime) / 1e03
	bits := float64(ai.NumBytes) * 8
	return bits / ms, true
}

func ptr[T any](v T) *T {
	return &v
}

// Update appends m to the measurements of its subtest and updates the
// summary.
func (a *Aggregator) Update(m model.Measurement) error {
	s := &a.keys.Summary
	switch m.Test {
	case spec.TestDownload:
		a.keys.Download = append(a.keys.Download, m)
		if ti := m.TCPInfo; ti != nil {
			rtt := float64(ti.RTT) / 1e03 // us => ms
			s.AvgRTT = ptr(rtt)
			s.MSS = ptr(int64(ti.AdvMSS))
			if s.MaxRTT == nil || *s.MaxRTT < rtt {
				s.MaxRTT = ptr(rtt)
			}
			s.MinRTT = ptr(float64(ti.MinRTT) / 1e03)
			s.Ping = ptr(*s.MinRTT)
			if ti.BytesSent > 0 {
				s.RetransmitRate = ptr(float64(ti.BytesRetrans) / float64(ti.BytesSent))
			}
		}
		if m.AppInfo != nil {
			if speed, ok := computeSpeed(m.AppInfo); ok {
				s.Download = ptr(speed)
			}
		}
	case spec.TestUpload:
		a.keys.Upload = append(a.keys.Upload, m)
		if m.AppInfo != nil {
			if speed, ok := computeSpeed(m.AppInfo); ok {
				s.Upload = ptr(speed)
			}
		}
	case spec.TestRoundTrip:
		a.keys.RoundTrip = append(a.keys.RoundTrip, m)
		if m.AppInfo != nil && m.AppInfo.SRTT > 0 {
			if err := a.srtt.RecordValue(m.AppInfo.SRTT); err != nil {
				return fmt.Errorf("cannot record SRTT %d: %w", m.AppInfo.SRTT, err)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTest, m.Test)
	}
	return nil
}

func (a *Aggregator) roundTripSummary() *RoundTripSummary {
	if a.srtt.TotalCount() == 0 {
		return nil
	}
	ms := func(us int64) float64 {
		return float64(us) / 1e03
	}
	return &RoundTripSummary{
		Samples: a.srtt.TotalCount(),
		Min:     ms(a.srtt.Min()),
		Median:  ms(a.srtt.ValueAtQuantile(50)),
		P90:     ms(a.srtt.ValueAtQuantile(90)),
		Max:     ms(a.srtt.Max()),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	return ptr(*p)
}

// End returns a snapshot of the report, with the runtime measured from the
// creation of the Aggregator. Later calls to Update do not modify it.
func (a *Aggregator) End() *OONIMeasurement {
	rv := a.header
	rv.Annotations = maps.Clone(a.header.Annotations)
	rv.TestRuntime = ptr(a.clock.Now().Sub(a.start).Seconds())

	s := a.keys.Summary
	rv.TestKeys = &TestKeys{
		Download:  append([]model.Measurement{}, a.keys.Download...),
		Upload:    append([]model.Measurement{}, a.keys.Upload...),
		RoundTrip: append([]model.Measurement(nil), a.keys.RoundTrip...),
		Failure:   clonePtr(a.keys.Failure),
		Summary: Summary{
			AvgRTT:         clonePtr(s.AvgRTT),
			Download:       clonePtr(s.Download),
			MSS:            clonePtr(s.MSS),
			MaxRTT:         clonePtr(s.MaxRTT),
			MinRTT:         clonePtr(s.MinRTT),
			Ping:           clonePtr(s.Ping),
			RetransmitRate: clonePtr(s.RetransmitRate),
			Upload:         clonePtr(s.Upload),
			RoundTrip:      a.roundTripSummary(),
		},
	}
	return &rv
}
