// Package results contains the report produced by an ndt7 run. The report
// uses a subset of the OONI data format for ndt7.
package results

import (
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
)

const (
	// DataFormatVersion is the OONI data format version.
	DataFormatVersion = "0.2.0"
	// RealDataFormatVersion is the data format version of the test keys.
	RealDataFormatVersion = "0.4.0"
	// TestName is the OONI test name.
	TestName = "ndt7"
	// TestVersion is the OONI test version.
	TestVersion = "0.1.0"

	// TimeFormat is the format of the start times, always in UTC.
	TimeFormat = "2006-01-02 15:04:05"
)

// OONIMeasurement is the report of an ndt7 run. Null fields of the OONI
// format are nil pointers.
type OONIMeasurement struct {
	Annotations          map[string]string `json:"annotations"`
	DataFormatVersion    string            `json:"data_format_version"`
	MeasurementStartTime string            `json:"measurement_start_time"`
	ProbeASN             string            `json:"probe_asn"`
	ProbeCC              string            `json:"probe_cc"`
	ProbeIP              string            `json:"probe_ip"`
	ReportID             *string           `json:"report_id"`
	ResolverASN          string            `json:"resolver_asn"`
	ResolverIP           string            `json:"resolver_ip"`
	ResolverNetworkName  string            `json:"resolver_network_name"`
	SoftwareName         string            `json:"software_name"`
	SoftwareVersion      string            `json:"software_version"`
	TestKeys             *TestKeys         `json:"test_keys"`
	TestName             string            `json:"test_name"`
	// TestRuntime is in seconds.
	TestRuntime   *float64 `json:"test_runtime"`
	TestStartTime string   `json:"test_start_time"`
	TestVersion   string   `json:"test_version"`
}

// TestKeys contains the measurements of every subtest and their summary.
type TestKeys struct {
	Download  []model.Measurement `json:"download"`
	Upload    []model.Measurement `json:"upload"`
	RoundTrip []model.Measurement `json:"roundtrip,omitempty"`
	Failure   *string             `json:"failure"`
	Summary   Summary             `json:"summary"`
}

// Summary contains the statistics derived from the measurements. RTTs are
// in milliseconds and speeds in kbit/s.
type Summary struct {
	AvgRTT         *float64          `json:"avg_rtt"`
	Download       *float64          `json:"download"`
	MSS            *int64            `json:"mss"`
	MaxRTT         *float64          `json:"max_rtt"`
	MinRTT         *float64          `json:"min_rtt"`
	Ping           *float64          `json:"ping"`
	RetransmitRate *float64          `json:"retransmit_rate"`
	Upload         *float64          `json:"upload"`
	RoundTrip      *RoundTripSummary `json:"roundtrip,omitempty"`
}

// RoundTripSummary is the distribution of the server-reported smoothed RTT
// during the round-trip subtest, in milliseconds.
type RoundTripSummary struct {
	Samples int64   `json:"samples"`
	Min     float64 `json:"min"`
	Median  float64 `json:"median"`
	P90     float64 `json:"p90"`
	Max     float64 `json:"max"`
}
