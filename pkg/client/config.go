package client

import (
	"time"

	"github.com/m-lab/ndt7-client/pkg/clock"
	"github.com/m-lab/ndt7-client/pkg/locator"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// Callbacks are invoked during Client.Start. Nil callbacks are skipped. They
// are called from the goroutine running Start, one at a time.
type Callbacks struct {
	// OnStarting is called before anything else.
	OnStarting func()
	// OnServerURL is called with the resolved server base URL.
	OnServerURL func(url string)
	// OnTestStarting is called before each subtest with an Outcome that only
	// has Origin and Test set.
	OnTestStarting func(header model.Outcome)
	// OnTestMeasurement is called for every measurement, in order.
	OnTestMeasurement func(m model.Measurement)
	// OnTestComplete is called exactly once per subtest.
	OnTestComplete func(o model.Outcome)
	// OnComplete is called once every subtest has completed.
	OnComplete func(outcomes []model.Outcome)
}

// Config is the configuration for a Client.
type Config struct {
	// ServerBaseURL is the http(s) base URL of the server. If empty, the
	// server is obtained from the Locator.
	ServerBaseURL string

	// LocateURL is the legacy locate API endpoint used when Locator is nil.
	// It defaults to spec.DefaultLocateURL.
	LocateURL string

	// Locator overrides the default legacy locator.
	Locator locator.Locator

	// DataPolicyAccepted must be true, or no network activity happens.
	DataPolicyAccepted bool

	// RoundTrip enables the round-trip subtest after the upload.
	RoundTrip bool

	// Timeout is the hard timeout of each subtest. It defaults to
	// spec.DefaultTimeout.
	Timeout time.Duration

	// NoVerify disables the TLS certificate verification.
	NoVerify bool

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Callbacks are the lifecycle callbacks.
	Callbacks Callbacks
}

// TestConfig is the configuration of a single subtest run by RunTest.
type TestConfig struct {
	// BaseURL is the http(s) base URL of the server. Required.
	BaseURL string
	// Test is the subtest kind. Required.
	Test spec.TestKind
	// DataPolicyAccepted must be true, or no network activity happens.
	DataPolicyAccepted bool

	OnStarting    func(header model.Outcome)
	OnMeasurement func(m model.Measurement)
	OnComplete    func(o model.Outcome)
}
