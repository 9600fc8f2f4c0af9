// Package client implements an ndt7 client running the download, upload
// and, optionally, round-trip subtests against a single server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/ndt7-client/internal/metrics"
	"github.com/m-lab/ndt7-client/internal/socket"
	"github.com/m-lab/ndt7-client/internal/worker"
	"github.com/m-lab/ndt7-client/pkg/clock"
	"github.com/m-lab/ndt7-client/pkg/locator"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
	"github.com/m-lab/ndt7-client/pkg/version"
)

const libraryName = "ndt7-client-go"

// Errors reported in Outcome.Error.
const (
	// TimeoutError is reported when a subtest hits the hard timeout.
	TimeoutError = "Terminated with timeout"
	// GenericError is reported when a subtest fails without a message.
	GenericError = "Terminated with exception"
)

var (
	// ErrDataPolicyNotAccepted is returned when the data policy has not
	// been accepted.
	ErrDataPolicyNotAccepted = errors.New("data policy not accepted")

	// ErrNoBaseURL is returned when a subtest has no usable base URL.
	ErrNoBaseURL = errors.New("missing or invalid server base URL")

	// ErrUnknownTest is returned for unknown subtest kinds.
	ErrUnknownTest = errors.New("unknown test kind")

	libraryVersion = version.Version
)

// Client is an ndt7 client.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config  Config
	dialer  *socket.Dialer
	locator locator.Locator
	clock   clock.Clock

	workerFor func(spec.TestKind) (worker.Worker, error)
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	ua := makeUserAgent(clientName, clientVersion)
	l := config.Locator
	if l == nil {
		l = &locator.Legacy{URL: config.LocateURL, UserAgent: ua}
	}
	return &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config: config,
		dialer: &socket.Dialer{
			UserAgent: ua,
			NoVerify:  config.NoVerify,
		},
		locator:   l,
		clock:     clock.OrReal(config.Clock),
		workerFor: worker.For,
	}
}

func (c *Client) timeout() time.Duration {
	if c.config.Timeout > 0 {
		return c.config.Timeout
	}
	return spec.DefaultTimeout
}

func parseBaseURL(s string) (*url.URL, error) {
	if s == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoBaseURL, s)
	}
	return u, nil
}

// Start runs the download and upload subtests, followed by the round-trip
// subtest if enabled, one after the other. A failed subtest does not stop
// the following ones: failures are reported in the returned outcomes.
//
// Start only returns an error if the configuration is invalid, in which case
// nothing has been sent on the network, or if the server cannot be located.
func (c *Client) Start(ctx context.Context) ([]model.Outcome, error) {
	if !c.config.DataPolicyAccepted {
		return nil, ErrDataPolicyNotAccepted
	}
	if c.config.ServerBaseURL != "" {
		if _, err := parseBaseURL(c.config.ServerBaseURL); err != nil {
			return nil, err
		}
	}
	cb := c.config.Callbacks
	if cb.OnStarting != nil {
		cb.OnStarting()
	}

	base := c.config.ServerBaseURL
	if base == "" {
		var err error
		base, err = c.locator.Locate(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot locate a server: %w", err)
		}
	}
	log.Debug("using server", "url", base)
	if cb.OnServerURL != nil {
		cb.OnServerURL(base)
	}

	tests := []spec.TestKind{spec.TestDownload, spec.TestUpload}
	if c.config.RoundTrip {
		tests = append(tests, spec.TestRoundTrip)
	}
	outcomes := make([]model.Outcome, 0, len(tests))
	for _, kind := range tests {
		o, err := c.RunTest(ctx, TestConfig{
			BaseURL:            base,
			Test:               kind,
			DataPolicyAccepted: true,
			OnStarting:         cb.OnTestStarting,
			OnMeasurement:      cb.OnTestMeasurement,
			OnComplete:         cb.OnTestComplete,
		})
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, o)
	}
	if cb.OnComplete != nil {
		cb.OnComplete(outcomes)
	}
	return outcomes, nil
}

// latch is a one-shot completion gate.
type latch struct {
	fired atomic.Bool
}

// fire returns true only the first time it is called.
func (l *latch) fire() bool {
	return l.fired.CompareAndSwap(false, true)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return GenericError
}

// RunTest runs a single subtest. It blocks until the subtest completes
// normally, fails, or hits the timeout, and returns its outcome, which is
// also passed to tc.OnComplete exactly once. On timeout the connection is
// torn down without any closing handshake and RunTest waits, up to
// spec.CloseTimeout, for the worker to stop.
//
// RunTest only returns an error if tc is invalid, in which case nothing has
// been sent on the network.
func (c *Client) RunTest(ctx context.Context, tc TestConfig) (model.Outcome, error) {
	if !tc.DataPolicyAccepted {
		return model.Outcome{}, ErrDataPolicyNotAccepted
	}
	if !tc.Test.Valid() {
		return model.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownTest, tc.Test)
	}
	base, err := parseBaseURL(tc.BaseURL)
	if err != nil {
		return model.Outcome{}, err
	}
	w, err := c.workerFor(tc.Test)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("%w: %v", ErrUnknownTest, err)
	}

	header := model.Outcome{Origin: model.OriginClient, Test: tc.Test}
	if tc.OnStarting != nil {
		tc.OnStarting(header)
	}
	log.Debug("subtest starting", "test", tc.Test, "host", base.Host)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	start := c.clock.Now()
	timer := c.clock.NewTimer(c.timeout())
	defer timer.Stop()
	measurements, errCh := w.Start(ctx, worker.Params{
		BaseURL: base,
		Dialer:  c.dialer,
		Clock:   c.clock,
	})

	var (
		done    latch
		outcome model.Outcome
	)
	complete := func(errStr, result string) {
		if !done.fire() {
			return
		}
		elapsed := c.clock.Now().Sub(start)
		outcome = header
		outcome.ElapsedTime = elapsed.Microseconds()
		outcome.Error = errStr
		metrics.Subtests.WithLabelValues(string(tc.Test), result).Inc()
		metrics.SubtestDuration.WithLabelValues(string(tc.Test)).Observe(elapsed.Seconds())
		log.Debug("subtest complete", "test", tc.Test, "elapsed", elapsed, "error", errStr)
		if tc.OnComplete != nil {
			tc.OnComplete(outcome)
		}
	}

	var (
		workerErr error
		closed    bool
	)
	for !done.fired.Load() {
		select {
		case m, ok := <-measurements:
			if !ok {
				closed = true
				if workerErr == nil {
					select {
					case workerErr = <-errCh:
					default:
					}
				}
				if workerErr != nil {
					complete(errorString(workerErr), metrics.ResultError)
				} else {
					complete("", metrics.ResultOK)
				}
				continue
			}
			metrics.Measurements.WithLabelValues(string(m.Test), m.Origin).Inc()
			if tc.OnMeasurement != nil {
				tc.OnMeasurement(m)
			}
		case err := <-errCh:
			// The worker closes the measurements channel right after
			// reporting an error: keep relaying until then.
			workerErr = err
			errCh = nil
		case <-timer.C():
			log.Debug("subtest timed out", "test", tc.Test, "timeout", c.timeout())
			cancel()
			complete(TimeoutError, metrics.ResultTimeout)
		}
	}
	if !closed {
		drain(measurements)
	}
	return outcome, nil
}

// drain discards measurements until the worker closes the channel or
// spec.CloseTimeout expires, so that the worker is gone before the next
// subtest dials.
func drain(measurements <-chan model.Measurement) {
	timer := time.NewTimer(spec.CloseTimeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-measurements:
			if !ok {
				return
			}
		case <-timer.C:
			log.Warn("worker did not stop in time", "timeout", spec.CloseTimeout)
			return
		}
	}
}
