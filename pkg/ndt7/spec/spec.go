// Package spec contains constants for the client side of the ndt7 protocol.
package spec

import (
	"time"

	ndt7spec "github.com/m-lab/ndt-server/ndt7/spec"
)

const (
	// DownloadPath selects the download subtest.
	DownloadPath = ndt7spec.DownloadURLPath

	// UploadPath selects the upload subtest.
	UploadPath = ndt7spec.UploadURLPath

	// RoundTripPath selects the round-trip subtest.
	RoundTripPath = "/ndt/v7/roundtrip"

	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header.
	SecWebSocketProtocol = ndt7spec.SecWebSocketProtocol

	// DefaultLocateURL is the legacy locate endpoint returning {"fqdn": ...}.
	DefaultLocateURL = "https://locate.measurementlab.net/ndt7"

	// LocateV2Service is the service name used with the Locate v2 API.
	LocateV2Service = "ndt/ndt7"

	// InitialMessageSize is the initial size of a binary WebSocket message
	// during an upload.
	InitialMessageSize = 1 << 13

	// MaxScaledMessageSize is the maximum value of a scaled binary WebSocket
	// message size. Larger messages have been seen to make some browsers
	// close the connection prematurely, so 1<<20 is the compromise.
	MaxScaledMessageSize = 1 << 20

	// MaxMessageSize is the read limit applied to incoming messages.
	MaxMessageSize = 1 << 24

	// BufferingMultiplier is how many messages of the current size may sit
	// in the send buffer before the uploader stops enqueueing.
	BufferingMultiplier = 7

	// ScalingTarget is the projected drain time below which the upload
	// message size is doubled.
	ScalingTarget = 50 * time.Millisecond

	// FallbackUploadDelay is used when the next upload tick cannot be
	// computed (e.g. nothing has been drained yet).
	FallbackUploadDelay = time.Millisecond

	// MeasureInterval is the minimum interval between client measurements.
	MeasureInterval = 250 * time.Millisecond

	// MaxUploadDuration is the soft stop of the upload subtest.
	MaxUploadDuration = 10 * time.Second

	// DefaultTimeout is the hard timeout of every subtest.
	DefaultTimeout = 10 * time.Second

	// CloseTimeout bounds how long a graceful close waits for the peer.
	CloseTimeout = time.Second
)

// TestKind indicates the subtest kind.
type TestKind string

const (
	// TestDownload is a download subtest.
	TestDownload = TestKind("download")

	// TestUpload is an upload subtest.
	TestUpload = TestKind("upload")

	// TestRoundTrip is a round-trip subtest.
	TestRoundTrip = TestKind("roundtrip")
)

// Path returns the URL path selecting this subtest, or an empty string for
// unknown kinds.
func (k TestKind) Path() string {
	switch k {
	case TestDownload:
		return DownloadPath
	case TestUpload:
		return UploadPath
	case TestRoundTrip:
		return RoundTripPath
	default:
		return ""
	}
}

// Valid reports whether k is one of the known subtest kinds.
func (k TestKind) Valid() bool {
	return k.Path() != ""
}
