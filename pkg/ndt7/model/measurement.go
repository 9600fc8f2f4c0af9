// Package model contains the data structures exchanged by the ndt7 client,
// both on the wire and with the caller.
package model

import (
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
	"github.com/m-lab/tcp-info/inetdiag"
	"github.com/m-lab/tcp-info/tcp"
)

const (
	// OriginClient marks measurements taken by this client.
	OriginClient = "client"
	// OriginServer marks measurements received from the server.
	OriginServer = "server"
)

// The Measurement struct contains measurement results. This structure is
// meant to be serialised as JSON as sent as a textual message. This
// structure is specified in the ndt7 specification.
type Measurement struct {
	AppInfo        *AppInfo        `json:",omitempty"`
	ConnectionInfo *ConnectionInfo `json:",omitempty" bigquery:"-"`
	BBRInfo        *BBRInfo        `json:",omitempty"`
	TCPInfo        *TCPInfo        `json:",omitempty"`
	Origin         string          `json:",omitempty"`
	Test           spec.TestKind   `json:",omitempty"`
}

// AppInfo contains an application-level measurement.
type AppInfo struct {
	// ElapsedTime is the time elapsed since the beginning of the subtest,
	// in microseconds.
	ElapsedTime int64
	// NumBytes is the number of bytes transferred so far.
	NumBytes int64
	// SRTT is the smoothed RTT reported by the server during the round-trip
	// subtest, in microseconds.
	SRTT int64 `json:",omitempty"`
}

// ConnectionInfo contains connection info sent by the server.
type ConnectionInfo struct {
	Client string
	Server string
	UUID   string `json:",omitempty"`
}

// The BBRInfo struct contains information measured using BBR. Variables here
// have the same measurement unit used by the Linux kernel.
type BBRInfo struct {
	inetdiag.BBRInfo
	ElapsedTime int64
}

// The TCPInfo struct contains information measured using TCP_INFO.
type TCPInfo struct {
	tcp.LinuxTCPInfo
	ElapsedTime int64
}
