package model

import "github.com/m-lab/ndt7-client/pkg/ndt7/spec"

// Outcome describes how a subtest ended. The header passed to the starting
// callback only has Origin and Test set.
type Outcome struct {
	// Origin is always OriginClient.
	Origin string
	// Test is the subtest kind.
	Test spec.TestKind
	// ElapsedTime is the wall-clock duration of the subtest, in microseconds.
	ElapsedTime int64 `json:",omitempty"`
	// Error is empty on clean completion.
	Error string `json:",omitempty"`
}

// Failed reports whether the subtest ended with an error or a timeout.
func (o Outcome) Failed() bool {
	return o.Error != ""
}
