package model

// RoundTripRequest is the timing message sent by the server. ST is the
// server's send time since the beginning of the subtest, SRTT the server's
// smoothed RTT estimate. Both are microseconds.
type RoundTripRequest struct {
	ST   *int64 `json:",omitempty"`
	SRTT int64  `json:",omitempty"`
}

// RoundTripReply is the client's reply to a RoundTripRequest. STE echoes the
// server timestamp, STD is the one-way delta and RT the client's receive
// time since the beginning of the subtest. All values are microseconds.
type RoundTripReply struct {
	STE int64
	STD int64
	RT  int64
}
