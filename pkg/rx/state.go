package rx

// CallState is the phase a call has reached. Client and server calls move
// along separate tracks and share the terminal failure states.
type CallState int

const (
	StateClientNotStarted CallState = iota
	StateClientEncodingParams
	StateClientWaitingForResponse
	StateClientDecodingResponse
	StateClientWaitForNoMore
	StateClientComplete

	StateServerNotStarted
	StateServerWaitingForOpcode
	StateServerDecodingOpcode
	StateServerDecodingParams
	StateServerWaitForNoMore
	StateServerProcessing
	StateServerEncodingResponse
	StateServerResponseEncoded
	StateServerWaitingForFinalAck
	StateServerComplete

	StateRemotelyAborted
	StateLocallyAborted
	StateNetError
	StateLocalError
	StateRejectedBusy
)

var stateNames = [...]string{
	StateClientNotStarted:         "client-not-started",
	StateClientEncodingParams:     "client-encoding-params",
	StateClientWaitingForResponse: "client-waiting-for-response",
	StateClientDecodingResponse:   "client-decoding-response",
	StateClientWaitForNoMore:      "client-wait-for-no-more",
	StateClientComplete:           "client-complete",
	StateServerNotStarted:         "server-not-started",
	StateServerWaitingForOpcode:   "server-waiting-for-opcode",
	StateServerDecodingOpcode:     "server-decoding-opcode",
	StateServerDecodingParams:     "server-decoding-params",
	StateServerWaitForNoMore:      "server-wait-for-no-more",
	StateServerProcessing:         "server-processing",
	StateServerEncodingResponse:   "server-encoding-response",
	StateServerResponseEncoded:    "server-response-encoded",
	StateServerWaitingForFinalAck: "server-waiting-for-final-ack",
	StateServerComplete:           "server-complete",
	StateRemotelyAborted:          "remotely-aborted",
	StateLocallyAborted:           "locally-aborted",
	StateNetError:                 "net-error",
	StateLocalError:               "local-error",
	StateRejectedBusy:             "rejected-busy",
}

func (s CallState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Failed reports whether s is one of the terminal failure states.
func (s CallState) Failed() bool {
	return s >= StateRemotelyAborted && s <= StateRejectedBusy
}

// Complete reports whether the call finished successfully.
func (s CallState) Complete() bool {
	return s == StateClientComplete || s == StateServerComplete
}

// Finished reports whether no further transitions can happen.
func (s CallState) Finished() bool {
	return s.Complete() || s.Failed()
}

// Server reports whether s belongs to the server track.
func (s CallState) Server() bool {
	return s >= StateServerNotStarted && s <= StateServerComplete
}

func (s CallState) decoding() bool {
	switch s {
	case StateClientDecodingResponse, StateServerDecodingOpcode, StateServerDecodingParams:
		return true
	}
	return false
}
