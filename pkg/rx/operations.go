package rx

// DecodeResult tells the decode loop what a decoder step achieved.
type DecodeResult int

const (
	// DecodeDone means the current phase has been fully decoded.
	DecodeDone DecodeResult = iota

	// DecodeMore means the decoder needs more input. It should have
	// updated the call's need size (SetNeed) before returning.
	DecodeMore
)

// Operations is supplied per call by the marshaling layer. The transport
// engine calls it from Receive and Terminate only; implementations never
// run concurrently for the same call.
type Operations interface {
	// Decode consumes received bytes with the call's decode primitives.
	// It is invoked once at least NeedSize bytes are available (or as
	// soon as anything arrives when the need is NeedUnbounded). Returning
	// an error aborts the call locally; an *AbortError selects the code.
	Decode(c *Call) (DecodeResult, error)

	// Process runs on the server once the request has been decoded. It
	// normally encodes the response and calls Connection.Send.
	Process(c *Call)

	// OnFailure runs when input arrives for a call that is already
	// processing.
	OnFailure(c *Call)

	// Cleanup runs once when the call is terminated.
	Cleanup(c *Call)
}

// NopOperations implements Operations with no-ops. Embed it to implement
// only the callbacks a call type needs.
type NopOperations struct{}

func (NopOperations) Decode(*Call) (DecodeResult, error) { return DecodeDone, nil }
func (NopOperations) Process(*Call)                       {}
func (NopOperations) OnFailure(*Call)                     {}
func (NopOperations) Cleanup(*Call)                       {}

// Service maps the opcode of an incoming server call to the Operations
// that decode its parameters and process it. Returning ErrUnknownOpcode
// aborts the call with AbortOpcode.
type Service interface {
	Dispatch(c *Call, opcode uint32) (Operations, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(c *Call, opcode uint32) (Operations, error)

func (f ServiceFunc) Dispatch(c *Call, opcode uint32) (Operations, error) {
	return f(c, opcode)
}
