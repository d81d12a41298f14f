package rx

import (
	"context"
	"errors"

	"github.com/marmos91/rxrpc/internal/logger"
)

// RunSyncCall drives the connection until call is no longer known to the
// kernel, then reports the outcome: nil for a completed call, the call's
// *CallError for a failed one and a *StateError for anything else.
//
// The context is the call's timer. When it is done the call is aborted
// with AbortCallTimeout and the context's error is returned.
func RunSyncCall(ctx context.Context, call *Call) error {
	cn := call.conn
	for call.knownToKernel && !call.state.Finished() {
		if err := ctx.Err(); err != nil {
			call.Abort(AbortCallTimeout)
			return err
		}

		ready, err := cn.sock.Poll(cn.pollInterval)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}

		err = cn.Receive(true)
		switch {
		case err == nil, errors.Is(err, ErrWouldBlock):
		case errors.Is(err, ErrNoCallID), errors.Is(err, ErrUnknownCall):
			logger.Debug("rx: sync call %x skipped a stray message: %v", call.handle, err)
		default:
			return err
		}
	}

	switch {
	case call.state.Complete():
		logger.Debug("rx: call %x complete", call.handle)
		return nil
	case call.state.Failed():
		logger.Debug("rx: call %x failed in %s", call.handle, call.state)
		return call.Err()
	default:
		return &StateError{Op: "sync call end", State: call.state}
	}
}
