package rx

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/rxrpc/internal/logger"
	"golang.org/x/sys/unix"
)

// Serve answers incoming calls on a service connection until ctx is done.
// It keeps charge calls pre-registered with the kernel, dispatches each
// request's opcode through svc and terminates calls once they finish.
func (cn *Connection) Serve(ctx context.Context, svc Service, charge int) error {
	if !cn.server {
		return fmt.Errorf("rx: serve on a client connection: %w", unix.EINVAL)
	}
	if charge < 1 {
		charge = 1
	}
	cn.service = svc

	for cn.handles.len() < charge {
		if _, err := cn.ChargeAccept(); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("rx: service shutting down with %d live calls", cn.handles.len())
			return nil
		}

		ready, err := cn.sock.Poll(cn.pollInterval)
		if err != nil {
			return err
		}
		if ready {
			err = cn.Receive(true)
			switch {
			case err == nil, errors.Is(err, ErrWouldBlock):
			case errors.Is(err, ErrNoCallID), errors.Is(err, ErrUnknownCall):
			default:
				var se *StateError
				if !errors.As(err, &se) {
					return err
				}
				logger.Warn("rx: %v", err)
			}
		}

		if err := cn.reap(charge); err != nil {
			return err
		}
	}
}

// reap terminates finished server calls and tops the accept queue back up.
func (cn *Connection) reap(charge int) error {
	waiting := 0
	for _, c := range cn.handles.calls() {
		switch {
		case c.state.Finished() && !c.knownToKernel:
			if err := c.Err(); err != nil {
				logger.Debug("rx: server call %x ended: %v", c.handle, err)
			}
			c.Terminate(0)
		case c.state == StateServerWaitingForOpcode:
			waiting++
		}
	}
	for ; waiting < charge; waiting++ {
		if _, err := cn.ChargeAccept(); err != nil {
			return err
		}
	}
	return nil
}
