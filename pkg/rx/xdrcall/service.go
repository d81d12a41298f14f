package xdrcall

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/rxrpc/internal/logger"
	"github.com/marmos91/rxrpc/pkg/rx"
)

// ============================================================================
// Procedure dispatch
// ============================================================================

// ProcedureHandler serves one opcode. It receives the raw XDR argument
// body and returns the raw XDR result body. Returning an *rx.AbortError
// selects the abort code sent to the caller; any other error aborts with
// rx.AbortInvalidOp.
type ProcedureHandler func(ctx context.Context, args []byte) ([]byte, error)

// procedureInfo describes a registered opcode.
type procedureInfo struct {
	// Name is used in log lines.
	Name string

	Handler ProcedureHandler
}

// Service dispatches incoming calls by opcode. It implements rx.Service.
// Register every procedure before handing the Service to a connection.
type Service struct {
	ctx   context.Context
	table map[uint32]*procedureInfo
}

// NewService returns an empty dispatch table. ctx is handed to every
// handler.
func NewService(ctx context.Context) *Service {
	return &Service{ctx: ctx, table: make(map[uint32]*procedureInfo)}
}

// Register binds opcode to h. Registering an opcode twice replaces the
// earlier handler.
func (s *Service) Register(opcode uint32, name string, h ProcedureHandler) {
	s.table[opcode] = &procedureInfo{Name: name, Handler: h}
}

// Typed wraps a function over decoded argument and result structs as a
// ProcedureHandler.
func Typed[Req, Resp any](fn func(ctx context.Context, req *Req) (*Resp, error)) ProcedureHandler {
	return func(ctx context.Context, args []byte) ([]byte, error) {
		req := new(Req)
		if err := Unmarshal(args, req); err != nil {
			return nil, rx.NewAbortError(rx.AbortServerUnmarshal, err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, nil
		}
		out, err := Marshal(resp)
		if err != nil {
			return nil, rx.NewAbortError(rx.AbortServerMarshal, err)
		}
		return out, nil
	}
}

// Dispatch implements rx.Service.
func (s *Service) Dispatch(c *rx.Call, opcode uint32) (rx.Operations, error) {
	info, ok := s.table[opcode]
	if !ok {
		return nil, fmt.Errorf("opcode %d: %w", opcode, rx.ErrUnknownOpcode)
	}
	logger.Debug("xdrcall: call %x dispatching %s", c.Handle(), info.Name)
	return &serverCall{svc: s, info: info}, nil
}

// serverCall collects the argument body, runs the handler and sends the
// result.
type serverCall struct {
	collector
	svc  *Service
	info *procedureInfo
}

func (sc *serverCall) Process(c *rx.Call) {
	out, err := sc.info.Handler(sc.svc.ctx, sc.body)
	if err != nil {
		code := rx.AbortInvalidOp
		var ae *rx.AbortError
		if errors.As(err, &ae) {
			code = ae.Code
		}
		logger.Debug("xdrcall: %s failed, aborting with %d: %v", sc.info.Name, code, err)
		c.Abort(code)
		return
	}

	c.EncodeBlob(out)
	if err := c.Conn().Send(c); err != nil {
		logger.Warn("xdrcall: %s reply: %v", sc.info.Name, err)
		c.Abort(rx.AbortCallDead)
	}
}

func (sc *serverCall) OnFailure(c *rx.Call) {
	logger.Warn("xdrcall: %s received data after its arguments", sc.info.Name)
	c.Abort(rx.AbortProtocolError)
}
