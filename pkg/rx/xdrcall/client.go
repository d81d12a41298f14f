// Package xdrcall marshals RPC arguments and results with XDR and runs them
// over rx calls. It is the bridge between Go structs and the transport
// engine's Operations interface: request bodies are encoded in one piece,
// response bodies are collected as they stream in and decoded once the peer
// has sent everything.
package xdrcall

import (
	"bytes"
	"context"
	"fmt"

	"github.com/marmos91/rxrpc/internal/logger"
	"github.com/marmos91/rxrpc/pkg/rx"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// collector gathers a call's whole incoming body.
type collector struct {
	rx.NopOperations
	body []byte
}

func (col *collector) Decode(c *rx.Call) (rx.DecodeResult, error) {
	c.SetNeed(rx.NeedUnbounded)
	col.body = c.AppendAvailable(col.body)
	if c.MoreRecv() {
		return rx.DecodeMore, nil
	}
	return rx.DecodeDone, nil
}

// Marshal encodes v as XDR. A nil v encodes as nothing.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v, which must be a pointer. A nil v skips
// the body.
func Unmarshal(data []byte, v any) error {
	if v == nil {
		return nil
	}
	_, err := xdr.Unmarshal(bytes.NewReader(data), v)
	return err
}

// Invoke performs a synchronous call: it sends opcode followed by the XDR
// encoding of req, waits for the reply with rx.RunSyncCall and decodes the
// reply body into resp. req and resp may be nil for procedures without
// arguments or results.
//
// Protocol failures come back as *rx.CallError; ctx bounds the wait and
// aborts the call when it expires.
func Invoke(ctx context.Context, cn *rx.Connection, opcode uint32, req, resp any) error {
	body, err := Marshal(req)
	if err != nil {
		return fmt.Errorf("xdrcall: marshal opcode %d request: %w", opcode, err)
	}

	col := &collector{}
	call, err := cn.NewCall(col)
	if err != nil {
		return err
	}
	defer call.Terminate(rx.AbortUserAbort)

	call.EncodeUint32(opcode)
	call.EncodeBlob(body)
	if err := cn.Send(call); err != nil {
		return fmt.Errorf("xdrcall: send opcode %d: %w", opcode, err)
	}

	if err := rx.RunSyncCall(ctx, call); err != nil {
		return err
	}
	logger.Debug("xdrcall: opcode %d sent %d bytes, received %d",
		opcode, call.BytesSent(), call.BytesReceived())

	if err := Unmarshal(col.body, resp); err != nil {
		return fmt.Errorf("xdrcall: unmarshal opcode %d reply: %w", opcode, err)
	}
	return nil
}
