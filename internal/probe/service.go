// Package probe implements the rxprobe service and the client calls that
// exercise it: a VL-style probe with no arguments or results, an identity
// query encoded directly on the call buffers, and XDR-marshaled counters.
package probe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/rxrpc/internal/logger"
	"github.com/marmos91/rxrpc/pkg/rx"
	"github.com/marmos91/rxrpc/pkg/rx/xdrcall"
)

// Opcodes served alongside the configurable probe opcode. They sit above
// the VL opcode range.
const (
	OpWhoAmI uint32 = 65280
	OpStats  uint32 = 65281
)

// StatsReply is the XDR result of OpStats.
type StatsReply struct {
	Calls         uint64
	Probes        uint64
	UptimeSeconds uint64
}

// Service answers probe, whoami and stats calls. It implements rx.Service.
type Service struct {
	procs    *xdrcall.Service
	id       uuid.UUID
	hostname string
	started  time.Time

	calls  atomic.Uint64
	probes atomic.Uint64
}

// NewService builds the dispatch table. id and hostname are reported by
// whoami.
func NewService(ctx context.Context, id uuid.UUID, hostname string, probeOpcode uint32) *Service {
	s := &Service{
		procs:    xdrcall.NewService(ctx),
		id:       id,
		hostname: hostname,
		started:  time.Now(),
	}
	s.procs.Register(probeOpcode, "PROBE", func(context.Context, []byte) ([]byte, error) {
		s.probes.Add(1)
		return nil, nil
	})
	s.procs.Register(OpStats, "STATS", func(context.Context, []byte) ([]byte, error) {
		return xdrcall.Marshal(&StatsReply{
			Calls:         s.calls.Load(),
			Probes:        s.probes.Load(),
			UptimeSeconds: s.uptimeSeconds(),
		})
	})
	return s
}

func (s *Service) uptimeSeconds() uint64 {
	return uint64(time.Since(s.started) / time.Second)
}

// Dispatch implements rx.Service.
func (s *Service) Dispatch(c *rx.Call, opcode uint32) (rx.Operations, error) {
	s.calls.Add(1)
	if opcode == OpWhoAmI {
		if remote, ok := c.Remote(); ok {
			logger.Debug("probe: call %x whoami from %s", c.Handle(), remote)
		} else {
			logger.Debug("probe: call %x whoami", c.Handle())
		}
		return &whoAmIOps{svc: s}, nil
	}
	return s.procs.Dispatch(c, opcode)
}

// whoAmIOps takes no arguments and replies with the service UUID in
// afsUUID layout, the hostname and the uptime in seconds.
type whoAmIOps struct {
	rx.NopOperations
	svc *Service
}

func (o *whoAmIOps) Process(c *rx.Call) {
	c.EncodeUUID(o.svc.id)
	c.EncodeString(o.svc.hostname)
	c.EncodeUint64(o.svc.uptimeSeconds())
	if err := c.Conn().Send(c); err != nil {
		logger.Warn("probe: whoami reply: %v", err)
		c.Abort(rx.AbortCallDead)
	}
}
