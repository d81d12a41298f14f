package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/rxrpc/internal/ratelimiter"
	"github.com/marmos91/rxrpc/pkg/rx"
	"github.com/marmos91/rxrpc/pkg/rx/xdrcall"
)

// maxHostname bounds the hostname accepted in a whoami reply.
const maxHostname = 1024

// Result is the outcome of one probe call.
type Result struct {
	Seq int
	RTT time.Duration
	Err error
}

// Summary aggregates probe results.
type Summary struct {
	Sent      int
	Succeeded int
	Failed    int
	MinRTT    time.Duration
	MaxRTT    time.Duration
	totalRTT  time.Duration
}

// Add folds r into the summary. Only successful calls contribute RTTs.
func (s *Summary) Add(r Result) {
	s.Sent++
	if r.Err != nil {
		s.Failed++
		return
	}
	s.Succeeded++
	s.totalRTT += r.RTT
	if s.Succeeded == 1 || r.RTT < s.MinRTT {
		s.MinRTT = r.RTT
	}
	if r.RTT > s.MaxRTT {
		s.MaxRTT = r.RTT
	}
}

// AvgRTT is the mean RTT over successful probes.
func (s *Summary) AvgRTT() time.Duration {
	if s.Succeeded == 0 {
		return 0
	}
	return s.totalRTT / time.Duration(s.Succeeded)
}

// Options controls Run.
type Options struct {
	Opcode uint32

	// Count of probes; 0 runs until ctx is done.
	Count int

	// Timeout bounds each call.
	Timeout time.Duration

	// Limiter paces calls. Nil sends back to back.
	Limiter *ratelimiter.RateLimiter

	// OnResult, if set, sees every result as it completes.
	OnResult func(Result)
}

// Once sends a single probe and waits at most timeout for the reply.
func Once(ctx context.Context, cn *rx.Connection, opcode uint32, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := xdrcall.Invoke(ctx, cn, opcode, nil, nil)
	return Result{RTT: time.Since(start), Err: err}
}

// Run sends probes until Count is reached or ctx is done. Interruption is
// not an error; the summary covers the probes that finished.
func Run(ctx context.Context, cn *rx.Connection, opts Options) (Summary, error) {
	var sum Summary
	for seq := 1; opts.Count == 0 || seq <= opts.Count; seq++ {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return sum, nil
				}
				return sum, err
			}
		}

		r := Once(ctx, cn, opts.Opcode, opts.Timeout)
		if ctx.Err() != nil {
			return sum, nil
		}
		r.Seq = seq
		sum.Add(r)
		if opts.OnResult != nil {
			opts.OnResult(r)
		}
	}
	return sum, nil
}

// Identity is a whoami reply.
type Identity struct {
	ID       uuid.UUID
	Hostname string
	Uptime   time.Duration
}

// whoAmIReply decodes the reply in phases: UUID and hostname length, the
// hostname bytes, then the uptime.
type whoAmIReply struct {
	rx.NopOperations
	phase  int
	id     uuid.UUID
	name   []byte
	uptime uint64
}

func (r *whoAmIReply) Decode(c *rx.Call) (rx.DecodeResult, error) {
	for {
		switch r.phase {
		case 0:
			r.phase++
			c.SetNeed(rx.UUIDSize + 4)
			return rx.DecodeMore, nil

		case 1:
			r.id = c.DecodeUUID()
			n := c.DecodeUint32()
			if n > maxHostname {
				return rx.DecodeDone, rx.NewAbortError(rx.AbortClientUnmarshal,
					fmt.Errorf("hostname length %d", n))
			}
			r.name = make([]byte, n)
			c.BeginBlob(r.name)
			r.phase++

		case 2:
			if !c.DecodeBlob() {
				c.SetNeed(1)
				return rx.DecodeMore, nil
			}
			r.phase++
			c.SetNeed(8)
			return rx.DecodeMore, nil

		default:
			r.uptime = c.DecodeUint64()
			return rx.DecodeDone, nil
		}
	}
}

// WhoAmI asks the service for its identity.
func WhoAmI(ctx context.Context, cn *rx.Connection) (*Identity, error) {
	reply := &whoAmIReply{}
	call, err := cn.NewCall(reply)
	if err != nil {
		return nil, err
	}
	defer call.Terminate(rx.AbortUserAbort)

	call.EncodeUint32(OpWhoAmI)
	if err := cn.Send(call); err != nil {
		return nil, fmt.Errorf("probe: send whoami: %w", err)
	}
	if err := rx.RunSyncCall(ctx, call); err != nil {
		return nil, err
	}
	return &Identity{
		ID:       reply.id,
		Hostname: string(reply.name),
		Uptime:   time.Duration(reply.uptime) * time.Second,
	}, nil
}

// Stats fetches the service counters.
func Stats(ctx context.Context, cn *rx.Connection) (*StatsReply, error) {
	var reply StatsReply
	if err := xdrcall.Invoke(ctx, cn, OpStats, nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
