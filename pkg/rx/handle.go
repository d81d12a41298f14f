package rx

import "math/bits"

// Handle identifies a live call to the kernel. It is passed as the
// RXRPC_USER_CALL_ID, which the kernel treats as an opaque unsigned long,
// so it must fit the platform word. The low bits index the handle table
// and the high bits carry a generation that changes every time a slot is
// reused, so notifications for a terminated call never reach its
// successor.
type Handle uint64

const (
	handleIndexBits = 20
	handleIndexMask = 1<<handleIndexBits - 1
	maxHandleGen    = 1<<(bits.UintSize-handleIndexBits) - 1
	maxHandles      = handleIndexMask + 1
)

func makeHandle(index int, gen uint64) Handle {
	return Handle(gen<<handleIndexBits | uint64(index))
}

func (h Handle) index() int  { return int(h & handleIndexMask) }
func (h Handle) gen() uint64 { return uint64(h) >> handleIndexBits }

type handleSlot struct {
	gen  uint64
	call *Call
}

// handleTable maps handles to calls. Like the connection that owns it, it
// is not safe for concurrent use.
type handleTable struct {
	slots []handleSlot
	free  []int
	live  int
}

// register assigns call a fresh handle. ok is false when the table is full.
func (t *handleTable) register(call *Call) (h Handle, ok bool) {
	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.slots) >= maxHandles {
			return 0, false
		}
		idx = len(t.slots)
		t.slots = append(t.slots, handleSlot{})
	}

	s := &t.slots[idx]
	s.gen++
	if s.gen > maxHandleGen {
		s.gen = 1
	}
	s.call = call
	t.live++
	return makeHandle(idx, s.gen), true
}

// lookup returns the call for h, or nil if h is stale or unknown.
func (t *handleTable) lookup(h Handle) *Call {
	idx := h.index()
	if h == 0 || idx >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if s.call == nil || s.gen != h.gen() {
		return nil
	}
	return s.call
}

// unregister frees h's slot. Stale handles are ignored.
func (t *handleTable) unregister(h Handle) {
	if t.lookup(h) == nil {
		return
	}
	idx := h.index()
	t.slots[idx].call = nil
	t.free = append(t.free, idx)
	t.live--
}

// calls returns every registered call.
func (t *handleTable) calls() []*Call {
	out := make([]*Call, 0, t.live)
	for _, s := range t.slots {
		if s.call != nil {
			out = append(out, s.call)
		}
	}
	return out
}

func (t *handleTable) len() int { return t.live }
