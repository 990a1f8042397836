package comm

import (
	"errors"
	"fmt"
	"time"
)

// ErrDesignUnavailable marks a design that is accepted in configuration
// but has no in-tree hardware-mode fabric. Callers wrap it with the
// design name; use errors.Is to detect it.
var ErrDesignUnavailable = errors.New("design not available in this build")

// TimeoutError reports an adapter call that did not complete within the
// configured per-call deadline. It is a backend failure, not a
// verification mismatch: a wedged backend cannot reach later barriers,
// so the battery aborts instead of continuing with a skewed sequence.
type TimeoutError struct {
	// Op names the adapter call that expired, e.g. "barrier" or
	// "allreduce".
	Op string
	// After is the deadline that expired.
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("comm: %s did not complete within %s", e.Op, e.After)
}

// ProtocolError reports a frame that arrived out of protocol: a tag
// from a different operation (a stray message leaking across a missing
// synchronization point) or an element count that does not match the
// declared buffer shape. Stray frames are findings; receivers fail on
// them instead of resequencing around them.
type ProtocolError struct {
	// From is the peer rank the frame arrived from.
	From int
	// WantTag and GotTag identify the expected and observed
	// operations.
	WantTag, GotTag uint32
	// WantLen and GotLen are the expected and observed element
	// counts.
	WantLen, GotLen int
}

func (e *ProtocolError) Error() string {
	if e.WantTag != e.GotTag {
		return fmt.Sprintf("comm: frame from rank %d tagged %s, want %s",
			e.From, tagName(e.GotTag), tagName(e.WantTag))
	}
	return fmt.Sprintf("comm: %s frame from rank %d carries %d elements, want %d",
		tagName(e.WantTag), e.From, e.GotLen, e.WantLen)
}

// Operation tags. Every collective stamps its frames so that a receiver
// can tell a stray message from the one it is waiting for.
const (
	tagHello uint32 = iota + 1
	tagSendRecv
	tagBroadcast
	tagScatter
	tagGather
	tagAllGather
	tagReduce
	tagAllReduce
	tagAllToAll
	tagBarrier
	tagBarrierRelease
)

func tagName(tag uint32) string {
	switch tag {
	case tagHello:
		return "hello"
	case tagSendRecv:
		return "sendrecv"
	case tagBroadcast:
		return "broadcast"
	case tagScatter:
		return "scatter"
	case tagGather:
		return "gather"
	case tagAllGather:
		return "allgather"
	case tagReduce:
		return "reduce"
	case tagAllReduce:
		return "allreduce"
	case tagAllToAll:
		return "alltoall"
	case tagBarrier:
		return "barrier"
	case tagBarrierRelease:
		return "barrier-release"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}
