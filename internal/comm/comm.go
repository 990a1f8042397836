// Package comm defines the collective-communication surface the
// verification battery drives, plus two complete fabrics: an
// in-process loopback fabric that runs a whole world as goroutines,
// and a TCP stream fabric for one-process-per-rank deployments.
//
// An Adapter is one rank's handle onto the fabric. All collective
// calls are symmetric: every rank in the world must invoke the same
// operation with compatible shapes, in the same order. Rooted
// collectives (broadcast, scatter, gather, reduce) take the root's
// rank explicitly. Send is asynchronous: it may buffer and return
// before the peer receives, and a send to self always completes
// without a receive in flight. Recv blocks until a message from the
// named peer arrives or the context ends.
//
// Both fabrics implement the collectives with the same root-centric
// algorithms over their point-to-point substrate, so a verdict
// difference between fabrics isolates the transport, not the
// collective logic.
package comm

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/collvet/collvet/internal/rank"
	"github.com/collvet/collvet/internal/tensor"
)

// Design names a backend wire design. The canonical spellings follow
// the launcher convention: udp, tcp, cyt_rdma.
type Design string

const (
	DesignUDP     Design = "udp"
	DesignTCP     Design = "tcp"
	DesignCytRDMA Design = "cyt_rdma"
)

// ParseDesign validates a design spelling. The descriptive aliases
// datagram, stream and rdma normalize to their canonical names.
func ParseDesign(s string) (Design, error) {
	switch Design(s) {
	case DesignUDP, DesignTCP, DesignCytRDMA:
		return Design(s), nil
	}
	switch s {
	case "datagram":
		return DesignUDP, nil
	case "stream":
		return DesignTCP, nil
	case "rdma":
		return DesignCytRDMA, nil
	default:
		return "", fmt.Errorf("comm: unknown design %q (want udp, tcp or cyt_rdma)", s)
	}
}

// Endpoint locates one rank's attachment point on the backend fabric.
// The launcher derives one per rank from the design and mode; the
// harness passes them through without interpreting them further.
type Endpoint struct {
	// Address is the host the rank's backend listens on.
	Address string
	// Port is the listening port. Session-multiplexed designs share
	// one port across ranks; the others derive one port per rank.
	Port int
	// Session is the rank-local session id used by designs that
	// multiplex every rank over a single port.
	Session int
	// RxBufSize is the receive buffer size in bytes the backend
	// provisions for this rank.
	RxBufSize int
}

// String renders the endpoint as "address:port/session".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d/%d", e.Address, e.Port, e.Session)
}

// HostPort renders the dialable "address:port" form.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// ReduceOp selects the element-wise combiner for Reduce/AllReduce.
type ReduceOp uint8

const (
	ReduceSum ReduceOp = iota
	ReduceProd
	ReduceMin
	ReduceMax
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceProd:
		return "prod"
	case ReduceMin:
		return "min"
	case ReduceMax:
		return "max"
	default:
		return fmt.Sprintf("ReduceOp(%d)", uint8(op))
	}
}

// Adapter is one rank's handle onto a communication fabric.
//
// Buffer contracts:
//   - Broadcast: buf on every rank, same shape everywhere; the root's
//     contents replace all others in place.
//   - Scatter: in on the root only, one buffer per rank with entry i
//     bound for rank i; nil elsewhere. out on every rank.
//   - Gather: in on every rank; out on the root only, one buffer per
//     rank; nil elsewhere.
//   - AllGather: in on every rank; out everywhere, one buffer per
//     rank.
//   - Reduce: buf on every rank; after the call the root's buf holds
//     the combination and non-root contents are unchanged.
//   - AllReduce: buf on every rank, combined in place everywhere.
//   - AllToAll: in and out of equal length on every rank, divisible
//     into world sections; out section s arrives from rank s.
type Adapter interface {
	Rank() rank.Context

	Broadcast(ctx context.Context, root int, buf *tensor.Buffer) error
	Send(ctx context.Context, to int, buf *tensor.Buffer) error
	Recv(ctx context.Context, from int, buf *tensor.Buffer) error
	Scatter(ctx context.Context, root int, in []*tensor.Buffer, out *tensor.Buffer) error
	Gather(ctx context.Context, root int, in *tensor.Buffer, out []*tensor.Buffer) error
	AllGather(ctx context.Context, in *tensor.Buffer, out []*tensor.Buffer) error
	Reduce(ctx context.Context, op ReduceOp, root int, buf *tensor.Buffer) error
	AllReduce(ctx context.Context, op ReduceOp, buf *tensor.Buffer) error
	AllToAll(ctx context.Context, in, out *tensor.Buffer) error

	// Barrier blocks until every rank in the world has entered it.
	Barrier(ctx context.Context) error

	// Close releases the rank's fabric resources. Close is
	// idempotent and must not be called concurrently with an
	// in-flight operation.
	Close() error
}
