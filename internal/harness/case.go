package harness

import (
	"context"
	"fmt"

	"github.com/collvet/collvet/internal/comm"
	"github.com/collvet/collvet/internal/rank"
	"github.com/collvet/collvet/internal/tensor"
)

// Params sizes the buffers a case exchanges.
//
// Rows and Cols shape the two-dimensional cases (broadcast, sendrcv,
// scatter, gather, allgather, reduce, allreduce). Count is the flat
// element count for alltoall, which slices its input into one section
// per rank.
type Params struct {
	Rows  int
	Cols  int
	Count int
}

// Exchange holds the buffers one rank contributes to and receives from
// a case. Send buffers are inputs the backend may read; Recv buffers
// are outputs the oracle checks. In-place collectives (broadcast,
// reduce, allreduce) carry their operand in Recv[0].
type Exchange struct {
	Send []*tensor.Buffer
	Recv []*tensor.Buffer
}

// Case is one conformance check: generate rank-local buffers, invoke
// the backend, compare what arrived against the oracle.
type Case struct {
	// Name identifies the case in reports and the results database.
	Name string

	// Skip marks a case that is recorded but never invoked. Skipped
	// cases take part in no barrier, so every rank must agree on the
	// skip set or the world deadlocks.
	Skip       bool
	SkipReason string

	// Generate builds this rank's exchange buffers.
	Generate func(id rank.Context) *Exchange

	// Invoke drives the backend. A non-nil error is a transport
	// failure and aborts the battery; result mismatches are the
	// oracle's business, not Invoke's.
	Invoke func(ctx context.Context, a comm.Adapter, x *Exchange) error

	// Oracle returns the expected receive buffers for this rank, in
	// Recv order. A nil slice checks nothing; a nil entry leaves that
	// buffer unchecked.
	Oracle func(id rank.Context) []*tensor.Buffer
}

// Battery returns the conformance cases in canonical execution order:
// broadcast, sendrcv, scatter, gather, allgather, alltoall, reduce,
// allreduce. The order is part of the contract: sequence numbers,
// barrier placement and golden reports all depend on it.
//
// Gather is skipped unless runGather is set. Alltoall is skipped when
// Count does not divide evenly across the world.
func Battery(p Params, world int, runGather bool) []Case {
	return []Case{
		broadcastCase(p),
		sendRecvCase(p),
		scatterCase(p),
		gatherCase(p, runGather),
		allGatherCase(p),
		allToAllCase(p, world),
		reduceCase(p),
		allReduceCase(p),
	}
}

// broadcastCase: root 0 holds ones, everyone else zeros; afterwards
// every rank must hold ones.
func broadcastCase(p Params) Case {
	return Case{
		Name: "broadcast",
		Generate: func(id rank.Context) *Exchange {
			buf := tensor.Zeros(p.Rows, p.Cols)
			if id.IsRoot() {
				buf.Fill(1)
			}
			return &Exchange{Recv: []*tensor.Buffer{buf}}
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			return a.Broadcast(ctx, 0, x.Recv[0])
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			return []*tensor.Buffer{tensor.Ones(p.Rows, p.Cols)}
		},
	}
}

// sendRecvCase: each rank sends its own rank value around the ring and
// must receive its predecessor's. Odd ranks send first and even ranks
// receive first; a world of one sends first regardless, to itself.
func sendRecvCase(p Params) Case {
	return Case{
		Name: "sendrcv",
		Generate: func(id rank.Context) *Exchange {
			return &Exchange{
				Send: []*tensor.Buffer{tensor.Full(p.Rows, p.Cols, float64(id.Rank))},
				Recv: []*tensor.Buffer{tensor.Zeros(p.Rows, p.Cols)},
			}
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			id := a.Rank()
			if id.Odd() || id.World == 1 {
				if err := a.Send(ctx, id.Next(), x.Send[0]); err != nil {
					return err
				}
				return a.Recv(ctx, id.Prev(), x.Recv[0])
			}
			if err := a.Recv(ctx, id.Prev(), x.Recv[0]); err != nil {
				return err
			}
			return a.Send(ctx, id.Next(), x.Send[0])
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			return []*tensor.Buffer{tensor.Full(p.Rows, p.Cols, float64(id.Prev()))}
		},
	}
}

// scatterCase: the root prepares one buffer per rank filled with i+1;
// rank i must end up holding i+1.
func scatterCase(p Params) Case {
	return Case{
		Name: "scatter",
		Generate: func(id rank.Context) *Exchange {
			x := &Exchange{Recv: []*tensor.Buffer{tensor.Zeros(p.Rows, p.Cols)}}
			if id.IsRoot() {
				for i := 0; i < id.World; i++ {
					x.Send = append(x.Send, tensor.Full(p.Rows, p.Cols, float64(i+1)))
				}
			}
			return x
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			return a.Scatter(ctx, 0, x.Send, x.Recv[0])
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			return []*tensor.Buffer{tensor.Full(p.Rows, p.Cols, float64(id.Rank+1))}
		},
	}
}

// gatherCase: each rank contributes a buffer filled with its rank; the
// root must collect them in rank order. Each wrong slot counts as one
// error.
func gatherCase(p Params, enabled bool) Case {
	c := Case{
		Name: "gather",
		Generate: func(id rank.Context) *Exchange {
			x := &Exchange{
				Send: []*tensor.Buffer{tensor.Full(p.Rows, p.Cols, float64(id.Rank))},
			}
			if id.IsRoot() {
				for i := 0; i < id.World; i++ {
					x.Recv = append(x.Recv, tensor.Zeros(p.Rows, p.Cols))
				}
			}
			return x
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			return a.Gather(ctx, 0, x.Send[0], x.Recv)
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			if !id.IsRoot() {
				return nil
			}
			want := make([]*tensor.Buffer, id.World)
			for i := range want {
				want[i] = tensor.Full(p.Rows, p.Cols, float64(i))
			}
			return want
		},
	}
	if !enabled {
		c.Skip = true
		c.SkipReason = "gather corrupts results on current backends; enable with run_gather"
	}
	return c
}

// allGatherCase: like gather, but every rank must end up with the full
// rank-ordered set.
func allGatherCase(p Params) Case {
	return Case{
		Name: "allgather",
		Generate: func(id rank.Context) *Exchange {
			x := &Exchange{
				Send: []*tensor.Buffer{tensor.Full(p.Rows, p.Cols, float64(id.Rank))},
			}
			for i := 0; i < id.World; i++ {
				x.Recv = append(x.Recv, tensor.Zeros(p.Rows, p.Cols))
			}
			return x
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			return a.AllGather(ctx, x.Send[0], x.Recv)
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			want := make([]*tensor.Buffer, id.World)
			for i := range want {
				want[i] = tensor.Full(p.Rows, p.Cols, float64(i))
			}
			return want
		},
	}
}

// allToAllCase: rank r sends arange(count)+r*count; section s of the
// output must land as r*ssize + s*count + e for element e. The output
// starts as ones so silent non-delivery is visible.
func allToAllCase(p Params, world int) Case {
	c := Case{
		Name: "alltoall",
		Generate: func(id rank.Context) *Exchange {
			in := tensor.Arange(p.Count)
			for i := range in.Data {
				in.Data[i] += float64(id.Rank * p.Count)
			}
			return &Exchange{
				Send: []*tensor.Buffer{in},
				Recv: []*tensor.Buffer{tensor.Ones(1, p.Count)},
			}
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			return a.AllToAll(ctx, x.Send[0], x.Recv[0])
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			want := tensor.Zeros(1, p.Count)
			ssize := p.Count / id.World
			for s := 0; s < id.World; s++ {
				for e := 0; e < ssize; e++ {
					want.Data[s*ssize+e] = float64(id.Rank*ssize + s*p.Count + e)
				}
			}
			return []*tensor.Buffer{want}
		},
	}
	if world > 0 && p.Count%world != 0 {
		c.Skip = true
		c.SkipReason = fmt.Sprintf("count %d not divisible by world %d", p.Count, world)
	}
	return c
}

// reduceCase: everyone contributes ones; the root's buffer must sum to
// the world size. Non-root buffers are scratch after the call and go
// unchecked.
func reduceCase(p Params) Case {
	return Case{
		Name: "reduce",
		Generate: func(id rank.Context) *Exchange {
			return &Exchange{Recv: []*tensor.Buffer{tensor.Ones(p.Rows, p.Cols)}}
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			return a.Reduce(ctx, comm.ReduceSum, 0, x.Recv[0])
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			if !id.IsRoot() {
				return []*tensor.Buffer{nil}
			}
			return []*tensor.Buffer{tensor.Full(p.Rows, p.Cols, float64(id.World))}
		},
	}
}

// allReduceCase: everyone contributes ones and everyone must hold the
// world size afterwards.
func allReduceCase(p Params) Case {
	return Case{
		Name: "allreduce",
		Generate: func(id rank.Context) *Exchange {
			return &Exchange{Recv: []*tensor.Buffer{tensor.Ones(p.Rows, p.Cols)}}
		},
		Invoke: func(ctx context.Context, a comm.Adapter, x *Exchange) error {
			return a.AllReduce(ctx, comm.ReduceSum, x.Recv[0])
		},
		Oracle: func(id rank.Context) []*tensor.Buffer {
			return []*tensor.Buffer{tensor.Full(p.Rows, p.Cols, float64(id.World))}
		},
	}
}
