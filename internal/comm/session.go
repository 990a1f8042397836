package comm

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/collvet/collvet/internal/rank"
	"github.com/collvet/collvet/internal/tensor"
)

// transport is the point-to-point substrate a session builds the
// collectives on. Implementations deliver frames between ranks with
// per-pair FIFO ordering and must support self-delivery (send to the
// own rank queued locally, never touching the network).
//
// send copies the payload before returning, so the caller may reuse
// the slice. recv validates the arriving frame's tag and element count
// against the expectation and returns a *ProtocolError on either
// mismatch.
type transport interface {
	send(ctx context.Context, to int, tag uint32, payload []float64) error
	recv(ctx context.Context, from int, tag uint32, want int) ([]float64, error)
	barrier(ctx context.Context) error
	close() error
}

// session implements Adapter with root-centric algorithms over a
// transport. Rooted collectives move data through the root rank; the
// symmetric ones (allgather, alltoall) rotate through the peers so no
// pair exchanges more than one frame per step. Running the same
// algorithms over both in-tree fabrics means a verdict difference
// between them isolates the transport, not the collective logic.
type session struct {
	id rank.Context
	tr transport

	closeOnce sync.Once
	closeErr  error
}

func newSession(id rank.Context, tr transport) *session {
	return &session{id: id, tr: tr}
}

func (s *session) Rank() rank.Context { return s.id }

func (s *session) Broadcast(ctx context.Context, root int, buf *tensor.Buffer) error {
	if err := s.checkRank("broadcast root", root); err != nil {
		return err
	}
	if s.id.Rank == root {
		for p := 0; p < s.id.World; p++ {
			if p == root {
				continue
			}
			if err := s.tr.send(ctx, p, tagBroadcast, buf.Data); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := s.tr.recv(ctx, root, tagBroadcast, buf.Len())
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	return nil
}

func (s *session) Send(ctx context.Context, to int, buf *tensor.Buffer) error {
	if err := s.checkRank("send destination", to); err != nil {
		return err
	}
	return s.tr.send(ctx, to, tagSendRecv, buf.Data)
}

func (s *session) Recv(ctx context.Context, from int, buf *tensor.Buffer) error {
	if err := s.checkRank("recv source", from); err != nil {
		return err
	}
	data, err := s.tr.recv(ctx, from, tagSendRecv, buf.Len())
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	return nil
}

func (s *session) Scatter(ctx context.Context, root int, in []*tensor.Buffer, out *tensor.Buffer) error {
	if err := s.checkRank("scatter root", root); err != nil {
		return err
	}
	if s.id.Rank != root {
		data, err := s.tr.recv(ctx, root, tagScatter, out.Len())
		if err != nil {
			return err
		}
		copy(out.Data, data)
		return nil
	}
	if len(in) != s.id.World {
		return fmt.Errorf("comm: scatter with %d send buffers for world %d", len(in), s.id.World)
	}
	for p := 0; p < s.id.World; p++ {
		if p == root {
			continue
		}
		if err := s.tr.send(ctx, p, tagScatter, in[p].Data); err != nil {
			return err
		}
	}
	out.CopyFrom(in[root])
	return nil
}

func (s *session) Gather(ctx context.Context, root int, in *tensor.Buffer, out []*tensor.Buffer) error {
	if err := s.checkRank("gather root", root); err != nil {
		return err
	}
	if s.id.Rank != root {
		return s.tr.send(ctx, root, tagGather, in.Data)
	}
	if len(out) != s.id.World {
		return fmt.Errorf("comm: gather with %d receive buffers for world %d", len(out), s.id.World)
	}
	out[root].CopyFrom(in)
	for p := 0; p < s.id.World; p++ {
		if p == root {
			continue
		}
		data, err := s.tr.recv(ctx, p, tagGather, out[p].Len())
		if err != nil {
			return err
		}
		copy(out[p].Data, data)
	}
	return nil
}

func (s *session) AllGather(ctx context.Context, in *tensor.Buffer, out []*tensor.Buffer) error {
	if len(out) != s.id.World {
		return fmt.Errorf("comm: allgather with %d receive buffers for world %d", len(out), s.id.World)
	}
	out[s.id.Rank].CopyFrom(in)
	// Rotate: at step k send to rank+k and receive from rank-k, so
	// each ordered pair carries exactly one frame per collective.
	for step := 1; step < s.id.World; step++ {
		to := (s.id.Rank + step) % s.id.World
		from := (s.id.Rank - step + s.id.World) % s.id.World
		if err := s.tr.send(ctx, to, tagAllGather, in.Data); err != nil {
			return err
		}
		data, err := s.tr.recv(ctx, from, tagAllGather, out[from].Len())
		if err != nil {
			return err
		}
		copy(out[from].Data, data)
	}
	return nil
}

func (s *session) Reduce(ctx context.Context, op ReduceOp, root int, buf *tensor.Buffer) error {
	if err := s.checkRank("reduce root", root); err != nil {
		return err
	}
	if s.id.Rank != root {
		return s.tr.send(ctx, root, tagReduce, buf.Data)
	}
	return s.combineAt(ctx, op, tagReduce, buf)
}

func (s *session) AllReduce(ctx context.Context, op ReduceOp, buf *tensor.Buffer) error {
	// Root-centric: combine at rank 0, then fan the result back out.
	if s.id.Rank == 0 {
		if err := s.combineAt(ctx, op, tagAllReduce, buf); err != nil {
			return err
		}
		for p := 1; p < s.id.World; p++ {
			if err := s.tr.send(ctx, p, tagAllReduce, buf.Data); err != nil {
				return err
			}
		}
		return nil
	}
	if err := s.tr.send(ctx, 0, tagAllReduce, buf.Data); err != nil {
		return err
	}
	data, err := s.tr.recv(ctx, 0, tagAllReduce, buf.Len())
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	return nil
}

// combineAt receives every other rank's contribution in ascending rank
// order and folds it into buf. The fixed order keeps floating-point
// results identical across runs.
func (s *session) combineAt(ctx context.Context, op ReduceOp, tag uint32, buf *tensor.Buffer) error {
	for p := 0; p < s.id.World; p++ {
		if p == s.id.Rank {
			continue
		}
		data, err := s.tr.recv(ctx, p, tag, buf.Len())
		if err != nil {
			return err
		}
		if err := combine(op, buf.Data, data); err != nil {
			return err
		}
	}
	return nil
}

func combine(op ReduceOp, acc, in []float64) error {
	switch op {
	case ReduceSum:
		for i, v := range in {
			acc[i] += v
		}
	case ReduceProd:
		for i, v := range in {
			acc[i] *= v
		}
	case ReduceMin:
		for i, v := range in {
			acc[i] = math.Min(acc[i], v)
		}
	case ReduceMax:
		for i, v := range in {
			acc[i] = math.Max(acc[i], v)
		}
	default:
		return fmt.Errorf("comm: unsupported reduce op %s", op)
	}
	return nil
}

func (s *session) AllToAll(ctx context.Context, in, out *tensor.Buffer) error {
	if in.Len() != out.Len() {
		return fmt.Errorf("comm: alltoall buffers of %d and %d elements", in.Len(), out.Len())
	}
	if in.Len()%s.id.World != 0 {
		return fmt.Errorf("comm: alltoall with %d elements not divisible by world %d", in.Len(), s.id.World)
	}
	section := in.Len() / s.id.World
	out.Section(s.id.Rank, s.id.World).CopyFrom(in.Section(s.id.Rank, s.id.World))
	for step := 1; step < s.id.World; step++ {
		to := (s.id.Rank + step) % s.id.World
		from := (s.id.Rank - step + s.id.World) % s.id.World
		if err := s.tr.send(ctx, to, tagAllToAll, in.Section(to, s.id.World).Data); err != nil {
			return err
		}
		data, err := s.tr.recv(ctx, from, tagAllToAll, section)
		if err != nil {
			return err
		}
		copy(out.Section(from, s.id.World).Data, data)
	}
	return nil
}

func (s *session) Barrier(ctx context.Context) error {
	return s.tr.barrier(ctx)
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.tr.close()
	})
	return s.closeErr
}

func (s *session) checkRank(what string, r int) error {
	if r < 0 || r >= s.id.World {
		return fmt.Errorf("comm: %s %d outside world of size %d", what, r, s.id.World)
	}
	return nil
}
