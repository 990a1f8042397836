package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/collvet/collvet/internal/rank"
)

// mailboxDepth bounds how many frames a sender may queue ahead of the
// receiver on one ordered pair. The collectives exchange at most one
// frame per pair per operation, so senders only block here when ranks
// skew across operations.
const mailboxDepth = 8

// frame is one delivered message: a tag identifying the collective it
// belongs to plus the payload elements.
type frame struct {
	tag     uint32
	payload []float64
}

// LoopbackFabric connects a whole world inside one process through
// buffered channels, one per ordered rank pair. It is the simulation
// backend: every rank runs as a goroutine and no sockets are involved,
// so the collective and harness layers can be exercised without
// hardware or an emulator.
type LoopbackFabric struct {
	world int
	mail  [][]chan frame
	bar   *generationBarrier
}

// NewLoopbackFabric builds the channel mesh for a world of the given
// size.
func NewLoopbackFabric(world int) (*LoopbackFabric, error) {
	if world < 1 {
		return nil, fmt.Errorf("comm: loopback world %d, want at least 1", world)
	}
	mail := make([][]chan frame, world)
	for to := range mail {
		mail[to] = make([]chan frame, world)
		for from := range mail[to] {
			mail[to][from] = make(chan frame, mailboxDepth)
		}
	}
	return &LoopbackFabric{
		world: world,
		mail:  mail,
		bar:   newGenerationBarrier(world),
	}, nil
}

// Adapter returns the endpoint for one rank. Each rank must use
// exactly one adapter; a second adapter on the same rank would race it
// for the rank's mailboxes.
func (f *LoopbackFabric) Adapter(r int) (Adapter, error) {
	id, err := rank.New(r, f.world)
	if err != nil {
		return nil, err
	}
	return newSession(id, &loopbackTransport{fabric: f, self: r}), nil
}

// Run spawns one goroutine per rank, hands each its adapter, and waits
// for all of them. The first error cancels the derived context, which
// unblocks the other ranks out of any pending send, recv or barrier.
func (f *LoopbackFabric) Run(ctx context.Context, fn func(ctx context.Context, a Adapter) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < f.world; r++ {
		a, err := f.Adapter(r)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer a.Close()
			return fn(ctx, a)
		})
	}
	return g.Wait()
}

type loopbackTransport struct {
	fabric *LoopbackFabric
	self   int
}

func (t *loopbackTransport) send(ctx context.Context, to int, tag uint32, payload []float64) error {
	f := frame{tag: tag, payload: append([]float64(nil), payload...)}
	select {
	case t.fabric.mail[to][t.self] <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *loopbackTransport) recv(ctx context.Context, from int, tag uint32, want int) ([]float64, error) {
	select {
	case f := <-t.fabric.mail[t.self][from]:
		if f.tag != tag || len(f.payload) != want {
			return nil, &ProtocolError{
				From:    from,
				WantTag: tag,
				GotTag:  f.tag,
				WantLen: want,
				GotLen:  len(f.payload),
			}
		}
		return f.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *loopbackTransport) barrier(ctx context.Context) error {
	return t.fabric.bar.await(ctx)
}

// close is a no-op: the mesh is shared by all ranks and plain memory,
// so there is nothing to release per rank.
func (t *loopbackTransport) close() error { return nil }

// generationBarrier releases all waiters once the last one arrives,
// then resets for the next round. Waiting honors context cancellation;
// an abandoned wait retracts its arrival so a later round does not
// release short.
type generationBarrier struct {
	mu      sync.Mutex
	size    int
	arrived int
	gen     uint64
	release chan struct{}
}

func newGenerationBarrier(size int) *generationBarrier {
	return &generationBarrier{size: size, release: make(chan struct{})}
}

func (b *generationBarrier) await(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.gen++
		close(b.release)
		b.release = make(chan struct{})
		b.mu.Unlock()
		return nil
	}
	gen := b.gen
	release := b.release
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.gen == gen {
			b.arrived--
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}
