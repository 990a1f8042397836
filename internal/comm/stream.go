package comm

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/collvet/collvet/internal/rank"
)

// maxFrameElems caps the element count a frame header may announce.
// A corrupt or misaligned header then fails the read instead of
// provoking a giant allocation.
const maxFrameElems = 1 << 20

// dialRetryDelay paces reconnect attempts while a peer is still
// binding its listener.
const dialRetryDelay = 50 * time.Millisecond

// StreamConfig describes one rank's attachment to a TCP world.
//
// Endpoints holds one entry per rank, indexed by rank; entry
// cfg.Rank.Rank is the local listen address. Master is the rendezvous
// point every rank checks in at before the mesh is dialed; rank 0
// hosts it. The optional Listener and MasterListener fields supply
// pre-bound listeners (typically on port 0) and DialStream takes
// ownership of them either way.
type StreamConfig struct {
	Rank           rank.Context
	Endpoints      []Endpoint
	Master         Endpoint
	Listener       net.Listener
	MasterListener net.Listener
}

// DialStream joins a TCP world and returns the local rank's adapter.
//
// Startup runs in three phases: bind the local listener, check in at
// the master so every listener is known to be bound, then build the
// full mesh by accepting one connection from each higher rank and
// dialing each lower rank. DialStream returns once all world-1 peer
// connections are up, so a successful return on every rank doubles as
// the initial synchronization point.
//
// Deadlines on ctx bound every phase and every later Send/Recv;
// cancellation without a deadline cannot interrupt a blocked socket
// read.
func DialStream(ctx context.Context, cfg StreamConfig) (Adapter, error) {
	if len(cfg.Endpoints) != cfg.Rank.World {
		return nil, fmt.Errorf("comm: %d endpoints for world %d", len(cfg.Endpoints), cfg.Rank.World)
	}
	t := &streamTransport{
		id:    cfg.Rank,
		conns: make([]*peerConn, cfg.Rank.World),
		selfQ: make(chan frame, mailboxDepth),
	}
	if cfg.Rank.World == 1 {
		if cfg.Listener != nil {
			cfg.Listener.Close()
		}
		if cfg.MasterListener != nil {
			cfg.MasterListener.Close()
		}
		return newSession(cfg.Rank, t), nil
	}
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Endpoints[cfg.Rank.Rank].HostPort())
		if err != nil {
			return nil, fmt.Errorf("comm: bind rank %d listener: %w", cfg.Rank.Rank, err)
		}
	}
	defer ln.Close()
	if err := rendezvous(ctx, cfg); err != nil {
		t.close()
		return nil, fmt.Errorf("comm: rendezvous at %s: %w", cfg.Master.HostPort(), err)
	}
	if err := t.connectMesh(ctx, cfg, ln); err != nil {
		t.close()
		return nil, err
	}
	return newSession(cfg.Rank, t), nil
}

// rendezvous gates mesh construction on every rank having bound its
// listener. Rank 0 hosts the master endpoint, collects one hello per
// worker and answers each with a release; workers block on that
// release before dialing anyone.
func rendezvous(ctx context.Context, cfg StreamConfig) error {
	if cfg.Rank.Rank == 0 {
		ml := cfg.MasterListener
		if ml == nil {
			var err error
			ml, err = net.Listen("tcp", cfg.Master.HostPort())
			if err != nil {
				return err
			}
		}
		defer ml.Close()
		conns := make([]net.Conn, 0, cfg.Rank.World-1)
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		seen := make([]bool, cfg.Rank.World)
		for len(conns) < cfg.Rank.World-1 {
			conn, err := acceptCtx(ctx, ml)
			if err != nil {
				return err
			}
			conns = append(conns, conn)
			peer, err := readHello(ctx, conn, bufio.NewReader(conn))
			if err != nil {
				return err
			}
			if peer < 1 || peer >= cfg.Rank.World || seen[peer] {
				return fmt.Errorf("unexpected check-in from rank %d", peer)
			}
			seen[peer] = true
		}
		for _, c := range conns {
			if err := writeFrame(c, tagBarrierRelease, nil); err != nil {
				return wrapNetErr(ctx, err)
			}
		}
		return nil
	}

	conn, err := dialRetry(ctx, cfg.Master.HostPort())
	if err != nil {
		return err
	}
	defer conn.Close()
	applyDeadline(ctx, conn)
	if err := writeFrame(conn, tagHello, []float64{float64(cfg.Rank.Rank)}); err != nil {
		return wrapNetErr(ctx, err)
	}
	tag, payload, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return wrapNetErr(ctx, err)
	}
	if tag != tagBarrierRelease || len(payload) != 0 {
		return &ProtocolError{From: 0, WantTag: tagBarrierRelease, GotTag: tag, WantLen: 0, GotLen: len(payload)}
	}
	return nil
}

type peerConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, br: bufio.NewReader(conn)}
}

// streamTransport holds one TCP connection per peer, so per-pair FIFO
// order falls out of the stream itself and recv never has to demux. A
// send to self loops through selfQ without touching a socket. Not safe
// for concurrent use; each rank drives its adapter from one goroutine.
type streamTransport struct {
	id    rank.Context
	conns []*peerConn
	selfQ chan frame
}

// connectMesh accepts one identified connection from every higher rank
// and dials every lower one. Higher ranks reach their dial phase in
// descending cascade, so the sequential accept-then-dial order cannot
// wedge.
func (t *streamTransport) connectMesh(ctx context.Context, cfg StreamConfig, ln net.Listener) error {
	rxBuf := cfg.Endpoints[t.id.Rank].RxBufSize
	for n := t.id.Rank + 1; n < t.id.World; n++ {
		conn, err := acceptCtx(ctx, ln)
		if err != nil {
			return fmt.Errorf("comm: accept peer: %w", err)
		}
		pc := newPeerConn(conn)
		peer, err := readHello(ctx, conn, pc.br)
		if err != nil {
			conn.Close()
			return fmt.Errorf("comm: identify peer: %w", err)
		}
		if peer <= t.id.Rank || peer >= t.id.World || t.conns[peer] != nil {
			conn.Close()
			return fmt.Errorf("comm: unexpected hello from rank %d", peer)
		}
		tuneConn(conn, rxBuf)
		t.conns[peer] = pc
	}
	for p := 0; p < t.id.Rank; p++ {
		conn, err := dialRetry(ctx, cfg.Endpoints[p].HostPort())
		if err != nil {
			return fmt.Errorf("comm: dial rank %d: %w", p, err)
		}
		applyDeadline(ctx, conn)
		if err := writeFrame(conn, tagHello, []float64{float64(t.id.Rank)}); err != nil {
			conn.Close()
			return wrapNetErr(ctx, err)
		}
		tuneConn(conn, rxBuf)
		t.conns[p] = newPeerConn(conn)
	}
	return nil
}

func (t *streamTransport) send(ctx context.Context, to int, tag uint32, payload []float64) error {
	if to == t.id.Rank {
		f := frame{tag: tag, payload: append([]float64(nil), payload...)}
		select {
		case t.selfQ <- f:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pc := t.conns[to]
	applyDeadline(ctx, pc.conn)
	if err := writeFrame(pc.conn, tag, payload); err != nil {
		return wrapNetErr(ctx, err)
	}
	return nil
}

func (t *streamTransport) recv(ctx context.Context, from int, tag uint32, want int) ([]float64, error) {
	if from == t.id.Rank {
		select {
		case f := <-t.selfQ:
			if f.tag != tag || len(f.payload) != want {
				return nil, &ProtocolError{From: from, WantTag: tag, GotTag: f.tag, WantLen: want, GotLen: len(f.payload)}
			}
			return f.payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc := t.conns[from]
	applyDeadline(ctx, pc.conn)
	gotTag, payload, err := readFrame(pc.br)
	if err != nil {
		return nil, wrapNetErr(ctx, err)
	}
	if gotTag != tag || len(payload) != want {
		return nil, &ProtocolError{From: from, WantTag: tag, GotTag: gotTag, WantLen: want, GotLen: len(payload)}
	}
	return payload, nil
}

// barrier gathers an empty token from every rank at rank 0, then fans
// a release back out. No rank passes before the last has arrived.
func (t *streamTransport) barrier(ctx context.Context) error {
	if t.id.World == 1 {
		return nil
	}
	if t.id.Rank == 0 {
		for p := 1; p < t.id.World; p++ {
			if _, err := t.recv(ctx, p, tagBarrier, 0); err != nil {
				return err
			}
		}
		for p := 1; p < t.id.World; p++ {
			if err := t.send(ctx, p, tagBarrierRelease, nil); err != nil {
				return err
			}
		}
		return nil
	}
	if err := t.send(ctx, 0, tagBarrier, nil); err != nil {
		return err
	}
	_, err := t.recv(ctx, 0, tagBarrierRelease, 0)
	return err
}

func (t *streamTransport) close() error {
	var first error
	for i, pc := range t.conns {
		if pc == nil {
			continue
		}
		if err := pc.conn.Close(); err != nil && first == nil {
			first = err
		}
		t.conns[i] = nil
	}
	return first
}

// writeFrame emits one frame: a big-endian tag and element count,
// then the elements as big-endian IEEE 754 bit patterns.
func writeFrame(w io.Writer, tag uint32, payload []float64) error {
	buf := make([]byte, 8+8*len(payload))
	binary.BigEndian.PutUint32(buf[0:4], tag)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	for i, v := range payload {
		binary.BigEndian.PutUint64(buf[8+8*i:], math.Float64bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame and returns its tag and payload. The
// payload is nil when the frame carries no elements.
func readFrame(r io.Reader) (uint32, []float64, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag := binary.BigEndian.Uint32(hdr[0:4])
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > maxFrameElems {
		return 0, nil, fmt.Errorf("comm: frame announces %d elements, limit %d", n, maxFrameElems)
	}
	if n == 0 {
		return tag, nil, nil
	}
	raw := make([]byte, 8*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return 0, nil, err
	}
	payload := make([]float64, n)
	for i := range payload {
		payload[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[8*i:]))
	}
	return tag, payload, nil
}

func readHello(ctx context.Context, conn net.Conn, br *bufio.Reader) (int, error) {
	applyDeadline(ctx, conn)
	tag, payload, err := readFrame(br)
	if err != nil {
		return 0, wrapNetErr(ctx, err)
	}
	if tag != tagHello || len(payload) != 1 {
		return 0, &ProtocolError{From: -1, WantTag: tagHello, GotTag: tag, WantLen: 1, GotLen: len(payload)}
	}
	return int(payload[0]), nil
}

// dialRetry keeps dialing until the peer answers or ctx ends. During
// startup a peer's listener may not be bound yet; afterwards the
// rendezvous guarantees one attempt suffices.
func dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		case <-time.After(dialRetryDelay):
		}
	}
}

func acceptCtx(ctx context.Context, ln net.Listener) (net.Conn, error) {
	if d, ok := ctx.Deadline(); ok {
		if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
			if err := dl.SetDeadline(d); err != nil {
				return nil, err
			}
		}
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, wrapNetErr(ctx, err)
	}
	return conn, nil
}

// applyDeadline mirrors the context deadline onto the connection, or
// clears any previous one when the context has none.
func applyDeadline(ctx context.Context, conn net.Conn) {
	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
		return
	}
	conn.SetDeadline(time.Time{})
}

// tuneConn applies the configured receive buffer size and disables
// Nagle batching; barrier tokens are tiny and latency bound.
func tuneConn(conn net.Conn, rxBuf int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	if rxBuf > 0 {
		tc.SetReadBuffer(rxBuf)
	}
}

// wrapNetErr converts an I/O timeout that was induced by the context
// deadline into the context's own error, so callers see a uniform
// context.DeadlineExceeded for every fabric.
func wrapNetErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
