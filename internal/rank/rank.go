// Package rank identifies a process within a fixed-size world.
//
// A Context is the pair (rank, world) every generator, oracle, and
// collective call is parameterized by. Ranks are zero-based and dense:
// a world of size N contains exactly the ranks 0..N-1. Ring neighbor
// arithmetic wraps, so rank 0's predecessor is N-1 and rank N-1's
// successor is 0.
package rank

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables consulted by FromEnv, in order of precedence.
// RANK and WORLD_SIZE follow the launcher convention used by torchrun;
// the OMPI names cover worlds started under mpirun.
const (
	EnvRank      = "RANK"
	EnvWorld     = "WORLD_SIZE"
	envOMPIRank  = "OMPI_COMM_WORLD_RANK"
	envOMPIWorld = "OMPI_COMM_WORLD_SIZE"
)

// Context is a process identity within a world. The zero value is not
// valid; construct one through New or FromEnv so the invariants
// 0 <= Rank < World hold everywhere downstream.
type Context struct {
	// Rank is this process's zero-based identity.
	Rank int
	// World is the total number of participating processes.
	World int
}

// New validates and returns a Context. World must be at least 1 and
// rank must fall inside [0, world).
func New(rankID, world int) (Context, error) {
	if world < 1 {
		return Context{}, fmt.Errorf("rank: world size %d, need at least 1", world)
	}
	if rankID < 0 || rankID >= world {
		return Context{}, fmt.Errorf("rank: rank %d outside world of size %d", rankID, world)
	}
	return Context{Rank: rankID, World: world}, nil
}

// FromEnv builds a Context from the launcher environment. RANK and
// WORLD_SIZE win when set; otherwise the OMPI_COMM_WORLD_* pair is
// consulted. Both values of a pair must come from the same launcher.
func FromEnv() (Context, error) {
	rankID, err := intFromEnv(EnvRank, envOMPIRank)
	if err != nil {
		return Context{}, err
	}
	world, err := intFromEnv(EnvWorld, envOMPIWorld)
	if err != nil {
		return Context{}, err
	}
	return New(rankID, world)
}

func intFromEnv(name, fallback string) (int, error) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		raw, ok = os.LookupEnv(fallback)
		if !ok || raw == "" {
			return 0, fmt.Errorf("rank: neither %s nor %s is set", name, fallback)
		}
		name = fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("rank: parse %s=%q: %w", name, raw, err)
	}
	return v, nil
}

// Prev returns the ring predecessor, wrapping below zero.
func (c Context) Prev() int {
	return (c.Rank - 1 + c.World) % c.World
}

// Next returns the ring successor, wrapping past World-1.
func (c Context) Next() int {
	return (c.Rank + 1) % c.World
}

// IsRoot reports whether this is rank 0, the root of every rooted
// collective in the battery.
func (c Context) IsRoot() bool {
	return c.Rank == 0
}

// Odd reports whether the rank is odd. Odd ranks send before they
// receive during the ring exchange; even ranks do the reverse.
func (c Context) Odd() bool {
	return c.Rank%2 == 1
}

// String renders the identity as "rank/world" for log lines.
func (c Context) String() string {
	return fmt.Sprintf("%d/%d", c.Rank, c.World)
}
