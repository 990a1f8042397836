package harness

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/collvet/collvet/internal/comm"
	"github.com/collvet/collvet/internal/tensor"
)

// RunTokenGenerator mints run identifiers. Every rank of a run files
// its report under the same token, which is what lets the results
// database group a distributed run back together.
type RunTokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 run tokens.
//
// UUIDv7 embeds a timestamp in the most significant bits, so runs sort
// by creation time in the results database.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent
// use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NegotiateRunID agrees one run identifier across the world. Rank 0
// mints a token and broadcasts its sixteen UUID bytes through the
// adapter itself, so separately launched processes share a run token
// without any side channel. The generator must produce UUID strings.
func NegotiateRunID(ctx context.Context, a comm.Adapter, gen RunTokenGenerator) (string, error) {
	id := a.Rank()
	buf := tensor.Zeros(1, 16)
	if id.IsRoot() {
		token, err := uuid.Parse(gen.Generate())
		if err != nil {
			return "", fmt.Errorf("harness: run token is not a UUID: %w", err)
		}
		for i, b := range token {
			buf.Data[i] = float64(b)
		}
	}
	if err := a.Broadcast(ctx, 0, buf); err != nil {
		return "", fmt.Errorf("harness: negotiate run id: %w", err)
	}
	raw := make([]byte, 16)
	for i, v := range buf.Data {
		if v != math.Trunc(v) || v < 0 || v > 255 {
			return "", fmt.Errorf("harness: run token byte %d arrived corrupt: %v", i, v)
		}
		raw[i] = byte(v)
	}
	token, err := uuid.FromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("harness: negotiate run id: %w", err)
	}
	return token.String(), nil
}
