package testutil

// FixedRunGenerator returns the same run token every time.
//
// Batteries run with a FixedRunGenerator produce byte-identical
// reports, which is what golden comparison needs. When the token feeds
// run negotiation it must be a valid UUID string, since negotiation
// ships the token across the world as raw UUID bytes.
//
// Thread-safety: FixedRunGenerator is stateless and safe for
// concurrent use.
type FixedRunGenerator struct {
	token string
}

// NewFixedRunGenerator creates a generator that always returns token.
// An empty token defaults to a fixed, valid UUID.
func NewFixedRunGenerator(token string) *FixedRunGenerator {
	if token == "" {
		token = "00000000-0000-7000-8000-000000000001"
	}
	return &FixedRunGenerator{token: token}
}

// Generate returns the fixed run token.
//
// Implements harness.RunTokenGenerator.
func (g *FixedRunGenerator) Generate() string {
	return g.token
}
