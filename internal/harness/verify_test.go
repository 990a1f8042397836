package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collvet/collvet/internal/tensor"
)

func TestVerify_AllMatch(t *testing.T) {
	got := []*tensor.Buffer{tensor.Ones(2, 3), tensor.Full(2, 3, 7)}
	want := []*tensor.Buffer{tensor.Ones(2, 3), tensor.Full(2, 3, 7)}

	assert.Empty(t, Verify("gather", got, want))
}

func TestVerify_CountsEachEntryOnce(t *testing.T) {
	got := []*tensor.Buffer{tensor.Zeros(2, 2), tensor.Ones(2, 2), tensor.Zeros(2, 2)}
	want := []*tensor.Buffer{tensor.Ones(2, 2), tensor.Ones(2, 2), tensor.Ones(2, 2)}

	failures := Verify("gather", got, want)
	require.Len(t, failures, 2)
	assert.Equal(t, 0, failures[0].Entry)
	assert.Equal(t, 2, failures[1].Entry)
	assert.Equal(t, "gather", failures[0].Case)
}

func TestVerify_NilExpectationChecksNothing(t *testing.T) {
	got := []*tensor.Buffer{tensor.Full(2, 2, 99)}
	want := []*tensor.Buffer{nil}

	assert.Empty(t, Verify("reduce", got, want))
}

func TestVerify_NilOracleChecksNothing(t *testing.T) {
	got := []*tensor.Buffer{tensor.Full(2, 2, 99)}

	assert.Empty(t, Verify("gather", got, nil))
}

func TestVerify_MissingBufferFails(t *testing.T) {
	want := []*tensor.Buffer{tensor.Ones(2, 2), tensor.Ones(2, 2)}
	got := []*tensor.Buffer{tensor.Ones(2, 2)}

	failures := Verify("allgather", got, want)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Entry)
	assert.Contains(t, failures[0].Err.Error(), "buffer missing")
}

func TestVerify_FailureWrapsMismatch(t *testing.T) {
	got := []*tensor.Buffer{tensor.Full(1, 4, 5)}
	want := []*tensor.Buffer{tensor.Full(1, 4, 6)}

	failures := Verify("broadcast", got, want)
	require.Len(t, failures, 1)

	var mm *tensor.Mismatch
	require.ErrorAs(t, failures[0], &mm)
	assert.Contains(t, failures[0].Error(), "broadcast[0]:")
}
