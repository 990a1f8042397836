package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collvet/collvet/internal/rank"
	"github.com/collvet/collvet/internal/tensor"
)

func testParams() Params { return Params{Rows: 4, Cols: 5, Count: 16} }

func mustRank(t *testing.T, r, world int) rank.Context {
	t.Helper()
	id, err := rank.New(r, world)
	require.NoError(t, err)
	return id
}

func TestBattery_CanonicalOrder(t *testing.T) {
	cases := Battery(testParams(), 4, false)

	var names []string
	for _, c := range cases {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		"broadcast", "sendrcv", "scatter", "gather",
		"allgather", "alltoall", "reduce", "allreduce",
	}, names)
}

func TestBattery_GatherSkippedByDefault(t *testing.T) {
	cases := Battery(testParams(), 2, false)

	require.Equal(t, "gather", cases[3].Name)
	assert.True(t, cases[3].Skip)
	assert.Contains(t, cases[3].SkipReason, "run_gather")
}

func TestBattery_GatherEnabledOnRequest(t *testing.T) {
	cases := Battery(testParams(), 2, true)

	require.Equal(t, "gather", cases[3].Name)
	assert.False(t, cases[3].Skip)
}

func TestBattery_AllToAllSkippedWhenCountIndivisible(t *testing.T) {
	cases := Battery(testParams(), 3, false)

	require.Equal(t, "alltoall", cases[5].Name)
	assert.True(t, cases[5].Skip)
	assert.Equal(t, "count 16 not divisible by world 3", cases[5].SkipReason)

	cases = Battery(testParams(), 4, false)
	assert.False(t, cases[5].Skip)
}

func TestBroadcastCase_RootHoldsOnesOthersZeros(t *testing.T) {
	c := broadcastCase(testParams())

	root := c.Generate(mustRank(t, 0, 3))
	require.Len(t, root.Recv, 1)
	require.NoError(t, root.Recv[0].AllClose(tensor.Ones(4, 5)))

	other := c.Generate(mustRank(t, 2, 3))
	require.NoError(t, other.Recv[0].AllClose(tensor.Zeros(4, 5)))

	want := c.Oracle(mustRank(t, 2, 3))
	require.Len(t, want, 1)
	require.NoError(t, tensor.Ones(4, 5).AllClose(want[0]))
}

func TestSendRecvCase_ExpectsPredecessorValue(t *testing.T) {
	c := sendRecvCase(testParams())

	x := c.Generate(mustRank(t, 2, 4))
	require.NoError(t, x.Send[0].AllClose(tensor.Full(4, 5, 2)))
	require.NoError(t, x.Recv[0].AllClose(tensor.Zeros(4, 5)))

	want := c.Oracle(mustRank(t, 0, 4))
	require.NoError(t, tensor.Full(4, 5, 3).AllClose(want[0]))

	// A world of one receives its own value back.
	want = c.Oracle(mustRank(t, 0, 1))
	require.NoError(t, tensor.Full(4, 5, 0).AllClose(want[0]))
}

func TestScatterCase_RootPreparesOneSlicePerRank(t *testing.T) {
	c := scatterCase(testParams())

	root := c.Generate(mustRank(t, 0, 3))
	require.Len(t, root.Send, 3)
	for i, buf := range root.Send {
		require.NoError(t, buf.AllClose(tensor.Full(4, 5, float64(i+1))))
	}

	other := c.Generate(mustRank(t, 1, 3))
	assert.Empty(t, other.Send)

	want := c.Oracle(mustRank(t, 1, 3))
	require.NoError(t, tensor.Full(4, 5, 2).AllClose(want[0]))
}

func TestGatherCase_OnlyRootChecks(t *testing.T) {
	c := gatherCase(testParams(), true)

	root := c.Generate(mustRank(t, 0, 3))
	require.Len(t, root.Recv, 3)

	other := c.Generate(mustRank(t, 2, 3))
	assert.Empty(t, other.Recv)
	assert.Nil(t, c.Oracle(mustRank(t, 2, 3)))

	want := c.Oracle(mustRank(t, 0, 3))
	require.Len(t, want, 3)
	for i, buf := range want {
		require.NoError(t, tensor.Full(4, 5, float64(i)).AllClose(buf))
	}
}

func TestAllGatherCase_EveryRankChecksFullSet(t *testing.T) {
	c := allGatherCase(testParams())

	x := c.Generate(mustRank(t, 1, 3))
	require.Len(t, x.Recv, 3)

	want := c.Oracle(mustRank(t, 1, 3))
	require.Len(t, want, 3)
	for i, buf := range want {
		require.NoError(t, tensor.Full(4, 5, float64(i)).AllClose(buf))
	}
}

func TestAllToAllCase_OracleMatchesSectionRotation(t *testing.T) {
	c := allToAllCase(Params{Rows: 4, Cols: 5, Count: 4}, 2)
	require.False(t, c.Skip)

	// Rank 0 contributes [0 1 2 3], rank 1 contributes [4 5 6 7].
	x0 := c.Generate(mustRank(t, 0, 2))
	require.NoError(t, x0.Send[0].AllClose(tensor.FromSlice(1, 4, []float64{0, 1, 2, 3})))
	x1 := c.Generate(mustRank(t, 1, 2))
	require.NoError(t, x1.Send[0].AllClose(tensor.FromSlice(1, 4, []float64{4, 5, 6, 7})))

	// Output starts as ones so a backend that writes nothing fails.
	require.NoError(t, x0.Recv[0].AllClose(tensor.Ones(1, 4)))

	want0 := c.Oracle(mustRank(t, 0, 2))
	require.NoError(t, tensor.FromSlice(1, 4, []float64{0, 1, 4, 5}).AllClose(want0[0]))
	want1 := c.Oracle(mustRank(t, 1, 2))
	require.NoError(t, tensor.FromSlice(1, 4, []float64{2, 3, 6, 7}).AllClose(want1[0]))
}

func TestReduceCase_NonRootGoesUnchecked(t *testing.T) {
	c := reduceCase(testParams())

	want := c.Oracle(mustRank(t, 0, 4))
	require.Len(t, want, 1)
	require.NoError(t, tensor.Full(4, 5, 4).AllClose(want[0]))

	want = c.Oracle(mustRank(t, 3, 4))
	require.Len(t, want, 1)
	assert.Nil(t, want[0])
}

func TestAllReduceCase_EveryRankExpectsWorldSum(t *testing.T) {
	c := allReduceCase(testParams())

	for r := 0; r < 3; r++ {
		want := c.Oracle(mustRank(t, r, 3))
		require.Len(t, want, 1)
		require.NoError(t, tensor.Full(4, 5, 3).AllClose(want[0]))
	}
}
