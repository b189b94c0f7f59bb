package pipeline_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Telsho/DualPipe/pipeline"
	"github.com/Telsho/DualPipe/simnet"
	"github.com/Telsho/DualPipe/simulator"
	"github.com/Telsho/DualPipe/tensor"
)

// linearGroup is one simulated pipeline group of Linear shards plus the
// reference chains used to validate it: chain 0 runs first-to-last,
// chain 1 last-to-first.
type linearGroup struct {
	numRanks int
	units    [][2]pipeline.Unit
	linears  [][2]*pipeline.Linear
	chains   [2][]pipeline.Unit
	refs     [2][]*pipeline.Linear
}

func newLinearGroup(numRanks, dim int, fused bool, seed int64) *linearGroup {
	rng := rand.New(rand.NewSource(seed))
	g := &linearGroup{
		numRanks: numRanks,
		units:    make([][2]pipeline.Unit, numRanks),
		linears:  make([][2]*pipeline.Linear, numRanks),
	}
	for rank := 0; rank < numRanks; rank++ {
		for slot := 0; slot < 2; slot++ {
			l := pipeline.NewLinear(dim, dim, true, rng)
			g.linears[rank][slot] = l
			if fused {
				g.units[rank][slot] = &pipeline.OverlappedLinear{Linear: l}
			} else {
				g.units[rank][slot] = l
			}
		}
	}
	for rank := 0; rank < numRanks; rank++ {
		ref0 := g.linears[rank][0].Clone()
		g.refs[0] = append(g.refs[0], ref0)
		g.chains[0] = append(g.chains[0], ref0)
	}
	for rank := numRanks - 1; rank >= 0; rank-- {
		ref1 := g.linears[rank][1].Clone()
		g.refs[1] = append(g.refs[1], ref1)
		g.chains[1] = append(g.chains[1], ref1)
	}
	return g
}

// runStep executes one synchronized Step on every rank of a group over
// the given simulated network.
func runStep(
	t *testing.T, network simulator.Network,
	numRanks int, units [][2]pipeline.Unit, rankOrder []int,
	batchDim, chunkRows, chunkCols int,
	inputs func(rank int) *tensor.Tensor,
	opts func(rank int) pipeline.StepOptions,
) ([]*pipeline.StepResult, []*pipeline.DualPipe) {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, numRanks)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	results := make([]*pipeline.StepResult, numRanks)
	schedulers := make([]*pipeline.DualPipe, numRanks)
	errs := make([]error, numRanks)
	simnet.SpawnRanks(loop, network, nodes, func(tr *simnet.Transport) {
		rank := tr.Rank()
		dp, err := pipeline.New(pipeline.Config{
			Units:     units[rank],
			Transport: tr,
			NumRanks:  numRanks,
			GroupRank: rank,
			RankOrder: rankOrder,
			BatchDim:  batchDim,
		})
		if err != nil {
			errs[rank] = err
			return
		}
		dp.SetChunkShape(chunkRows, chunkCols)
		schedulers[rank] = dp
		results[rank], errs[rank] = dp.Step(inputs(rank), opts(rank))
	})
	require.NoError(t, loop.Run())
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	return results, schedulers
}

func assertTensorsClose(t *testing.T, want, got *tensor.Tensor, context string) {
	require.NotNil(t, got, context)
	require.Equal(t, want.Rows(), got.Rows(), context)
	require.Equal(t, want.Cols(), got.Cols(), context)
	for i, v := range want.Data() {
		assert.InDelta(t, v, got.Data()[i], 1e-9, "%s element %d", context, i)
	}
}

func TestStepForwardOnly(t *testing.T) {
	const numRanks, numChunks, dim, chunkRows = 4, 8, 4, 2
	g := newLinearGroup(numRanks, dim, false, 1)
	rng := rand.New(rand.NewSource(2))
	batch := chunkRows * numChunks / 2
	in0 := randomTestTensor(batch, dim, rng)
	in1 := randomTestTensor(batch, dim, rng)

	results, schedulers := runStep(t, simulator.InstantNetwork{}, numRanks, g.units, nil,
		0, chunkRows, dim,
		func(rank int) *tensor.Tensor {
			switch rank {
			case 0:
				return in0
			case numRanks - 1:
				return in1
			}
			return nil
		},
		func(rank int) pipeline.StepOptions {
			return pipeline.StepOptions{NumChunks: numChunks, ForwardOnly: true, ReturnOutputs: true}
		})

	for rank, dp := range schedulers {
		assert.Equal(t, pipeline.PlanFor(numRanks, rank, numChunks), dp.ExecutedPhases(), "rank %d", rank)
	}

	_, want1, err := pipeline.ReferenceStep(g.chains[1], nil, in1, nil, numChunks/2, 0)
	require.NoError(t, err)
	assertTensorsClose(t, want1, results[0].Outputs, "last-to-first outputs on rank 0")

	_, want0, err := pipeline.ReferenceStep(g.chains[0], nil, in0, nil, numChunks/2, 0)
	require.NoError(t, err)
	assertTensorsClose(t, want0, results[numRanks-1].Outputs, "first-to-last outputs on the last rank")

	for rank := 1; rank < numRanks-1; rank++ {
		assert.Nil(t, results[rank].Outputs)
		assert.Empty(t, results[rank].Loss)
	}
}

func trainGroup(t *testing.T, network simulator.Network, g *linearGroup, rankOrder []int, numChunks, chunkRows, dim int, seed int64) []*pipeline.StepResult {
	rng := rand.New(rand.NewSource(seed))
	batch := chunkRows * numChunks / 2
	in0 := randomTestTensor(batch, dim, rng)
	in1 := randomTestTensor(batch, dim, rng)
	labels0 := randomTestTensor(batch, dim, rng)
	labels1 := randomTestTensor(batch, dim, rng)

	pipeRank := func(groupRank int) int {
		if rankOrder == nil {
			return groupRank
		}
		return rankOrder[groupRank]
	}

	results, _ := runStep(t, network, g.numRanks, g.units, rankOrder,
		0, chunkRows, dim,
		func(rank int) *tensor.Tensor {
			switch pipeRank(rank) {
			case 0:
				return in0
			case g.numRanks - 1:
				return in1
			}
			return nil
		},
		func(rank int) pipeline.StepOptions {
			opts := pipeline.StepOptions{NumChunks: numChunks, ReturnOutputs: true}
			switch pipeRank(rank) {
			case 0:
				// The first rank scores the last-to-first direction.
				opts.Criterion = pipeline.MSE{}
				opts.Labels = labels1
			case g.numRanks - 1:
				opts.Criterion = pipeline.MSE{}
				opts.Labels = labels0
			}
			return opts
		})

	wantLoss1, wantOut1, err := pipeline.ReferenceStep(g.chains[1], pipeline.MSE{}, in1, labels1, numChunks/2, 0)
	require.NoError(t, err)
	wantLoss0, wantOut0, err := pipeline.ReferenceStep(g.chains[0], pipeline.MSE{}, in0, labels0, numChunks/2, 0)
	require.NoError(t, err)

	first := -1
	last := -1
	for rank := 0; rank < g.numRanks; rank++ {
		switch pipeRank(rank) {
		case 0:
			first = rank
		case g.numRanks - 1:
			last = rank
		}
	}

	require.Len(t, results[first].Loss, numChunks/2)
	require.Len(t, results[last].Loss, numChunks/2)
	for c := 0; c < numChunks/2; c++ {
		assert.InDelta(t, wantLoss1[c], results[first].Loss[c], 1e-9, "loss chunk %d on the first rank", c)
		assert.InDelta(t, wantLoss0[c], results[last].Loss[c], 1e-9, "loss chunk %d on the last rank", c)
	}
	assertTensorsClose(t, wantOut1, results[first].Outputs, "outputs on the first rank")
	assertTensorsClose(t, wantOut0, results[last].Outputs, "outputs on the last rank")

	for rank := 0; rank < g.numRanks; rank++ {
		pr := pipeRank(rank)
		ref0 := g.refs[0][pr]
		ref1 := g.refs[1][g.numRanks-1-pr]
		assertTensorsClose(t, ref0.GradWeight(), g.linears[rank][0].GradWeight(), "slot 0 weight grads")
		assertTensorsClose(t, ref0.GradBias(), g.linears[rank][0].GradBias(), "slot 0 bias grads")
		assertTensorsClose(t, ref1.GradWeight(), g.linears[rank][1].GradWeight(), "slot 1 weight grads")
		assertTensorsClose(t, ref1.GradBias(), g.linears[rank][1].GradBias(), "slot 1 bias grads")
	}
	return results
}

func TestStepTraining(t *testing.T) {
	g := newLinearGroup(4, 4, false, 3)
	trainGroup(t, simulator.InstantNetwork{}, g, nil, 12, 2, 4, 4)
}

func TestStepTrainingTwoRanks(t *testing.T) {
	g := newLinearGroup(2, 3, false, 5)
	trainGroup(t, simulator.InstantNetwork{}, g, nil, 6, 2, 3, 6)
}

func TestStepTrainingFused(t *testing.T) {
	g := newLinearGroup(4, 4, true, 3)
	results := trainGroup(t, simulator.InstantNetwork{}, g, nil, 12, 2, 4, 4)

	// Fused and sequential scheduling must be numerically identical.
	seq := newLinearGroup(4, 4, false, 3)
	seqResults := trainGroup(t, simulator.InstantNetwork{}, seq, nil, 12, 2, 4, 4)
	for c := range results[0].Loss {
		assert.InDelta(t, seqResults[0].Loss[c], results[0].Loss[c], 1e-12)
	}
	for rank := 0; rank < 4; rank++ {
		for slot := 0; slot < 2; slot++ {
			assertTensorsClose(t, seq.linears[rank][slot].GradWeight(),
				g.linears[rank][slot].GradWeight(), "fused vs sequential weight grads")
		}
	}
}

// Random per-message delays reorder deliveries arbitrarily; results
// must not change and the schedule must not deadlock.
func TestStepTrainingRandomNetwork(t *testing.T) {
	g := newLinearGroup(4, 4, false, 7)
	trainGroup(t, simulator.RandomNetwork{}, g, nil, 16, 2, 4, 8)
}

func TestStepTrainingRankOrder(t *testing.T) {
	g := newLinearGroup(4, 4, false, 9)
	trainGroup(t, simulator.InstantNetwork{}, g, []int{2, 0, 3, 1}, 8, 2, 4, 10)
}

func TestStepTrainingSwitcherNetwork(t *testing.T) {
	g := newLinearGroup(4, 4, false, 11)
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, 4)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	network := simulator.NewSwitcherNetwork(simulator.NewGreedyDropSwitcher(4, 1e6), nodes, 0.001)

	rng := rand.New(rand.NewSource(12))
	in0 := randomTestTensor(8, 4, rng)
	in1 := randomTestTensor(8, 4, rng)
	labels0 := randomTestTensor(8, 4, rng)
	labels1 := randomTestTensor(8, 4, rng)

	results := make([]*pipeline.StepResult, 4)
	errs := make([]error, 4)
	simnet.SpawnRanks(loop, network, nodes, func(tr *simnet.Transport) {
		rank := tr.Rank()
		dp, err := pipeline.New(pipeline.Config{
			Units:     g.units[rank],
			Transport: tr,
			NumRanks:  4,
			GroupRank: rank,
		})
		if err != nil {
			errs[rank] = err
			return
		}
		dp.SetChunkShape(2, 4)
		opts := pipeline.StepOptions{NumChunks: 8}
		var in *tensor.Tensor
		switch rank {
		case 0:
			in = in0
			opts.Criterion = pipeline.MSE{}
			opts.Labels = labels1
		case 3:
			in = in1
			opts.Criterion = pipeline.MSE{}
			opts.Labels = labels0
		}
		results[rank], errs[rank] = dp.Step(in, opts)
	})
	require.NoError(t, loop.Run())
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	require.Greater(t, loop.Time(), 0.0, "transfers over a switched network take virtual time")

	wantLoss1, _, err := pipeline.ReferenceStep(g.chains[1], pipeline.MSE{}, in1, labels1, 4, 0)
	require.NoError(t, err)
	for c := range wantLoss1 {
		assert.InDelta(t, wantLoss1[c], results[0].Loss[c], 1e-9)
	}
}

func randomTestTensor(rows, cols int, rng *rand.Rand) *tensor.Tensor {
	res := tensor.New(rows, cols)
	for i := range res.Data() {
		res.Data()[i] = rng.NormFloat64()
	}
	return res
}

type nopTransport struct{}

func (nopTransport) Exchange(sends, recvs []pipeline.Parcel) error { return nil }

func TestNewErrors(t *testing.T) {
	units := [2]pipeline.Unit{
		pipeline.NewLinear(2, 2, false, rand.New(rand.NewSource(1))),
		pipeline.NewLinear(2, 2, false, rand.New(rand.NewSource(2))),
	}

	_, err := pipeline.New(pipeline.Config{Transport: nopTransport{}, NumRanks: 2})
	require.Error(t, err, "missing units")

	_, err = pipeline.New(pipeline.Config{Units: units, NumRanks: 2})
	require.Error(t, err, "missing transport")

	_, err = pipeline.New(pipeline.Config{Units: units, Transport: nopTransport{}, NumRanks: 3})
	require.Error(t, err, "odd rank count")

	_, err = pipeline.New(pipeline.Config{Units: units, Transport: nopTransport{}, NumRanks: 2, BatchDim: 2})
	require.Error(t, err, "bad batch dimension")
}

func TestStepErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	units := [2]pipeline.Unit{
		pipeline.NewLinear(2, 2, false, rng),
		pipeline.NewLinear(2, 2, false, rng),
	}
	dp, err := pipeline.New(pipeline.Config{Units: units, Transport: nopTransport{}, NumRanks: 2})
	require.NoError(t, err)

	inputs := randomTestTensor(4, 2, rng)
	labels := randomTestTensor(4, 2, rng)

	_, err = dp.Step(inputs, pipeline.StepOptions{NumChunks: 4, Criterion: pipeline.MSE{}, Labels: labels})
	require.Error(t, err, "chunk shape not configured")

	dp.SetChunkShape(2, 2)
	good := pipeline.StepOptions{NumChunks: 4, Criterion: pipeline.MSE{}, Labels: labels}

	bad := good
	bad.NumChunks = 5
	_, err = dp.Step(inputs, bad)
	require.Error(t, err, "odd chunk count")

	bad = good
	bad.NumChunks = 2
	_, err = dp.Step(inputs, bad)
	require.Error(t, err, "fewer than two chunks per rank")

	bad = good
	bad.Criterion = nil
	_, err = dp.Step(inputs, bad)
	require.Error(t, err, "criterion required in training mode")

	bad = good
	bad.Labels = nil
	_, err = dp.Step(inputs, bad)
	require.Error(t, err, "labels required with a criterion")

	_, err = dp.Step(nil, good)
	require.Error(t, err, "inputs required on a boundary rank")

	_, err = dp.Step(randomTestTensor(6, 2, rng), good)
	require.Error(t, err, "chunk shape mismatch")
}
