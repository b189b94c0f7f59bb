// Command bench_dualpipe measures the virtual-time cost of scheduled
// pipeline steps over simulated switched networks, reporting the step
// time and the bubble fraction (the share of a rank's time not spent
// computing).
package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/unixpickle/essentials"

	"github.com/Telsho/DualPipe/pipeline"
	"github.com/Telsho/DualPipe/simnet"
	"github.com/Telsho/DualPipe/simulator"
	"github.com/Telsho/DualPipe/tensor"
)

// Per-chunk compute times in virtual seconds. Backward costs roughly
// twice forward; the weight-gradient half costs about as much as
// forward again.
const (
	forwardTime  = 1e-3
	backwardTime = 2e-3
	weightTime   = 1e-3
)

// RunInfo describes one simulated cluster configuration.
type RunInfo struct {
	NumRanks  int
	Latency   float64
	Rate      float64
	NumChunks int
}

// delayUnit models a shard by its compute time alone: tensors pass
// through unchanged while the rank's goroutine sleeps in virtual time.
type delayUnit struct {
	handle *simulator.Handle
}

func (d *delayUnit) Forward(in *tensor.Tensor) *tensor.Tensor {
	d.handle.Sleep(forwardTime)
	return in.Clone()
}

func (d *delayUnit) Backward(in, outGrad *tensor.Tensor) (*tensor.Tensor, pipeline.WeightWork) {
	d.handle.Sleep(backwardTime)
	return outGrad.Clone(), func() { d.handle.Sleep(weightTime) }
}

// zeroLoss is a criterion with negligible compute cost.
type zeroLoss struct{}

func (zeroLoss) Loss(out, labels *tensor.Tensor) float64 { return 0 }
func (zeroLoss) Grad(out, labels *tensor.Tensor) *tensor.Tensor {
	return tensor.New(out.Rows(), out.Cols())
}

// Run executes one synchronized step on a switched network and returns
// the elapsed virtual time and the bytes sent by rank 0.
func (r *RunInfo) Run(chunkRows, chunkCols int) (elapsed, rank0Bytes float64) {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, r.NumRanks)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	switcher := simulator.NewGreedyDropSwitcher(r.NumRanks, r.Rate)
	network := simulator.NewSwitcherNetwork(switcher, nodes, r.Latency)

	simnet.SpawnRanks(loop, network, nodes, func(tr *simnet.Transport) {
		rank := tr.Rank()
		unit := &delayUnit{handle: tr.Handle()}
		dp, err := pipeline.New(pipeline.Config{
			Units:     [2]pipeline.Unit{unit, unit},
			Transport: tr,
			NumRanks:  r.NumRanks,
			GroupRank: rank,
		})
		essentials.Must(err)
		dp.SetChunkShape(chunkRows, chunkCols)

		opts := pipeline.StepOptions{NumChunks: r.NumChunks}
		var inputs *tensor.Tensor
		if rank == 0 || rank == r.NumRanks-1 {
			batch := chunkRows * r.NumChunks / 2
			inputs = tensor.New(batch, chunkCols)
			opts.Criterion = zeroLoss{}
			opts.Labels = tensor.New(batch, chunkCols)
		}
		_, err = dp.Step(inputs, opts)
		essentials.Must(err)
		if rank == 0 {
			rank0Bytes = tr.TotalBytes()
		}
	})
	essentials.Must(loop.Run())
	return loop.Time(), rank0Bytes
}

func main() {
	runs := []RunInfo{
		{NumRanks: 4, Latency: 1e-4, Rate: 1e9, NumChunks: 8},
		{NumRanks: 4, Latency: 1e-4, Rate: 1e9, NumChunks: 32},
		{NumRanks: 8, Latency: 1e-4, Rate: 1e9, NumChunks: 16},
		{NumRanks: 8, Latency: 1e-4, Rate: 1e9, NumChunks: 64},
		{NumRanks: 8, Latency: 1e-3, Rate: 1e8, NumChunks: 64},
		{NumRanks: 16, Latency: 1e-4, Rate: 1e9, NumChunks: 128},
	}
	chunkShapes := [][2]int{
		{32, 256},
		{128, 512},
	}

	bar := progressbar.Default(int64(len(runs)*len(chunkShapes)), "simulating")

	fmt.Println("| Ranks | Latency | NIC rate | Chunks | Chunk size | Step time | Bubble | Rank 0 sent |")
	fmt.Println("|:--|:--|:--|:--|:--|:--|:--|:--|")
	for _, runInfo := range runs {
		for _, shape := range chunkShapes {
			elapsed, sent := runInfo.Run(shape[0], shape[1])
			essentials.Must(bar.Add(1))

			// Every rank computes NumChunks forward and backward
			// chunks; anything beyond that compute time is bubble.
			ideal := float64(runInfo.NumChunks) * (forwardTime + backwardTime + weightTime)
			bubble := 1 - ideal/elapsed

			fmt.Printf(
				"| %d | %s | %s | %d | %s | %fs | %.2f%% | %s |\n",
				runInfo.NumRanks,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				runInfo.NumChunks,
				humanize.Bytes(uint64(shape[0]*shape[1]*8)),
				elapsed,
				bubble*100,
				humanize.Bytes(uint64(sent)),
			)
		}
	}
}
