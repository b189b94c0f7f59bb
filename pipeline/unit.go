package pipeline

import "github.com/Telsho/DualPipe/tensor"

// WeightWork is a deferred unit of weight-gradient computation for one
// already-completed backward micro-batch. Deferring it lets the
// scheduler fill pipeline bubbles with useful work instead of stalling.
type WeightWork func()

// A Unit is one of the two model shards a rank owns. The scheduler
// drives a Unit for exactly one pipeline direction.
//
// Units must be shape-preserving with respect to the configured chunk
// shape: every tensor crossing a rank boundary has the same shape.
type Unit interface {
	// Forward computes the shard's outputs for one micro-batch.
	Forward(in *tensor.Tensor) *tensor.Tensor

	// Backward propagates outGrad through the shard. It returns the
	// gradient with respect to in together with the deferred
	// weight-gradient work for this micro-batch. The caller decides
	// whether the work runs immediately or is queued for a bubble.
	Backward(in, outGrad *tensor.Tensor) (*tensor.Tensor, WeightWork)
}

// A Criterion scores final-stage outputs against labels and produces the
// gradient that seeds the backward pass.
type Criterion interface {
	Loss(out, labels *tensor.Tensor) float64
	Grad(out, labels *tensor.Tensor) *tensor.Tensor
}

// Overlapped is an optional Unit capability: computing the forward pass
// of one micro-batch while the backward pass of another runs on a peer
// shard, so the underlying hardware can overlap the two. The scheduler
// uses it only when both of a rank's shards support it; otherwise it
// falls back to sequential Forward then Backward calls.
type Overlapped interface {
	Unit

	// ForwardBackward computes Forward(in) on the receiver while running
	// backward.Backward(bwdIn, bwdOutGrad).
	//
	// criterion and labels are non-nil only when the forward chunk
	// reaches a final pipeline stage; loss is meaningful only then.
	ForwardBackward(in *tensor.Tensor, criterion Criterion, labels *tensor.Tensor,
		backward Unit, bwdIn, bwdOutGrad *tensor.Tensor,
	) (out *tensor.Tensor, loss float64, inGrad *tensor.Tensor, work WeightWork)
}
