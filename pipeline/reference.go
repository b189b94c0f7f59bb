package pipeline

import (
	"github.com/pkg/errors"

	"github.com/Telsho/DualPipe/tensor"
)

// ReferenceStep runs the same chunked computation as a scheduled step
// through a single local chain of units: forward every chunk through
// the whole chain, score it, and backward it with the weight work run
// inline. It exists to validate distributed runs; a scheduled direction
// over shards u_0..u_{k-1} with n/2 chunks must produce the same losses
// and the same accumulated gradients as ReferenceStep over the same
// chain with numChunks = n/2.
func ReferenceStep(
	chain []Unit, criterion Criterion,
	inputs, labels *tensor.Tensor,
	numChunks, batchDim int,
) ([]float64, *tensor.Tensor, error) {
	if len(chain) == 0 {
		return nil, nil, errors.New("reference step needs at least one unit")
	}
	if numChunks <= 0 {
		return nil, nil, errors.Errorf("invalid chunk count %d", numChunks)
	}
	if inputs.Dim(batchDim)%numChunks != 0 {
		return nil, nil, errors.Errorf("batch dimension %d does not split into %d chunks",
			inputs.Dim(batchDim), numChunks)
	}
	inChunks := tensor.Scatter(inputs, numChunks, batchDim)
	var labelChunks []*tensor.Tensor
	if criterion != nil {
		if labels == nil {
			return nil, nil, errors.New("labels are required when a criterion is supplied")
		}
		labelChunks = tensor.Scatter(labels, numChunks, batchDim)
	}

	var losses []float64
	outChunks := make([]*tensor.Tensor, numChunks)
	for c, in := range inChunks {
		acts := make([]*tensor.Tensor, len(chain)+1)
		acts[0] = in
		for i, u := range chain {
			acts[i+1] = u.Forward(acts[i])
		}
		out := acts[len(chain)]
		outChunks[c] = out

		if criterion == nil {
			continue
		}
		losses = append(losses, criterion.Loss(out, labelChunks[c]))
		grad := criterion.Grad(out, labelChunks[c])
		for i := len(chain) - 1; i >= 0; i-- {
			g, work := chain[i].Backward(acts[i], grad)
			if work != nil {
				work()
			}
			grad = g
		}
	}
	return losses, tensor.Gather(outChunks, batchDim), nil
}
