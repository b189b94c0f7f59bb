package pipeline

import (
	"math"
	"math/rand"

	"github.com/Telsho/DualPipe/tensor"
)

// Linear is a fully connected layer with an optional tanh activation.
// It accumulates weight and bias gradients across backward passes until
// ZeroGrad, which is what lets deferred weight work from different
// chunks run in any bubble without changing the result.
//
// The batch dimension is rows: inputs are batch×inDim.
type Linear struct {
	weight *tensor.Tensor // inDim×outDim
	bias   *tensor.Tensor // 1×outDim

	gradWeight *tensor.Tensor
	gradBias   *tensor.Tensor

	tanh bool
}

// NewLinear creates a layer with weights drawn from rng, scaled down by
// the fan-in.
func NewLinear(inDim, outDim int, tanh bool, rng *rand.Rand) *Linear {
	l := &Linear{
		weight:     tensor.New(inDim, outDim),
		bias:       tensor.New(1, outDim),
		gradWeight: tensor.New(inDim, outDim),
		gradBias:   tensor.New(1, outDim),
		tanh:       tanh,
	}
	scale := 1 / math.Sqrt(float64(inDim))
	for i, d := 0, l.weight.Data(); i < len(d); i++ {
		d[i] = rng.NormFloat64() * scale
	}
	return l
}

// Clone returns a deep copy sharing nothing with the original.
func (l *Linear) Clone() *Linear {
	return &Linear{
		weight:     l.weight.Clone(),
		bias:       l.bias.Clone(),
		gradWeight: l.gradWeight.Clone(),
		gradBias:   l.gradBias.Clone(),
		tanh:       l.tanh,
	}
}

// GradWeight returns the accumulated weight gradient.
func (l *Linear) GradWeight() *tensor.Tensor { return l.gradWeight }

// GradBias returns the accumulated bias gradient.
func (l *Linear) GradBias() *tensor.Tensor { return l.gradBias }

// ZeroGrad clears the accumulated gradients.
func (l *Linear) ZeroGrad() {
	l.gradWeight.Scale(0)
	l.gradBias.Scale(0)
}

func (l *Linear) preActivation(in *tensor.Tensor) *tensor.Tensor {
	pre := tensor.MatMul(in, l.weight)
	pre.AddRow(l.bias)
	return pre
}

// Forward implements Unit.
func (l *Linear) Forward(in *tensor.Tensor) *tensor.Tensor {
	out := l.preActivation(in)
	if l.tanh {
		for i, d := 0, out.Data(); i < len(d); i++ {
			d[i] = math.Tanh(d[i])
		}
	}
	return out
}

// Backward implements Unit. The activation is recomputed from the
// input; stages do not retain forward intermediates across the
// schedule.
func (l *Linear) Backward(in, outGrad *tensor.Tensor) (*tensor.Tensor, WeightWork) {
	dAct := outGrad
	if l.tanh {
		pre := l.preActivation(in)
		dAct = tensor.New(outGrad.Rows(), outGrad.Cols())
		pd, gd, dd := pre.Data(), outGrad.Data(), dAct.Data()
		for i := range dd {
			th := math.Tanh(pd[i])
			dd[i] = gd[i] * (1 - th*th)
		}
	}
	inGrad := tensor.MatMul(dAct, l.weight.Transposed())
	work := func() {
		l.gradWeight.Add(tensor.MatMul(in.Transposed(), dAct))
		l.gradBias.Add(dAct.SumRows())
	}
	return inGrad, work
}

// OverlappedLinear is a Linear whose forward pass can be fused with a
// peer shard's backward pass into one unit of compute. The fusion here
// is sequential; a device runtime would interleave the two.
type OverlappedLinear struct {
	*Linear
}

// NewOverlappedLinear wraps a fresh Linear.
func NewOverlappedLinear(inDim, outDim int, tanh bool, rng *rand.Rand) *OverlappedLinear {
	return &OverlappedLinear{Linear: NewLinear(inDim, outDim, tanh, rng)}
}

// ForwardBackward implements Overlapped.
func (l *OverlappedLinear) ForwardBackward(
	in *tensor.Tensor, criterion Criterion, labels *tensor.Tensor,
	backward Unit, bwdIn, bwdOutGrad *tensor.Tensor,
) (*tensor.Tensor, float64, *tensor.Tensor, WeightWork) {
	out := l.Forward(in)
	var loss float64
	if criterion != nil {
		loss = criterion.Loss(out, labels)
	}
	inGrad, work := backward.Backward(bwdIn, bwdOutGrad)
	return out, loss, inGrad, work
}

// MSE is the mean squared error over all elements of a chunk.
type MSE struct{}

// Loss implements Criterion.
func (MSE) Loss(out, labels *tensor.Tensor) float64 {
	diff := tensor.Sub(out, labels)
	var sum float64
	for _, v := range diff.Data() {
		sum += v * v
	}
	return sum / float64(len(diff.Data()))
}

// Grad implements Criterion.
func (MSE) Grad(out, labels *tensor.Tensor) *tensor.Tensor {
	grad := tensor.Sub(out, labels)
	grad.Scale(2 / float64(out.Rows()*out.Cols()))
	return grad
}
