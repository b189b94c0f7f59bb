package pipeline

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Telsho/DualPipe/tensor"
)

// objective is a fixed linear functional of the layer output, giving a
// scalar to check gradients against by finite differences.
func objective(l *Linear, in, coeffs *tensor.Tensor) float64 {
	out := l.Forward(in)
	var sum float64
	for i, v := range out.Data() {
		sum += v * coeffs.Data()[i]
	}
	return sum
}

func randomTensor(rows, cols int, rng *rand.Rand) *tensor.Tensor {
	res := tensor.New(rows, cols)
	for i := range res.Data() {
		res.Data()[i] = rng.NormFloat64()
	}
	return res
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const eps = 1e-6

	for _, tanh := range []bool{false, true} {
		l := NewLinear(3, 2, tanh, rng)
		in := randomTensor(4, 3, rng)
		coeffs := randomTensor(4, 2, rng)

		inGrad, work := l.Backward(in, coeffs)
		require.NotNil(t, work)
		work()

		for i := 0; i < in.Rows(); i++ {
			for j := 0; j < in.Cols(); j++ {
				orig := in.At(i, j)
				in.Set(i, j, orig+eps)
				plus := objective(l, in, coeffs)
				in.Set(i, j, orig-eps)
				minus := objective(l, in, coeffs)
				in.Set(i, j, orig)
				assert.InDelta(t, (plus-minus)/(2*eps), inGrad.At(i, j), 1e-4, "input grad (%d,%d) tanh=%v", i, j, tanh)
			}
		}

		w := l.weight
		for i := 0; i < w.Rows(); i++ {
			for j := 0; j < w.Cols(); j++ {
				orig := w.At(i, j)
				w.Set(i, j, orig+eps)
				plus := objective(l, in, coeffs)
				w.Set(i, j, orig-eps)
				minus := objective(l, in, coeffs)
				w.Set(i, j, orig)
				assert.InDelta(t, (plus-minus)/(2*eps), l.GradWeight().At(i, j), 1e-4, "weight grad (%d,%d) tanh=%v", i, j, tanh)
			}
		}

		for j := 0; j < l.bias.Cols(); j++ {
			orig := l.bias.At(0, j)
			l.bias.Set(0, j, orig+eps)
			plus := objective(l, in, coeffs)
			l.bias.Set(0, j, orig-eps)
			minus := objective(l, in, coeffs)
			l.bias.Set(0, j, orig)
			assert.InDelta(t, (plus-minus)/(2*eps), l.GradBias().At(0, j), 1e-4, "bias grad %d tanh=%v", j, tanh)
		}
	}
}

func TestLinearGradAccumulation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	l := NewLinear(2, 2, false, rng)
	in := randomTensor(3, 2, rng)
	grad := randomTensor(3, 2, rng)

	_, work := l.Backward(in, grad)
	work()
	once := l.GradWeight().Clone()
	_, work = l.Backward(in, grad)
	work()

	for i, v := range l.GradWeight().Data() {
		assert.InDelta(t, 2*once.Data()[i], v, 1e-12)
	}
	l.ZeroGrad()
	for _, v := range l.GradWeight().Data() {
		assert.Zero(t, v)
	}
}

func TestMSE(t *testing.T) {
	out := tensor.FromData(1, 2, []float64{1, 3})
	labels := tensor.FromData(1, 2, []float64{0, 1})

	var crit MSE
	require.InDelta(t, (1.0+4.0)/2, crit.Loss(out, labels), 1e-12)
	grad := crit.Grad(out, labels)
	require.InDelta(t, 1.0, grad.At(0, 0), 1e-12)
	require.InDelta(t, 2.0, grad.At(0, 1), 1e-12)
}

// The fused path must be numerically identical to sequential forward
// then backward.
func TestOverlappedLinearMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	fwd := NewOverlappedLinear(3, 3, true, rng)
	bwd := NewLinear(3, 3, true, rng)
	seq := fwd.Linear.Clone()
	seqBwd := bwd.Clone()

	in := randomTensor(2, 3, rng)
	bwdIn := randomTensor(2, 3, rng)
	bwdGrad := randomTensor(2, 3, rng)
	labels := randomTensor(2, 3, rng)

	out, loss, inGrad, work := fwd.ForwardBackward(in, MSE{}, labels, bwd, bwdIn, bwdGrad)
	require.NotNil(t, work)
	work()

	wantOut := seq.Forward(in)
	wantLoss := MSE{}.Loss(wantOut, labels)
	wantGrad, wantWork := seqBwd.Backward(bwdIn, bwdGrad)
	wantWork()

	assert.Equal(t, wantOut.Data(), out.Data())
	assert.InDelta(t, wantLoss, loss, 1e-12)
	assert.Equal(t, wantGrad.Data(), inGrad.Data())
	assert.Equal(t, seqBwd.GradWeight().Data(), bwd.GradWeight().Data())
}
