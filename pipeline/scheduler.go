// Package pipeline implements a bidirectional ("dual") pipeline-parallel
// execution scheduler. An even number of ranks each own two opposing
// shards of a logical pipeline running in both directions at once. The
// scheduler interleaves forward compute, backward compute, deferred
// weight-gradient work and batched point-to-point communication in a
// fixed eight-phase program so that input gradients are never delayed
// behind weight gradients, and weight gradients fill pipeline bubbles
// instead of extending the critical path.
package pipeline

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Telsho/DualPipe/tensor"
)

// Config describes one rank of a dual pipeline.
type Config struct {
	// Units are the two model shards this rank owns, by physical slot.
	// Slot 0 serves the first-to-last direction, slot 1 the reverse.
	Units [2]Unit

	// Transport performs the batched point-to-point exchanges.
	Transport Transport

	// NumRanks is the total number of participants; must be even.
	NumRanks int

	// GroupRank is this participant's id in the communication group.
	GroupRank int

	// RankOrder optionally maps each group rank to its pipeline rank.
	RankOrder []int

	// BatchDim is the dimension along which step inputs are split into
	// micro-batches: 0 (rows) or 1 (columns).
	BatchDim int
}

// StepOptions controls a single Step call.
type StepOptions struct {
	// NumChunks is the number of micro-batches; must be even and at
	// least twice the rank count.
	NumChunks int

	// Criterion scores final-stage outputs. Required on the first and
	// last rank unless ForwardOnly.
	Criterion Criterion

	// Labels for the criterion, split like the inputs. Required
	// whenever Criterion is set.
	Labels *tensor.Tensor

	// ReturnOutputs retains final-stage outputs and returns them
	// merged.
	ReturnOutputs bool

	// ForwardOnly skips all backward and weight-gradient work.
	ForwardOnly bool
}

// StepResult is what one rank gets back from a Step.
type StepResult struct {
	// Loss holds the per-chunk losses, only on the first/last rank and
	// only when a criterion was supplied.
	Loss []float64

	// Outputs holds the merged final-stage outputs when requested.
	Outputs *tensor.Tensor
}

// lossEntry retains what the final stage needs to seed a backward pass.
type lossEntry struct {
	loss   float64
	out    *tensor.Tensor
	labels *tensor.Tensor
}

// DualPipe schedules one rank of the dual pipeline. It is not safe for
// concurrent use; a rank runs exactly one Step at a time.
type DualPipe struct {
	topo     *Topology
	units    [2]Unit
	fused    bool
	batchDim int

	comm  *commBatcher
	wgrad *WeightGradStore

	// Per-step state, reset around every Step.
	queues        [2]*chunkQueues
	labels        [2][]*tensor.Tensor
	lossChunks    []lossEntry
	criterion     Criterion
	halfChunks    int
	forwardOnly   bool
	returnOutputs bool

	executed PhasePlan
}

// New creates the scheduler for one rank.
func New(cfg Config) (*DualPipe, error) {
	if cfg.Units[0] == nil || cfg.Units[1] == nil {
		return nil, errors.New("both shard units must be set")
	}
	if cfg.Transport == nil {
		return nil, errors.New("a transport must be set")
	}
	if cfg.BatchDim != 0 && cfg.BatchDim != 1 {
		return nil, errors.Errorf("batch dimension must be 0 or 1, got %d", cfg.BatchDim)
	}
	topo, err := NewTopology(cfg.NumRanks, cfg.GroupRank, cfg.RankOrder)
	if err != nil {
		return nil, err
	}
	_, fused0 := cfg.Units[0].(Overlapped)
	_, fused1 := cfg.Units[1].(Overlapped)
	d := &DualPipe{
		topo:     topo,
		units:    cfg.Units,
		fused:    fused0 && fused1,
		batchDim: cfg.BatchDim,
		comm:     &commBatcher{transport: cfg.Transport},
		wgrad:    &WeightGradStore{},
	}
	return d, nil
}

// Topology returns the rank's derived pipeline position.
func (d *DualPipe) Topology() *Topology { return d.topo }

// Fused reports whether the shard pair supports overlapped
// forward+backward compute.
func (d *DualPipe) Fused() bool { return d.fused }

// SetChunkShape configures the shape of every tensor exchanged between
// ranks. It must be called before the first Step and must match the
// shape of scattered input chunks.
func (d *DualPipe) SetChunkShape(rows, cols int) {
	if rows <= 0 || cols <= 0 {
		exceptions.Panicf("invalid chunk shape %dx%d", rows, cols)
	}
	d.comm.chunkRows = rows
	d.comm.chunkCols = cols
}

// ExecutedPhases returns the per-phase iteration counts of the most
// recent Step.
func (d *DualPipe) ExecutedPhases() PhasePlan { return d.executed }

func (d *DualPipe) validateStep(inputs *tensor.Tensor, opts *StepOptions) error {
	t := d.topo
	if d.comm.chunkRows == 0 {
		return errors.New("chunk shape must be configured before stepping")
	}
	if opts.NumChunks <= 0 || opts.NumChunks%2 != 0 || opts.NumChunks < 2*t.NumRanks {
		return errors.Errorf("number of chunks must be even and at least %d, got %d",
			2*t.NumRanks, opts.NumChunks)
	}
	boundary := t.IsFirst || t.IsLast
	if !boundary {
		if inputs != nil {
			klog.Warningf("rank %d: ignoring step inputs on an interior rank", t.Rank)
		}
		return nil
	}
	if !opts.ForwardOnly && opts.Criterion == nil {
		return errors.New("a criterion is required on the first/last rank in training mode")
	}
	if inputs == nil {
		return errors.Errorf("rank %d holds a pipeline end and requires step inputs", t.Rank)
	}
	half := opts.NumChunks / 2
	if inputs.Dim(d.batchDim)%half != 0 {
		return errors.Errorf("batch dimension %d does not split into %d chunks",
			inputs.Dim(d.batchDim), half)
	}
	rows, cols := inputs.Rows(), inputs.Cols()
	if d.batchDim == 0 {
		rows /= half
	} else {
		cols /= half
	}
	if rows != d.comm.chunkRows || cols != d.comm.chunkCols {
		return errors.Errorf("input chunks have shape %dx%d but the configured chunk shape is %dx%d",
			rows, cols, d.comm.chunkRows, d.comm.chunkCols)
	}
	if opts.Criterion != nil {
		if opts.Labels == nil {
			return errors.New("labels are required when a criterion is supplied")
		}
		if opts.Labels.Dim(d.batchDim)%half != 0 {
			return errors.Errorf("label batch dimension %d does not split into %d chunks",
				opts.Labels.Dim(d.batchDim), half)
		}
	}
	return nil
}

func (d *DualPipe) resetState() {
	d.queues[0] = newChunkQueues(d.halfChunks)
	d.queues[1] = newChunkQueues(d.halfChunks)
	d.labels[0], d.labels[1] = nil, nil
	d.lossChunks = nil
	d.criterion = nil
	d.wgrad.Reset()
	d.comm.reset()
}

// Step executes one full scheduled pass over the given batch: scatter
// into micro-batches, run the eight schedule phases, and gather the
// results. Every rank in the group must call Step with matching
// NumChunks and mode flags at the same logical point; divergence
// deadlocks the collective.
func (d *DualPipe) Step(inputs *tensor.Tensor, opts StepOptions) (*StepResult, error) {
	if err := d.validateStep(inputs, &opts); err != nil {
		return nil, err
	}
	t := d.topo
	d.halfChunks = opts.NumChunks / 2
	d.forwardOnly = opts.ForwardOnly
	d.returnOutputs = opts.ReturnOutputs
	d.resetState()
	d.criterion = opts.Criterion

	// Inject the boundary chunks: the first rank feeds direction 0 and
	// judges direction 1; the last rank does the reverse.
	if t.IsFirst || t.IsLast {
		inSlot, labelSlot := 0, 1
		if t.IsLast {
			inSlot, labelSlot = 1, 0
		}
		for _, c := range tensor.Scatter(inputs, d.halfChunks, d.batchDim) {
			d.queues[inSlot].appendInput(c)
		}
		if opts.Labels != nil {
			d.labels[labelSlot] = tensor.Scatter(opts.Labels, d.halfChunks, d.batchDim)
		}
	}

	plan := PlanFor(t.NumRanks, t.Rank, opts.NumChunks)
	d.executed = PhasePlan{}
	klog.V(1).Infof("rank %d: step start: chunks=%d plan=%v forwardOnly=%v fused=%v",
		t.Rank, opts.NumChunks, plan, d.forwardOnly, d.fused)

	// Phase 1: warm-up forward in direction 0.
	for i := 0; i < plan[0]; i++ {
		d.forwardChunk(0, true, true)
		d.executed[0]++
	}

	// Phase 2: bring direction 1 online. Middle ranks send their
	// direction-0 output eagerly; all other ranks stagger that send
	// behind the direction-1 compute to balance the two directions.
	d.recvForward(0)
	for i := 0; i < plan[1]; i++ {
		d.forwardChunk(0, false, t.IsMiddle)
		d.recvForward(0)
		d.forwardChunk(1, true, !t.IsMiddle || i < plan[1]-1)
		if !t.IsMiddle {
			d.sendForward(0)
		}
		d.executed[1]++
	}

	// Phase 3: start draining direction-1 backward, deferring weight
	// gradients into the bubble.
	for i := 0; i < plan[2]; i++ {
		d.backwardChunk(1, true, true, true)
		d.recvForward(1)
		d.weightChunk()
		d.forwardChunk(1, false, true)
		d.executed[2]++
	}

	// Phase 4: steady state. Two fused forward+backward pairs per
	// iteration. The very first pair on middle ranks is decomposed:
	// the fused path would wait for traffic this rank itself has not
	// sent yet at the pipeline turn-around.
	for i := 0; i < plan[3]; i++ {
		if i == 0 {
			if t.IsMiddle {
				d.forwardChunk(0, false, false)
				d.sendForward(1)
				d.backwardChunk(1, false, true, false)
				d.sendForward(0)
				d.sendBackward(1)
			} else {
				d.forwardBackwardChunk(0, 1, false)
			}
		} else {
			d.forwardBackwardChunk(0, 1, true)
		}
		d.forwardBackwardChunk(1, 0, true)
		d.executed[3]++
	}

	// Phase 5: wind down direction-1 forward.
	for i := 0; i < plan[4]; i++ {
		d.backwardChunk(1, false, true, true)
		d.forwardBackwardChunk(1, 0, true)
		d.executed[4]++
	}

	// Phase 6: finish both backward directions. Deferral switches on at
	// the midpoint iteration; whether it starts before the direction-1
	// or the direction-0 half-step depends on halfRank parity.
	enableZB := false
	for i := 0; i < plan[5]; i++ {
		if i == plan[5]/2 && t.HalfRank%2 == 1 {
			enableZB = true
		}
		d.backwardChunk(1, enableZB, true, true)
		if i == plan[5]/2 && t.HalfRank%2 == 0 {
			enableZB = true
		}
		d.backwardChunk(0, enableZB, true, true)
		d.executed[5]++
	}

	// Phase 7: drain direction-0 backward, still deferring.
	for i := 0; i < plan[6]; i++ {
		d.weightChunk()
		d.backwardChunk(0, true, true, true)
		d.executed[6]++
	}

	// Phase 8: execute the remaining deferred weight work.
	for i := 0; i < plan[7]; i++ {
		d.weightChunk()
		d.executed[7]++
	}

	if !d.wgrad.Empty() {
		exceptions.Panicf("rank %d: weight-gradient store not empty after the final phase", t.Rank)
	}
	d.comm.commitAndWait()
	d.queues[0].assertComplete(0)
	d.queues[1].assertComplete(1)

	res := &StepResult{}
	if t.IsFirst || t.IsLast {
		if d.criterion != nil {
			res.Loss = make([]float64, len(d.lossChunks))
			for i, e := range d.lossChunks {
				res.Loss[i] = e.loss
			}
		}
		if d.returnOutputs {
			slot := 0
			if t.IsFirst {
				slot = 1
			}
			res.Outputs = tensor.Gather(d.queues[slot].outputs, d.batchDim)
		}
	}
	klog.V(1).Infof("rank %d: step complete: losses=%d", t.Rank, len(res.Loss))

	d.resetState()
	return res, nil
}
