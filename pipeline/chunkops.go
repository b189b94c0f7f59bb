package pipeline

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/Telsho/DualPipe/tensor"
)

// slot maps a program phase to the physical shard slot it addresses.
// Ranks in the second half of the pipeline see the two directions
// mirrored, so phase 0 on them is physical slot 1 and vice versa.
func (d *DualPipe) slot(phase int) int {
	if d.topo.InSecondHalf {
		return phase ^ 1
	}
	return phase
}

// isFirstStage reports whether the given physical slot is the entry
// stage of its direction on this rank.
func (d *DualPipe) isFirstStage(slot int) bool {
	return (d.topo.IsFirst && slot == 0) || (d.topo.IsLast && slot == 1)
}

// isLastStage reports whether the given physical slot is the final
// stage of its direction on this rank.
func (d *DualPipe) isLastStage(slot int) bool {
	return (d.topo.IsFirst && slot == 1) || (d.topo.IsLast && slot == 0)
}

// recvForward posts the receive of the next forward activation for a
// phase. On the direction's entry stage the input was injected locally,
// so the receipt is bookkeeping only.
func (d *DualPipe) recvForward(phase int) {
	slot := d.slot(phase)
	q := d.queues[slot]
	q.advanceRecvF()
	if d.isFirstStage(slot) {
		return
	}
	peer := d.topo.PrevRank
	if slot == 1 {
		peer = d.topo.NextRank
	}
	q.appendInput(d.comm.postRecv(peer, slot, false))
}

// sendForward posts the send of the next computed forward activation.
// On the direction's final stage the output is consumed locally by the
// criterion instead.
func (d *DualPipe) sendForward(phase int) {
	slot := d.slot(phase)
	q := d.queues[slot]
	id := q.nextSendF()
	if d.isLastStage(slot) {
		return
	}
	out := q.outputs[id]
	if out == nil {
		exceptions.Panicf("rank %d: slot %d forward output %d already dropped", d.topo.Rank, slot, id)
	}
	peer := d.topo.NextRank
	if slot == 1 {
		peer = d.topo.PrevRank
	}
	d.comm.postSend(peer, slot, false, out, !d.returnOutputs)
}

// recvBackward posts the receive of the next output gradient. The final
// stage seeds its gradient from the criterion, and forward-only mode
// has no gradient traffic at all; both just advance the cursor.
func (d *DualPipe) recvBackward(phase int) {
	slot := d.slot(phase)
	q := d.queues[slot]
	q.advanceRecvB()
	if d.forwardOnly || d.isLastStage(slot) {
		return
	}
	peer := d.topo.NextRank
	if slot == 1 {
		peer = d.topo.PrevRank
	}
	q.appendOutputGrad(d.comm.postRecv(peer, slot, true))
}

// sendBackward posts the send of the next computed input gradient. On
// the direction's entry stage the gradient terminates locally.
func (d *DualPipe) sendBackward(phase int) {
	slot := d.slot(phase)
	q := d.queues[slot]
	id := q.nextSendB()
	if d.forwardOnly || d.isFirstStage(slot) {
		return
	}
	grad := q.inputGrads[id]
	if grad == nil {
		exceptions.Panicf("rank %d: slot %d input gradient %d already dropped", d.topo.Rank, slot, id)
	}
	q.inputGrads[id] = nil
	peer := d.topo.PrevRank
	if slot == 1 {
		peer = d.topo.NextRank
	}
	d.comm.postSend(peer, slot, true, grad, true)
}

// forwardCompute runs the shard forward pass for the next chunk of a
// phase, scoring it against the criterion on the final stage.
func (d *DualPipe) forwardCompute(phase int) {
	slot := d.slot(phase)
	q := d.queues[slot]
	id := q.nextComputeF()
	klog.V(2).Infof("rank %d: forward slot=%d chunk=%d", d.topo.Rank, slot, id)
	in := q.inputs[id]
	if in == nil {
		exceptions.Panicf("rank %d: slot %d input %d already dropped", d.topo.Rank, slot, id)
	}
	if d.forwardOnly {
		// No backward pass will need it again.
		q.inputs[id] = nil
	}
	out := d.units[slot].Forward(in)
	lastStage := d.isLastStage(slot)
	if lastStage && d.criterion != nil {
		labels := d.labels[slot][id]
		d.lossChunks = append(d.lossChunks, lossEntry{
			loss:   d.criterion.Loss(out, labels),
			out:    out,
			labels: labels,
		})
	}
	if !lastStage || d.returnOutputs {
		q.appendOutput(out)
	}
}

// backwardCompute runs the shard backward pass for the next chunk of a
// phase. With enableZB set, the weight-gradient half of the work is
// deferred into the store and the chunk's group is flushed; otherwise
// it runs inline. In forward-only mode only the cursor moves.
func (d *DualPipe) backwardCompute(phase int, enableZB bool) {
	slot := d.slot(phase)
	q := d.queues[slot]
	id := q.nextComputeB()
	if d.forwardOnly {
		return
	}
	klog.V(2).Infof("rank %d: backward slot=%d chunk=%d zb=%v", d.topo.Rank, slot, id, enableZB)
	d.wgrad.SetEnabled(enableZB)
	in := q.inputs[id]
	if in == nil {
		exceptions.Panicf("rank %d: slot %d input %d already dropped", d.topo.Rank, slot, id)
	}
	q.inputs[id] = nil
	if d.isLastStage(slot) {
		entry := &d.lossChunks[id]
		seed := d.criterion.Grad(entry.out, entry.labels)
		entry.out = nil
		g, w := d.units[slot].Backward(in, seed)
		d.finishBackward(q, g, w, enableZB)
		return
	}
	if !d.returnOutputs && id < len(q.outputs) {
		q.outputs[id] = nil
	}
	grad := q.outputGrads[id]
	if grad == nil {
		exceptions.Panicf("rank %d: slot %d output gradient %d already dropped", d.topo.Rank, slot, id)
	}
	q.outputGrads[id] = nil
	g, w := d.units[slot].Backward(in, grad)
	d.finishBackward(q, g, w, enableZB)
}

// finishBackward routes the weight work of one backward chunk and
// records its input gradient.
func (d *DualPipe) finishBackward(q *chunkQueues, inGrad *tensor.Tensor, work WeightWork, enableZB bool) {
	if d.wgrad.Enabled() {
		d.wgrad.Push(work)
	} else if work != nil {
		work()
	}
	d.wgrad.SetEnabled(false)
	if enableZB {
		d.wgrad.Flush()
	}
	q.appendInputGrad(inGrad)
}

// forwardBackwardCompute runs a forward chunk of one phase and a
// backward chunk of the other as a single overlapped unit of compute
// when the shards support it, and sequentially otherwise. Overlapped
// weight work always runs inline; the steady state has no bubble to
// hide it in.
func (d *DualPipe) forwardBackwardCompute(phase0, phase1 int) {
	if d.forwardOnly || !d.fused {
		d.forwardCompute(phase0)
		d.backwardCompute(phase1, false)
		return
	}

	slot0 := d.slot(phase0)
	q0 := d.queues[slot0]
	id0 := q0.nextComputeF()
	in0 := q0.inputs[id0]
	if in0 == nil {
		exceptions.Panicf("rank %d: slot %d input %d already dropped", d.topo.Rank, slot0, id0)
	}
	lastStage0 := d.isLastStage(slot0)
	var crit Criterion
	var labels0 *tensor.Tensor
	if lastStage0 && d.criterion != nil {
		crit = d.criterion
		labels0 = d.labels[slot0][id0]
	}

	slot1 := d.slot(phase1)
	q1 := d.queues[slot1]
	id1 := q1.nextComputeB()
	klog.V(2).Infof("rank %d: fused forward slot=%d chunk=%d backward slot=%d chunk=%d",
		d.topo.Rank, slot0, id0, slot1, id1)
	in1 := q1.inputs[id1]
	if in1 == nil {
		exceptions.Panicf("rank %d: slot %d input %d already dropped", d.topo.Rank, slot1, id1)
	}
	q1.inputs[id1] = nil
	var outGrad1 *tensor.Tensor
	if d.isLastStage(slot1) {
		entry := &d.lossChunks[id1]
		outGrad1 = d.criterion.Grad(entry.out, entry.labels)
		entry.out = nil
	} else {
		if !d.returnOutputs && id1 < len(q1.outputs) {
			q1.outputs[id1] = nil
		}
		outGrad1 = q1.outputGrads[id1]
		if outGrad1 == nil {
			exceptions.Panicf("rank %d: slot %d output gradient %d already dropped", d.topo.Rank, slot1, id1)
		}
		q1.outputGrads[id1] = nil
	}

	ov := d.units[slot0].(Overlapped)
	out0, loss0, inGrad1, work := ov.ForwardBackward(in0, crit, labels0, d.units[slot1], in1, outGrad1)
	if work != nil {
		work()
	}

	if lastStage0 && crit != nil {
		d.lossChunks = append(d.lossChunks, lossEntry{loss: loss0, out: out0, labels: labels0})
	}
	if !lastStage0 || d.returnOutputs {
		q0.appendOutput(out0)
	}
	q1.appendInputGrad(inGrad1)
}

// forwardChunk is the receive-compute-send cycle of one forward chunk,
// with a commit point between the receive and the compute.
func (d *DualPipe) forwardChunk(phase int, recv, send bool) {
	if recv {
		d.recvForward(phase)
	}
	d.comm.commitAndWait()
	d.forwardCompute(phase)
	if send {
		d.sendForward(phase)
	}
}

// backwardChunk is the receive-compute-send cycle of one backward
// chunk.
func (d *DualPipe) backwardChunk(phase int, enableZB, recv, send bool) {
	if recv {
		d.recvBackward(phase)
	}
	d.comm.commitAndWait()
	d.backwardCompute(phase, enableZB)
	if send {
		d.sendBackward(phase)
	}
}

// forwardBackwardChunk pairs a forward chunk of one phase with a
// backward chunk of the other, always receiving the backward gradient
// and optionally the forward activation first.
func (d *DualPipe) forwardBackwardChunk(phase0, phase1 int, recv0 bool) {
	if recv0 {
		d.recvForward(phase0)
	}
	d.recvBackward(phase1)
	d.comm.commitAndWait()
	d.forwardBackwardCompute(phase0, phase1)
	d.sendForward(phase0)
	d.sendBackward(phase1)
}

// weightChunk executes one deferred weight-gradient group. All pending
// communication is committed first so that the work fills otherwise
// idle time.
func (d *DualPipe) weightChunk() {
	if d.forwardOnly {
		return
	}
	d.comm.commitAndWait()
	d.wgrad.Pop()
}
