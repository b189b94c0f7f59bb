package pipeline

import (
	"github.com/gomlx/exceptions"

	"github.com/Telsho/DualPipe/tensor"
)

// chunkQueues tracks every micro-batch flowing through one physical
// shard slot during a step: four append-only tensor sequences plus six
// monotonic cursors gating receive, compute and send progress in each
// direction.
//
// The cursors obey send <= compute <= recv per direction. Operations
// skipped at a pipeline boundary (an injected input, an output consumed
// by the criterion, a gradient that terminates locally) still advance
// their cursor, so all six cursors reach exactly limit by the end of a
// successful step.
type chunkQueues struct {
	limit int

	inputs      []*tensor.Tensor
	outputs     []*tensor.Tensor
	outputGrads []*tensor.Tensor
	inputGrads  []*tensor.Tensor

	recvF, computeF, sendF int
	recvB, computeB, sendB int
}

func newChunkQueues(limit int) *chunkQueues {
	return &chunkQueues{limit: limit}
}

func (q *chunkQueues) appendInput(t *tensor.Tensor) int {
	if len(q.inputs) >= q.limit {
		exceptions.Panicf("chunk queue: %d inputs exceed %d chunks", len(q.inputs)+1, q.limit)
	}
	q.inputs = append(q.inputs, t)
	return len(q.inputs) - 1
}

func (q *chunkQueues) appendOutput(t *tensor.Tensor) int {
	q.outputs = append(q.outputs, t)
	return len(q.outputs) - 1
}

func (q *chunkQueues) appendOutputGrad(t *tensor.Tensor) int {
	q.outputGrads = append(q.outputGrads, t)
	return len(q.outputGrads) - 1
}

func (q *chunkQueues) appendInputGrad(t *tensor.Tensor) int {
	q.inputGrads = append(q.inputGrads, t)
	return len(q.inputGrads) - 1
}

func (q *chunkQueues) advanceRecvF() {
	if q.recvF >= q.limit {
		exceptions.Panicf("chunk queue: recvF cursor overran %d chunks", q.limit)
	}
	q.recvF++
}

func (q *chunkQueues) advanceRecvB() {
	if q.recvB >= q.limit {
		exceptions.Panicf("chunk queue: recvB cursor overran %d chunks", q.limit)
	}
	q.recvB++
}

// nextComputeF claims the next forward chunk id. A compute overtaking
// its receive is a scheduling bug.
func (q *chunkQueues) nextComputeF() int {
	if q.computeF >= q.recvF {
		exceptions.Panicf("chunk queue: computeF %d overran recvF %d", q.computeF+1, q.recvF)
	}
	if q.computeF >= len(q.inputs) {
		exceptions.Panicf("chunk queue: computeF %d overran %d enqueued inputs", q.computeF+1, len(q.inputs))
	}
	id := q.computeF
	q.computeF++
	return id
}

// nextComputeB claims the next backward chunk id.
func (q *chunkQueues) nextComputeB() int {
	if q.computeB >= q.recvB {
		exceptions.Panicf("chunk queue: computeB %d overran recvB %d", q.computeB+1, q.recvB)
	}
	id := q.computeB
	q.computeB++
	return id
}

// nextSendF claims the next forward chunk id to send. A send overtaking
// its compute is a scheduling bug.
func (q *chunkQueues) nextSendF() int {
	if q.sendF >= q.computeF {
		exceptions.Panicf("chunk queue: sendF %d overran computeF %d", q.sendF+1, q.computeF)
	}
	id := q.sendF
	q.sendF++
	return id
}

// nextSendB claims the next backward chunk id to send.
func (q *chunkQueues) nextSendB() int {
	if q.sendB >= q.computeB {
		exceptions.Panicf("chunk queue: sendB %d overran computeB %d", q.sendB+1, q.computeB)
	}
	id := q.sendB
	q.sendB++
	return id
}

// assertComplete verifies that every cursor reached the chunk count.
func (q *chunkQueues) assertComplete(slot int) {
	for _, c := range []struct {
		name  string
		value int
	}{
		{"recvF", q.recvF}, {"computeF", q.computeF}, {"sendF", q.sendF},
		{"recvB", q.recvB}, {"computeB", q.computeB}, {"sendB", q.sendB},
	} {
		if c.value != q.limit {
			exceptions.Panicf("chunk queue: slot %d cursor %s finished at %d of %d chunks",
				slot, c.name, c.value, q.limit)
		}
	}
}
