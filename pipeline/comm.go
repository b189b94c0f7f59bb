package pipeline

import (
	"github.com/gomlx/exceptions"

	"github.com/Telsho/DualPipe/tensor"
)

// A Parcel describes one point-to-point tensor transfer. Slot and Grad
// identify the traffic flow so that a transport can keep concurrent
// transfers between the same pair of ranks apart.
type Parcel struct {
	// Peer is the group rank of the other participant.
	Peer int

	// Slot is the physical shard slot the tensor belongs to.
	Slot int

	// Grad marks gradient traffic as opposed to activation traffic.
	Grad bool

	// Data is the payload for a send, or the placeholder a receive
	// fills in place.
	Data *tensor.Tensor
}

// A Transport performs the batched non-blocking exchanges issued at
// commit points.
//
// Exchange starts all sends and receives as one batch and blocks until
// every one of them completes, filling the receive placeholders in
// place. Matching is by (peer, slot, grad) flow in posting order; every
// participant must post a structurally matching batch at the same
// logical point or the collective deadlocks. A non-nil error means the
// exchange may have partially completed and cross-rank state is
// inconsistent; it must be treated as fatal.
type Transport interface {
	Exchange(sends, recvs []Parcel) error
}

// commBatcher accumulates pending parcels between commit points and
// releases sent tensors that are no longer needed.
type commBatcher struct {
	transport            Transport
	chunkRows, chunkCols int

	sends  []Parcel
	recvs  []Parcel
	toFree []*tensor.Tensor
}

// postSend queues a tensor to be sent at the next commit point. If
// release is set, the tensor's storage is freed once the batch it was
// sent in completes.
func (c *commBatcher) postSend(peer, slot int, grad bool, data *tensor.Tensor, release bool) {
	if peer < 0 {
		exceptions.Panicf("comm: send to nonexistent peer (slot %d)", slot)
	}
	c.sends = append(c.sends, Parcel{Peer: peer, Slot: slot, Grad: grad, Data: data})
	if release {
		c.toFree = append(c.toFree, data)
	}
}

// postRecv queues a receive for the next commit point and returns the
// placeholder tensor that the transport will fill.
func (c *commBatcher) postRecv(peer, slot int, grad bool) *tensor.Tensor {
	if peer < 0 {
		exceptions.Panicf("comm: receive from nonexistent peer (slot %d)", slot)
	}
	placeholder := tensor.New(c.chunkRows, c.chunkCols)
	c.recvs = append(c.recvs, Parcel{Peer: peer, Slot: slot, Grad: grad, Data: placeholder})
	return placeholder
}

// commitAndWait issues everything posted since the previous commit as
// one batch and blocks until the whole batch completes, then frees the
// storage of sent tensors marked for release. Committing with nothing
// pending is a no-op.
func (c *commBatcher) commitAndWait() {
	if len(c.sends) == 0 && len(c.recvs) == 0 {
		return
	}
	if err := c.transport.Exchange(c.sends, c.recvs); err != nil {
		exceptions.Panicf("comm: batched exchange failed: %+v", err)
	}
	c.sends = nil
	c.recvs = nil
	for _, t := range c.toFree {
		t.Release()
	}
	c.toFree = nil
}

// reset drops all pending state without issuing it.
func (c *commBatcher) reset() {
	c.sends = nil
	c.recvs = nil
	c.toFree = nil
}
