// Package simnet runs a pipeline group on the discrete-event simulator:
// one goroutine per rank, exchanging tensor chunks as messages over a
// simulated network with configurable timing behavior.
package simnet

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Telsho/DualPipe/pipeline"
	"github.com/Telsho/DualPipe/simulator"
)

// packet is the wire form of one tensor parcel. Sequence numbers are
// assigned per traffic flow, so deliveries reordered by the network can
// be matched back up on the receiver.
type packet struct {
	slot       int
	grad       bool
	seq        int
	rows, cols int
	data       []float64
}

// flowKey identifies one unidirectional traffic flow with a peer.
type flowKey struct {
	peer int
	slot int
	grad bool
}

// Transport implements pipeline.Transport for one rank on a simulated
// network. It is driven from the rank's own simulated goroutine and
// must not be shared across goroutines.
type Transport struct {
	handle  *simulator.Handle
	network simulator.Network
	port    *simulator.Port
	ports   []*simulator.Port
	rank    int

	sendSeq map[flowKey]int
	recvSeq map[flowKey]int

	// pending buffers packets that arrived ahead of their parcel.
	pending map[flowKey]map[int]*packet

	totalBytes float64
}

// Rank returns the transport's group rank.
func (t *Transport) Rank() int { return t.rank }

// Handle returns the rank goroutine's event loop handle.
func (t *Transport) Handle() *simulator.Handle { return t.handle }

// TotalBytes returns the number of bytes this rank has sent so far.
func (t *Transport) TotalBytes() float64 { return t.totalBytes }

// Exchange implements pipeline.Transport. Sends go out as one batch;
// the call then blocks in virtual time until every posted receive has
// been matched by an arriving packet.
func (t *Transport) Exchange(sends, recvs []pipeline.Parcel) error {
	msgs := make([]*simulator.Message, 0, len(sends))
	for _, p := range sends {
		if p.Peer < 0 || p.Peer >= len(t.ports) {
			return errors.Errorf("send to rank %d outside the group of %d", p.Peer, len(t.ports))
		}
		key := flowKey{peer: p.Peer, slot: p.Slot, grad: p.Grad}
		// The payload is copied so the sender may release its tensor as
		// soon as Exchange returns, even though the network may deliver
		// much later in virtual time.
		data := make([]float64, len(p.Data.Data()))
		copy(data, p.Data.Data())
		pkt := &packet{
			slot: p.Slot,
			grad: p.Grad,
			seq:  t.sendSeq[key],
			rows: p.Data.Rows(),
			cols: p.Data.Cols(),
			data: data,
		}
		t.sendSeq[key]++
		size := float64(len(data) * 8)
		t.totalBytes += size
		msgs = append(msgs, &simulator.Message{
			Source:  t.port,
			Dest:    t.ports[p.Peer],
			Message: pkt,
			Size:    size,
		})
	}
	if len(msgs) > 0 {
		t.network.Send(t.handle, msgs...)
	}
	klog.V(3).Infof("rank %d: exchange: %d sends, %d recvs", t.rank, len(sends), len(recvs))

	for _, p := range recvs {
		if p.Peer < 0 || p.Peer >= len(t.ports) {
			return errors.Errorf("receive from rank %d outside the group of %d", p.Peer, len(t.ports))
		}
		key := flowKey{peer: p.Peer, slot: p.Slot, grad: p.Grad}
		seq := t.recvSeq[key]
		t.recvSeq[key]++
		pkt, err := t.await(key, seq)
		if err != nil {
			return err
		}
		if pkt.rows != p.Data.Rows() || pkt.cols != p.Data.Cols() {
			return errors.Errorf("rank %d sent a %dx%d chunk where a %dx%d chunk was expected",
				p.Peer, pkt.rows, pkt.cols, p.Data.Rows(), p.Data.Cols())
		}
		copy(p.Data.Data(), pkt.data)
	}
	return nil
}

// await blocks until the packet with the given flow and sequence number
// arrives, buffering any packets delivered out of order along the way.
func (t *Transport) await(key flowKey, seq int) (*packet, error) {
	for {
		if flow := t.pending[key]; flow != nil {
			if pkt, ok := flow[seq]; ok {
				delete(flow, seq)
				return pkt, nil
			}
		}
		msg := t.port.Recv(t.handle)
		pkt, ok := msg.Message.(*packet)
		if !ok {
			return nil, errors.Errorf("unexpected message type %T on rank %d", msg.Message, t.rank)
		}
		source := -1
		for i, port := range t.ports {
			if port == msg.Source {
				source = i
				break
			}
		}
		if source < 0 {
			return nil, errors.New("message from a port outside the group")
		}
		arrived := flowKey{peer: source, slot: pkt.slot, grad: pkt.grad}
		if t.pending[arrived] == nil {
			t.pending[arrived] = map[int]*packet{}
		}
		t.pending[arrived][pkt.seq] = pkt
	}
}

// SpawnRanks creates one node port per rank and calls f for each rank
// in its own simulated goroutine, passing a Transport wired to all the
// others. It returns immediately; run the event loop to completion to
// run the ranks.
func SpawnRanks(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(t *Transport)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		rank := i
		loop.Go(func(h *simulator.Handle) {
			f(&Transport{
				handle:  h,
				network: network,
				port:    ports[rank],
				ports:   ports,
				rank:    rank,
				sendSeq: map[flowKey]int{},
				recvSeq: map[flowKey]int{},
				pending: map[flowKey]map[int]*packet{},
			})
		})
	}
}
