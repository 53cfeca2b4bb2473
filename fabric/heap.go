package fabric

import (
	"container/heap"

	"github.com/cosimnet/fabricsim/port"
)

// tsPacket is a heap entry: a packet keyed by timestamp, with an insertion
// sequence number so equal timestamps pop in push order.
type tsPacket struct {
	timestamp uint64
	seq       uint64
	sp        *port.SwitchPacket
}

// packetHeap is a min-heap over packet timestamps. It is the linearization
// point of the switch: every packet received in an epoch passes through it
// before any egress happens.
type packetHeap []tsPacket

var _ heap.Interface = (*packetHeap)(nil)

func (h packetHeap) Len() int {
	return len(h)
}

func (h packetHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].seq < h[j].seq
}

func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *packetHeap) Push(x interface{}) {
	*h = append(*h, x.(tsPacket))
}

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1].sp = nil
	*h = old[:n-1]
	return item
}
