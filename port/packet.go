// Package port implements the switch's port backends.
//
// Every port owns a pair of epoch-sized token-stream buffers plus the packet
// queues used by the switching phases. Backends differ only in how an epoch
// is exchanged with the peer: shared memory, TCP socket, or a host TAP device.
package port

import (
	"github.com/cosimnet/fabricsim/core/logging"
	"github.com/cosimnet/fabricsim/flit"
)

var logger = logging.New("port")

// Ethernet frame sizing.
const (
	EthMaxBytes = 1518

	// NetIPAlign offsets frames within flit payloads so the IP header lands
	// word-aligned, matching the RTL's expectation.
	NetIPAlign = 2

	// ethExtraFlits pads the packet buffer beyond the largest frame.
	ethExtraFlits = 10
)

// MaxPacketFlits returns the payload capacity, in flits, of a SwitchPacket.
func MaxPacketFlits(link flit.Params) int {
	ethMaxWords := (EthMaxBytes + link.FlitBytes() - 1) / link.FlitBytes()
	return ethMaxWords + ethExtraFlits
}

// SwitchPacket is an in-flight packet being assembled from or emitted into
// flit slots. It is owned by exactly one queue at a time.
type SwitchPacket struct {
	// Timestamp is the simulated cycle of the first flit's arrival plus the
	// switching latency.
	Timestamp uint64

	// Sender is the ingress port index.
	Sender int

	// Dat is the payload, AmtWritten flits of it populated.
	Dat []byte

	// AmtWritten counts flits appended during ingress.
	AmtWritten int

	// AmtRead counts flits already emitted, for packets spanning epochs.
	AmtRead int
}

// NewSwitchPacket allocates a packet with a full-sized payload buffer.
func NewSwitchPacket(link flit.Params, timestamp uint64, sender int) *SwitchPacket {
	return &SwitchPacket{
		Timestamp: timestamp,
		Sender:    sender,
		Dat:       make([]byte, link.FlitBytes()*MaxPacketFlits(link)),
	}
}

// Append copies one flit into the payload during ingress assembly.
func (sp *SwitchPacket) Append(link flit.Params, src []byte) {
	fb := link.FlitBytes()
	copy(sp.Dat[sp.AmtWritten*fb:], src[:fb])
	sp.AmtWritten++
}

// Flit returns payload flit i.
func (sp *SwitchPacket) Flit(link flit.Params, i int) []byte {
	fb := link.FlitBytes()
	return sp.Dat[i*fb : (i+1)*fb]
}

// Clone deep-copies the packet, header and payload. Broadcast fan-out hands
// each recipient an independent copy.
func (sp *SwitchPacket) Clone() *SwitchPacket {
	dup := *sp
	dup.Dat = make([]byte, len(sp.Dat))
	copy(dup.Dat, sp.Dat)
	return &dup
}
