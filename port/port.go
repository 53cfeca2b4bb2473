package port

import (
	"fmt"

	"github.com/cosimnet/fabricsim/flit"
)

// EmptyMarker is written into a buffer's first word when an epoch carries no
// valid flit. Stream-compressing peers use it to elide empty epochs; other
// backends must clear it before transmission.
const EmptyMarker uint64 = 0xDEADBEEFDEADBEEF

// Port is one switch port. The switching engine drives the common Base record
// through the per-epoch phases; backends implement the peer exchange.
type Port interface {
	// Base exposes the common port record.
	Base() *Base

	// Send flushes CurrentOutput to the peer.
	Send() error

	// Recv blocks until CurrentInput holds one epoch from the peer.
	Recv() error

	// TickPre runs backend bookkeeping before the switching phases.
	TickPre()

	// Tick runs backend bookkeeping after the switching phases.
	Tick()

	// Close releases backend resources.
	Close() error
}

// Counters tracks per-port totals.
type Counters struct {
	RxFlits   uint64 `json:"rxFlits"`
	TxFlits   uint64 `json:"txFlits"`
	RxPackets uint64 `json:"rxPackets"`
	TxPackets uint64 `json:"txPackets"`
	Drops     uint64 `json:"drops"`
}

func (cnt Counters) String() string {
	return fmt.Sprintf("%drxflits %dtxflits %drxpkts %dtxpkts %ddrops",
		cnt.RxFlits, cnt.TxFlits, cnt.RxPackets, cnt.TxPackets, cnt.Drops)
}

// Base is the state every port carries regardless of backend.
type Base struct {
	// Number is the port index within the switch.
	Number int

	// Link is the token geometry of this port's streams.
	Link flit.Params

	// LinkLatency is the epoch length in flits.
	LinkLatency int

	// Throttled enables the egress bandwidth throttle on this port.
	Throttled bool

	// CurrentInput and CurrentOutput are the epoch buffers the switching
	// phases operate on. Backends that double-buffer reassign these each
	// iteration of the outer loop.
	CurrentInput  []byte
	CurrentOutput []byte

	// InputInProgress is the packet being assembled across flit slots, nil
	// when the next valid flit starts a new packet.
	InputInProgress *SwitchPacket

	// InputQueue holds packets fully received this epoch, in arrival order.
	InputQueue []*SwitchPacket

	// OutputQueue holds packets routed to this port awaiting emission,
	// already ordered by timestamp by the serial switching phase.
	OutputQueue []*SwitchPacket

	// Counters accumulates totals for this port.
	Counters Counters
}

// Init fills in the derived fields common to all backends.
func (b *Base) Init(number int, link flit.Params, linkLatency int, throttled bool) {
	b.Number = number
	b.Link = link
	b.LinkLatency = linkLatency
	b.Throttled = throttled
}

// BufBytes returns the byte size of one epoch buffer.
func (b *Base) BufBytes() int {
	return b.Link.BufBytes(b.LinkLatency)
}

// SetupSendBuf clears CurrentOutput's control lanes so an untouched slot
// reads as an invalid flit.
func (b *Base) SetupSendBuf() {
	b.Link.ClearControl(b.CurrentOutput)
}

// PushInput appends a completed packet to the input queue.
func (b *Base) PushInput(sp *SwitchPacket) {
	b.InputQueue = append(b.InputQueue, sp)
}

// PushOutput appends a routed packet to the output queue.
func (b *Base) PushOutput(sp *SwitchPacket) {
	b.OutputQueue = append(b.OutputQueue, sp)
}

// DrainInput empties the input queue, returning packets in arrival order.
func (b *Base) DrainInput() []*SwitchPacket {
	q := b.InputQueue
	b.InputQueue = nil
	return q
}
