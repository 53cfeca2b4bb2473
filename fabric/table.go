package fabric

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"

	"github.com/cosimnet/fabricsim/core/macaddr"
)

// Broadcast is the routing sentinel for multicast/broadcast destinations.
const Broadcast = 0xFFFF

// AnyUplink is the table entry meaning "route to a uniformly random uplink".
// It equals the number of downlinks, one past the last downlink index.
func (t *Table) AnyUplink() int {
	return t.numDownlinks
}

// Table maps destination MAC keys to port indices. Ports are numbered with
// all downlinks first, then all uplinks.
type Table struct {
	entries      [1 << 16]int16
	numDownlinks int
	numUplinks   int
	rng          *rand.Rand
}

const tableUnknown = -1

// NewTable creates an empty table for the given port split. rng drives random
// uplink selection; nil seeds a deterministic source.
func NewTable(numDownlinks, numUplinks int, rng *rand.Rand) *Table {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	t := &Table{
		numDownlinks: numDownlinks,
		numUplinks:   numUplinks,
		rng:          rng,
	}
	for i := range t.entries {
		t.entries[i] = tableUnknown
	}
	return t
}

// Key derives the table index of a MAC-48 address: its two low octets in
// network order. The fleet's MAC assignment scheme keeps these unique.
func Key(a net.HardwareAddr) uint16 {
	if !macaddr.IsValid(a) {
		return 0
	}
	return uint16(a[4])<<8 | uint16(a[5])
}

// Add maps a MAC address to a port index, or to AnyUplink when portNo equals
// the downlink count.
func (t *Table) Add(a net.HardwareAddr, portNo int) error {
	if portNo < 0 || portNo > t.numDownlinks {
		return fmt.Errorf("mac %s: port %d out of range [0, %d]", a, portNo, t.numDownlinks)
	}
	t.entries[Key(a)] = int16(portNo)
	return nil
}

// Dest extracts the routing decision from a packet's first flit.
// Bit 16 of the first flit word is the multicast/broadcast flag; bits 48-63
// hold the byte-swapped MAC key. Returns Broadcast, a port index, or -1 when
// the destination is unknown and no uplink can take it.
func (t *Table) Dest(firstFlit []byte) int {
	word := binary.LittleEndian.Uint64(firstFlit[:8])
	if (word>>16)&1 != 0 {
		return Broadcast
	}

	flitLow := uint16(word >> 48)
	key := flitLow>>8 | flitLow<<8

	entry := int(t.entries[key])
	if entry == tableUnknown {
		if t.numUplinks == 0 {
			return -1
		}
		entry = t.AnyUplink()
	}
	if entry == t.AnyUplink() {
		if t.numUplinks == 0 {
			return -1
		}
		return t.numDownlinks + t.rng.Intn(t.numUplinks)
	}
	return entry
}

// NumDownlinks returns the downlink count.
func (t *Table) NumDownlinks() int {
	return t.numDownlinks
}

// NumUplinks returns the uplink count.
func (t *Table) NumUplinks() int {
	return t.numUplinks
}
