// Package nic implements the host-side companion of a simulated NIC widget.
//
// The driver pumps big-tokens between the FPGA's DMA interface and the
// shared-memory rings a switch consumes, one link-latency epoch at a time.
// It owns no simulated time of its own: progress is driven entirely by token
// availability on the FPGA side and the peer's handshake bytes.
package nic

import (
	"github.com/cosimnet/fabricsim/core/logging"
)

var logger = logging.New("nic")

// Platform constants of the NIC widget.
const (
	// MaxBandwidth is the link bandwidth ceiling in Gbps.
	MaxBandwidth = 800

	// MaxBandwidthBits is the register field width holding a bandwidth value.
	MaxBandwidthBits = 10

	// BufWidthBytes is the DMA beat size: one big-token per beat.
	BufWidthBytes = 64
)

// RegisterMap holds the MMIO addresses of the NIC widget's registers.
type RegisterMap struct {
	// MACAddrUpper takes the upper 16 bits of the little-endian MAC.
	MACAddrUpper uint32

	// MACAddrLower takes the lower 32 bits of the little-endian MAC.
	MACAddrLower uint32

	// RlimitSettings takes the packed rate-limit descriptor.
	RlimitSettings uint32

	// OutgoingCount reads how many big-tokens the FPGA has produced.
	OutgoingCount uint32

	// IncomingCount reads how many big-tokens are buffered toward the FPGA.
	IncomingCount uint32
}

// MMIO accesses the widget's control registers.
type MMIO interface {
	Read(addr uint32) uint32
	Write(addr uint32, value uint32)
}

// DMA moves big-tokens across the FPGA's bulk interface. A transfer shorter
// than requested desynchronizes simulated time and is fatal to the caller.
type DMA interface {
	// Push writes len(src) bytes toward the FPGA, returning bytes written.
	Push(addr uint64, src []byte) (int, error)

	// Pull reads len(dst) bytes from the FPGA, returning bytes read.
	Pull(addr uint64, dst []byte) (int, error)
}
