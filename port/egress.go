package port

import (
	"encoding/binary"

	"github.com/pkg/math"
	"go.uber.org/zap"
)

// EgressParams carries the epoch context the encoder needs from the engine.
type EgressParams struct {
	// EpochStart is the simulated cycle at which this epoch begins.
	EpochStart uint64

	// ThrottleNumer and ThrottleDenom bound valid slots to numer out of every
	// denom, on ports with Throttled set.
	ThrottleNumer int
	ThrottleDenom int

	// OutputBufSize, when positive, caps how late a packet's first flit may be
	// relative to its timestamp, in flits; packets beyond it are dropped as
	// buffer overflows.
	OutputBufSize int64
}

// WriteFlitsToOutput drains the output queue into CurrentOutput.
//
// The output buffer's valids have been cleared, so writing nothing is the same
// as an epoch of invalid flits. Packets are taken from the queue head until one
// cannot be placed, either because its timestamp lies beyond this epoch or the
// buffer is out of slots. A packet that only partially fits stays at the head
// with AmtRead advanced.
func (b *Base) WriteFlitsToOutput(e EgressParams) {
	var flitswritten uint64
	basetime := e.EpochStart
	maxtime := e.EpochStart + uint64(b.LinkLatency)

	emptyBuf := true

	for len(b.OutputQueue) > 0 {
		thispacket := b.OutputQueue[0]
		outputtimestamp := thispacket.Timestamp

		if outputtimestamp >= maxtime {
			// queue is time-ordered, nothing else can be placed this epoch
			break
		}

		if e.OutputBufSize > 0 {
			// buffer-size throttling, based on input time of the first flit
			diff := int64(basetime+flitswritten) - int64(outputtimestamp)
			if thispacket.AmtRead == 0 && diff > e.OutputBufSize {
				logger.Debug("output buffer overflow, dropping packet",
					zap.Int("port", b.Number),
					zap.Uint64("intendedTimestamp", outputtimestamp),
					zap.Uint64("currentTimestamp", basetime+flitswritten))
				b.OutputQueue = b.OutputQueue[1:]
				b.Counters.Drops++
				continue
			}
		}

		// advance the cursor to the packet's earliest permitted slot
		var timestampdiff uint64
		if outputtimestamp > basetime {
			timestampdiff = outputtimestamp - basetime
		}
		flitswritten = math.MaxUint64(flitswritten, timestampdiff)

		i := thispacket.AmtRead
		for ; i < thispacket.AmtWritten && flitswritten < uint64(b.LinkLatency); i++ {
			slot := int(flitswritten)
			b.Link.WriteLast(b.CurrentOutput, slot, i == thispacket.AmtWritten-1)
			b.Link.WriteValid(b.CurrentOutput, slot)
			b.Link.WriteFlit(b.CurrentOutput, slot, thispacket.Flit(b.Link, i))
			emptyBuf = false
			b.Counters.TxFlits++

			switch {
			case !b.Throttled:
				flitswritten++
			case (i+1)%e.ThrottleNumer == 0:
				flitswritten += uint64(e.ThrottleDenom - e.ThrottleNumer + 1)
			default:
				flitswritten++
			}
		}

		if i == thispacket.AmtWritten {
			b.OutputQueue = b.OutputQueue[1:]
			b.Counters.TxPackets++
		} else {
			// out of slots; resume this packet next epoch
			thispacket.AmtRead = i
			break
		}
	}

	if emptyBuf {
		binary.LittleEndian.PutUint64(b.CurrentOutput, EmptyMarker)
	}
}

// ClearEmptyMarker removes the empty-epoch marker from the output buffer.
// Backends that transmit full epochs must call this before sending; leaving
// the marker in place would corrupt the first control lane.
func (b *Base) ClearEmptyMarker() {
	if binary.LittleEndian.Uint64(b.CurrentOutput) == EmptyMarker {
		binary.LittleEndian.PutUint64(b.CurrentOutput, 0)
	}
}
