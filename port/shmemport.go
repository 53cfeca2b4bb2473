package port

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cosimnet/fabricsim/flit"
	"github.com/cosimnet/fabricsim/shmem"
)

// ShmemPort exchanges epochs with a peer process through double-buffered
// shared-memory regions named /port_nts<name>_<j> and /port_stn<name>_<j>.
//
// A downlink port creates the regions (its peer is a NIC endpoint driver that
// opens them); an uplink port opens regions created by the switch above it,
// retrying until that switch has come up.
type ShmemPort struct {
	base         Base
	recvBufs     [2]*shmem.Region
	sendBufs     [2]*shmem.Region
	currentRound int
}

var _ Port = (*ShmemPort)(nil)

// NewShmem creates a shared-memory port.
func NewShmem(number int, link flit.Params, linkLatency int, name string, uplink bool) (*ShmemPort, error) {
	p := &ShmemPort{}
	p.base.Init(number, link, linkLatency, !uplink)

	recvDirection, sendDirection := "nts", "stn"
	if uplink {
		recvDirection, sendDirection = "stn", "nts"
	}
	logger.Info("creating shmem port",
		zap.Int("port", number),
		zap.String("name", name),
		zap.Bool("uplink", uplink))

	bufBytes := p.base.BufBytes()
	for j := 0; j < 2; j++ {
		var e error
		if p.recvBufs[j], e = attachRegion(fmt.Sprintf("/port_%s%s_%d", recvDirection, name, j), bufBytes, uplink); e != nil {
			return nil, e
		}
		if p.sendBufs[j], e = attachRegion(fmt.Sprintf("/port_%s%s_%d", sendDirection, name, j), bufBytes, uplink); e != nil {
			return nil, e
		}
	}

	p.base.CurrentInput = p.recvBufs[0].Payload()
	p.base.CurrentOutput = p.sendBufs[0].Payload()
	return p, nil
}

// attachRegion creates the region on a downlink, or opens the peer's region on
// an uplink, retrying while the peer has not created it yet.
func attachRegion(name string, bufBytes int, uplink bool) (*shmem.Region, error) {
	if !uplink {
		return shmem.Create(name, bufBytes)
	}
	for {
		r, e := shmem.Open(name, bufBytes)
		if e == nil {
			return r, nil
		}
		logger.Info("uplink region not ready, retrying", zap.String("region", name), zap.Error(e))
		time.Sleep(time.Second)
	}
}

// Base implements Port.
func (p *ShmemPort) Base() *Base {
	return &p.base
}

// Send releases the current output buffer to the peer.
func (p *ShmemPort) Send() error {
	// this backend transmits full epochs, so the compress marker must go
	p.base.ClearEmptyMarker()
	p.sendBufs[p.currentRound].SetFlag(1)
	return nil
}

// Recv spins until the peer has produced the current input buffer.
func (p *ShmemPort) Recv() error {
	p.recvBufs[p.currentRound].SpinFlag(1)
	return nil
}

// TickPre flips to the other output buffer for the coming epoch.
func (p *ShmemPort) TickPre() {
	p.currentRound = (p.currentRound + 1) % 2
	p.base.CurrentOutput = p.sendBufs[p.currentRound].Payload()
}

// Tick returns the drained input buffer to the peer and flips to the other.
func (p *ShmemPort) Tick() {
	p.recvBufs[(p.currentRound+1)%2].SetFlag(0)
	p.base.CurrentInput = p.recvBufs[p.currentRound].Payload()
}

// Close unmaps all regions.
func (p *ShmemPort) Close() (e error) {
	for j := 0; j < 2; j++ {
		e = multierr.Append(e, p.recvBufs[j].Close())
		e = multierr.Append(e, p.sendBufs[j].Close())
	}
	return e
}
