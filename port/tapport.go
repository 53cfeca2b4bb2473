package port

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cosimnet/fabricsim/flit"
)

// tapRxBacklog bounds frames buffered between the TAP reader and the epoch
// loop. The host network is not cycle-accurate, so overflow drops are
// acceptable here and nowhere else.
const tapRxBacklog = 256

type netFlit struct {
	data []byte
	last bool
}

// TapPort bridges the switch to a host TAP device, so users can reach the
// simulated cluster (e.g. ssh into a node). The host side is lossy and
// unsynchronized; flits are staged through queues at the epoch boundary.
type TapPort struct {
	base Base
	dev  *water.Interface
	rx   chan []byte

	inFlits  []netFlit
	outFlits []netFlit

	sendBuf []byte
	sendIdx int
	canSend bool
}

var _ Port = (*TapPort)(nil)

// NewTap opens the named TAP device, brings the link up, and starts the
// reader.
func NewTap(number int, link flit.Params, linkLatency int, devName string) (*TapPort, error) {
	p := &TapPort{
		rx: make(chan []byte, tapRxBacklog),
	}
	p.base.Init(number, link, linkLatency, false)

	dev, e := water.New(water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: devName,
		},
	})
	if e != nil {
		return nil, fmt.Errorf("tap port %d open %s: %w", number, devName, e)
	}
	p.dev = dev

	tapLink, e := netlink.LinkByName(dev.Name())
	if e != nil {
		return nil, fmt.Errorf("tap port %d find link %s: %w", number, dev.Name(), e)
	}
	if e := netlink.LinkSetUp(tapLink); e != nil {
		return nil, fmt.Errorf("tap port %d set link up: %w", number, e)
	}

	logger.Info("creating tap port", zap.Int("port", number), zap.String("device", dev.Name()))

	bufBytes := p.base.BufBytes()
	p.base.CurrentInput = make([]byte, bufBytes)
	p.base.CurrentOutput = make([]byte, bufBytes)
	p.sendBuf = make([]byte, link.FlitBytes()*MaxPacketFlits(link))

	go p.rxLoop()
	return p, nil
}

// Base implements Port.
func (p *TapPort) Base() *Base {
	return &p.base
}

func (p *TapPort) rxLoop() {
	for {
		buf := make([]byte, NetIPAlign+EthMaxBytes)
		n, e := p.dev.Read(buf[NetIPAlign:])
		if e != nil {
			logger.Error("tap read", zap.Int("port", p.base.Number), zap.Error(e))
			close(p.rx)
			return
		}
		select {
		case p.rx <- buf[:NetIPAlign+n]:
		default:
			// epoch loop is behind; the host side tolerates loss
		}
	}
}

// Recv stages at most one host frame into flit slots of the coming epoch.
func (p *TapPort) Recv() error {
	for i := range p.base.CurrentInput {
		p.base.CurrentInput[i] = 0
	}

	fb := p.base.Link.FlitBytes()
	select {
	case frame, ok := <-p.rx:
		if !ok {
			return fmt.Errorf("tap port %d: device reader stopped", p.base.Number)
		}
		p.logFrame("tap rx frame", frame[NetIPAlign:])
		n := (len(frame) + fb - 1) / fb
		padded := make([]byte, n*fb)
		copy(padded, frame)
		for i := 0; i < n; i++ {
			p.inFlits = append(p.inFlits, netFlit{
				data: padded[i*fb : (i+1)*fb],
				last: i == n-1,
			})
		}
	default:
	}

	for tokenno := 0; tokenno < p.base.LinkLatency && len(p.inFlits) > 0; tokenno++ {
		flt := p.inFlits[0]
		p.inFlits = p.inFlits[1:]
		p.base.Link.WriteLast(p.base.CurrentInput, tokenno, flt.last)
		p.base.Link.WriteValid(p.base.CurrentInput, tokenno)
		p.base.Link.WriteFlit(p.base.CurrentInput, tokenno, flt.data)
	}
	return nil
}

// Send queues the epoch's valid flits and writes at most one completed frame
// to the TAP device per call; further frames stay queued for later epochs.
func (p *TapPort) Send() error {
	p.base.ClearEmptyMarker()

	fb := p.base.Link.FlitBytes()
	for tokenno := 0; tokenno < p.base.LinkLatency; tokenno++ {
		if !p.base.Link.IsValid(p.base.CurrentOutput, tokenno) {
			continue
		}
		data := make([]byte, fb)
		copy(data, p.base.Link.Flit(p.base.CurrentOutput, tokenno))
		p.outFlits = append(p.outFlits, netFlit{
			data: data,
			last: p.base.Link.IsLast(p.base.CurrentOutput, tokenno),
		})
	}

	if !p.canSend {
		for len(p.outFlits) > 0 {
			flt := p.outFlits[0]
			p.outFlits = p.outFlits[1:]
			copy(p.sendBuf[p.sendIdx*fb:], flt.data)
			p.sendIdx++
			if flt.last {
				p.canSend = true
				break
			}
		}
	}

	if p.canSend {
		frame := p.sendBuf[NetIPAlign : p.sendIdx*fb]
		p.logFrame("tap tx frame", frame)
		if _, e := p.dev.Write(frame); e != nil {
			return fmt.Errorf("tap port %d send: %w", p.base.Number, e)
		}
		p.sendIdx = 0
		p.canSend = false
	}

	for i := range p.base.CurrentOutput {
		p.base.CurrentOutput[i] = 0
	}
	return nil
}

func (p *TapPort) logFrame(msg string, frame []byte) {
	if ce := logger.Check(zapcore.DebugLevel, msg); ce != nil {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
		fields := []zapcore.Field{zap.Int("port", p.base.Number), zap.Int("len", len(frame))}
		if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok {
			fields = append(fields,
				zap.Stringer("src", eth.SrcMAC),
				zap.Stringer("dst", eth.DstMAC))
		}
		ce.Write(fields...)
	}
}

// TickPre implements Port.
func (p *TapPort) TickPre() {}

// Tick implements Port.
func (p *TapPort) Tick() {}

// Close closes the TAP device.
func (p *TapPort) Close() error {
	return p.dev.Close()
}
