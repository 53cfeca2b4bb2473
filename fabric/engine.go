// Package fabric implements the multi-port switch engine.
//
// The switch advances simulated time in link-latency epochs. Each epoch it
// drains one token stream from every port, reorders the assembled packets
// globally by arrival timestamp, routes them by destination MAC, and refills
// every port's outbound stream. Ports run their receive/transmit and
// decode/encode phases in parallel; only the reorder-and-route step is serial.
package fabric

import (
	"container/heap"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cosimnet/fabricsim/core/logging"
	"github.com/cosimnet/fabricsim/flit"
	"github.com/cosimnet/fabricsim/port"
	"github.com/cosimnet/fabricsim/ratelimit"
)

var logger = logging.New("fabric")

// MaxBandwidth is the platform's link bandwidth ceiling in Gbps; the
// configured bandwidth is expressed as a fraction of it.
const MaxBandwidth = 200

// Config carries the switch's command-line parameters.
type Config struct {
	// LinkLatency is the epoch length in cycles (= flits per epoch).
	LinkLatency int

	// SwitchLatency is the minimum port-to-port latency in cycles.
	SwitchLatency int

	// BandwidthGbps throttles per-port egress bandwidth.
	BandwidthGbps int

	// OutputBufSize, when positive, drops a packet at egress when its first
	// flit would leave more than OutputBufSize slots after its timestamp.
	// Dropped packets are not held for a later epoch, and the number of flits
	// waiting in an output queue is not itself bounded.
	OutputBufSize int64
}

// Engine is the switch: a set of ports, a MAC table, and the epoch clock.
type Engine struct {
	cfg   Config
	link  flit.Params
	ports []port.Port
	table *Table

	throttleNumer int
	throttleDenom int

	epochStart uint64
	pqueue     packetHeap
	seq        uint64
}

// New validates the configuration and assembles an engine.
func New(cfg Config, link flit.Params, ports []port.Port, table *Table) (*Engine, error) {
	if e := link.CheckLinkLatency(cfg.LinkLatency); e != nil {
		return nil, e
	}
	if cfg.SwitchLatency < 0 {
		return nil, fmt.Errorf("switch latency %d must not be negative", cfg.SwitchLatency)
	}
	if cfg.BandwidthGbps <= 0 || cfg.BandwidthGbps > MaxBandwidth {
		return nil, fmt.Errorf("bandwidth %d out of range (0, %d]", cfg.BandwidthGbps, MaxBandwidth)
	}
	if len(ports) != table.NumDownlinks()+table.NumUplinks() {
		return nil, fmt.Errorf("have %d ports, table expects %d", len(ports), table.NumDownlinks()+table.NumUplinks())
	}

	en := &Engine{
		cfg:   cfg,
		link:  link,
		ports: ports,
		table: table,
	}
	en.throttleNumer, en.throttleDenom = ratelimit.Reduce(cfg.BandwidthGbps, MaxBandwidth)

	logger.Info("switch configured",
		zap.Int("linkLatency", cfg.LinkLatency),
		zap.Int("switchLatency", cfg.SwitchLatency),
		zap.Int("throttleNumer", en.throttleNumer),
		zap.Int("throttleDenom", en.throttleDenom),
		zap.Int("nPorts", len(ports)))
	return en, nil
}

// EpochStart returns the simulated cycle at which the current epoch begins.
func (en *Engine) EpochStart() uint64 {
	return en.epochStart
}

// Ports returns the engine's ports.
func (en *Engine) Ports() []port.Port {
	return en.ports
}

// Run drives epochs until a port fails. There is no graceful shutdown; the
// switch runs for the simulation's lifetime.
func (en *Engine) Run() error {
	for {
		if e := en.Epoch(); e != nil {
			return e
		}
	}
}

// Epoch advances the switch by one link-latency window.
func (en *Engine) Epoch() error {
	if e := en.parallel(port.Port.Send); e != nil {
		return e
	}
	if e := en.parallel(port.Port.Recv); e != nil {
		return e
	}
	en.parallelDo(port.Port.TickPre)

	if e := en.doSwitching(); e != nil {
		return e
	}

	en.epochStart += uint64(en.cfg.LinkLatency)

	en.parallelDo(port.Port.Tick)

	if ce := logger.Check(zapcore.DebugLevel, "epoch complete"); ce != nil {
		fields := []zapcore.Field{zap.Uint64("epochStart", en.epochStart)}
		for _, p := range en.ports {
			b := p.Base()
			fields = append(fields, zap.Stringer(fmt.Sprintf("port%d", b.Number), b.Counters))
		}
		ce.Write(fields...)
	}
	return nil
}

// doSwitching runs the CPU-bound phases: clear outbound buffers, decode each
// port's inbound stream into packets, reorder and route globally, then encode
// outbound streams.
func (en *Engine) doSwitching() error {
	en.parallelDo(func(p port.Port) {
		p.Base().SetupSendBuf()
	})

	if e := en.parallel(en.ingress); e != nil {
		return e
	}

	en.reorderAndRoute()

	egress := port.EgressParams{
		EpochStart:    en.epochStart,
		ThrottleNumer: en.throttleNumer,
		ThrottleDenom: en.throttleDenom,
		OutputBufSize: en.cfg.OutputBufSize,
	}
	en.parallelDo(func(p port.Port) {
		p.Base().WriteFlitsToOutput(egress)
	})
	return nil
}

// ingress decodes one port's inbound token stream into packets.
func (en *Engine) ingress(p port.Port) error {
	b := p.Base()
	maxFlits := port.MaxPacketFlits(en.link)

	for tokenno := 0; tokenno < en.cfg.LinkLatency; tokenno++ {
		if !en.link.IsValid(b.CurrentInput, tokenno) {
			continue
		}
		b.Counters.RxFlits++

		if b.InputInProgress == nil {
			// switching latency is injected here: min port-to-port latency
			b.InputInProgress = port.NewSwitchPacket(en.link,
				en.epochStart+uint64(tokenno)+uint64(en.cfg.SwitchLatency), b.Number)
		}
		sp := b.InputInProgress
		if sp.AmtWritten == maxFlits {
			return fmt.Errorf("port %d: packet exceeds %d flits without last", b.Number, maxFlits)
		}
		sp.Append(en.link, en.link.Flit(b.CurrentInput, tokenno))

		if en.link.IsLast(b.CurrentInput, tokenno) {
			b.PushInput(sp)
			b.InputInProgress = nil
			b.Counters.RxPackets++
		}
	}
	return nil
}

// reorderAndRoute is the serial phase: all packets of this epoch pass through
// the timestamp heap, then move to their destination ports' output queues.
func (en *Engine) reorderAndRoute() {
	for _, p := range en.ports {
		for _, sp := range p.Base().DrainInput() {
			heap.Push(&en.pqueue, tsPacket{timestamp: sp.Timestamp, seq: en.seq, sp: sp})
			en.seq++
		}
	}

	for en.pqueue.Len() > 0 {
		sp := heap.Pop(&en.pqueue).(tsPacket).sp

		dest := en.table.Dest(sp.Flit(en.link, 0))
		switch {
		case dest == Broadcast:
			en.broadcast(sp)
		case dest < 0:
			logger.Debug("no route for destination, dropping packet",
				zap.Int("sender", sp.Sender),
				zap.Uint64("timestamp", sp.Timestamp))
			en.ports[sp.Sender].Base().Counters.Drops++
		default:
			en.ports[dest].Base().PushOutput(sp)
		}
	}
}

// broadcast deep-copies the packet to every downlink plus the zeroth uplink,
// except the sender. Other uplinks never receive a copy; a packet that arrived
// on the zeroth uplink is not sent upward again, while one that arrived on
// another uplink is still copied to the zeroth uplink.
func (en *Engine) broadcast(sp *port.SwitchPacket) {
	fanout := en.table.NumDownlinks()
	if en.table.NumUplinks() > 0 {
		fanout++
	}
	for i := 0; i < fanout; i++ {
		if i == sp.Sender {
			continue
		}
		en.ports[i].Base().PushOutput(sp.Clone())
	}
}

// parallel forks one worker per port and joins at the phase boundary.
func (en *Engine) parallel(f func(p port.Port) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(en.ports))
	for i, p := range en.ports {
		wg.Add(1)
		go func(i int, p port.Port) {
			defer wg.Done()
			errs[i] = f(p)
		}(i, p)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

func (en *Engine) parallelDo(f func(p port.Port)) {
	var wg sync.WaitGroup
	for _, p := range en.ports {
		wg.Add(1)
		go func(p port.Port) {
			defer wg.Done()
			f(p)
		}(p)
	}
	wg.Wait()
}
