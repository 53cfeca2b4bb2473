package nic

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/math"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cosimnet/fabricsim/core/macaddr"
	"github.com/cosimnet/fabricsim/flit"
	"github.com/cosimnet/fabricsim/ratelimit"
	"github.com/cosimnet/fabricsim/shmem"
)

// ring is one direction of one round: a shared-memory region toward the
// switch, or a plain allocation in loopback mode.
type ring struct {
	mem    []byte
	region *shmem.Region
}

func (r ring) payload() []byte {
	if r.region != nil {
		return r.region.Payload()
	}
	return r.mem[:len(r.mem)-1]
}

func (r ring) setFlag(v byte) {
	if r.region != nil {
		r.region.SetFlag(v)
		return
	}
	r.mem[len(r.mem)-1] = v
}

func (r ring) spinFlag(v byte) {
	r.region.SpinFlag(v)
}

func (r ring) close() error {
	if r.region != nil {
		return r.region.Close()
	}
	return nil
}

// Driver pumps big-tokens between one FPGA-hosted NIC widget and its switch
// port. It is single-threaded; run one Driver per endpoint.
type Driver struct {
	cfg     Config
	link    flit.Params
	mmio    MMIO
	regs    RegisterMap
	dma     DMA
	dmaAddr uint64

	simLatencyBT int
	bufBytes     int

	readRings    [2]ring // toward the switch: filled by DMA pull
	writeRings   [2]ring // from the switch: drained by DMA push
	currentRound int

	nlog    *zap.Logger
	logFile *os.File

	nextTokenFromFPGA uint32
	timeElapsed       uint64
	iter              uint64
}

// New sets up an endpoint driver: its epoch buffers (shared-memory rings, or
// aliased local buffers in loopback) and its NIC log.
func New(cfg Config, mmio MMIO, regs RegisterMap, dma DMA, dmaAddr uint64) (*Driver, error) {
	if e := cfg.Validate(); e != nil {
		return nil, e
	}

	d := &Driver{
		cfg:     cfg,
		link:    flit.NICLink,
		mmio:    mmio,
		regs:    regs,
		dma:     dma,
		dmaAddr: dmaAddr,
	}
	if e := d.link.CheckLinkLatency(cfg.LinkLatency); e != nil {
		return nil, e
	}
	d.simLatencyBT = cfg.LinkLatency / d.link.TokensPerBigToken()
	d.bufBytes = d.simLatencyBT * BufWidthBytes

	d.nlog = zap.NewNop()
	if cfg.LogPath != "" {
		f, e := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if e != nil {
			return nil, fmt.Errorf("open NIC log: %w", e)
		}
		d.logFile = f
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(f),
			zap.DebugLevel,
		)
		d.nlog = zap.New(core)
	}

	if cfg.Loopback {
		for j := 0; j < 2; j++ {
			mem := make([]byte, d.bufBytes+1)
			// inbound and outbound alias: what goes to the FPGA is what it
			// next reads back
			d.readRings[j] = ring{mem: mem}
			d.writeRings[j] = ring{mem: mem}
		}
	} else {
		for j := 0; j < 2; j++ {
			r, e := shmem.OpenOrCreate(fmt.Sprintf("/port_nts%s_%d", cfg.ShmemPortName, j), d.bufBytes)
			if e != nil {
				return nil, e
			}
			d.readRings[j] = ring{region: r}
			w, e := shmem.OpenOrCreate(fmt.Sprintf("/port_stn%s_%d", cfg.ShmemPortName, j), d.bufBytes)
			if e != nil {
				return nil, e
			}
			d.writeRings[j] = ring{region: w}
		}
	}

	logger.Info("endpoint driver created",
		zap.String("mac", cfg.MAC.String()),
		zap.Int("linkLatency", cfg.LinkLatency),
		zap.Int("simLatencyBT", d.simLatencyBT),
		zap.Int("bufBytes", d.bufBytes),
		zap.Bool("loopback", cfg.Loopback))
	return d, nil
}

// Init programs the widget and primes the link pipeline.
//
// The widget must report an empty inbound queue and, when a big-token holds a
// single flit, exactly the one token it pre-injects on startup. Anything else
// means host and FPGA disagree about simulated time before it even starts.
func (d *Driver) Init() error {
	mac := macaddr.ToUint64(d.cfg.MAC)
	d.mmio.Write(d.regs.MACAddrUpper, uint32(mac>>32)&0xFFFF)
	d.mmio.Write(d.regs.MACAddrLower, uint32(mac))

	desc, e := ratelimit.New(d.cfg.BandwidthGbps, MaxBandwidth, d.cfg.Burst)
	if e != nil {
		return e
	}
	d.mmio.Write(d.regs.RlimitSettings, desc.Pack(MaxBandwidthBits))
	logger.Info("rate limit programmed", zap.Stringer("descriptor", desc))

	outputTokensAvailable := int(d.mmio.Read(d.regs.OutgoingCount))
	inputTokenCapacity := d.simLatencyBT - int(d.mmio.Read(d.regs.IncomingCount))

	expectedOutgoing := 0
	if d.link.TokensPerBigToken() == 1 {
		expectedOutgoing = 1
	}
	if inputTokenCapacity != d.simLatencyBT || outputTokensAvailable != expectedOutgoing {
		return fmt.Errorf("incorrect tokens on boot: %d produced tokens available, %d input slots available",
			outputTokensAvailable, inputTokenCapacity)
	}
	d.nlog.Info("boot token check passed", zap.Int("inputTokenCapacity", inputTokenCapacity))

	prime := d.writeRings[1].payload()[:inputTokenCapacity*BufWidthBytes]
	n, e := d.dma.Push(d.dmaAddr, prime)
	if e != nil {
		return fmt.Errorf("priming push: %w", e)
	}
	if n != len(prime) {
		return fmt.Errorf("priming push: wrote %d bytes, wanted %d", n, len(prime))
	}
	return nil
}

// Tick pumps full epochs while the FPGA has one ready, returning when it does
// not. Any transfer mismatch is fatal: the cycle-accurate invariant cannot be
// re-established once tokens are lost.
func (d *Driver) Tick() error {
	for {
		outputTokensAvailable := int(d.mmio.Read(d.regs.OutgoingCount))
		inputTokenCapacity := d.simLatencyBT - int(d.mmio.Read(d.regs.IncomingCount))
		tokensThisRound := math.MinInt(outputTokensAvailable, inputTokenCapacity)

		d.nlog.Debug("tokens this round", zap.Int("tokens", tokensThisRound))
		if tokensThisRound != d.simLatencyBT {
			d.nlog.Debug("epoch not ready",
				zap.Int("outputAvailable", outputTokensAvailable),
				zap.Int("inputCapacity", inputTokenCapacity))
			return nil
		}

		d.iter++
		d.nlog.Debug("read fpga iter", zap.Uint64("iter", d.iter))

		readRing := d.readRings[d.currentRound]
		n, e := d.dma.Pull(d.dmaAddr, readRing.payload())
		if e != nil {
			return fmt.Errorf("reading tokens out: %w", e)
		}
		if n != d.bufBytes {
			return fmt.Errorf("reading tokens out: read %d bytes, wanted %d", n, d.bufBytes)
		}

		if d.cfg.TokenVerify {
			if e := d.verifyTokens(readRing.payload(), tokensThisRound); e != nil {
				return e
			}
			d.timeElapsed += uint64(d.cfg.LinkLatency)
		}

		readRing.setFlag(1)

		if !d.cfg.Loopback {
			d.nlog.Debug("wait for peer epoch", zap.Uint64("iter", d.iter))
			d.writeRings[d.currentRound].spinFlag(1)
		}
		d.nlog.Debug("done recv iter", zap.Uint64("iter", d.iter))

		writeRing := d.writeRings[d.currentRound]
		n, e = d.dma.Push(d.dmaAddr, writeRing.payload())
		writeRing.setFlag(0)
		if e != nil {
			return fmt.Errorf("writing tokens in: %w", e)
		}
		if n != d.bufBytes {
			return fmt.Errorf("writing tokens in: wrote %d bytes, wanted %d", n, d.bufBytes)
		}

		d.currentRound = (d.currentRound + 1) % 2
	}
}

// verifyTokens checks the widget's debug tags: each outgoing big-token
// carries a monotonically increasing counter in its low 32 bits, so a lost
// token on the DMA path is caught immediately.
func (d *Driver) verifyTokens(buf []byte, tokens int) error {
	wire := flit.SwitchLink
	perBT := wire.TokensPerBigToken()
	for i := 0; i < tokens; i++ {
		for k := 0; k < perBT; k++ {
			slot := i*perBT + k
			if wire.IsValid(buf, slot) {
				d.nlog.Debug("valid data chunk to peer",
					zap.Binary("chunk", wire.Flit(buf, slot)),
					zap.Bool("last", wire.IsLast(buf, slot)),
					zap.Uint64("sendCycle", d.timeElapsed+uint64(slot)))
			}
		}

		thisToken := binary.LittleEndian.Uint32(buf[i*wire.BigTokenBytes():])
		if thisToken != d.nextTokenFromFPGA {
			return fmt.Errorf("token lost on FPGA interface: got %d, expected %d", thisToken, d.nextTokenFromFPGA)
		}
		d.nextTokenFromFPGA++
	}
	return nil
}

// Close releases the rings and flushes the NIC log.
func (d *Driver) Close() (e error) {
	for j := 0; j < 2; j++ {
		e = multierr.Append(e, d.readRings[j].close())
		if !d.cfg.Loopback {
			e = multierr.Append(e, d.writeRings[j].close())
		}
	}
	if d.logFile != nil {
		e = multierr.Append(e, d.nlog.Sync())
		e = multierr.Append(e, d.logFile.Close())
	}
	return e
}
