package nic_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/cosimnet/fabricsim/nic"
)

var testRegs = nic.RegisterMap{
	MACAddrUpper:   0x00,
	MACAddrLower:   0x04,
	RlimitSettings: 0x08,
	OutgoingCount:  0x0C,
	IncomingCount:  0x10,
}

type mockMMIO struct {
	written  map[uint32]uint32
	outgoing []uint32
	incoming []uint32
}

func newMockMMIO() *mockMMIO {
	return &mockMMIO{written: map[uint32]uint32{}}
}

func (m *mockMMIO) pop(vals *[]uint32) uint32 {
	if len(*vals) == 0 {
		return 0
	}
	v := (*vals)[0]
	if len(*vals) > 1 {
		*vals = (*vals)[1:]
	}
	return v
}

func (m *mockMMIO) Read(addr uint32) uint32 {
	switch addr {
	case testRegs.OutgoingCount:
		return m.pop(&m.outgoing)
	case testRegs.IncomingCount:
		return m.pop(&m.incoming)
	}
	return m.written[addr]
}

func (m *mockMMIO) Write(addr, value uint32) {
	m.written[addr] = value
}

type mockDMA struct {
	fill      func(call int, dst []byte)
	shortPull bool
	shortPush bool
	pulls     int
	pushes    [][]byte
}

func (m *mockDMA) Pull(addr uint64, dst []byte) (int, error) {
	if m.fill != nil {
		m.fill(m.pulls, dst)
	}
	m.pulls++
	if m.shortPull {
		return len(dst) - 1, nil
	}
	return len(dst), nil
}

func (m *mockDMA) Push(addr uint64, src []byte) (int, error) {
	dup := make([]byte, len(src))
	copy(dup, src)
	m.pushes = append(m.pushes, dup)
	if m.shortPush {
		return len(src) - 1, nil
	}
	return len(src), nil
}

func loopbackConfig() nic.Config {
	mac, _ := net.ParseMAC("00:12:6d:00:00:02")
	return nic.Config{
		Loopback:      true,
		MAC:           mac,
		BandwidthGbps: 200,
		Burst:         8,
		LinkLatency:   10,
	}
}

func TestInitProgramsWidget(t *testing.T) {
	assert, require := makeAR(t)

	mmio := newMockMMIO()
	mmio.outgoing = []uint32{1}
	mmio.incoming = []uint32{0}
	dma := &mockDMA{}

	d, e := nic.New(loopbackConfig(), mmio, testRegs, dma, 0)
	require.NoError(e)
	defer d.Close()
	require.NoError(d.Init())

	assert.EqualValues(0x0200, mmio.written[testRegs.MACAddrUpper])
	assert.EqualValues(0x006d1200, mmio.written[testRegs.MACAddrLower])
	// netbw 200/800 -> increment=1 period=4, burst=8
	assert.EqualValues(1<<20|3<<10|8, mmio.written[testRegs.RlimitSettings])

	// pipeline primed with one epoch of empty big-tokens
	require.Len(dma.pushes, 1)
	assert.Len(dma.pushes[0], 10*nic.BufWidthBytes)
}

func TestInitBootTokenMismatch(t *testing.T) {
	assert, _ := makeAR(t)

	steps := []struct {
		name     string
		outgoing uint32
		incoming uint32
	}{
		{"no pre-injected token", 0, 0},
		{"tokens already buffered inbound", 1, 3},
		{"extra produced tokens", 2, 0},
	}
	for _, step := range steps {
		mmio := newMockMMIO()
		mmio.outgoing = []uint32{step.outgoing}
		mmio.incoming = []uint32{step.incoming}

		d, e := nic.New(loopbackConfig(), mmio, testRegs, &mockDMA{}, 0)
		if assert.NoError(e, step.name) {
			assert.Error(d.Init(), step.name)
			d.Close()
		}
	}
}

func TestTickLoopbackPump(t *testing.T) {
	assert, require := makeAR(t)

	mmio := newMockMMIO()
	// one full epoch ready, then idle
	mmio.outgoing = []uint32{10, 0}
	mmio.incoming = []uint32{0, 0}

	dma := &mockDMA{
		fill: func(call int, dst []byte) {
			for i := range dst {
				dst[i] = byte(call + i)
			}
		},
	}

	d, e := nic.New(loopbackConfig(), mmio, testRegs, dma, 0)
	require.NoError(e)
	defer d.Close()

	require.NoError(d.Tick())
	assert.Equal(1, dma.pulls)
	require.Len(dma.pushes, 1)

	// loopback aliases read and write buffers: the epoch pushed back to the
	// FPGA is exactly the one pulled from it
	expected := make([]byte, 10*nic.BufWidthBytes)
	dma.fill(0, expected)
	assert.Equal(expected, dma.pushes[0])
}

func TestTickNotReady(t *testing.T) {
	assert, require := makeAR(t)

	mmio := newMockMMIO()
	mmio.outgoing = []uint32{3}
	mmio.incoming = []uint32{0}
	dma := &mockDMA{}

	d, e := nic.New(loopbackConfig(), mmio, testRegs, dma, 0)
	require.NoError(e)
	defer d.Close()

	// partial epoch: no transfer may happen
	require.NoError(d.Tick())
	assert.Zero(dma.pulls)
	assert.Empty(dma.pushes)
}

func TestTickShortTransferFatal(t *testing.T) {
	assert, require := makeAR(t)

	for _, short := range []string{"pull", "push"} {
		mmio := newMockMMIO()
		mmio.outgoing = []uint32{10, 0}
		mmio.incoming = []uint32{0, 0}
		dma := &mockDMA{shortPull: short == "pull", shortPush: short == "push"}

		d, e := nic.New(loopbackConfig(), mmio, testRegs, dma, 0)
		require.NoError(e)
		assert.Error(d.Tick(), short)
		d.Close()
	}
}

func TestTokenVerify(t *testing.T) {
	assert, require := makeAR(t)

	cfg := loopbackConfig()
	cfg.TokenVerify = true

	counters := func(base uint32) func(int, []byte) {
		return func(call int, dst []byte) {
			for i := 0; i < len(dst)/nic.BufWidthBytes; i++ {
				binary.LittleEndian.PutUint32(dst[i*nic.BufWidthBytes:], base+uint32(call*10+i))
			}
		}
	}

	mmio := newMockMMIO()
	mmio.outgoing = []uint32{10, 10, 0}
	mmio.incoming = []uint32{0, 0, 0}
	dma := &mockDMA{fill: counters(0)}

	d, e := nic.New(cfg, mmio, testRegs, dma, 0)
	require.NoError(e)
	// two epochs of monotonically increasing counters pass
	require.NoError(d.Tick())
	d.Close()

	mmio = newMockMMIO()
	mmio.outgoing = []uint32{10, 0}
	mmio.incoming = []uint32{0, 0}
	dma = &mockDMA{fill: counters(7)}

	d, e = nic.New(cfg, mmio, testRegs, dma, 0)
	require.NoError(e)
	assert.Error(d.Tick())
	d.Close()
}
