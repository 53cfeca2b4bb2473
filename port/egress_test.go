package port_test

import (
	"encoding/binary"
	"testing"

	"github.com/cosimnet/fabricsim/core/testenv"
	"github.com/cosimnet/fabricsim/flit"
	"github.com/cosimnet/fabricsim/port"
)

var makeAR = testenv.MakeAR

const linkLatency = 70

func makePacket(link flit.Params, timestamp uint64, nflits int) *port.SwitchPacket {
	sp := port.NewSwitchPacket(link, timestamp, 0)
	payload := make([]byte, link.FlitBytes())
	for i := 0; i < nflits; i++ {
		testenv.RandBytes(payload)
		sp.Append(link, payload)
	}
	return sp
}

func TestEgressTemporalPlacement(t *testing.T) {
	assert, _ := makeAR(t)
	link := flit.SwitchLink

	p := port.NewMock(0, link, linkLatency, false)
	b := p.Base()
	b.SetupSendBuf()

	sp := makePacket(link, 35, 3)
	b.PushOutput(sp)
	b.WriteFlitsToOutput(port.EgressParams{EpochStart: 0})

	for i := 0; i < linkLatency; i++ {
		if i >= 35 && i < 38 {
			assert.True(link.IsValid(b.CurrentOutput, i), "slot %d", i)
		} else {
			assert.False(link.IsValid(b.CurrentOutput, i), "slot %d", i)
		}
	}
	assert.True(link.IsLast(b.CurrentOutput, 37))
	assert.Empty(b.OutputQueue)
	assert.EqualValues(1, b.Counters.TxPackets)
}

func TestEgressThrottle(t *testing.T) {
	assert, _ := makeAR(t)
	link := flit.SwitchLink

	p := port.NewMock(0, link, linkLatency, true)
	b := p.Base()
	b.SetupSendBuf()

	b.PushOutput(makePacket(link, 0, 10))
	b.WriteFlitsToOutput(port.EgressParams{EpochStart: 0, ThrottleNumer: 1, ThrottleDenom: 2})

	// 1/2 throttle: one-on one-off
	nvalid := 0
	for i := 0; i < 10; i++ {
		assert.Equal(i%2 == 0, link.IsValid(b.CurrentOutput, i), "slot %d", i)
		if link.IsValid(b.CurrentOutput, i) {
			nvalid++
		}
	}
	assert.Equal(5, nvalid)
	for i := 10; i < 20; i++ {
		assert.Equal(i%2 == 0, link.IsValid(b.CurrentOutput, i), "slot %d", i)
	}
	assert.True(link.IsLast(b.CurrentOutput, 18))
}

func TestEgressCarryover(t *testing.T) {
	assert, _ := makeAR(t)
	link := flit.SwitchLink

	p := port.NewMock(0, link, linkLatency, false)
	b := p.Base()

	sp := makePacket(link, 0, 80)
	b.PushOutput(sp)

	b.SetupSendBuf()
	b.WriteFlitsToOutput(port.EgressParams{EpochStart: 0})
	for i := 0; i < linkLatency; i++ {
		assert.True(link.IsValid(b.CurrentOutput, i), "slot %d", i)
		assert.False(link.IsLast(b.CurrentOutput, i), "slot %d", i)
	}
	assert.Len(b.OutputQueue, 1)
	assert.Equal(70, sp.AmtRead)

	// remaining 10 flits go out at the head of the next epoch
	b.SetupSendBuf()
	b.WriteFlitsToOutput(port.EgressParams{EpochStart: linkLatency})
	for i := 0; i < 10; i++ {
		assert.True(link.IsValid(b.CurrentOutput, i), "slot %d", i)
	}
	assert.True(link.IsLast(b.CurrentOutput, 9))
	assert.False(link.IsValid(b.CurrentOutput, 10))
	assert.Empty(b.OutputQueue)
}

func TestEgressBufferCap(t *testing.T) {
	assert, _ := makeAR(t)
	link := flit.SwitchLink

	p := port.NewMock(0, link, linkLatency, false)
	b := p.Base()
	b.SetupSendBuf()

	b.PushOutput(makePacket(link, 900, 4))
	b.WriteFlitsToOutput(port.EgressParams{EpochStart: 1000, OutputBufSize: 16})

	assert.Empty(b.OutputQueue)
	assert.EqualValues(1, b.Counters.Drops)
	// nothing was placed, so the empty marker occupies the first control lane
	// until a backend clears it before transmission
	b.ClearEmptyMarker()
	for i := 0; i < linkLatency; i++ {
		assert.False(link.IsValid(b.CurrentOutput, i), "slot %d", i)
	}
}

func TestEgressEmptyMarker(t *testing.T) {
	assert, _ := makeAR(t)
	link := flit.SwitchLink

	p := port.NewMock(0, link, linkLatency, false)
	b := p.Base()
	b.SetupSendBuf()
	b.WriteFlitsToOutput(port.EgressParams{EpochStart: 0})

	assert.EqualValues(port.EmptyMarker, binary.LittleEndian.Uint64(b.CurrentOutput))
	b.ClearEmptyMarker()
	assert.EqualValues(0, binary.LittleEndian.Uint64(b.CurrentOutput))
}
