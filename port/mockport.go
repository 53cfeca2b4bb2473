package port

import (
	"github.com/cosimnet/fabricsim/flit"
)

// MockPort is an in-memory backend for tests. Tests stage flits directly into
// CurrentInput; every sent epoch is recorded in Sent. With Loopback set, each
// sent epoch also becomes the next received epoch, modeling a port wired to
// itself.
type MockPort struct {
	base     Base
	Loopback bool

	// Sent records a copy of every transmitted epoch.
	Sent [][]byte

	pending [][]byte
}

var _ Port = (*MockPort)(nil)

// NewMock creates a mock port.
func NewMock(number int, link flit.Params, linkLatency int, throttled bool) *MockPort {
	p := &MockPort{}
	p.base.Init(number, link, linkLatency, throttled)
	p.base.CurrentInput = make([]byte, p.base.BufBytes())
	p.base.CurrentOutput = make([]byte, p.base.BufBytes())
	return p
}

// Base implements Port.
func (p *MockPort) Base() *Base {
	return &p.base
}

// Send records the epoch.
func (p *MockPort) Send() error {
	p.base.ClearEmptyMarker()
	dup := make([]byte, len(p.base.CurrentOutput))
	copy(dup, p.base.CurrentOutput)
	p.Sent = append(p.Sent, dup)
	if p.Loopback {
		p.pending = append(p.pending, dup)
	}
	return nil
}

// Recv loads the next loopback epoch, if any; otherwise the test-staged
// CurrentInput is consumed as-is.
func (p *MockPort) Recv() error {
	if p.Loopback && len(p.pending) > 0 {
		copy(p.base.CurrentInput, p.pending[0])
		p.pending = p.pending[1:]
	}
	return nil
}

// TickPre implements Port.
func (p *MockPort) TickPre() {}

// Tick zeroes the consumed input so a stale epoch is not decoded twice.
func (p *MockPort) Tick() {
	for i := range p.base.CurrentInput {
		p.base.CurrentInput[i] = 0
	}
}

// Close implements Port.
func (p *MockPort) Close() error {
	return nil
}
