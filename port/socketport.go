package port

import (
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"inet.af/netaddr"

	"github.com/cosimnet/fabricsim/flit"
)

// SocketLocator addresses a socket port's peer switch.
type SocketLocator struct {
	// Listen selects the accepting side of the link.
	Listen bool `yaml:"listen"`

	// Address is a host:port TCP endpoint.
	Address string `yaml:"address"`
}

// Validate normalizes and checks the locator address.
func (loc SocketLocator) Validate() (SocketLocator, error) {
	ipp, e := netaddr.ParseIPPort(loc.Address)
	if e != nil {
		return loc, fmt.Errorf("socket port address %q: %w", loc.Address, e)
	}
	loc.Address = ipp.String()
	return loc, nil
}

// SocketPort exchanges epochs with a peer switch over TCP. One epoch is one
// fixed-size read and one fixed-size write per iteration; a short transfer
// desynchronizes simulated time and is fatal.
type SocketPort struct {
	base Base
	conn net.Conn
}

var _ Port = (*SocketPort)(nil)

// NewSocket creates a socket port, blocking until the peer link is up.
func NewSocket(number int, link flit.Params, linkLatency int, loc SocketLocator) (*SocketPort, error) {
	loc, e := loc.Validate()
	if e != nil {
		return nil, e
	}

	p := &SocketPort{}
	p.base.Init(number, link, linkLatency, false)

	logger.Info("creating socket port",
		zap.Int("port", number),
		zap.String("address", loc.Address),
		zap.Bool("listen", loc.Listen))

	if loc.Listen {
		ln, e := net.Listen("tcp", loc.Address)
		if e != nil {
			return nil, fmt.Errorf("socket port %d listen: %w", number, e)
		}
		defer ln.Close()
		if p.conn, e = ln.Accept(); e != nil {
			return nil, fmt.Errorf("socket port %d accept: %w", number, e)
		}
	} else {
		if p.conn, e = net.Dial("tcp", loc.Address); e != nil {
			return nil, fmt.Errorf("socket port %d dial: %w", number, e)
		}
	}

	bufBytes := p.base.BufBytes()
	p.base.CurrentInput = make([]byte, bufBytes)
	p.base.CurrentOutput = make([]byte, bufBytes)
	return p, nil
}

// Base implements Port.
func (p *SocketPort) Base() *Base {
	return &p.base
}

// Send writes one epoch to the peer.
func (p *SocketPort) Send() error {
	p.base.ClearEmptyMarker()
	n, e := p.conn.Write(p.base.CurrentOutput)
	if e != nil {
		return fmt.Errorf("socket port %d send: %w", p.base.Number, e)
	}
	if n != len(p.base.CurrentOutput) {
		return fmt.Errorf("socket port %d send: short write %d of %d", p.base.Number, n, len(p.base.CurrentOutput))
	}
	return nil
}

// Recv blocks until one full epoch has been read from the peer.
func (p *SocketPort) Recv() error {
	if _, e := io.ReadFull(p.conn, p.base.CurrentInput); e != nil {
		return fmt.Errorf("socket port %d recv: %w", p.base.Number, e)
	}
	return nil
}

// TickPre implements Port.
func (p *SocketPort) TickPre() {}

// Tick implements Port.
func (p *SocketPort) Tick() {}

// Close shuts down the link.
func (p *SocketPort) Close() error {
	return p.conn.Close()
}
