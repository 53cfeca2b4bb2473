package fabric

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cosimnet/fabricsim/flit"
	"github.com/cosimnet/fabricsim/port"
)

// PortConfig declares one switch port in the topology file.
type PortConfig struct {
	// Kind selects the backend: shmem, socket, or tap.
	Kind string `yaml:"kind"`

	// Uplink marks a port facing the core of the topology. Uplinks must be
	// listed after all downlinks.
	Uplink bool `yaml:"uplink"`

	// Name derives shared-memory object names (shmem kind).
	Name string `yaml:"name"`

	// Listen and Address locate the peer switch (socket kind).
	Listen  bool   `yaml:"listen"`
	Address string `yaml:"address"`

	// Device names the TAP interface (tap kind).
	Device string `yaml:"device"`
}

// TopologyConfig is the switch's runtime-loadable port and MAC layout,
// normally read from topology.yaml.
type TopologyConfig struct {
	Ports []PortConfig `yaml:"ports"`

	// MACs maps a MAC address to a destination: a downlink port number, or
	// "any" for any-uplink routing.
	MACs map[string]string `yaml:"macs"`
}

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (cfg TopologyConfig, e error) {
	text, e := os.ReadFile(path)
	if e != nil {
		return cfg, fmt.Errorf("read topology: %w", e)
	}
	if e = yaml.Unmarshal(text, &cfg); e != nil {
		return cfg, fmt.Errorf("parse topology: %w", e)
	}
	return cfg, cfg.Validate()
}

// Validate checks port kinds, ordering, and MAC entries.
func (cfg TopologyConfig) Validate() error {
	if len(cfg.Ports) == 0 {
		return fmt.Errorf("topology has no ports")
	}

	seenUplink := false
	for i, pc := range cfg.Ports {
		switch pc.Kind {
		case "shmem":
			if pc.Name == "" {
				return fmt.Errorf("port %d: shmem port needs a name", i)
			}
		case "socket":
			if _, e := (port.SocketLocator{Listen: pc.Listen, Address: pc.Address}).Validate(); e != nil {
				return fmt.Errorf("port %d: %w", i, e)
			}
		case "tap":
			if pc.Device == "" {
				return fmt.Errorf("port %d: tap port needs a device", i)
			}
		default:
			return fmt.Errorf("port %d: unknown kind %q", i, pc.Kind)
		}

		if pc.Uplink {
			seenUplink = true
		} else if seenUplink {
			return fmt.Errorf("port %d: downlinks must precede uplinks", i)
		}
	}

	numDownlinks := cfg.NumDownlinks()
	for macStr, dest := range cfg.MACs {
		if _, e := net.ParseMAC(macStr); e != nil {
			return fmt.Errorf("mac %q: %w", macStr, e)
		}
		if dest == "any" {
			continue
		}
		n, e := strconv.Atoi(dest)
		if e != nil || n < 0 || n >= numDownlinks {
			return fmt.Errorf("mac %s: destination %q is neither a downlink nor \"any\"", macStr, dest)
		}
	}
	return nil
}

// NumDownlinks counts non-uplink ports.
func (cfg TopologyConfig) NumDownlinks() (n int) {
	for _, pc := range cfg.Ports {
		if !pc.Uplink {
			n++
		}
	}
	return n
}

// NumUplinks counts uplink ports.
func (cfg TopologyConfig) NumUplinks() (n int) {
	for _, pc := range cfg.Ports {
		if pc.Uplink {
			n++
		}
	}
	return n
}

// BuildTable constructs the MAC table from the config.
func (cfg TopologyConfig) BuildTable() (*Table, error) {
	t := NewTable(cfg.NumDownlinks(), cfg.NumUplinks(), nil)
	for macStr, dest := range cfg.MACs {
		a, e := net.ParseMAC(macStr)
		if e != nil {
			return nil, e
		}
		portNo := t.AnyUplink()
		if dest != "any" {
			if portNo, e = strconv.Atoi(dest); e != nil {
				return nil, fmt.Errorf("mac %s: %w", macStr, e)
			}
		}
		if e = t.Add(a, portNo); e != nil {
			return nil, e
		}
	}
	return t, nil
}

// BuildPorts instantiates every configured port backend.
func (cfg TopologyConfig) BuildPorts(link flit.Params, linkLatency int) (ports []port.Port, e error) {
	for i, pc := range cfg.Ports {
		var p port.Port
		switch pc.Kind {
		case "shmem":
			p, e = port.NewShmem(i, link, linkLatency, pc.Name, pc.Uplink)
		case "socket":
			p, e = port.NewSocket(i, link, linkLatency, port.SocketLocator{Listen: pc.Listen, Address: pc.Address})
		case "tap":
			p, e = port.NewTap(i, link, linkLatency, pc.Device)
		}
		if e != nil {
			return nil, e
		}
		ports = append(ports, p)
	}
	return ports, nil
}
