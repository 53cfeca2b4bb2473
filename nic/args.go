package nic

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cosimnet/fabricsim/core/macaddr"
	"github.com/cosimnet/fabricsim/ratelimit"
)

// Config carries one endpoint's settings, normally parsed from the
// simulator's plusarg list.
type Config struct {
	// LogPath, when set, receives this endpoint's NIC log.
	LogPath string

	// Loopback aliases the endpoint's inbound and outbound buffers, for
	// single-node runs without a switch.
	Loopback bool

	// MAC is the endpoint's address, programmed into the widget.
	MAC net.HardwareAddr

	// BandwidthGbps and Burst parameterize the widget's token bucket.
	BandwidthGbps int
	Burst         int

	// LinkLatency is the epoch length in cycles.
	LinkLatency int

	// ShmemPortName derives the shared-memory object names toward the switch.
	ShmemPortName string

	// TokenVerify enables the debug check of the widget's monotonic token
	// counters.
	TokenVerify bool
}

// ParseArgs extracts endpoint index's configuration from plusargs of the form
// +<key><index>=<value> (or +<key><index> for booleans).
func ParseArgs(index int, args []string) (cfg Config, e error) {
	cfg.BandwidthGbps = MaxBandwidth
	cfg.Burst = 8

	numEquals := strconv.Itoa(index) + "="
	numOnly := strconv.Itoa(index)
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "+niclog"+numEquals):
			cfg.LogPath = strings.TrimPrefix(arg, "+niclog"+numEquals)
		case arg == "+nic-loopback"+numOnly:
			cfg.Loopback = true
		case arg == "+tokenverify"+numOnly:
			cfg.TokenVerify = true
		case strings.HasPrefix(arg, "+macaddr"+numEquals):
			if cfg.MAC, e = net.ParseMAC(strings.TrimPrefix(arg, "+macaddr"+numEquals)); e != nil {
				return cfg, fmt.Errorf("+macaddr%d: %w", index, e)
			}
		case strings.HasPrefix(arg, "+netbw"+numEquals):
			if cfg.BandwidthGbps, e = strconv.Atoi(strings.TrimPrefix(arg, "+netbw"+numEquals)); e != nil {
				return cfg, fmt.Errorf("+netbw%d: %w", index, e)
			}
		case strings.HasPrefix(arg, "+netburst"+numEquals):
			if cfg.Burst, e = strconv.Atoi(strings.TrimPrefix(arg, "+netburst"+numEquals)); e != nil {
				return cfg, fmt.Errorf("+netburst%d: %w", index, e)
			}
		case strings.HasPrefix(arg, "+linklatency"+numEquals):
			if cfg.LinkLatency, e = strconv.Atoi(strings.TrimPrefix(arg, "+linklatency"+numEquals)); e != nil {
				return cfg, fmt.Errorf("+linklatency%d: %w", index, e)
			}
		case strings.HasPrefix(arg, "+shmemportname"+numEquals):
			cfg.ShmemPortName = strings.TrimPrefix(arg, "+shmemportname"+numEquals)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the endpoint configuration.
func (cfg Config) Validate() error {
	if cfg.LinkLatency <= 0 {
		return fmt.Errorf("link latency %d must be positive", cfg.LinkLatency)
	}
	if cfg.BandwidthGbps <= 0 || cfg.BandwidthGbps > MaxBandwidth {
		return fmt.Errorf("bandwidth %d out of range (0, %d]", cfg.BandwidthGbps, MaxBandwidth)
	}
	if cfg.Burst <= 0 || cfg.Burst >= ratelimit.MaxBurst {
		return fmt.Errorf("burst %d out of range (0, %d)", cfg.Burst, ratelimit.MaxBurst)
	}
	if !macaddr.IsValid(cfg.MAC) {
		return fmt.Errorf("invalid MAC address %q", cfg.MAC.String())
	}
	if !cfg.Loopback && cfg.ShmemPortName == "" {
		return fmt.Errorf("shmem port name required unless loopback")
	}
	return nil
}
