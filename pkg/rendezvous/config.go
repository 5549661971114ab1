// Package rendezvous implements the event loop (C8) and probe responder
// (C9): the actor-style goroutine that owns the pair registry, retransmit
// queue, and client table, plus the standalone NAT-probe echo, wired
// together with configuration, metrics, and a debug HTTP surface.
package rendezvous

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/wenpeng8019/rendezvous/pkg/registry"
	"github.com/wenpeng8019/rendezvous/pkg/relaysvc"
)

// DefaultPort and AlternatePort are the two well-known values for the main
// port in spec.md §6; AlternatePort is only a named constant, not a second
// default, and the CLI does not refer to it.
const (
	DefaultPort      = 8888
	AlternatePort    = 9333
	DefaultProbePort = 0 // disabled
)

// Config holds the parsed CLI surface from spec.md §6, plus the capacity
// and version-gate knobs SPEC_FULL adds on top of it.
type Config struct {
	Port      uint16
	ProbePort uint16

	RelaySupport bool
	Language     string

	// MinClientVersion is an optional semver floor. Validate checks its
	// syntax; REGISTER and LOGIN are not compared against it, since the
	// wire formats carry no version field.
	MinClientVersion string

	PairCapacity   int
	ClientCapacity int

	DebugAddr string // empty disables the debug/metrics HTTP listener

	Verbosity int // repeated -v count
}

// DefaultConfig returns the zero-value-safe defaults matching spec.md §6.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		ProbePort:      DefaultProbePort,
		PairCapacity:   registry.DefaultCapacity,
		ClientCapacity: relaysvc.DefaultCapacity,
	}
}

// Validate checks the values the flag parser cannot reject at parse time
// (semver syntax), following the teacher's NewServer validation of
// API0_MinimumLauncherVersion.
func (c Config) Validate() error {
	if c.MinClientVersion != "" && !semver.IsValid("v"+strings.TrimPrefix(c.MinClientVersion, "v")) {
		return fmt.Errorf("invalid minimum client version semver %q", c.MinClientVersion)
	}
	if c.PairCapacity <= 0 {
		return fmt.Errorf("pair capacity must be positive, got %d", c.PairCapacity)
	}
	if c.ClientCapacity <= 0 {
		return fmt.Errorf("client capacity must be positive, got %d", c.ClientCapacity)
	}
	return nil
}
