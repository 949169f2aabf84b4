// Package config parses the engine's option surface (spec.md §6
// "Configuration surface"). It does not implement a CLI — that is
// explicitly out of core scope — it only exposes a typed Options struct, a
// loader from a flat key/value source (the engine's environment- or
// file-provided knob map), and a TOML file loader for operators who prefer a
// config file over an in-process map.
package config

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
)

// InjectLocation chooses between pre-loader and post-loader takeover.
type InjectLocation int

const (
	// InjectEarly takes over before the application's loader runs.
	InjectEarly InjectLocation = iota
	// InjectPostLoader takes over after the application's own loader has
	// run (used when early injection is unavailable or undesired).
	InjectPostLoader
)

// Options holds every knob named in spec.md §6, by name and effect.
type Options struct {
	// FollowChildren attempts injection into child processes at creation.
	FollowChildren bool `toml:"follow_children"`

	// InjectLocation selects early vs. post-loader takeover.
	InjectLocation InjectLocation `toml:"-"`

	// UsePersisted enables the frozen per-module cache (coarse-grain
	// freeze); persisted fragments become a third fragment-table
	// partition (spec.md §6 "Persisted state").
	UsePersisted bool `toml:"use_persisted"`

	// TraceThreshold is the hit count (T₁ in §4.7) at which a basic block
	// becomes a trace head.
	TraceThreshold uint32 `toml:"trace_threshold"`

	// DetachAllowed permits runtime detach via nudge.
	DetachAllowed bool `toml:"detach_allowed"`

	// LiveDump produces an in-process memory snapshot on fatal error.
	LiveDump bool `toml:"live_dump"`

	// ExternalDump spawns an external tool on fatal error instead of (or
	// in addition to) LiveDump.
	ExternalDump bool `toml:"external_dump"`

	// Asynch, when false, delays thread-creation interception until the
	// first OS-level thread-attach notification (reduced transparency;
	// see pkg/async's EventKindThreadAttach).
	Asynch bool `toml:"asynch"`
}

// Default returns the engine's default option set.
func Default() Options {
	return Options{
		FollowChildren: true,
		InjectLocation: InjectEarly,
		UsePersisted:   false,
		TraceThreshold: 50,
		DetachAllowed:  false,
		LiveDump:       true,
		ExternalDump:   false,
		Asynch:         true,
	}
}

// FromMap overlays values from a flat string-keyed source (e.g. the
// environment, or a caller-assembled map) onto Default(), the transport the
// engine's own entry point accepts (spec.md §6 scopes an actual CLI out of
// core; this is the lowest common denominator every front end can build).
func FromMap(m map[string]string) (Options, error) {
	opt := Default()
	for k, v := range m {
		var err error
		switch k {
		case "follow_children":
			opt.FollowChildren, err = strconv.ParseBool(v)
		case "early_inject":
			var early bool
			early, err = strconv.ParseBool(v)
			if early {
				opt.InjectLocation = InjectEarly
			} else {
				opt.InjectLocation = InjectPostLoader
			}
		case "use_persisted", "coarse_enable_freeze":
			opt.UsePersisted, err = strconv.ParseBool(v)
		case "trace_threshold":
			var n uint64
			n, err = strconv.ParseUint(v, 10, 32)
			opt.TraceThreshold = uint32(n)
		case "detach_allowed":
			opt.DetachAllowed, err = strconv.ParseBool(v)
		case "live_dump":
			opt.LiveDump, err = strconv.ParseBool(v)
		case "external_dump":
			opt.ExternalDump, err = strconv.ParseBool(v)
		case "asynch":
			opt.Asynch, err = strconv.ParseBool(v)
		default:
			return Options{}, fmt.Errorf("config: unknown option %q", k)
		}
		if err != nil {
			return Options{}, fmt.Errorf("config: option %q: %w", k, err)
		}
	}
	return opt, nil
}

// FromTOMLFile loads Options from a TOML file, starting from Default() for
// any field the file omits.
func FromTOMLFile(path string) (Options, error) {
	opt := Default()
	if _, err := toml.DecodeFile(path, &opt); err != nil {
		return Options{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return opt, nil
}
