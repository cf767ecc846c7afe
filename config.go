package main

import (
	"time"

	env "github.com/xyproto/env/v2"
)

// config.go resolves runtime knobs from flags with environment
// fallbacks, read with github.com/xyproto/env/v2.

const (
	envVerbose        = "BINPATCH_VERBOSE"
	envHarden         = "BINPATCH_HARDEN"
	envSyscallTimeout = "BINPATCH_SYSCALL_TIMEOUT"
)

// Config holds the resolved runtime knobs for one CLI invocation.
type Config struct {
	Verbose bool
	Harden  bool
	// SyscallWarnAfter holds the BINPATCH_SYSCALL_TIMEOUT value (2s when
	// unset). No component reads it: no slow-syscall warning is logged,
	// and remote syscalls are never aborted.
	SyscallWarnAfter time.Duration
}

// ResolveConfig merges explicit flag values with environment fallbacks.
// A flag value of its zero-value sentinel means "not passed on the
// command line", so the environment (and finally a hardcoded default)
// gets a chance to apply.
func ResolveConfig(verboseFlag, hardenFlag *bool) Config {
	cfg := Config{
		SyscallWarnAfter: 2 * time.Second,
	}

	if verboseFlag != nil && *verboseFlag {
		cfg.Verbose = true
	} else {
		cfg.Verbose = env.Bool(envVerbose)
	}

	if hardenFlag != nil && *hardenFlag {
		cfg.Harden = true
	} else {
		cfg.Harden = env.Bool(envHarden)
	}

	if d := env.Duration(envSyscallTimeout); d > 0 {
		cfg.SyscallWarnAfter = d
	}

	return cfg
}
