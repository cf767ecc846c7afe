package main

import (
	"flag"
	"fmt"
	"os"
)

// cli.go is a thin subcommand dispatcher over a CommandContext, with
// usage errors and a help screen.

// CommandContext holds the execution context for a CLI command.
type CommandContext struct {
	Pid      int
	Manifest string
	Cfg      Config
}

const versionString = "binpatch 1.0.0"

// RunCLI is the entry point for the CLI; it dispatches on the first
// argument to the matching subcommand.
func RunCLI(args []string) error {
	if len(args) == 0 {
		return cmdHelp()
	}

	switch args[0] {
	case "apply":
		return cmdApply(args[1:])
	case "help", "--help", "-h":
		return cmdHelp()
	case "version", "--version", "-V":
		fmt.Println(versionString)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n\nRun 'binpatch help' for usage information", args[0])
	}
}

type applyFlagSet struct {
	*flag.FlagSet
	pid      int
	manifest string
	verbose  bool
	harden   bool
}

func newApplyFlagSet() *applyFlagSet {
	fs := &applyFlagSet{FlagSet: flag.NewFlagSet("apply", flag.ContinueOnError)}
	fs.IntVar(&fs.pid, "pid", 0, "victim process id")
	fs.StringVar(&fs.manifest, "manifest", "", "path to the JSON patch manifest")
	fs.BoolVar(&fs.verbose, "verbose", false, "verbose mode")
	fs.BoolVar(&fs.verbose, "v", false, "verbose mode (shorthand)")
	fs.BoolVar(&fs.harden, "harden", false, "drop PROT_WRITE from patch places once installed")
	return fs
}

func cmdApply(args []string) error {
	fs := newApplyFlagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.pid <= 0 {
		return fmt.Errorf("usage: binpatch apply -pid <pid> -manifest <path> [-verbose] [-harden]")
	}
	if fs.manifest == "" {
		return fmt.Errorf("usage: binpatch apply -pid <pid> -manifest <path> [-verbose] [-harden]")
	}

	cfg := ResolveConfig(&fs.verbose, &fs.harden)

	f, err := os.Open(fs.manifest)
	if err != nil {
		return fmt.Errorf("failed to open manifest %s: %w", fs.manifest, err)
	}
	defer f.Close()

	info, err := DecodePatchInfo(f)
	if err != nil {
		return err
	}

	gw := NewPtraceGateway()
	orch := NewOrchestrator(gw, fs.pid, cfg.Verbose, cfg.Harden)

	hint, err := findExecutableHint(fs.pid)
	if err != nil {
		return err
	}

	if err := orch.Apply(info, hint); err != nil {
		return asPatchDiagnostic(err, fs.pid)
	}

	fmt.Printf("patched pid %d: %s -> %s\n", fs.pid, info.OldBID, info.NewBID)
	return nil
}

// findExecutableHint picks a starting address for the ELF loader and
// place allocator's searches: the base of the victim's own main
// executable mapping, read from its own /proc/<pid>/maps before the
// tracer seizes it (a purely informational pre-read; the orchestrator
// re-collects the authoritative inventory once the victim is stopped).
func findExecutableHint(pid int) (uint64, error) {
	inv, err := CollectVmas(pid)
	if err != nil {
		return 0, err
	}
	if vma, ok := inv.FindByProt(ProtExec); ok {
		return vma.Start, nil
	}
	return 0, fmt.Errorf("victim pid %d has no executable mapping", pid)
}

// asPatchDiagnostic ensures every error surfaced to the user names the
// error kind and the victim pid.
func asPatchDiagnostic(err error, pid int) error {
	if pe, ok := err.(*PatchError); ok {
		if pe.Pid == 0 {
			pe.Pid = pid
		}
		return pe
	}
	return newErr(ErrRemoteSyscall, pid, "patch application failed", err)
}

func cmdHelp() error {
	fmt.Printf(`binpatch - live binary patcher for Linux/x86_64 (Version 1.0.0)

USAGE:
    binpatch <command> [arguments]

COMMANDS:
    apply      Apply a patch manifest to a running process
    help       Show this help message
    version    Show version information

APPLY FLAGS:
    -pid <pid>           Victim process id (required)
    -manifest <path>     Path to the JSON patch manifest (required)
    -v, -verbose         Verbose mode (trace each orchestrator transition)
    -harden              Drop PROT_WRITE from patch places once installed

EXAMPLES:
    binpatch apply -pid 4242 -manifest patch.json
    binpatch apply -pid 4242 -manifest patch.json -verbose -harden

ENVIRONMENT:
    BINPATCH_VERBOSE             fallback for -verbose
    BINPATCH_HARDEN              fallback for -harden
    BINPATCH_SYSCALL_TIMEOUT     read into the config; no component acts on it

`)
	return nil
}
