package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "instance":
		return runInstanceNoun(args)
	case "config":
		return runConfigNoun(args)
	case "vms":
		return runVMSNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := versionInfo{Version: strings.TrimSpace(version), Commit: strings.TrimSpace(gitCommit)}
	if info.Commit == "" || info.Commit == "unknown" {
		info.Commit = readBuildSetting("vcs.revision")
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("cobalt %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	return 0
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`cobalt - VM bless/launch control plane over vmsctl

Usage:
  cobalt <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  instance  Bless, launch, discard, pause and inspect VMs
  config    Configuration validation and integrity
  vms       Inspect the vmsctl command contract

System Commands:
  system start        Run API, scheduler and host worker in foreground
  system status       Show API health and scheduler queue depth

Instance Commands:
  instance show <uuid>        Show an instance record
  instance launched <uuid>    List clones launched from a template
  instance blessed <uuid>     List templates blessed from a VM
  instance bless <uuid>       Bless a running VM into a template
  instance launch <uuid>      Launch clones of a template
  instance discard <uuid>     Discard a template
  instance pause <uuid>       Pause a VM
  instance unpause <uuid>     Unpause a VM

Config Commands:
  config check        Validate syntax and integrity
  config lock         Update integrity hashes

VMS Commands:
  vms argv <action>   Print the vmsctl argv for an action without running it

General:
  version             Show version information
  help                Show this help message

Use 'cobalt <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if isHelpToken(a) {
			return true
		}
	}
	return false
}

// kvFlag collects repeated key=value flags.
type kvFlag map[string]string

func (f kvFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[k] = v
	return nil
}
