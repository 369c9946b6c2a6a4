package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/cobalt/internal/vms"
)

func runVMSNoun(args []string) int {
	if len(args) < 1 {
		printVMSNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printVMSNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "argv":
		return runVMSArgv(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown vms action: %s\n", args[0])
		return 1
	}
}

func printVMSNounHelp(w *os.File) {
	fmt.Fprintf(w, `Usage: cobalt vms argv <action> --name <vm> [flags]

Prints the vmsctl command line for an action without running it.

Actions: bless, launch, discard, pause, unpause
Versions: %s

Flags:
  --version V      vmsctl version (default 2.6)
  --platform P     vmsctl platform (default kvm)
  --name N         source VM name
  --new-name N     name for the blessed template or clone
  --path P         template path
  --disk-url U     disk image URL
  --mem-url U      memory image URL
  --migration      set migration mode
  --param k=v      guest parameter (launch, repeatable)
  --option k=v     vmsctl option (launch, repeatable)
`, strings.Join(vms.Versions(), ", "))
}

func runVMSArgv(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printVMSNounHelp(os.Stderr)
		return 1
	}
	action := vms.Action(args[0])

	fs := flag.NewFlagSet("argv", flag.ContinueOnError)
	vmsVersion := fs.String("version", "2.6", "vmsctl version")
	platform := fs.String("platform", "kvm", "vmsctl platform")
	name := fs.String("name", "", "source VM name")
	newName := fs.String("new-name", "", "new name")
	path := fs.String("path", "", "template path")
	diskURL := fs.String("disk-url", "", "disk image URL")
	memURL := fs.String("mem-url", "", "memory image URL")
	migration := fs.Bool("migration", false, "migration mode")
	params := kvFlag{}
	options := kvFlag{}
	fs.Var(params, "param", "guest parameter key=value")
	fs.Var(options, "option", "vmsctl option key=value")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var spec vms.Spec
	switch action {
	case vms.ActionBless:
		spec = vms.BlessSpec{Name: *name, NewName: *newName, Path: *path, DiskURL: *diskURL, MemURL: *memURL, Migration: *migration}
	case vms.ActionLaunch:
		spec = vms.LaunchSpec{Name: *name, NewName: *newName, Count: 1, Path: *path, DiskURL: *diskURL, MemURL: *memURL,
			Migration: *migration, GuestParams: params, VMSOptions: options}
	case vms.ActionDiscard:
		spec = vms.DiscardSpec{Name: *name, Path: *path, DiskURL: *diskURL, MemURL: *memURL}
	default:
		spec = vms.NameSpec{Name: *name}
	}

	client, err := vms.New(vms.Options{Version: *vmsVersion, Platform: *platform}, vms.NewProcessExecutor("", 0))
	if err != nil {
		printFail(os.Stderr, "%v", err)
		return 1
	}
	cmd, err := client.Command(action, spec)
	if err != nil {
		printFail(os.Stderr, "%v", err)
		return 1
	}
	fmt.Println(strings.Join(cmd.Tokens(), " "))
	return 0
}
