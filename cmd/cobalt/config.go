package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/cobalt/internal/config"
	"github.com/mattjoyce/cobalt/internal/storage"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: cobalt config <action> [flags]

Actions:
  check  --config <path>             Parse, validate and verify integrity
  lock   --config <path> [--dry-run] Write BLAKE3 hashes to .checksums
`)
}

// resolveConfigFile maps a file or directory argument to the config file.
func resolveConfigFile(path string) (dir, file string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("config not found: %s", path)
	}
	if info.IsDir() {
		return path, "config.yaml", nil
	}
	return filepath.Dir(path), filepath.Base(path), nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "cobalt.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	dir, file, err := resolveConfigFile(*configPath)
	if err != nil {
		printFail(os.Stderr, "%v", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printFail(os.Stdout, "configuration invalid")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printOK(os.Stdout, "syntax and policy valid (host %s, vms %s)", cfg.Service.Host, cfg.VMS.Version)

	fsInfo, err := storage.InspectFilesystem(cfg.State.Path)
	switch {
	case err != nil:
		printFail(os.Stdout, "state.path: %v", err)
		return 1
	case fsInfo.Network:
		printFail(os.Stdout, "state.path %s is on network filesystem %s", cfg.State.Path, fsInfo.Type)
		return 1
	default:
		printOK(os.Stdout, "state.path on %s", fsInfo.Type)
	}

	switch err := config.Verify(dir, []string{file}); {
	case errors.Is(err, config.ErrNoChecksums):
		fmt.Println(dimStyle.Render("integrity: not locked"))
	case err != nil:
		printFail(os.Stdout, "integrity check failed")
		fmt.Fprintln(os.Stderr, err)
		return 1
	default:
		printOK(os.Stdout, "integrity verified")
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "cobalt.yaml", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	dir, file, err := resolveConfigFile(*configPath)
	if err != nil {
		printFail(os.Stderr, "%v", err)
		return 1
	}

	report, err := config.Lock(dir, []string{file}, *dryRun)
	if err != nil {
		printFail(os.Stderr, "lock failed: %v", err)
		return 1
	}

	for _, f := range report.Files {
		if !f.Exists {
			fmt.Printf("%s %s\n", headerStyle.Render(f.Filename), dimStyle.Render("missing"))
			continue
		}
		fmt.Printf("%s %s\n", headerStyle.Render(f.Filename), f.Hash)
	}
	if report.Written {
		printOK(os.Stdout, "wrote %s", report.ChecksumPath)
	} else {
		fmt.Println(dimStyle.Render("dry run: nothing written"))
	}
	return 0
}
