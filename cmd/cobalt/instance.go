package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/cobalt/internal/api"
	"github.com/mattjoyce/cobalt/internal/client"
	"github.com/mattjoyce/cobalt/internal/instance"
)

// apiFlags are shared by commands that talk to a running server.
type apiFlags struct {
	url    *string
	apiKey *string
}

func addAPIFlags(fs *flag.FlagSet) apiFlags {
	defURL := os.Getenv("COBALT_API_URL")
	if defURL == "" {
		defURL = "http://127.0.0.1:8774"
	}
	return apiFlags{
		url:    fs.String("api", defURL, "API base URL (env COBALT_API_URL)"),
		apiKey: fs.String("api-key", os.Getenv("COBALT_API_KEY"), "API key (env COBALT_API_KEY)"),
	}
}

func (f apiFlags) client() *client.Client {
	return client.New(*f.url, *f.apiKey)
}

func runInstanceNoun(args []string) int {
	if len(args) < 1 {
		printInstanceNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printInstanceNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printInstanceNounHelp(os.Stdout)
		return 0
	}

	switch action {
	case "show", "launched", "blessed", "bless", "discard", "pause", "unpause":
		return runInstanceAction(action, actionArgs)
	case "launch":
		return runInstanceLaunch(actionArgs)
	case "register":
		return runInstanceRegister(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown instance action: %s\n", action)
		return 1
	}
}

func printInstanceNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: cobalt instance <action> <uuid> [flags]

Actions:
  register --name N --host H           Record a VM already running on a host
         [--uuid U] [--type T] [--project P] [--meta k=v]...
  show | launched | blessed            Read instance records
  bless | discard                      Queue an operation on the owning host
  pause | unpause                      Run an operation and wait for the reply
  launch [--count N] [--project P]     Queue launches through the scheduler
         [--param k=v]... [--option k=v]...
         [--disk-url U] [--mem-url U] [--migration]

Common flags:
  --api <url>       API base URL (env COBALT_API_URL)
  --api-key <key>   API key (env COBALT_API_KEY)
  --json            Print raw JSON
`)
}

func runInstanceAction(action string, args []string) int {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	conn := addAPIFlags(fs)
	jsonOut := fs.Bool("json", false, "Print raw JSON")
	uuid, ok := parseWithUUID(fs, args, action)
	if !ok {
		return 1
	}

	c := conn.client()
	ctx := context.Background()

	var (
		result any
		err    error
	)
	switch action {
	case "show":
		result, err = c.Instance(ctx, uuid)
	case "launched":
		result, err = c.ListLaunched(ctx, uuid)
	case "blessed":
		result, err = c.ListBlessed(ctx, uuid)
	case "bless":
		result, err = c.Bless(ctx, uuid)
	case "discard":
		result, err = c.Discard(ctx, uuid)
	case "pause":
		result, err = c.Pause(ctx, uuid)
	case "unpause":
		result, err = c.Unpause(ctx, uuid)
	}
	if err != nil {
		printFail(os.Stderr, "%s %s: %v", action, uuid, err)
		return 1
	}
	return render(result, *jsonOut)
}

func runInstanceLaunch(args []string) int {
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	conn := addAPIFlags(fs)
	jsonOut := fs.Bool("json", false, "Print raw JSON")
	req := api.LaunchRequest{GuestParams: map[string]string{}, VMSOptions: map[string]string{}}
	fs.IntVar(&req.Count, "count", 1, "Number of clones")
	fs.StringVar(&req.ProjectID, "project", "", "Project to charge (defaults to the template's)")
	fs.Var(kvFlag(req.GuestParams), "param", "Guest parameter key=value (repeatable)")
	fs.Var(kvFlag(req.VMSOptions), "option", "vmsctl option key=value (repeatable)")
	fs.StringVar(&req.DiskURL, "disk-url", "", "Disk image URL")
	fs.StringVar(&req.MemURL, "mem-url", "", "Memory image URL")
	fs.BoolVar(&req.Migration, "migration", false, "Launch for migration")
	uuid, ok := parseWithUUID(fs, args, "launch")
	if !ok {
		return 1
	}
	if req.Count < 1 {
		fmt.Fprintln(os.Stderr, "--count must be at least 1")
		return 1
	}

	resp, err := conn.client().Launch(context.Background(), uuid, req)
	if err != nil {
		printFail(os.Stderr, "launch %s: %v", uuid, err)
		return 1
	}
	return render(resp, *jsonOut)
}

func runInstanceRegister(args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	conn := addAPIFlags(fs)
	jsonOut := fs.Bool("json", false, "Print raw JSON")
	req := api.RegisterRequest{Metadata: map[string]string{}}
	fs.StringVar(&req.UUID, "uuid", "", "Instance UUID (generated when empty)")
	fs.StringVar(&req.Name, "name", "", "VM name as vmsctl knows it")
	fs.StringVar(&req.Host, "host", "", "Host the VM runs on")
	fs.StringVar(&req.InstanceType, "type", "", "Instance type for quota")
	fs.StringVar(&req.ProjectID, "project", "", "Owning project")
	fs.StringVar(&req.VMState, "state", "", "VM state (default active)")
	fs.Var(kvFlag(req.Metadata), "meta", "Metadata key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if req.Name == "" || req.Host == "" {
		fmt.Fprintln(os.Stderr, "Usage: cobalt instance register --name <name> --host <host> [flags]")
		return 1
	}

	inst, err := conn.client().Register(context.Background(), req)
	if err != nil {
		printFail(os.Stderr, "register %s: %v", req.Name, err)
		return 1
	}
	return render(inst, *jsonOut)
}

// parseWithUUID accepts the uuid before or after the flags.
func parseWithUUID(fs *flag.FlagSet, args []string, action string) (string, bool) {
	var uuid string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		uuid, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return "", false
	}
	if uuid == "" && fs.NArg() > 0 {
		uuid = fs.Arg(0)
	}
	if uuid == "" {
		fmt.Fprintf(os.Stderr, "Usage: cobalt instance %s <uuid> [flags]\n", action)
		return "", false
	}
	return uuid, true
}

func render(result any, jsonOut bool) int {
	if !jsonOut {
		switch v := result.(type) {
		case *instance.Instance:
			printInstance(os.Stdout, v)
			return 0
		case []*instance.Instance:
			printInstances(os.Stdout, v)
			return 0
		case *api.AcceptedResponse:
			printOK(os.Stdout, "%s %s for %s", v.Method, v.Status, v.InstanceUUID)
			return 0
		}
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
