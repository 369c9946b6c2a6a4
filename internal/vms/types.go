// Package vms adapts semantic VM operations (bless, launch, discard, pause,
// unpause) to the vmsctl command line and parses its textual output.
//
// The command contract differs between vmsctl releases, so a Client resolves
// a Builder/Parser pair for one version at construction and keeps it for its
// lifetime. Process execution sits behind the Executor interface; tests use
// vmstest.Recorder to capture argv without running anything.
package vms

// Action names a vmsctl sub-command.
type Action string

const (
	ActionBless   Action = "bless"
	ActionLaunch  Action = "launch"
	ActionDiscard Action = "discard"
	ActionPause   Action = "pause"
	ActionUnpause Action = "unpause"
)

// Spec is the parameter set for one action. It is one of BlessSpec,
// LaunchSpec, DiscardSpec or NameSpec.
type Spec interface {
	target() string
}

// BlessSpec parameterizes a bless of a running VM into a template.
type BlessSpec struct {
	Name      string
	NewName   string
	Path      string
	DiskURL   string
	MemURL    string
	Migration bool
}

// LaunchSpec parameterizes launching a VM from a blessed template. Count is
// the number of times the launch command is issued; it never reaches argv.
// Every repetition reuses NewName, so callers that want a distinct name per
// clone issue Count 1 launches themselves, as the host worker does.
type LaunchSpec struct {
	Name        string
	NewName     string
	Count       int
	Path        string
	DiskURL     string
	MemURL      string
	Migration   bool
	GuestParams map[string]string
	VMSOptions  map[string]string
}

// DiscardSpec parameterizes removal of a blessed template.
type DiscardSpec struct {
	Name    string
	Path    string
	DiskURL string
	MemURL  string
}

// NameSpec carries only the VM name (pause, unpause).
type NameSpec struct {
	Name string
}

func (s BlessSpec) target() string   { return s.Name }
func (s LaunchSpec) target() string  { return s.Name }
func (s DiscardSpec) target() string { return s.Name }
func (s NameSpec) target() string    { return s.Name }

// Command is a fully built vmsctl invocation.
type Command struct {
	Program     string
	GlobalFlags []string
	Action      Action
	ActionArgs  []string
}

// Tokens flattens the command into argv order.
func (c *Command) Tokens() []string {
	out := make([]string, 0, 2+len(c.GlobalFlags)+len(c.ActionArgs))
	out = append(out, c.Program)
	out = append(out, c.GlobalFlags...)
	out = append(out, string(c.Action))
	out = append(out, c.ActionArgs...)
	return out
}

// BlessResult is the parsed output of a bless. Network is nil when vmsctl
// reports None.
type BlessResult struct {
	NewName      string   `json:"newname"`
	Network      *string  `json:"network"`
	BlessedFiles []string `json:"blessed_files"`
}
