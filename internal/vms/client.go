package vms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/cobalt/internal/log"
)

// Options selects the vmsctl contract a Client speaks.
type Options struct {
	Version  string
	Platform string
}

// Client runs VM operations through vmsctl. The Builder/Parser pair is
// resolved once in New; a Client is safe for concurrent use.
type Client struct {
	version  string
	platform string
	builder  Builder
	parser   Parser
	exec     Executor
	logger   *slog.Logger
}

// New resolves opts.Version and binds it to exec. An unknown version fails
// here, before any process is started.
func New(opts Options, exec Executor) (*Client, error) {
	builder, parser, err := Resolve(opts.Version)
	if err != nil {
		return nil, err
	}
	if opts.Platform == "" {
		return nil, configErrorf("platform is empty")
	}
	if exec == nil {
		return nil, configErrorf("executor is nil")
	}
	return &Client{
		version:  opts.Version,
		platform: opts.Platform,
		builder:  builder,
		parser:   parser,
		exec:     exec,
		logger:   log.WithComponent("vms").With("vms_version", opts.Version),
	}, nil
}

// Version returns the resolved vmsctl version.
func (c *Client) Version() string { return c.version }

// Command builds the argv for action without running it.
func (c *Client) Command(action Action, spec Spec) (*Command, error) {
	return c.builder.Build(action, spec, c.platform)
}

// Bless turns a running VM into a template and returns what vmsctl reported.
func (c *Client) Bless(ctx context.Context, spec BlessSpec) (*BlessResult, error) {
	lines, err := c.run(ctx, ActionBless, spec)
	if err != nil {
		return nil, err
	}
	result, err := c.parser.ParseBless(lines)
	if err != nil {
		c.logger.Error("unparseable bless output", "name", spec.Name, "stdout", lines, "error", err)
		return nil, err
	}
	return result, nil
}

// Launch starts spec.Count VMs from a template by issuing the same launch
// command Count times. It stops at the first failure.
func (c *Client) Launch(ctx context.Context, spec LaunchSpec) error {
	if spec.Count < 1 {
		return configErrorf("launch: count must be at least 1, got %d", spec.Count)
	}
	cmd, err := c.builder.Build(ActionLaunch, spec, c.platform)
	if err != nil {
		return err
	}
	for i := 0; i < spec.Count; i++ {
		if _, err := c.exec.Run(ctx, c.trace(cmd)); err != nil {
			return fmt.Errorf("launch %d of %d: %w", i+1, spec.Count, err)
		}
	}
	return nil
}

// Discard removes a blessed template.
func (c *Client) Discard(ctx context.Context, spec DiscardSpec) error {
	_, err := c.run(ctx, ActionDiscard, spec)
	return err
}

// Pause suspends a running VM.
func (c *Client) Pause(ctx context.Context, name string) error {
	_, err := c.run(ctx, ActionPause, NameSpec{Name: name})
	return err
}

// Unpause resumes a paused VM.
func (c *Client) Unpause(ctx context.Context, name string) error {
	_, err := c.run(ctx, ActionUnpause, NameSpec{Name: name})
	return err
}

func (c *Client) run(ctx context.Context, action Action, spec Spec) ([]string, error) {
	cmd, err := c.builder.Build(action, spec, c.platform)
	if err != nil {
		return nil, err
	}
	return c.exec.Run(ctx, c.trace(cmd))
}

func (c *Client) trace(cmd *Command) []string {
	tokens := cmd.Tokens()
	c.logger.Debug("running vmsctl", "action", cmd.Action, "argv", tokens)
	return tokens
}
