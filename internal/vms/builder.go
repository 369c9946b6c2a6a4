package vms

import (
	"sort"
)

// Builder maps an action and its spec to a vmsctl command for one version.
type Builder interface {
	Build(action Action, spec Spec, platform string) (*Command, error)
}

// profile captures the flag spelling of one vmsctl release. An empty
// optionFlag means the release cannot take vms options.
type profile struct {
	version      string
	program      string
	useNamesFlag string
	platformFlag string
	guestFlag    string
	optionFlag   string
	trueToken    string
}

type cliBuilder struct {
	p profile
}

// Build returns the command for action. Guest params and vms options are
// emitted sorted by key so equal specs always yield equal argv.
func (b *cliBuilder) Build(action Action, spec Spec, platform string) (*Command, error) {
	if platform == "" {
		return nil, configErrorf("platform is empty")
	}
	if spec == nil {
		return nil, configErrorf("%s: spec is nil", action)
	}

	var (
		args   []string
		guest  map[string]string
		option map[string]string
	)

	switch action {
	case ActionBless:
		s, ok := spec.(BlessSpec)
		if !ok {
			return nil, specMismatch(action, spec)
		}
		if s.NewName == "" {
			return nil, configErrorf("bless: newname is empty")
		}
		args = append([]string{s.Name, s.NewName}, elide([]slot{
			textSlot("path", s.Path),
			textSlot("disk_url", s.DiskURL),
			textSlot("mem_url", s.MemURL),
			flagSlot("migration", s.Migration, b.p.trueToken),
		})...)

	case ActionLaunch:
		s, ok := spec.(LaunchSpec)
		if !ok {
			return nil, specMismatch(action, spec)
		}
		if s.NewName == "" {
			return nil, configErrorf("launch: newname is empty")
		}
		args = append([]string{s.Name, s.NewName, s.Path}, elide([]slot{
			textSlot("disk_url", s.DiskURL),
			textSlot("mem_url", s.MemURL),
			flagSlot("migration", s.Migration, b.p.trueToken),
		})...)
		guest, option = s.GuestParams, s.VMSOptions

	case ActionDiscard:
		s, ok := spec.(DiscardSpec)
		if !ok {
			return nil, specMismatch(action, spec)
		}
		args = append([]string{s.Name}, elide([]slot{
			textSlot("path", s.Path),
			textSlot("disk_url", s.DiskURL),
			textSlot("mem_url", s.MemURL),
		})...)

	case ActionPause, ActionUnpause:
		s, ok := spec.(NameSpec)
		if !ok {
			return nil, specMismatch(action, spec)
		}
		args = []string{s.Name}

	default:
		return nil, configErrorf("unknown action %q", action)
	}

	if spec.target() == "" {
		return nil, configErrorf("%s: name is empty", action)
	}
	if len(option) > 0 && b.p.optionFlag == "" {
		return nil, configErrorf("vmsctl %s does not accept vms options", b.p.version)
	}

	flags := []string{b.p.useNamesFlag, b.p.platformFlag, platform}
	flags = appendPairs(flags, b.p.guestFlag, guest)
	flags = appendPairs(flags, b.p.optionFlag, option)

	return &Command{
		Program:     b.p.program,
		GlobalFlags: flags,
		Action:      action,
		ActionArgs:  args,
	}, nil
}

func appendPairs(dst []string, flag string, kv map[string]string) []string {
	if len(kv) == 0 {
		return dst
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dst = append(dst, flag, k+"="+kv[k])
	}
	return dst
}

func specMismatch(action Action, spec Spec) error {
	return configErrorf("%s: unexpected spec type %T", action, spec)
}
