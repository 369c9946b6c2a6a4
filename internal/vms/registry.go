package vms

import "sort"

const defaultProgram = "vmsctl"

// versions is read-only after init.
var versions = map[string]profile{
	"2.4": {
		version:      "2.4",
		program:      defaultProgram,
		useNamesFlag: "--use.names",
		platformFlag: "-p",
		guestFlag:    "-v",
		trueToken:    "True",
	},
	"2.5": {
		version:      "2.5",
		program:      defaultProgram,
		useNamesFlag: "--use.names",
		platformFlag: "-p",
		guestFlag:    "-v",
		optionFlag:   "-o",
		trueToken:    "True",
	},
	"2.6": {
		version:      "2.6",
		program:      defaultProgram,
		useNamesFlag: "--use.names",
		platformFlag: "-p",
		guestFlag:    "-v",
		optionFlag:   "-o",
		trueToken:    "True",
	},
}

// Resolve returns the Builder and Parser for a vmsctl version.
func Resolve(version string) (Builder, Parser, error) {
	p, ok := versions[version]
	if !ok {
		return nil, nil, &UnsupportedVersionError{Version: version}
	}
	return &cliBuilder{p: p}, literalParser{}, nil
}

// Versions lists the supported versions in ascending order.
func Versions() []string {
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
