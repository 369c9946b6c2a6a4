package vms

import (
	"strings"
)

// Parser turns vmsctl stdout into typed results.
type Parser interface {
	ParseBless(lines []string) (*BlessResult, error)
}

// literalParser reads vmsctl's "key = value" output. Values use Python
// literal notation (None, single-quoted strings, dicts and lists), which is
// not JSON, so values go through scanLiteral instead of encoding/json.
type literalParser struct{}

func (literalParser) ParseBless(lines []string) (*BlessResult, error) {
	fields, err := splitFields(lines)
	if err != nil {
		return nil, err
	}

	raw, ok := fields["newname"]
	if !ok {
		return nil, malformedf("bless output has no newname")
	}
	newname, none, err := scalar(raw)
	if err != nil {
		return nil, malformedf("newname: %v", err)
	}
	if none || newname == "" {
		return nil, malformedf("bless output has empty newname")
	}

	result := &BlessResult{NewName: newname, BlessedFiles: []string{}}

	if raw, ok := fields["network"]; ok {
		network, none, err := scalar(raw)
		if err != nil {
			return nil, malformedf("network: %v", err)
		}
		if !none {
			result.Network = &network
		}
	}

	if raw, ok := fields["artifacts"]; ok {
		files, err := artifactFiles(raw)
		if err != nil {
			return nil, err
		}
		result.BlessedFiles = files
	}

	return result, nil
}

// splitFields maps keys to raw values. Later duplicates win.
func splitFields(lines []string) (map[string]string, error) {
	fields := make(map[string]string, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, malformedf("line %d is not key = value: %q", i+1, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, malformedf("line %d has an empty key", i+1)
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}

// scalar reads a bare or quoted string value; none reports a None literal.
func scalar(raw string) (value string, none bool, err error) {
	if raw == "" {
		return "", false, nil
	}
	if raw[0] != '\'' && raw[0] != '"' {
		if raw == "None" {
			return "", true, nil
		}
		return raw, false, nil
	}
	v, err := scanLiteral(raw)
	if err != nil {
		return "", false, err
	}
	s, ok := v.(string)
	if !ok {
		return "", false, errNotString
	}
	return s, false, nil
}

func artifactFiles(raw string) ([]string, error) {
	v, err := scanLiteral(raw)
	if err != nil {
		return nil, malformedf("artifacts: %v", err)
	}
	if v == nil {
		return []string{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, malformedf("artifacts is not a mapping")
	}
	list, ok := m["files"]
	if !ok || list == nil {
		return []string{}, nil
	}
	items, ok := list.([]any)
	if !ok {
		return nil, malformedf("artifacts files is not a list")
	}
	files := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, malformedf("artifacts files[%d] is not a string", i)
		}
		files = append(files, s)
	}
	return files, nil
}
