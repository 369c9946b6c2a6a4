// Package vmstest provides a recording vmsctl executor for tests.
package vmstest

import (
	"context"
	"strings"
	"sync"
)

// valueFlags are the global vmsctl flags that consume the following token.
var valueFlags = map[string]bool{"-p": true, "-v": true, "-o": true}

var actions = map[string]bool{
	"bless":   true,
	"launch":  true,
	"discard": true,
	"pause":   true,
	"unpause": true,
}

// Recorder captures every argv it is asked to run and answers with scripted
// output keyed by the vmsctl action. It never starts a process.
type Recorder struct {
	mu      sync.Mutex
	calls   [][]string
	outputs map[string][]string
	errs    map[string]error
}

// NewRecorder returns a Recorder whose bless output mirrors what vmsctl prints,
// including the single-quoted artifacts mapping.
func NewRecorder() *Recorder {
	return &Recorder{
		outputs: map[string][]string{
			"bless": {
				"newname = captured-vms-ctl-name",
				"network = None",
				"artifacts = {'files': []}",
			},
		},
		errs: map[string]error{},
	}
}

// SetOutput scripts the stdout lines returned for action.
func (r *Recorder) SetOutput(action string, lines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[action] = lines
}

// SetError makes every run of action fail with err.
func (r *Recorder) SetError(action string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[action] = err
}

// Run records tokens and returns the scripted output for their action.
func (r *Recorder) Run(_ context.Context, tokens []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, append([]string(nil), tokens...))
	action := actionOf(tokens)
	if err := r.errs[action]; err != nil {
		return nil, err
	}
	return append([]string(nil), r.outputs[action]...), nil
}

// Calls returns a copy of every recorded argv, oldest first.
func (r *Recorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// Last returns the most recent argv, or nil if nothing ran.
func (r *Recorder) Last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return append([]string(nil), r.calls[len(r.calls)-1]...)
}

// actionOf returns the first token after the program and its global flags.
func actionOf(tokens []string) string {
	for i := 1; i < len(tokens); i++ {
		t := tokens[i]
		if strings.HasPrefix(t, "-") {
			if valueFlags[t] {
				i++
			}
			continue
		}
		if actions[t] {
			return t
		}
		return ""
	}
	return ""
}
