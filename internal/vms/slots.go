package vms

// slot is one optional positional argument of an action. An unset slot
// renders as "" when a later slot forces it into argv.
type slot struct {
	name   string
	set    bool
	render string
}

func textSlot(name, value string) slot {
	return slot{name: name, set: value != "", render: value}
}

func flagSlot(name string, value bool, trueToken string) slot {
	if !value {
		return slot{name: name}
	}
	return slot{name: name, set: true, render: trueToken}
}

// elide renders an optional tail: everything after the rightmost set slot is
// dropped, unset slots before it become "" placeholders.
func elide(tail []slot) []string {
	last := -1
	for i, s := range tail {
		if s.set {
			last = i
		}
	}
	out := make([]string, 0, last+1)
	for _, s := range tail[:last+1] {
		if s.set {
			out = append(out, s.render)
		} else {
			out = append(out, "")
		}
	}
	return out
}
