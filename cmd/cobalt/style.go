package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cobalt/internal/instance"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func printOK(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, okStyle.Render("✓ "+fmt.Sprintf(format, args...)))
}

func printFail(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, failStyle.Render("✗ "+fmt.Sprintf(format, args...)))
}

var instanceColumns = []string{"UUID", "NAME", "HOST", "TYPE", "PROJECT", "STATE"}

func instanceRow(i *instance.Instance) []string {
	return []string{i.UUID, i.Name, i.Host, i.InstanceType, i.ProjectID, i.VMState}
}

// printInstances renders a fixed-width table.
func printInstances(w io.Writer, list []*instance.Instance) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimStyle.Render("(none)"))
		return
	}

	widths := make([]int, len(instanceColumns))
	for i, c := range instanceColumns {
		widths[i] = len(c)
	}
	rows := make([][]string, 0, len(list))
	for _, inst := range list {
		row := instanceRow(inst)
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
		rows = append(rows, row)
	}

	cells := make([]string, len(instanceColumns))
	for i, c := range instanceColumns {
		cells[i] = headerStyle.Render(pad(c, widths[i]))
	}
	fmt.Fprintln(w, strings.Join(cells, "  "))
	for _, row := range rows {
		for i, cell := range row {
			cells[i] = pad(cell, widths[i])
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func printInstance(w io.Writer, inst *instance.Instance) {
	field := func(k, v string) {
		fmt.Fprintf(w, "%s %s\n", headerStyle.Render(pad(k+":", 14)), v)
	}
	field("uuid", inst.UUID)
	field("name", inst.Name)
	field("host", inst.Host)
	field("type", inst.InstanceType)
	field("project", inst.ProjectID)
	field("state", inst.VMState)
	field("deleted", fmt.Sprintf("%t", inst.Deleted))
	field("created", inst.CreatedAt.Format("2006-01-02 15:04:05Z07:00"))
	for _, k := range slices.Sorted(maps.Keys(inst.Metadata)) {
		field("meta."+k, inst.Metadata[k])
	}
}

func pad(s string, n int) string {
	if w := lipgloss.Width(s); w < n {
		return s + strings.Repeat(" ", n-w)
	}
	return s
}
