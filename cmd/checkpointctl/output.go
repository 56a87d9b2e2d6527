package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/smallnest/checkpointer/checkpoint"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(12)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label+":"), value)
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func printTuple(w io.Writer, t *checkpoint.Tuple) error {
	fmt.Fprintln(w, headerStyle.Render("Checkpoint "+t.Config.CheckpointID))
	printField(w, "Thread", t.Config.ThreadID)
	if t.ParentConfig != nil {
		printField(w, "Parent", t.ParentConfig.CheckpointID)
	}
	if t.Checkpoint.TS != "" {
		printField(w, "Created", t.Checkpoint.TS)
	}
	printField(w, "Metadata", compactJSON(t.Metadata))

	payload, err := json.MarshalIndent(t.Checkpoint.Payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render payload: %w", err)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Payload"))
	fmt.Fprintln(w, string(payload))

	if len(t.PendingWrites) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Pending writes (%d)", len(t.PendingWrites))))
		for _, pw := range t.PendingWrites {
			fmt.Fprintf(w, "  %s %s = %s\n", dimStyle.Render(fmt.Sprintf("%s[%d]", pw.TaskID, pw.Index)), pw.Channel, compactJSON(pw.Value))
		}
	}
	return nil
}

func printTuples(w io.Writer, tuples []*checkpoint.Tuple) error {
	if len(tuples) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No checkpoints found"))
		return nil
	}

	rows := [][]string{{"THREAD", "CHECKPOINT", "PARENT", "WRITES", "METADATA"}}
	for _, t := range tuples {
		parent := "-"
		if t.ParentConfig != nil {
			parent = t.ParentConfig.CheckpointID
		}
		rows = append(rows, []string{
			t.Config.ThreadID,
			t.Config.CheckpointID,
			parent,
			fmt.Sprint(len(t.PendingWrites)),
			metadataSummary(t.Metadata),
		})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = lipgloss.NewStyle().Width(widths[j]).Render(cell)
		}
		line := strings.Join(cells, "  ")
		if i == 0 {
			line = headerStyle.Render(line)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// metadataSummary renders metadata as sorted key=value pairs.
func metadataSummary(md checkpoint.Metadata) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+compactJSON(md[k]))
	}
	return strings.Join(parts, " ")
}
