package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"orion/pkg/registry"
)

var outputJSON bool

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func agentTable(agents []registry.AgentInfo) string {
	rows := make([][]string, 0, len(agents))
	for _, info := range agents {
		rows = append(rows, []string{
			info.ID,
			info.Kind,
			string(info.State),
			orDash(info.Module),
			orDash(strings.Join(info.Transports, ",")),
			fmt.Sprintf("%d/%d/%d", info.Counters.Received, info.Counters.Handled, info.Counters.Failed),
			uptimeText(info.UptimeSeconds),
		})
	}
	return renderTable([]string{"ID", "KIND", "STATE", "MODULE", "TRANSPORT", "RECV/OK/FAIL", "UPTIME"}, rows)
}

func moduleTable(modules []registry.ModuleInfo) string {
	rows := make([][]string, 0, len(modules))
	for _, info := range modules {
		loaded := "no"
		if info.Loaded {
			loaded = "yes"
		}
		rows = append(rows, []string{info.Name, orDash(info.Kind), orDash(info.Version), loaded, orDash(info.Error)})
	}
	return renderTable([]string{"NAME", "KIND", "VERSION", "LOADED", "ERROR"}, rows)
}

// writeAgent prints one agent as JSON or as a single-row table.
func writeAgent(w io.Writer, info registry.AgentInfo) error {
	if outputJSON {
		return printJSON(w, info)
	}
	_, err := fmt.Fprintln(w, agentTable([]registry.AgentInfo{info}))
	if err == nil && info.LastError != "" {
		_, err = fmt.Fprintf(w, "last error: %s\n", info.LastError)
	}
	return err
}

func writeModule(w io.Writer, info registry.ModuleInfo) error {
	if outputJSON {
		return printJSON(w, info)
	}
	_, err := fmt.Fprintln(w, moduleTable([]registry.ModuleInfo{info}))
	return err
}

func uptimeText(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Second).String()
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
