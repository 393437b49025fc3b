package monitor

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, source Source, interval time.Duration) error {
	program := tea.NewProgram(newModel(ctx, source, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}
