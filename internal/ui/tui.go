// ABOUTME: TUI startup for the bridge status screen
// ABOUTME: Wraps the bubbletea program and stops it when the bridge context ends
package ui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the status screen until the user quits or ctx is cancelled.
// It returns nil in both cases.
func Run(ctx context.Context, info Info, controls Controls, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(NewModel(info, controls), opts...)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
