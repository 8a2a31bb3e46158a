package ui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"dropcrate/internal/events"
	"dropcrate/internal/model"
)

// Run drives the board until the job finishes or the user quits, then
// reports failed items as an error so the CLI can exit non-zero.
func Run(ctx context.Context, jobID string, reqs []model.TrackRequest, ch <-chan events.Event, cancel func()) error {
	m := NewModel(jobID, reqs, ch, cancel)
	prog := tea.NewProgram(m, tea.WithContext(ctx))
	final, err := prog.Run()
	if err != nil {
		return err
	}

	fm, ok := final.(Model)
	if !ok {
		return nil
	}
	failed := fm.Failed()
	if len(failed) == 0 {
		return nil
	}

	lines := make([]string, 0, len(failed))
	for _, it := range failed {
		line := fmt.Sprintf("- %s: %s", it.url, it.errMsg)
		if it.hint != "" {
			line += " (" + it.hint + ")"
		}
		lines = append(lines, line)
	}
	return fmt.Errorf("%d item(s) failed:\n%s", len(failed), strings.Join(lines, "\n"))
}
