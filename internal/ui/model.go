// Package ui renders the interactive batch board: one row per item,
// driven by the job's event stream.
package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"dropcrate/internal/events"
	"dropcrate/internal/model"
)

type Model struct {
	jobID  string
	cancel func() // cancels the job through the registry

	itemOrder []string
	items     map[string]*itemState
	finished  bool
	cancelled bool

	width, height int
	styles        Styles

	ch <-chan events.Event
}

// NewModel builds the board for reqs. ch is the registry subscription
// for the job; cancel requests job cancellation.
func NewModel(jobID string, reqs []model.TrackRequest, ch <-chan events.Event, cancel func()) Model {
	sty := defaultStyles()

	items := make(map[string]*itemState, len(reqs))
	order := make([]string, 0, len(reqs))
	for _, r := range reqs {
		it := newItemState(r.ID, r.URL, sty)
		items[r.ID] = &it
		order = append(order, r.ID)
	}

	return Model{
		jobID:     jobID,
		cancel:    cancel,
		items:     items,
		itemOrder: order,
		styles:    sty,
		ch:        ch,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.listenCmd()}
	for _, id := range m.itemOrder {
		cmds = append(cmds, m.items[id].spinner.Tick)
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.finished {
				return m, tea.Quit
			}
			m.cancel()
			return m, nil // wait for queue-done so final states render
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case eventMsg:
		m.apply(msg.E)
		if m.finished {
			return m, tea.Quit
		}
		return m, m.listenCmd()

	case streamClosedMsg:
		m.finished = true
		return m, tea.Quit
	}

	var cmds []tea.Cmd
	for _, id := range m.itemOrder {
		it := m.items[id]
		var c tea.Cmd
		it.spinner, c = it.spinner.Update(msg)
		if c != nil {
			cmds = append(cmds, c)
		}
	}
	return m, tea.Batch(cmds...)
}

// apply folds one job event into the board state.
func (m *Model) apply(e events.Event) {
	switch e.Type {
	case events.QueueStart:
		// Items are pre-registered from the request list.

	case events.ItemStart:
		if it, ok := m.items[e.ItemID]; ok {
			it.stage = events.StageMetadata
			it.status = "Starting"
		}

	case events.ItemProgress:
		if it, ok := m.items[e.ItemID]; ok {
			if e.Stage != "" {
				it.stage = e.Stage
			}
			if e.Message != "" {
				it.status = e.Message
			}
		}

	case events.ItemDone:
		if it, ok := m.items[e.ItemID]; ok {
			it.done = true
			it.status = e.Message
			if e.Outputs != nil {
				it.audioPath = e.Outputs.AudioPath
				it.videoPath = e.Outputs.VideoPath
			}
		}

	case events.ItemError:
		if it, ok := m.items[e.ItemID]; ok {
			it.done = true
			it.errKind = e.Kind
			it.errMsg = e.Message
			it.hint = e.Hint
			it.status = e.Message
		}

	case events.QueueCancelled:
		m.cancelled = true

	case events.QueueDone:
		m.finished = true
	}
}

func (m Model) listenCmd() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{E: e}
	}
}

// Failed returns the items that ended in an error, for the post-TUI
// summary.
func (m Model) Failed() []*itemState {
	var out []*itemState
	for _, id := range m.itemOrder {
		if it := m.items[id]; it.failed() {
			out = append(out, it)
		}
	}
	return out
}
