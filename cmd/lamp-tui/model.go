package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/lampchain/pkg/graph"
	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/render"
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

const chromeHeight = 2 // header + footer

type snapshotMsg struct {
	snap *graph.Snapshot
}

// model is the live map. Snapshots arrive from the reconciler's cache; the
// model never fetches on its own.
type model struct {
	spinner spinner.Model
	m       *render.Map
	snap    *graph.Snapshot
	updates <-chan *graph.Snapshot
	state   func() graph.State

	ownID    string
	inviter  *lamp.ParentRef
	centered bool

	ready bool
}

func newModel(updates <-chan *graph.Snapshot, state func() graph.State, ownID string, inviter *lamp.ParentRef) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	m := render.NewMap(80, 24-chromeHeight)
	m.Marked = ownID

	return model{
		spinner: s,
		m:       m,
		updates: updates,
		state:   state,
		ownID:   ownID,
		inviter: inviter,
	}
}

func waitForSnapshot(updates <-chan *graph.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return snapshotMsg{snap: snap}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForSnapshot(m.updates),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		v := &m.m.Viewport
		step := max(v.Width/8, 1)
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "l":
			m.m.ShowLines = !m.m.ShowLines
		case "left":
			v.Pan(-step, 0)
		case "right":
			v.Pan(step, 0)
		case "up":
			v.Pan(0, -max(step/2, 1))
		case "down":
			v.Pan(0, max(step/2, 1))
		case "+", "=":
			v.ZoomBy(1)
		case "-", "_":
			v.ZoomBy(-1)
		case "c":
			m.centered = false
			m.center()
		}

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.snap = msg.snap
		m.ready = true
		m.center()
		return m, waitForSnapshot(m.updates)

	case tea.WindowSizeMsg:
		m.m.Viewport.Resize(msg.Width, msg.Height-chromeHeight)
	}

	return m, nil
}

// center applies the opening position once: the inviter at InviteZoom,
// else the user's own lamp at OwnZoom, else the default view.
func (m *model) center() {
	if m.centered {
		return
	}
	v := &m.m.Viewport
	switch {
	case m.inviter != nil:
		v.CenterOn(m.inviter.Coordinates.Lat, m.inviter.Coordinates.Lng, render.InviteZoom)
	case m.ownID != "":
		own, ok := m.snap.Lamp(m.ownID)
		if !ok {
			// wait for a snapshot that has it
			return
		}
		v.CenterOn(own.Coordinates.Lat, own.Coordinates.Lng, render.OwnZoom)
	default:
		v.CenterOn(render.DefaultCenter.Lat, render.DefaultCenter.Lng, render.DefaultZoom)
	}
	m.centered = true
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n %s Gathering the lights...\n", m.spinner.View())
	}

	var sb strings.Builder
	header := headerStyle.Render("🪔 " + render.Header(len(m.snap.Lamps)))
	switch {
	case m.state != nil && m.state() == graph.StateStale:
		header += "  " + m.spinner.View() + subtleStyle.Render(" syncing")
	default:
		header += "  " + okStyle.Render("live")
	}
	if chain := m.ownChain(); chain != "" {
		header += "  " + subtleStyle.Render(chain)
	}
	sb.WriteString(header)
	sb.WriteString("\n")
	sb.WriteString(m.m.Render(m.snap))
	sb.WriteString("\n")

	lines := "on"
	if !m.m.ShowLines {
		lines = "off"
	}
	sb.WriteString(subtleStyle.Render(fmt.Sprintf(
		"zoom %d  arrows pan  +/- zoom  l lines (%s)  c recenter  q quit",
		m.m.Viewport.Zoom, lines,
	)))
	return sb.String()
}

// ownChain describes this install's lamp within the chain, or "" when it
// is unknown or not yet synced.
func (m model) ownChain() string {
	if m.ownID == "" {
		return ""
	}
	if _, ok := m.snap.Lamp(m.ownID); !ok {
		return ""
	}
	invited := len(m.snap.Children(m.ownID))
	out := fmt.Sprintf("your diya lit %d more", invited)
	if len(m.snap.Parents(m.ownID)) > 0 {
		out += ", linked to your inviter"
	}
	return out
}
