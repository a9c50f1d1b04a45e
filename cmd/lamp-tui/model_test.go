package main

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rmax-ai/lampchain/pkg/graph"
	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/lamp/lamptest"
	"github.com/rmax-ai/lampchain/pkg/render"
)

func testSnapshot() *graph.Snapshot {
	return &graph.Snapshot{
		Lamps: []lamp.Lamp{
			{ID: "a", Coordinates: lamp.Coordinates{Lat: 28.6, Lng: 77.2}},
			{ID: "b", Coordinates: lamp.Coordinates{Lat: 19.0, Lng: 72.8}},
		},
		Edges: []lamp.Edge{{ParentID: "a", ChildID: "b"}},
	}
}

func fresh() graph.State { return graph.StateFresh }

func update(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(model)
}

func TestModel_LoadingUntilFirstSnapshot(t *testing.T) {
	m := newModel(make(chan *graph.Snapshot), fresh, "", nil)
	if !strings.Contains(m.View(), "Gathering the lights") {
		t.Errorf("expected loading view, got %q", m.View())
	}

	m = update(t, m, snapshotMsg{snap: testSnapshot()})
	view := m.View()
	if !strings.Contains(view, "2 diyas lit worldwide") {
		t.Errorf("expected counter header, got %q", view)
	}
	if !strings.Contains(view, "live") {
		t.Errorf("expected live indicator, got %q", view)
	}
}

func TestModel_StaleIndicator(t *testing.T) {
	m := newModel(make(chan *graph.Snapshot), func() graph.State { return graph.StateStale }, "", nil)
	m = update(t, m, snapshotMsg{snap: testSnapshot()})
	if !strings.Contains(m.View(), "syncing") {
		t.Errorf("expected syncing indicator, got %q", m.View())
	}
}

func TestModel_OwnChain(t *testing.T) {
	tests := []struct {
		name  string
		ownID string
		want  string
	}{
		{"no own lamp", "", ""},
		{"own lamp not synced", "zzz", ""},
		{"root of the chain", "a", "your diya lit 1 more"},
		{"invited lamp", "b", "your diya lit 0 more, linked to your inviter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(make(chan *graph.Snapshot), fresh, tt.ownID, nil)
			m = update(t, m, snapshotMsg{snap: testSnapshot()})
			if got := m.ownChain(); got != tt.want {
				t.Errorf("ownChain() = %q, want %q", got, tt.want)
			}
			if tt.want != "" && !strings.Contains(m.View(), tt.want) {
				t.Errorf("expected %q in header", tt.want)
			}
		})
	}
}

func TestModel_Centering(t *testing.T) {
	tests := []struct {
		name     string
		ownID    string
		inviter  *lamp.ParentRef
		wantZoom int
		wantLat  float64
	}{
		{"default", "", nil, render.DefaultZoom, render.DefaultCenter.Lat},
		{"own lamp", "b", nil, render.OwnZoom, 19.0},
		{"inviter wins", "b", &lamp.ParentRef{ID: "a", Coordinates: lamp.Coordinates{Lat: 28.6, Lng: 77.2}}, render.InviteZoom, 28.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(make(chan *graph.Snapshot), fresh, tt.ownID, tt.inviter)
			m = update(t, m, snapshotMsg{snap: testSnapshot()})

			v := m.m.Viewport
			if v.Zoom != tt.wantZoom || v.Center.Lat != tt.wantLat {
				t.Errorf("centered at %+v zoom %d, want lat %v zoom %d", v.Center, v.Zoom, tt.wantLat, tt.wantZoom)
			}

			// Later snapshots never move the user's view
			m.m.Viewport.ZoomBy(1)
			m = update(t, m, snapshotMsg{snap: testSnapshot()})
			if m.m.Viewport.Zoom != tt.wantZoom+1 {
				t.Errorf("snapshot reset the view: zoom %d", m.m.Viewport.Zoom)
			}
		})
	}
}

func TestModel_OwnLampNotYetVisible(t *testing.T) {
	m := newModel(make(chan *graph.Snapshot), fresh, "c", nil)
	m = update(t, m, snapshotMsg{snap: testSnapshot()})
	if m.centered {
		t.Fatal("expected to wait for the own lamp")
	}

	snap := testSnapshot()
	snap.Lamps = append(snap.Lamps, lamp.Lamp{ID: "c", Coordinates: lamp.Coordinates{Lat: 12.9, Lng: 77.6}})
	m = update(t, m, snapshotMsg{snap: snap})
	if !m.centered || m.m.Viewport.Zoom != render.OwnZoom {
		t.Errorf("expected centering on own lamp, got zoom %d", m.m.Viewport.Zoom)
	}
}

func TestModel_Keys(t *testing.T) {
	m := newModel(make(chan *graph.Snapshot), fresh, "", nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m = update(t, m, snapshotMsg{snap: testSnapshot()})

	if m.m.Viewport.Width != 100 || m.m.Viewport.Height != 40-chromeHeight {
		t.Errorf("unexpected viewport size %dx%d", m.m.Viewport.Width, m.m.Viewport.Height)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("l")})
	if m.m.ShowLines {
		t.Error("expected lines hidden after l")
	}

	zoom := m.m.Viewport.Zoom
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("+")})
	if m.m.Viewport.Zoom != zoom+1 {
		t.Errorf("expected zoom %d, got %d", zoom+1, m.m.Viewport.Zoom)
	}

	lng := m.m.Viewport.Center.Lng
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRight})
	if m.m.Viewport.Center.Lng <= lng {
		t.Errorf("expected pan east, lng %v -> %v", lng, m.m.Viewport.Center.Lng)
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestWaitForSnapshot(t *testing.T) {
	ch := make(chan *graph.Snapshot, 1)
	snap := testSnapshot()
	ch <- snap

	msg := waitForSnapshot(ch)()
	got, ok := msg.(snapshotMsg)
	if !ok || got.snap != snap {
		t.Errorf("expected snapshotMsg, got %#v", msg)
	}

	close(ch)
	if msg := waitForSnapshot(ch)(); msg != nil {
		t.Errorf("expected nil after close, got %#v", msg)
	}
}

func TestResolveInviter(t *testing.T) {
	st := lamptest.NewMemoryStore()
	parent, err := st.CreateLamp(context.Background(), lamp.NewLamp{Coordinates: lamp.Coordinates{Lat: 19, Lng: 72}, Message: "hi", Origin: "192.0.2.1"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	link := "https://lamps.example.org/?lamp=" + parent.ID + "&token=" + parent.ShareToken
	got := resolveInviter(context.Background(), st, link, nil)
	if got == nil || got.ID != parent.ID {
		t.Fatalf("expected inviter %s, got %+v", parent.ID, got)
	}

	if got := resolveInviter(context.Background(), st, "https://lamps.example.org/?lamp="+parent.ID+"&token=nope", nil); got != nil {
		t.Errorf("expected nil for bad token, got %+v", got)
	}
	if got := resolveInviter(context.Background(), st, "", nil); got != nil {
		t.Errorf("expected nil without a link, got %+v", got)
	}
}
