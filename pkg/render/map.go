package render

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/lampchain/pkg/graph"
	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Grid glyphs.
const (
	GlyphEmpty  = ' '
	GlyphLine   = '·'
	GlyphLamp   = '*'
	GlyphMany   = '+' // more than nine lamps in one cell
	GlyphMarked = '@'
)

// Styles colors each glyph class.
type Styles struct {
	Empty   lipgloss.Style
	Line    lipgloss.Style
	Lamp    lipgloss.Style
	Cluster lipgloss.Style
	Marked  lipgloss.Style
}

// DefaultStyles uses the diya amber for lamps and a dim gold for lines.
func DefaultStyles() Styles {
	return Styles{
		Empty:   lipgloss.NewStyle(),
		Line:    lipgloss.NewStyle().Foreground(lipgloss.Color("178")),
		Lamp:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		Cluster: lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
		Marked:  lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true),
	}
}

// Cluster is every visible lamp that falls in one grid cell.
type Cluster struct {
	X, Y  int
	Lamps []lamp.Lamp
}

// Count returns the number of lamps in the cell.
func (c Cluster) Count() int { return len(c.Lamps) }

// Glyph is the character drawn for the cluster.
func (c Cluster) Glyph() rune {
	switch n := len(c.Lamps); {
	case n <= 1:
		return GlyphLamp
	case n <= 9:
		return rune('0' + n)
	default:
		return GlyphMany
	}
}

// Clusters groups the snapshot's visible lamps by cell, ordered top to
// bottom then left to right.
func Clusters(s *graph.Snapshot, v Viewport) []Cluster {
	if s == nil {
		return nil
	}
	type cell struct{ x, y int }
	byCell := make(map[cell]*Cluster)
	for _, l := range s.Lamps {
		x, y, ok := v.Project(l.Coordinates)
		if !ok {
			continue
		}
		k := cell{x, y}
		c, found := byCell[k]
		if !found {
			c = &Cluster{X: x, Y: y}
			byCell[k] = c
		}
		c.Lamps = append(c.Lamps, l)
	}

	out := make([]Cluster, 0, len(byCell))
	for _, c := range byCell {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// Map renders snapshots through a viewport.
type Map struct {
	Viewport  Viewport
	ShowLines bool
	// Marked is a lamp id drawn with GlyphMarked, such as the user's own lamp.
	Marked string
	Styles Styles
}

// NewMap returns a map with lines shown and default styles.
func NewMap(width, height int) *Map {
	return &Map{
		Viewport:  NewViewport(width, height),
		ShowLines: true,
		Styles:    DefaultStyles(),
	}
}

// Grid draws s as runes, lines first so lamps sit on top.
func (m *Map) Grid(s *graph.Snapshot) [][]rune {
	v := m.Viewport
	grid := make([][]rune, v.Height)
	for y := range grid {
		grid[y] = []rune(strings.Repeat(string(GlyphEmpty), v.Width))
	}
	if s == nil {
		return grid
	}

	if m.ShowLines {
		for _, line := range s.Lines() {
			m.drawLine(grid, line.From, line.To)
		}
	}

	for _, c := range Clusters(s, v) {
		glyph := c.Glyph()
		if m.Marked != "" {
			for _, l := range c.Lamps {
				if l.ID == m.Marked {
					glyph = GlyphMarked
					break
				}
			}
		}
		grid[c.Y][c.X] = glyph
	}
	return grid
}

// Render draws s with styles applied, one string per row joined by newlines.
func (m *Map) Render(s *graph.Snapshot) string {
	grid := m.Grid(s)
	rows := make([]string, len(grid))
	for y, row := range grid {
		var sb strings.Builder
		start := 0
		for x := 1; x <= len(row); x++ {
			if x < len(row) && m.class(row[x]) == m.class(row[start]) {
				continue
			}
			sb.WriteString(m.style(row[start]).Render(string(row[start:x])))
			start = x
		}
		rows[y] = sb.String()
	}
	return strings.Join(rows, "\n")
}

func (m *Map) class(r rune) int {
	switch {
	case r == GlyphEmpty:
		return 0
	case r == GlyphLine:
		return 1
	case r == GlyphLamp:
		return 2
	case r == GlyphMarked:
		return 4
	default:
		return 3
	}
}

func (m *Map) style(r rune) lipgloss.Style {
	switch m.class(r) {
	case 1:
		return m.Styles.Line
	case 2:
		return m.Styles.Lamp
	case 3:
		return m.Styles.Cluster
	case 4:
		return m.Styles.Marked
	default:
		return m.Styles.Empty
	}
}

// drawLine clips the segment to the grid and samples one point per cell.
func (m *Map) drawLine(grid [][]rune, from, to lamp.Coordinates) {
	v := m.Viewport
	x0, y0 := v.project(from)
	x1, y1 := v.project(to)

	x0, y0, x1, y1, ok := clip(x0, y0, x1, y1, float64(v.Width), float64(v.Height))
	if !ok {
		return
	}

	steps := int(math.Ceil(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))))
	for i := 0; i <= steps; i++ {
		t := 0.0
		if steps > 0 {
			t = float64(i) / float64(steps)
		}
		x := int(math.Floor(x0 + t*(x1-x0)))
		y := int(math.Floor(y0 + t*(y1-y0)))
		if x < 0 || x >= v.Width || y < 0 || y >= v.Height {
			continue
		}
		if grid[y][x] == GlyphEmpty {
			grid[y][x] = GlyphLine
		}
	}
}

// clip is Liang-Barsky against [0,w) x [0,h).
func clip(x0, y0, x1, y1, w, h float64) (float64, float64, float64, float64, bool) {
	dx, dy := x1-x0, y1-y0
	t0, t1 := 0.0, 1.0
	for _, edge := range [4][2]float64{
		{-dx, x0},
		{dx, w - x0},
		{-dy, y0},
		{dy, h - y0},
	} {
		p, q := edge[0], edge[1]
		if p == 0 {
			if q < 0 {
				return 0, 0, 0, 0, false
			}
			continue
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return 0, 0, 0, 0, false
			}
			t0 = math.Max(t0, r)
		} else {
			if r < t0 {
				return 0, 0, 0, 0, false
			}
			t1 = math.Min(t1, r)
		}
	}
	return x0 + t0*dx, y0 + t0*dy, x0 + t1*dx, y0 + t1*dy, true
}

// Header is the lamp counter line, e.g. "1,204 diyas lit worldwide".
func Header(count int) string {
	if count == 1 {
		return "1 diya lit worldwide"
	}
	return fmt.Sprintf("%s diyas lit worldwide", groupThousands(count))
}

func groupThousands(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var sb strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	if neg {
		return "-" + sb.String()
	}
	return sb.String()
}
