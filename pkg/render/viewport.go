// Package render draws graph snapshots onto a character grid.
package render

import (
	"math"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Zoom levels used when centering the map.
const (
	MinZoom     = 1
	MaxZoom     = 19
	DefaultZoom = 3
	InviteZoom  = 6  // centered on a valid inviter
	OwnZoom     = 12 // centered on the user's own position
)

// DefaultCenter is where the map opens before anything is known.
var DefaultCenter = lamp.Coordinates{Lat: 20, Lng: 78}

// Terminal cells are roughly twice as tall as they are wide.
const cellAspect = 2.0

// Viewport maps WGS84 positions to grid cells with an equirectangular
// projection. At zoom 1 the full 360 degrees of longitude span the width.
type Viewport struct {
	Center lamp.Coordinates
	Zoom   int
	Width  int
	Height int
}

// NewViewport returns a viewport at DefaultCenter and DefaultZoom.
func NewViewport(width, height int) Viewport {
	v := Viewport{Center: DefaultCenter, Zoom: DefaultZoom}
	v.Resize(width, height)
	return v
}

// CenterOn moves the viewport. Zoom and latitude are clamped and longitude
// is wrapped into [-180, 180).
func (v *Viewport) CenterOn(lat, lng float64, zoom int) {
	v.Center = lamp.Coordinates{Lat: clamp(lat, -90, 90), Lng: wrapLng(lng)}
	v.Zoom = clampZoom(zoom)
}

// Resize sets the grid size. Sizes below one cell become one.
func (v *Viewport) Resize(width, height int) {
	v.Width = max(width, 1)
	v.Height = max(height, 1)
}

// ZoomBy changes zoom by delta within the allowed range.
func (v *Viewport) ZoomBy(delta int) {
	v.Zoom = clampZoom(v.Zoom + delta)
}

// Pan shifts the center by whole cells; positive dx moves east, positive
// dy moves south.
func (v *Viewport) Pan(dx, dy int) {
	col, row := v.cellSize()
	v.CenterOn(v.Center.Lat-float64(dy)*row, v.Center.Lng+float64(dx)*col, v.Zoom)
}

// Project returns the cell for c. ok is false when c falls outside the grid;
// x and y are still meaningful for clipping.
func (v Viewport) Project(c lamp.Coordinates) (x, y int, ok bool) {
	fx, fy := v.project(c)
	x, y = int(math.Floor(fx)), int(math.Floor(fy))
	return x, y, x >= 0 && x < v.Width && y >= 0 && y < v.Height
}

func (v Viewport) project(c lamp.Coordinates) (float64, float64) {
	col, row := v.cellSize()
	fx := wrapLng(c.Lng-v.Center.Lng)/col + float64(v.Width)/2
	fy := (v.Center.Lat-c.Lat)/row + float64(v.Height)/2
	return fx, fy
}

// cellSize is the degrees covered by one column and one row.
func (v Viewport) cellSize() (col, row float64) {
	zoom := clampZoom(v.Zoom)
	col = 360 / (float64(max(v.Width, 1)) * math.Pow(2, float64(zoom-1)))
	return col, col * cellAspect
}

func clampZoom(z int) int {
	return min(max(z, MinZoom), MaxZoom)
}

func clamp(f, lo, hi float64) float64 {
	return math.Min(math.Max(f, lo), hi)
}

func wrapLng(lng float64) float64 {
	lng = math.Mod(lng+180, 360)
	if lng < 0 {
		lng += 360
	}
	return lng - 180
}
