package fb

import "github.com/ghartrid/ironroot/kernel/gpu"

// TileSize is FB_TILE_SIZE: the square tile edge, in pixels, the dirty map
// tracks (spec.md §3, §4.9).
const TileSize = 32

// MaxWidth and MaxHeight are the largest display dimensions the dirty map
// is sized for (spec.md §3: "a maximum 1280x1024").
const (
	MaxWidth  = 1280
	MaxHeight = 1024

	maxTileCols = (MaxWidth + TileSize - 1) / TileSize
	maxTileRows = (MaxHeight + TileSize - 1) / TileSize
)

// DirtyMap is the fixed FB_TILE_COLS x FB_TILE_ROWS bitmap of 32x32-pixel
// tiles spec.md §3/§4.9 describes, sized for the largest supported display
// and indexed within the currently active width/height.
type DirtyMap struct {
	tiles [maxTileRows][maxTileCols]bool
	cols  int
	rows  int
}

// NewDirtyMap returns an empty (all-clear) dirty map; call Resize once the
// compositor knows its dimensions.
func NewDirtyMap() *DirtyMap { return &DirtyMap{} }

// Resize recomputes the active tile-column/row count for width x height
// and clears the map. Callers that want the next frame to be a full
// redraw must call MarkAll afterward (Compositor.Resize does, and
// Compositor.EnableDirtyTracking(true) marks everything as well).
func (d *DirtyMap) Resize(width, height uint32) {
	d.cols = (int(width) + TileSize - 1) / TileSize
	d.rows = (int(height) + TileSize - 1) / TileSize
	if d.cols > maxTileCols {
		d.cols = maxTileCols
	}
	if d.rows > maxTileRows {
		d.rows = maxTileRows
	}
	d.Clear()
}

// MarkRect marks every tile intersected by the pixel rectangle
// [x,x+w) x [y,y+h) dirty (spec.md §8: "every tile in
// floor(x/32)..floor((x+w-1)/32) x floor(y/32)..floor((y+h-1)/32) is
// dirty").
func (d *DirtyMap) MarkRect(x, y, w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	firstCol := x / TileSize
	lastCol := (x + w - 1) / TileSize
	firstRow := y / TileSize
	lastRow := (y + h - 1) / TileSize
	if firstCol < 0 {
		firstCol = 0
	}
	if firstRow < 0 {
		firstRow = 0
	}
	if lastCol >= d.cols {
		lastCol = d.cols - 1
	}
	if lastRow >= d.rows {
		lastRow = d.rows - 1
	}
	for r := firstRow; r <= lastRow; r++ {
		for c := firstCol; c <= lastCol; c++ {
			d.tiles[r][c] = true
		}
	}
}

// MarkAll sets every active tile dirty (spec.md §4.9: "Enable sets every
// bit initially so the first frame is a full redraw").
func (d *DirtyMap) MarkAll() {
	for r := 0; r < d.rows; r++ {
		for c := 0; c < d.cols; c++ {
			d.tiles[r][c] = true
		}
	}
}

// Clear sets every tile clean, as Flip does after a successful present.
func (d *DirtyMap) Clear() {
	for r := 0; r < d.rows; r++ {
		for c := 0; c < d.cols; c++ {
			d.tiles[r][c] = false
		}
	}
}

// HasDirty scans the bitmap for any set tile.
func (d *DirtyMap) HasDirty() bool {
	for r := 0; r < d.rows; r++ {
		for c := 0; c < d.cols; c++ {
			if d.tiles[r][c] {
				return true
			}
		}
	}
	return false
}

// Rects returns one gpu.Rect per dirty tile, in row-major order, for
// Compositor.Flip to hand to the bound backend (spec.md §4.9's
// dirty-tracking flip path: "for every dirty tile, copy that tile's
// rows").
func (d *DirtyMap) Rects() []gpu.Rect {
	var out []gpu.Rect
	for r := 0; r < d.rows; r++ {
		for c := 0; c < d.cols; c++ {
			if !d.tiles[r][c] {
				continue
			}
			out = append(out, gpu.Rect{
				X: uint32(c * TileSize),
				Y: uint32(r * TileSize),
				W: TileSize,
				H: TileSize,
			})
		}
	}
	return out
}
